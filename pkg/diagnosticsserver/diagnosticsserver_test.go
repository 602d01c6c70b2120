package diagnosticsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestHealthzAndSnapshotEndpoints(t *testing.T) {
	snap := types.Snapshot{SessionID: "abc", Stats: types.Stats{ActiveCount: 3}}
	s := New("127.0.0.1:0", func() types.Snapshot { return snap }, nil, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, uint64(3), got.Stats.ActiveCount)
}

func TestShutdown(t *testing.T) {
	s := New("127.0.0.1:0", func() types.Snapshot { return types.Snapshot{} }, nil, testLogger())
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
