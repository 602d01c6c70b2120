package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewManagerDisabledUsesNoopTracer(t *testing.T) {
	tm, err := NewManager(Config{Enabled: false}, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, tm.Tracer())
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracedRecordsSuccessAndError(t *testing.T) {
	tm, err := NewManager(Config{Enabled: false}, testLogger())
	require.NoError(t, err)

	called := false
	err = Traced(context.Background(), tm.Tracer(), "test.op", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	err = Traced(context.Background(), tm.Tracer(), "test.op", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestExtractTraceInfoEmptyWithoutSpan(t *testing.T) {
	traceID, spanID := ExtractTraceInfo(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}
