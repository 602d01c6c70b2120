package streaming

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/config"
	"memscope/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewDisabledReturnsNilMirror(t *testing.T) {
	m, err := New(config.StreamingConfig{Enabled: false}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNewEnabledWithoutBrokersErrors(t *testing.T) {
	_, err := New(config.StreamingConfig{Enabled: true, Topic: "memscope"}, testLogger())
	assert.Error(t, err)
}

func TestNewEnabledConstructsProducer(t *testing.T) {
	m, err := New(config.StreamingConfig{
		Enabled: true,
		Brokers: []string{"localhost:9092"},
		Topic:   "memscope-test",
	}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, m)
	defer m.Close()

	assert.True(t, m.Healthy())
}

func TestNilMirrorMethodsAreNoOps(t *testing.T) {
	var m *Mirror
	assert.True(t, m.Healthy())
	assert.NoError(t, m.Close())
	m.Send(context.Background(), types.AllocationRecord{Ptr: 1})
}
