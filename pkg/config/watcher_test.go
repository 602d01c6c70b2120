package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcherReloadsSamplingOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  p_medium: 0.05\n"), 0o644))

	w := NewWatcher(path, SamplingConfig{PMedium: 0.05}, testLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	reloaded := make(chan SamplingConfig, 1)
	w.OnReload(func(s SamplingConfig) { reloaded <- s })

	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  p_medium: 0.5\n"), 0o644))

	select {
	case s := <-reloaded:
		assert.Equal(t, 0.5, s.PMedium)
	case <-time.After(2 * time.Second):
		t.Fatal("config reload was not observed")
	}
	assert.Equal(t, 0.5, w.Current().PMedium)
}

func TestWatcherStartIsNoOpWithoutConfigFile(t *testing.T) {
	w := NewWatcher("", SamplingConfig{PMedium: 0.1}, testLogger())
	require.NoError(t, w.Start())
	w.Stop()
	assert.Equal(t, 0.1, w.Current().PMedium)
}

func TestWatcherStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  p_medium: 0.05\n"), 0o644))

	w := NewWatcher(path, SamplingConfig{PMedium: 0.05}, testLogger())
	require.NoError(t, w.Start())
	w.Stop()
}
