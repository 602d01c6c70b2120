package config

import (
	"os"
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

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("", testLogger())
	require.NoError(t, err)

	assert.Equal(t, StrategyAuto, cfg.Session.Strategy)
	assert.Equal(t, uint32(64*1024), cfg.Sampling.LargeThresholdBytes)
	assert.Equal(t, "full", cfg.Codec.ExportMode)
	assert.Equal(t, "none", cfg.Codec.Codec)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("session:\n  strategy: lockfree\nsampling:\n  p_medium: 0.25\n"), 0o644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, StrategyLockFree, cfg.Session.Strategy)
	assert.Equal(t, 0.25, cfg.Sampling.PMedium)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml", testLogger())
	require.NoError(t, err)
	assert.Equal(t, StrategyAuto, cfg.Session.Strategy)
}

func TestApplyEnvOverridesAsyncMode(t *testing.T) {
	t.Setenv("MEMSCOPE_ASYNC_MODE", "1")
	cfg, err := Load("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, StrategyAsync, cfg.Session.Strategy)
}

func TestApplyEnvOverridesKafkaBrokersEnablesStreaming(t *testing.T) {
	t.Setenv("MEMSCOPE_KAFKA_BROKERS", "broker1:9092,broker2:9092")
	cfg, err := Load("", testLogger())
	require.NoError(t, err)
	assert.True(t, cfg.Streaming.Enabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Streaming.Brokers)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Session.Strategy = "bogus"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsOutOfRangeSamplingProbability(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Sampling.PMedium = 1.5
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Codec.Codec = "bogus"
	assert.Error(t, Validate(cfg))
}
