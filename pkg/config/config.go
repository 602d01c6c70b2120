// Package config loads the tunables for a tracking session: which strategy
// to prefer, sampling rates, bounded-history limits, and the ambient
// services (diagnostics HTTP server, tracing exporter, Kafka mirror).
//
// Loading follows the same three stages the teacher's internal/config does:
// read a YAML file if one is given, apply defaults for anything left zero,
// then let MEMSCOPE_* environment variables override the result, finally
// validating before handing the config back.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"memscope/pkg/merrors"
)

// Strategy names the concurrency backend the dispatcher should prefer
// (spec.md §4.6). "auto" lets the dispatcher detect the environment.
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategyPrecise  Strategy = "precise"
	StrategyLockFree Strategy = "lockfree"
	StrategyAsync    Strategy = "async"
	StrategyHybrid   Strategy = "hybrid"
)

// Config is the root configuration object for a tracking session.
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	History    HistoryConfig    `yaml:"history"`
	Codec      CodecConfig      `yaml:"codec"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Container  ContainerConfig  `yaml:"container"`
	Workers    WorkersConfig    `yaml:"workers"`
}

// SessionConfig controls strategy selection and identity resolution.
type SessionConfig struct {
	Strategy               Strategy      `yaml:"strategy"`
	ClassificationWindow    time.Duration `yaml:"classification_window"`
	ClassificationMaxAllocs int           `yaml:"classification_max_allocs"`
	TestMode                bool          `yaml:"test_mode"`
}

// SamplingConfig mirrors the rates named in spec.md §4.4.
type SamplingConfig struct {
	LargeThresholdBytes  uint32  `yaml:"large_threshold_bytes"`
	MediumThresholdBytes uint32  `yaml:"medium_threshold_bytes"`
	PMedium              float64 `yaml:"p_medium"`
	PSmall               float64 `yaml:"p_small"`
	FrequencyN           uint64  `yaml:"frequency_n"`
	SlabCapacity         int     `yaml:"slab_capacity"`
}

// HistoryConfig controls the precise tracker's bounded-history policy
// (spec.md §4.3).
type HistoryConfig struct {
	MaxCount int   `yaml:"max_count"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// CodecConfig configures the binary writer (spec.md §4.7 and its
// compression extension, SPEC_FULL §4.7a).
type CodecConfig struct {
	ExportMode string `yaml:"export_mode"` // "user_only" | "full"
	Codec      string `yaml:"codec"`       // "none" | "gzip" | "snappy" | "lz4" | "zstd"
}

// MetricsConfig toggles the Prometheus registry and its HTTP exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TracingConfig selects and configures the otel span exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp" | "jaeger" | "none"
	OTLPAddr    string `yaml:"otlp_addr"`
	JaegerAddr  string `yaml:"jaeger_addr"`
	ServiceName string `yaml:"service_name"`
}

// DiagnosticsConfig controls the read-only HTTP surface.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StreamingConfig controls the optional Kafka live mirror.
type StreamingConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	SASL    SASLConfig `yaml:"sasl"`
}

// SASLConfig configures SCRAM auth for the Kafka mirror.
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // "SCRAM-SHA-256" | "SCRAM-SHA-512"
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
}

// ContainerConfig controls best-effort container context enrichment.
type ContainerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// WorkersConfig holds a worker pool size. No component reads PoolSize;
// encoding and decoding run on the caller's goroutine.
type WorkersConfig struct {
	PoolSize int `yaml:"pool_size"`
}

// Load reads configFile (if non-empty), applies defaults, applies
// MEMSCOPE_* environment overrides, and validates the result.
func Load(configFile string, logger *logrus.Logger) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			logger.WithError(err).WithField("path", configFile).Warn("failed to load config file, continuing with defaults")
		} else {
			logger.WithField("path", configFile).Info("loaded configuration file")
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, merrors.New(merrors.KindInitialization, "config", "Load", "configuration validation failed").Wrap(err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Session.Strategy == "" {
		cfg.Session.Strategy = StrategyAuto
	}
	if cfg.Session.ClassificationWindow == 0 {
		cfg.Session.ClassificationWindow = 100 * time.Microsecond
	}
	if cfg.Session.ClassificationMaxAllocs == 0 {
		cfg.Session.ClassificationMaxAllocs = 16
	}

	if cfg.Sampling.LargeThresholdBytes == 0 {
		cfg.Sampling.LargeThresholdBytes = 64 * 1024
	}
	if cfg.Sampling.MediumThresholdBytes == 0 {
		cfg.Sampling.MediumThresholdBytes = 1024
	}
	if cfg.Sampling.PMedium == 0 {
		cfg.Sampling.PMedium = 0.05
	}
	if cfg.Sampling.PSmall == 0 {
		cfg.Sampling.PSmall = 0.001
	}
	if cfg.Sampling.FrequencyN == 0 {
		cfg.Sampling.FrequencyN = 256
	}
	if cfg.Sampling.SlabCapacity == 0 {
		cfg.Sampling.SlabCapacity = 4096
	}

	if cfg.History.MaxCount == 0 {
		cfg.History.MaxCount = 100_000
	}
	if cfg.History.MaxBytes == 0 {
		cfg.History.MaxBytes = 256 * 1024 * 1024
	}

	if cfg.Codec.ExportMode == "" {
		cfg.Codec.ExportMode = "full"
	}
	if cfg.Codec.Codec == "" {
		cfg.Codec.Codec = "none"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "memscope"
	}

	if cfg.Diagnostics.Addr == "" {
		cfg.Diagnostics.Addr = "127.0.0.1:9090"
	}

	if cfg.Container.SocketPath == "" {
		cfg.Container.SocketPath = "unix:///var/run/docker.sock"
	}

	if cfg.Workers.PoolSize == 0 {
		cfg.Workers.PoolSize = 0 // 0 is left as is; nothing reads PoolSize to size a pool
	}
}

// applyEnvOverrides honors the environment variables named in spec.md §6
// and SPEC_FULL.md §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMSCOPE_ASYNC_MODE"); v == "1" {
		cfg.Session.Strategy = StrategyAsync
	}
	if v := os.Getenv("MEMSCOPE_FAST_MODE"); v == "1" {
		cfg.Session.Strategy = StrategyLockFree
	}
	if v := os.Getenv("MEMSCOPE_TEST_MODE"); v == "1" {
		cfg.Session.TestMode = true
	}
	if v := os.Getenv("MEMSCOPE_DIAG_ADDR"); v != "" {
		cfg.Diagnostics.Addr = v
		cfg.Diagnostics.Enabled = true
	}
	if v := os.Getenv("MEMSCOPE_KAFKA_BROKERS"); v != "" {
		cfg.Streaming.Brokers = strings.Split(v, ",")
		cfg.Streaming.Enabled = true
	}
	if v := os.Getenv("MEMSCOPE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

// Validate rejects configurations the rest of the module cannot act on
// safely (negative probabilities, zero-sized slabs, and so on).
func Validate(cfg *Config) error {
	switch cfg.Session.Strategy {
	case StrategyAuto, StrategyPrecise, StrategyLockFree, StrategyAsync, StrategyHybrid:
	default:
		return fmt.Errorf("unknown strategy %q", cfg.Session.Strategy)
	}
	if cfg.Sampling.PMedium < 0 || cfg.Sampling.PMedium > 1 {
		return fmt.Errorf("sampling.p_medium must be in [0,1], got %v", cfg.Sampling.PMedium)
	}
	if cfg.Sampling.PSmall < 0 || cfg.Sampling.PSmall > 1 {
		return fmt.Errorf("sampling.p_small must be in [0,1], got %v", cfg.Sampling.PSmall)
	}
	if cfg.Sampling.SlabCapacity <= 0 {
		return fmt.Errorf("sampling.slab_capacity must be positive")
	}
	switch cfg.Codec.ExportMode {
	case "user_only", "full":
	default:
		return fmt.Errorf("codec.export_mode must be user_only or full, got %q", cfg.Codec.ExportMode)
	}
	switch cfg.Codec.Codec {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("codec.codec must be one of none/gzip/snappy/lz4/zstd, got %q", cfg.Codec.Codec)
	}
	return nil
}
