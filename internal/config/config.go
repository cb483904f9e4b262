package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fraud_scorer/internal/domain"
)

const (
	DefaultModelPath = "models/fraud_model_quant.onnx"
	// EnvConfigPath names the YAML file when -config is not given.
	EnvConfigPath = "SCORER_CONFIG"
)

type Config struct {
	Model   ModelConfig   `yaml:"model"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Cache   CacheConfig   `yaml:"cache"`
	Signing SigningConfig `yaml:"signing"`
}

type ModelConfig struct {
	Path       string `yaml:"path"`
	InputWidth int    `yaml:"input_width"`
	RuntimeLib string `yaml:"runtime_lib"`
	// Watch logs a warning when the artifact changes on disk.
	Watch bool `yaml:"watch"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type CacheConfig struct {
	// Size of the score cache; zero disables it.
	Size int `yaml:"size"`
}

type SigningConfig struct {
	// Secret enables X-Signature checks on /predict when set.
	Secret string `yaml:"secret"`
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Path:       DefaultModelPath,
			InputWidth: domain.DefaultFeatureCount,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RequestTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxBodyBytes:   64 << 10,
			ShutdownGrace:  15 * time.Second,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"MODEL_PATH", &c.Model.Path},
		{"ONNXRUNTIME_LIB", &c.Model.RuntimeLib},
		{"HTTP_ADDR", &c.HTTP.Addr},
		{"METRICS_ADDR", &c.Metrics.Addr},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FILE", &c.Log.File},
		{"SIGNING_SECRET", &c.Signing.Secret},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Model.Path) == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Model.InputWidth <= 0 {
		errs = append(errs, fmt.Errorf("model.input_width must be positive, got %d", c.Model.InputWidth))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be positive"))
	}
	if c.HTTP.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("http.shutdown_grace must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.size must not be negative, got %d", c.Cache.Size))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLogLevel accepts debug, info, warn (or warning) and error in any case.
// An empty level means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
