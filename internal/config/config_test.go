package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scorer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MODEL_PATH", "")

	cfg, err := Load("")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Path != DefaultModelPath {
		t.Errorf("expected %s, got %s", DefaultModelPath, cfg.Model.Path)
	}
	if cfg.Model.InputWidth != 30 {
		t.Errorf("expected width 30, got %d", cfg.Model.InputWidth)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Metrics.Addr != ":9090" {
		t.Errorf("unexpected addrs %s %s", cfg.HTTP.Addr, cfg.Metrics.Addr)
	}
	if cfg.Cache.Size != 0 {
		t.Errorf("expected cache disabled, got size %d", cfg.Cache.Size)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  path: /srv/model.onnx
  input_width: 12
http:
  addr: ":8181"
  request_timeout: 250ms
cache:
  size: 1024
log:
  level: debug
`)

	cfg, err := Load(path)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Path != "/srv/model.onnx" || cfg.Model.InputWidth != 12 {
		t.Errorf("unexpected model config %+v", cfg.Model)
	}
	if cfg.HTTP.RequestTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.HTTP.RequestTimeout)
	}
	if cfg.HTTP.MaxBodyBytes != 64<<10 {
		t.Errorf("expected default body limit kept, got %d", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.Cache.Size != 1024 {
		t.Errorf("expected cache size 1024, got %d", cfg.Cache.Size)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "model:\n  path: /from/file.onnx\n")
	t.Setenv("MODEL_PATH", "/from/env.onnx")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Path != "/from/env.onnx" {
		t.Errorf("expected env path, got %s", cfg.Model.Path)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Log.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "model: [unterminated")

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Model.Path = " "
	cfg.Model.InputWidth = 0
	cfg.Cache.Size = -1
	cfg.Log.Level = "verbose"

	err := cfg.Validate()

	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"model.path", "model.input_width", "cache.size", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_AcceptsEveryLoggerLevel(t *testing.T) {
	for _, level := range []string{"", "debug", "INFO", "warn", "warning", " Error "} {
		cfg := Default()
		cfg.Log.Level = level

		if err := cfg.Validate(); err != nil {
			t.Errorf("level %q: unexpected error: %v", level, err)
		}
	}
}

func TestLoad_EnvWarningLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warning")

	cfg, err := Load("")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	level, err := ParseLogLevel(cfg.Log.Level)
	if err != nil || level != slog.LevelWarn {
		t.Errorf("expected warn level, got %v (%v)", level, err)
	}
}
