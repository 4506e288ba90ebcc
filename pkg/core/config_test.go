package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Stimulation.Concurrency != 1 {
		t.Errorf("default concurrency should be 1, got %d", cfg.Stimulation.Concurrency)
	}
	if cfg.Stimulation.MaxNeuronHops >= 0 {
		t.Errorf("default hop bound should be unbounded, got %d", cfg.Stimulation.MaxNeuronHops)
	}
	if cfg.Trace.Enabled {
		t.Error("trace should be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnstra.yaml")
	content := `
stimulation:
  concurrency: 4
  maxNeuronHops: 16
  defaultMaxDuration: 250ms
trace:
  enabled: true
  path: /tmp/trace.bin
  compress: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stimulation.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Stimulation.Concurrency)
	}
	if cfg.Stimulation.MaxNeuronHops != 16 {
		t.Errorf("expected maxNeuronHops 16, got %d", cfg.Stimulation.MaxNeuronHops)
	}
	if cfg.Stimulation.DefaultMaxDuration != 250*time.Millisecond {
		t.Errorf("expected 250ms default duration, got %s", cfg.Stimulation.DefaultMaxDuration)
	}
	if !cfg.Trace.Enabled || cfg.Trace.Path != "/tmp/trace.bin" || cfg.Trace.Compress {
		t.Errorf("trace section mismatch: %+v", cfg.Trace)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CNSTRA_CONCURRENCY", "8")
	t.Setenv("CNSTRA_TRACE_ENABLED", "true")
	t.Setenv("CNSTRA_TRACE_PATH", "/tmp/env-trace.bin")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stimulation.Concurrency != 8 {
		t.Errorf("env override lost: expected concurrency 8, got %d", cfg.Stimulation.Concurrency)
	}
	if !cfg.Trace.Enabled || cfg.Trace.Path != "/tmp/env-trace.bin" {
		t.Errorf("trace env overrides lost: %+v", cfg.Trace)
	}
}

func TestYAMLOverridesEnv(t *testing.T) {
	t.Setenv("CNSTRA_CONCURRENCY", "8")

	dir := t.TempDir()
	path := filepath.Join(dir, "cnstra.yaml")
	if err := os.WriteFile(path, []byte("stimulation:\n  concurrency: 2\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stimulation.Concurrency != 2 {
		t.Errorf("yaml should override env: expected 2, got %d", cfg.Stimulation.Concurrency)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stimulation.Concurrency = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative concurrency should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Trace.Enabled = true
	cfg.Trace.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("enabled trace without path should fail validation")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/cnstra.yaml"); err == nil {
		t.Error("missing config file should be an error")
	}
}
