package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsPassValidation(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() should validate cleanly, got: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
schema_version: "1"
node_id: test-node
tower:
  base_url: http://simulator.local:9000
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tower.BaseURL != "http://simulator.local:9000" {
		t.Fatalf("expected file override, got %q", cfg.Tower.BaseURL)
	}
	if cfg.Tower.MaxRetries != 5 {
		t.Fatalf("expected max_retries 5, got %d", cfg.Tower.MaxRetries)
	}
	if cfg.Bus.RingCapacity != 100 {
		t.Fatalf("expected default bus.ring_capacity to survive merge, got %d", cfg.Bus.RingCapacity)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateAccumulatesMultipleViolations(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.Tower.BaseURL = ""
	cfg.Bus.RingCapacity = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "tower.base_url", "bus.ring_capacity"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error message to mention %q, got: %s", want, msg)
		}
	}
}

func TestValidateRejectsHydrateCountAboveRingCapacity(t *testing.T) {
	cfg := Defaults()
	cfg.Bus.HydrateCount = cfg.Bus.RingCapacity + 1
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for hydrate_count > ring_capacity")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Observability.LogLevel = "verbose"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}
