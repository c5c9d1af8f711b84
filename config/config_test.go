package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "handle.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "tls:\n  mode: allow\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging, got %+v", cfg.Logging)
	}
	if cfg.Timeouts.Connect <= 0 || cfg.Timeouts.Command <= 0 {
		t.Fatalf("expected default timeouts to be populated, got %+v", cfg.Timeouts)
	}
}

func TestLoadRejectsBadTLSMode(t *testing.T) {
	path := writeConfig(t, "tls:\n  mode: bogus\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid tls.mode")
	}
}

func TestLoadRequiresCACertWhenTLSRequired(t *testing.T) {
	path := writeConfig(t, "tls:\n  mode: require\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when tls.mode=require has no ca_cert or insecure flag")
	}
}

func TestLoadRejectsNegativeThrottle(t *testing.T) {
	path := writeConfig(t, "throttle:\n  max_bytes_per_second: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative throttle rate")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("Default() produced an invalid config: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
