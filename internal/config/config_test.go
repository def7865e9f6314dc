package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Rating.Window != 50 {
		t.Errorf("expected default rating window 50, got %d", cfg.Rating.Window)
	}
	if cfg.Rating.Cooldown != 24*time.Hour {
		t.Errorf("expected 24h cooldown, got %s", cfg.Rating.Cooldown)
	}
	if cfg.Router.Epsilon != 0.1 {
		t.Errorf("expected epsilon 0.1, got %f", cfg.Router.Epsilon)
	}
	if cfg.Trio.MaxIterations != 3 || cfg.Trio.MaxCycles != 5 {
		t.Errorf("unexpected trio defaults: %+v", cfg.Trio)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCODA_TELEMETRY_API", "https://telemetry.example")
	t.Setenv("MCODA_TELEMETRY_TOKEN", "tok")
	t.Setenv("MCODA_CLI_STUB", "1")
	t.Setenv("MCODA_SKIP_CLI_CHECKS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telemetry.APIBaseURL != "https://telemetry.example" {
		t.Errorf("telemetry API not applied: %q", cfg.Telemetry.APIBaseURL)
	}
	if cfg.Telemetry.Token != "tok" {
		t.Errorf("telemetry token not applied")
	}
	if !cfg.CLIStub || !cfg.SkipCLIChecks {
		t.Error("expected stub and skip-checks toggles on")
	}
}

func TestYAMLConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcoda.yaml")
	content := []byte("rating:\n  window: 10\nrouter:\n  epsilon: 0.25\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCODA_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Rating.Window != 10 {
		t.Errorf("expected window 10 from file, got %d", cfg.Rating.Window)
	}
	if cfg.Router.Epsilon != 0.25 {
		t.Errorf("expected epsilon 0.25 from file, got %f", cfg.Router.Epsilon)
	}
	// Untouched values keep defaults.
	if cfg.Trio.MaxCycles != 5 {
		t.Errorf("expected default max cycles, got %d", cfg.Trio.MaxCycles)
	}
}

func TestMalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("rating: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCODA_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Error("expected error for malformed config file")
	}
}
