package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFromFilesLayering(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.toml")
	if err := os.WriteFile(base, []byte(`
environment = "production"

[queue]
concurrency = 8

[engine]
max_retries = 7
`), 0644); err != nil {
		t.Fatal(err)
	}

	override := filepath.Join(dir, "override.toml")
	if err := os.WriteFile(override, []byte(`
[queue]
concurrency = 2
`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFiles(base, override)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("base file not applied: %s", cfg.Environment)
	}
	if cfg.Queue.Concurrency != 2 {
		t.Fatalf("later file must override earlier: %d", cfg.Queue.Concurrency)
	}
	if cfg.Engine.MaxRetries != 7 {
		t.Fatalf("untouched values must survive layering: %d", cfg.Engine.MaxRetries)
	}
	if cfg.Queue.JobQueueName == "" {
		t.Fatal("defaults must fill unspecified fields")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COREMACHINE_LOG_LEVEL", "debug")
	t.Setenv("COREMACHINE_CONCURRENCY", "12")

	cfg, err := LoadFromFiles()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env log level not applied: %s", cfg.Logging.Level)
	}
	if cfg.Queue.Concurrency != 12 {
		t.Fatalf("env concurrency not applied: %d", cfg.Queue.Concurrency)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.VisibilityTimeout = "five minutes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected malformed duration to fail validation")
	}
}

func TestDurationHelper(t *testing.T) {
	if Duration("250ms", time.Second) != 250*time.Millisecond {
		t.Fatal("valid duration not parsed")
	}
	if Duration("", time.Second) != time.Second {
		t.Fatal("empty value must fall back to default")
	}
	if Duration("junk", 2*time.Second) != 2*time.Second {
		t.Fatal("malformed value must fall back to default")
	}
}
