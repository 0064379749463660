package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEDIAFLOW_STORE", "")
	t.Setenv("MEDIAFLOW_MAX_ACTIVE", "")

	cfg := Load()
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite store, got %q", cfg.Store.Driver)
	}
	if cfg.Orchestrator.MaxActive != 2 {
		t.Fatalf("expected 2 slots, got %d", cfg.Orchestrator.MaxActive)
	}
	if cfg.Orchestrator.CancelGrace != 5*time.Second {
		t.Fatalf("expected 5s grace, got %s", cfg.Orchestrator.CancelGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEDIAFLOW_STORE", "Postgres")
	t.Setenv("MEDIAFLOW_MAX_ACTIVE", "0")
	t.Setenv("MEDIAFLOW_STALL_TIMEOUT", "45s")
	t.Setenv("MEDIAFLOW_CANCEL_GRACE", "not-a-duration")
	t.Setenv("MINIO_ENABLED", "true")

	cfg := Load()
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("expected postgres store, got %q", cfg.Store.Driver)
	}
	if cfg.Orchestrator.MaxActive != 1 {
		t.Fatalf("expected slots clamped to 1, got %d", cfg.Orchestrator.MaxActive)
	}
	if cfg.Engine.StallTimeout != 45*time.Second {
		t.Fatalf("expected 45s stall timeout, got %s", cfg.Engine.StallTimeout)
	}
	if cfg.Orchestrator.CancelGrace != 5*time.Second {
		t.Fatalf("expected invalid duration to fall back, got %s", cfg.Orchestrator.CancelGrace)
	}
	if !cfg.Storage.Enabled {
		t.Fatal("expected storage to be enabled")
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	t.Setenv("MEDIAFLOW_STORE", "mongo")
	if err := Load().Validate(); err == nil {
		t.Fatal("expected unknown store driver to fail validation")
	}

	t.Setenv("MEDIAFLOW_STORE", "memory")
	t.Setenv("MEDIAFLOW_ENGINE", "torrent")
	if err := Load().Validate(); err == nil {
		t.Fatal("expected unknown engine to fail validation")
	}
}

func TestValidateRejectsSubmitCostAboveCapacity(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_CAPACITY", "3")
	t.Setenv("RATE_LIMIT_SUBMIT_COST", "5")
	if err := Load().Validate(); err == nil {
		t.Fatal("expected submit cost above capacity to fail validation")
	}

	t.Setenv("RATE_LIMIT_SUBMIT_COST", "3")
	if err := Load().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
