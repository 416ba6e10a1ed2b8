package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateAgentIDPersistsAcrossCalls(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	first, err := loadOrCreateAgentID()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loadOrCreateAgentID()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Fatalf("expected the persisted agent id to survive a second load: %s != %s", first, second)
	}

	home, _ := os.UserHomeDir()
	if _, err := os.Stat(filepath.Join(home, ".hetuflow", "agent_id")); err != nil {
		t.Fatalf("expected agent_id file to exist: %v", err)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HETUFLOW_SERVER_URL", "")
	t.Setenv("HETUFLOW_MAX_CONCURRENCY", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConcurrency != 4 {
		t.Fatalf("expected default max concurrency 4, got %d", cfg.MaxConcurrency)
	}
	if cfg.ServerURL != "ws://localhost:8080/agent/connect" {
		t.Fatalf("expected default server url, got %s", cfg.ServerURL)
	}
}
