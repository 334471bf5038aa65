package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.WorkingCapacity != 10 {
		t.Fatalf("expected default working capacity 10, got %d", cfg.Memory.WorkingCapacity)
	}
	if cfg.Scheduler.HighWatermark != 100 || cfg.Scheduler.LowWatermark != 50 {
		t.Fatalf("unexpected watermark defaults: %+v", cfg.Scheduler)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"memory":{"working_capacity":3,"episodic_retention_days":7}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KIOKU_MEMORY_EPISODIC_RETENTION_DAYS", "14")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.WorkingCapacity != 3 {
		t.Fatalf("file override lost: %d", cfg.Memory.WorkingCapacity)
	}
	if cfg.Memory.EpisodicRetentionDays != 14 {
		t.Fatalf("env should win over file, got %d", cfg.Memory.EpisodicRetentionDays)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Default()
	cfg.Agent.Name = "testbot"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Agent.Name != "testbot" {
		t.Fatalf("round trip lost agent name: %q", loaded.Agent.Name)
	}
}
