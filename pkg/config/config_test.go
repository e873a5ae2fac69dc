package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	limits := cfg.BusLimits()
	if limits.MaxInboxMessagesPerAgent != 256 || limits.MaxSeenMessageIDs != 4096 {
		t.Errorf("Unexpected default limits: %+v", limits)
	}
	if cfg.Audit.Enabled {
		t.Error("Audit should be disabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"bus": {"max_inbox_messages_per_agent": 8, "max_dead_letters": 16},
		"audit": {"enabled": true, "event_log_dir": "audit-logs", "interval_seconds": 30}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	limits := cfg.BusLimits()
	if limits.MaxInboxMessagesPerAgent != 8 {
		t.Errorf("MaxInboxMessagesPerAgent = %d, want 8", limits.MaxInboxMessagesPerAgent)
	}
	if limits.MaxDeadLetters != 16 {
		t.Errorf("MaxDeadLetters = %d, want 16", limits.MaxDeadLetters)
	}
	// Untouched sections keep their defaults.
	if limits.MaxContextEntries != 512 {
		t.Errorf("MaxContextEntries = %d, want 512", limits.MaxContextEntries)
	}
	if !cfg.Audit.Enabled || cfg.Audit.EventLogDir != "audit-logs" {
		t.Errorf("Unexpected audit config: %+v", cfg.Audit)
	}
	if cfg.AuditInterval() != 30*time.Second {
		t.Errorf("AuditInterval() = %v, want 30s", cfg.AuditInterval())
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"audit": {"enabled": true, "event_log_dir": "", "archive_db_path": ""}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for audit config with no sinks")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected parse error for malformed JSON")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Bus.MaxDeadLetters = 99
	cfg.Metrics.Enabled = true
	cfg.Metrics.PrometheusURL = "http://prometheus:9090"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Bus.MaxDeadLetters != 99 {
		t.Errorf("MaxDeadLetters = %d, want 99", loaded.Bus.MaxDeadLetters)
	}
	if !loaded.Metrics.Enabled || loaded.Metrics.PrometheusURL != "http://prometheus:9090" {
		t.Errorf("Unexpected metrics config: %+v", loaded.Metrics)
	}
}

func TestAuditIntervalFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.IntervalSeconds = 0
	if cfg.AuditInterval() != 5*time.Second {
		t.Errorf("AuditInterval() = %v, want 5s fallback", cfg.AuditInterval())
	}
}
