// Package config provides JSON configuration loading and validation for the
// coordination runtime: bus capacity limits, the dead-letter audit trail, and
// metrics export.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"coordinator/pkg/bus"
	"coordinator/pkg/logx"
)

// Config is the root runtime configuration.
type Config struct {
	Bus     BusConfig     `json:"bus"`
	Audit   AuditConfig   `json:"audit"`
	Metrics MetricsConfig `json:"metrics"`
}

// BusConfig sets the bus capacity limits. Zero or negative values fall back
// to the bus defaults.
type BusConfig struct {
	MaxInboxMessagesPerAgent int `json:"max_inbox_messages_per_agent"`
	MaxDeadLetters           int `json:"max_dead_letters"`
	MaxContextEntries        int `json:"max_context_entries"`
	MaxSeenMessageIDs        int `json:"max_seen_message_ids"`
}

// AuditConfig controls the dead-letter audit trail.
type AuditConfig struct {
	Enabled         bool   `json:"enabled"`
	EventLogDir     string `json:"event_log_dir"`
	ArchiveDBPath   string `json:"archive_db_path"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// MetricsConfig controls Prometheus export and the query service.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	PrometheusURL string `json:"prometheus_url"`
	Instance      string `json:"instance"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	limits := bus.DefaultLimits()
	return &Config{
		Bus: BusConfig{
			MaxInboxMessagesPerAgent: limits.MaxInboxMessagesPerAgent,
			MaxDeadLetters:           limits.MaxDeadLetters,
			MaxContextEntries:        limits.MaxContextEntries,
			MaxSeenMessageIDs:        limits.MaxSeenMessageIDs,
		},
		Audit: AuditConfig{
			Enabled:         false,
			EventLogDir:     "logs",
			ArchiveDBPath:   "deadletters.db",
			IntervalSeconds: 5,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			PrometheusURL: "http://localhost:9090",
			Instance:      "coordinator",
		},
	}
}

// Load reads a config file, layering it over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logx.Infof("config file %s not found, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that cannot be run.
func (c *Config) Validate() error {
	if c.Audit.Enabled {
		if c.Audit.EventLogDir == "" && c.Audit.ArchiveDBPath == "" {
			return fmt.Errorf("audit enabled but no event_log_dir or archive_db_path configured")
		}
		if c.Audit.IntervalSeconds < 0 {
			return fmt.Errorf("audit interval_seconds must not be negative, got %d", c.Audit.IntervalSeconds)
		}
	}
	if c.Metrics.Enabled && c.Metrics.PrometheusURL == "" {
		return fmt.Errorf("metrics enabled but no prometheus_url configured")
	}
	return nil
}

// BusLimits converts the bus section into bus.Limits. Unset fields fall back
// to the defaults.
func (c *Config) BusLimits() bus.Limits {
	limits := bus.DefaultLimits()
	if c.Bus.MaxInboxMessagesPerAgent > 0 {
		limits.MaxInboxMessagesPerAgent = c.Bus.MaxInboxMessagesPerAgent
	}
	if c.Bus.MaxDeadLetters > 0 {
		limits.MaxDeadLetters = c.Bus.MaxDeadLetters
	}
	if c.Bus.MaxContextEntries > 0 {
		limits.MaxContextEntries = c.Bus.MaxContextEntries
	}
	if c.Bus.MaxSeenMessageIDs > 0 {
		limits.MaxSeenMessageIDs = c.Bus.MaxSeenMessageIDs
	}
	return limits
}

// AuditInterval returns the archiver polling interval.
func (c *Config) AuditInterval() time.Duration {
	if c.Audit.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Audit.IntervalSeconds) * time.Second
}

// Save writes the configuration to disk as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
