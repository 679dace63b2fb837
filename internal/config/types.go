// Package config loads, validates and hot-reloads the daemon's YAML
// configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	Vault      VaultConfig       `yaml:"vault"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Logging    LoggingConfig     `yaml:"logging"`
	Maintain   MaintenanceConfig `yaml:"maintenance"`
	Notify     NotifyConfig      `yaml:"notify"`
	Publishers PublishersConfig  `yaml:"publishers"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

type VaultConfig struct {
	KeyFile string `yaml:"key_file"`
}

// SchedulerConfig controls the worker pool and the misfire policy.
// All durations are Go duration strings.
type SchedulerConfig struct {
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
	MisfireGrace string `yaml:"misfire_grace"`
	DrainTimeout string `yaml:"drain_timeout"`
}

type LoggingConfig struct {
	Level   string       `yaml:"level"`
	Console bool         `yaml:"console"`
	File    LoggingFile  `yaml:"file"`
	Store   LoggingStore `yaml:"store"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingStore mirrors warnings and errors into the database log table so
// the operator can read them back without shell access.
type LoggingStore struct {
	Enabled    bool   `yaml:"enabled"`
	MinLevel   string `yaml:"min_level"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

type MaintenanceConfig struct {
	// LogRetention is a Go duration string; stored log entries older than
	// this are pruned daily. Zero disables pruning.
	LogRetention string `yaml:"log_retention"`
}

type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Token      string `yaml:"token"`
	ChatID     int64  `yaml:"chat_id"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

type PublishersConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	StateDir string `yaml:"state_dir"`
	// Timeout is a Go duration string bounding one publish request.
	Timeout string `yaml:"timeout,omitempty"`
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	for path, raw := range map[string]string{
		"database.busy_timeout":      c.Database.BusyTimeout,
		"scheduler.misfire_grace":    c.Scheduler.MisfireGrace,
		"scheduler.drain_timeout":    c.Scheduler.DrainTimeout,
		"maintenance.log_retention":  c.Maintain.LogRetention,
		"publishers.webhook.timeout": c.Publishers.Webhook.Timeout,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			return err
		}
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.workers and scheduler.queue_size must be >= 0")
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Token) == "" {
		return fmt.Errorf("notify.enabled requires notify.token")
	}
	return nil
}

// ParseDuration parses an optional Go duration string from the config.
// Empty means zero; negative values are rejected.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr parses like ParseDuration but substitutes def for zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
