package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// HTTP controls the REST API consumed by the dashboard.
	HTTP HTTPConfig `json:"http"`

	// Dispatcher controls the tick loop and the retention sweeper.
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Engine controls the execution worker pool.
	Engine EngineConfig `json:"engine"`

	Storage  StorageConfig  `json:"storage"`
	Delivery DeliveryConfig `json:"delivery"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type HTTPConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8080"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so large artifact downloads are not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DispatcherConfig controls trigger behavior.
//
// All durations are Go duration strings (e.g. "5s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "5s"
//   - sweep_interval: "1m"
//   - timezone: "UTC" (fallback when a schedule has no timezone of its own)
type DispatcherConfig struct {
	TickInterval  string `json:"tick_interval,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// EngineConfig controls the execution worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - retry_max: 3 (attempts = 1 + retry_max for transient failures)
//   - retry_base: "500ms", retry_max_delay: "15s"
//   - timeouts: report "2m", export "5m", backup "30m"
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// Per-job-kind producer timeouts (Go duration strings).
	ReportTimeout string `json:"report_timeout,omitempty"`
	ExportTimeout string `json:"export_timeout,omitempty"`
	BackupTimeout string `json:"backup_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./artifactd.db", "artifact_dir": "./artifacts" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// ArtifactDir holds produced payloads until retention expiry.
	ArtifactDir string `json:"artifact_dir"`

	// BackupSourceDir is the tree the built-in backup producer archives.
	BackupSourceDir string `json:"backup_source_dir,omitempty"`

	// DefaultRetention applies when a schedule carries no retention policy
	// of its own (Go duration string, default "168h" = 7 days).
	DefaultRetention string `json:"default_retention,omitempty"`
}

// DeliveryConfig controls the fan-out pipeline.
//
// Defaults: retry_max 3, retry_base "500ms", retry_max_delay "10s",
// email rate_per_sec 1.
type DeliveryConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// SaveDir is the destination for "storage" targets.
	SaveDir string `json:"save_dir,omitempty"`

	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// EmailConfig configures the SMTP sender used by "email" targets.
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	From       string `json:"from"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the bot used by "telegram" notification targets.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// Validate catches configuration mistakes that would otherwise surface as
// confusing runtime failures. It only checks shape; duration strings are
// validated where they are parsed.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.Storage.ArtifactDir) == "" {
		return fmt.Errorf("storage.artifact_dir is required")
	}
	if c.Delivery.Email != nil && c.Delivery.Email.Enabled {
		if strings.TrimSpace(c.Delivery.Email.Host) == "" {
			return fmt.Errorf("delivery.email.host is required when email is enabled")
		}
		if strings.TrimSpace(c.Delivery.Email.From) == "" {
			return fmt.Errorf("delivery.email.from is required when email is enabled")
		}
	}
	if c.Delivery.Telegram != nil && c.Delivery.Telegram.Enabled {
		if strings.TrimSpace(c.Delivery.Telegram.Token) == "" {
			return fmt.Errorf("delivery.telegram.token is required when telegram is enabled")
		}
	}
	return nil
}
