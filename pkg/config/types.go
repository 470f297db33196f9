package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Presence PresenceConfig `yaml:"presence"`
	Sync     SyncConfig     `yaml:"sync"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// FastAddress, when set, starts the fasthttp write fast-path listener
	// on a second port. Empty disables it; writes then go through the main
	// listener only.
	FastAddress string    `yaml:"fast_address"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig holds the document store location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SecurityConfig holds rate limiting and administrative identities.
type SecurityConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	// AdminIdentities may tombstone any message and override presence.
	AdminIdentities []string `yaml:"admin_identities"`
}

// PresenceConfig controls typing/presence expiry.
type PresenceConfig struct {
	// TypingTTL is the staleness window after the last keystroke; entries
	// older than this are never rendered as typing.
	TypingTTL Duration `yaml:"typing_ttl"`
	// OfflineAfter flips a user's stored status to offline once LastSeen is
	// older than this (applied by the sweeper).
	OfflineAfter Duration `yaml:"offline_after"`
}

// SyncConfig controls the reconciler and write retry policy.
type SyncConfig struct {
	// Window is the live view size per conversation.
	Window int `yaml:"window"`
	// RetryAttempts / RetryBackoff apply to transient write failures.
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	// RequestTimeout bounds every remote operation.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// IngestConfig holds queueing and processing configuration.
type IngestConfig struct {
	Workers int         `yaml:"workers"`
	Queue   QueueConfig `yaml:"queue"`
}

// QueueConfig holds in-memory queue tunables.
type QueueConfig struct {
	Capacity             int       `yaml:"capacity"`
	MaxPooledBufferBytes SizeBytes `yaml:"max_pooled_buffer_bytes"`
}

// SweeperConfig holds configuration for the scheduled maintenance runner.
type SweeperConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// VersionRetention trims message version history older than this;
	// zero keeps everything.
	VersionRetention Duration `yaml:"version_retention"`
	DryRun           bool     `yaml:"dry_run"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
