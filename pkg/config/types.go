package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds runtime key sets for use by other packages.
type RuntimeConfig struct {
	BackendKeys  map[string]struct{}
	FrontendKeys map[string]struct{}
}

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Relay     RelayConfig     `yaml:"relay"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds http and storage settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys struct {
		Backend  []string `yaml:"backend"`
		Frontend []string `yaml:"frontend"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RelayConfig tunes the websocket push relay.
type RelayConfig struct {
	// SendBuffer is the per-connection outbound channel capacity.
	SendBuffer int `yaml:"send_buffer"`
	// EventRPS / EventBurst rate-limit inbound socket events per connection.
	EventRPS   float64 `yaml:"event_rps"`
	EventBurst int     `yaml:"event_burst"`
}

// SyncConfig tunes the client-side reconciliation engine.
type SyncConfig struct {
	// DedupWindow is the cross-channel match tolerance on created_at.
	DedupWindow Duration `yaml:"dedup_window"`
	// ReadDelay simulates the reading pause before auto-marking READ.
	ReadDelay Duration `yaml:"read_delay"`
	// ScrollCooldown delays autoscroll re-enable after a drag release.
	ScrollCooldown Duration `yaml:"scroll_cooldown"`
	// PageSize is the backward pagination batch size.
	PageSize int `yaml:"page_size"`
	// QueueCapacity bounds the per-conversation event queue.
	QueueCapacity int `yaml:"queue_capacity"`
}

// RetentionConfig holds configuration for the version/room sweeper.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// KeepVersions is how many versions of a message survive a sweep.
	KeepVersions int `yaml:"keep_versions"`
	// IdleRoomAge evicts relay rooms with no members older than this.
	IdleRoomAge Duration `yaml:"idle_room_age"`
	DryRun      bool     `yaml:"dry_run"`
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
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
