// Package config loads and validates fleet configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Worker     WorkerConfig    `mapstructure:"worker"`
	Server     ServerConfig    `mapstructure:"server"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Queue      QueueConfig     `mapstructure:"queue"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Liveness   LivenessConfig  `mapstructure:"liveness"`
	Identities []IdentityEntry `mapstructure:"identities"`
	Rotation   RotationConfig  `mapstructure:"rotation"`
	Sessions   SessionConfig   `mapstructure:"sessions"`
	Upstream   UpstreamConfig  `mapstructure:"upstream"`
	Storage    StorageConfig   `mapstructure:"storage"`
	DB         DBConfig        `mapstructure:"db"`
	PubSub     PubSubConfig    `mapstructure:"pubsub"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

// WorkerConfig identifies this worker process and tunes its claim loop.
type WorkerConfig struct {
	ID              string `mapstructure:"id"`
	PollIntervalMs  int    `mapstructure:"poll_interval_ms"`
	MaxPollDelayMs  int    `mapstructure:"max_poll_delay_ms"`
	ShutdownGraceMs int    `mapstructure:"shutdown_grace_ms"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs lease and retry behavior.
type QueueConfig struct {
	LeaseSeconds int `mapstructure:"lease_seconds"`
	MaxAttempts  int `mapstructure:"max_attempts"`
}

// RedisConfig controls access to the shared queue store. An empty Addr
// selects the in-memory store, which only makes sense for a single process.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LivenessConfig tunes heartbeats and the expired-lease sweeper.
type LivenessConfig struct {
	HeartbeatTTLSeconds  int `mapstructure:"heartbeat_ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// IdentityEntry describes one backend identity this process may scrape through.
type IdentityEntry struct {
	Ref      string `mapstructure:"ref"`
	Endpoint string `mapstructure:"endpoint"`
}

// RotationConfig tunes identity health probing.
type RotationConfig struct {
	ProbationSeconds     int `mapstructure:"probation_seconds"`
	ProbeIntervalSeconds int `mapstructure:"probe_interval_seconds"`
	MaxRotationsPerJob   int `mapstructure:"max_rotations_per_job"`
}

// SessionConfig locates the credential file and tunes session rotation.
type SessionConfig struct {
	File               string `mapstructure:"file"`
	CooldownSeconds    int    `mapstructure:"cooldown_seconds"`
	MaxRotationsPerJob int    `mapstructure:"max_rotations_per_job"`
}

// UpstreamConfig configures the page-fetching HTTP client.
type UpstreamConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	PagesPerSecond float64 `mapstructure:"pages_per_second"`
}

// StorageConfig sets paths and content types for raw page persistence.
// GCSBucket wins when both it and LocalDir are set; both empty disables
// raw page archival.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the result archive database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.max_poll_delay_ms", 5000)
	v.SetDefault("worker.shutdown_grace_ms", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.lease_seconds", 30)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("redis.key_prefix", "fleet")
	v.SetDefault("liveness.heartbeat_ttl_seconds", 30)
	v.SetDefault("liveness.sweep_interval_seconds", 10)
	v.SetDefault("rotation.probation_seconds", 60)
	v.SetDefault("rotation.probe_interval_seconds", 30)
	v.SetDefault("rotation.max_rotations_per_job", 3)
	v.SetDefault("sessions.cooldown_seconds", 300)
	v.SetDefault("sessions.max_rotations_per_job", 3)
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.user_agent", "fleetscrape/0.1")
	v.SetDefault("upstream.pages_per_second", 1)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Liveness.HeartbeatTTLSeconds <= 0 {
		return fmt.Errorf("liveness.heartbeat_ttl_seconds must be > 0")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Upstream.PagesPerSecond <= 0 {
		return fmt.Errorf("upstream.pages_per_second must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for i, ident := range c.Identities {
		if ident.Ref == "" || ident.Endpoint == "" {
			return fmt.Errorf("identities[%d] needs both ref and endpoint", i)
		}
	}
	return nil
}

// LeaseDuration returns the configured job lease as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// HeartbeatTTL returns how long a heartbeat stays fresh.
func (c Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.Liveness.HeartbeatTTLSeconds) * time.Second
}

// HeartbeatInterval returns the emit cadence, a third of the TTL.
func (c Config) HeartbeatInterval() time.Duration {
	return c.HeartbeatTTL() / 3
}
