package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
worker:
  id: worker-7
  poll_interval_ms: 250
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  lease_seconds: 45
  max_attempts: 5
redis:
  addr: localhost:6379
  key_prefix: scrape
liveness:
  heartbeat_ttl_seconds: 60
identities:
  - ref: ident-a
    endpoint: http://10.0.0.1:8000
  - ref: ident-b
    endpoint: http://10.0.0.2:8000
sessions:
  file: /etc/fleet/sessions.txt
  cooldown_seconds: 120
upstream:
  timeout_seconds: 45
  user_agent: fleet-agent
  pages_per_second: 2.5
storage:
  gcs_bucket: bucket
  prefix: raw
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.ID != "worker-7" || cfg.Worker.PollIntervalMs != 250 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queue.LeaseSeconds != 45 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.KeyPrefix != "scrape" {
		t.Fatalf("expected redis overrides to apply: %+v", cfg.Redis)
	}
	if len(cfg.Identities) != 2 || cfg.Identities[1].Ref != "ident-b" {
		t.Fatalf("expected two identities, got %+v", cfg.Identities)
	}
	if cfg.Sessions.File != "/etc/fleet/sessions.txt" || cfg.Sessions.CooldownSeconds != 120 {
		t.Fatalf("expected session overrides to apply: %+v", cfg.Sessions)
	}
	if cfg.Upstream.PagesPerSecond != 2.5 {
		t.Fatalf("expected pacing 2.5, got %f", cfg.Upstream.PagesPerSecond)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if got := cfg.LeaseDuration(); got != 45*time.Second {
		t.Fatalf("expected lease 45s, got %v", got)
	}
	if got := cfg.HeartbeatTTL(); got != 60*time.Second {
		t.Fatalf("expected heartbeat ttl 60s, got %v", got)
	}
	if got := cfg.HeartbeatInterval(); got != 20*time.Second {
		t.Fatalf("expected heartbeat interval 20s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.LeaseSeconds != 30 || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Redis.KeyPrefix != "fleet" {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Fatalf("unexpected heartbeat interval: %v", cfg.HeartbeatInterval())
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Queue:    QueueConfig{LeaseSeconds: 30, MaxAttempts: 3},
		Liveness: LivenessConfig{HeartbeatTTLSeconds: 30},
		Upstream: UpstreamConfig{TimeoutSeconds: 10, PagesPerSecond: 1},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid lease",
			cfg: func() Config {
				c := base
				c.Queue.LeaseSeconds = 0
				return c
			}(),
			want: "queue.lease_seconds",
		},
		{
			name: "invalid max attempts",
			cfg: func() Config {
				c := base
				c.Queue.MaxAttempts = 0
				return c
			}(),
			want: "queue.max_attempts",
		},
		{
			name: "invalid heartbeat ttl",
			cfg: func() Config {
				c := base
				c.Liveness.HeartbeatTTLSeconds = 0
				return c
			}(),
			want: "liveness.heartbeat_ttl_seconds",
		},
		{
			name: "invalid pacing",
			cfg: func() Config {
				c := base
				c.Upstream.PagesPerSecond = 0
				return c
			}(),
			want: "upstream.pages_per_second",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "identity missing endpoint",
			cfg: func() Config {
				c := base
				c.Identities = []IdentityEntry{{Ref: "a"}}
				return c
			}(),
			want: "identities[0]",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
