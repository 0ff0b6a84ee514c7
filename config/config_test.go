package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/activitykit/bus"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultMatchesEmitterDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got, want := cfg.HeartbeatConfig(), heartbeat.DefaultConfig(); got != want {
		t.Errorf("HeartbeatConfig = %+v, want %+v", got, want)
	}
	if cfg.DebounceInterval() != 2*time.Second {
		t.Errorf("DebounceInterval = %v", cfg.DebounceInterval())
	}
	if cfg.Emitter.MaxDependencies != 10 {
		t.Errorf("MaxDependencies = %d", cfg.Emitter.MaxDependencies)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "activity.toml", `
debug = true

[emitter]
max_buffer_size = 25
flush_interval_ms = 30000
debounce_ms = 500
category = "building"

[api]
api_key = "waka_0123456789"
mirror_url = "https://hackatime.example.com/api/hackatime/v1"
requests_per_minute = 30

[watch]
roots = ["/src/project"]
ignore = ["node_modules", "*.log"]

[bus]
enabled = true
url = "nats://bus:4222"
request_timeout_ms = 2000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	hb := cfg.HeartbeatConfig()
	if hb.MaxBufferSize != 25 || hb.FlushInterval != 30*time.Second || hb.Category != "building" {
		t.Errorf("unexpected heartbeat config %+v", hb)
	}
	// Unset keys keep their defaults.
	if hb.DisposeTimeout != 5*time.Second {
		t.Errorf("DisposeTimeout = %v", hb.DisposeTimeout)
	}
	if cfg.DebounceInterval() != 500*time.Millisecond {
		t.Errorf("DebounceInterval = %v", cfg.DebounceInterval())
	}

	wc := cfg.WakaTimeConfig()
	if wc.APIKey != "waka_0123456789" || wc.RequestsPerMinute != 30 || wc.Timeout != 30*time.Second {
		t.Errorf("unexpected api config %+v", wc)
	}

	w := cfg.WatchConfig()
	if len(w.Roots) != 1 || w.Roots[0] != "/src/project" || len(w.Ignore) != 2 {
		t.Errorf("unexpected watch config %+v", w)
	}

	nc := cfg.NATSConfig()
	if nc.URL != "nats://bus:4222" || nc.RequestTimeout != 2*time.Second {
		t.Errorf("unexpected nats config %+v", nc)
	}
	if cfg.Bus.Subject != bus.HeartbeatSubject {
		t.Errorf("Subject = %q", cfg.Bus.Subject)
	}

	if cfg.LogLevel() != logging.LevelDebug {
		t.Errorf("debug should force DEBUG, got %s", cfg.LogLevel())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "activity.yaml", `
emitter:
  max_buffer_size: 50
logging:
  level: warn
telemetry:
  enabled: true
  protocol: http
  endpoint: localhost:4318
  sample_ratio: 0.5
dead_letter:
  path: /var/lib/activity/dead.db
  retention_hours: 48
metrics:
  addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Emitter.MaxBufferSize != 50 {
		t.Errorf("MaxBufferSize = %d", cfg.Emitter.MaxBufferSize)
	}
	if cfg.LogLevel() != logging.LevelWarn {
		t.Errorf("LogLevel = %s", cfg.LogLevel())
	}
	pc := cfg.ProviderConfig("1.2.3")
	if pc.Protocol != "http" || pc.Endpoint != "localhost:4318" || pc.SampleRatio != 0.5 || pc.ServiceVersion != "1.2.3" {
		t.Errorf("unexpected provider config %+v", pc)
	}
	if cfg.Retention() != 48*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention())
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
}

func TestLoadEmptyYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Emitter.MaxBufferSize != 100 {
		t.Errorf("expected defaults, got %+v", cfg.Emitter)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown extension", "activity.ini", "x=1", "unsupported"},
		{"bad toml", "a.toml", "[emitter\n", "parse"},
		{"unknown toml key", "a.toml", "[emitter]\nflush_every = 3\n", "unknown config key"},
		{"unknown yaml key", "a.yaml", "emitter:\n  flush_every: 3\n", "parse"},
		{"invalid value", "a.toml", "[emitter]\nmax_buffer_size = 0\n", "max_buffer_size"},
		{"invalid url", "a.toml", "[api]\nbase_url = \"ftp://x\"\n", "api.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative debounce", func(c *Config) { c.Emitter.DebounceMs = -1 }, false},
		{"ceiling below buffer", func(c *Config) { c.Emitter.BufferCeiling = 10 }, false},
		{"retry max below initial", func(c *Config) { c.Emitter.RetryMaxMs = 10 }, false},
		{"negative rate", func(c *Config) { c.API.RequestsPerMinute = -1 }, false},
		{"bus without url", func(c *Config) { c.Bus.Enabled = true; c.Bus.URL = "" }, false},
		{"bus bad subject", func(c *Config) { c.Bus.Enabled = true; c.Bus.Subject = "a b" }, false},
		{"disabled bus ignores subject", func(c *Config) { c.Bus.Subject = "" }, true},
		{"bad protocol", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Protocol = "udp" }, false},
		{"bad ratio", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.SampleRatio = 2 }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
