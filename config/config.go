// Package config loads activitykit settings from TOML or YAML files.
//
// Durations are written in milliseconds (flush_interval_ms = 60000) and
// every omitted setting keeps its default, so an empty file is valid.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/activitykit/bus"
	"github.com/vinayprograms/activitykit/debounce"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/telemetry"
	"github.com/vinayprograms/activitykit/wakatime"
	"github.com/vinayprograms/activitykit/watch"
)

// Config is the complete settings file.
type Config struct {
	// Disabled turns tracking off entirely.
	Disabled bool `toml:"disabled" yaml:"disabled"`

	// Debug lowers the log level to DEBUG.
	Debug bool `toml:"debug" yaml:"debug"`

	Emitter    EmitterConfig    `toml:"emitter" yaml:"emitter"`
	API        APIConfig        `toml:"api" yaml:"api"`
	Watch      WatchConfig      `toml:"watch" yaml:"watch"`
	Bus        BusConfig        `toml:"bus" yaml:"bus"`
	DeadLetter DeadLetterConfig `toml:"dead_letter" yaml:"dead_letter"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
}

// EmitterConfig tunes buffering and debouncing.
type EmitterConfig struct {
	MaxBufferSize    int    `toml:"max_buffer_size" yaml:"max_buffer_size"`
	FlushIntervalMs  int    `toml:"flush_interval_ms" yaml:"flush_interval_ms"`
	DebounceMs       int    `toml:"debounce_ms" yaml:"debounce_ms"`
	MaxDependencies  int    `toml:"max_dependencies" yaml:"max_dependencies"`
	DisposeTimeoutMs int    `toml:"dispose_timeout_ms" yaml:"dispose_timeout_ms"`
	SendTimeoutMs    int    `toml:"send_timeout_ms" yaml:"send_timeout_ms"`
	BufferCeiling    int    `toml:"buffer_ceiling" yaml:"buffer_ceiling"`
	RetryInitialMs   int    `toml:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxMs       int    `toml:"retry_max_ms" yaml:"retry_max_ms"`
	Category         string `toml:"category" yaml:"category"`
}

// APIConfig configures the WakaTime client.
type APIConfig struct {
	APIKey            string `toml:"api_key" yaml:"api_key"`
	BaseURL           string `toml:"base_url" yaml:"base_url"`
	UserAgent         string `toml:"user_agent" yaml:"user_agent"`
	TimeoutMs         int    `toml:"timeout_ms" yaml:"timeout_ms"`
	Proxy             string `toml:"proxy" yaml:"proxy"`
	MirrorURL         string `toml:"mirror_url" yaml:"mirror_url"`
	RequestsPerMinute int    `toml:"requests_per_minute" yaml:"requests_per_minute"`
}

// WatchConfig configures the file system signal source.
type WatchConfig struct {
	Roots           []string `toml:"roots" yaml:"roots"`
	Ignore          []string `toml:"ignore" yaml:"ignore"`
	MaxContentBytes int64    `toml:"max_content_bytes" yaml:"max_content_bytes"`
}

// BusConfig routes heartbeats through NATS instead of posting directly.
type BusConfig struct {
	Enabled          bool   `toml:"enabled" yaml:"enabled"`
	URL              string `toml:"url" yaml:"url"`
	Subject          string `toml:"subject" yaml:"subject"`
	Queue            string `toml:"queue" yaml:"queue"`
	Name             string `toml:"name" yaml:"name"`
	Token            string `toml:"token" yaml:"token"`
	User             string `toml:"user" yaml:"user"`
	Password         string `toml:"password" yaml:"password"`
	RequestTimeoutMs int    `toml:"request_timeout_ms" yaml:"request_timeout_ms"`
}

// DeadLetterConfig locates the dead-letter database. An empty path
// disables it.
type DeadLetterConfig struct {
	Path           string `toml:"path" yaml:"path"`
	RetentionHours int    `toml:"retention_hours" yaml:"retention_hours"`
}

type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Protocol    string  `toml:"protocol" yaml:"protocol"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
}

// MetricsConfig exposes Prometheus metrics. An empty address disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	hb := heartbeat.DefaultConfig()
	nc := bus.DefaultNATSConfig()
	return &Config{
		Emitter: EmitterConfig{
			MaxBufferSize:    hb.MaxBufferSize,
			FlushIntervalMs:  ms(hb.FlushInterval),
			DebounceMs:       ms(debounce.DefaultInterval),
			MaxDependencies:  10,
			DisposeTimeoutMs: ms(hb.DisposeTimeout),
			SendTimeoutMs:    ms(hb.SendTimeout),
			BufferCeiling:    hb.BufferCeiling,
			RetryInitialMs:   ms(hb.RetryInitialInterval),
			RetryMaxMs:       ms(hb.RetryMaxInterval),
			Category:         hb.Category,
		},
		API: APIConfig{
			BaseURL:   wakatime.DefaultBaseURL,
			UserAgent: wakatime.DefaultUserAgent,
			TimeoutMs: ms(wakatime.DefaultTimeout),
		},
		Watch: WatchConfig{
			MaxContentBytes: watch.DefaultMaxContentBytes,
		},
		Bus: BusConfig{
			URL:              nc.URL,
			Subject:          bus.HeartbeatSubject,
			Queue:            bus.CollectorQueue,
			RequestTimeoutMs: ms(nc.RequestTimeout),
		},
		DeadLetter: DeadLetterConfig{
			RetentionHours: 24 * 7,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: telemetry.DefaultServiceName,
		},
	}
}

// Load reads path, choosing the format by extension (.toml, .yaml, .yml),
// over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
}

// ParseTOML parses TOML content over the defaults.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key: %s", undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML parses YAML content over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	e := c.Emitter
	switch {
	case e.MaxBufferSize <= 0:
		return fmt.Errorf("emitter.max_buffer_size must be positive")
	case e.FlushIntervalMs <= 0:
		return fmt.Errorf("emitter.flush_interval_ms must be positive")
	case e.DebounceMs < 0:
		return fmt.Errorf("emitter.debounce_ms must not be negative")
	case e.MaxDependencies < 0:
		return fmt.Errorf("emitter.max_dependencies must not be negative")
	case e.BufferCeiling != 0 && e.BufferCeiling < e.MaxBufferSize:
		return fmt.Errorf("emitter.buffer_ceiling must be at least max_buffer_size")
	case e.RetryMaxMs != 0 && e.RetryMaxMs < e.RetryInitialMs:
		return fmt.Errorf("emitter.retry_max_ms must be at least retry_initial_ms")
	}

	api := c.WakaTimeConfig()
	if err := api.Validate(); err != nil {
		return fmt.Errorf("api.%w", err)
	}

	if c.Bus.Enabled {
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when the bus is enabled")
		}
		if err := bus.ValidateSubject(c.Bus.Subject); err != nil {
			return fmt.Errorf("bus.subject: %w", err)
		}
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return nil
}

// HeartbeatConfig converts the emitter section.
func (c *Config) HeartbeatConfig() heartbeat.Config {
	e := c.Emitter
	return heartbeat.Config{
		MaxBufferSize:        e.MaxBufferSize,
		FlushInterval:        dur(e.FlushIntervalMs),
		DisposeTimeout:       dur(e.DisposeTimeoutMs),
		SendTimeout:          dur(e.SendTimeoutMs),
		BufferCeiling:        e.BufferCeiling,
		RetryInitialInterval: dur(e.RetryInitialMs),
		RetryMaxInterval:     dur(e.RetryMaxMs),
		Category:             e.Category,
	}
}

// DebounceInterval is the minimum spacing of insignificant signals.
func (c *Config) DebounceInterval() time.Duration {
	return dur(c.Emitter.DebounceMs)
}

func (c *Config) WakaTimeConfig() wakatime.Config {
	a := c.API
	return wakatime.Config{
		APIKey:            a.APIKey,
		BaseURL:           a.BaseURL,
		UserAgent:         a.UserAgent,
		Timeout:           dur(a.TimeoutMs),
		Proxy:             a.Proxy,
		MirrorURL:         a.MirrorURL,
		RequestsPerMinute: a.RequestsPerMinute,
	}
}

func (c *Config) NATSConfig() bus.NATSConfig {
	nc := bus.DefaultNATSConfig()
	b := c.Bus
	if b.URL != "" {
		nc.URL = b.URL
	}
	nc.Name = b.Name
	nc.Token = b.Token
	nc.User = b.User
	nc.Password = b.Password
	if b.RequestTimeoutMs > 0 {
		nc.RequestTimeout = dur(b.RequestTimeoutMs)
	}
	return nc
}

func (c *Config) WatchConfig() watch.Config {
	return watch.Config{
		Roots:           c.Watch.Roots,
		Ignore:          c.Watch.Ignore,
		MaxContentBytes: c.Watch.MaxContentBytes,
	}
}

// ProviderConfig converts the telemetry section.
func (c *Config) ProviderConfig(version string) telemetry.ProviderConfig {
	t := c.Telemetry
	return telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		Debug:          c.Debug,
		SampleRatio:    t.SampleRatio,
	}
}

// Retention is how long dead letters are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.DeadLetter.RetentionHours) * time.Hour
}

// LogLevel resolves the effective level. Debug overrides the logging section.
func (c *Config) LogLevel() logging.Level {
	if c.Debug {
		return logging.LevelDebug
	}
	return logging.ParseLevel(c.Logging.Level)
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
