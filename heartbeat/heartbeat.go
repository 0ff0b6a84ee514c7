package heartbeat

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/goccy/go-json"

	aerrors "github.com/vinayprograms/activitykit/errors"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("emitter already started")
	ErrDisposed       = errors.New("emitter disposed")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Kind classifies what a heartbeat's entity denotes.
type Kind string

const (
	KindFile   Kind = "file"
	KindApp    Kind = "app"
	KindDomain Kind = "domain"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindApp, KindDomain:
		return true
	default:
		return false
	}
}

// Heartbeat is a single observation of activity at a point in time.
// JSON field names follow the WakaTime heartbeat API.
type Heartbeat struct {
	// Entity identifies the observed resource, usually a file path.
	Entity string `json:"entity"`

	// Kind classifies Entity.
	Kind Kind `json:"type"`

	// Category is a free-form label such as "coding" or "debugging".
	Category string `json:"category,omitempty"`

	// Time is seconds since the Unix epoch, fractional.
	Time float64 `json:"time"`

	Project  string `json:"project,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Language string `json:"language,omitempty"`

	// Dependencies are import/require targets found in the entity's content.
	Dependencies []string `json:"dependencies,omitempty"`

	// Significant marks save-triggered heartbeats, which bypass debouncing.
	Significant bool `json:"is_write"`

	// Editor state. Zero means unknown; LineNo and CursorPos are 1-based.
	Lines     int `json:"lines,omitempty"`
	LineNo    int `json:"lineno,omitempty"`
	CursorPos int `json:"cursorpos,omitempty"`
}

// New creates a file heartbeat for entity observed at t.
func New(entity string, t time.Time) Heartbeat {
	return Heartbeat{
		Entity: entity,
		Kind:   KindFile,
		Time:   EpochSeconds(t),
	}
}

// EpochSeconds converts t to fractional seconds since the epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Timestamp returns Time as a time.Time.
func (h Heartbeat) Timestamp() time.Time {
	sec, frac := math.Modf(h.Time)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Validate checks the record invariant: entity and time are always present.
func (h Heartbeat) Validate() error {
	if h.Entity == "" {
		return aerrors.InvalidInput("heartbeat entity is required")
	}
	if h.Time <= 0 {
		return aerrors.InvalidInput("heartbeat time is required", aerrors.WithEntity(h.Entity))
	}
	if h.Kind != "" && !h.Kind.Valid() {
		return aerrors.Newf(aerrors.ErrCodeInvalidInput, "unknown heartbeat kind %q", h.Kind)
	}
	return nil
}

// Clone returns a copy that shares no memory with h.
func (h Heartbeat) Clone() Heartbeat {
	if h.Dependencies != nil {
		deps := make([]string, len(h.Dependencies))
		copy(deps, h.Dependencies)
		h.Dependencies = deps
	}
	return h
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// MarshalBatch serializes heartbeats as a JSON array.
func MarshalBatch(hbs []Heartbeat) ([]byte, error) {
	if hbs == nil {
		hbs = []Heartbeat{}
	}
	return json.Marshal(hbs)
}

// UnmarshalBatch deserializes a JSON array of heartbeats.
func UnmarshalBatch(data []byte) ([]Heartbeat, error) {
	var hbs []Heartbeat
	if err := json.Unmarshal(data, &hbs); err != nil {
		return nil, err
	}
	return hbs, nil
}

// Sink delivers heartbeats to a remote time-tracking service.
// A nil error means the data was accepted and can be discarded.
type Sink interface {
	// SendOne delivers a single heartbeat.
	SendOne(ctx context.Context, hb Heartbeat) error

	// SendMany delivers a batch in order.
	SendMany(ctx context.Context, hbs []Heartbeat) error
}

// DeadLetter parks heartbeats the emitter has given up on, together with the
// reason, so they can be inspected or requeued later.
type DeadLetter interface {
	Park(ctx context.Context, reason error, batch []Heartbeat) error
}

// Config configures a buffered emitter.
type Config struct {
	// MaxBufferSize triggers a flush when the buffer reaches this many heartbeats.
	// Default: 100
	MaxBufferSize int

	// FlushInterval between periodic flushes.
	// Default: 60 seconds
	FlushInterval time.Duration

	// DisposeTimeout bounds the final flush performed by Dispose.
	// Default: 5 seconds
	DisposeTimeout time.Duration

	// SendTimeout bounds each timer or capacity triggered delivery.
	// Default: 30 seconds
	SendTimeout time.Duration

	// BufferCeiling is the hard cap on buffered heartbeats. When exceeded the
	// oldest are evicted (and dead-lettered if a store is configured).
	// Default: 10000
	BufferCeiling int

	// RetryInitialInterval and RetryMaxInterval shape the backoff that gates
	// capacity-triggered flushes after a failure. Periodic flushes always run.
	// Default: 1 second, 5 minutes
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Category applied to heartbeats recorded without one.
	// Default: "coding"
	Category string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize:        100,
		FlushInterval:        60 * time.Second,
		DisposeTimeout:       5 * time.Second,
		SendTimeout:          30 * time.Second,
		BufferCeiling:        10000,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     5 * time.Minute,
		Category:             "coding",
	}
}

// Validate checks the configuration. Zero values are allowed and mean "default".
func (c *Config) Validate() error {
	if c.MaxBufferSize < 0 || c.BufferCeiling < 0 {
		return ErrInvalidConfig
	}
	if c.FlushInterval < 0 || c.DisposeTimeout < 0 || c.SendTimeout < 0 {
		return ErrInvalidConfig
	}
	if c.RetryInitialInterval < 0 || c.RetryMaxInterval < 0 {
		return ErrInvalidConfig
	}
	if c.MaxBufferSize > 0 && c.BufferCeiling > 0 && c.BufferCeiling < c.MaxBufferSize {
		return ErrInvalidConfig
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.DisposeTimeout == 0 {
		c.DisposeTimeout = d.DisposeTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.BufferCeiling == 0 {
		c.BufferCeiling = d.BufferCeiling
		if c.BufferCeiling < c.MaxBufferSize {
			c.BufferCeiling = c.MaxBufferSize * 100
		}
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.Category == "" {
		c.Category = d.Category
	}
	return c
}
