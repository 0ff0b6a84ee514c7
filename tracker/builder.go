package tracker

import (
	"context"
	"fmt"

	"github.com/coder/quartz"

	"github.com/vinayprograms/activitykit/deps"
	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/vcs"
)

// ProjectDetector and BranchDetector resolve repository context for a file.
type (
	ProjectDetector = vcs.ProjectDetector
	BranchDetector  = vcs.BranchDetector
)

// CategorySource supplies the category for signals without an override.
type CategorySource interface {
	Category() string
}

// Builder turns signals into heartbeats. It performs no network I/O.
type Builder struct {
	projects ProjectDetector
	branches BranchDetector
	scanner  deps.Scanner
	category CategorySource
	clock    quartz.Clock
	logger   *logging.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

func WithProjectDetector(d ProjectDetector) BuilderOption {
	return func(b *Builder) { b.projects = d }
}

func WithBranchDetector(d BranchDetector) BuilderOption {
	return func(b *Builder) { b.branches = d }
}

// WithScanner sets the dependency scanner. Without one, heartbeats carry no
// dependencies.
func WithScanner(s deps.Scanner) BuilderOption {
	return func(b *Builder) { b.scanner = s }
}

func WithCategorySource(c CategorySource) BuilderOption {
	return func(b *Builder) { b.category = c }
}

func WithBuilderClock(c quartz.Clock) BuilderOption {
	return func(b *Builder) { b.clock = c }
}

func WithBuilderLogger(l *logging.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		clock:  quartz.NewReal(),
		logger: logging.New().WithComponent("builder"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates a heartbeat from sig. A signal without an entity is dropped
// with a warning and an INVALID_INPUT error.
func (b *Builder) Build(ctx context.Context, sig Signal) (heartbeat.Heartbeat, error) {
	if sig.Entity == "" {
		err := aerrors.InvalidInput("signal has no entity")
		b.logger.HeartbeatDropped("", err)
		return heartbeat.Heartbeat{}, err
	}

	hb := heartbeat.New(sig.Entity, b.clock.Now())
	hb.Language = sig.Language
	hb.Significant = sig.Significant()
	hb.Lines = sig.Lines
	hb.LineNo = sig.Line
	hb.CursorPos = sig.Column

	hb.Category = sig.Category
	if hb.Category == "" && b.category != nil {
		hb.Category = b.category.Category()
	}

	if b.projects != nil {
		hb.Project = b.detect(ctx, "project", sig.Entity, b.projects.Project)
	}
	if b.branches != nil {
		hb.Branch = b.detect(ctx, "branch", sig.Entity, b.branches.Branch)
	}
	if b.scanner != nil && len(sig.Content) > 0 {
		hb.Dependencies = b.scanner.Scan(sig.Language, sig.Content)
	}
	return hb, nil
}

// detect runs a detector, degrading errors and panics to an unknown value.
func (b *Builder) detect(ctx context.Context, what, entity string, fn func(context.Context, string) (string, error)) (value string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("detector_panic", map[string]interface{}{
				"detector": what,
				"entity":   entity,
				"panic":    fmt.Sprint(r),
			})
			value = ""
		}
	}()
	v, err := fn(ctx, entity)
	if err != nil {
		b.logger.Debug("detector_failed", map[string]interface{}{
			"detector": what,
			"entity":   entity,
			"error":    err.Error(),
		})
		return ""
	}
	return v
}
