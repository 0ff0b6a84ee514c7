// Package logging provides levelled console output for the tracking pipeline.
// Heartbeats themselves are the record of activity; this package only reports
// what the pipeline is doing with them (flushes, drops, retries).
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	sessionID string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that writes nowhere. Handy in tests.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
// The child shares the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		sessionID: l.sessionID,
	}
}

// WithSession returns a new logger tagged with a tracking session ID.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		sessionID: sessionID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetDebug switches between DEBUG and INFO, mirroring the editor "debug" setting.
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.SetLevel(LevelDebug)
		return
	}
	l.SetLevel(LevelInfo)
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs, sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.sessionID != "" {
		merged["session"] = l.sessionID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Pipeline event helpers ---

// SignalIgnored logs a signal that never became a heartbeat.
func (l *Logger) SignalIgnored(entity, reason string) {
	l.Debug("signal_ignored", map[string]interface{}{
		"entity": entity,
		"reason": reason,
	})
}

// HeartbeatDropped logs a heartbeat rejected before buffering.
func (l *Logger) HeartbeatDropped(entity string, err error) {
	fields := map[string]interface{}{
		"entity": entity,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("heartbeat_dropped", fields)
}

// FlushComplete logs a successful delivery.
func (l *Logger) FlushComplete(count int, duration time.Duration) {
	l.Debug("flush_complete", map[string]interface{}{
		"count":    count,
		"duration": duration.String(),
	})
}

// FlushFailed logs a failed delivery and what happened to the batch.
func (l *Logger) FlushFailed(count int, action string, err error) {
	fields := map[string]interface{}{
		"count":  count,
		"action": action,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("flush_failed", fields)
}

// BufferOverflow logs heartbeats evicted because the buffer hit its ceiling.
func (l *Logger) BufferOverflow(dropped, ceiling int) {
	l.Warn("buffer_overflow", map[string]interface{}{
		"dropped": dropped,
		"ceiling": ceiling,
	})
}

// CategoryChanged logs a category switch (e.g. debug session start).
func (l *Logger) CategoryChanged(from, to string) {
	l.Debug("category_changed", map[string]interface{}{
		"from": from,
		"to":   to,
	})
}
