// Package logger provides the engine's default structured logger
// implementation: a small JSON-lines writer with component tagging and a
// level filter. Components that want a different sink (Datadog, Zap, ...)
// need only satisfy core.Logger.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/relaydeliver/engine/core"
)

// Level controls which messages are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// JSONLogger writes one JSON object per log line. It is safe for concurrent
// use; the underlying writer is protected by a mutex.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
	fields    map[string]interface{}
}

// New creates a JSONLogger writing to os.Stdout at the given level.
func New(level Level) *JSONLogger {
	return &JSONLogger{out: os.Stdout, level: level}
}

// NewWithWriter creates a JSONLogger writing to an arbitrary writer, useful
// for tests that want to capture log output.
func NewWithWriter(w io.Writer, level Level) *JSONLogger {
	return &JSONLogger{out: w, level: level}
}

// WithComponent returns a logger that tags every entry with component,
// sharing the same sink and level. Implements core.ComponentAwareLogger.
func (l *JSONLogger) WithComponent(component string) core.Logger {
	return &JSONLogger{out: l.out, level: l.level, component: component, fields: l.fields}
}

// WithFields returns a logger that merges additional static fields into
// every entry it emits.
func (l *JSONLogger) WithFields(fields map[string]interface{}) *JSONLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &JSONLogger{out: l.out, level: l.level, component: l.component, fields: merged}
}

type entry struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *JSONLogger) write(level Level, levelName, msg string, traceID string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := fields
	if len(l.fields) > 0 {
		merged = make(map[string]interface{}, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	e := entry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelName,
		Message:   msg,
		Component: l.component,
		TraceID:   traceID,
		Fields:    merged,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.write(LevelDebug, "debug", msg, "", fields) }
func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.write(LevelInfo, "info", msg, "", fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.write(LevelWarn, "warn", msg, "", fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.write(LevelError, "error", msg, "", fields) }

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

type traceIDKey struct{}

// WithTraceID attaches a trace/correlation ID to ctx so DebugWithContext and
// friends can surface it on the log line without every caller threading it
// through manually.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func (l *JSONLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelDebug, "debug", msg, traceIDFromContext(ctx), fields)
}
func (l *JSONLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelInfo, "info", msg, traceIDFromContext(ctx), fields)
}
func (l *JSONLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelWarn, "warn", msg, traceIDFromContext(ctx), fields)
}
func (l *JSONLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelError, "error", msg, traceIDFromContext(ctx), fields)
}

var _ core.ComponentAwareLogger = (*JSONLogger)(nil)
