package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	component string
}

func (r *recordingLogger) Info(string, map[string]interface{})  {}
func (r *recordingLogger) Warn(string, map[string]interface{})  {}
func (r *recordingLogger) Error(string, map[string]interface{}) {}
func (r *recordingLogger) Debug(string, map[string]interface{}) {}

func (r *recordingLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (r *recordingLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (r *recordingLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (r *recordingLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (r *recordingLogger) WithComponent(component string) Logger {
	return &recordingLogger{component: component}
}

func TestWithComponentLogger_NilReturnsNoOp(t *testing.T) {
	got := WithComponentLogger(nil, "scheduler")
	assert.Equal(t, NoOpLogger{}, got)
}

func TestWithComponentLogger_ComponentAwareDelegates(t *testing.T) {
	base := &recordingLogger{}
	got := WithComponentLogger(base, "scheduler")
	rl, ok := got.(*recordingLogger)
	assert.True(t, ok)
	assert.Equal(t, "scheduler", rl.component)
}

type plainLogger struct{ NoOpLogger }

func TestWithComponentLogger_NonComponentAwarePassesThrough(t *testing.T) {
	base := plainLogger{}
	got := WithComponentLogger(base, "scheduler")
	assert.Equal(t, base, got)
}

func TestNoOpLogger_DoesNotPanic(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Info("x", nil)
	l.Warn("x", nil)
	l.Error("x", nil)
	l.Debug("x", nil)
	l.InfoWithContext(context.Background(), "x", nil)
	l.WarnWithContext(context.Background(), "x", nil)
	l.ErrorWithContext(context.Background(), "x", nil)
	l.DebugWithContext(context.Background(), "x", nil)
}
