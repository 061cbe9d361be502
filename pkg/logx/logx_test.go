package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects log output into a buffer for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("dispatch").Info("item %s completed", "NOTE_1")

	out := buf.String()
	assert.Contains(t, out, "[dispatch]")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "item NOTE_1 completed")
	assert.Contains(t, out, "Z]")
}

func TestLevels(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true, nil)
	t.Cleanup(func() { SetDebug(false, nil) })

	l := NewLogger("gate")
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	out := buf.String()
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		assert.Contains(t, out, string(level))
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(false, nil)

	NewLogger("gate").Debug("hidden")
	Debug(context.Background(), "approval", "hidden too")

	assert.Empty(t, buf.String())
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true, []string{"loop"})
	t.Cleanup(func() { SetDebug(false, nil) })

	ctx := WithComponentContext(context.Background(), "controller")
	Debug(ctx, "loop", "visible %d", 1)
	Debug(ctx, "dispatch", "filtered")

	out := buf.String()
	assert.Contains(t, out, "[controller]")
	assert.Contains(t, out, "[loop] visible 1")
	assert.NotContains(t, out, "filtered")
	assert.True(t, IsDebugEnabledForDomain("loop"))
	assert.False(t, IsDebugEnabledForDomain("dispatch"))
}

func TestRecentEntries(t *testing.T) {
	captureOutput(t)
	before := time.Now().Add(-time.Second)

	NewLogger("recent-test").Warn("something odd")

	entries := Recent("recent-test", before)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "WARN", last.Level)
	assert.Equal(t, "something odd", last.Message)

	assert.Empty(t, Recent("recent-test", time.Now().Add(time.Hour)))
}

func TestWrap(t *testing.T) {
	buf := captureOutput(t)
	base := errors.New("disk full")

	err := Wrap(base, "append audit entry")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "append audit entry: disk full", err.Error())
	assert.True(t, strings.Contains(buf.String(), "append audit entry: disk full"))

	assert.NoError(t, Wrap(nil, "noop"))
}
