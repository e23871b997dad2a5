package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"panic": zapcore.PanicLevel,
		"fatal": zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestContextHelpers verifies loggers travel through the context and fall back to the global one.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))

	custom := New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), custom)
	require.Same(t, custom, FromContext(ctx))

	named := WithName(ctx, "orchestrator")
	require.NotSame(t, custom, FromContext(named))

	withKV := WithKV(named, "request_id", "42")
	require.NotSame(t, FromContext(named), FromContext(withKV))
}

// TestNewWithFile ensures the rotating file sink receives log entries.
func TestNewWithFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ota.log")

	l := NewWithFile(zapcore.InfoLevel, FileOptions{Path: path, MaxSizeMB: 1})
	l.Infow("deployment list refreshed", "count", 2)
	_ = l.Sync()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "deployment list refreshed")
}
