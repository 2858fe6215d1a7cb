package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/coordd/internal/config"
)

func TestNewLogger_ValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false
	_, err = NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestNewLogger_Defaults(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	_ = logger.Sync()
}

func TestLogger_ContextFieldsAttached(t *testing.T) {
	t.Parallel()

	tl := NewTestLogger()
	ctx := WithAgentID(context.Background(), "agent-a")
	ctx = WithSessionID(ctx, "sess-1")

	tl.Info(ctx, "operation registered", zap.String("resource", "main.go"))

	tl.AssertLogged(t, zapcore.InfoLevel, "operation registered")
	tl.AssertField(t, "operation registered", "agent.id", "agent-a")
	tl.AssertField(t, "operation registered", "session.id", "sess-1")
	tl.AssertField(t, "operation registered", "resource", "main.go")
}

func TestLogger_TraceLevelGated(t *testing.T) {
	t.Parallel()

	tl := NewTestLogger()
	tl.Trace(context.Background(), "wire detail")
	tl.AssertLogged(t, TraceLevel, "wire detail")
}

func TestLogger_WithAndNamed(t *testing.T) {
	t.Parallel()

	tl := NewTestLogger()
	child := tl.With(zap.String("component", "detector")).Named("conflict")
	child.Info(context.Background(), "check complete")

	entries := tl.FilterMessage("check complete").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "conflict", entries[0].LoggerName)
}

func TestFromAppConfig(t *testing.T) {
	t.Parallel()

	cfg, err := FromAppConfig(&config.LoggingConfig{
		Level:  "debug",
		Format: "console",
		Caller: true,
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Caller.Enabled)

	_, err = FromAppConfig(&config.LoggingConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
}

func TestFromContext_NopFallback(t *testing.T) {
	t.Parallel()

	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Must not panic even with no backing sink.
	logger.Info(context.Background(), "ignored")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}
