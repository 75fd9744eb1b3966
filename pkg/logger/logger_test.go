package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{zl: zap.New(core)}, logs
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"Warn":    LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatConsole} {
		l, err := New(Options{Level: LevelDebug, Format: format})
		require.NoError(t, err, "format %s", format)
		assert.True(t, l.Zap().Core().Enabled(zapcore.DebugLevel))
	}

	l, err := New(Options{Level: LevelWarn})
	require.NoError(t, err)
	assert.False(t, l.Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Zap().Core().Enabled(zapcore.WarnLevel))
}

func TestFields(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)

	l.Named("recorder").With(Component("record_event")).Info("xp recorded",
		LearnerID(42),
		XPAmount(75),
		Source("quiz_pass"),
		BadgeType("first_lesson"),
		Latency(15*time.Millisecond),
		Err(errors.New("ignored")),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "recorder", entry.LoggerName)
	assert.Equal(t, "xp recorded", entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, "record_event", ctx["component"])
	assert.Equal(t, int64(42), ctx["learner_id"])
	assert.Equal(t, int64(75), ctx["xp_amount"])
	assert.Equal(t, "quiz_pass", ctx["xp_source"])
	assert.Equal(t, "first_lesson", ctx["badge_type"])
	assert.Equal(t, "15ms", ctx["latency"])
	assert.Equal(t, "ignored", ctx["error"])
}

func TestErrWithNil(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)
	l.Error("no error", Err(nil))

	require.Equal(t, 1, logs.Len())
	_, ok := logs.All()[0].ContextMap()["error"]
	assert.False(t, ok)
}

func TestFormattedHelpers(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)
	l.Infof("processed %d learners", 3)
	l.Warnf("slow %s", "query")
	l.Errorf("failed: %v", errors.New("boom"))

	msgs := make([]string, 0, logs.Len())
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"processed 3 learners", "slow query", "failed: boom"}, msgs)
}

func TestContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l, logs := observed(zapcore.InfoLevel)
	ctx := WithContext(context.Background(), l.WithRequestID("req-1"))
	FromContext(ctx).Info("handled")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-1", logs.All()[0].ContextMap()[RequestIDKey])
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Info("dropped")
	l.Sync()
	assert.False(t, l.Zap().Core().Enabled(zapcore.ErrorLevel))
}
