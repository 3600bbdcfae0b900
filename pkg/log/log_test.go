package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type bufferSyncer struct {
	bytes.Buffer
}

func (b *bufferSyncer) Sync() error { return nil }

func TestInitLoggerWithWriteSyncer(t *testing.T) {
	buf := &bufferSyncer{}
	lg, props, err := InitLoggerWithWriteSyncer(&Config{Level: "info", Format: "json", DisableTimestamp: true}, buf)
	require.NoError(t, err)
	require.NotNil(t, props)

	lg.Debug("hidden")
	lg.Info("session created", FieldSessionID("s1"), FieldOwner("15551234567"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"sessionID":"s1"`)
	assert.Contains(t, out, `"owner":"15551234567"`)
	assert.Contains(t, out, "session created")
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	_, _, err := InitLoggerWithWriteSyncer(&Config{Level: "loud"}, &bufferSyncer{})
	assert.Error(t, err)
}

func TestTextCoreWith(t *testing.T) {
	buf := &bufferSyncer{}
	lg, _, err := InitLoggerWithWriteSyncer(&Config{Level: "debug", DisableTimestamp: true, DisableCaller: true}, buf)
	require.NoError(t, err)

	child := (&MLogger{Logger: lg}).With(FieldComponent("dispatch"))
	child.Info("loop started")
	assert.Contains(t, buf.String(), "dispatch")
	assert.Contains(t, buf.String(), "loop started")
}

func TestCtxLogger(t *testing.T) {
	ctx := WithFields(context.Background(), zap.String("k", "v"))
	assert.NotNil(t, Ctx(ctx))
	assert.NotNil(t, Ctx(nil)) //nolint:staticcheck
	assert.NotNil(t, Ctx(context.Background()))
}

func TestInitTestLogger(t *testing.T) {
	lg, _, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)
	lg.Info("visible in test output")
}

func TestSetLevel(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)

	SetLevel(zapcore.WarnLevel)
	assert.Equal(t, zapcore.WarnLevel, GetLevel())
}

func TestBinder(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	l := With(FieldModule("test"))
	b.SetLogger(l)
	assert.Same(t, l, b.Logger())
}

func TestContextFields(t *testing.T) {
	buf := &bufferSyncer{}
	lg, _, err := InitLoggerWithWriteSyncer(&Config{Level: "debug", Format: "json", DisableTimestamp: true}, buf)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CtxLogKey, &MLogger{Logger: lg})
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSession(ctx, "s1")
	Ctx(ctx).Info("stop requested")

	out := buf.String()
	assert.Contains(t, out, `"requestID":"req-1"`)
	assert.Contains(t, out, `"sessionID":"s1"`)
}

func TestRatedWarnGroup(t *testing.T) {
	buf := &bufferSyncer{}
	lg, _, err := InitLoggerWithWriteSyncer(&Config{Level: "debug", DisableTimestamp: true}, buf)
	require.NoError(t, err)

	l := (&MLogger{Logger: lg}).WithRateGroup("test.rated", 0, 1)
	assert.True(t, l.RatedWarn(1, "first"))
	assert.False(t, l.RatedWarn(1, "second"))
	assert.Contains(t, buf.String(), "first")
	assert.NotContains(t, buf.String(), "second")

	// same group shares the bucket
	other := (&MLogger{Logger: lg}).WithRateGroup("test.rated", 0, 1)
	assert.False(t, other.RatedWarn(1, "third"))
}

func TestLazyWithDefersFields(t *testing.T) {
	buf := &bufferSyncer{}
	lg, _, err := InitLoggerWithWriteSyncer(&Config{Level: "info", Format: "json", DisableTimestamp: true}, buf)
	require.NoError(t, err)

	child := (&MLogger{Logger: lg}).With(FieldOwner("15551234567"))
	child.Debug("filtered")
	assert.Empty(t, buf.String())

	child.With(FieldComponent("wsbridge")).Info("frame dropped")
	out := buf.String()
	assert.Contains(t, out, `"owner":"15551234567"`)
	assert.Contains(t, out, `"component":"wsbridge"`)
}
