package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLoggerLevel(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })

	require.NoError(t, InitLogger("production", "warn"))
	assert.False(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.WarnLevel))

	require.NoError(t, InitLogger("development", "bogus"))
	assert.True(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, GetLogger().Core().Enabled(zapcore.DebugLevel))
}

func TestSetLoggerCapturesOutput(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	GetLogger().Info("Plan created", zap.String("plan_id", "PLN-0000000000000000"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "PLN-0000000000000000", logs.All()[0].ContextMap()["plan_id"])
}
