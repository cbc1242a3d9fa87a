package subutils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("logs and forwards", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		rec := &recorder{}
		h := NewLoggingHandler(rec.handle, zap.New(core), zapcore.InfoLevel)

		msg := newTestMessage("/topic/a", "hello")
		require.NoError(t, h(ctx, msg))

		require.Len(t, rec.received(), 1)
		assert.Same(t, msg, rec.received()[0])

		entries := logs.FilterMessage("Message received").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		fields := entries[0].ContextMap()
		assert.Equal(t, "LoggingHandler", fields["handler"])
		assert.Equal(t, "/topic/a", fields["destination"])
		assert.Equal(t, "hello", fields["body"])
		assert.Equal(t, true, fields["hasWrapped"])
	})

	t.Run("standalone", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		h := NewNamedLoggingHandler(nil, zap.New(core), zapcore.DebugLevel, "printer")

		require.NoError(t, h.Handle(ctx, newTestMessage("/topic/b", "x")))
		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "printer", entries[0].ContextMap()["handler"])
		assert.Equal(t, false, entries[0].ContextMap()["hasWrapped"])
	})

	t.Run("below level", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		rec := &recorder{}
		h := NewLoggingHandler(rec.handle, zap.New(core), zapcore.DebugLevel)

		require.NoError(t, h(ctx, newTestMessage("/topic/c", "x")))
		assert.Zero(t, logs.Len())
		assert.Len(t, rec.received(), 1)
	})

	t.Run("returns wrapped error", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		boom := errors.New("boom")
		rec := &recorder{err: boom}
		h := NewLoggingHandler(rec.handle, zap.New(core), zapcore.InfoLevel)

		assert.ErrorIs(t, h(ctx, newTestMessage("/topic/d", "x")), boom)
		assert.Equal(t, 1, logs.FilterMessage("Handler returned error").Len())
	})

	t.Run("nil logger", func(t *testing.T) {
		h := NewLoggingHandler(nil, nil, zapcore.InfoLevel)
		assert.NoError(t, h(ctx, newTestMessage("/topic/e", "x")))
	})
}
