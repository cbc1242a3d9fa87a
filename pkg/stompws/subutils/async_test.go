package subutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAsyncHandler(t *testing.T) {
	rec := &recorder{}

	a := NewAsyncHandler(rec.handle, 10)
	defer a.Close()
	assert.Equal(t, 10, a.QueueCapacity())
	assert.Equal(t, 0, a.QueueSize())
	assert.False(t, a.IsClosed())

	d := NewAsyncHandler(rec.handle, 0)
	defer d.Close()
	assert.Equal(t, DefaultAsyncQueueSize, d.QueueCapacity())
}

func TestAsyncHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("processes in order", func(t *testing.T) {
		rec := &recorder{}
		a := NewAsyncHandler(rec.handle, 10).Start()

		for i := 0; i < 5; i++ {
			require.NoError(t, a.Handle(ctx, newTestMessage(fmt.Sprintf("/topic/%d", i), "x")))
		}

		require.Eventually(t, func() bool { return len(rec.received()) == 5 }, time.Second, 5*time.Millisecond)
		for i, msg := range rec.received() {
			assert.Equal(t, fmt.Sprintf("/topic/%d", i), msg.Destination())
		}
		require.NoError(t, a.Close())
	})

	t.Run("queue full", func(t *testing.T) {
		rec := &recorder{block: make(chan struct{})}
		a := NewAsyncHandler(rec.handle, 2).Start()

		// first message is taken by the goroutine and blocks there
		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "1")))
		require.Eventually(t, func() bool { return a.QueueSize() == 0 }, time.Second, time.Millisecond)

		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "2")))
		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "3")))
		assert.ErrorIs(t, a.Handle(ctx, newTestMessage("/topic/a", "4")), ErrQueueFull)
		assert.Equal(t, 2, a.QueueSize())

		close(rec.block)
		require.NoError(t, a.Close())
		assert.Len(t, rec.received(), 3)
	})

	t.Run("close drains and rejects", func(t *testing.T) {
		rec := &recorder{block: make(chan struct{})}
		a := NewAsyncHandler(rec.handle, 10).Start()

		for i := 0; i < 4; i++ {
			require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "x")))
		}

		closed := make(chan struct{})
		go func() {
			a.Close()
			close(closed)
		}()
		require.Eventually(t, a.IsClosed, time.Second, time.Millisecond)

		assert.ErrorIs(t, a.Handle(ctx, newTestMessage("/topic/a", "late")), ErrHandlerClosed)

		close(rec.block)
		<-closed
		assert.Len(t, rec.received(), 4)
		assert.NoError(t, a.Close())
	})

	t.Run("close without start drains", func(t *testing.T) {
		rec := &recorder{}
		a := NewAsyncHandler(rec.handle, 10)

		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "x")))
		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "y")))
		require.NoError(t, a.Close())
		assert.Len(t, rec.received(), 2)

		a.Start()
		assert.ErrorIs(t, a.Handle(ctx, newTestMessage("/topic/a", "z")), ErrHandlerClosed)
	})

	t.Run("start twice", func(t *testing.T) {
		rec := &recorder{}
		a := NewAsyncHandler(rec.handle, 10).Start().Start()
		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "x")))
		require.NoError(t, a.Close())
		assert.Len(t, rec.received(), 1)
	})

	t.Run("context outlives caller", func(t *testing.T) {
		var got error
		done := make(chan struct{})
		a := NewAsyncHandler(func(ctx context.Context, _ stompws.Message) error {
			got = ctx.Err()
			close(done)
			return nil
		}, 10)

		cctx, cancel := context.WithCancel(ctx)
		require.NoError(t, a.Handle(cctx, newTestMessage("/topic/a", "x")))
		cancel()

		a.Start()
		<-done
		assert.NoError(t, got)
		require.NoError(t, a.Close())
	})

	t.Run("errors are logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		rec := &recorder{err: errors.New("boom")}
		a := NewAsyncHandler(rec.handle, 10).WithLogger(zap.New(core)).Start()

		require.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "x")))
		require.NoError(t, a.Close())

		entries := logs.FilterMessage("Async handler failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "/topic/a", entries[0].ContextMap()["destination"])
	})

	t.Run("concurrent producers", func(t *testing.T) {
		rec := &recorder{}
		a := NewAsyncHandler(rec.handle, 1000).Start()

		var wg sync.WaitGroup
		for p := 0; p < 10; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					assert.NoError(t, a.Handle(ctx, newTestMessage("/topic/a", "x")))
				}
			}()
		}
		wg.Wait()

		require.NoError(t, a.Close())
		assert.Len(t, rec.received(), 500)
	})
}
