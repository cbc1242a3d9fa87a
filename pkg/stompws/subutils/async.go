package subutils

import (
	"context"
	"errors"
	"sync"

	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
)

var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

const DefaultAsyncQueueSize = 100

type asyncMessage struct {
	ctx context.Context
	msg stompws.Message
}

// AsyncHandler queues messages on a buffered channel and hands them to the
// wrapped handler from a background goroutine, so the client's dispatch
// returns immediately. Errors from the wrapped handler are logged.
type AsyncHandler struct {
	wrapped stompws.MessageHandler
	logger  *zap.Logger
	queue   chan asyncMessage
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewAsyncHandler creates an AsyncHandler with room for queueSize pending
// messages. Start must be called before messages are processed, and Close
// to drain the queue and stop the goroutine.
//
//	async := subutils.NewAsyncHandler(handler, 100).Start()
//	defer async.Close()
//	c.Subscribe(ctx, "/topic/events", async.Handle)
func NewAsyncHandler(next stompws.MessageHandler, queueSize int) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}

	return &AsyncHandler{
		wrapped: next,
		logger:  zap.NewNop(),
		queue:   make(chan asyncMessage, queueSize),
		done:    make(chan struct{}),
	}
}

// WithLogger sets the logger for errors returned by the wrapped handler.
// It must be called before Start.
func (a *AsyncHandler) WithLogger(logger *zap.Logger) *AsyncHandler {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Start begins processing queued messages. Calling it again has no effect.
func (a *AsyncHandler) Start() *AsyncHandler {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started || a.closed {
		return a
	}
	a.started = true

	a.wg.Add(1)
	go a.processQueue()
	return a
}

// Handle queues msg and returns without waiting for it to be processed.
func (a *AsyncHandler) Handle(ctx context.Context, msg stompws.Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- asyncMessage{ctx: context.WithoutCancel(ctx), msg: msg}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncHandler) processMessage(m asyncMessage) {
	if err := a.wrapped(m.ctx, m.msg); err != nil {
		a.logger.Warn("Async handler failed",
			zap.String("destination", m.msg.Destination()),
			zap.String("messageId", m.msg.MessageID()),
			zap.Error(err),
		)
	}
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case m := <-a.queue:
			a.processMessage(m)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case m := <-a.queue:
			a.processMessage(m)
		default:
			return
		}
	}
}

// Close stops accepting messages, processes everything already queued and
// waits for the background goroutine to exit. A handler that was never
// started drains its queue on the calling goroutine.
func (a *AsyncHandler) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	close(a.done)
	a.mu.Unlock()

	if started {
		a.wg.Wait()
	} else {
		a.drainQueue()
	}
	return nil
}

// QueueSize returns the number of messages waiting to be processed.
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

func (a *AsyncHandler) IsClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}
