package stompws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errReconnectDisabled = errors.New("auto reconnect disabled")

// AutoReconnector is a ClientMonitor that reconnects a client after an
// unexpected disconnect and restores its subscriptions. Graceful disconnects
// (nil error) do not trigger a reconnect.
type AutoReconnector struct {
	*SubscriptionTracker

	logger        *zap.Logger
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	maxRetries    int // -1 means unlimited
	connectHeader Header

	enabled        atomic.Bool
	reconnecting   atomic.Bool
	lostDuringRun  atomic.Bool
	reconnectCount atomic.Int64

	mu                sync.Mutex
	lastReconnectTime time.Time
	cancel            context.CancelFunc
}

// AutoReconnectorBuilder configures an AutoReconnector.
type AutoReconnectorBuilder struct {
	logger        *zap.Logger
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	maxRetries    int
	enabled       bool
	connectHeader Header
}

// NewAutoReconnector returns a builder with defaults: 1s initial delay, 30s
// max delay, factor 2 and unlimited retries.
func NewAutoReconnector() *AutoReconnectorBuilder {
	return &AutoReconnectorBuilder{
		logger:        zap.NewNop(),
		initialDelay:  1 * time.Second,
		maxDelay:      30 * time.Second,
		backoffFactor: 2.0,
		maxRetries:    -1,
		enabled:       true,
	}
}

func (b *AutoReconnectorBuilder) WithLogger(logger *zap.Logger) *AutoReconnectorBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *AutoReconnectorBuilder) WithInitialDelay(d time.Duration) *AutoReconnectorBuilder {
	if d > 0 {
		b.initialDelay = d
	}
	return b
}

func (b *AutoReconnectorBuilder) WithMaxDelay(d time.Duration) *AutoReconnectorBuilder {
	if d > 0 {
		b.maxDelay = d
	}
	return b
}

// WithBackoffFactor sets the delay multiplier. Values below 1 are ignored.
func (b *AutoReconnectorBuilder) WithBackoffFactor(f float64) *AutoReconnectorBuilder {
	if f >= 1.0 {
		b.backoffFactor = f
	}
	return b
}

// WithMaxRetries caps the number of reconnect attempts. -1 means unlimited.
func (b *AutoReconnectorBuilder) WithMaxRetries(n int) *AutoReconnectorBuilder {
	if n >= -1 {
		b.maxRetries = n
	}
	return b
}

func (b *AutoReconnectorBuilder) WithEnabled(enabled bool) *AutoReconnectorBuilder {
	b.enabled = enabled
	return b
}

// WithConnectHeader sets the CONNECT headers used when reconnecting.
func (b *AutoReconnectorBuilder) WithConnectHeader(header Header) *AutoReconnectorBuilder {
	b.connectHeader = header.Clone()
	return b
}

func (b *AutoReconnectorBuilder) Build() *AutoReconnector {
	r := &AutoReconnector{
		SubscriptionTracker: NewSubscriptionTracker(),
		logger:              b.logger,
		initialDelay:        b.initialDelay,
		maxDelay:            b.maxDelay,
		backoffFactor:       b.backoffFactor,
		maxRetries:          b.maxRetries,
		connectHeader:       b.connectHeader,
	}
	r.enabled.Store(b.enabled)
	return r
}

func (r *AutoReconnector) IsEnabled() bool {
	return r.enabled.Load()
}

// SetEnabled toggles reconnection. Disabling stops a reconnect in progress.
func (r *AutoReconnector) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
	if !enabled {
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()
	}
}

func (r *AutoReconnector) GetReconnectCount() int {
	return int(r.reconnectCount.Load())
}

func (r *AutoReconnector) GetLastReconnectTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReconnectTime
}

func (r *AutoReconnector) OnDisconnect(ctx context.Context, client Client, reason string, err error) {
	r.SubscriptionTracker.OnDisconnect(ctx, client, reason, err)

	if err == nil || !r.IsEnabled() || r.maxRetries == 0 {
		return
	}

	r.logger.Info("Connection lost, scheduling reconnect",
		zap.String("reason", reason),
		zap.Error(err),
		zap.Duration("initial_delay", r.initialDelay),
	)

	// set before the CAS so a running reconnect sees it after clearing reconnecting
	r.lostDuringRun.Store(true)
	if !r.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go r.run(client)
}

// run reconnects until no disconnect was reported while an attempt, or the
// resubscription that follows it, was in progress.
func (r *AutoReconnector) run(client Client) {
	for {
		r.lostDuringRun.Store(false)
		r.reconnect(client)
		r.reconnecting.Store(false)

		if !r.lostDuringRun.Load() || !r.IsEnabled() {
			return
		}
		if client.IsConnected() {
			r.lostDuringRun.Store(false)
			return
		}
		if !r.reconnecting.CompareAndSwap(false, true) {
			return
		}
		r.logger.Info("Connection lost while reconnecting, retrying")
	}
}

func (r *AutoReconnector) reconnect(client Client) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	timer := time.NewTimer(r.initialDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialDelay
	policy.MaxInterval = r.maxDelay
	policy.Multiplier = r.backoffFactor
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if r.maxRetries > 0 {
		b = backoff.WithMaxRetries(policy, uint64(r.maxRetries-1))
	}

	operation := func() error {
		if !r.IsEnabled() {
			return backoff.Permanent(errReconnectDisabled)
		}

		r.reconnectCount.Add(1)
		r.mu.Lock()
		r.lastReconnectTime = time.Now()
		r.mu.Unlock()

		err := client.Connect(ctx, r.connectHeader)
		if errors.Is(err, ErrAlreadyConnected) {
			return nil
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		r.logger.Warn("Reconnect attempt failed",
			zap.Error(err),
			zap.Duration("next_attempt_in", next),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		r.logger.Error("Giving up reconnecting", zap.Error(err), zap.Int("attempts", r.GetReconnectCount()))
		return
	}

	r.logger.Info("Reconnected", zap.Int("attempts", r.GetReconnectCount()))
	r.resubscribe(ctx, client)
}

func (r *AutoReconnector) resubscribe(ctx context.Context, client Client) {
	for _, sub := range r.GetSubscriptions() {
		if _, err := client.Subscribe(ctx, sub.Destination, sub.Handler, sub.Options()...); err != nil {
			r.logger.Error("Failed to restore subscription",
				zap.String("id", sub.ID),
				zap.String("destination", sub.Destination),
				zap.Error(err),
			)
		}
	}
}
