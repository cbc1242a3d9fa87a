package stompws

import "context"

// ClientMonitor receives client lifecycle events.
//
// Callbacks are invoked from client goroutines and must not block for long.
// OnDisconnect receives a nil err for graceful disconnects.
type ClientMonitor interface {
	OnConnect(ctx context.Context, client Client, info SessionInfo)
	OnConnectionError(ctx context.Context, client Client, err error)
	OnError(ctx context.Context, client Client, err error)
	OnDisconnect(ctx context.Context, client Client, reason string, err error)
	OnSubscribe(ctx context.Context, client Client, sub Subscription)
	OnUnsubscribe(ctx context.Context, client Client, id string)
}

// BaseClientMonitor implements ClientMonitor with no-ops, for embedding.
type BaseClientMonitor struct{}

func (BaseClientMonitor) OnConnect(ctx context.Context, client Client, info SessionInfo)   {}
func (BaseClientMonitor) OnConnectionError(ctx context.Context, client Client, err error)  {}
func (BaseClientMonitor) OnError(ctx context.Context, client Client, err error)            {}
func (BaseClientMonitor) OnSubscribe(ctx context.Context, client Client, sub Subscription) {}
func (BaseClientMonitor) OnUnsubscribe(ctx context.Context, client Client, id string)      {}
func (BaseClientMonitor) OnDisconnect(ctx context.Context, client Client, reason string, err error) {
}

// MultiMonitor fans every event out to each monitor in order.
type MultiMonitor []ClientMonitor

func (m MultiMonitor) OnConnect(ctx context.Context, client Client, info SessionInfo) {
	for _, mon := range m {
		mon.OnConnect(ctx, client, info)
	}
}

func (m MultiMonitor) OnConnectionError(ctx context.Context, client Client, err error) {
	for _, mon := range m {
		mon.OnConnectionError(ctx, client, err)
	}
}

func (m MultiMonitor) OnError(ctx context.Context, client Client, err error) {
	for _, mon := range m {
		mon.OnError(ctx, client, err)
	}
}

func (m MultiMonitor) OnDisconnect(ctx context.Context, client Client, reason string, err error) {
	for _, mon := range m {
		mon.OnDisconnect(ctx, client, reason, err)
	}
}

func (m MultiMonitor) OnSubscribe(ctx context.Context, client Client, sub Subscription) {
	for _, mon := range m {
		mon.OnSubscribe(ctx, client, sub)
	}
}

func (m MultiMonitor) OnUnsubscribe(ctx context.Context, client Client, id string) {
	for _, mon := range m {
		mon.OnUnsubscribe(ctx, client, id)
	}
}
