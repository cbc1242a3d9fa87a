package client

import (
	"context"
	"time"

	"github.com/tsarna/stompws/pkg/stompws/o11y"
)

// ClientMetrics holds the instruments recorded by a Client. A nil
// *ClientMetrics records nothing.
type ClientMetrics struct {
	framesSent       o11y.Counter
	framesReceived   o11y.Counter
	receiptLatency   o11y.Histogram
	requestErrors    o11y.Counter
	connectionErrors o11y.Counter
	heartBeatsSent   o11y.Counter
	heartBeatsRecv   o11y.Counter
	heartBeatTimeout o11y.Counter
	handlerErrors    o11y.Counter
	subscriptions    o11y.Gauge
}

// NewClientMetrics creates the client instruments on provider, or returns
// nil when provider is nil.
func NewClientMetrics(provider o11y.MetricsProvider) *ClientMetrics {
	if provider == nil {
		return nil
	}

	return &ClientMetrics{
		framesSent:       provider.Counter("stomp_client_frames_sent_total"),
		framesReceived:   provider.Counter("stomp_client_frames_received_total"),
		receiptLatency:   provider.Histogram("stomp_client_receipt_latency_seconds"),
		requestErrors:    provider.Counter("stomp_client_request_errors_total"),
		connectionErrors: provider.Counter("stomp_client_connection_errors_total"),
		heartBeatsSent:   provider.Counter("stomp_client_heartbeats_sent_total"),
		heartBeatsRecv:   provider.Counter("stomp_client_heartbeats_received_total"),
		heartBeatTimeout: provider.Counter("stomp_client_heartbeat_timeouts_total"),
		handlerErrors:    provider.Counter("stomp_client_handler_errors_total"),
		subscriptions:    provider.Gauge("stomp_client_active_subscriptions"),
	}
}

func (m *ClientMetrics) RecordFrameSent(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.L("command", command))
}

func (m *ClientMetrics) RecordFrameReceived(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.L("command", command))
}

// RecordReceipt records how long command waited for its RECEIPT.
func (m *ClientMetrics) RecordReceipt(ctx context.Context, command string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.receiptLatency.Record(ctx, latency.Seconds(), o11y.L("command", command))
	if err != nil {
		m.requestErrors.Add(ctx, 1, o11y.L("command", command))
	}
}

func (m *ClientMetrics) RecordConnectionError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.L("stage", stage))
}

func (m *ClientMetrics) RecordHeartBeatSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartBeatsSent.Add(ctx, 1)
}

func (m *ClientMetrics) RecordHeartBeatsReceived(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.heartBeatsRecv.Add(ctx, int64(count))
}

func (m *ClientMetrics) RecordHeartBeatTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartBeatTimeout.Add(ctx, 1)
}

func (m *ClientMetrics) RecordHandlerError(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	m.handlerErrors.Add(ctx, 1, o11y.L("destination", destination))
}

func (m *ClientMetrics) RecordSubscriptions(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(ctx, float64(count))
}
