package broker

import (
	"context"
	"time"

	"github.com/tsarna/stompws/pkg/stompws/o11y"
)

// BrokerMetrics defines the metrics collected by the broker. A nil
// *BrokerMetrics records nothing.
type BrokerMetrics struct {
	// Connection metrics
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter

	// Frame metrics
	framesReceived o11y.Counter
	framesSent     o11y.Counter
	frameErrors    o11y.Counter

	// Routing metrics
	messagesRouted  o11y.Counter
	messagesDropped o11y.Counter
}

// NewBrokerMetrics creates the broker instruments on provider. If the
// provider is nil, it returns nil.
func NewBrokerMetrics(provider o11y.MetricsProvider) *BrokerMetrics {
	if provider == nil {
		return nil
	}

	return &BrokerMetrics{
		activeConnections:  provider.Gauge("stomp_broker_active_connections"),
		totalConnections:   provider.Counter("stomp_broker_connections_total"),
		connectionDuration: provider.Histogram("stomp_broker_connection_duration_seconds"),
		connectionErrors:   provider.Counter("stomp_broker_connection_errors_total"),

		framesReceived: provider.Counter("stomp_broker_frames_received_total"),
		framesSent:     provider.Counter("stomp_broker_frames_sent_total"),
		frameErrors:    provider.Counter("stomp_broker_frame_errors_total"),

		messagesRouted:  provider.Counter("stomp_broker_messages_routed_total"),
		messagesDropped: provider.Counter("stomp_broker_messages_dropped_total"),
	}
}

// RecordConnectionStart records a new WebSocket connection.
func (m *BrokerMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

// RecordConnectionActive updates the active connection count.
func (m *BrokerMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

// RecordConnectionEnd records the duration of a finished connection.
func (m *BrokerMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records upgrade failures and rejected CONNECTs.
func (m *BrokerMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.L("error_type", errorType))
}

func (m *BrokerMetrics) RecordFrameReceived(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.L("command", command))
}

func (m *BrokerMetrics) RecordFrameSent(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.L("command", command))
}

// RecordFrameError records a frame answered with ERROR.
func (m *BrokerMetrics) RecordFrameError(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.frameErrors.Add(ctx, 1, o11y.L("command", command))
}

// RecordRouted records the fan-out of one SEND.
func (m *BrokerMetrics) RecordRouted(ctx context.Context, deliveries int) {
	if m == nil {
		return
	}
	m.messagesRouted.Add(ctx, int64(deliveries))
}

// RecordDropped records a MESSAGE dropped because the outbound queue was full.
func (m *BrokerMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}
