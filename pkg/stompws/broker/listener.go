package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/wire"
	"go.uber.org/zap"
)

// ServerName is sent in the server header of CONNECTED frames.
const ServerName = "stompws/" + stompws.Version

// Listener accepts STOMP sessions over WebSocket and routes messages
// between them.
type Listener struct {
	logger  *zap.Logger
	config  *ListenerBuilder
	router  *router
	metrics *BrokerMetrics

	// Connection tracking for graceful shutdown
	connections  map[*connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerBuilder) *Listener {
	return &Listener{
		logger:      config.logger,
		config:      config,
		router:      newRouter(),
		metrics:     NewBrokerMetrics(config.metrics),
		connections: make(map[*connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeWebsocket upgrades r to a WebSocket and serves one STOMP session on
// it. It blocks until the session ends, so it can be used directly as an
// http.HandlerFunc.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: wire.Subprotocols,
	})
	if err != nil {
		l.metrics.RecordConnectionError(r.Context(), "upgrade")
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	connection := newConnection(r, conn, l)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(r.Context())
	l.metrics.RecordConnectionActive(r.Context(), connCount)
	l.logger.Debug("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("subprotocol", conn.Subprotocol()),
		zap.Int("active_connections", connCount),
	)

	start := time.Now()
	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionEnd(r.Context(), time.Since(start))
	l.metrics.RecordConnectionActive(r.Context(), connCount)
	l.logger.Debug("WebSocket connection closed",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)
}

// Publish routes a message to matching subscriptions as if a client had
// sent it, and returns the number of deliveries.
func (l *Listener) Publish(ctx context.Context, destination string, header stompws.Header, body []byte) int {
	delivered := l.router.publish(ctx, destination, header, body)
	l.metrics.RecordRouted(ctx, delivered)
	return delivered
}

// Shutdown stops accepting connections, closes the active ones, and waits
// for them to finish until ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful STOMP broker shutdown")
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active connections", zap.Int("connection_count", len(connections)))
		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of active WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
