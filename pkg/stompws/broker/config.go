package broker

import (
	"fmt"
	"time"

	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/o11y"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the number of frames buffered per connection
	// before MESSAGE frames are dropped.
	DefaultQueueSize = 256

	// DefaultHeartBeat is offered to clients in both directions.
	DefaultHeartBeat = 10 * time.Second

	// DefaultConnectTimeout bounds the wait for the CONNECT frame.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds each WebSocket write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest WebSocket message accepted.
	DefaultReadLimit = 1 << 20
)

// ListenerBuilder configures a Listener.
//
// Example:
//
//	listener, err := broker.NewListener().
//	    WithLogger(logger).
//	    WithAuthenticator(broker.BearerTokens("secret")).
//	    WithAuthorizer(broker.AllowDestinationPrefix("/topic/")).
//	    Build()
//	http.HandleFunc("/stomp", listener.ServeWebsocket)
type ListenerBuilder struct {
	logger         *zap.Logger
	authenticator  Authenticator
	authorizer     Authorizer
	heartBeat      stompws.HeartBeat
	queueSize      int
	connectTimeout time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	metrics        o11y.MetricsProvider
}

// NewListener creates a builder with defaults that accept every
// connection and authorize every destination.
func NewListener() *ListenerBuilder {
	return &ListenerBuilder{
		logger:         zap.NewNop(),
		authenticator:  AllowAllConnections,
		authorizer:     AllowAll,
		heartBeat:      stompws.HeartBeat{Outgoing: DefaultHeartBeat, Incoming: DefaultHeartBeat},
		queueSize:      DefaultQueueSize,
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		readLimit:      DefaultReadLimit,
	}
}

func (b *ListenerBuilder) WithLogger(logger *zap.Logger) *ListenerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *ListenerBuilder) WithAuthenticator(auth Authenticator) *ListenerBuilder {
	if auth != nil {
		b.authenticator = auth
	}
	return b
}

func (b *ListenerBuilder) WithAuthorizer(auth Authorizer) *ListenerBuilder {
	if auth != nil {
		b.authorizer = auth
	}
	return b
}

// WithHeartBeat sets the heart-beat intervals the broker offers. Zero
// disables a direction.
func (b *ListenerBuilder) WithHeartBeat(outgoing, incoming time.Duration) *ListenerBuilder {
	if outgoing >= 0 && incoming >= 0 {
		b.heartBeat = stompws.HeartBeat{Outgoing: outgoing, Incoming: incoming}
	}
	return b
}

func (b *ListenerBuilder) WithQueueSize(size int) *ListenerBuilder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

func (b *ListenerBuilder) WithConnectTimeout(timeout time.Duration) *ListenerBuilder {
	if timeout > 0 {
		b.connectTimeout = timeout
	}
	return b
}

func (b *ListenerBuilder) WithWriteTimeout(timeout time.Duration) *ListenerBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

func (b *ListenerBuilder) WithReadLimit(limit int64) *ListenerBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

func (b *ListenerBuilder) WithMetrics(provider o11y.MetricsProvider) *ListenerBuilder {
	b.metrics = provider
	return b
}

// IsValid checks the configuration.
func (b *ListenerBuilder) IsValid() error {
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.authenticator == nil || b.authorizer == nil {
		return fmt.Errorf("invalid listener configuration: authenticator and authorizer are required")
	}
	return nil
}

// Build creates the Listener.
func (b *ListenerBuilder) Build() (*Listener, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}
	return newListener(b), nil
}
