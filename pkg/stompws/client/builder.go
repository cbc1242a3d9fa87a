package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/o11y"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout      = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHeartBeat        = 10 * time.Second
	DefaultWriteChannelSize = 100
	DefaultReadLimit        = 1 << 20
)

// ClientBuilder provides a fluent interface for building STOMP clients.
type ClientBuilder struct {
	url              string
	authToken        string
	logger           *zap.Logger
	dialTimeout      time.Duration
	connectTimeout   time.Duration
	heartBeat        stompws.HeartBeat
	receipts         bool
	writeChannelSize int
	readLimit        int64
	headers          map[string][]string // HTTP headers for the WebSocket handshake
	monitor          stompws.ClientMonitor
	metrics          o11y.MetricsProvider
	tracer           o11y.TracingProvider
}

// NewClient creates a new client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:         zap.NewNop(),
		dialTimeout:    DefaultDialTimeout,
		connectTimeout: DefaultConnectTimeout,
		heartBeat: stompws.HeartBeat{
			Outgoing: DefaultHeartBeat,
			Incoming: DefaultHeartBeat,
		},
		receipts:         true,
		writeChannelSize: DefaultWriteChannelSize,
		readLimit:        DefaultReadLimit,
	}
}

// WithURL sets the ws:// or wss:// URL of the broker.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithAuthToken sets a token sent in the Authorization header of the
// WebSocket handshake. A token without a scheme is sent as a Bearer token.
func (b *ClientBuilder) WithAuthToken(token string) *ClientBuilder {
	b.authToken = token
	return b
}

func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds the WebSocket handshake.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithConnectTimeout bounds the wait for CONNECTED after CONNECT is sent.
func (b *ClientBuilder) WithConnectTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.connectTimeout = timeout
	}
	return b
}

// WithHeartBeat sets the heart-beat intervals offered to the broker. Zero
// disables the corresponding direction.
func (b *ClientBuilder) WithHeartBeat(outgoing, incoming time.Duration) *ClientBuilder {
	if outgoing >= 0 && incoming >= 0 {
		b.heartBeat = stompws.HeartBeat{Outgoing: outgoing, Incoming: incoming}
	}
	return b
}

// WithReceipts controls whether requests ask for a RECEIPT and wait for it.
// Without receipts, requests return as soon as the frame is queued, except
// DISCONNECT, which waits until it is written.
func (b *ClientBuilder) WithReceipts(enabled bool) *ClientBuilder {
	b.receipts = enabled
	return b
}

// WithWriteChannelSize sets the buffer size of the outgoing frame queue.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithReadLimit sets the largest WebSocket message the client will accept.
func (b *ClientBuilder) WithReadLimit(limit int64) *ClientBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithHeaders adds HTTP headers to the WebSocket handshake.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// WithMonitor sets a monitor that receives lifecycle events. Use
// stompws.MultiMonitor to attach several.
func (b *ClientBuilder) WithMonitor(monitor stompws.ClientMonitor) *ClientBuilder {
	b.monitor = monitor
	return b
}

func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metrics = provider
	return b
}

func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracer = provider
	return b
}

// Build creates a client with the configured options. The client is not
// connected until Connect is called.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:              b.url,
		authToken:        b.authToken,
		logger:           b.logger,
		dialTimeout:      b.dialTimeout,
		connectTimeout:   b.connectTimeout,
		heartBeat:        b.heartBeat,
		receipts:         b.receipts,
		writeChannelSize: b.writeChannelSize,
		readLimit:        b.readLimit,
		headers:          b.headers,
		monitor:          b.monitor,
		metrics:          NewClientMetrics(b.metrics),
		tracer:           b.tracer,
		subs:             make(map[string]stompws.Subscription),
		pendingReqs:      make(map[string]chan error),
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	u, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.dialTimeout <= 0 {
		b.dialTimeout = DefaultDialTimeout
	}
	if b.connectTimeout <= 0 {
		b.connectTimeout = DefaultConnectTimeout
	}
	if b.writeChannelSize <= 0 {
		b.writeChannelSize = DefaultWriteChannelSize
	}
	if b.readLimit <= 0 {
		b.readLimit = DefaultReadLimit
	}

	return nil
}
