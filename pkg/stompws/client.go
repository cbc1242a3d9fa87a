package stompws

import (
	"context"
	"time"
)

// Client is a STOMP session carried over a single transport connection.
//
// All request methods block until the broker acknowledges the frame with a
// RECEIPT (when receipts are enabled), the broker reports an ERROR, or ctx is
// done.
type Client interface {
	// Connect dials the broker and performs the CONNECT/CONNECTED handshake.
	// Header carries custom headers for the CONNECT frame. Connect may be
	// called again after a connection error.
	Connect(ctx context.Context, header Header) error

	// Disconnect performs a graceful DISCONNECT and closes the transport.
	Disconnect(ctx context.Context, header Header) error

	IsConnected() bool

	// Subscribe registers handler for destination and returns the
	// subscription id, which can later be passed to Unsubscribe.
	Subscribe(ctx context.Context, destination string, handler MessageHandler, opts ...SubscribeOption) (string, error)
	Unsubscribe(ctx context.Context, id string) error

	// Send emits body to destination.
	Send(ctx context.Context, destination string, body []byte, header Header) error

	// SendString encodes body as UTF-8 and sends it.
	SendString(ctx context.Context, destination string, body string, header Header) error
}

// HeartBeat holds heart-beat intervals. Zero means disabled.
type HeartBeat struct {
	Outgoing time.Duration
	Incoming time.Duration
}

// SessionInfo describes an established STOMP session.
type SessionInfo struct {
	Version   string
	SessionID string // may be empty depending on the server implementation
	Server    string // empty if the server did not send one
	HeartBeat HeartBeat
}

// Subscription describes an active subscription.
type Subscription struct {
	ID          string
	Destination string
	AckMode     string
	Header      Header
	Handler     MessageHandler
}

// SubscribeOption customizes a SUBSCRIBE request.
type SubscribeOption func(*Subscription)

// WithSubscriptionID uses id instead of a generated subscription id.
func WithSubscriptionID(id string) SubscribeOption {
	return func(s *Subscription) {
		if id != "" {
			s.ID = id
		}
	}
}

// WithAckMode sets the ack mode (auto, client or client-individual).
func WithAckMode(mode string) SubscribeOption {
	return func(s *Subscription) {
		if mode != "" {
			s.AckMode = mode
		}
	}
}

// WithSubscribeHeader adds a custom header to the SUBSCRIBE frame.
func WithSubscribeHeader(key, value string) SubscribeOption {
	return func(s *Subscription) {
		if s.Header == nil {
			s.Header = make(Header)
		}
		s.Header[key] = value
	}
}

// NewSubscription applies opts over the defaults for destination.
func NewSubscription(destination string, handler MessageHandler, opts ...SubscribeOption) Subscription {
	sub := Subscription{
		Destination: destination,
		AckMode:     AckAuto,
		Handler:     handler,
	}
	for _, opt := range opts {
		opt(&sub)
	}
	return sub
}

// Options returns the options that recreate s, used when resubscribing.
func (s Subscription) Options() []SubscribeOption {
	opts := []SubscribeOption{
		WithSubscriptionID(s.ID),
		WithAckMode(s.AckMode),
	}
	for k, v := range s.Header {
		opts = append(opts, WithSubscribeHeader(k, v))
	}
	return opts
}
