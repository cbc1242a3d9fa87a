package stompws

import "context"

// Message is a MESSAGE frame delivered to a subscription.
type Message interface {
	Header() Header
	Body() []byte
	BodyString() string
	BodyLength() int

	SubscriptionID() string
	Destination() string
	MessageID() string
	AckID() string
	ContentType() string

	// Ack acknowledges the message. Messages received on an auto-ack
	// subscription return ErrNoAckRequired.
	Ack(ctx context.Context, header Header) error

	// Nack tells the broker the message was not consumed.
	Nack(ctx context.Context, header Header) error
}

// MessageHandler is called for each message arriving on a subscription.
// A returned error is logged by the client; it does not affect the session.
type MessageHandler func(ctx context.Context, msg Message) error
