package client

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/wire"
)

var _ stompws.Message = (*message)(nil)

// message is a MESSAGE frame received on link. Acks are sent on the same
// link, so a message outliving its session cannot be acknowledged.
type message struct {
	client  *Client
	link    *link
	header  stompws.Header
	body    []byte
	ackMode string
}

func (m *message) Header() stompws.Header { return m.header.Clone() }
func (m *message) Body() []byte           { return m.body }
func (m *message) BodyString() string     { return string(m.body) }

// BodyLength returns the content-length header when present, else the
// length of the body.
func (m *message) BodyLength() int {
	if n, err := strconv.Atoi(m.header.Get(stompws.HeaderContentLength)); err == nil {
		return n
	}
	return len(m.body)
}

func (m *message) SubscriptionID() string { return m.header.Get(stompws.HeaderSubscription) }
func (m *message) Destination() string    { return m.header.Get(stompws.HeaderDestination) }
func (m *message) MessageID() string      { return m.header.Get(stompws.HeaderMessageID) }
func (m *message) ContentType() string    { return m.header.Get(stompws.HeaderContentType) }

// AckID is the value that identifies the message in ACK and NACK frames.
func (m *message) AckID() string {
	if id := m.header.Get(stompws.HeaderAck); id != "" {
		return id
	}
	return m.MessageID()
}

func (m *message) Ack(ctx context.Context, header stompws.Header) error {
	return m.acknowledge(ctx, wire.ACK, header)
}

func (m *message) Nack(ctx context.Context, header stompws.Header) error {
	if m.link.session.Version == wire.V10 {
		return fmt.Errorf("NACK requires protocol version %s or later", wire.V11)
	}
	return m.acknowledge(ctx, wire.NACK, header)
}

func (m *message) acknowledge(ctx context.Context, command string, header stompws.Header) error {
	if m.ackMode == "" || m.ackMode == stompws.AckAuto {
		return stompws.ErrNoAckRequired
	}

	h := header.Clone()
	if m.link.session.Version == wire.V12 {
		h[stompws.HeaderID] = m.AckID()
	} else {
		h[stompws.HeaderMessageID] = m.MessageID()
		h[stompws.HeaderSubscription] = m.SubscriptionID()
	}

	return m.client.request(ctx, m.link, command, h, nil)
}
