package subutils

import (
	"context"
	"strconv"
	"sync"

	"github.com/tsarna/stompws/pkg/stompws"
)

type testMessage struct {
	header stompws.Header
	body   []byte

	mu    sync.Mutex
	acked int
}

func newTestMessage(destination, body string) *testMessage {
	return &testMessage{
		header: stompws.Header{
			stompws.HeaderDestination:   destination,
			stompws.HeaderSubscription:  "sub-0",
			stompws.HeaderMessageID:     "msg-1",
			stompws.HeaderContentType:   stompws.ContentTypeText,
			stompws.HeaderContentLength: strconv.Itoa(len(body)),
		},
		body: []byte(body),
	}
}

func (m *testMessage) Header() stompws.Header { return m.header.Clone() }
func (m *testMessage) Body() []byte           { return m.body }
func (m *testMessage) BodyString() string     { return string(m.body) }
func (m *testMessage) BodyLength() int        { return len(m.body) }
func (m *testMessage) SubscriptionID() string { return m.header.Get(stompws.HeaderSubscription) }
func (m *testMessage) Destination() string    { return m.header.Get(stompws.HeaderDestination) }
func (m *testMessage) MessageID() string      { return m.header.Get(stompws.HeaderMessageID) }
func (m *testMessage) AckID() string          { return m.MessageID() }
func (m *testMessage) ContentType() string    { return m.header.Get(stompws.HeaderContentType) }

func (m *testMessage) Ack(ctx context.Context, header stompws.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return nil
}

func (m *testMessage) Nack(ctx context.Context, header stompws.Header) error {
	return nil
}

func (m *testMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// recorder collects the messages handed to it.
type recorder struct {
	mu       sync.Mutex
	messages []stompws.Message
	err      error
	block    chan struct{}
}

func (r *recorder) handle(ctx context.Context, msg stompws.Message) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.err
}

func (r *recorder) received() []stompws.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stompws.Message, len(r.messages))
	copy(out, r.messages)
	return out
}
