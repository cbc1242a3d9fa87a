package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/wire"
	"go.uber.org/zap"
)

// peer speaks raw STOMP frames to the broker.
type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []*wire.Frame
}

func startBroker(t *testing.T, builder *ListenerBuilder) (*Listener, string) {
	t.Helper()

	listener, err := builder.WithHeartBeat(0, 0).Build()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(listener.ServeWebsocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		listener.Shutdown(ctx)
		srv.Close()
	})

	return listener, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *peer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: wire.Subprotocols,
		HTTPHeader:   header,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	return &peer{t: t, conn: conn}
}

func (p *peer) send(command string, header stompws.Header, body string) {
	p.t.Helper()

	var raw []byte
	if body != "" {
		raw = []byte(body)
	}
	data, err := wire.Encode(wire.New(command, header, raw))
	require.NoError(p.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, data))
}

func (p *peer) next() *wire.Frame {
	p.t.Helper()

	for len(p.pending) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := p.conn.Read(ctx)
		cancel()
		require.NoError(p.t, err)

		frames, _, err := wire.Decode(data)
		require.NoError(p.t, err)
		p.pending = append(p.pending, frames...)
	}

	f := p.pending[0]
	p.pending = p.pending[1:]
	return f
}

func (p *peer) expect(command string) stompws.Header {
	p.t.Helper()

	f := p.next()
	require.Equal(p.t, command, f.Command, "headers: %v", wire.HeaderOf(f))
	return wire.HeaderOf(f)
}

func (p *peer) expectClosed() {
	p.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := p.conn.Read(ctx)
	require.Error(p.t, err)
	assert.NotErrorIs(p.t, err, context.DeadlineExceeded)
}

func (p *peer) connect(version string) stompws.Header {
	p.t.Helper()

	p.send(wire.CONNECT, stompws.Header{
		stompws.HeaderAcceptVersion: version,
		stompws.HeaderHost:          "localhost",
		stompws.HeaderHeartBeat:     "0,0",
	}, "")
	return p.expect(wire.CONNECTED)
}

func (p *peer) subscribe(id, destination, ack string) {
	p.t.Helper()

	p.send(wire.SUBSCRIBE, stompws.Header{
		stompws.HeaderID:          id,
		stompws.HeaderDestination: destination,
		stompws.HeaderAck:         ack,
		stompws.HeaderReceipt:     "sub-" + id,
	}, "")
	h := p.expect(wire.RECEIPT)
	require.Equal(p.t, "sub-"+id, h.Get(stompws.HeaderReceiptID))
}

func TestListenerBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := NewListener()
		assert.NotNil(t, b.logger)
		assert.NotNil(t, b.authenticator)
		assert.NotNil(t, b.authorizer)
		assert.Equal(t, DefaultQueueSize, b.queueSize)
		assert.Equal(t, stompws.HeartBeat{Outgoing: DefaultHeartBeat, Incoming: DefaultHeartBeat}, b.heartBeat)
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		b := NewListener().
			WithLogger(nil).
			WithAuthenticator(nil).
			WithAuthorizer(nil).
			WithQueueSize(0).
			WithHeartBeat(-1, 0).
			WithWriteTimeout(-time.Second).
			WithConnectTimeout(0)

		assert.NotNil(t, b.logger)
		assert.NotNil(t, b.authenticator)
		assert.NotNil(t, b.authorizer)
		assert.Equal(t, DefaultQueueSize, b.queueSize)
		assert.Equal(t, DefaultHeartBeat, b.heartBeat.Outgoing)
		assert.Equal(t, DefaultWriteTimeout, b.writeTimeout)
		assert.Equal(t, DefaultConnectTimeout, b.connectTimeout)
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		b := NewListener()
		assert.Same(t, b, b.WithLogger(zap.NewNop()))
		assert.Same(t, b, b.WithAuthenticator(AllowAllConnections))
		assert.Same(t, b, b.WithAuthorizer(AllowAll))
		assert.Same(t, b, b.WithHeartBeat(time.Second, time.Second))
		assert.Same(t, b, b.WithQueueSize(10))
		assert.Same(t, b, b.WithReadLimit(1024))
		assert.Same(t, b, b.WithMetrics(nil))
	})
}

func TestHandshake(t *testing.T) {
	t.Run("connected headers", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)

		h := p.connect("1.0,1.1,1.2")
		assert.Equal(t, wire.V12, h.Get(stompws.HeaderVersion))
		assert.Equal(t, ServerName, h.Get(stompws.HeaderServer))
		assert.True(t, strings.HasPrefix(h.Get(stompws.HeaderSession), "session-"))
		assert.Equal(t, "0,0", h.Get(stompws.HeaderHeartBeat))
	})

	t.Run("older client", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)

		h := p.connect("1.1")
		assert.Equal(t, wire.V11, h.Get(stompws.HeaderVersion))
	})

	t.Run("STOMP command is accepted", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)

		p.send(wire.STOMP, stompws.Header{stompws.HeaderAcceptVersion: "1.2"}, "")
		p.expect(wire.CONNECTED)
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)

		p.send(wire.CONNECT, stompws.Header{stompws.HeaderAcceptVersion: "2.0"}, "")
		h := p.expect(wire.ERROR)
		assert.Equal(t, wire.AcceptVersion(), h.Get(stompws.HeaderVersion))
		p.expectClosed()
	})

	t.Run("first frame must be CONNECT", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)

		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/queue/a"}, "hi")
		h := p.expect(wire.ERROR)
		assert.Contains(t, h.Get(stompws.HeaderMessage), "expected CONNECT")
		p.expectClosed()
	})

	t.Run("bearer token required", func(t *testing.T) {
		_, url := startBroker(t, NewListener().WithAuthenticator(BearerTokens("secret")))

		p := dial(t, url, nil)
		p.send(wire.CONNECT, stompws.Header{stompws.HeaderAcceptVersion: "1.2"}, "")
		h := p.expect(wire.ERROR)
		assert.Contains(t, h.Get(stompws.HeaderMessage), "authentication failed")

		p = dial(t, url, http.Header{"Authorization": {"Bearer secret"}})
		p.connect("1.2")
	})

	t.Run("login and passcode", func(t *testing.T) {
		_, url := startBroker(t, NewListener().WithAuthenticator(LoginPasscode(map[string]string{"guest": "guest"})))

		p := dial(t, url, nil)
		p.send(wire.CONNECT, stompws.Header{
			stompws.HeaderAcceptVersion: "1.2",
			stompws.HeaderLogin:         "guest",
			stompws.HeaderPasscode:      "wrong",
		}, "")
		p.expect(wire.ERROR)

		p = dial(t, url, nil)
		p.send(wire.CONNECT, stompws.Header{
			stompws.HeaderAcceptVersion: "1.2",
			stompws.HeaderLogin:         "guest",
			stompws.HeaderPasscode:      "guest",
		}, "")
		p.expect(wire.CONNECTED)
	})
}

func TestRouting(t *testing.T) {
	t.Run("exact and wildcard subscriptions", func(t *testing.T) {
		_, url := startBroker(t, NewListener())

		exact := dial(t, url, nil)
		exact.connect("1.2")
		exact.subscribe("s1", "/topic/sensors/kitchen", stompws.AckAuto)

		wildcard := dial(t, url, nil)
		wildcard.connect("1.2")
		wildcard.subscribe("s2", "/topic/sensors/+", stompws.AckAuto)

		sender := dial(t, url, nil)
		sender.connect("1.2")
		sender.send(wire.SEND, stompws.Header{
			stompws.HeaderDestination: "/topic/sensors/kitchen",
			stompws.HeaderContentType: "application/json",
			"x-trace":                 "abc",
			stompws.HeaderReceipt:     "r-1",
		}, `{"temp":21}`)
		sender.expect(wire.RECEIPT)

		for _, p := range []*peer{exact, wildcard} {
			f := p.next()
			require.Equal(t, wire.MESSAGE, f.Command)
			h := wire.HeaderOf(f)
			assert.Equal(t, "/topic/sensors/kitchen", h.Get(stompws.HeaderDestination))
			assert.Equal(t, "application/json", h.Get(stompws.HeaderContentType))
			assert.Equal(t, "abc", h.Get("x-trace"))
			assert.NotEmpty(t, h.Get(stompws.HeaderMessageID))
			assert.Empty(t, h.Get(stompws.HeaderReceipt))
			assert.Empty(t, h.Get(stompws.HeaderAck))
			assert.Equal(t, `{"temp":21}`, string(f.Body))
		}

		assert.Empty(t, exact.pending)
	})

	t.Run("non-matching destinations are not delivered", func(t *testing.T) {
		_, url := startBroker(t, NewListener())

		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("s1", "/queue/#", stompws.AckAuto)

		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/topic/other"}, "skip")
		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/queue/jobs/1"}, "take")

		f := p.next()
		require.Equal(t, wire.MESSAGE, f.Command)
		assert.Equal(t, "take", string(f.Body))
		assert.Equal(t, "/queue/jobs/1", wire.HeaderOf(f).Get(stompws.HeaderDestination))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		_, url := startBroker(t, NewListener())

		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("s1", "/queue/a", stompws.AckAuto)
		p.subscribe("s2", "/queue/b", stompws.AckAuto)

		p.send(wire.UNSUBSCRIBE, stompws.Header{stompws.HeaderID: "s1", stompws.HeaderReceipt: "u"}, "")
		p.expect(wire.RECEIPT)

		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/queue/a"}, "gone")
		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/queue/b"}, "kept")

		f := p.next()
		assert.Equal(t, "kept", string(f.Body))
	})

	t.Run("server-side publish", func(t *testing.T) {
		listener, url := startBroker(t, NewListener())

		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("s1", "/topic/news", stompws.AckAuto)

		n := listener.Publish(context.Background(), "/topic/news", stompws.Header{stompws.HeaderContentType: "text/plain"}, []byte("extra"))
		assert.Equal(t, 1, n)

		f := p.next()
		assert.Equal(t, "extra", string(f.Body))
	})
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		header  stompws.Header
		message string
	}{
		{"send without destination", wire.SEND, stompws.Header{}, "missing destination"},
		{"subscribe without id", wire.SUBSCRIBE, stompws.Header{stompws.HeaderDestination: "/a"}, "missing id"},
		{"bad ack mode", wire.SUBSCRIBE, stompws.Header{stompws.HeaderDestination: "/a", stompws.HeaderID: "1", stompws.HeaderAck: "sometimes"}, "invalid ack mode"},
		{"unknown subscription", wire.UNSUBSCRIBE, stompws.Header{stompws.HeaderID: "nope"}, "no such subscription"},
		{"unknown ack", wire.ACK, stompws.Header{stompws.HeaderID: "42"}, "unknown ACK id 42"},
		{"transactions", wire.BEGIN, stompws.Header{"transaction": "tx1"}, "transactions are not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, url := startBroker(t, NewListener())
			p := dial(t, url, nil)
			p.connect("1.2")

			header := tt.header.Clone()
			header[stompws.HeaderReceipt] = "r-err"
			p.send(tt.command, header, "")

			h := p.expect(wire.ERROR)
			assert.Contains(t, h.Get(stompws.HeaderMessage), tt.message)
			assert.Equal(t, "r-err", h.Get(stompws.HeaderReceiptID))
			p.expectClosed()
		})
	}

	t.Run("authorizer rejection", func(t *testing.T) {
		_, url := startBroker(t, NewListener().WithAuthorizer(AllowDestinationPrefix("/topic/")))
		p := dial(t, url, nil)
		p.connect("1.2")

		p.subscribe("ok", "/topic/a", stompws.AckAuto)

		p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: "/queue/secret"}, "x")
		h := p.expect(wire.ERROR)
		assert.Contains(t, h.Get(stompws.HeaderMessage), "not allowed")
		assert.Empty(t, h.Get(stompws.HeaderReceiptID))
		p.expectClosed()
	})

	t.Run("duplicate subscription id", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("dup", "/a", stompws.AckAuto)

		p.send(wire.SUBSCRIBE, stompws.Header{stompws.HeaderID: "dup", stompws.HeaderDestination: "/b"}, "")
		h := p.expect(wire.ERROR)
		assert.Contains(t, h.Get(stompws.HeaderMessage), "already exists")
	})
}

func TestAcknowledgement(t *testing.T) {
	publish := func(p *peer, destination string, n int) []stompws.Header {
		for i := 0; i < n; i++ {
			p.send(wire.SEND, stompws.Header{stompws.HeaderDestination: destination}, fmt.Sprintf("m%d", i))
		}
		headers := make([]stompws.Header, n)
		for i := range headers {
			headers[i] = p.expect(wire.MESSAGE)
		}
		return headers
	}

	t.Run("client-individual acks one message", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("s", "/q", stompws.AckClientIndividual)

		msgs := publish(p, "/q", 2)
		require.NotEmpty(t, msgs[0].Get(stompws.HeaderAck))

		p.send(wire.ACK, stompws.Header{stompws.HeaderID: msgs[1].Get(stompws.HeaderAck), stompws.HeaderReceipt: "a1"}, "")
		p.expect(wire.RECEIPT)
		p.send(wire.NACK, stompws.Header{stompws.HeaderID: msgs[0].Get(stompws.HeaderAck), stompws.HeaderReceipt: "a2"}, "")
		p.expect(wire.RECEIPT)
	})

	t.Run("client mode is cumulative", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)
		p.connect("1.2")
		p.subscribe("s", "/q", stompws.AckClient)

		msgs := publish(p, "/q", 2)

		p.send(wire.ACK, stompws.Header{stompws.HeaderID: msgs[1].Get(stompws.HeaderAck), stompws.HeaderReceipt: "a1"}, "")
		p.expect(wire.RECEIPT)

		p.send(wire.ACK, stompws.Header{stompws.HeaderID: msgs[0].Get(stompws.HeaderAck)}, "")
		h := p.expect(wire.ERROR)
		assert.Contains(t, h.Get(stompws.HeaderMessage), "unknown ACK id")
	})

	t.Run("version 1.1 acks by message-id", func(t *testing.T) {
		_, url := startBroker(t, NewListener())
		p := dial(t, url, nil)
		p.connect("1.1")
		p.subscribe("s", "/q", stompws.AckClient)

		msgs := publish(p, "/q", 1)
		assert.Empty(t, msgs[0].Get(stompws.HeaderAck))

		p.send(wire.ACK, stompws.Header{
			stompws.HeaderMessageID:    msgs[0].Get(stompws.HeaderMessageID),
			stompws.HeaderSubscription: "s",
			stompws.HeaderReceipt:      "a1",
		}, "")
		p.expect(wire.RECEIPT)
	})
}

func TestDisconnect(t *testing.T) {
	listener, url := startBroker(t, NewListener())
	p := dial(t, url, nil)
	p.connect("1.2")

	assert.Eventually(t, func() bool { return listener.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	p.send(wire.DISCONNECT, stompws.Header{stompws.HeaderReceipt: "bye"}, "")
	h := p.expect(wire.RECEIPT)
	assert.Equal(t, "bye", h.Get(stompws.HeaderReceiptID))
	p.expectClosed()

	assert.Eventually(t, func() bool { return listener.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	listener, url := startBroker(t, NewListener())

	p := dial(t, url, nil)
	p.connect("1.2")
	assert.Eventually(t, func() bool { return listener.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- listener.Shutdown(ctx) }()

	p.expectClosed()
	require.NoError(t, <-done)
	assert.Equal(t, 0, listener.ConnectionCount())
}

func TestSubscriptionSettle(t *testing.T) {
	t.Run("client mode", func(t *testing.T) {
		sub := &subscription{ackMode: stompws.AckClient, unacked: []string{"1", "2", "3"}}
		assert.True(t, sub.settle("2"))
		assert.Equal(t, []string{"3"}, sub.unacked)
		assert.False(t, sub.settle("1"))
	})

	t.Run("client-individual mode", func(t *testing.T) {
		sub := &subscription{ackMode: stompws.AckClientIndividual, unacked: []string{"1", "2", "3"}}
		assert.True(t, sub.settle("2"))
		assert.Equal(t, []string{"1", "3"}, sub.unacked)
		assert.False(t, sub.settle("2"))
	})
}

func TestMakeMatcher(t *testing.T) {
	tests := []struct {
		pattern     string
		destination string
		want        bool
	}{
		{"/queue/a", "/queue/a", true},
		{"/queue/a", "/queue/b", false},
		{"/topic/+", "/topic/a", true},
		{"/topic/+", "/topic/a/b", false},
		{"/topic/#", "/topic/a/b", true},
		{"/topic/+/data", "/topic/x/data", true},
		{"/topic/+/data", "/topic/x/meta", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, makeMatcher(tt.pattern)(tt.destination))
		})
	}
}

func TestAuthorizers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, ReadOnly(ctx, wire.SUBSCRIBE, "/a"))
	assert.Error(t, ReadOnly(ctx, wire.SEND, "/a"))

	pattern := AllowDestinationPattern("/topic/+/data", "/queue/#")
	assert.NoError(t, pattern(ctx, wire.SEND, "/topic/x/data"))
	assert.NoError(t, pattern(ctx, wire.SEND, "/queue/a/b"))
	assert.Error(t, pattern(ctx, wire.SEND, "/topic/x"))
}

func TestAuthCombinators(t *testing.T) {
	ctx := context.Background()

	t.Run("any authenticator", func(t *testing.T) {
		auth := AnyAuthenticator(BearerTokens("t1"), LoginPasscode(map[string]string{"guest": "pw"}))

		r := httptest.NewRequest(http.MethodGet, "/stomp", nil)
		assert.Error(t, auth(ctx, r, stompws.Header{}))
		assert.NoError(t, auth(ctx, r, stompws.Header{stompws.HeaderLogin: "guest", stompws.HeaderPasscode: "pw"}))

		r.Header.Set("Authorization", "Bearer t1")
		assert.NoError(t, auth(ctx, r, stompws.Header{}))

		assert.Error(t, AnyAuthenticator()(ctx, r, nil))
	})

	t.Run("all authorizers", func(t *testing.T) {
		auth := AllAuthorizers(ReadOnly, AllowDestinationPrefix("/topic/"))
		assert.NoError(t, auth(ctx, wire.SUBSCRIBE, "/topic/a"))
		assert.Error(t, auth(ctx, wire.SEND, "/topic/a"))
		assert.Error(t, auth(ctx, wire.SUBSCRIBE, "/queue/a"))
		assert.NoError(t, AllAuthorizers()(ctx, wire.SEND, "/x"))
	})
}
