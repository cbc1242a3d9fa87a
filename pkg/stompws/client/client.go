package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/o11y"
	"github.com/tsarna/stompws/pkg/stompws/wire"
	"go.uber.org/zap"
)

var _ stompws.Client = (*Client)(nil)

// Client implements stompws.Client over a WebSocket connection.
type Client struct {
	// Configuration
	url              string
	authToken        string
	logger           *zap.Logger
	dialTimeout      time.Duration
	connectTimeout   time.Duration
	heartBeat        stompws.HeartBeat
	receipts         bool
	writeChannelSize int
	readLimit        int64
	headers          map[string][]string
	monitor          stompws.ClientMonitor
	metrics          *ClientMetrics
	tracer           o11y.TracingProvider

	// Connection state
	mu       sync.RWMutex
	link     *link
	started  int32
	stopping int32

	// Subscriptions of the current session, by id
	subs   map[string]stompws.Subscription
	subsMu sync.RWMutex

	// Requests waiting for a RECEIPT, by receipt id
	receiptID   int64
	pendingReqs map[string]chan error
	pendingMu   sync.Mutex
}

// link is the state of one transport connection. A new link is created by
// every successful Connect.
type link struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	session stompws.SessionInfo

	writeChannel chan outbound
	dispatch     *dispatchQueue
	loops        sync.WaitGroup

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
	done chan error // optional, receives the result of the write
}

// Connect dials the broker and performs the STOMP handshake.
func (c *Client) Connect(ctx context.Context, header stompws.Header) (err error) {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return stompws.ErrAlreadyConnected
	}

	ctx, span := o11y.StartSpan(ctx, c.tracer, "stomp.connect")
	defer func() { o11y.EndSpan(span, err) }()

	l, leftover, stage, err := c.handshake(ctx, header)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		c.logger.Warn("STOMP connect failed", zap.String("url", c.url), zap.String("stage", stage), zap.Error(err))
		c.metrics.RecordConnectionError(ctx, stage)
		if c.monitor != nil {
			c.monitor.OnConnectionError(ctx, c, err)
		}
		return err
	}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	now := time.Now().UnixNano()
	l.lastRead.Store(now)
	l.lastWrite.Store(now)

	// counted before any frame is handled, since an ERROR starts cleanup
	l.loops.Add(2)
	go c.dispatchLoop(l)

	for _, f := range leftover {
		c.handleFrame(l, f)
	}

	go c.readLoop(l)
	go c.writeLoop(l)
	if l.session.HeartBeat.Outgoing > 0 || l.session.HeartBeat.Incoming > 0 {
		l.loops.Add(1)
		go c.heartBeatLoop(l)
	}

	c.logger.Info("STOMP client connected",
		zap.String("url", c.url),
		zap.String("version", l.session.Version),
		zap.String("session", l.session.SessionID),
		zap.String("server", l.session.Server),
		zap.Duration("heartbeat_out", l.session.HeartBeat.Outgoing),
		zap.Duration("heartbeat_in", l.session.HeartBeat.Incoming),
	)

	if c.monitor != nil {
		c.monitor.OnConnect(ctx, c, l.session)
	}

	return nil
}

// handshake dials the WebSocket and exchanges CONNECT/CONNECTED. On failure
// it returns the stage that failed, for logging and metrics.
func (c *Client) handshake(ctx context.Context, header stompws.Header) (*link, []*wire.Frame, string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, nil, "url", fmt.Errorf("invalid URL: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, c.dialOptions())
	if err != nil {
		return nil, nil, "dial", fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(c.readLimit)

	connectCtx, connectCancel := context.WithTimeout(ctx, c.connectTimeout)
	defer connectCancel()

	connectHeader := header.Clone().Merge(stompws.Header{
		stompws.HeaderAcceptVersion: wire.AcceptVersion(),
		stompws.HeaderHost:          u.Hostname(),
		stompws.HeaderHeartBeat:     wire.FormatHeartBeat(c.heartBeat),
	})
	data, err := wire.Encode(wire.New(wire.CONNECT, connectHeader, nil))
	if err != nil {
		conn.CloseNow()
		return nil, nil, "connect", err
	}
	if err := conn.Write(connectCtx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
		return nil, nil, "connect", fmt.Errorf("failed to send CONNECT: %w", err)
	}
	c.metrics.RecordFrameSent(ctx, wire.CONNECT)

	for {
		_, data, err := conn.Read(connectCtx)
		if err != nil {
			conn.CloseNow()
			return nil, nil, "connected", fmt.Errorf("failed waiting for CONNECTED: %w", err)
		}

		frames, _, err := wire.Decode(data)
		if err != nil {
			conn.CloseNow()
			return nil, nil, "connected", err
		}
		if len(frames) == 0 {
			continue
		}

		f := frames[0]
		c.metrics.RecordFrameReceived(ctx, f.Command)
		h := wire.HeaderOf(f)

		switch f.Command {
		case wire.CONNECTED:
		case wire.ERROR:
			conn.CloseNow()
			return nil, nil, "connected", stompws.NewServerError(h, f.Body)
		default:
			conn.CloseNow()
			return nil, nil, "connected", fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}

		serverHeartBeat, err := wire.ParseHeartBeat(h.Get(stompws.HeaderHeartBeat))
		if err != nil {
			conn.CloseNow()
			return nil, nil, "connected", err
		}

		// frames batched with CONNECTED; an ERROR among them fails the handshake
		for _, extra := range frames[1:] {
			if extra.Command == wire.ERROR {
				conn.CloseNow()
				return nil, nil, "connected", stompws.NewServerError(wire.HeaderOf(extra), extra.Body)
			}
		}

		version := h.Get(stompws.HeaderVersion)
		if version == "" {
			version = wire.V10
		}

		linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l := &link{
			conn:   conn,
			ctx:    linkCtx,
			cancel: cancel,
			session: stompws.SessionInfo{
				Version:   version,
				SessionID: h.Get(stompws.HeaderSession),
				Server:    h.Get(stompws.HeaderServer),
				HeartBeat: wire.NegotiateHeartBeat(c.heartBeat, serverHeartBeat),
			},
			writeChannel: make(chan outbound, c.writeChannelSize),
			dispatch:     newDispatchQueue(),
		}
		return l, frames[1:], "", nil
	}
}

func (c *Client) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{
		Subprotocols: wire.Subprotocols,
	}

	if c.headers != nil || c.authToken != "" {
		opts.HTTPHeader = make(map[string][]string, len(c.headers)+1)
		for key, values := range c.headers {
			opts.HTTPHeader[key] = values
		}
	}

	if c.authToken != "" {
		opts.HTTPHeader["Authorization"] = []string{authorizationValue(c.authToken)}
	}

	return opts
}

// authorizationValue prefixes a bare token with the Bearer scheme.
func authorizationValue(token string) string {
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

// Disconnect sends DISCONNECT, waits for its receipt until ctx is done, and
// closes the connection. It is a no-op when the client is not connected.
func (c *Client) Disconnect(ctx context.Context, header stompws.Header) error {
	l := c.currentLink()
	if l == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.logger.Info("Disconnecting STOMP client")

	rctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	err := c.request(rctx, l, wire.DISCONNECT, header.Clone(), nil)
	cancel()
	if err != nil {
		c.logger.Debug("DISCONNECT not acknowledged", zap.Error(err))
	}

	c.cleanupWithStatus(l, websocket.StatusNormalClosure, "client disconnect")

	c.logger.Info("STOMP client disconnected")

	if c.monitor != nil {
		c.monitor.OnDisconnect(ctx, c, "client disconnect", nil)
	}

	return nil
}

// IsConnected reports whether a session is established and not shutting down.
func (c *Client) IsConnected() bool {
	return c.currentLink() != nil && atomic.LoadInt32(&c.stopping) == 0
}

// Session returns information about the current session.
func (c *Client) Session() (stompws.SessionInfo, bool) {
	l := c.currentLink()
	if l == nil {
		return stompws.SessionInfo{}, false
	}
	return l.session, true
}

func (c *Client) currentLink() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// cleanupWithStatus tears down l. It waits for the read, write and
// heart-beat loops, so it must not be called from one of them.
func (c *Client) cleanupWithStatus(l *link, status websocket.StatusCode, reason string) {
	l.cancel()
	l.conn.Close(status, reason)
	l.loops.Wait()

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	c.subsMu.Lock()
	c.subs = make(map[string]stompws.Subscription)
	c.subsMu.Unlock()
	c.metrics.RecordSubscriptions(context.Background(), 0)

	c.failPending(stompws.ErrConnectionClosed)

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

// notifyDisconnectError tears down l after an unexpected failure and then
// reports it to the monitor.
func (c *Client) notifyDisconnectError(l *link, reason string, err error) {
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return
	}

	// called from the loops, which have to exit before cleanup completes
	go func() {
		c.cleanupWithStatus(l, websocket.StatusInternalError, reason)

		if c.monitor != nil {
			c.monitor.OnDisconnect(context.Background(), c, reason, err)
		}
	}()
}

// Subscribe implements stompws.Client.
func (c *Client) Subscribe(ctx context.Context, destination string, handler stompws.MessageHandler, opts ...stompws.SubscribeOption) (id string, err error) {
	l := c.currentLink()
	if l == nil {
		return "", stompws.ErrNotConnected
	}
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}

	ctx, span := o11y.StartSpan(ctx, c.tracer, "stomp.subscribe")
	span.SetAttributes(o11y.L("destination", destination))
	defer func() { o11y.EndSpan(span, err) }()

	sub := stompws.NewSubscription(destination, handler, opts...)
	if sub.ID == "" {
		sub.ID = "sub-" + uuid.NewString()
	}

	// registered first so that messages arriving before the receipt are delivered
	c.subsMu.Lock()
	if _, exists := c.subs[sub.ID]; exists {
		c.subsMu.Unlock()
		return "", fmt.Errorf("subscription %q already exists", sub.ID)
	}
	c.subs[sub.ID] = sub
	count := len(c.subs)
	c.subsMu.Unlock()

	header := sub.Header.Clone().Merge(stompws.Header{
		stompws.HeaderID:          sub.ID,
		stompws.HeaderDestination: destination,
		stompws.HeaderAck:         sub.AckMode,
	})

	if err := c.request(ctx, l, wire.SUBSCRIBE, header, nil); err != nil {
		c.subsMu.Lock()
		delete(c.subs, sub.ID)
		c.subsMu.Unlock()
		return "", err
	}

	c.metrics.RecordSubscriptions(ctx, count)
	c.logger.Debug("Subscribed", zap.String("id", sub.ID), zap.String("destination", destination), zap.String("ack", sub.AckMode))

	if c.monitor != nil {
		c.monitor.OnSubscribe(ctx, c, sub)
	}

	return sub.ID, nil
}

// Unsubscribe implements stompws.Client.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	l := c.currentLink()
	if l == nil {
		return stompws.ErrNotConnected
	}

	c.subsMu.RLock()
	_, exists := c.subs[id]
	c.subsMu.RUnlock()
	if !exists {
		return stompws.ErrNoSuchSubscription
	}

	if err := c.request(ctx, l, wire.UNSUBSCRIBE, stompws.Header{stompws.HeaderID: id}, nil); err != nil {
		return err
	}

	c.subsMu.Lock()
	delete(c.subs, id)
	count := len(c.subs)
	c.subsMu.Unlock()
	c.metrics.RecordSubscriptions(ctx, count)

	if c.monitor != nil {
		c.monitor.OnUnsubscribe(ctx, c, id)
	}

	return nil
}

// Subscriptions returns the ids of the subscriptions of the current session.
func (c *Client) Subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

// Send implements stompws.Client.
func (c *Client) Send(ctx context.Context, destination string, body []byte, header stompws.Header) (err error) {
	l := c.currentLink()
	if l == nil {
		return stompws.ErrNotConnected
	}

	ctx, span := o11y.StartSpan(ctx, c.tracer, "stomp.send")
	span.SetAttributes(o11y.L("destination", destination))
	defer func() { o11y.EndSpan(span, err) }()

	h := header.Clone().Merge(stompws.Header{
		stompws.HeaderDestination:   destination,
		stompws.HeaderContentLength: strconv.Itoa(len(body)),
	})

	return c.request(ctx, l, wire.SEND, h, body)
}

// SendString implements stompws.Client. The content type defaults to
// UTF-8 text.
func (c *Client) SendString(ctx context.Context, destination string, body string, header stompws.Header) error {
	h := header.Clone()
	if h.Get(stompws.HeaderContentType) == "" {
		h = h.Merge(stompws.Header{stompws.HeaderContentType: stompws.ContentTypeText})
	}
	return c.Send(ctx, destination, []byte(body), h)
}

// request writes a frame and, when receipts are enabled, waits for the
// broker to acknowledge it.
func (c *Client) request(ctx context.Context, l *link, command string, header stompws.Header, body []byte) error {
	f := wire.New(command, header, body)
	if !c.receipts {
		if command == wire.DISCONNECT {
			// the connection is closed next, so wait until the frame is on the wire
			return c.flushFrame(ctx, l, f)
		}
		return c.writeFrame(ctx, l, f)
	}

	id := c.nextReceiptID()
	f.Header.Set(stompws.HeaderReceipt, id)

	respChan := make(chan error, 1)
	c.pendingMu.Lock()
	c.pendingReqs[id] = respChan
	c.pendingMu.Unlock()

	start := time.Now()
	if err := c.writeFrame(ctx, l, f); err != nil {
		c.cleanupPendingRequest(id)
		return err
	}

	select {
	case err := <-respChan:
		c.metrics.RecordReceipt(ctx, command, time.Since(start), err)
		return err
	case <-ctx.Done():
		c.cleanupPendingRequest(id)
		return ctx.Err()
	case <-l.ctx.Done():
		// an ERROR frame fails the request before the link is cancelled
		select {
		case err := <-respChan:
			return err
		default:
			c.cleanupPendingRequest(id)
			return stompws.ErrConnectionClosed
		}
	}
}

// writeFrame queues f for the write loop.
func (c *Client) writeFrame(ctx context.Context, l *link, f *wire.Frame) error {
	return c.enqueue(ctx, l, f, nil)
}

// flushFrame queues f and waits until the write loop has written it.
// Frames queued earlier are written first.
func (c *Client) flushFrame(ctx context.Context, l *link, f *wire.Frame) error {
	done := make(chan error, 1)
	if err := c.enqueue(ctx, l, f, done); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return stompws.ErrConnectionClosed
	}
}

func (c *Client) enqueue(ctx context.Context, l *link, f *wire.Frame, done chan error) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	typ := websocket.MessageText
	if !utf8.Valid(data) {
		typ = websocket.MessageBinary
	}

	select {
	case l.writeChannel <- outbound{typ: typ, data: data, done: done}:
		c.metrics.RecordFrameSent(ctx, f.Command)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return stompws.ErrConnectionClosed
	}
}

func (c *Client) nextReceiptID() string {
	return "rcpt-" + strconv.FormatInt(atomic.AddInt64(&c.receiptID, 1), 10)
}

// cleanupPendingRequest removes a pending request and returns its channel if it existed.
func (c *Client) cleanupPendingRequest(id string) (chan error, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	respChan, exists := c.pendingReqs[id]
	if exists {
		delete(c.pendingReqs, id)
	}
	return respChan, exists
}

func (c *Client) resolvePending(id string, err error) {
	if respChan, exists := c.cleanupPendingRequest(id); exists {
		respChan <- err
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, respChan := range c.pendingReqs {
		respChan <- err
		delete(c.pendingReqs, id)
	}
}

// readLoop processes incoming frames until the link is closed.
func (c *Client) readLoop(l *link) {
	defer l.loops.Done()

	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				reason := "connection lost"
				if status := websocket.CloseStatus(err); status != -1 {
					reason = fmt.Sprintf("connection closed by server (%s)", status)
				}
				c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				c.notifyDisconnectError(l, reason, err)
			}
			// wakes requests still waiting on a receipt
			l.cancel()
			return
		}
		l.lastRead.Store(time.Now().UnixNano())

		frames, beats, err := wire.Decode(data)
		c.metrics.RecordHeartBeatsReceived(l.ctx, beats)
		if err != nil {
			c.logger.Warn("Failed to decode STOMP frame", zap.Error(err))
			continue
		}

		for _, f := range frames {
			if !c.handleFrame(l, f) {
				return
			}
		}
	}
}

// writeLoop writes queued frames to the WebSocket.
func (c *Client) writeLoop(l *link) {
	defer l.loops.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case out := <-l.writeChannel:
			err := l.conn.Write(l.ctx, out.typ, out.data)
			if out.done != nil {
				out.done <- err
			}
			if err != nil {
				if l.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
					c.notifyDisconnectError(l, "write failed", err)
				}
				return
			}
			l.lastWrite.Store(time.Now().UnixNano())
		}
	}
}

// heartBeatLoop sends a heart-beat when the connection has been idle for
// half the outgoing interval, and fails the connection when nothing was read
// for twice the incoming interval.
func (c *Client) heartBeatLoop(l *link) {
	defer l.loops.Done()

	hb := l.session.HeartBeat
	tick := hb.Outgoing / 2
	if hb.Incoming > 0 && (tick == 0 || hb.Incoming/2 < tick) {
		tick = hb.Incoming / 2
	}
	if tick < time.Millisecond {
		tick = time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			if hb.Incoming > 0 && now.Sub(time.Unix(0, l.lastRead.Load())) > 2*hb.Incoming {
				c.logger.Warn("Heart-beat timeout", zap.Duration("incoming", hb.Incoming))
				c.metrics.RecordHeartBeatTimeout(l.ctx)
				c.notifyDisconnectError(l, "heart-beat timeout", stompws.ErrHeartbeatTimeout)
				return
			}

			if hb.Outgoing > 0 && now.Sub(time.Unix(0, l.lastWrite.Load())) >= hb.Outgoing/2 {
				data, _ := wire.Encode(nil)
				select {
				case l.writeChannel <- outbound{typ: websocket.MessageText, data: data}:
					c.metrics.RecordHeartBeatSent(l.ctx)
				default:
					// queue is busy, so a write is about to happen anyway
				}
			}
		}
	}
}

// dispatchLoop delivers messages to subscription handlers. It is separate
// from the read loop so handlers can wait for receipts, and the queue between
// them is unbounded so the read loop never waits on a handler.
func (c *Client) dispatchLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.dispatch.ready:
		}

		for _, msg := range l.dispatch.drain() {
			if l.ctx.Err() != nil {
				return
			}
			c.deliver(l, msg)
		}
	}
}

func (c *Client) deliver(l *link, msg *message) {
	c.subsMu.RLock()
	sub, exists := c.subs[msg.SubscriptionID()]
	c.subsMu.RUnlock()

	if !exists {
		c.logger.Debug("Dropping message for unknown subscription",
			zap.String("subscription", msg.SubscriptionID()),
			zap.String("destination", msg.Destination()))
		return
	}

	msg.ackMode = sub.AckMode
	if err := sub.Handler(l.ctx, msg); err != nil {
		c.metrics.RecordHandlerError(l.ctx, msg.Destination())
		c.logger.Warn("Message handler error",
			zap.String("subscription", sub.ID),
			zap.String("destination", msg.Destination()),
			zap.Error(err))
	}
}

// handleFrame processes one incoming frame. It returns false when the read
// loop should stop.
func (c *Client) handleFrame(l *link, f *wire.Frame) bool {
	c.metrics.RecordFrameReceived(l.ctx, f.Command)
	header := wire.HeaderOf(f)

	switch f.Command {
	case wire.MESSAGE:
		l.dispatch.push(&message{client: c, link: l, header: header, body: f.Body})

	case wire.RECEIPT:
		c.resolvePending(header.Get(stompws.HeaderReceiptID), nil)

	case wire.ERROR:
		serverErr := stompws.NewServerError(header, f.Body)
		if id := header.Get(stompws.HeaderReceiptID); id != "" {
			c.resolvePending(id, serverErr)
		}

		c.logger.Error("STOMP server error", zap.String("message", serverErr.Message), zap.ByteString("body", f.Body))
		if c.monitor != nil {
			c.monitor.OnError(l.ctx, c, serverErr)
		}

		// the broker closes the connection after an ERROR
		c.notifyDisconnectError(l, "server error: "+serverErr.Message, serverErr)
		return false

	default:
		c.logger.Warn("Unexpected STOMP frame", zap.String("command", f.Command))
	}

	return true
}

// dispatchQueue is an unbounded FIFO of received messages. ready is signalled
// whenever messages are pushed.
type dispatchQueue struct {
	mu    sync.Mutex
	items []*message
	ready chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{ready: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(msg *message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued messages.
func (q *dispatchQueue) drain() []*message {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
