package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/wire"
	"go.uber.org/zap"
)

// outbound is a frame queued for the sender goroutine.
type outbound struct {
	command string
	data    []byte
	close   bool // close the connection once written
}

// connection serves one STOMP session. Session state is owned by the
// reader goroutine; subscriptions are shared with the router and guarded
// by mu.
type connection struct {
	listener *Listener
	config   *ListenerBuilder
	request  *http.Request
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	session   string
	version   string
	heartBeat stompws.HeartBeat

	mu   sync.Mutex
	subs map[string]*subscription

	outbound    chan outbound
	senderDone  chan struct{}
	lastWrite   atomic.Int64
	cleanupOnce sync.Once
}

func newConnection(r *http.Request, conn *websocket.Conn, l *Listener) *connection {
	ctx, cancel := context.WithCancel(r.Context())
	conn.SetReadLimit(l.config.readLimit)

	return &connection{
		listener:   l,
		config:     l.config,
		request:    r,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		logger:     l.logger.With(zap.String("remote_addr", r.RemoteAddr)),
		subs:       make(map[string]*subscription),
		outbound:   make(chan outbound, l.config.queueSize),
		senderDone: make(chan struct{}),
	}
}

// Start serves the session and blocks until it ends.
func (c *connection) Start() {
	defer c.cleanup()

	leftover, err := c.handshake()
	if err != nil {
		c.logger.Debug("STOMP handshake failed", zap.Error(err))
		close(c.senderDone)
		return
	}

	c.lastWrite.Store(time.Now().UnixNano())
	go c.sender()

	closing := false
	for _, f := range leftover {
		if closing = c.handleFrame(f); closing {
			break
		}
	}
	if !closing {
		closing = c.reader()
	}

	if closing {
		// let the sender flush the final RECEIPT or ERROR
		select {
		case <-c.senderDone:
		case <-time.After(c.config.writeTimeout):
		}
	}
}

// handshake waits for CONNECT (or STOMP) and answers CONNECTED. Frames that
// arrived in the same WebSocket message after CONNECT are returned.
func (c *connection) handshake() ([]*wire.Frame, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.connectTimeout)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}

		frames, _, err := wire.Decode(data)
		if err != nil {
			return nil, c.rejectConnect(err, nil)
		}
		if len(frames) == 0 {
			continue
		}

		f := frames[0]
		c.listener.metrics.RecordFrameReceived(c.ctx, f.Command)
		if f.Command != wire.CONNECT && f.Command != wire.STOMP {
			return nil, c.rejectConnect(fmt.Errorf("expected CONNECT frame, got %s", f.Command), nil)
		}

		header := wire.HeaderOf(f)
		version, err := wire.NegotiateVersion(header.Get(stompws.HeaderAcceptVersion))
		if err != nil {
			return nil, c.rejectConnect(err, stompws.Header{stompws.HeaderVersion: wire.AcceptVersion()})
		}
		c.version = version

		if err := c.config.authenticator(ctx, c.request, header); err != nil {
			c.listener.metrics.RecordConnectionError(c.ctx, "auth")
			return nil, c.rejectConnect(fmt.Errorf("authentication failed: %w", err), nil)
		}

		clientHeartBeat, err := wire.ParseHeartBeat(header.Get(stompws.HeaderHeartBeat))
		if err != nil {
			return nil, c.rejectConnect(err, nil)
		}
		c.heartBeat = wire.NegotiateHeartBeat(c.config.heartBeat, clientHeartBeat)
		c.session = "session-" + uuid.NewString()
		c.logger = c.logger.With(zap.String("session", c.session))

		connected := wire.New(wire.CONNECTED, stompws.Header{
			stompws.HeaderVersion:   version,
			stompws.HeaderSession:   c.session,
			stompws.HeaderServer:    ServerName,
			stompws.HeaderHeartBeat: wire.FormatHeartBeat(c.config.heartBeat),
		}, nil)
		if err := c.writeNow(connected); err != nil {
			return nil, err
		}

		c.logger.Debug("STOMP session established",
			zap.String("version", version),
			zap.Duration("heartbeat_out", c.heartBeat.Outgoing),
			zap.Duration("heartbeat_in", c.heartBeat.Incoming),
		)
		return frames[1:], nil
	}
}

// rejectConnect answers a failed handshake with ERROR and closes.
func (c *connection) rejectConnect(cause error, extra stompws.Header) error {
	header := extra.Clone().Merge(stompws.Header{
		stompws.HeaderMessage:     cause.Error(),
		stompws.HeaderContentType: stompws.ContentTypeText,
	})
	if err := c.writeNow(wire.New(wire.ERROR, header, nil)); err != nil {
		c.logger.Debug("Failed to send ERROR", zap.Error(err))
	}
	c.conn.Close(websocket.StatusPolicyViolation, "STOMP handshake failed")
	return cause
}

// reader processes frames until the connection fails or the session ends.
// It returns true when a final frame was queued and the connection should
// close after it is written.
func (c *connection) reader() bool {
	for {
		readCtx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.heartBeat.Incoming > 0 {
			readCtx, cancel = context.WithTimeout(c.ctx, 2*c.heartBeat.Incoming)
		}

		_, data, err := c.conn.Read(readCtx)
		timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			switch {
			case timedOut && c.ctx.Err() == nil:
				c.logger.Info("Heart-beat timeout, closing connection", zap.Duration("incoming", c.heartBeat.Incoming))
			case websocket.CloseStatus(err) != -1:
				c.logger.Debug("WebSocket connection closed by client", zap.Int("close_status", int(websocket.CloseStatus(err))))
			case c.ctx.Err() == nil:
				c.logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return false
		}

		frames, _, err := wire.Decode(data)
		if err != nil {
			c.fail("", "", err)
			return true
		}

		for _, f := range frames {
			if c.handleFrame(f) {
				return true
			}
		}
	}
}

// handleFrame processes one frame and reports whether the session is over.
func (c *connection) handleFrame(f *wire.Frame) bool {
	c.listener.metrics.RecordFrameReceived(c.ctx, f.Command)
	header := wire.HeaderOf(f)
	receipt := header.Get(stompws.HeaderReceipt)

	var err error
	switch f.Command {
	case wire.SUBSCRIBE:
		err = c.subscribe(header)
	case wire.UNSUBSCRIBE:
		err = c.unsubscribe(header)
	case wire.SEND:
		err = c.send(header, f.Body)
	case wire.ACK, wire.NACK:
		err = c.acknowledge(f.Command, header)
	case wire.DISCONNECT:
		c.logger.Debug("Client disconnecting")
		var final *wire.Frame
		if receipt != "" {
			final = wire.New(wire.RECEIPT, stompws.Header{stompws.HeaderReceiptID: receipt}, nil)
		}
		c.enqueueFinal(final)
		return true
	case wire.BEGIN, wire.COMMIT, wire.ABORT:
		err = fmt.Errorf("transactions are not supported")
	case wire.CONNECT, wire.STOMP:
		err = fmt.Errorf("already connected")
	default:
		err = fmt.Errorf("unknown command %s", f.Command)
	}

	if err != nil {
		c.fail(f.Command, receipt, err)
		return true
	}

	if receipt != "" {
		c.enqueue(wire.New(wire.RECEIPT, stompws.Header{stompws.HeaderReceiptID: receipt}, nil))
	}
	return false
}

func (c *connection) subscribe(header stompws.Header) error {
	destination := header.Get(stompws.HeaderDestination)
	if destination == "" {
		return fmt.Errorf("missing destination header")
	}

	id := header.Get(stompws.HeaderID)
	if id == "" {
		if c.version != wire.V10 {
			return fmt.Errorf("missing id header")
		}
		id = destination
	}

	ackMode := header.Get(stompws.HeaderAck)
	switch ackMode {
	case "":
		ackMode = stompws.AckAuto
	case stompws.AckAuto, stompws.AckClient, stompws.AckClientIndividual:
	default:
		return fmt.Errorf("invalid ack mode %q", ackMode)
	}

	if err := c.config.authorizer(c.ctx, wire.SUBSCRIBE, destination); err != nil {
		return err
	}

	sub := &subscription{
		id:          id,
		destination: destination,
		ackMode:     ackMode,
		match:       makeMatcher(destination),
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("subscription %s already exists", id)
	}
	c.subs[id] = sub
	c.mu.Unlock()

	c.listener.router.add(c, sub)
	c.logger.Debug("Subscribed", zap.String("id", id), zap.String("destination", destination), zap.String("ack", ackMode))
	return nil
}

func (c *connection) unsubscribe(header stompws.Header) error {
	id := header.Get(stompws.HeaderID)
	if id == "" && c.version == wire.V10 {
		id = header.Get(stompws.HeaderDestination)
	}
	if id == "" {
		return fmt.Errorf("missing id header")
	}

	c.mu.Lock()
	_, exists := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("no such subscription %s", id)
	}

	c.listener.router.remove(c, id)
	c.logger.Debug("Unsubscribed", zap.String("id", id))
	return nil
}

func (c *connection) send(header stompws.Header, body []byte) error {
	destination := header.Get(stompws.HeaderDestination)
	if destination == "" {
		return fmt.Errorf("missing destination header")
	}

	if err := c.config.authorizer(c.ctx, wire.SEND, destination); err != nil {
		return err
	}

	delivered := c.listener.Publish(c.ctx, destination, header, body)
	c.logger.Debug("Routed message", zap.String("destination", destination), zap.Int("deliveries", delivered))
	return nil
}

func (c *connection) acknowledge(command string, header stompws.Header) error {
	var ackID, subID string
	if c.version == wire.V12 {
		ackID = header.Get(stompws.HeaderID)
		if ackID == "" {
			return fmt.Errorf("missing id header")
		}
	} else {
		ackID = header.Get(stompws.HeaderMessageID)
		subID = header.Get(stompws.HeaderSubscription)
		if ackID == "" {
			return fmt.Errorf("missing message-id header")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if subID != "" {
		if sub, ok := c.subs[subID]; ok && sub.settle(ackID) {
			return nil
		}
	} else {
		for _, sub := range c.subs {
			if sub.settle(ackID) {
				return nil
			}
		}
	}

	return fmt.Errorf("unknown %s id %s", command, ackID)
}

// deliver queues a MESSAGE for sub. It never blocks; when the queue is full
// the message is dropped.
func (c *connection) deliver(ctx context.Context, sub *subscription, messageID, destination string, header stompws.Header, body []byte) bool {
	h := header.Clone()
	delete(h, stompws.HeaderReceipt)
	delete(h, stompws.HeaderContentLength)
	h[stompws.HeaderDestination] = destination
	h[stompws.HeaderSubscription] = sub.id
	h[stompws.HeaderMessageID] = messageID

	needsAck := sub.ackMode != stompws.AckAuto
	if needsAck {
		if c.version == wire.V12 {
			h[stompws.HeaderAck] = messageID
		}
		c.mu.Lock()
		sub.unacked = append(sub.unacked, messageID)
		c.mu.Unlock()
	}

	data, err := wire.Encode(wire.New(wire.MESSAGE, h, body))
	if err == nil {
		select {
		case c.outbound <- outbound{command: wire.MESSAGE, data: data}:
			return true
		case <-c.ctx.Done():
		default:
			c.listener.metrics.RecordDropped(ctx)
			c.logger.Warn("Outbound queue full, dropping message", zap.String("destination", destination))
		}
	}

	if needsAck {
		c.mu.Lock()
		sub.settle(messageID)
		c.mu.Unlock()
	}
	return false
}

// fail answers a rejected frame with ERROR and ends the session.
func (c *connection) fail(command, receipt string, cause error) {
	c.listener.metrics.RecordFrameError(c.ctx, command)
	c.logger.Info("Rejecting frame", zap.String("command", command), zap.Error(cause))

	header := stompws.Header{
		stompws.HeaderMessage:     cause.Error(),
		stompws.HeaderContentType: stompws.ContentTypeText,
	}
	if receipt != "" {
		header[stompws.HeaderReceiptID] = receipt
	}
	c.enqueueFinal(wire.New(wire.ERROR, header, nil))
}

// enqueue queues a control frame, waiting for room if necessary.
func (c *connection) enqueue(f *wire.Frame) {
	c.push(f, false)
}

// enqueueFinal queues f and asks the sender to close afterwards. A nil f
// just closes.
func (c *connection) enqueueFinal(f *wire.Frame) {
	c.push(f, true)
}

func (c *connection) push(f *wire.Frame, final bool) {
	out := outbound{close: final}
	if f != nil {
		data, err := wire.Encode(f)
		if err != nil {
			c.logger.Error("Failed to encode frame", zap.String("command", f.Command), zap.Error(err))
			return
		}
		out.command = f.Command
		out.data = data
	}

	select {
	case c.outbound <- out:
	case <-c.ctx.Done():
	}
}

// sender serializes all writes and sends heart-beats when idle.
func (c *connection) sender() {
	defer close(c.senderDone)

	var heartBeats <-chan time.Time
	if c.heartBeat.Outgoing > 0 {
		ticker := time.NewTicker(c.heartBeat.Outgoing / 2)
		defer ticker.Stop()
		heartBeats = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case out := <-c.outbound:
			if out.data != nil {
				if err := c.write(out.data); err != nil {
					c.logger.Debug("Failed to write frame", zap.String("command", out.command), zap.Error(err))
					c.cancel()
					return
				}
				c.listener.metrics.RecordFrameSent(c.ctx, out.command)
			}
			if out.close {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}

		case now := <-heartBeats:
			if now.Sub(time.Unix(0, c.lastWrite.Load())) >= c.heartBeat.Outgoing/2 {
				data, _ := wire.Encode(nil)
				if err := c.write(data); err != nil {
					c.logger.Debug("Failed to write heart-beat", zap.Error(err))
					c.cancel()
					return
				}
			}
		}
	}
}

func (c *connection) writeNow(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return err
	}
	c.listener.metrics.RecordFrameSent(c.ctx, f.Command)
	return nil
}

func (c *connection) write(data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()

	typ := websocket.MessageText
	if !utf8.Valid(data) {
		typ = websocket.MessageBinary
	}
	if err := c.conn.Write(ctx, typ, data); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// cleanup releases the session. It runs once.
func (c *connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.cancel()
		c.listener.router.removeAll(c)

		if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

// shutdownClose closes the WebSocket, which ends the reader and with it the
// session.
func (c *connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
