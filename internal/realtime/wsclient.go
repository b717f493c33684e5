package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrDisconnected = errors.New("realtime: disconnected")

// RejectedError is a request the server answered with an error reply.
type RejectedError struct {
	Op     string
	Topic  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Topic, e.Reason)
}

const (
	wsWriteWait = 10 * time.Second
	// The server pings every 30s; miss two and the link counts as lost.
	wsReadWait = 75 * time.Second
)

// Backoff returns the delay before reconnect attempt n (1-based) and whether
// to try at all.
type Backoff func(attempt int) (time.Duration, bool)

// StepBackoff waits 1s, 2s, 5s and then 10s between attempts and never
// gives up.
func StepBackoff(attempt int) (time.Duration, bool) {
	steps := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	if attempt >= 1 && attempt <= len(steps) {
		return steps[attempt-1], true
	}
	return 10 * time.Second, true
}

// LimitedBackoff wraps b and gives up after max attempts.
func LimitedBackoff(b Backoff, max int) Backoff {
	return func(attempt int) (time.Duration, bool) {
		if attempt > max {
			return 0, false
		}
		return b(attempt)
	}
}

type WSOption func(*WSClient)

func WithBackoff(b Backoff) WSOption {
	return func(c *WSClient) { c.backoff = b }
}

func WithHeader(h http.Header) WSOption {
	return func(c *WSClient) { c.header = h }
}

func WithDialer(d *websocket.Dialer) WSOption {
	return func(c *WSClient) { c.dialer = d }
}

// WSClient multiplexes topics over one websocket connection to the server's
// realtime endpoint. A lost connection is redialed in the background and
// every joined topic is joined again; channels see StatusDisconnected and
// then StatusConnected, or StatusClosed once the backoff gives up.
type WSClient struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff Backoff
	log     zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex // protects the fields below
	conn     *websocket.Conn
	seq      uint64
	pending  map[string]chan Frame
	channels map[string]*wsChannel
	closed   bool
	done     chan struct{}
}

// DialWS connects to url (ws:// or wss://).
func DialWS(ctx context.Context, url string, log zerolog.Logger, opts ...WSOption) (*WSClient, error) {
	c := &WSClient{
		url:      url,
		dialer:   websocket.DefaultDialer,
		backoff:  StepBackoff,
		log:      log.With().Str("component", "ws-client").Logger(),
		pending:  make(map[string]chan Frame),
		channels: make(map[string]*wsChannel),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (c *WSClient) Join(ctx context.Context, topic string, handlers Handlers) (Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if _, dup := c.channels[topic]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: %s already joined", topic)
	}
	ch := &wsChannel{client: c, topic: topic, handlers: handlers, box: newMailbox()}
	// registered before the join so an early presence_state is not lost
	c.channels[topic] = ch
	c.mu.Unlock()

	reply, err := c.request(ctx, Frame{Type: FrameJoin, Topic: topic})
	if err != nil {
		c.forget(ch)
		ch.box.close(false)
		return nil, err
	}
	ch.setRef(reply.Member)
	deliverStatus(ch.box, handlers, StatusConnected)
	return ch, nil
}

func (c *WSClient) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	_, err := c.request(ctx, Frame{Type: FrameBroadcast, Topic: topic, Event: event, Payload: payload})
	return err
}

// Close leaves the connection for good. Channels still joined see
// StatusClosed.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	channels := c.takeChannelsLocked()
	c.failPendingLocked()
	c.mu.Unlock()

	for _, ch := range channels {
		ch.terminate()
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *WSClient) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrTransportClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Frame{}, ErrDisconnected
	}
	c.seq++
	f.Ref = strconv.FormatUint(c.seq, 10)
	reply := make(chan Frame, 1)
	c.pending[f.Ref] = reply
	c.mu.Unlock()

	if err := c.write(conn, f); err != nil {
		c.dropPending(f.Ref)
		return Frame{}, fmt.Errorf("%s %s: %w", f.Type, f.Topic, err)
	}

	select {
	case r := <-reply:
		if r.Status != ReplyOK {
			if r.Error == ErrDisconnected.Error() {
				return r, ErrDisconnected
			}
			return r, &RejectedError{Op: f.Type, Topic: f.Topic, Reason: r.Error}
		}
		return r, nil
	case <-ctx.Done():
		c.dropPending(f.Ref)
		return Frame{}, ctx.Err()
	}
}

func (c *WSClient) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}

func (c *WSClient) dropPending(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *WSClient) failPendingLocked() {
	for ref, reply := range c.pending {
		reply <- Frame{Type: FrameReply, Ref: ref, Status: ReplyError, Error: ErrDisconnected.Error()}
	}
	c.pending = make(map[string]chan Frame)
}

func (c *WSClient) forget(ch *wsChannel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}

func (c *WSClient) takeChannelsLocked() []*wsChannel {
	out := make([]*wsChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.channels = make(map[string]*wsChannel)
	return out
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.connectionLost(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		c.route(f)
	}
}

func (c *WSClient) route(f Frame) {
	c.mu.Lock()
	if f.Type == FrameReply {
		reply, ok := c.pending[f.Ref]
		delete(c.pending, f.Ref)
		c.mu.Unlock()
		if ok {
			reply <- f
		}
		return
	}
	ch := c.channels[f.Topic]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	switch f.Type {
	case FramePresenceState:
		state := f.State
		if state == nil {
			state = map[string][]json.RawMessage{}
		}
		deliverPresence(ch.box, ch.handlers, state)
	case FrameBroadcast:
		deliverBroadcast(ch.box, ch.handlers, f.Event, f.Payload)
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

func (c *WSClient) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked()
	channels := make([]*wsChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn().Err(cause).Int("topics", len(channels)).Msg("connection lost")
	for _, ch := range channels {
		deliverStatus(ch.box, ch.handlers, StatusDisconnected)
	}
	go c.reconnect()
}

func (c *WSClient) reconnect() {
	for attempt := 1; ; attempt++ {
		delay, retry := c.backoff(attempt)
		if !retry {
			c.giveUp()
			return
		}
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		channels := make([]*wsChannel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.mu.Unlock()

		go c.readLoop(conn)
		c.log.Info().Int("attempt", attempt).Int("topics", len(channels)).Msg("reconnected")
		for _, ch := range channels {
			ch.rejoin()
		}
		return
	}
}

func (c *WSClient) giveUp() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	channels := c.takeChannelsLocked()
	c.mu.Unlock()

	c.log.Error().Msg("giving up on reconnect")
	for _, ch := range channels {
		ch.terminate()
	}
}

type wsChannel struct {
	client   *WSClient
	topic    string
	handlers Handlers
	box      *mailbox

	mu   sync.Mutex
	ref  string
	left bool
}

func (ch *wsChannel) Ref() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ref
}

func (ch *wsChannel) setRef(ref string) {
	ch.mu.Lock()
	ch.ref = ref
	ch.mu.Unlock()
}

func (ch *wsChannel) isLeft() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.left
}

func (ch *wsChannel) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
	defer cancel()
	reply, err := ch.client.request(ctx, Frame{Type: FrameJoin, Topic: ch.topic})
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		ch.client.log.Warn().Err(err).Str("topic", ch.topic).Msg("rejoin refused, closing channel")
		ch.client.forget(ch)
		ch.terminate()
		return
	case err != nil:
		// the read loop notices a dead link and starts another round
		ch.client.log.Warn().Err(err).Str("topic", ch.topic).Msg("rejoin failed")
		return
	}
	ch.setRef(reply.Member)
	deliverStatus(ch.box, ch.handlers, StatusConnected)
}

func (ch *wsChannel) terminate() {
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return
	}
	ch.left = true
	ch.mu.Unlock()
	deliverStatus(ch.box, ch.handlers, StatusClosed)
	ch.box.close(true)
}

func (ch *wsChannel) Track(ctx context.Context, key string, payload json.RawMessage) error {
	if ch.isLeft() {
		return ErrChannelClosed
	}
	_, err := ch.client.request(ctx, Frame{Type: FrameTrack, Topic: ch.topic, Key: key, Payload: payload})
	return err
}

func (ch *wsChannel) Untrack(ctx context.Context) error {
	if ch.isLeft() {
		return ErrChannelClosed
	}
	_, err := ch.client.request(ctx, Frame{Type: FrameUntrack, Topic: ch.topic})
	return err
}

func (ch *wsChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	if ch.isLeft() {
		return ErrChannelClosed
	}
	_, err := ch.client.request(ctx, Frame{Type: FrameBroadcast, Topic: ch.topic, Event: event, Payload: payload})
	return err
}

func (ch *wsChannel) Leave(ctx context.Context) error {
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return nil
	}
	ch.left = true
	ch.mu.Unlock()

	c := ch.client
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
	ch.box.close(false)

	_, err := c.request(ctx, Frame{Type: FrameLeave, Topic: ch.topic})
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return err
}
