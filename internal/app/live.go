package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"lexreport/api/internal/livesync"
	"lexreport/api/internal/metrics"
	"lexreport/api/internal/rbac"
	"lexreport/api/internal/realtime"
)

const (
	liveWriteWait   = 10 * time.Second
	livePongWait    = 60 * time.Second
	livePingPeriod  = 30 * time.Second
	liveMaxFrame    = 1 << 20
	liveSendBuffer  = 256
	liveLeaveWindow = 5 * time.Second
)

var (
	errNotJoined     = errors.New("topic not joined")
	errAlreadyJoined = errors.New("topic already joined")
	errRateLimited   = errors.New("rate limited")
	errForbidden     = errors.New("forbidden")
	errForeignKey    = errors.New("presence key must be the caller's user id")
	errUnknownFrame  = errors.New("unknown frame type")
	errEventRefused  = errors.New("event not accepted from clients")
	errForeignAuthor = errors.New("change author must be the caller's user id")
)

// LiveBackend is what the realtime endpoint relays to: the in-process hub
// or the Redis transport.
type LiveBackend interface {
	realtime.Transport
	realtime.Publisher
}

// LiveServer upgrades authenticated requests to websockets and maps the
// frame protocol onto a backend transport.
type LiveServer struct {
	service   *Service
	transport LiveBackend
	upgrader  websocket.Upgrader
	limit     rate.Limit
	burst     int
	log       zerolog.Logger

	mu    sync.Mutex
	conns map[*liveConn]struct{}
}

func NewLiveServer(service *Service, transport LiveBackend, log zerolog.Logger) *LiveServer {
	l := &LiveServer{
		service:   service,
		transport: transport,
		limit:     rate.Limit(service.cfg.BroadcastRate),
		burst:     service.cfg.BroadcastBurst,
		log:       log.With().Str("component", "live").Logger(),
		conns:     make(map[*liveConn]struct{}),
	}
	if l.limit <= 0 {
		l.limit = rate.Inf
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	corsOrigin := service.cfg.CORSOrigin
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || corsOrigin == "" || corsOrigin == "*" || strings.EqualFold(origin, corsOrigin)
		},
	}
	return l
}

func (l *LiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := l.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &liveConn{
		server:  l,
		session: session,
		ws:      ws,
		limiter: rate.NewLimiter(l.limit, l.burst),
		send:    make(chan realtime.Frame, liveSendBuffer),
		done:    make(chan struct{}),
		topics:  make(map[string]realtime.Channel),
		log:     l.log.With().Str("user_id", session.UserID).Logger(),
	}
	if !l.register(c) {
		_ = ws.Close()
		return
	}
	metrics.LiveConnections.Inc()
	c.log.Debug().Msg("connected")

	go c.writePump()
	c.readPump()
}

func (l *LiveServer) register(c *liveConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns == nil {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *LiveServer) unregister(c *liveConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns != nil {
		delete(l.conns, c)
	}
}

// Shutdown closes every open connection with a going-away frame and stops
// accepting new ones.
func (l *LiveServer) Shutdown() {
	l.mu.Lock()
	conns := make([]*liveConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = nil
	l.mu.Unlock()

	for _, c := range conns {
		c.goAway()
	}
}

type liveConn struct {
	server  *LiveServer
	session Session
	ws      *websocket.Conn
	limiter *rate.Limiter
	log     zerolog.Logger

	send      chan realtime.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex // protects topics
	topics map[string]realtime.Channel
}

func (c *liveConn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(liveMaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(livePongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		var f realtime.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(livePongWait))

		reply := c.handle(f)
		status := reply.Status
		metrics.Frames.WithLabelValues(f.Type, status).Inc()
		if status == realtime.ReplyError {
			c.log.Debug().Str("type", f.Type).Str("topic", f.Topic).Str("error", reply.Error).Msg("frame rejected")
		}
		c.enqueue(reply)
	}
}

func (c *liveConn) writePump() {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands f to the writer. A client that cannot keep up is dropped.
func (c *liveConn) enqueue(f realtime.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	case <-c.done:
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.stop()
	}
}

func (c *liveConn) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *liveConn) goAway() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(liveWriteWait))
	c.stop()
	_ = c.ws.Close()
}

func (c *liveConn) teardown() {
	c.stop()
	c.server.unregister(c)

	c.mu.Lock()
	topics := c.topics
	c.topics = make(map[string]realtime.Channel)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), liveLeaveWindow)
	defer cancel()
	for topic, ch := range topics {
		if err := ch.Leave(ctx); err != nil && !errors.Is(err, realtime.ErrChannelClosed) && !errors.Is(err, realtime.ErrTransportClosed) {
			c.log.Warn().Err(err).Str("topic", topic).Msg("leave on disconnect failed")
		}
		metrics.JoinedTopics.WithLabelValues(topicKind(topic)).Dec()
	}
	metrics.LiveConnections.Dec()
	c.log.Debug().Int("topics", len(topics)).Msg("disconnected")
}

func (c *liveConn) handle(f realtime.Frame) realtime.Frame {
	ctx, cancel := context.WithTimeout(context.Background(), liveWriteWait)
	defer cancel()

	var (
		reply realtime.Frame
		err   error
	)
	switch f.Type {
	case realtime.FrameJoin:
		reply, err = c.join(ctx, f)
	case realtime.FrameTrack:
		err = c.track(ctx, f)
	case realtime.FrameUntrack:
		err = c.withChannel(f.Topic, func(ch realtime.Channel) error { return ch.Untrack(ctx) })
	case realtime.FrameBroadcast:
		err = c.broadcast(ctx, f)
	case realtime.FrameLeave:
		err = c.leave(ctx, f.Topic)
	default:
		err = fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
	if err != nil {
		return realtime.ErrorReply(f.Ref, err)
	}
	if reply.Type == "" {
		reply = realtime.OKReply(f.Ref)
	}
	return reply
}

func (c *liveConn) join(ctx context.Context, f realtime.Frame) (realtime.Frame, error) {
	_, kind, err := realtime.ParseTopic(f.Topic)
	if err != nil {
		return realtime.Frame{}, err
	}
	action := rbac.ActionRead
	if kind == realtime.KindPresence {
		action = rbac.ActionPresence
	}
	if !c.server.service.Can(c.session.Role, action) {
		return realtime.Frame{}, errForbidden
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[f.Topic]; ok {
		return realtime.Frame{}, errAlreadyJoined
	}

	topic := f.Topic
	ch, err := c.server.transport.Join(ctx, topic, realtime.Handlers{
		Presence: func(state map[string][]json.RawMessage) {
			c.enqueue(realtime.Frame{Type: realtime.FramePresenceState, Topic: topic, State: state})
		},
		Broadcast: func(event string, payload json.RawMessage) {
			c.enqueue(realtime.Frame{Type: realtime.FrameBroadcast, Topic: topic, Event: event, Payload: payload})
		},
		Status: func(status realtime.Status) {
			if status == realtime.StatusClosed {
				c.log.Info().Str("topic", topic).Msg("backend closed topic")
				c.stop()
			}
		},
	})
	if err != nil {
		return realtime.Frame{}, err
	}
	c.topics[topic] = ch
	metrics.JoinedTopics.WithLabelValues(kind).Inc()

	reply := realtime.OKReply(f.Ref)
	reply.Topic = topic
	reply.Member = ch.Ref()
	return reply, nil
}

func (c *liveConn) track(ctx context.Context, f realtime.Frame) error {
	if f.Key != c.session.UserID {
		return errForeignKey
	}
	if !json.Valid(f.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return c.withChannel(f.Topic, func(ch realtime.Channel) error { return ch.Track(ctx, f.Key, f.Payload) })
}

// broadcast goes through the joined channel when there is one, otherwise it
// is published to the topic without membership.
func (c *liveConn) broadcast(ctx context.Context, f realtime.Frame) error {
	if !c.server.service.Can(c.session.Role, rbac.ActionWrite) {
		return errForbidden
	}
	if strings.TrimSpace(f.Event) == "" {
		return errors.New("event is required")
	}
	_, kind, err := realtime.ParseTopic(f.Topic)
	if err != nil {
		return err
	}
	if kind == realtime.KindSync {
		if err := c.checkSyncEvent(f); err != nil {
			return err
		}
	}
	if !c.limiter.Allow() {
		metrics.RateLimited.Inc()
		return errRateLimited
	}

	c.mu.Lock()
	ch := c.topics[f.Topic]
	c.mu.Unlock()
	if ch != nil {
		return ch.Broadcast(ctx, f.Event, f.Payload)
	}
	return c.server.transport.Publish(ctx, f.Topic, f.Event, f.Payload)
}

// checkSyncEvent admits only content changes authored by the caller.
// section_persisted is published by the relay alone.
func (c *liveConn) checkSyncEvent(f realtime.Frame) error {
	if f.Event != livesync.EventContentChange {
		return errEventRefused
	}
	change, err := livesync.DecodeChange(f.Event, f.Payload)
	if err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	if change.UserID != c.session.UserID {
		return errForeignAuthor
	}
	return nil
}

func (c *liveConn) leave(ctx context.Context, topic string) error {
	c.mu.Lock()
	ch, ok := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()
	if !ok {
		return errNotJoined
	}
	metrics.JoinedTopics.WithLabelValues(topicKind(topic)).Dec()
	return ch.Leave(ctx)
}

func (c *liveConn) withChannel(topic string, fn func(realtime.Channel) error) error {
	c.mu.Lock()
	ch := c.topics[topic]
	c.mu.Unlock()
	if ch == nil {
		return errNotJoined
	}
	return fn(ch)
}

func topicKind(topic string) string {
	_, kind, err := realtime.ParseTopic(topic)
	if err != nil {
		return "unknown"
	}
	return kind
}
