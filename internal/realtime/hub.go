package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lexreport/api/internal/util"
)

// Hub is the in-process transport. It keeps every topic in memory and is
// what a single server node uses when Redis is not configured.
type Hub struct {
	log zerolog.Logger

	mu     sync.Mutex // protects the fields below
	topics map[string]*hubTopic
	closed bool
}

type hubTopic struct {
	name    string
	members map[string]*hubMember
}

type hubMember struct {
	ref      string
	topic    *hubTopic
	handlers Handlers
	box      *mailbox
	left     bool

	tracked bool
	key     string
	record  json.RawMessage
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:    log.With().Str("component", "hub").Logger(),
		topics: make(map[string]*hubTopic),
	}
}

func (h *Hub) Join(ctx context.Context, topic string, handlers Handlers) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTransportClosed
	}

	t := h.topics[topic]
	if t == nil {
		t = &hubTopic{name: topic, members: make(map[string]*hubMember)}
		h.topics[topic] = t
	}
	m := &hubMember{
		ref:      util.NewID("conn"),
		topic:    t,
		handlers: handlers,
		box:      newMailbox(),
	}
	t.members[m.ref] = m

	deliverStatus(m.box, handlers, StatusConnected)
	deliverPresence(m.box, handlers, t.snapshot())
	h.log.Debug().Str("topic", topic).Str("ref", m.ref).Int("members", len(t.members)).Msg("joined")
	return &hubChannel{hub: h, member: m}, nil
}

func (h *Hub) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrTransportClosed
	}
	if t := h.topics[topic]; t != nil {
		t.broadcast(event, payload)
	}
	return nil
}

// Close ends every membership with StatusClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.topics {
		for _, m := range t.members {
			m.left = true
			deliverStatus(m.box, m.handlers, StatusClosed)
			m.box.close(true)
		}
	}
	h.topics = make(map[string]*hubTopic)
}

// Members reports how many channels are joined to topic.
func (h *Hub) Members(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[topic]; t != nil {
		return len(t.members)
	}
	return 0
}

func (h *Hub) track(m *hubMember, key string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return ErrChannelClosed
	}
	m.tracked = true
	m.key = key
	m.record = cloneRaw(payload)
	m.topic.syncPresence()
	return nil
}

func (h *Hub) untrack(m *hubMember) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return ErrChannelClosed
	}
	if !m.tracked {
		return nil
	}
	m.tracked = false
	m.key = ""
	m.record = nil
	m.topic.syncPresence()
	return nil
}

func (h *Hub) broadcast(m *hubMember, event string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return ErrChannelClosed
	}
	m.topic.broadcast(event, payload)
	return nil
}

func (h *Hub) leave(m *hubMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return
	}
	m.left = true
	m.box.close(false)

	t := m.topic
	delete(t.members, m.ref)
	if m.tracked {
		t.syncPresence()
	}
	if len(t.members) == 0 && h.topics[t.name] == t {
		delete(h.topics, t.name)
	}
	h.log.Debug().Str("topic", t.name).Str("ref", m.ref).Int("members", len(t.members)).Msg("left")
}

// snapshot builds the replicated map; records under one key are ordered by
// channel ref so every member sees the same lists.
func (t *hubTopic) snapshot() map[string][]json.RawMessage {
	refs := make([]string, 0, len(t.members))
	for ref, m := range t.members {
		if m.tracked {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)

	state := make(map[string][]json.RawMessage, len(refs))
	for _, ref := range refs {
		m := t.members[ref]
		state[m.key] = append(state[m.key], cloneRaw(m.record))
	}
	return state
}

func (t *hubTopic) syncPresence() {
	for _, m := range t.members {
		deliverPresence(m.box, m.handlers, t.snapshot())
	}
}

func (t *hubTopic) broadcast(event string, payload json.RawMessage) {
	for _, m := range t.members {
		deliverBroadcast(m.box, m.handlers, event, cloneRaw(payload))
	}
}

type hubChannel struct {
	hub    *Hub
	member *hubMember
}

func (c *hubChannel) Ref() string { return c.member.ref }

func (c *hubChannel) Track(ctx context.Context, key string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.track(c.member, key, payload)
}

func (c *hubChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.untrack(c.member)
}

func (c *hubChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.broadcast(c.member, event, payload)
}

func (c *hubChannel) Leave(ctx context.Context) error {
	c.hub.leave(c.member)
	return nil
}
