package realtime

import (
	"encoding/json"
	"sync"
)

// mailbox runs queued deliveries for one channel on its own goroutine, in
// order. push never blocks, so a slow handler cannot stall a topic.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{wake: make(chan struct{}, 1)}
	go m.run()
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()
	m.signal()
}

// close stops accepting work. With drain set, already queued work still runs.
func (m *mailbox) close(drain bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if !drain {
		m.items = nil
	}
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for range m.wake {
		for {
			m.mu.Lock()
			items := m.items
			m.items = nil
			closed := m.closed
			m.mu.Unlock()

			for _, fn := range items {
				fn()
			}
			if len(items) > 0 {
				continue
			}
			if closed {
				return
			}
			break
		}
	}
}

func deliverPresence(box *mailbox, h Handlers, state map[string][]json.RawMessage) {
	if h.Presence == nil {
		return
	}
	box.push(func() { h.Presence(state) })
}

func deliverBroadcast(box *mailbox, h Handlers, event string, payload json.RawMessage) {
	if h.Broadcast == nil {
		return
	}
	box.push(func() { h.Broadcast(event, payload) })
}

func deliverStatus(box *mailbox, h Handlers, status Status) {
	if h.Status == nil {
		return
	}
	box.push(func() { h.Status(status) })
}
