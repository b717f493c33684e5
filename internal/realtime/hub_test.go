package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	states   []map[string][]json.RawMessage
	events   []string
	payloads []json.RawMessage
	statuses []Status
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Presence: func(state map[string][]json.RawMessage) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		Broadcast: func(event string, payload json.RawMessage) {
			r.mu.Lock()
			r.events = append(r.events, event)
			r.payloads = append(r.payloads, payload)
			r.mu.Unlock()
		},
		Status: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastState() map[string][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return nil
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestHubPresenceReplicatesToAllMembers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()
	topic := PresenceTopic("r1")

	var a, b recorder
	chA, err := hub.Join(ctx, topic, a.handlers())
	require.NoError(t, err)
	chB, err := hub.Join(ctx, topic, b.handlers())
	require.NoError(t, err)

	require.NoError(t, chA.Track(ctx, "u1", json.RawMessage(`{"userId":"u1"}`)))
	require.NoError(t, chB.Track(ctx, "u2", json.RawMessage(`{"userId":"u2"}`)))

	eventually(t, func() bool { return len(b.lastState()) == 2 })
	eventually(t, func() bool { return len(a.lastState()) == 2 })
	assert.JSONEq(t, `{"userId":"u1"}`, string(b.lastState()["u1"][0]))

	// tracking again replaces rather than appends
	require.NoError(t, chA.Track(ctx, "u1", json.RawMessage(`{"userId":"u1","v":2}`)))
	eventually(t, func() bool {
		s := b.lastState()
		return len(s["u1"]) == 1 && string(s["u1"][0]) == `{"userId":"u1","v":2}`
	})

	require.NoError(t, chA.Leave(ctx))
	eventually(t, func() bool {
		_, ok := b.lastState()["u1"]
		return !ok
	})
	assert.Equal(t, 1, hub.Members(topic))
}

func TestHubSameKeyFromTwoChannels(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()
	topic := PresenceTopic("r1")

	var obs recorder
	_, err := hub.Join(ctx, topic, obs.handlers())
	require.NoError(t, err)
	tab1, err := hub.Join(ctx, topic, Handlers{})
	require.NoError(t, err)
	tab2, err := hub.Join(ctx, topic, Handlers{})
	require.NoError(t, err)

	require.NoError(t, tab1.Track(ctx, "u1", json.RawMessage(`{"tab":1}`)))
	require.NoError(t, tab2.Track(ctx, "u1", json.RawMessage(`{"tab":2}`)))
	eventually(t, func() bool { return len(obs.lastState()["u1"]) == 2 })

	require.NoError(t, tab2.Untrack(ctx))
	eventually(t, func() bool { return len(obs.lastState()["u1"]) == 1 })
}

func TestHubBroadcastReachesSender(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()
	topic := SyncTopic("r1")

	var a, b recorder
	chA, err := hub.Join(ctx, topic, a.handlers())
	require.NoError(t, err)
	_, err = hub.Join(ctx, topic, b.handlers())
	require.NoError(t, err)

	require.NoError(t, chA.Broadcast(ctx, "content_change", json.RawMessage(`{"x":1}`)))
	require.NoError(t, hub.Publish(ctx, topic, "section_persisted", json.RawMessage(`{}`)))

	eventually(t, func() bool { return a.eventCount() == 2 && b.eventCount() == 2 })
	b.mu.Lock()
	assert.Equal(t, []string{"content_change", "section_persisted"}, b.events)
	b.mu.Unlock()
}

func TestHubLeftChannelRejectsCalls(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()

	ch, err := hub.Join(ctx, SyncTopic("r1"), Handlers{})
	require.NoError(t, err)
	require.NoError(t, ch.Leave(ctx))
	require.NoError(t, ch.Leave(ctx), "leave is idempotent")

	assert.ErrorIs(t, ch.Broadcast(ctx, "e", nil), ErrChannelClosed)
	assert.ErrorIs(t, ch.Track(ctx, "k", nil), ErrChannelClosed)
	assert.Equal(t, 0, hub.Members(SyncTopic("r1")))
}

func TestHubCloseDeliversClosed(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()

	var r recorder
	_, err := hub.Join(ctx, SyncTopic("r1"), r.handlers())
	require.NoError(t, err)
	hub.Close()

	eventually(t, func() bool { return len(r.statusList()) == 2 })
	assert.Equal(t, []Status{StatusConnected, StatusClosed}, r.statusList())

	_, err = hub.Join(ctx, SyncTopic("r1"), Handlers{})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestParseTopic(t *testing.T) {
	id, kind, err := ParseTopic(PresenceTopic("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, KindPresence, kind)

	for _, bad := range []string{"", "report::sync", "doc:abc:sync", "report:abc:chat", "report:a:b:sync"} {
		_, _, err := ParseTopic(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}
}

func TestStepBackoff(t *testing.T) {
	d, ok := StepBackoff(1)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	d, _ = StepBackoff(9)
	assert.Equal(t, 10*time.Second, d)

	limited := LimitedBackoff(StepBackoff, 2)
	_, ok = limited(3)
	assert.False(t, ok)
}
