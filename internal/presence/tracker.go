package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lexreport/api/internal/realtime"
)

// Tracker publishes one participant's record on a presence channel. Every
// change republishes the whole record under the participant's user id.
type Tracker struct {
	ch  realtime.Channel
	now func() time.Time

	mu      sync.Mutex
	selfID  string
	current *User
}

func NewTracker(ch realtime.Channel, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{ch: ch, now: now}
}

// Join publishes the initial record. Joining again replaces it.
func (t *Tracker) Join(ctx context.Context, id Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selfID = id.UserID
	t.current = &User{
		UserID:    id.UserID,
		UserName:  id.UserName,
		UserEmail: id.UserEmail,
		Color:     ColorFor(id.UserID),
		LastSeen:  t.now(),
	}
	return t.publishLocked(ctx)
}

// UpdateSection moves the participant to sectionID, nil meaning none. It is
// a no-op before Join and after Leave.
func (t *Tracker) UpdateSection(ctx context.Context, sectionID *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	if sectionID != nil {
		id := *sectionID
		sectionID = &id
	}
	t.current.SectionID = sectionID
	t.current.LastSeen = t.now()
	return t.publishLocked(ctx)
}

func (t *Tracker) UpdateCursor(ctx context.Context, blockIndex, offset int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	t.current.CursorPosition = &Cursor{BlockIndex: blockIndex, Offset: offset}
	t.current.LastSeen = t.now()
	return t.publishLocked(ctx)
}

// Republish sends the last known record again, used once a dropped
// connection is back.
func (t *Tracker) Republish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	t.current.LastSeen = t.now()
	return t.publishLocked(ctx)
}

// Leave withdraws the record. Calling it twice is fine.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	t.current = nil
	if err := t.ch.Untrack(ctx); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

// Current returns a copy of the published record.
func (t *Tracker) Current() (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return User{}, false
	}
	return *t.current, true
}

func (t *Tracker) UsersInSection(state State, sectionID string) []User {
	return UsersInSection(state, sectionID, t.self())
}

func (t *Tracker) ActiveUsers(state State) []User {
	return ActiveUsers(state, t.self(), t.now())
}

func (t *Tracker) self() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfID
}

func (t *Tracker) publishLocked(ctx context.Context) error {
	payload, err := json.Marshal(t.current)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := t.ch.Track(ctx, t.current.UserID, payload); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}
