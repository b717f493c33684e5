// Package livesync carries section content changes between the collaborators
// of a report. Two sources feed it: low-latency broadcasts sent by editors
// and notifications relayed after a section is persisted.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexreport/api/internal/blocks"
	"lexreport/api/internal/metrics"
	"lexreport/api/internal/realtime"
)

// Events on a report's sync topic.
const (
	EventContentChange    = "content_change"
	EventSectionPersisted = "section_persisted"
)

// UnknownAuthor stands in when a persisted row has no author.
const UnknownAuthor = "unknown"

type Source string

const (
	SourceBroadcast Source = "broadcast"
	SourcePersisted Source = "persisted"
)

var errMissingSection = errors.New("missing sectionId")

// Change is a normalized inbound event from either source.
type Change struct {
	SectionID     string
	ContentBlocks []blocks.Block
	UserID        string
	Timestamp     time.Time
	Source        Source
}

// Payload is the wire form shared by both events.
type Payload struct {
	SectionID     string         `json:"sectionId"`
	ContentBlocks []blocks.Block `json:"contentBlocks"`
	UserID        string         `json:"userId"`
	Timestamp     int64          `json:"timestamp"`
}

func EncodePayload(sectionID string, list []blocks.Block, userID string, at time.Time) (json.RawMessage, error) {
	if list == nil {
		list = []blocks.Block{}
	}
	data, err := json.Marshal(Payload{
		SectionID:     sectionID,
		ContentBlocks: list,
		UserID:        userID,
		Timestamp:     at.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode sync payload: %w", err)
	}
	return data, nil
}

// DecodeChange normalizes one sync topic event.
func DecodeChange(event string, payload json.RawMessage) (Change, error) {
	var source Source
	switch event {
	case EventContentChange:
		source = SourceBroadcast
	case EventSectionPersisted:
		source = SourcePersisted
	default:
		return Change{}, fmt.Errorf("unknown event %q", event)
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Change{}, err
	}
	if p.SectionID == "" {
		return Change{}, errMissingSection
	}
	if p.UserID == "" {
		p.UserID = UnknownAuthor
	}
	if p.ContentBlocks == nil {
		p.ContentBlocks = []blocks.Block{}
	}
	return Change{
		SectionID:     p.SectionID,
		ContentBlocks: p.ContentBlocks,
		UserID:        p.UserID,
		Timestamp:     time.UnixMilli(p.Timestamp),
		Source:        source,
	}, nil
}

type Handler func(Change)

// Adapter normalizes inbound sync events for one participant and sends its
// broadcasts. It does not drop the participant's own changes.
type Adapter struct {
	userID string
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	ch      realtime.Channel
	handler Handler
	dropped int
}

func NewAdapter(userID string, now func() time.Time, log zerolog.Logger) *Adapter {
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		userID: userID,
		now:    now,
		log:    log.With().Str("component", "livesync").Logger(),
	}
}

// Bind sets the sync channel broadcasts go out on.
func (a *Adapter) Bind(ch realtime.Channel) {
	a.mu.Lock()
	a.ch = ch
	a.mu.Unlock()
}

// Subscribe registers the handler for every inbound change.
func (a *Adapter) Subscribe(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Unsubscribe stops delivery and broadcasting. It is idempotent.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	a.handler = nil
	a.ch = nil
	a.mu.Unlock()
}

// Deliver is the channel's broadcast handler. Events that do not decode are
// logged and dropped.
func (a *Adapter) Deliver(event string, payload json.RawMessage) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return
	}

	change, err := DecodeChange(event, payload)
	if err != nil {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		reason := "malformed"
		if errors.Is(err, errMissingSection) {
			reason = "missing_section"
		}
		metrics.SyncDropped.WithLabelValues(reason).Inc()
		a.log.Warn().Err(err).Str("event", event).Msg("dropping sync event")
		return
	}
	h(change)
}

// Dropped counts events discarded by Deliver.
func (a *Adapter) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// BroadcastChange sends blocks for sectionID tagged with this participant
// and the current time. Without a bound channel it does nothing.
func (a *Adapter) BroadcastChange(ctx context.Context, sectionID string, list []blocks.Block) error {
	a.mu.Lock()
	ch := a.ch
	a.mu.Unlock()
	if ch == nil {
		return nil
	}

	payload, err := EncodePayload(sectionID, list, a.userID, a.now())
	if err != nil {
		return err
	}
	if err := ch.Broadcast(ctx, EventContentChange, payload); err != nil {
		return fmt.Errorf("broadcast change: %w", err)
	}
	return nil
}
