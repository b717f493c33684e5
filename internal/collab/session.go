// Package collab runs one participant's live session on one report: its
// presence record, the report's sync stream and the host callbacks.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexreport/api/internal/blocks"
	"lexreport/api/internal/livesync"
	"lexreport/api/internal/presence"
	"lexreport/api/internal/realtime"
)

type Identity = presence.Identity

type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed           = errors.New("collab: session closed")
	ErrMissingTransport = errors.New("collab: transport is required")
)

const defaultQueueSize = 64

type Options struct {
	Transport realtime.Transport

	// OnPresenceChange gets the active participants and those in the open
	// section, both without the local participant.
	OnPresenceChange func(active, inSection []presence.User)
	// OnRemoteChange gets content written by somebody else.
	OnRemoteChange func(sectionID string, list []blocks.Block)
	OnConnectivity func(connected bool)

	// ReceiveAllSections delivers remote changes for every section, not just
	// the open one.
	ReceiveAllSections bool

	Logger    zerolog.Logger
	Clock     func() time.Time
	QueueSize int
}

// Session is a single-writer actor: inbound events and host calls all run
// on one goroutine, in arrival order. Host callbacks run on a second
// goroutine, also in order, so they may call the session's methods.
type Session struct {
	reportID string
	identity Identity
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	inbox     chan func()
	host      *dispatcher
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by the actor goroutine
	tracker    *presence.Tracker
	changes    *livesync.Adapter
	presenceCh realtime.Channel
	syncCh     realtime.Channel
	sectionID  *string
	lastState  presence.State
	status     map[string]realtime.Status

	// owned by the dispatcher goroutine: what OnConnectivity last reported
	hostConnected bool

	mu        sync.Mutex // protects the fields below
	state     State
	connected bool
	lastSync  time.Time
}

// Open joins the report's presence and sync topics and publishes the
// participant's record. On failure everything opened so far is torn down.
func Open(ctx context.Context, reportID string, identity Identity, opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, ErrMissingTransport
	}
	if reportID == "" {
		return nil, fmt.Errorf("collab: report id is required")
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("collab: user id is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	log := opts.Logger.With().Str("report", reportID).Str("user", identity.UserID).Logger()
	s := &Session{
		reportID: reportID,
		identity: identity,
		opts:     opts,
		log:      log,
		now:      opts.Clock,
		inbox:    make(chan func(), opts.QueueSize),
		host:     newDispatcher(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		changes:  livesync.NewAdapter(identity.UserID, opts.Clock, log),
		status:   make(map[string]realtime.Status),
		state:    StateJoining,
	}
	go s.run()

	err := s.call(ctx, func() error { return s.open(ctx) })
	if err == nil && s.State() == StateClosed {
		err = ErrClosed
	}
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	presenceCh, err := s.opts.Transport.Join(ctx, realtime.PresenceTopic(s.reportID), realtime.Handlers{
		Presence: func(raw map[string][]json.RawMessage) {
			s.enqueue(func() { s.onPresence(raw) })
		},
		Status: func(st realtime.Status) {
			s.enqueue(func() { s.onStatus(realtime.KindPresence, st) })
		},
	})
	if err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	s.presenceCh = presenceCh
	s.tracker = presence.NewTracker(presenceCh, s.now)

	syncCh, err := s.opts.Transport.Join(ctx, realtime.SyncTopic(s.reportID), realtime.Handlers{
		Broadcast: func(event string, payload json.RawMessage) {
			s.enqueue(func() { s.changes.Deliver(event, payload) })
		},
		Status: func(st realtime.Status) {
			s.enqueue(func() { s.onStatus(realtime.KindSync, st) })
		},
	})
	if err != nil {
		return fmt.Errorf("join sync: %w", err)
	}
	s.syncCh = syncCh
	s.changes.Bind(syncCh)
	s.changes.Subscribe(s.onChange)

	if err := s.tracker.Join(ctx, s.identity); err != nil {
		return err
	}

	s.status[realtime.KindPresence] = realtime.StatusConnected
	s.status[realtime.KindSync] = realtime.StatusConnected
	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	s.setConnected(true)
	s.log.Debug().Msg("session active")
	return nil
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.inbox:
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		case <-s.done:
			return
		}
	}
}

// enqueue hands fn to the actor; it gives up once the session is closing.
func (s *Session) enqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// call runs fn on the actor and waits for it. After Close it does nothing.
func (s *Session) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.inbox <- func() { result <- fn() }:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		// the actor may still finish fn before it stops
		select {
		case err := <-result:
			return err
		case <-s.stopped:
			select {
			case err := <-result:
				return err
			default:
				return nil
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) ReportID() string { return s.reportID }

// Done is closed once the session is closed and its last host callback has
// returned.
func (s *Session) Done() <-chan struct{} { return s.host.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether both topics are currently connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastSync is the timestamp of the last remote change handed to the host.
func (s *Session) LastSync() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, !s.lastSync.IsZero()
}

// UpdateSection records which section the participant has open, nil for
// none, and republishes presence.
func (s *Session) UpdateSection(ctx context.Context, sectionID *string) error {
	return s.call(ctx, func() error {
		if sectionID != nil {
			id := *sectionID
			s.sectionID = &id
		} else {
			s.sectionID = nil
		}
		err := s.tracker.UpdateSection(ctx, s.sectionID)
		if s.lastState != nil {
			s.notifyPresence()
		}
		return err
	})
}

func (s *Session) UpdateCursor(ctx context.Context, blockIndex, offset int) error {
	return s.call(ctx, func() error {
		return s.tracker.UpdateCursor(ctx, blockIndex, offset)
	})
}

// BroadcastChange sends list to the other participants ahead of persistence.
func (s *Session) BroadcastChange(ctx context.Context, sectionID string, list []blocks.Block) error {
	return s.call(ctx, func() error {
		return s.changes.BroadcastChange(ctx, sectionID, list)
	})
}

// Close stops inbound dispatch, withdraws the presence record and leaves
// both topics. It is safe to call more than once, including from a host
// callback. Callbacks still queued are dropped. A host that was told the
// session is connected gets OnConnectivity(false) as the last callback.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		s.teardown(ctx)
	})
}

func (s *Session) teardown(ctx context.Context) {
	s.changes.Unsubscribe()
	if s.tracker != nil {
		if err := s.tracker.Leave(ctx); err != nil {
			s.log.Warn().Err(err).Msg("leave presence")
		}
	}
	for _, ch := range []realtime.Channel{s.syncCh, s.presenceCh} {
		if ch == nil {
			continue
		}
		if err := ch.Leave(ctx); err != nil {
			s.log.Warn().Err(err).Msg("leave topic")
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.connected = false
	s.mu.Unlock()

	var final func()
	if s.opts.OnConnectivity != nil {
		final = func() { s.reportConnectivity(false) }
	}
	s.host.shutdown(final)
	s.log.Debug().Msg("session closed")
}

func (s *Session) onPresence(raw map[string][]json.RawMessage) {
	state, dropped := presence.DecodeState(raw)
	if dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("skipping malformed presence records")
	}
	s.lastState = state
	s.notifyPresence()
}

func (s *Session) notifyPresence() {
	if s.opts.OnPresenceChange == nil || s.tracker == nil {
		return
	}
	active := s.tracker.ActiveUsers(s.lastState)
	inSection := []presence.User{}
	if s.sectionID != nil {
		inSection = s.tracker.UsersInSection(s.lastState, *s.sectionID)
	}
	onPresence := s.opts.OnPresenceChange
	s.host.push(func() { onPresence(active, inSection) })
}

func (s *Session) onChange(c livesync.Change) {
	if c.UserID == s.identity.UserID {
		return
	}
	if !s.opts.ReceiveAllSections && s.sectionID != nil && *s.sectionID != c.SectionID {
		return
	}

	s.mu.Lock()
	s.lastSync = c.Timestamp
	s.mu.Unlock()
	if onRemote := s.opts.OnRemoteChange; onRemote != nil {
		s.host.push(func() { onRemote(c.SectionID, c.ContentBlocks) })
	}
}

func (s *Session) onStatus(kind string, st realtime.Status) {
	prev := s.status[kind]
	s.status[kind] = st
	s.log.Debug().Str("topic", kind).Stringer("status", st).Msg("transport status")

	switch st {
	case realtime.StatusClosed:
		s.log.Warn().Str("topic", kind).Msg("transport closed, ending session")
		go s.Close(context.Background())
		return
	case realtime.StatusConnected:
		if kind == realtime.KindPresence && prev == realtime.StatusDisconnected && s.tracker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.tracker.Republish(ctx); err != nil {
				s.log.Warn().Err(err).Msg("republish presence")
			}
			cancel()
		}
	}

	s.setConnected(s.status[realtime.KindPresence] == realtime.StatusConnected &&
		s.status[realtime.KindSync] == realtime.StatusConnected)
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	changed := s.connected != v
	s.connected = v
	s.mu.Unlock()
	if changed && s.opts.OnConnectivity != nil {
		s.host.push(func() { s.reportConnectivity(v) })
	}
}

// reportConnectivity runs on the dispatcher goroutine and skips repeats, so
// dropping queued callbacks at close never leaves the host believing the
// session is still connected.
func (s *Session) reportConnectivity(v bool) {
	if s.hostConnected == v {
		return
	}
	s.hostConnected = v
	s.opts.OnConnectivity(v)
}
