// Package realtime carries per-document topics between collaborators.
//
// A topic replicates a presence map (key -> records, one record per joined
// channel) and fans out broadcast events. Implementations: Hub (in process),
// Redis (several server nodes) and WSClient (a remote host talking to the
// server's websocket endpoint).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Status int

const (
	StatusConnected Status = iota + 1
	StatusDisconnected
	// StatusClosed is terminal: the channel will not deliver anything else.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrChannelClosed   = errors.New("realtime: channel closed")
	ErrTransportClosed = errors.New("realtime: transport closed")
	ErrInvalidTopic    = errors.New("realtime: invalid topic")
)

// Handlers receive inbound traffic for one joined channel. Calls for a
// channel are made one at a time, in arrival order. Any field may be nil.
type Handlers struct {
	// Presence receives the full replicated map whenever it changes.
	Presence  func(state map[string][]json.RawMessage)
	Broadcast func(event string, payload json.RawMessage)
	Status    func(Status)
}

type Transport interface {
	Join(ctx context.Context, topic string, h Handlers) (Channel, error)
}

// Publisher sends a broadcast on a topic without joining it.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
}

// Channel is one membership in a topic.
type Channel interface {
	Ref() string
	// Track publishes this channel's presence record under key, replacing
	// the previous one.
	Track(ctx context.Context, key string, payload json.RawMessage) error
	Untrack(ctx context.Context) error
	// Broadcast reaches every member of the topic, the sender included.
	Broadcast(ctx context.Context, event string, payload json.RawMessage) error
	Leave(ctx context.Context) error
}

const (
	KindPresence = "presence"
	KindSync     = "sync"
)

func PresenceTopic(reportID string) string { return "report:" + reportID + ":" + KindPresence }

func SyncTopic(reportID string) string { return "report:" + reportID + ":" + KindSync }

// ParseTopic splits "report:<id>:<kind>".
func ParseTopic(topic string) (reportID, kind string, err error) {
	parts := strings.Split(topic, ":")
	if len(parts) != 3 || parts[0] != "report" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if parts[2] != KindPresence && parts[2] != KindSync {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return parts[1], parts[2], nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
