package realtime

import "encoding/json"

// Frame types spoken on the websocket endpoint.
const (
	// client -> server
	FrameJoin      = "join"
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"
	FrameLeave     = "leave"

	// server -> client; FrameBroadcast is used in both directions
	FramePresenceState = "presence_state"
	FrameReply         = "reply"
)

const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Frame is the single JSON envelope used in both directions. Requests carry
// a Ref that the matching reply echoes.
type Frame struct {
	Type    string                       `json:"type"`
	Ref     string                       `json:"ref,omitempty"`
	Topic   string                       `json:"topic,omitempty"`
	Key     string                       `json:"key,omitempty"`
	Event   string                       `json:"event,omitempty"`
	Payload json.RawMessage              `json:"payload,omitempty"`
	State   map[string][]json.RawMessage `json:"state,omitempty"`
	// Member is the server side channel ref, set on join replies.
	Member string `json:"member,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func OKReply(ref string) Frame {
	return Frame{Type: FrameReply, Ref: ref, Status: ReplyOK}
}

func ErrorReply(ref string, err error) Frame {
	return Frame{Type: FrameReply, Ref: ref, Status: ReplyError, Error: err.Error()}
}
