// Package presence holds the per-document presence records of collaborators
// and the derivations the editor needs from them.
package presence

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
	"unicode/utf16"
)

// ActiveThreshold is how recently a record must have been refreshed for its
// user to count as active.
const ActiveThreshold = 30 * time.Second

var ErrMissingUserID = errors.New("presence: record without userId")

var palette = [...]string{
	"#FF6B6B", // red
	"#4ECDC4", // teal
	"#45B7D1", // blue
	"#FFA07A", // orange
	"#98D8C8", // mint
	"#F7DC6F", // yellow
	"#BB8FCE", // purple
	"#85C1E2", // sky blue
}

type Cursor struct {
	BlockIndex int `json:"blockIndex"`
	Offset     int `json:"offset"`
}

type Identity struct {
	UserID    string
	UserName  string
	UserEmail string
}

// User is one published presence record.
type User struct {
	UserID         string
	UserName       string
	UserEmail      string
	SectionID      *string
	CursorPosition *Cursor
	Color          string
	LastSeen       time.Time
}

type userJSON struct {
	UserID         string  `json:"userId"`
	UserName       string  `json:"userName"`
	UserEmail      string  `json:"userEmail"`
	SectionID      *string `json:"sectionId"`
	CursorPosition *Cursor `json:"cursorPosition,omitempty"`
	Color          string  `json:"color"`
	LastSeen       int64   `json:"lastSeen"`
}

// MarshalJSON writes lastSeen as unix milliseconds.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(userJSON{
		UserID:         u.UserID,
		UserName:       u.UserName,
		UserEmail:      u.UserEmail,
		SectionID:      u.SectionID,
		CursorPosition: u.CursorPosition,
		Color:          u.Color,
		LastSeen:       u.LastSeen.UnixMilli(),
	})
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw userJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.UserID == "" {
		return ErrMissingUserID
	}
	*u = User{
		UserID:         raw.UserID,
		UserName:       raw.UserName,
		UserEmail:      raw.UserEmail,
		SectionID:      raw.SectionID,
		CursorPosition: raw.CursorPosition,
		Color:          raw.Color,
		LastSeen:       time.UnixMilli(raw.LastSeen),
	}
	return nil
}

// InSection reports whether the user is currently in sectionID.
func (u User) InSection(sectionID string) bool {
	return u.SectionID != nil && *u.SectionID == sectionID
}

// State is the replicated presence map: key to the records published under
// it, one per live connection.
type State map[string][]User

// DecodeState turns a replicated raw map into a State. Records that do not
// decode are skipped; the second result counts them.
func DecodeState(raw map[string][]json.RawMessage) (State, int) {
	state := make(State, len(raw))
	dropped := 0
	for key, records := range raw {
		for _, rec := range records {
			var u User
			if err := json.Unmarshal(rec, &u); err != nil {
				dropped++
				continue
			}
			state[key] = append(state[key], u)
		}
	}
	return state, dropped
}

// ColorFor picks a palette color from a hash of userID so a user keeps the
// same color on every client. The hash runs over UTF-16 code units with
// 32-bit shift wraparound, matching the web client.
func ColorFor(userID string) string {
	var hash int64
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = int64(unit) + (int64(int32(hash)<<5) - hash)
	}
	if hash < 0 {
		hash = -hash
	}
	return palette[hash%int64(len(palette))]
}

// UsersInSection lists everybody but selfID whose record is in sectionID.
// Only each user's newest record is considered, so a user whose older tab
// sits in sectionID is not listed once a newer tab has moved elsewhere.
func UsersInSection(state State, sectionID, selfID string) []User {
	return collect(state, selfID, func(u User) bool { return u.InSection(sectionID) })
}

// ActiveUsers lists everybody but selfID seen within ActiveThreshold of now.
func ActiveUsers(state State, selfID string, now time.Time) []User {
	return collect(state, selfID, func(u User) bool { return now.Sub(u.LastSeen) < ActiveThreshold })
}

// collect keeps one record per user, the most recently seen, and returns
// them ordered by user id.
func collect(state State, selfID string, keep func(User) bool) []User {
	latest := make(map[string]User)
	for _, records := range state {
		for _, u := range records {
			if u.UserID == selfID {
				continue
			}
			if prev, ok := latest[u.UserID]; ok && !u.LastSeen.After(prev.LastSeen) {
				continue
			}
			latest[u.UserID] = u
		}
	}

	out := make([]User, 0, len(latest))
	for _, u := range latest {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
