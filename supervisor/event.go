package supervisor

import (
	"encoding/json"
	"time"

	"github.com/c360/wsfeed/codec"
)

// EventKind identifies what happened on the connection
type EventKind string

// Event kinds
const (
	EventOpen    EventKind = "open"
	EventMessage EventKind = "message"
	EventClose   EventKind = "close"
	EventError   EventKind = "error"
)

// Event is an immutable record of something that happened during one attempt.
// For message events Payload is set, and Err is set instead when the frame could not
// be decoded (Payload then carries the raw text). Close events carry Code and
// Reason; Local marks a close the supervisor initiated itself.
type Event struct {
	ID      string
	Kind    EventKind
	Attempt int
	Time    time.Time

	Payload *codec.Payload
	Code    int
	Reason  string
	Local   bool
	Err     error
}

type eventJSON struct {
	ID      string         `json:"id"`
	Event   EventKind      `json:"event"`
	Attempt int            `json:"attempt"`
	Time    time.Time      `json:"time"`
	Data    *codec.Payload `json:"data,omitempty"`
	Code    int            `json:"code,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Local   bool           `json:"local,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MarshalJSON renders {"event":"message","data":...} style records
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:      e.ID,
		Event:   e.Kind,
		Attempt: e.Attempt,
		Time:    e.Time,
		Data:    e.Payload,
		Code:    e.Code,
		Reason:  e.Reason,
		Local:   e.Local,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
