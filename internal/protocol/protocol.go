// Package protocol implements the line-delimited JSON event protocol spoken
// by workers on stdout, and the message envelope the relay writes to clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved event types. TypeCompleted, TypeCancelled and TypeError are
// terminal: exactly one of them ends every client stream.
const (
	TypeLog       = "status.log"
	TypeCompleted = "completed"
	TypeCancelled = "cancelled"
	TypeError     = "error"
)

// Event is one decoded worker record.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is the envelope written to a client connection.
type Message struct {
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// IsTerminal reports whether t is one of the stream-ending types.
func IsTerminal(t string) bool {
	return t == TypeCompleted || t == TypeCancelled || t == TypeError
}

var jsonNull = json.RawMessage("null")

type record struct {
	Type *json.RawMessage `json:"type"`
	Data json.RawMessage  `json:"data"`
}

// Decode parses one worker output line. It never fails: a line that is not a
// JSON object with a non-empty string "type" becomes a TypeLog event whose
// data is the raw line as a JSON string.
func Decode(line string) Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Fallback(line)
	}

	var rec record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil || rec.Type == nil {
		return Fallback(line)
	}
	var typ string
	if err := json.Unmarshal(*rec.Type, &typ); err != nil || typ == "" {
		return Fallback(line)
	}

	data := rec.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = jsonNull
	}
	return Event{Type: typ, Data: data}
}

// Fallback wraps a raw line that could not be decoded.
func Fallback(line string) Event {
	// invalid UTF-8 is coerced, so marshaling a string cannot fail
	raw, _ := json.Marshal(line)
	return Event{Type: TypeLog, Data: raw}
}

// IsFallback reports whether ev was produced from an undecodable line.
func IsFallback(ev Event) bool {
	return ev.Type == TypeLog
}

// Encode renders ev as a single protocol line, newline included.
func Encode(ev Event) ([]byte, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("protocol: event type is required")
	}
	if len(ev.Data) == 0 {
		ev.Data = jsonNull
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", ev.Type, err)
	}
	return append(line, '\n'), nil
}

// NewEvent builds an event from an arbitrary data value.
func NewEvent(typ string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("protocol: marshal %s data: %w", typ, err)
	}
	return Event{Type: typ, Data: raw}, nil
}
