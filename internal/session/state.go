package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a running session.
type Status int

const (
	Starting Status = iota
	Active
	Completed
	Cancelled
	Errored
)

var statusNames = map[Status]string{
	Starting:  "starting",
	Active:    "active",
	Completed: "completed",
	Cancelled: "cancelled",
	Errored:   "errored",
}

var statusFromName = map[string]Status{
	"starting":  Starting,
	"active":    Active,
	"completed": Completed,
	"cancelled": Cancelled,
	"errored":   Errored,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Cancelled || s == Errored
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case Starting:
		return next == Active || next.IsTerminal()
	case Active:
		return next.IsTerminal()
	default:
		return false
	}
}

// Running is the bookkeeping record of a session whose worker has been
// started. Values handed out by Table are copies.
type Running struct {
	ID         string     `json:"id"`
	Feature    string     `json:"feature"`
	PID        int        `json:"pid,omitempty"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Events     int        `json:"events"`
	CPUPercent float64    `json:"cpuPercent,omitempty"`
	RSSBytes   uint64     `json:"rssBytes,omitempty"`
}

func (r *Running) Clone() *Running {
	cp := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// IsTerminal reports whether the session has reached a final status.
func (r *Running) IsTerminal() bool {
	return r.Status.IsTerminal()
}
