package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrAlreadyClaimed = errors.New("session: already claimed")
	ErrExpired        = errors.New("session: expired")
	ErrClosed         = errors.New("session: registry closed")
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultTombstoneTTL = 30 * time.Minute
)

// Staged is a prepared session waiting for its stream to be opened.
type Staged struct {
	ID        string    `json:"sessionId"`
	Feature   string    `json:"feature"`
	Payload   any       `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type stagedState int

const (
	statePending stagedState = iota
	stateClaimed
	stateExpired
)

type stagedEntry struct {
	staged Staged
	state  stagedState
	timer  *time.Timer
}

type RegistryOptions struct {
	TTL time.Duration
	// TombstoneTTL is how long a claimed or expired id is remembered so a
	// late claim can report why it failed.
	TombstoneTTL time.Duration
}

// Registry holds staged sessions between prepare and stream start. Each id
// can be claimed at most once.
type Registry struct {
	opts RegistryOptions

	mu      sync.Mutex
	entries map[string]*stagedEntry
	closed  bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	return &Registry{
		opts:    opts,
		entries: make(map[string]*stagedEntry),
	}
}

// Stage stores payload under a fresh id. A ttl <= 0 uses the registry
// default.
func (r *Registry) Stage(feature string, payload any, ttl time.Duration) (Staged, error) {
	if ttl <= 0 {
		ttl = r.opts.TTL
	}
	now := time.Now()
	s := Staged{
		ID:        uuid.NewString(),
		Feature:   feature,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Staged{}, ErrClosed
	}
	e := &stagedEntry{staged: s}
	e.timer = time.AfterFunc(ttl, func() { r.expire(s.ID) })
	r.entries[s.ID] = e
	return s, nil
}

// Claim hands out the payload of a pending session exactly once.
func (r *Registry) Claim(id string) (Staged, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Staged{}, ErrNotFound
	}
	switch e.state {
	case stateClaimed:
		return Staged{}, ErrAlreadyClaimed
	case stateExpired:
		return Staged{}, ErrExpired
	}
	if !time.Now().Before(e.staged.ExpiresAt) {
		r.tombstoneLocked(id, e, stateExpired)
		return Staged{}, ErrExpired
	}

	s := e.staged
	r.tombstoneLocked(id, e, stateClaimed)
	return s, nil
}

// Len returns the number of sessions still waiting to be claimed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == statePending {
			n++
		}
	}
	return n
}

// Close stops every timer and drops all entries. Later Stage calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != statePending {
		return
	}
	r.tombstoneLocked(id, e, stateExpired)
}

// tombstoneLocked releases the payload and schedules removal of the id.
func (r *Registry) tombstoneLocked(id string, e *stagedEntry, state stagedState) {
	e.timer.Stop()
	e.state = state
	e.staged.Payload = nil
	e.timer = time.AfterFunc(r.opts.TombstoneTTL, func() { r.forget(id, e) })
}

func (r *Registry) forget(id string, e *stagedEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
}
