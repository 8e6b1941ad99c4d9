package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicate is returned by Table.Add for an id that is already running.
var ErrDuplicate = errors.New("session: already running")

// ErrInvalidTransition is returned by Table.Transition for a move the state
// machine does not allow.
var ErrInvalidTransition = errors.New("session: invalid status transition")

// Table holds the running sessions. It is the only shared structure besides
// the Registry; every mutation goes through its methods.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Running
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Running),
	}
}

func (t *Table) Add(r *Running) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[r.ID]; ok {
		return ErrDuplicate
	}
	t.sessions[r.ID] = r.Clone()
	return nil
}

func (t *Table) Get(id string) (*Running, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all running sessions, oldest first.
func (t *Table) List() []*Running {
	t.mu.RLock()
	result := make([]*Running, 0, len(t.sessions))
	for _, r := range t.sessions {
		result = append(result, r.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Transition moves a session to next. Terminal statuses also stamp EndedAt.
func (t *Table) Transition(id string, next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !r.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	r.Status = next
	if next.IsTerminal() {
		now := time.Now()
		r.EndedAt = &now
	}
	return nil
}

// Update applies fn to the stored record under the table lock. fn must not
// call back into the table.
func (t *Table) Update(id string, fn func(*Running)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.sessions[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// ActiveCount returns the number of non-terminal sessions.
func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, r := range t.sessions {
		if !r.IsTerminal() {
			count++
		}
	}
	return count
}
