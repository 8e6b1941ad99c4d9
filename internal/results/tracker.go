// Package results keeps the outcome of finished sessions on disk, one JSON
// summary per session plus running aggregates.
package results

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const saveInterval = 30 * time.Second

// Tracker records session summaries and maintains aggregate stats. Summaries
// are written immediately; aggregates are saved periodically by Run.
type Tracker struct {
	persist *Store
	logger  *slog.Logger

	mu    sync.Mutex
	stats *Stats
	dirty bool
}

// NewTracker loads existing stats from persist. The caller must run Run in
// a goroutine for aggregates to reach disk.
func NewTracker(persist *Store, logger *slog.Logger) (*Tracker, error) {
	stats, err := persist.Load()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{persist: persist, stats: stats, logger: logger}, nil
}

// Record persists sum and folds it into the aggregates.
func (t *Tracker) Record(sum Summary) {
	if err := t.persist.SaveSummary(sum); err != nil {
		t.logger.Error("failed to save session summary", "session", sum.SessionID, "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stats
	st.TotalSessions++
	fs := st.PerFeature[sum.Feature]
	fs.Sessions++
	fs.Events += sum.Events
	fs.TotalDurationMs += sum.DurationMs

	switch sum.Status {
	case "completed":
		st.TotalCompleted++
		fs.Completed++
	case "cancelled":
		st.TotalCancelled++
		fs.Cancelled++
		if sum.Reason != "" {
			st.CancelReasons[sum.Reason]++
		}
	case "errored":
		st.TotalErrored++
		fs.Errored++
		if sum.Code != "" {
			st.ErrorCodes[sum.Code]++
		}
	}
	st.PerFeature[sum.Feature] = fs

	if sum.DurationMs > st.MaxDurationMs {
		st.MaxDurationMs = sum.DurationMs
	}
	if sum.Events > st.MaxEvents {
		st.MaxEvents = sum.Events
	}
	t.dirty = true
}

// Lookup returns the persisted summary of a finished session.
func (t *Tracker) Lookup(id string) (Summary, error) {
	return t.persist.LoadSummary(id)
}

// Stats returns a deep copy of the current aggregates.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

// Run periodically saves dirty stats. It blocks until ctx is cancelled,
// then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.save()
			return
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		}
	}
}

// Flush saves the aggregates now.
func (t *Tracker) Flush() {
	t.save()
}

func (t *Tracker) save() {
	t.mu.Lock()
	stats := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(stats); err != nil {
		t.logger.Error("failed to save stats", "error", err)
	}
}
