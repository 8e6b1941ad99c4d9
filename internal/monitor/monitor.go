// Package monitor samples the CPU and memory use of running workers and
// stores the readings on their session entries.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-racer/streambridge/internal/session"
)

// failureLogThreshold is how many consecutive failed samples of one
// session are tolerated before it is logged at warn level.
const failureLogThreshold = 3

type Monitor struct {
	table    *session.Table
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// New returns a monitor polling every interval. A nil sampler uses
// gopsutil.
func New(table *session.Table, sampler Sampler, interval time.Duration, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = NewProcSampler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		table:    table,
		sampler:  sampler,
		interval: interval,
		logger:   logger,
		failures: make(map[string]int),
	}
}

// Start polls until ctx is cancelled. A non-positive interval disables
// sampling and Start returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Info("worker monitor disabled")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("worker monitor started", "interval", m.interval)
	m.poll()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("worker monitor stopped")
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	running := m.table.List()
	keep := make(map[int]bool, len(running))
	seen := make(map[string]bool, len(running))

	for _, r := range running {
		if r.PID <= 0 || r.IsTerminal() {
			continue
		}
		keep[r.PID] = true
		seen[r.ID] = true

		sample, err := m.sampler.Sample(r.PID)
		if err != nil {
			m.recordFailure(r.ID, r.PID, err)
			continue
		}
		m.recordSuccess(r.ID)
		m.table.Update(r.ID, func(s *session.Running) {
			s.CPUPercent = sample.CPUPercent
			s.RSSBytes = sample.RSSBytes
		})
	}

	m.sampler.Forget(keep)

	m.mu.Lock()
	for id := range m.failures {
		if !seen[id] {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) recordFailure(id string, pid int, err error) {
	m.mu.Lock()
	m.failures[id]++
	n := m.failures[id]
	m.mu.Unlock()

	if n == failureLogThreshold {
		m.logger.Warn("sampling worker keeps failing", "session", id, "pid", pid, "failures", n, "error", err)
	} else {
		m.logger.Debug("sampling worker failed", "session", id, "pid", pid, "error", err)
	}
}

func (m *Monitor) recordSuccess(id string) {
	m.mu.Lock()
	delete(m.failures, id)
	m.mu.Unlock()
}
