package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	// statsVersion is bumped when the schema changes.
	statsVersion = 1

	statsFileName  = "stats.json"
	sessionsDir    = "sessions"
	appDirName     = "streambridge"
	summaryPattern = ".summary-*.tmp"
	statsPattern   = ".stats-*.tmp"
)

var ErrNotFound = errors.New("results: summary not found")

// Summary is the persisted outcome of one session.
type Summary struct {
	SessionID string `json:"sessionId"`
	Feature   string `json:"feature"`
	// Status is the terminal session status: completed, cancelled or errored.
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	ExitCode       int    `json:"exitCode"`
	PID            int    `json:"pid,omitempty"`
	Events         int    `json:"events"`
	Delivered      uint64 `json:"delivered"`
	ClientDetached bool   `json:"clientDetached,omitempty"`

	CPUPercent float64 `json:"cpuPercent,omitempty"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Stats aggregates every recorded session.
type Stats struct {
	Version int `json:"version"`

	TotalSessions  int `json:"totalSessions"`
	TotalCompleted int `json:"totalCompleted"`
	TotalCancelled int `json:"totalCancelled"`
	TotalErrored   int `json:"totalErrored"`

	PerFeature    map[string]FeatureStats `json:"perFeature"`
	ErrorCodes    map[string]int          `json:"errorCodes"`
	CancelReasons map[string]int          `json:"cancelReasons"`

	MaxDurationMs int64 `json:"maxDurationMs"`
	MaxEvents     int   `json:"maxEvents"`

	LastUpdated time.Time `json:"lastUpdated"`
}

type FeatureStats struct {
	Sessions        int   `json:"sessions"`
	Completed       int   `json:"completed"`
	Cancelled       int   `json:"cancelled"`
	Errored         int   `json:"errored"`
	Events          int   `json:"events"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// Store reads and writes results under one directory:
//
//	<dir>/stats.json
//	<dir>/sessions/<session id>.json
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir. An empty dir uses
// $XDG_STATE_HOME/streambridge.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultDir()
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

func (s *Store) summaryPath(id string) string {
	return filepath.Join(s.dir, sessionsDir, id+".json")
}

// Load reads stats from disk. A missing file yields empty stats.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newStats(), nil
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing stats: %w", err)
	}
	st.initMaps()
	return &st, nil
}

func (s *Store) Save(st *Stats) error {
	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()
	return writeAtomic(s.dir, s.Path(), statsPattern, st)
}

func (s *Store) SaveSummary(sum Summary) error {
	if _, err := uuid.Parse(sum.SessionID); err != nil {
		return fmt.Errorf("invalid session id %q: %w", sum.SessionID, err)
	}
	return writeAtomic(filepath.Join(s.dir, sessionsDir), s.summaryPath(sum.SessionID), summaryPattern, sum)
}

// LoadSummary returns the summary recorded for id, or ErrNotFound.
func (s *Store) LoadSummary(id string) (Summary, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Summary{}, ErrNotFound
	}
	data, err := os.ReadFile(s.summaryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("reading summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, fmt.Errorf("parsing summary: %w", err)
	}
	return sum, nil
}

// writeAtomic marshals v into a temp file in dir and renames it over path.
func writeAtomic(dir, path, pattern string, v any) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	committed = true
	return nil
}

func newStats() *Stats {
	st := &Stats{Version: statsVersion}
	st.initMaps()
	return st
}

func (st *Stats) initMaps() {
	if st.PerFeature == nil {
		st.PerFeature = make(map[string]FeatureStats)
	}
	if st.ErrorCodes == nil {
		st.ErrorCodes = make(map[string]int)
	}
	if st.CancelReasons == nil {
		st.CancelReasons = make(map[string]int)
	}
}

func (st *Stats) clone() *Stats {
	cp := *st
	cp.PerFeature = make(map[string]FeatureStats, len(st.PerFeature))
	for k, v := range st.PerFeature {
		cp.PerFeature[k] = v
	}
	cp.ErrorCodes = make(map[string]int, len(st.ErrorCodes))
	for k, v := range st.ErrorCodes {
		cp.ErrorCodes[k] = v
	}
	cp.CancelReasons = make(map[string]int, len(st.CancelReasons))
	for k, v := range st.CancelReasons {
		cp.CancelReasons[k] = v
	}
	return &cp
}

// defaultDir returns ~/.local/state/streambridge, respecting XDG_STATE_HOME.
func defaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
