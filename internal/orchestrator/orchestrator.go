// Package orchestrator ties staged sessions, worker processes and client
// streams together. It is the only layer that knows about features.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agent-racer/streambridge/internal/bridge"
	"github.com/agent-racer/streambridge/internal/features"
	"github.com/agent-racer/streambridge/internal/relay"
	"github.com/agent-racer/streambridge/internal/results"
	"github.com/agent-racer/streambridge/internal/session"
)

var (
	ErrRequestInvalid = errors.New("request invalid")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrShuttingDown   = errors.New("orchestrator: shutting down")
	ErrDuplicate      = errors.New("orchestrator: feature already registered")
)

// Recorder receives the summary of every finished session.
type Recorder interface {
	Record(results.Summary)
}

// Spawner starts worker processes. *bridge.Bridge satisfies it.
type Spawner interface {
	Spawn(bridge.Spec, bridge.Handlers) (*bridge.Handle, error)
}

type Deps struct {
	Registry *session.Registry
	Table    *session.Table
	Bridge   Spawner
	// Recorder is optional.
	Recorder Recorder
	Logger   *slog.Logger
}

type Options struct {
	// SessionTTL overrides the registry default when positive.
	SessionTTL   time.Duration
	BufferSize   int
	WriteTimeout time.Duration
}

type Orchestrator struct {
	registry *session.Registry
	table    *session.Table
	bridge   Spawner
	recorder Recorder
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	features map[string]features.Feature
	runs     map[string]*run
	closing  bool
	wg       sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: deps.Registry,
		table:    deps.Table,
		bridge:   deps.Bridge,
		recorder: deps.Recorder,
		logger:   logger,
		opts:     opts,
		features: make(map[string]features.Feature),
		runs:     make(map[string]*run),
	}
}

func (o *Orchestrator) Register(f features.Feature) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.features[f.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, f.Name())
	}
	o.features[f.Name()] = f
	return nil
}

// Features lists registered features by name.
func (o *Orchestrator) Features() []features.Info {
	o.mu.Lock()
	out := make([]features.Info, 0, len(o.features))
	for _, f := range o.features {
		out = append(out, f.Info())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prepare validates a client request and stages its worker input.
func (o *Orchestrator) Prepare(feature string, raw json.RawMessage) (session.Staged, error) {
	o.mu.Lock()
	f, ok := o.features[feature]
	closing := o.closing
	o.mu.Unlock()

	if closing {
		return session.Staged{}, ErrShuttingDown
	}
	if !ok {
		return session.Staged{}, fmt.Errorf("%w: %w %q", ErrRequestInvalid, ErrUnknownFeature, feature)
	}
	payload, err := f.Build(raw)
	if err != nil {
		return session.Staged{}, fmt.Errorf("%w: %w", ErrRequestInvalid, err)
	}
	staged, err := o.registry.Stage(feature, payload, o.opts.SessionTTL)
	if err != nil {
		return session.Staged{}, err
	}
	o.logger.Info("session prepared", "session", staged.ID, "feature", feature, "expires_at", staged.ExpiresAt)
	return staged, nil
}

// Cancel stops a running session on behalf of its user. It reports whether
// a non-terminal session was found.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return r.cancel(reasonUser)
}

// Running returns a snapshot of the sessions that have not been torn down.
func (o *Orchestrator) Running() []session.Running {
	list := o.table.List()
	out := make([]session.Running, len(list))
	for i, r := range list {
		out[i] = *r
	}
	return out
}

// Shutdown cancels every running session, waits for their teardown and
// closes the registry. New prepares and starts are refused from the first
// call on.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	if len(runs) > 0 {
		o.logger.Info("cancelling running sessions", "count", len(runs))
	}
	for _, r := range runs {
		r.cancel(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.registry.Close()
	return err
}

func (o *Orchestrator) relayOptions(onDisconnect func(error)) relay.Options {
	return relay.Options{
		BufferSize:   o.opts.BufferSize,
		WriteTimeout: o.opts.WriteTimeout,
		OnDisconnect: onDisconnect,
	}
}
