//go:build unix

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-racer/streambridge/internal/bridge"
	"github.com/agent-racer/streambridge/internal/features"
	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/agent-racer/streambridge/internal/results"
	"github.com/agent-racer/streambridge/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const streamWait = 10 * time.Second

// sink is a relay transport that records what the client would see.
type sink struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	gone   func(error)
	closed chan struct{}
	once   sync.Once
}

func newSink() *sink {
	return &sink{closed: make(chan struct{})}
}

func (s *sink) Write(msg []byte, _ uint64, _ time.Time) error {
	var m protocol.Message
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) Watch(gone func(error)) {
	s.mu.Lock()
	s.gone = gone
	s.mu.Unlock()
}

func (s *sink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *sink) hangUp() {
	s.mu.Lock()
	gone := s.gone
	s.mu.Unlock()
	gone(io.EOF)
}

func (s *sink) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

// wait blocks until the stream ends and returns everything it carried.
func (s *sink) wait(t *testing.T) []protocol.Message {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(streamWait):
		t.Fatal("stream never ended")
	}
	return s.messages()
}

type countingSpawner struct {
	b      *bridge.Bridge
	before func()
	count  atomic.Int32
	mu     sync.Mutex
	pids   []int
}

func (c *countingSpawner) Spawn(spec bridge.Spec, h bridge.Handlers) (*bridge.Handle, error) {
	c.count.Add(1)
	if c.before != nil {
		c.before()
	}
	hd, err := c.b.Spawn(spec, h)
	if hd != nil {
		c.mu.Lock()
		c.pids = append(c.pids, hd.PID())
		c.mu.Unlock()
	}
	return hd, err
}

type memRecorder struct {
	mu   sync.Mutex
	sums []results.Summary
}

func (m *memRecorder) Record(s results.Summary) {
	m.mu.Lock()
	m.sums = append(m.sums, s)
	m.mu.Unlock()
}

func (m *memRecorder) all() []results.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]results.Summary(nil), m.sums...)
}

type harness struct {
	o        *Orchestrator
	table    *session.Table
	registry *session.Registry
	spawner  *countingSpawner
	rec      *memRecorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		table:    session.NewTable(),
		registry: session.NewRegistry(session.RegistryOptions{}),
		spawner:  &countingSpawner{b: bridge.New(bridge.Options{GracePeriod: 300 * time.Millisecond}, logger)},
		rec:      &memRecorder{},
	}
	h.o = New(Deps{
		Registry: h.registry,
		Table:    h.table,
		Bridge:   h.spawner,
		Recorder: h.rec,
		Logger:   logger,
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), streamWait)
		defer cancel()
		h.o.Shutdown(ctx)
	})
	return h
}

func (h *harness) feature(t *testing.T, name, script string, edit func(*features.Worker, *features.Info)) {
	t.Helper()
	w := features.Worker{Command: "/bin/sh", Args: []string{"-c", script}}
	info := features.Info{Name: name}
	if edit != nil {
		edit(&w, &info)
	}
	require.NoError(t, h.o.Register(features.NewTyped[features.Object](info, w)))
}

func (h *harness) prepare(t *testing.T, feature string) string {
	t.Helper()
	staged, err := h.o.Prepare(feature, json.RawMessage(`{"task":"demo"}`))
	require.NoError(t, err)
	return staged.ID
}

// waitGone waits for the session to be removed from the running table.
func (h *harness) waitGone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.table.Get(id)
		return !ok
	}, streamWait, 10*time.Millisecond, "session %s was never removed", id)
}

func (h *harness) summary(t *testing.T, id string) results.Summary {
	t.Helper()
	var found results.Summary
	require.Eventually(t, func() bool {
		for _, s := range h.rec.all() {
			if s.SessionID == id {
				found = s
				return true
			}
		}
		return false
	}, streamWait, 10*time.Millisecond)
	return found
}

func terminal(t *testing.T, msgs []protocol.Message) protocol.Message {
	t.Helper()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.True(t, protocol.IsTerminal(last.Type), "last message %q is not terminal", last.Type)
	for _, m := range msgs[:len(msgs)-1] {
		require.False(t, protocol.IsTerminal(m.Type), "terminal %q before the end", m.Type)
	}
	return last
}

func TestCompletedSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `read input
printf '{"type":"input","data":%s}\n' "$input"
echo '{"type":"progress","data":{"pct":50,"_debug":"x"}}'
echo 'half way there'
echo '{"type":"progress","data":{"pct":100}}'`, func(_ *features.Worker, info *features.Info) {
		info.EventPrefix = "solver"
	})

	id := h.prepare(t, "solver")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	msgs := s.wait(t)
	require.Len(t, msgs, 5)
	assert.Equal(t, "solver.input", msgs[0].Type)
	assert.JSONEq(t, `{"task":"demo"}`, string(msgs[0].Data))
	assert.Equal(t, "solver.progress", msgs[1].Type)
	assert.JSONEq(t, `{"pct":50}`, string(msgs[1].Data), "internal fields are stripped")
	assert.Equal(t, protocol.TypeLog, msgs[2].Type)
	assert.JSONEq(t, `"half way there"`, string(msgs[2].Data))

	last := terminal(t, msgs)
	assert.Equal(t, protocol.TypeCompleted, last.Type)
	var sum protocol.Summary
	require.NoError(t, json.Unmarshal(last.Data, &sum))
	assert.Equal(t, 0, sum.ExitCode)
	assert.Equal(t, 4, sum.Events)

	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
		assert.Equal(t, id, m.SessionID)
	}

	h.waitGone(t, id)
	rec := h.summary(t, id)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, 4, rec.Events)
	assert.Equal(t, uint64(5), rec.Delivered)
}

func TestNonZeroExitIsWorkerCrashed(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `echo '{"type":"progress","data":1}'; exit 1`, nil)

	id := h.prepare(t, "solver")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	msgs := s.wait(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "progress", msgs[0].Type)
	last := terminal(t, msgs)
	assert.Equal(t, protocol.TypeError, last.Type)
	var info protocol.ErrorInfo
	require.NoError(t, json.Unmarshal(last.Data, &info))
	assert.Equal(t, protocol.CodeWorkerCrashed, info.Code)

	rec := h.summary(t, id)
	assert.Equal(t, "errored", rec.Status)
	assert.Equal(t, protocol.CodeWorkerCrashed, rec.Code)
	assert.Equal(t, 1, rec.ExitCode)
}

func TestUnknownSessionIsRefused(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `exit 0`, nil)

	s := newSink()
	rl, err := h.o.Start("unknown-id", s)
	assert.ErrorIs(t, err, session.ErrNotFound)
	require.NotNil(t, rl)

	msgs := s.wait(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.JSONEq(t, `{"code":"session_not_found","message":"no such session"}`, string(msgs[0].Data))
	assert.Zero(t, h.spawner.count.Load())
}

func TestSecondStartIsRefused(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `sleep 0.2; echo '{"type":"done"}'`, nil)

	id := h.prepare(t, "solver")
	first := newSink()
	_, err := h.o.Start(id, first)
	require.NoError(t, err)

	second := newSink()
	_, err = h.o.Start(id, second)
	assert.ErrorIs(t, err, session.ErrAlreadyClaimed)
	msgs := second.wait(t)
	require.Len(t, msgs, 1)
	var info protocol.ErrorInfo
	require.NoError(t, json.Unmarshal(msgs[0].Data, &info))
	assert.Equal(t, protocol.CodeSessionAlreadyStarted, info.Code)

	assert.Equal(t, protocol.TypeCompleted, terminal(t, first.wait(t)).Type)
	assert.Equal(t, int32(1), h.spawner.count.Load())
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `echo '{"type":"done"}'`, nil)
	id := h.prepare(t, "solver")

	const clients = 16
	sinks := make([]*sink, clients)
	errs := make([]error, clients)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range sinks {
		sinks[i] = newSink()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.o.Start(id, sinks[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		msgs := sinks[i].wait(t)
		if err == nil {
			winners++
			assert.Equal(t, protocol.TypeCompleted, terminal(t, msgs).Type)
			continue
		}
		assert.ErrorIs(t, err, session.ErrAlreadyClaimed)
		require.Len(t, msgs, 1)
		assert.Contains(t, string(msgs[0].Data), protocol.CodeSessionAlreadyStarted)
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, int32(1), h.spawner.count.Load())
}

func TestExpiredSessionIsRefused(t *testing.T) {
	h := newHarness(t, Options{SessionTTL: 20 * time.Millisecond})
	h.feature(t, "solver", `exit 0`, nil)
	id := h.prepare(t, "solver")
	time.Sleep(80 * time.Millisecond)

	s := newSink()
	_, err := h.o.Start(id, s)
	assert.ErrorIs(t, err, session.ErrExpired)
	msgs := s.wait(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Data), protocol.CodeSessionExpired)
	assert.Zero(t, h.spawner.count.Load())
}

func TestCancelStubbornWorker(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `trap '' TERM
echo '{"type":"ready"}'
while :; do sleep 0.05; done`, nil)

	id := h.prepare(t, "agent")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.messages()) == 1 }, streamWait, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		cur, ok := h.table.Get(id)
		return ok && cur.Status == session.Active && cur.Events == 1
	}, streamWait, 10*time.Millisecond)

	assert.True(t, h.o.Cancel(id))
	msgs := s.wait(t)
	last := terminal(t, msgs)
	assert.Equal(t, protocol.TypeCancelled, last.Type)
	assert.JSONEq(t, `{"reason":"user"}`, string(last.Data))

	h.waitGone(t, id)
	assert.False(t, h.o.Cancel(id))
	assert.Empty(t, h.o.Running())
	rec := h.summary(t, id)
	assert.Equal(t, "cancelled", rec.Status)
	assert.Equal(t, "user", rec.Reason)
}

func TestClientDisconnectCancelsWorker(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `echo '{"type":"ready"}'; exec sleep 30`, nil)

	id := h.prepare(t, "agent")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.messages()) == 1 }, streamWait, 10*time.Millisecond)

	s.hangUp()
	h.waitGone(t, id)

	rec := h.summary(t, id)
	assert.Equal(t, "cancelled", rec.Status)
	assert.Equal(t, "disconnect", rec.Reason)
	assert.True(t, rec.ClientDetached)
	for _, m := range s.messages() {
		assert.NotEqual(t, protocol.TypeCancelled, m.Type, "a detached client gets no terminal message")
	}
}

func TestImmediateCancelYieldsSingleTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `exec sleep 30`, nil)

	id := h.prepare(t, "agent")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)
	require.True(t, h.o.Cancel(id))
	h.o.Cancel(id)

	msgs := s.wait(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeCancelled, msgs[0].Type)
}

func TestCancelWhileSpawning(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `exec sleep 30`, nil)

	id := h.prepare(t, "agent")
	var accepted atomic.Bool
	h.spawner.before = func() { accepted.Store(h.o.Cancel(id)) }

	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)
	assert.True(t, accepted.Load(), "cancel is accepted before the worker exists")

	msgs := s.wait(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeCancelled, msgs[0].Type)
	assert.JSONEq(t, `{"reason":"user"}`, string(msgs[0].Data))
	h.waitGone(t, id)
}

// hungUpSink reports the client gone as soon as it is watched.
type hungUpSink struct{ *sink }

func (s hungUpSink) Watch(gone func(error)) { gone(io.EOF) }

func TestClientGoneBeforeSpawnSkipsWorker(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `exec sleep 30`, nil)

	id := h.prepare(t, "agent")
	_, err := h.o.Start(id, hungUpSink{newSink()})
	require.NoError(t, err)

	h.waitGone(t, id)
	assert.Zero(t, h.spawner.count.Load())
	rec := h.summary(t, id)
	assert.Equal(t, "cancelled", rec.Status)
	assert.Equal(t, "disconnect", rec.Reason)
	assert.False(t, h.o.Cancel(id))
}

func TestTimeoutIsReportedDistinctly(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `exec sleep 30`, func(w *features.Worker, _ *features.Info) {
		w.Timeout = 100 * time.Millisecond
	})

	id := h.prepare(t, "agent")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	last := terminal(t, s.wait(t))
	assert.Equal(t, protocol.TypeError, last.Type)
	var info protocol.ErrorInfo
	require.NoError(t, json.Unmarshal(last.Data, &info))
	assert.Equal(t, protocol.CodeTimeout, info.Code)
}

func TestWorkerErrorEvent(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "council", `echo '{"type":"error","data":{"message":"model unavailable"}}'`, nil)

	id := h.prepare(t, "council")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	msgs := s.wait(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "worker.error", msgs[0].Type)
	last := terminal(t, msgs)
	assert.JSONEq(t, `{"code":"worker_error","message":"model unavailable"}`, string(last.Data))
}

func TestReservedTypesAreRenamed(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "council", `echo '{"type":"completed","data":"early"}'
echo '{"type":"cancelled"}'
echo '{"type":"verdict","data":"yes"}'`, nil)

	id := h.prepare(t, "council")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	msgs := s.wait(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "worker.completed", msgs[0].Type)
	assert.Equal(t, "worker.cancelled", msgs[1].Type)
	assert.Equal(t, "verdict", msgs[2].Type)
	assert.Equal(t, protocol.TypeCompleted, terminal(t, msgs).Type)
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.o.Register(features.NewTyped[features.Object](
		features.Info{Name: "broken"},
		features.Worker{Command: "/nonexistent/worker"},
	)))

	id := h.prepare(t, "broken")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	msgs := s.wait(t)
	require.Len(t, msgs, 1)
	var info protocol.ErrorInfo
	require.NoError(t, json.Unmarshal(msgs[0].Data, &info))
	assert.Equal(t, protocol.CodeSpawnFailed, info.Code)
	h.waitGone(t, id)
}

func TestActivateOnFirstEvent(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "solver", `echo 'warming up'
sleep 0.3
echo '{"type":"ready"}'
sleep 0.3`, func(w *features.Worker, _ *features.Info) {
		w.ActivateOnFirstEvent = true
	})

	id := h.prepare(t, "solver")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.messages()) == 1 }, streamWait, 10*time.Millisecond)
	cur, ok := h.table.Get(id)
	require.True(t, ok)
	assert.Equal(t, session.Starting, cur.Status, "fallback lines do not activate")

	require.Eventually(t, func() bool {
		cur, ok := h.table.Get(id)
		return ok && cur.Status == session.Active
	}, streamWait, 10*time.Millisecond)

	assert.Equal(t, protocol.TypeCompleted, terminal(t, s.wait(t)).Type)
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "count", `read input
i=1
while [ $i -le 50 ]; do printf '{"type":"n","data":%d}\n' $i; i=$((i+1)); done`, nil)

	const n = 6
	ids := make([]string, n)
	sinks := make([]*sink, n)
	for i := range ids {
		ids[i] = h.prepare(t, "count")
		sinks[i] = newSink()
	}
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.o.Start(ids[i], sinks[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i, s := range sinks {
		msgs := s.wait(t)
		require.Len(t, msgs, 51)
		for j, m := range msgs[:50] {
			assert.Equal(t, ids[i], m.SessionID)
			assert.Equal(t, fmt.Sprint(j+1), string(m.Data))
		}
		assert.Equal(t, protocol.TypeCompleted, msgs[50].Type)
	}
}

func TestPrepareValidation(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.o.Register(features.NewTyped[features.SolverRequest](
		features.Info{Name: "solver"}, features.Worker{Command: "/bin/true"},
	)))

	_, err := h.o.Prepare("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrRequestInvalid)
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = h.o.Prepare("solver", json.RawMessage(`{"algorithm":"bfs"}`))
	assert.ErrorIs(t, err, ErrRequestInvalid)
	assert.ErrorIs(t, err, features.ErrInvalid)

	staged, err := h.o.Prepare("solver", json.RawMessage(`{"puzzle":"p"}`))
	require.NoError(t, err)
	assert.Equal(t, "solver", staged.Feature)
	assert.Equal(t, 1, h.registry.Len())
	assert.Zero(t, h.spawner.count.Load(), "prepare never spawns")
}

func TestFeaturesAndRegister(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "b", `exit 0`, nil)
	h.feature(t, "a", `exit 0`, nil)

	err := h.o.Register(features.NewTyped[features.Object](features.Info{Name: "a"}, features.Worker{}))
	assert.True(t, errors.Is(err, ErrDuplicate))

	infos := h.o.Features()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "b", infos[1].Name)
}

func TestShutdownCancelsRunningSessions(t *testing.T) {
	h := newHarness(t, Options{})
	h.feature(t, "agent", `exec sleep 30`, nil)

	id := h.prepare(t, "agent")
	s := newSink()
	_, err := h.o.Start(id, s)
	require.NoError(t, err)
	pending := h.prepare(t, "agent")

	ctx, cancel := context.WithTimeout(context.Background(), streamWait)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	last := terminal(t, s.wait(t))
	assert.JSONEq(t, `{"reason":"shutdown"}`, string(last.Data))
	assert.Empty(t, h.o.Running())

	_, err = h.o.Prepare("agent", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = h.o.Start(pending, newSink())
	assert.Error(t, err)
}
