//go:build unix

package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exitWait = 5 * time.Second

type collector struct {
	mu     sync.Mutex
	events []protocol.Event
	stderr []string
	exits  int
	exitCh chan Result
}

func newCollector() *collector {
	return &collector{exitCh: make(chan Result, 1)}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnEvent: func(ev protocol.Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		},
		OnStderr: func(line string) {
			c.mu.Lock()
			c.stderr = append(c.stderr, line)
			c.mu.Unlock()
		},
		OnExit: func(r Result) {
			c.mu.Lock()
			c.exits++
			c.mu.Unlock()
			c.exitCh <- r
		},
	}
}

func (c *collector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.exitCh:
		return r
	case <-time.After(exitWait):
		t.Fatal("timed out waiting for OnExit")
		return Result{}
	}
}

func (c *collector) snapshot() ([]protocol.Event, []string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...), append([]string(nil), c.stderr...), c.exits
}

func testBridge(grace time.Duration) *Bridge {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Options{GracePeriod: grace, ScannerBuffer: 4096}, logger)
}

func shSpec(script string) Spec {
	return Spec{Command: "/bin/sh", Args: []string{"-c", script}}
}

func TestSpawnDeliversEventsInOrder(t *testing.T) {
	const n = 200
	script := fmt.Sprintf(`cat >/dev/null
i=1
while [ $i -le %d ]; do
  printf '{"type":"step","data":%%d}\n' $i
  i=$((i+1))
done
echo 'not json at all'
printf '\n'
printf '{"type":"last"}'`, n)

	c := newCollector()
	h, err := testBridge(time.Second).Spawn(shSpec(script), c.handlers())
	require.NoError(t, err)

	res := c.wait(t)
	<-h.Done()
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, h.PID(), res.PID)

	events, _, exits := c.snapshot()
	require.Len(t, events, n+2, "blank line is skipped, every other line yields one event")
	for i := 0; i < n; i++ {
		require.Equal(t, "step", events[i].Type)
		require.Equal(t, fmt.Sprint(i+1), string(events[i].Data), "event %d out of order", i)
	}
	assert.Equal(t, protocol.TypeLog, events[n].Type)
	assert.JSONEq(t, `"not json at all"`, string(events[n].Data))
	assert.Equal(t, "last", events[n+1].Type, "unterminated final line is still delivered")
	assert.Equal(t, 1, exits)
}

func TestSpawnWritesInputOnce(t *testing.T) {
	script := `read line
printf '{"type":"echo","data":%s}\n' "$line"
if read more; then echo '{"type":"extra"}'; fi`

	c := newCollector()
	spec := shSpec(script)
	spec.Input = map[string]any{"task": "X", "n": 2}
	_, err := testBridge(time.Second).Spawn(spec, c.handlers())
	require.NoError(t, err)

	c.wait(t)
	events, _, _ := c.snapshot()
	require.Len(t, events, 1, "stdin must be closed after the payload")
	assert.Equal(t, "echo", events[0].Type)
	assert.JSONEq(t, `{"task":"X","n":2}`, string(events[0].Data))
}

func TestStderrNeverReachesOnEvent(t *testing.T) {
	script := `echo 'diagnostic one' >&2
echo '{"type":"ok"}'
echo '{"type":"hidden"}' >&2`

	c := newCollector()
	_, err := testBridge(time.Second).Spawn(shSpec(script), c.handlers())
	require.NoError(t, err)

	c.wait(t)
	events, stderr, _ := c.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Type)
	assert.Equal(t, []string{"diagnostic one", `{"type":"hidden"}`}, stderr)
}

func TestNonZeroExit(t *testing.T) {
	c := newCollector()
	_, err := testBridge(time.Second).Spawn(shSpec(`echo '{"type":"partial"}'; exit 3`), c.handlers())
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)

	events, _, _ := c.snapshot()
	assert.Len(t, events, 1)
}

func TestSpawnFailed(t *testing.T) {
	c := newCollector()
	h, err := testBridge(time.Second).Spawn(Spec{Command: "/nonexistent/worker-binary"}, c.handlers())
	require.NoError(t, err)
	require.NotNil(t, h)

	res := c.wait(t)
	<-h.Done()
	assert.Equal(t, OutcomeSpawnFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, 0, h.PID())
	assert.False(t, h.Alive())

	h.Cancel() // no-op

	events, _, exits := c.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, 1, exits)
}

func TestUnserializableInput(t *testing.T) {
	c := newCollector()
	spec := shSpec(`exit 0`)
	spec.Input = make(chan int)

	h, err := testBridge(time.Second).Spawn(spec, c.handlers())
	assert.Error(t, err)
	assert.Nil(t, h)

	select {
	case <-c.exitCh:
		t.Fatal("OnExit must not fire when nothing was spawned")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelEscalatesToKill(t *testing.T) {
	// The worker ignores SIGTERM and never exits by itself.
	script := `trap '' TERM
echo '{"type":"ready"}'
while :; do sleep 0.05; done`

	c := newCollector()
	h, err := testBridge(200*time.Millisecond).Spawn(shSpec(script), c.handlers())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, _, _ := c.snapshot()
		return len(events) == 1
	}, exitWait, 10*time.Millisecond)
	require.True(t, h.Alive())

	start := time.Now()
	h.Cancel()
	h.Cancel()

	res := c.wait(t)
	<-h.Done()
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "SIGKILL only after the grace period")
	assert.False(t, h.Alive())
	assert.False(t, pidExists(res.PID), "worker must not be running after cancel")

	h.Cancel()
	_, _, exits := c.snapshot()
	assert.Equal(t, 1, exits)
}

func TestCancelGracefulWorker(t *testing.T) {
	c := newCollector()
	h, err := testBridge(5*time.Second).Spawn(shSpec(`exec sleep 30`), c.handlers())
	require.NoError(t, err)

	start := time.Now()
	h.Cancel()
	res := c.wait(t)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Less(t, time.Since(start), 4*time.Second, "SIGTERM alone should end a cooperative worker")
}

func TestCancelAfterExitIsNoop(t *testing.T) {
	c := newCollector()
	h, err := testBridge(time.Second).Spawn(shSpec(`exit 0`), c.handlers())
	require.NoError(t, err)

	c.wait(t)
	<-h.Done()
	h.Cancel()

	res, ok := h.Result()
	require.True(t, ok)
	assert.Equal(t, OutcomeExited, res.Outcome)
}

func TestTimeout(t *testing.T) {
	c := newCollector()
	spec := shSpec(`exec sleep 30`)
	spec.Timeout = 100 * time.Millisecond
	h, err := testBridge(200*time.Millisecond).Spawn(spec, c.handlers())
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Equal(t, -1, res.ExitCode, "killed workers report no exit code")

	// A cancel after the timeout does not change the reported outcome.
	h.Cancel()
	<-h.Done()
	got, _ := h.Result()
	assert.Equal(t, OutcomeTimedOut, got.Outcome)
}

func TestExitWithChildHoldingStdout(t *testing.T) {
	// The background sleep inherits stdout and outlives the worker.
	for _, timeout := range []time.Duration{0, 3 * time.Second} {
		t.Run(fmt.Sprint(timeout), func(t *testing.T) {
			c := newCollector()
			spec := shSpec(`echo '{"type":"a"}'; sleep 30 & exit 0`)
			spec.Timeout = timeout
			start := time.Now()
			h, err := testBridge(500*time.Millisecond).Spawn(spec, c.handlers())
			require.NoError(t, err)

			res := c.wait(t)
			<-h.Done()
			assert.Equal(t, OutcomeExited, res.Outcome)
			assert.Equal(t, 0, res.ExitCode)
			assert.Less(t, time.Since(start), 2*time.Second, "exit is seen without waiting for the child")

			events, _, exits := c.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, "a", events[0].Type)
			assert.Equal(t, 1, exits)
		})
	}
}

func TestOutputWrittenBeforeExitIsDrained(t *testing.T) {
	const n = 2000
	script := fmt.Sprintf(`i=1
while [ $i -le %d ]; do
  printf '{"type":"n","data":%%d}\n' $i
  i=$((i+1))
done
exit 3`, n)

	c := newCollector()
	_, err := testBridge(time.Second).Spawn(shSpec(script), c.handlers())
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	events, _, _ := c.snapshot()
	require.Len(t, events, n)
	assert.Equal(t, fmt.Sprint(n), string(events[n-1].Data))
}

func TestEnvIsPassed(t *testing.T) {
	c := newCollector()
	spec := shSpec(`printf '{"type":"env","data":"%s"}\n' "$WORKER_MODE"`)
	spec.Env = map[string]string{"WORKER_MODE": "fast"}
	_, err := testBridge(time.Second).Spawn(spec, c.handlers())
	require.NoError(t, err)

	c.wait(t)
	events, _, _ := c.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, `"fast"`, string(events[0].Data))
}

func TestLongLineIsTruncatedNotFatal(t *testing.T) {
	script := `head -c 10000 /dev/zero | tr '\0' 'x'
echo
echo '{"type":"after"}'`

	c := newCollector()
	_, err := testBridge(time.Second).Spawn(shSpec(script), c.handlers())
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, OutcomeExited, res.Outcome)

	events, _, _ := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.TypeLog, events[0].Type)
	var raw string
	require.NoError(t, json.Unmarshal(events[0].Data, &raw))
	assert.Len(t, raw, 4096)
	assert.Equal(t, "after", events[1].Type)
}

func TestConcurrentSpawnsAreIsolated(t *testing.T) {
	b := testBridge(time.Second)
	const workers = 8

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c := newCollector()
			spec := shSpec(fmt.Sprintf(`for i in 1 2 3 4 5; do printf '{"type":"w%d","data":%%d}\n' $i; done`, w))
			_, err := b.Spawn(spec, c.handlers())
			if !assert.NoError(t, err) {
				return
			}
			select {
			case <-c.exitCh:
			case <-time.After(exitWait):
				assert.Fail(t, "worker did not exit", "worker %d", w)
				return
			}
			events, _, _ := c.snapshot()
			assert.Len(t, events, 5)
			for _, ev := range events {
				assert.Equal(t, fmt.Sprintf("w%d", w), ev.Type)
			}
		}(w)
	}
	wg.Wait()
}

func TestScanLines(t *testing.T) {
	input := "one\r\ntwo\n\n" + strings.Repeat("y", 40) + "\nlast"
	var lines []string
	var flags []bool
	err := scanLines(strings.NewReader(input), 16, func(line string, truncated bool) {
		lines = append(lines, line)
		flags = append(flags, truncated)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "", strings.Repeat("y", 16), "last"}, lines)
	assert.Equal(t, []bool{false, false, false, true, false}, flags)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1"}, map[string]string{"C": "3", "B": "2"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, env)
	assert.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}
