//go:build unix

// Package bridge runs one external worker process per session and turns its
// stdout into an ordered feed of protocol events.
//
// A worker receives its whole input as one JSON line on stdin, after which
// stdin is closed. Every stdout line is decoded with protocol.Decode and
// handed to Handlers.OnEvent in the order it was written. Stderr is
// diagnostic only and never reaches OnEvent. Handlers.OnExit fires exactly
// once per Spawn, whatever ends the worker.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
)

const (
	defaultGracePeriod   = 2 * time.Second
	defaultScannerBuffer = 1 << 20
)

// Outcome classifies how a worker ended.
type Outcome int

const (
	OutcomeExited Outcome = iota
	OutcomeCancelled
	OutcomeTimedOut
	OutcomeSpawnFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSpawnFailed:
		return "spawn_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the single terminal signal of a spawn.
type Result struct {
	Outcome Outcome
	// ExitCode is the worker's exit status for OutcomeExited. It is -1 when
	// the worker died from a signal or never ran.
	ExitCode  int
	Err       error
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is the worker's wall-clock run time.
func (r Result) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Spec describes one worker invocation.
type Spec struct {
	Command string
	Args    []string
	// Env is added on top of the server's own environment.
	Env map[string]string
	Dir string
	// Input is serialized to JSON once and written to the worker's stdin.
	Input any
	// Timeout of zero means no limit.
	Timeout time.Duration
}

// Handlers receive the worker's output. OnEvent and OnStderr run on
// separate goroutines; each is called sequentially for its own stream.
type Handlers struct {
	OnEvent  func(protocol.Event)
	OnStderr func(line string)
	OnExit   func(Result)
}

type Options struct {
	// GracePeriod is how long a terminated worker gets between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration
	// ScannerBuffer caps a single stdout line; longer lines are truncated
	// and surfaced as log events.
	ScannerBuffer int
}

// Bridge spawns workers. It holds no per-session state and is safe for
// concurrent use.
type Bridge struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Bridge {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.ScannerBuffer <= 0 {
		opts.ScannerBuffer = defaultScannerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{opts: opts, logger: logger}
}

// Spawn launches the worker described by spec. The returned error is only
// non-nil when spec.Input cannot be serialized; in that case nothing was
// started and no handler will be called. A worker that cannot be launched
// is reported through OnExit with OutcomeSpawnFailed.
func (b *Bridge) Spawn(spec Spec, h Handlers) (*Handle, error) {
	input, err := json.Marshal(spec.Input)
	if err != nil {
		return nil, fmt.Errorf("bridge: serialize input: %w", err)
	}
	input = append(input, '\n')

	logger := b.logger.With("command", spec.Command)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Dir = spec.Dir
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return b.spawnFailed(h, logger, fmt.Errorf("stdin pipe: %w", err)), nil
	}
	// Output pipes are owned here rather than by cmd so that Wait returns
	// when the worker exits, even if a leftover child still holds them.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return b.spawnFailed(h, logger, fmt.Errorf("stdout pipe: %w", err)), nil
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return b.spawnFailed(h, logger, fmt.Errorf("stderr pipe: %w", err)), nil
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return b.spawnFailed(h, logger, err), nil
	}

	hd := newHandle(cmd.Process.Pid, b.opts.GracePeriod, logger.With("pid", cmd.Process.Pid))
	logger.Debug("worker started", "pid", hd.pid, "args", spec.Args)

	if spec.Timeout > 0 {
		hd.setTimeout(spec.Timeout)
	}

	go hd.writeInput(stdin, input)
	go hd.run(cmd, stdout, stderr, h, b.opts.ScannerBuffer)
	return hd, nil
}

func (b *Bridge) spawnFailed(h Handlers, logger *slog.Logger, err error) *Handle {
	logger.Warn("worker spawn failed", "error", err)
	hd := newHandle(0, b.opts.GracePeriod, logger)
	now := time.Now()
	res := Result{
		Outcome:   OutcomeSpawnFailed,
		ExitCode:  -1,
		Err:       err,
		StartedAt: now,
		EndedAt:   now,
	}
	hd.mu.Lock()
	hd.exited = true
	hd.mu.Unlock()
	go hd.finish(res, h.OnExit)
	return hd
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// mergeEnv appends extra on top of base in a deterministic order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
