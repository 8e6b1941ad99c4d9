//go:build unix

package bridge

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
)

type stopReason int

const (
	reasonNone stopReason = iota
	reasonCancel
	reasonTimeout
)

// Handle controls one spawned worker.
type Handle struct {
	pid       int
	grace     time.Duration
	logger    *slog.Logger
	startedAt time.Time

	mu           sync.Mutex
	exited       bool
	reason       stopReason
	timeoutTimer *time.Timer
	killTimer    *time.Timer
	result       Result

	done chan struct{}
}

func newHandle(pid int, grace time.Duration, logger *slog.Logger) *Handle {
	return &Handle{
		pid:       pid,
		grace:     grace,
		logger:    logger,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// PID returns the worker's process id, or 0 if it never started.
func (h *Handle) PID() int {
	return h.pid
}

// Done is closed after OnExit has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result once Done is closed.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return Result{}, false
	}
}

// Alive reports whether the worker process still exists.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	if h.pid <= 0 {
		return false
	}
	return pidExists(h.pid)
}

// Cancel starts the SIGTERM -> grace -> SIGKILL sequence. Only the first
// call (or timeout) has an effect, and nothing happens once the worker has
// exited.
func (h *Handle) Cancel() {
	h.terminate(reasonCancel)
}

func (h *Handle) setTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeoutTimer = time.AfterFunc(d, func() {
		h.logger.Warn("worker timed out", "timeout", d)
		h.terminate(reasonTimeout)
	})
	h.mu.Unlock()
}

func (h *Handle) terminate(r stopReason) {
	h.mu.Lock()
	if h.exited || h.reason != reasonNone {
		h.mu.Unlock()
		return
	}
	h.reason = r
	h.killTimer = time.AfterFunc(h.grace, h.forceKill)
	h.mu.Unlock()

	if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
		h.logger.Debug("SIGTERM failed", "error", err)
	}
}

func (h *Handle) forceKill() {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return
	}
	h.logger.Warn("worker ignored SIGTERM, killing", "grace", h.grace)
	killTree(h.pid)
}

func (h *Handle) writeInput(stdin io.WriteCloser, input []byte) {
	if _, err := stdin.Write(input); err != nil {
		// Workers may exit without reading their input.
		h.logger.Debug("writing worker input", "error", err)
	}
	if err := stdin.Close(); err != nil {
		h.logger.Debug("closing worker stdin", "error", err)
	}
}

// run reads the worker's output until both pipes are drained and the
// worker has exited. The outcome is fixed when the worker process exits;
// anything left in its group is killed then, and pipes still held open
// after the grace period are closed from this side.
func (h *Handle) run(cmd *exec.Cmd, stdout, stderr *os.File, handlers Handlers, maxLine int) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := scanLines(stderr, maxLine, func(line string, _ bool) {
			if handlers.OnStderr != nil {
				handlers.OnStderr(line)
			}
		})
		if err != nil {
			h.logger.Debug("reading worker stderr", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		err := scanLines(stdout, maxLine, func(line string, truncated bool) {
			if isBlank(line) {
				return
			}
			ev := protocol.Decode(line)
			if truncated {
				h.logger.Warn("worker line exceeded buffer, truncated", "limit", maxLine)
				ev = protocol.Fallback(line)
			}
			if handlers.OnEvent != nil {
				handlers.OnEvent(ev)
			}
		})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			h.logger.Warn("reading worker stdout", "error", err)
		}
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	waitErr := cmd.Wait()
	endedAt := time.Now()

	h.mu.Lock()
	h.exited = true
	reason := h.reason
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.mu.Unlock()

	// The group outlives its leader while members remain, so its id cannot
	// have been reused yet.
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		h.logger.Debug("killing leftover group members", "error", err)
	}
	select {
	case <-drained:
	case <-time.After(h.grace):
		h.logger.Warn("worker output still open after exit, closing", "grace", h.grace)
		_ = stdout.Close()
		_ = stderr.Close()
		<-drained
	}
	_ = stdout.Close()
	_ = stderr.Close()

	res := Result{
		ExitCode:  -1,
		PID:       h.pid,
		StartedAt: h.startedAt,
		EndedAt:   endedAt,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	switch reason {
	case reasonCancel:
		res.Outcome = OutcomeCancelled
	case reasonTimeout:
		res.Outcome = OutcomeTimedOut
	default:
		res.Outcome = OutcomeExited
	}

	h.logger.Debug("worker finished", "outcome", res.Outcome, "exit_code", res.ExitCode, "duration", res.Duration())
	h.finish(res, handlers.OnExit)
}

func (h *Handle) finish(res Result, onExit func(Result)) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	defer close(h.done)
	if onExit != nil {
		onExit(res)
	}
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
