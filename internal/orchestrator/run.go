package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-racer/streambridge/internal/bridge"
	"github.com/agent-racer/streambridge/internal/features"
	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/agent-racer/streambridge/internal/relay"
	"github.com/agent-racer/streambridge/internal/results"
	"github.com/agent-racer/streambridge/internal/session"
)

const (
	reasonUser       = protocol.ReasonUser
	reasonDisconnect = protocol.ReasonDisconnect
	reasonShutdown   = protocol.ReasonShutdown
)

// reservedPrefix is put in front of worker events whose type would collide
// with a terminal message.
const reservedPrefix = "worker."

// run is the state of one started session.
type run struct {
	id      string
	feature features.Feature
	relay   *relay.Relay
	logger  *slog.Logger

	mu            sync.Mutex
	handle        *bridge.Handle
	cancelReason  string
	pendingCancel bool
	workerErr     *protocol.ErrorInfo
	events        int
	activated     bool
	ended         bool
	activate      func()
}

// Start claims a staged session and streams it to t. The returned relay is
// never nil: when the claim fails it carries the error message to the
// client, and the claim error is returned as well.
func (o *Orchestrator) Start(sessionID string, t relay.Transport) (*relay.Relay, error) {
	logger := o.logger.With("session", sessionID)

	staged, err := o.registry.Claim(sessionID)
	if err != nil {
		rl := relay.New(sessionID, o.relayOptions(nil), o.logger)
		attach(rl, t, logger)
		code, msg := claimFailure(err)
		logger.Info("stream refused", "code", code)
		rl.Error(code, msg)
		return rl, err
	}

	o.mu.Lock()
	f, ok := o.features[staged.Feature]
	o.mu.Unlock()

	if !ok {
		rl := relay.New(sessionID, o.relayOptions(nil), o.logger)
		attach(rl, t, logger)
		rl.Error(protocol.CodeSpawnFailed, fmt.Sprintf("feature %q is no longer registered", staged.Feature))
		return rl, fmt.Errorf("%w %q", ErrUnknownFeature, staged.Feature)
	}

	logger = logger.With("feature", f.Name())
	r := &run{
		id:      sessionID,
		feature: f,
		logger:  logger,
	}
	r.relay = relay.New(sessionID, o.relayOptions(func(err error) {
		logger.Info("client disconnected, cancelling worker", "error", err)
		r.cancel(reasonDisconnect)
	}), o.logger)
	attach(r.relay, t, logger)

	// The run is visible to Cancel from here on, before the worker exists.
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		ev := protocol.Cancelled(reasonShutdown)
		r.relay.Close(&ev)
		return r.relay, ErrShuttingDown
	}
	o.runs[sessionID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	worker := f.Worker()
	now := time.Now()
	if err := o.table.Add(&session.Running{
		ID:        sessionID,
		Feature:   f.Name(),
		Status:    session.Starting,
		StartedAt: now,
	}); err != nil {
		// Claim hands out each id once, so this is a programming error.
		o.mu.Lock()
		delete(o.runs, sessionID)
		o.mu.Unlock()
		o.wg.Done()
		r.relay.Error(protocol.CodeSpawnFailed, err.Error())
		return r.relay, err
	}
	r.activate = func() {
		if err := o.table.Transition(sessionID, session.Active); err != nil {
			logger.Debug("activate skipped", "error", err)
		}
	}

	r.mu.Lock()
	cancelled := r.pendingCancel
	r.mu.Unlock()
	if cancelled {
		o.teardown(r, bridge.Result{
			Outcome:   bridge.OutcomeCancelled,
			ExitCode:  -1,
			StartedAt: now,
			EndedAt:   time.Now(),
		})
		return r.relay, nil
	}

	spec := bridge.Spec{
		Command: worker.Command,
		Args:    worker.Args,
		Env:     worker.Env,
		Dir:     worker.Dir,
		Input:   staged.Payload,
		Timeout: worker.Timeout,
	}
	h, err := o.bridge.Spawn(spec, bridge.Handlers{
		OnEvent:  func(ev protocol.Event) { o.onEvent(r, ev) },
		OnStderr: func(line string) { logger.Debug("worker stderr", "line", line) },
		OnExit:   func(res bridge.Result) { o.teardown(r, res) },
	})
	if err != nil {
		o.teardown(r, bridge.Result{
			Outcome:   bridge.OutcomeSpawnFailed,
			ExitCode:  -1,
			Err:       err,
			StartedAt: now,
			EndedAt:   time.Now(),
		})
		return r.relay, nil
	}

	o.table.Update(sessionID, func(s *session.Running) { s.PID = h.PID() })
	logger.Info("session started", "pid", h.PID())

	r.mu.Lock()
	r.handle = h
	cancelNow := r.pendingCancel
	r.mu.Unlock()
	if cancelNow {
		h.Cancel()
	}

	if !worker.ActivateOnFirstEvent {
		r.mu.Lock()
		r.markActiveLocked()
		r.mu.Unlock()
	}
	return r.relay, nil
}

func attach(rl *relay.Relay, t relay.Transport, logger *slog.Logger) {
	if err := rl.Attach(t); err != nil {
		logger.Warn("attaching transport failed", "error", err)
		t.Close()
	}
}

func claimFailure(err error) (code, message string) {
	switch {
	case errors.Is(err, session.ErrExpired):
		return protocol.CodeSessionExpired, "session expired before the stream was opened"
	case errors.Is(err, session.ErrAlreadyClaimed):
		return protocol.CodeSessionAlreadyStarted, "session has already been started"
	default:
		return protocol.CodeSessionNotFound, "no such session"
	}
}

// markActiveLocked moves the session to active once.
func (r *run) markActiveLocked() {
	if r.activated {
		return
	}
	r.activated = true
	r.activate()
}

// cancel asks the worker to stop. The first reason wins. It reports
// whether the run had not yet ended.
func (r *run) cancel(reason string) bool {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return false
	}
	if r.cancelReason != "" {
		r.mu.Unlock()
		return true
	}
	r.cancelReason = reason
	h := r.handle
	if h == nil {
		r.pendingCancel = true
	}
	r.mu.Unlock()

	r.logger.Info("cancelling session", "reason", reason)
	if h != nil {
		h.Cancel()
	}
	return true
}

func (o *Orchestrator) onEvent(r *run, ev protocol.Event) {
	r.mu.Lock()
	r.events++
	if ev.Type == protocol.TypeError && r.workerErr == nil {
		info := workerError(ev.Data)
		r.workerErr = &info
	}
	if r.feature.Worker().ActivateOnFirstEvent && !protocol.IsFallback(ev) {
		r.markActiveLocked()
	}
	r.mu.Unlock()

	out := r.feature.Transform(ev)
	if protocol.IsTerminal(out.Type) {
		out.Type = reservedPrefix + out.Type
	}
	if r.relay.Push(out) {
		o.table.Update(r.id, func(s *session.Running) { s.Events++ })
	}
}

// workerError extracts a message from the data of a worker "error" event.
func workerError(data json.RawMessage) protocol.ErrorInfo {
	info := protocol.ErrorInfo{Code: protocol.CodeWorkerError}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	var s string
	switch {
	case json.Unmarshal(data, &obj) == nil && obj.Message != "":
		info.Message = obj.Message
	case json.Unmarshal(data, &obj) == nil && obj.Error != "":
		info.Message = obj.Error
	case json.Unmarshal(data, &s) == nil && s != "":
		info.Message = s
	default:
		info.Message = "worker reported an error"
	}
	return info
}

// teardown runs once per started session, from the bridge's OnExit.
func (o *Orchestrator) teardown(r *run, res bridge.Result) {
	r.mu.Lock()
	r.ended = true
	reason := r.cancelReason
	workerErr := r.workerErr
	events := r.events
	r.mu.Unlock()

	status, final := classify(res, reason, workerErr, events, r.feature.Worker().Timeout)

	if err := o.table.Transition(r.id, status); err != nil {
		r.logger.Warn("status transition failed", "status", status, "error", err)
	}
	r.relay.Close(&final)

	logAttrs := []any{"status", status, "outcome", res.Outcome, "exit_code", res.ExitCode, "events", events, "duration", res.Duration()}
	if res.Err != nil {
		logAttrs = append(logAttrs, "error", res.Err)
	}
	if status == session.Errored {
		r.logger.Warn("session ended", logAttrs...)
	} else {
		r.logger.Info("session ended", logAttrs...)
	}

	go func() {
		defer o.wg.Done()
		<-r.relay.Done()

		sum := summarize(r, res, status, final, events)
		if cur, ok := o.table.Get(r.id); ok {
			sum.CPUPercent = cur.CPUPercent
			sum.RSSBytes = cur.RSSBytes
		}
		if o.recorder != nil {
			o.recorder.Record(sum)
		}

		o.table.Remove(r.id)
		o.mu.Lock()
		delete(o.runs, r.id)
		o.mu.Unlock()
	}()
}

func classify(res bridge.Result, reason string, workerErr *protocol.ErrorInfo, events int, timeout time.Duration) (session.Status, protocol.Event) {
	switch res.Outcome {
	case bridge.OutcomeCancelled:
		if reason == "" {
			reason = reasonUser
		}
		return session.Cancelled, protocol.Cancelled(reason)
	case bridge.OutcomeTimedOut:
		return session.Errored, protocol.Failure(protocol.CodeTimeout, fmt.Sprintf("worker exceeded its %s time limit", timeout))
	case bridge.OutcomeSpawnFailed:
		msg := "worker could not be started"
		if res.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, res.Err)
		}
		return session.Errored, protocol.Failure(protocol.CodeSpawnFailed, msg)
	}

	switch {
	case workerErr != nil:
		return session.Errored, protocol.Failure(workerErr.Code, workerErr.Message)
	case res.ExitCode != 0:
		return session.Errored, protocol.Failure(protocol.CodeWorkerCrashed, fmt.Sprintf("worker exited with code %d", res.ExitCode))
	default:
		return session.Completed, protocol.Completed(protocol.Summary{
			ExitCode:   res.ExitCode,
			Events:     events,
			DurationMs: res.Duration().Milliseconds(),
		})
	}
}

func summarize(r *run, res bridge.Result, status session.Status, final protocol.Event, events int) results.Summary {
	sum := results.Summary{
		SessionID:      r.id,
		Feature:        r.feature.Name(),
		Status:         status.String(),
		ExitCode:       res.ExitCode,
		PID:            res.PID,
		Events:         events,
		Delivered:      r.relay.Sent(),
		ClientDetached: r.relay.Detached(),
		StartedAt:      res.StartedAt,
		EndedAt:        res.EndedAt,
		DurationMs:     res.Duration().Milliseconds(),
	}
	switch final.Type {
	case protocol.TypeCancelled:
		var info protocol.CancelInfo
		if json.Unmarshal(final.Data, &info) == nil {
			sum.Reason = info.Reason
		}
	case protocol.TypeError:
		var info protocol.ErrorInfo
		if json.Unmarshal(final.Data, &info) == nil {
			sum.Code = info.Code
			sum.Message = info.Message
		}
	}
	return sum
}
