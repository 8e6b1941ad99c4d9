// Package relay forwards one session's events to exactly one client
// connection. Events go onto a bounded queue drained by a single write pump.
// A push onto a full queue waits up to the write timeout for room, and a
// client that still cannot keep up is detached.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
)

var (
	ErrAlreadyAttached = errors.New("relay: transport already attached")
	ErrClosed          = errors.New("relay: closed")
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Transport is a client connection able to carry encoded messages.
type Transport interface {
	// Write sends one encoded message, giving up at deadline.
	Write(msg []byte, seq uint64, deadline time.Time) error
	// Watch starts observing the peer and calls gone once if it hangs up.
	Watch(gone func(error))
	// Close ends the stream.
	Close() error
}

type Options struct {
	BufferSize int
	// WriteTimeout bounds a single transport write and the time a push may
	// wait on a full queue.
	WriteTimeout time.Duration
	// OnDisconnect runs once, off the relay lock, when the client is
	// detached before Close.
	OnDisconnect func(err error)
}

type queued struct {
	seq  uint64
	data []byte
}

type Relay struct {
	sessionID string
	opts      Options
	logger    *slog.Logger

	// pushMu serializes pushes and guards the send side of queue.
	pushMu sync.Mutex

	mu        sync.Mutex
	transport Transport
	queue     chan queued
	gone      chan struct{}
	final     *queued
	seq       uint64
	closed    bool
	detached  bool
	pumping   bool

	sent     atomic.Uint64
	done     chan struct{}
	doneOnce sync.Once
}

func New(sessionID string, opts Options, logger *slog.Logger) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With("session", sessionID),
		queue:     make(chan queued, opts.BufferSize),
		gone:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Attach binds the relay to its only transport and starts the write pump.
// Events pushed before Attach are delivered once it succeeds.
func (r *Relay) Attach(t Transport) error {
	r.mu.Lock()
	if r.closed || r.detached {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.transport != nil {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	r.transport = t
	r.pumping = true
	r.mu.Unlock()

	t.Watch(r.ClientGone)
	go r.pump(t)
	return nil
}

// Push enqueues ev in order. When the queue is full it waits up to
// WriteTimeout for the pump to make room, then detaches the client. It
// returns false if the event was not accepted.
func (r *Relay) Push(ev protocol.Event) bool {
	r.pushMu.Lock()
	r.mu.Lock()
	if r.closed || r.detached {
		r.mu.Unlock()
		r.pushMu.Unlock()
		return false
	}
	q, err := r.encodeLocked(ev)
	r.mu.Unlock()
	if err != nil {
		r.pushMu.Unlock()
		r.logger.Warn("dropping unencodable event", "type", ev.Type, "error", err)
		return false
	}

	ok, stalled := r.enqueue(q)
	r.pushMu.Unlock()
	if stalled {
		r.detach(fmt.Errorf("client too slow: %d events buffered for %s", r.opts.BufferSize, r.opts.WriteTimeout))
	}
	return ok
}

func (r *Relay) enqueue(q queued) (ok, stalled bool) {
	select {
	case r.queue <- q:
		return true, false
	default:
	}
	timer := time.NewTimer(r.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case r.queue <- q:
		return true, false
	case <-r.gone:
		return false, false
	case <-timer.C:
		return false, true
	}
}

// Close delivers final (if any) after everything already queued, then ends
// the transport. It is safe to call more than once. A push in progress is
// allowed to finish first.
func (r *Relay) Close(final *protocol.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if final != nil && !r.detached {
		if q, err := r.encodeLocked(*final); err == nil {
			r.final = &q
		} else {
			r.logger.Warn("dropping unencodable final event", "type", final.Type, "error", err)
		}
	}
	pumping := r.pumping
	r.mu.Unlock()

	r.pushMu.Lock()
	close(r.queue)
	r.pushMu.Unlock()

	if !pumping {
		r.release()
	}
}

// Error closes the relay with an error terminal event.
func (r *Relay) Error(code, message string) {
	ev := protocol.Failure(code, message)
	r.Close(&ev)
}

// ClientGone reports that the peer hung up. After Close it is a no-op.
func (r *Relay) ClientGone(err error) {
	r.detach(err)
}

// Done is closed once the transport has been released.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Detached reports whether the client was lost before Close.
func (r *Relay) Detached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

// Sent returns the number of messages written to the client.
func (r *Relay) Sent() uint64 {
	return r.sent.Load()
}

func (r *Relay) SessionID() string {
	return r.sessionID
}

func (r *Relay) encodeLocked(ev protocol.Event) (queued, error) {
	payload := ev.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	r.seq++
	data, err := json.Marshal(protocol.Message{
		Seq:       r.seq,
		SessionID: r.sessionID,
		Type:      ev.Type,
		Data:      payload,
	})
	if err != nil {
		r.seq--
		return queued{}, err
	}
	return queued{seq: r.seq, data: data}, nil
}

func (r *Relay) detach(err error) {
	r.mu.Lock()
	if r.closed || r.detached {
		r.mu.Unlock()
		return
	}
	r.detached = true
	close(r.gone)
	pumping := r.pumping
	r.mu.Unlock()

	r.logger.Info("client detached", "error", err)
	if !pumping {
		r.release()
	}
	if r.opts.OnDisconnect != nil {
		r.opts.OnDisconnect(err)
	}
}

func (r *Relay) isDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

func (r *Relay) release() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Relay) pump(t Transport) {
	defer r.release()
	defer func() {
		if err := t.Close(); err != nil {
			r.logger.Debug("closing transport", "error", err)
		}
	}()

	for {
		select {
		case <-r.gone:
			return
		case q, ok := <-r.queue:
			if !ok {
				r.mu.Lock()
				final := r.final
				r.mu.Unlock()
				if final != nil && !r.isDetached() {
					r.write(t, *final)
				}
				return
			}
			if r.isDetached() {
				return
			}
			if !r.write(t, q) {
				return
			}
		}
	}
}

func (r *Relay) write(t Transport, q queued) bool {
	if err := t.Write(q.data, q.seq, time.Now().Add(r.opts.WriteTimeout)); err != nil {
		r.detach(fmt.Errorf("write: %w", err))
		return false
	}
	r.sent.Add(1)
	return true
}
