package relay

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSE carries messages as Server-Sent Events. The HTTP handler that created
// it must not return before Closed is closed.
type SSE struct {
	sess   *sse.Session
	rc     *http.ResponseController
	req    *http.Request
	closed chan struct{}
	once   sync.Once
}

// NewSSE upgrades the response to an event stream.
func NewSSE(w http.ResponseWriter, r *http.Request) (*SSE, error) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return &SSE{
		sess:   sess,
		rc:     http.NewResponseController(w),
		req:    r,
		closed: make(chan struct{}),
	}, nil
}

func (s *SSE) Write(msg []byte, seq uint64, deadline time.Time) error {
	if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	m := &sse.Message{ID: sse.ID(strconv.FormatUint(seq, 10))}
	m.AppendData(string(msg))
	if err := s.sess.Send(m); err != nil {
		return err
	}
	return s.sess.Flush()
}

func (s *SSE) Watch(gone func(error)) {
	go func() {
		select {
		case <-s.req.Context().Done():
			gone(s.req.Context().Err())
		case <-s.closed:
		}
	}()
}

func (s *SSE) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed is closed once the relay is done with the stream.
func (s *SSE) Closed() <-chan struct{} {
	return s.closed
}
