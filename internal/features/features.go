// Package features adapts the generic session machinery to concrete
// computations. Each feature supplies the worker to run, the shape of its
// input and an optional rewrite of the events the worker emits.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
)

// ErrInvalid wraps every request validation failure.
var ErrInvalid = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Worker describes the process behind a feature.
type Worker struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
	// ActivateOnFirstEvent keeps a session in "starting" until the worker
	// emits its first decodable event.
	ActivateOnFirstEvent bool
}

// Info is the public description of a feature.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	EventPrefix string `json:"eventPrefix,omitempty"`
}

type Feature interface {
	Name() string
	Info() Info
	Worker() Worker
	// Build validates a raw client request and returns the worker input.
	Build(raw json.RawMessage) (any, error)
	// Transform rewrites a worker event before it reaches the client.
	Transform(ev protocol.Event) protocol.Event
}

// Request is a typed feature input.
type Request interface {
	Validate() error
}

// Typed is a Feature whose input is decoded into Req.
type Typed[Req Request] struct {
	info   Info
	worker Worker
}

func NewTyped[Req Request](info Info, worker Worker) *Typed[Req] {
	return &Typed[Req]{info: info, worker: worker}
}

func (f *Typed[Req]) Name() string   { return f.info.Name }
func (f *Typed[Req]) Info() Info     { return f.info }
func (f *Typed[Req]) Worker() Worker { return f.worker }

// Build decodes raw strictly into Req and validates it.
func (f *Typed[Req]) Build(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, invalidf("request body is empty")
	}
	var req Req
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, invalidf("decoding %s request: %v", f.info.Name, err)
	}
	if dec.More() {
		return nil, invalidf("trailing data after %s request", f.info.Name)
	}
	if err := req.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}
	return req, nil
}

func (f *Typed[Req]) Transform(ev protocol.Event) protocol.Event {
	return Rewrite(ev, f.info.EventPrefix)
}

// Rewrite namespaces ev.Type under prefix and drops top-level data keys
// starting with "_". Fallback log events keep their type.
func Rewrite(ev protocol.Event, prefix string) protocol.Event {
	if prefix != "" && !protocol.IsFallback(ev) {
		ev.Type = prefix + "." + ev.Type
	}
	ev.Data = stripInternal(ev.Data)
	return ev
}

func stripInternal(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return data
	}
	stripped := false
	for k := range obj {
		if strings.HasPrefix(k, "_") {
			delete(obj, k)
			stripped = true
		}
	}
	if !stripped {
		return data
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
