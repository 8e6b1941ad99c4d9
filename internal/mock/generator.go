// Package mock generates scripted worker output for demos and tests. It
// speaks the worker side of the protocol: one JSON input line on stdin, one
// event per stdout line.
package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
)

// Patterns select how a generated run behaves.
const (
	PatternSteady = "steady"
	PatternBurst  = "burst"
	PatternStall  = "stall"
	PatternError  = "error"
	PatternCrash  = "crash"
	PatternNoisy  = "noisy"
)

var Patterns = []string{PatternSteady, PatternBurst, PatternStall, PatternError, PatternCrash, PatternNoisy}

// ErrCrash is returned by Run for PatternCrash after partial output.
var ErrCrash = errors.New("mock: simulated crash")

var commonTools = []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob"}

type Options struct {
	Feature string
	Pattern string
	Steps   int
	Tick    time.Duration
	Seed    int64
	// Stderr receives diagnostic lines for PatternNoisy.
	Stderr io.Writer
}

type Generator struct {
	opts Options
	out  io.Writer
	rng  *rand.Rand
}

func NewGenerator(out io.Writer, opts Options) (*Generator, error) {
	if opts.Pattern == "" {
		opts.Pattern = PatternSteady
	}
	known := false
	for _, p := range Patterns {
		known = known || p == opts.Pattern
	}
	if !known {
		return nil, fmt.Errorf("mock: unknown pattern %q", opts.Pattern)
	}
	if opts.Steps <= 0 {
		opts.Steps = 10
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{opts: opts, out: out, rng: rand.New(rand.NewSource(seed))}, nil
}

// ReadInput reads the single JSON input line. An empty stdin yields nil.
func ReadInput(r io.Reader) (map[string]any, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(line) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(line, &input); err != nil {
		return nil, fmt.Errorf("mock: decoding input: %w", err)
	}
	return input, nil
}

// Run emits the scripted events until the steps are exhausted or ctx is
// cancelled.
func (g *Generator) Run(ctx context.Context, input map[string]any) error {
	if err := g.emit("started", map[string]any{
		"feature": g.opts.Feature,
		"pattern": g.opts.Pattern,
		"steps":   g.opts.Steps,
		"input":   input,
	}); err != nil {
		return err
	}

	errorAt := g.opts.Steps / 2
	for step := 1; step <= g.opts.Steps; step++ {
		if err := g.wait(ctx, g.delay(step)); err != nil {
			return err
		}

		switch {
		case g.opts.Pattern == PatternError && step > errorAt:
			return g.emit("error", map[string]any{"message": fmt.Sprintf("worker gave up at step %d", step)})
		case g.opts.Pattern == PatternCrash && step > errorAt:
			fmt.Fprintf(g.opts.Stderr, "panic: simulated crash at step %d\n", step)
			return ErrCrash
		}

		n := 1
		if g.opts.Pattern == PatternBurst && step%4 < 2 {
			n = 3
		}
		for i := 0; i < n; i++ {
			if err := g.advance(step); err != nil {
				return err
			}
		}
		if g.opts.Pattern == PatternNoisy {
			if err := g.noise(step); err != nil {
				return err
			}
		}
	}

	return g.emit("result", g.result())
}

func (g *Generator) delay(step int) time.Duration {
	d := g.opts.Tick
	if g.opts.Pattern == PatternStall && step == g.opts.Steps/2 {
		d *= 10
	}
	return d
}

// advance emits the feature's progress event for one step.
func (g *Generator) advance(step int) error {
	total := g.opts.Steps
	progress := float64(step) / float64(total)
	switch g.opts.Feature {
	case "solver":
		return g.emit("step", map[string]any{
			"step":     step,
			"total":    total,
			"progress": progress,
			"action":   commonTools[g.rng.Intn(len(commonTools))],
			"_scratch": g.rng.Int63(),
		})
	case "council":
		return g.emit("turn", map[string]any{
			"round":  (step-1)/3 + 1,
			"member": fmt.Sprintf("member-%d", (step-1)%3+1),
			"text":   fmt.Sprintf("position %d", g.rng.Intn(100)),
		})
	case "agent":
		return g.emit("episode", map[string]any{
			"episode": step,
			"reward":  float64(g.rng.Intn(1000)) / 10,
			"done":    step == total,
		})
	default:
		return g.emit("progress", map[string]any{"step": step, "total": total, "progress": progress})
	}
}

func (g *Generator) noise(step int) error {
	fmt.Fprintf(g.opts.Stderr, "debug: step %d done\n", step)
	_, err := fmt.Fprintf(g.out, "plain text at step %d\n", step)
	return err
}

func (g *Generator) result() map[string]any {
	out := map[string]any{
		"steps":  g.opts.Steps,
		"_trace": fmt.Sprintf("%x", g.rng.Int63()),
	}
	switch g.opts.Feature {
	case "solver":
		out["solved"] = true
	case "council":
		out["consensus"] = g.rng.Intn(2) == 0
	case "agent":
		out["score"] = g.rng.Intn(10000)
	}
	return out
}

func (g *Generator) emit(typ string, data any) error {
	ev, err := protocol.NewEvent(typ, data)
	if err != nil {
		return err
	}
	line, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	_, err = g.out.Write(line)
	return err
}

func (g *Generator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
