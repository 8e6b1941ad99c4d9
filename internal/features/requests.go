package features

import (
	"errors"
	"fmt"
	"strings"
)

var solverAlgorithms = map[string]bool{
	"":          true,
	"bfs":       true,
	"dfs":       true,
	"astar":     true,
	"heuristic": true,
}

// SolverRequest asks a worker to solve one visual puzzle.
type SolverRequest struct {
	Puzzle    string `json:"puzzle"`
	Algorithm string `json:"algorithm,omitempty"`
	MaxSteps  int    `json:"maxSteps,omitempty"`
}

func (r SolverRequest) Validate() error {
	if strings.TrimSpace(r.Puzzle) == "" {
		return errors.New("puzzle is required")
	}
	if !solverAlgorithms[r.Algorithm] {
		return fmt.Errorf("unknown algorithm %q", r.Algorithm)
	}
	if r.MaxSteps < 0 {
		return errors.New("maxSteps must not be negative")
	}
	return nil
}

const maxCouncilMembers = 8

// CouncilRequest puts one question to several models that deliberate over
// a number of rounds.
type CouncilRequest struct {
	Question string   `json:"question"`
	Members  []string `json:"members"`
	Rounds   int      `json:"rounds,omitempty"`
}

func (r CouncilRequest) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return errors.New("question is required")
	}
	if len(r.Members) == 0 {
		return errors.New("at least one member is required")
	}
	if len(r.Members) > maxCouncilMembers {
		return fmt.Errorf("at most %d members are allowed", maxCouncilMembers)
	}
	seen := make(map[string]bool, len(r.Members))
	for _, m := range r.Members {
		if strings.TrimSpace(m) == "" {
			return errors.New("member names must not be empty")
		}
		if seen[m] {
			return fmt.Errorf("duplicate member %q", m)
		}
		seen[m] = true
	}
	if r.Rounds < 0 {
		return errors.New("rounds must not be negative")
	}
	return nil
}

// AgentRequest runs a game-playing agent for some episodes.
type AgentRequest struct {
	Game     string `json:"game"`
	Agent    string `json:"agent"`
	Episodes int    `json:"episodes,omitempty"`
	Seed     *int64 `json:"seed,omitempty"`
}

func (r AgentRequest) Validate() error {
	if strings.TrimSpace(r.Game) == "" {
		return errors.New("game is required")
	}
	if strings.TrimSpace(r.Agent) == "" {
		return errors.New("agent is required")
	}
	if r.Episodes < 0 || r.Episodes > 1000 {
		return errors.New("episodes must be between 0 and 1000")
	}
	return nil
}

// Object is the input of features without a dedicated request type: any
// JSON object, passed through as is.
type Object map[string]any

func (o Object) Validate() error {
	if o == nil {
		return errors.New("request must be a JSON object")
	}
	return nil
}
