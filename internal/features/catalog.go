package features

import (
	"github.com/agent-racer/streambridge/internal/config"
)

var descriptions = map[string]string{
	"solver":  "Visual puzzle solver",
	"council": "Multi-model council deliberation",
	"agent":   "Game-playing agent",
}

// FromConfig builds one feature per configured worker. The names solver,
// council and agent get typed requests; any other name accepts a plain JSON
// object.
func FromConfig(cfg *config.Config) []Feature {
	out := make([]Feature, 0, len(cfg.Features))
	for _, name := range cfg.FeatureNames() {
		fc := cfg.Features[name]
		info := Info{
			Name:        name,
			Description: fc.Description,
			EventPrefix: fc.EventPrefix,
		}
		if info.Description == "" {
			info.Description = descriptions[name]
		}
		w := Worker{
			Command:              fc.Command,
			Args:                 append([]string(nil), fc.Args...),
			Env:                  fc.Env,
			Dir:                  fc.Dir,
			Timeout:              cfg.FeatureTimeout(name),
			ActivateOnFirstEvent: fc.ActivateOnFirstEvent,
		}
		out = append(out, build(info, w))
	}
	return out
}

func build(info Info, w Worker) Feature {
	switch info.Name {
	case "solver":
		return NewTyped[SolverRequest](info, w)
	case "council":
		return NewTyped[CouncilRequest](info, w)
	case "agent":
		return NewTyped[AgentRequest](info, w)
	default:
		return NewTyped[Object](info, w)
	}
}
