// Package agents holds the trading agents signals are bought from and the
// engines that produce their recommendations.
package agents

import "sort"

type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// Agent is a named persona with a fixed risk appetite.
type Agent struct {
	ID        string    `json:"agentId"`
	Name      string    `json:"agentName"`
	RiskLevel RiskLevel `json:"riskLevel"`
}

// Profile returns the defaults and ranges for the agent's risk level.
func (a Agent) Profile() RiskProfile {
	return profileFor(a.RiskLevel)
}

// RiskProfile bounds what an agent of a given risk level recommends.
type RiskProfile struct {
	DefaultLeverage  float64
	DefaultPortfolio float64
	Guideline        string
}

func profileFor(level RiskLevel) RiskProfile {
	switch level {
	case RiskHigh:
		return RiskProfile{
			DefaultLeverage:  50,
			DefaultPortfolio: 20,
			Guideline:        "You are a HIGH RISK trader. Recommend leverage 20-100x, larger portfolio allocation (15-30%), and aggressive TP/SL ratios (3:1 or higher).",
		}
	case RiskMedium:
		return RiskProfile{
			DefaultLeverage:  15,
			DefaultPortfolio: 10,
			Guideline:        "You are a MEDIUM RISK trader. Recommend leverage 5-25x, moderate portfolio allocation (5-15%), and balanced TP/SL ratios (2:1).",
		}
	default:
		return RiskProfile{
			DefaultLeverage:  3,
			DefaultPortfolio: 5,
			Guideline:        "You are a LOW RISK trader. Recommend leverage 1-10x, conservative portfolio allocation (2-8%), and tighter TP/SL ratios (1.5:1).",
		}
	}
}

// Registry is the fixed set of agents the service sells signals for.
type Registry struct {
	byID map[string]Agent
}

// DefaultAgents are the three production personas.
func DefaultAgents() []Agent {
	return []Agent{
		{ID: "zyra", Name: "Zyra", RiskLevel: RiskHigh},
		{ID: "aria", Name: "Aria", RiskLevel: RiskMedium},
		{ID: "nova", Name: "Nova", RiskLevel: RiskLow},
	}
}

func NewRegistry(agents ...Agent) *Registry {
	if len(agents) == 0 {
		agents = DefaultAgents()
	}
	r := &Registry{byID: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.byID[a.ID] = a
	}
	return r
}

func (r *Registry) Get(id string) (Agent, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// All returns the agents ordered by id.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
