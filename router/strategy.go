package router

import (
	"math/rand"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/registry"
)

// Strategy is one routing rule: a predicate over the request and a
// selector over the registry. Strategies are tried in descending
// Priority order until one yields an agent.
type Strategy interface {
	Name() string
	Priority() int
	Applies(pre *core.PreprocessedRequest) bool
	Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64)
}

// specializedTypes trigger the agent-specialization strategy.
var specializedTypes = map[core.RequestType]bool{
	core.TypeCode:            true,
	core.TypeAnalysis:        true,
	core.TypeSpecializedTask: true,
}

// withinBudget filters out agents whose estimated spend would exceed
// the caller's MaxCost preference.
func withinBudget(pre *core.PreprocessedRequest, agent *core.AgentInfo) bool {
	prefs := pre.Request.Preferences
	if prefs == nil || prefs.MaxCost <= 0 {
		return true
	}
	est := float64(pre.EstimatedTokens.Input)*agent.CostPerInputToken +
		float64(pre.EstimatedTokens.Output)*agent.CostPerOutputToken
	return est <= prefs.MaxCost
}

func candidates(pre *core.PreprocessedRequest, reg *registry.Registry) []*core.AgentInfo {
	all := reg.List(true)
	out := all[:0]
	for _, a := range all {
		if withinBudget(pre, a) {
			out = append(out, a)
		}
	}
	return out
}

// highPriority routes urgent traffic to the fastest high-quality agent.
type highPriority struct{}

func (highPriority) Name() string  { return "highPriority" }
func (highPriority) Priority() int { return 100 }

func (highPriority) Applies(pre *core.PreprocessedRequest) bool {
	return pre.Priority >= 8
}

func (highPriority) Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64) {
	var best *core.AgentInfo
	for _, a := range candidates(pre, reg) {
		if a.LatencyP50 >= 2*time.Second {
			continue
		}
		if best == nil || a.QualityScore > best.QualityScore ||
			(a.QualityScore == best.QualityScore && registry.Better(a, best)) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, map[string]float64{
		"quality":    best.QualityScore,
		"latency_ms": float64(best.LatencyP50.Milliseconds()),
	}
}

// agentSpecialization routes specialized request types to the agent
// with the strongest matching capability.
type agentSpecialization struct{}

func (agentSpecialization) Name() string  { return "agentSpecialization" }
func (agentSpecialization) Priority() int { return 90 }

func (agentSpecialization) Applies(pre *core.PreprocessedRequest) bool {
	return specializedTypes[pre.Request.Type]
}

func (agentSpecialization) Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64) {
	matches := reg.GetByCapabilities([]string{string(pre.Request.Type)}, nil)
	for _, m := range matches {
		if m.Score < 0.6 {
			break // ranked descending, nothing below threshold qualifies
		}
		if withinBudget(pre, m.Agent) {
			return m.Agent, map[string]float64{"capability_match": m.Score}
		}
	}
	return nil, nil
}

// capabilityRequired routes requests carrying an explicit capability
// set to an agent that covers all of it.
type capabilityRequired struct{}

func (capabilityRequired) Name() string  { return "capabilityRequired" }
func (capabilityRequired) Priority() int { return 85 }

func (capabilityRequired) Applies(pre *core.PreprocessedRequest) bool {
	return len(pre.Request.RequiredCapabilities) > 0
}

func (capabilityRequired) Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64) {
	matches := reg.GetByCapabilities(pre.Request.RequiredCapabilities, nil)
	for _, m := range matches {
		if withinBudget(pre, m.Agent) {
			return m.Agent, map[string]float64{"capability_match": m.Score}
		}
	}
	return nil, nil
}

// costOptimized minimizes spend for free-tier tenants and expensive
// requests. Output tokens are weighted 3x since generation dominates.
type costOptimized struct{}

func (costOptimized) Name() string  { return "costOptimized" }
func (costOptimized) Priority() int { return 80 }

func (costOptimized) Applies(pre *core.PreprocessedRequest) bool {
	return pre.Request.Policy.Tier == core.TierFree || pre.EstimatedCost > 0.1
}

func (costOptimized) Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64) {
	var best *core.AgentInfo
	bestCost := 0.0
	for _, a := range candidates(pre, reg) {
		cost := a.CostPerInputToken + a.CostPerOutputToken*3
		if best == nil || cost < bestCost || (cost == bestCost && registry.Better(a, best)) {
			best = a
			bestCost = cost
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, map[string]float64{"unit_cost": bestCost}
}

// loadBalanced is the default: weighted random over healthy agents,
// weight proportional to free capacity times quality. A preferred
// provider doubles its weight.
type loadBalanced struct {
	rng func() float64
}

func newLoadBalanced(seed int64) *loadBalanced {
	r := rand.New(rand.NewSource(seed))
	return &loadBalanced{rng: r.Float64}
}

func (*loadBalanced) Name() string  { return "loadBalanced" }
func (*loadBalanced) Priority() int { return 70 }

func (*loadBalanced) Applies(pre *core.PreprocessedRequest) bool { return true }

func (lb *loadBalanced) Select(pre *core.PreprocessedRequest, reg *registry.Registry) (*core.AgentInfo, map[string]float64) {
	agents := candidates(pre, reg)
	if len(agents) == 0 {
		return nil, nil
	}

	preferred := ""
	if prefs := pre.Request.Preferences; prefs != nil {
		preferred = prefs.PreferredProvider
	}

	weights := make([]float64, len(agents))
	total := 0.0
	for i, a := range agents {
		w := (1 - a.Utilization()) * a.QualityScore
		if w <= 0 {
			w = 0.001
		}
		if a.ID == preferred {
			w *= 2
		}
		weights[i] = w
		total += w
	}

	target := lb.rng() * total
	acc := 0.0
	for i, a := range agents {
		acc += weights[i]
		if target < acc {
			return a, map[string]float64{"weight": weights[i], "total_weight": total}
		}
	}
	last := agents[len(agents)-1]
	return last, map[string]float64{"weight": weights[len(weights)-1], "total_weight": total}
}
