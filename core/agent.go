package core

import (
	"time"
)

// AgentKind distinguishes higher-level specialized agents from
// lower-level generic providers. Both are routable backends.
type AgentKind string

const (
	KindProvider AgentKind = "provider"
	KindAgent    AgentKind = "agent"
)

// HealthState describes backend health as tracked by the registry.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthOffline   HealthState = "offline"
)

// Routable reports whether a backend in this state may receive traffic.
// Offline backends never appear in routing decisions or fallback chains.
func (h HealthState) Routable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// AgentInfo describes a routable backend: identity, capabilities,
// pricing, observed performance, and health.
type AgentInfo struct {
	ID          string    `json:"id"`
	Kind        AgentKind `json:"kind"`
	BackendType string    `json:"backend_type"` // opaque family tag, e.g. "hostedA", "local"

	// Capabilities maps capability name to proficiency in [0,1].
	Capabilities map[string]float64 `json:"capabilities"`

	CostPerInputToken  float64 `json:"cost_per_input_token"`
	CostPerOutputToken float64 `json:"cost_per_output_token"`

	LatencyP50 time.Duration `json:"latency_p50"`
	LatencyP95 time.Duration `json:"latency_p95"`

	MaxConcurrency int         `json:"max_concurrency"`
	InFlight       int         `json:"in_flight"`
	Health         HealthState `json:"health"`

	QualityScore float64 `json:"quality_score"` // 0..1
	SuccessRate  float64 `json:"success_rate"`  // 0..1
}

// HasCapabilities reports whether the agent covers every required capability.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	for _, c := range required {
		if _, ok := a.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// CapabilityMatch returns the mean proficiency over the required set,
// optionally weighted. Returns 0 when any capability is missing.
func (a *AgentInfo) CapabilityMatch(required []string, weights map[string]float64) float64 {
	if len(required) == 0 {
		return 0
	}
	var sum, weightSum float64
	for _, c := range required {
		prof, ok := a.Capabilities[c]
		if !ok {
			return 0
		}
		w := 1.0
		if weights != nil {
			if ww, ok := weights[c]; ok && ww > 0 {
				w = ww
			}
		}
		sum += prof * w
		weightSum += w
	}
	return sum / weightSum
}

// Utilization returns the fraction of the agent's concurrency budget in use.
func (a *AgentInfo) Utilization() float64 {
	if a.MaxConcurrency <= 0 {
		return 0
	}
	u := float64(a.InFlight) / float64(a.MaxConcurrency)
	if u > 1 {
		return 1
	}
	return u
}

// Clone returns a deep copy. The registry hands out clones so callers
// can never mutate the shared snapshot.
func (a *AgentInfo) Clone() *AgentInfo {
	cp := *a
	cp.Capabilities = make(map[string]float64, len(a.Capabilities))
	for k, v := range a.Capabilities {
		cp.Capabilities[k] = v
	}
	return &cp
}

// RoutingDecision is the immutable outcome of strategy selection for
// one request. A new decision is issued on retry escalation.
type RoutingDecision struct {
	RequestID      string             `json:"request_id"`
	Selected       *AgentInfo         `json:"selected"`
	Strategy       string             `json:"strategy"`
	FallbackChain  []*AgentInfo       `json:"fallback_chain,omitempty"`
	Reason         string             `json:"reason"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
