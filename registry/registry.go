// Package registry maintains the inventory of routable backends.
// Readers get consistent copy-on-write snapshots; all mutation goes
// through the registry with writes serialized per key.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/telemetry"
)

// latencyWindow is the number of recent attempts kept per agent for
// percentile estimates.
const latencyWindow = 64

// ewmaAlpha is the smoothing factor for rolling success and quality.
const ewmaAlpha = 0.2

// Observation is the one-way channel payload the executor emits after
// each attempt. The registry consumes observations asynchronously so
// routing reads never block on execution bookkeeping.
type Observation struct {
	AgentID string
	Outcome core.AttemptOutcome
	Latency time.Duration
	Quality float64 // response quality in [0,1]; negative when unknown
}

type agentStats struct {
	latencies []time.Duration // ring buffer, most recent last
}

// Registry is the shared agent inventory.
type Registry struct {
	mu             sync.Mutex   // serializes writers
	snapshot       atomic.Value // map[string]*core.AgentInfo
	stats          map[string]*agentStats
	lastTransition map[string]time.Time

	dwell  time.Duration
	clock  core.Clock
	logger core.Logger
	bus    *events.Bus
}

// New creates an empty registry.
func New(dwell time.Duration, clock core.Clock, logger core.Logger, bus *events.Bus) *Registry {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if dwell <= 0 {
		dwell = 30 * time.Second
	}
	r := &Registry{
		stats:          make(map[string]*agentStats),
		lastTransition: make(map[string]time.Time),
		dwell:          dwell,
		clock:          clock,
		logger:         logger,
		bus:            bus,
	}
	r.snapshot.Store(map[string]*core.AgentInfo{})
	return r
}

func (r *Registry) load() map[string]*core.AgentInfo {
	return r.snapshot.Load().(map[string]*core.AgentInfo)
}

// mutate applies fn to a copy of the current snapshot and publishes it.
// Callers must hold r.mu.
func (r *Registry) mutate(fn func(map[string]*core.AgentInfo)) {
	old := r.load()
	next := make(map[string]*core.AgentInfo, len(old))
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.snapshot.Store(next)
}

// Register adds or replaces an agent.
func (r *Registry) Register(agent *core.AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent.Health == "" {
		agent.Health = core.HealthHealthy
	}
	r.mutate(func(m map[string]*core.AgentInfo) {
		m[agent.ID] = agent.Clone()
	})
	if _, ok := r.stats[agent.ID]; !ok {
		r.stats[agent.ID] = &agentStats{}
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation":    "registry_register",
		"agent_id":     agent.ID,
		"kind":         string(agent.Kind),
		"backend_type": agent.BackendType,
		"capabilities": len(agent.Capabilities),
	})
	telemetry.Counter("registry.registered", "agent", agent.ID)
}

// Unregister removes an agent entirely.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutate(func(m map[string]*core.AgentInfo) {
		delete(m, id)
	})
	delete(r.stats, id)
	delete(r.lastTransition, id)
}

// Get returns a clone of one agent.
func (r *Registry) Get(id string) (*core.AgentInfo, bool) {
	a, ok := r.load()[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Better is the deterministic tie-break order used across selection:
// higher quality, then lower p95 latency, then lower cost, then ID.
func Better(a, b *core.AgentInfo) bool {
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	if a.LatencyP95 != b.LatencyP95 {
		return a.LatencyP95 < b.LatencyP95
	}
	costA := a.CostPerInputToken + a.CostPerOutputToken
	costB := b.CostPerInputToken + b.CostPerOutputToken
	if costA != costB {
		return costA < costB
	}
	return a.ID < b.ID
}

// List returns agent clones, routable ones only when healthyOnly is
// set, ordered by the deterministic tie-break.
func (r *Registry) List(healthyOnly bool) []*core.AgentInfo {
	snap := r.load()
	out := make([]*core.AgentInfo, 0, len(snap))
	for _, a := range snap {
		if healthyOnly && !a.Health.Routable() {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return Better(out[i], out[j]) })
	return out
}

// Match pairs an agent with its capability-match score.
type Match struct {
	Agent *core.AgentInfo
	Score float64
}

// GetByCapabilities returns routable agents covering every required
// capability, ranked by weighted match score with the deterministic
// tie-break.
func (r *Registry) GetByCapabilities(required []string, weights map[string]float64) []Match {
	snap := r.load()
	var matches []Match
	for _, a := range snap {
		if !a.Health.Routable() {
			continue
		}
		if !a.HasCapabilities(required) {
			continue
		}
		matches = append(matches, Match{Agent: a.Clone(), Score: a.CapabilityMatch(required, weights)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return Better(matches[i].Agent, matches[j].Agent)
	})
	return matches
}

// UpdateHealth transitions an agent's health state. The call is
// idempotent. Transitions between offline and healthy pass through
// degraded and must dwell there before completing, to avoid flapping.
func (r *Registry) UpdateHealth(id string, target core.HealthState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.load()[id]
	if !ok || cur.Health == target {
		return
	}

	now := r.clock.Now()
	next := target
	switch {
	case (cur.Health == core.HealthOffline && target == core.HealthHealthy) ||
		(cur.Health == core.HealthHealthy && target == core.HealthOffline):
		// Extreme transitions pass through degraded first.
		next = core.HealthDegraded
	case cur.Health == core.HealthDegraded &&
		(target == core.HealthHealthy || target == core.HealthOffline):
		// Leaving degraded requires a full dwell, to avoid flapping.
		if now.Sub(r.lastTransition[id]) < r.dwell {
			return
		}
	}

	r.mutate(func(m map[string]*core.AgentInfo) {
		cp := m[id].Clone()
		cp.Health = next
		m[id] = cp
	})
	r.lastTransition[id] = now

	r.logger.Info("Agent health changed", map[string]interface{}{
		"operation": "registry_health",
		"agent_id":  id,
		"from":      string(cur.Health),
		"to":        string(next),
		"requested": string(target),
	})
	telemetry.Counter("registry.health_transitions", "agent", id, "to", string(next))
}

// Acquire increments the in-flight count for an agent.
func (r *Registry) Acquire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.load()[id]; !ok {
		return
	}
	r.mutate(func(m map[string]*core.AgentInfo) {
		cp := m[id].Clone()
		cp.InFlight++
		m[id] = cp
	})
}

// Release decrements the in-flight count for an agent.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.load()[id]; !ok {
		return
	}
	r.mutate(func(m map[string]*core.AgentInfo) {
		cp := m[id].Clone()
		if cp.InFlight > 0 {
			cp.InFlight--
		}
		m[id] = cp
	})
}

// Observe folds one attempt outcome into the agent's rolling stats:
// EWMA success rate and quality, windowed latency percentiles.
func (r *Registry) Observe(obs Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.load()[obs.AgentID]; !ok {
		return
	}

	st := r.stats[obs.AgentID]
	if st == nil {
		st = &agentStats{}
		r.stats[obs.AgentID] = st
	}
	if obs.Latency > 0 {
		st.latencies = append(st.latencies, obs.Latency)
		if len(st.latencies) > latencyWindow {
			st.latencies = st.latencies[len(st.latencies)-latencyWindow:]
		}
	}
	p50, p95 := percentiles(st.latencies)

	success := 0.0
	if obs.Outcome == core.OutcomeSuccess {
		success = 1.0
	}

	r.mutate(func(m map[string]*core.AgentInfo) {
		cp := m[obs.AgentID].Clone()
		cp.SuccessRate = ewmaAlpha*success + (1-ewmaAlpha)*cp.SuccessRate
		if obs.Quality >= 0 {
			cp.QualityScore = ewmaAlpha*obs.Quality + (1-ewmaAlpha)*cp.QualityScore
		}
		if p50 > 0 {
			cp.LatencyP50 = time.Duration(ewmaAlpha*float64(p50) + (1-ewmaAlpha)*float64(cp.LatencyP50))
			cp.LatencyP95 = p95
		}
		m[obs.AgentID] = cp
	})

	telemetry.Histogram("registry.observed_latency_ms", float64(obs.Latency.Milliseconds()), "agent", obs.AgentID)
}

// Consume drains an observation channel until it closes. Run it in a
// goroutine; this is the one-way link that breaks the router/executor
// dependency cycle.
func (r *Registry) Consume(ch <-chan Observation) {
	for obs := range ch {
		r.Observe(obs)
	}
}

func percentiles(window []time.Duration) (p50, p95 time.Duration) {
	if len(window) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 = sorted[len(sorted)/2]
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = sorted[idx]
	return p50, p95
}
