// Package router selects a backend for each preprocessed request by
// trying registered strategies in descending priority, falling back to
// an emergency path when no strategy produces an agent.
package router

import (
	"fmt"
	"sort"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/registry"
	"github.com/relaymesh/relay/telemetry"
)

// maxFallbackChain bounds how many alternates a decision carries.
const maxFallbackChain = 3

// Router turns preprocessed requests into routing decisions.
type Router struct {
	reg        *registry.Registry
	cfg        *core.Config
	strategies []Strategy
	clock      core.Clock
	logger     core.Logger
	bus        *events.Bus
}

// Option customizes router construction.
type Option func(*Router)

// WithStrategies replaces the default strategy set.
func WithStrategies(strategies ...Strategy) Option {
	return func(r *Router) { r.strategies = strategies }
}

// WithSeed fixes the load-balancing random source (tests).
func WithSeed(seed int64) Option {
	return func(r *Router) {
		for i, s := range r.strategies {
			if _, ok := s.(*loadBalanced); ok {
				r.strategies[i] = newLoadBalanced(seed)
			}
		}
	}
}

// New creates a Router with the default strategy set.
func New(reg *registry.Registry, cfg *core.Config, clock core.Clock, logger core.Logger, bus *events.Bus, opts ...Option) *Router {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Router{
		reg: reg,
		cfg: cfg,
		strategies: []Strategy{
			highPriority{},
			agentSpecialization{},
			capabilityRequired{},
			costOptimized{},
			newLoadBalanced(time.Now().UnixNano()),
		},
		clock:  clock,
		logger: logger,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(r)
	}
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
	return r
}

// Route attempts each strategy in priority order, then the fallback
// path. The returned decision never references an offline agent.
func (r *Router) Route(pre *core.PreprocessedRequest) (*core.RoutingDecision, error) {
	req := pre.Request

	for _, strategy := range r.strategies {
		if !strategy.Applies(pre) {
			continue
		}
		selected, breakdown := strategy.Select(pre, r.reg)
		if selected == nil {
			continue
		}
		decision := r.decision(pre, selected, strategy.Name(),
			fmt.Sprintf("strategy %s selected %s", strategy.Name(), selected.ID), breakdown)

		r.logger.Debug("Routing decision made", map[string]interface{}{
			"operation":  "route",
			"request_id": req.ID,
			"strategy":   strategy.Name(),
			"agent_id":   selected.ID,
			"fallbacks":  len(decision.FallbackChain),
		})
		if r.bus != nil {
			r.bus.Publish(events.RoutingSuccess, req.ID, map[string]interface{}{
				"strategy": strategy.Name(),
				"agent_id": selected.ID,
			})
		}
		telemetry.Counter("router.routed", "strategy", strategy.Name(), "agent", selected.ID)
		return decision, nil
	}

	return r.fallback(pre)
}

// fallback is the last-resort path: the configured emergency agent if
// it is routable, otherwise the best healthy agent overall.
func (r *Router) fallback(pre *core.PreprocessedRequest) (*core.RoutingDecision, error) {
	req := pre.Request

	if r.cfg.EmergencyAgentID != "" {
		if agent, ok := r.reg.Get(r.cfg.EmergencyAgentID); ok && agent.Health.Routable() {
			decision := r.decision(pre, agent, "fallback", "emergency agent", nil)
			r.emitFallback(req.ID, agent.ID, "emergency_agent")
			return decision, nil
		}
	}

	healthy := r.reg.List(true)
	if len(healthy) > 0 {
		decision := r.decision(pre, healthy[0], "fallback", "any healthy agent", nil)
		r.emitFallback(req.ID, healthy[0].ID, "any_healthy")
		return decision, nil
	}

	r.logger.Error("Routing failed, no agent available", map[string]interface{}{
		"operation":  "route_failed",
		"request_id": req.ID,
		"type":       string(req.Type),
	})
	if r.bus != nil {
		r.bus.Publish(events.RoutingFailed, req.ID, map[string]interface{}{
			"type": string(req.Type),
		})
	}
	telemetry.Counter("router.failed")
	return nil, core.NewPipelineError("router.Route", "NoAgentAvailable", req.ID, core.ErrNoAgentAvailable)
}

func (r *Router) emitFallback(requestID, agentID, reason string) {
	r.logger.Warn("Routing used fallback path", map[string]interface{}{
		"operation":  "route_fallback",
		"request_id": requestID,
		"agent_id":   agentID,
		"reason":     reason,
	})
	if r.bus != nil {
		r.bus.Publish(events.RoutingFallback, requestID, map[string]interface{}{
			"agent_id": agentID,
			"reason":   reason,
		})
	}
	telemetry.Counter("router.fallback", "reason", reason)
}

// decision assembles the immutable RoutingDecision, including up to
// maxFallbackChain alternates ordered by the deterministic tie-break.
func (r *Router) decision(pre *core.PreprocessedRequest, selected *core.AgentInfo, strategy, reason string, breakdown map[string]float64) *core.RoutingDecision {
	var chain []*core.AgentInfo
	for _, a := range r.reg.List(true) {
		if a.ID == selected.ID {
			continue
		}
		chain = append(chain, a)
		if len(chain) == maxFallbackChain {
			break
		}
	}
	return &core.RoutingDecision{
		RequestID:      pre.Request.ID,
		Selected:       selected,
		Strategy:       strategy,
		FallbackChain:  chain,
		Reason:         reason,
		ScoreBreakdown: breakdown,
		CreatedAt:      r.clock.Now(),
	}
}
