// Package executor invokes the selected backend for a routed request
// and owns error recovery: retries, circuit breaking, fallback across
// the routing decision's chain, degradation, and the emergency payload.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/registry"
	"github.com/relaymesh/relay/resilience"
	"github.com/relaymesh/relay/telemetry"
)

const observationBuffer = 256

// emergencyContent is the constant last-resort payload.
const emergencyContent = `{"status":"service_unavailable","message":"All backends are currently unavailable. Please retry later or contact support.","support":"support@relaymesh.dev"}`

// degradedContent is the synthetic reply when policy permits degradation.
const degradedContent = "The service is operating in degraded mode and could not fully process this request. Please retry later for a complete response."

// Result is the executor's terminal output for one request.
type Result struct {
	Raw       *core.RawResult
	AgentID   string
	Attempts  []core.ExecutionAttempt
	Degraded  bool
	Emergency bool
}

// PatternStats is one row of the observable error-pattern index.
type PatternStats struct {
	ErrorKind core.ErrorKind `json:"error_kind"`
	Backend   string         `json:"backend"`
	Count     int            `json:"count"`
	LastSeen  time.Time      `json:"last_seen"`
}

type patternKey struct {
	kind    core.ErrorKind
	backend string
}

// Executor drives backend attempts for routed requests.
type Executor struct {
	cfg      *core.Config
	reg      *registry.Registry
	breakers *resilience.BreakerSet
	clock    core.Clock
	logger   core.Logger
	bus      *events.Bus

	mu        sync.Mutex
	providers map[string]core.Provider
	patterns  map[patternKey]*PatternStats

	obs     chan registry.Observation
	obsOnce sync.Once
}

// New creates an Executor. Breaker trips are mirrored into registry
// health: open marks the backend unhealthy, closed marks it healthy.
func New(cfg *core.Config, reg *registry.Registry, clock core.Clock, logger core.Logger, bus *events.Bus) *Executor {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	e := &Executor{
		cfg:       cfg,
		reg:       reg,
		clock:     clock,
		logger:    logger,
		bus:       bus,
		providers: make(map[string]core.Provider),
		patterns:  make(map[patternKey]*PatternStats),
		obs:       make(chan registry.Observation, observationBuffer),
	}
	e.breakers = resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerTimeout,
		Clock:            clock,
		Logger:           logger,
	})
	e.breakers.OnStateChange(e.onBreakerChange)
	return e
}

// Bind attaches a provider implementation to an agent ID.
func (e *Executor) Bind(agentID string, p core.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[agentID] = p
}

func (e *Executor) provider(agentID string) (core.Provider, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.providers[agentID]
	return p, ok
}

// Observations is the one-way feed of attempt outcomes for the
// registry. Wire it with go reg.Consume(e.Observations()).
func (e *Executor) Observations() <-chan registry.Observation {
	return e.obs
}

// Close stops the observation feed.
func (e *Executor) Close() {
	e.obsOnce.Do(func() { close(e.obs) })
}

// ErrorPatterns returns a snapshot of the (errorKind, backendKey)
// occurrence index maintained by recovery.
func (e *Executor) ErrorPatterns() []PatternStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PatternStats, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, *p)
	}
	return out
}

func (e *Executor) recordPattern(kind core.ErrorKind, backend string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := patternKey{kind: kind, backend: backend}
	p, ok := e.patterns[key]
	if !ok {
		p = &PatternStats{ErrorKind: kind, Backend: backend}
		e.patterns[key] = p
	}
	p.Count++
	p.LastSeen = e.clock.Now()
}

func (e *Executor) onBreakerChange(name string, from, to resilience.CircuitState) {
	var kind events.Kind
	switch to {
	case resilience.StateOpen:
		kind = events.BreakerOpen
		e.reg.UpdateHealth(name, core.HealthUnhealthy)
	case resilience.StateHalfOpen:
		kind = events.BreakerHalfOpen
	case resilience.StateClosed:
		kind = events.BreakerClosed
		e.reg.UpdateHealth(name, core.HealthHealthy)
	}
	if e.bus != nil {
		e.bus.Publish(kind, "", map[string]interface{}{
			"backend": name,
			"from":    from.String(),
		})
	}
}

// Execute runs the recovery chain for one routed request: retry the
// selected agent on retryable errors, fall back across the decision's
// chain (same backend family first), then degrade or emit the
// emergency payload. Only deadline expiry and cancellation surface as
// errors.
func (e *Executor) Execute(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (*Result, error) {
	req := pre.Request
	res := &Result{}

	for _, agent := range e.candidates(decision) {
		if err := e.checkDeadline(ctx, req); err != nil {
			return nil, err
		}

		raw, err := e.tryAgent(ctx, pre, agent, res)
		if err == nil {
			res.Raw = raw
			res.AgentID = agent.ID
			res.Degraded = raw.Degraded
			return res, nil
		}
		if core.IsTerminal(err) {
			return nil, err
		}
	}

	if err := e.checkDeadline(ctx, req); err != nil {
		return nil, err
	}

	if e.cfg.DegradationEnabled && req.Policy.AllowDegraded {
		e.logger.Warn("Returning degraded response", map[string]interface{}{
			"operation":  "execute_degraded",
			"request_id": req.ID,
			"attempts":   len(res.Attempts),
		})
		if e.bus != nil {
			e.bus.Publish(events.ResponseDegraded, req.ID, map[string]interface{}{
				"attempts": len(res.Attempts),
			})
		}
		telemetry.Counter("executor.degraded", "tenant", req.TenantID)
		res.Raw = &core.RawResult{Content: degradedContent, Degraded: true}
		res.Degraded = true
		return res, nil
	}

	e.logger.Error("Returning emergency response", map[string]interface{}{
		"operation":  "execute_emergency",
		"request_id": req.ID,
		"attempts":   len(res.Attempts),
	})
	telemetry.Counter("executor.emergency", "tenant", req.TenantID)
	res.Raw = &core.RawResult{Content: emergencyContent, Degraded: true}
	res.Degraded = true
	res.Emergency = true
	return res, nil
}

// candidates orders the agents to try: the selected agent, then
// fallback-chain members sharing its backend family, then the rest.
// Offline agents never appear in a decision, so no re-check is needed,
// but health may have moved since routing; re-verify against the
// registry and skip anything no longer routable.
func (e *Executor) candidates(decision *core.RoutingDecision) []*core.AgentInfo {
	out := make([]*core.AgentInfo, 0, 1+len(decision.FallbackChain))
	seen := make(map[string]bool, 1+len(decision.FallbackChain))

	add := func(a *core.AgentInfo) {
		if a == nil || seen[a.ID] {
			return
		}
		cur, ok := e.reg.Get(a.ID)
		if !ok || !cur.Health.Routable() {
			return
		}
		seen[a.ID] = true
		out = append(out, cur)
	}

	add(decision.Selected)
	if !e.cfg.FallbackEnabled {
		return out
	}
	family := ""
	if decision.Selected != nil {
		family = decision.Selected.BackendType
	}
	for _, a := range decision.FallbackChain {
		if a.BackendType == family {
			add(a)
		}
	}
	for _, a := range decision.FallbackChain {
		add(a)
	}
	return out
}

// tryAgent runs up to MaxRetries attempts against one agent, retrying
// only classified-retryable failures with exponential backoff.
func (e *Executor) tryAgent(ctx context.Context, pre *core.PreprocessedRequest, agent *core.AgentInfo, res *Result) (*core.RawResult, error) {
	req := pre.Request
	breaker := e.breakers.Get(agent.ID)

	retry := &resilience.RetryConfig{
		MaxAttempts:   e.cfg.MaxRetries,
		InitialDelay:  e.cfg.BaseRetryDelay,
		MaxDelay:      e.cfg.MaxRetryDelay,
		BackoffFactor: 2.0,
		JitterEnabled: e.cfg.RetryJitter,
		Clock:         e.clock,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.checkDeadline(ctx, req); err != nil {
			return nil, err
		}
		if !breaker.Allow() {
			e.recordPattern(core.KindFatalServer, agent.ID)
			telemetry.Counter("executor.circuit_rejected", "agent", agent.ID)
			return nil, core.NewPipelineError("executor.Execute", "CircuitOpen", req.ID, core.ErrCircuitOpen)
		}

		raw, err := e.attempt(ctx, pre, agent, attempt, res)
		if err == nil {
			breaker.RecordSuccess()
			return raw, nil
		}
		lastErr = err
		if core.IsTerminal(err) {
			// Client gave up or ran out of budget; the backend is not at fault.
			breaker.Release()
			return nil, err
		}

		kind := core.ClassifyError(err)
		e.recordPattern(kind, agent.ID)
		breaker.RecordFailure()
		if !kind.Retryable() {
			return nil, err
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		if err := e.clock.Sleep(ctx, retry.Backoff(attempt)); err != nil {
			return nil, core.NewPipelineError("executor.Execute", "Cancelled", req.ID, core.ErrCancelled)
		}
	}

	return nil, fmt.Errorf("%w: agent %s: %v", core.ErrRetriesExhausted, agent.ID, lastErr)
}

// attempt performs exactly one provider invocation with the per-attempt
// timeout carved from the request's remaining deadline budget.
func (e *Executor) attempt(ctx context.Context, pre *core.PreprocessedRequest, agent *core.AgentInfo, number int, res *Result) (*core.RawResult, error) {
	req := pre.Request

	p, ok := e.provider(agent.ID)
	if !ok {
		return nil, core.NewProviderError(core.KindFatalServer,
			fmt.Errorf("%w: %s", core.ErrProviderNotBound, agent.ID))
	}

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if !req.Deadline.IsZero() {
		budget := req.Deadline.Sub(e.clock.Now()) - e.cfg.DeadlineSafetyMargin
		attemptCtx, cancel = context.WithTimeout(ctx, budget)
	}
	defer cancel()

	call := &core.PreparedCall{
		Request:    req,
		AgentID:    agent.ID,
		Parameters: req.Parameters,
	}

	record := core.ExecutionAttempt{
		RequestID:     req.ID,
		AttemptNumber: number,
		AgentID:       agent.ID,
		StartedAt:     e.clock.Now(),
	}
	if e.bus != nil {
		e.bus.Publish(events.AttemptStarted, req.ID, map[string]interface{}{
			"agent_id": agent.ID,
			"attempt":  number,
		})
	}

	e.reg.Acquire(agent.ID)
	raw, err := p.Execute(attemptCtx, call)
	e.reg.Release(agent.ID)

	record.EndedAt = e.clock.Now()
	latency := record.EndedAt.Sub(record.StartedAt)

	if err != nil {
		record.Outcome = outcomeFor(ctx, err)
		record.ErrorKind = core.ClassifyError(err)
		res.Attempts = append(res.Attempts, record)
		e.observe(registry.Observation{AgentID: agent.ID, Outcome: record.Outcome, Latency: latency, Quality: -1})

		e.logger.Warn("Attempt failed", map[string]interface{}{
			"operation":  "execute_attempt",
			"request_id": req.ID,
			"agent_id":   agent.ID,
			"attempt":    number,
			"outcome":    string(record.Outcome),
			"error_kind": string(record.ErrorKind),
			"error":      err.Error(),
		})
		if e.bus != nil {
			e.bus.Publish(events.AttemptFailed, req.ID, map[string]interface{}{
				"agent_id":   agent.ID,
				"attempt":    number,
				"error_kind": string(record.ErrorKind),
			})
		}
		telemetry.Counter("executor.attempts", "agent", agent.ID, "outcome", string(record.Outcome))

		if attemptCtx.Err() != nil && ctx.Err() == nil {
			// The per-attempt budget expired; surface it as a retryable
			// timeout so recovery can act on it. Overall-deadline expiry
			// is caught by checkDeadline before the next attempt.
			return nil, core.NewProviderError(core.KindTimeout, context.DeadlineExceeded)
		}
		return nil, err
	}

	record.Outcome = core.OutcomeSuccess
	record.Usage = raw.Usage
	res.Attempts = append(res.Attempts, record)
	e.observe(registry.Observation{AgentID: agent.ID, Outcome: core.OutcomeSuccess, Latency: latency, Quality: -1})

	if e.bus != nil {
		e.bus.Publish(events.AttemptSucceeded, req.ID, map[string]interface{}{
			"agent_id":   agent.ID,
			"attempt":    number,
			"latency_ms": latency.Milliseconds(),
		})
	}
	telemetry.Counter("executor.attempts", "agent", agent.ID, "outcome", "success")
	telemetry.Histogram("executor.attempt_latency_ms", float64(latency.Milliseconds()), "agent", agent.ID)
	return raw, nil
}

// ExecuteStream opens a streaming invocation, falling back across the
// chain on setup failure. Once a stream is open there is no fallback;
// mid-stream errors reach the consumer as error chunks.
func (e *Executor) ExecuteStream(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (<-chan core.StreamChunk, string, error) {
	req := pre.Request

	var lastErr error
	for _, agent := range e.candidates(decision) {
		if err := e.checkDeadline(ctx, req); err != nil {
			return nil, "", err
		}
		p, ok := e.provider(agent.ID)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", core.ErrProviderNotBound, agent.ID)
			continue
		}
		breaker := e.breakers.Get(agent.ID)
		if !breaker.Allow() {
			e.recordPattern(core.KindFatalServer, agent.ID)
			lastErr = core.ErrCircuitOpen
			continue
		}

		call := &core.PreparedCall{Request: req, AgentID: agent.ID, Parameters: req.Parameters}
		started := e.clock.Now()
		src, err := p.ExecuteStream(ctx, call)
		if err != nil {
			kind := core.ClassifyError(err)
			e.recordPattern(kind, agent.ID)
			breaker.RecordFailure()
			lastErr = err
			e.logger.Warn("Stream setup failed", map[string]interface{}{
				"operation":  "execute_stream",
				"request_id": req.ID,
				"agent_id":   agent.ID,
				"error":      err.Error(),
			})
			continue
		}

		e.reg.Acquire(agent.ID)
		out := make(chan core.StreamChunk, 16)
		go e.relayStream(req.ID, agent.ID, breaker, started, src, out)
		return out, agent.ID, nil
	}

	if lastErr == nil {
		lastErr = core.ErrNoAgentAvailable
	}
	return nil, "", core.NewPipelineError("executor.ExecuteStream", "NoAgentAvailable", req.ID, lastErr)
}

// relayStream forwards chunks and settles the breaker and observation
// when the stream terminates.
func (e *Executor) relayStream(requestID, agentID string, breaker *resilience.CircuitBreaker, started time.Time, src <-chan core.StreamChunk, out chan<- core.StreamChunk) {
	defer close(out)
	defer e.reg.Release(agentID)

	failed := false
	for chunk := range src {
		if chunk.Kind == core.ChunkError {
			failed = true
			e.recordPattern(core.ClassifyError(chunk.Err), agentID)
		}
		out <- chunk
	}

	latency := e.clock.Now().Sub(started)
	if failed {
		breaker.RecordFailure()
		e.observe(registry.Observation{AgentID: agentID, Outcome: core.OutcomeFatalFailure, Latency: latency, Quality: -1})
		e.logger.Warn("Stream ended with error", map[string]interface{}{
			"operation":  "execute_stream",
			"request_id": requestID,
			"agent_id":   agentID,
		})
		telemetry.Counter("executor.streams", "agent", agentID, "outcome", "error")
		return
	}
	breaker.RecordSuccess()
	e.observe(registry.Observation{AgentID: agentID, Outcome: core.OutcomeSuccess, Latency: latency, Quality: -1})
	telemetry.Counter("executor.streams", "agent", agentID, "outcome", "success")
}

// checkDeadline enforces the stage-boundary deadline rule: once the
// remaining budget is inside the safety margin no further attempt may
// start.
func (e *Executor) checkDeadline(ctx context.Context, req *core.Request) error {
	if err := ctx.Err(); err != nil {
		return core.NewPipelineError("executor.Execute", "Cancelled", req.ID, core.ErrCancelled)
	}
	if req.Deadline.IsZero() {
		return nil
	}
	if req.Deadline.Sub(e.clock.Now()) <= e.cfg.DeadlineSafetyMargin {
		return core.NewPipelineError("executor.Execute", "TimeoutExceeded", req.ID, core.ErrTimeoutExceeded)
	}
	return nil
}

func (e *Executor) observe(obs registry.Observation) {
	select {
	case e.obs <- obs:
	default:
		telemetry.Counter("executor.observations_dropped")
	}
}

func outcomeFor(ctx context.Context, err error) core.AttemptOutcome {
	if ctx.Err() != nil {
		return core.OutcomeCancelled
	}
	kind := core.ClassifyError(err)
	switch {
	case kind == core.KindTimeout:
		return core.OutcomeTimeout
	case kind.Retryable():
		return core.OutcomeRetryableFailure
	default:
		return core.OutcomeFatalFailure
	}
}
