// Package pipeline assembles the routing core: preprocessing, routing,
// batching, execution, and response processing behind a single Submit
// surface.
package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/relay/batch"
	"github.com/relaymesh/relay/cache"
	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/executor"
	"github.com/relaymesh/relay/preprocess"
	"github.com/relaymesh/relay/registry"
	"github.com/relaymesh/relay/respond"
	"github.com/relaymesh/relay/router"
	"github.com/relaymesh/relay/telemetry"
)

// Pipeline is the request routing core.
type Pipeline struct {
	cfg    *core.Config
	clock  core.Clock
	logger core.Logger
	bus    *events.Bus

	cache     *cache.ResponseCache
	reg       *registry.Registry
	pre       *preprocess.Preprocessor
	router    *router.Router
	batcher   *batch.Batcher
	exec      *executor.Executor
	processor *respond.Processor

	mu         sync.Mutex
	overloaded bool
	closed     bool
}

// Option customizes pipeline construction.
type Option func(*options)

type options struct {
	clock      core.Clock
	logger     core.Logger
	routerOpts []router.Option
}

// WithClock substitutes the wall clock, typically a FakeClock in tests.
func WithClock(c core.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger shared by every stage.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRouterOptions forwards options to the router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

// New wires the stages together over the given response store.
func New(cfg *core.Config, store core.KVStore, opts ...Option) (*Pipeline, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = core.RealClock{}
	}
	if o.logger == nil {
		o.logger = &core.NoOpLogger{}
	}

	p := &Pipeline{
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger,
	}
	p.bus = events.NewBus(cfg.EventBufferSize, o.logger, o.clock)

	p.cache = cache.New(store, cfg.CacheTTL, o.logger, p.bus)
	p.reg = registry.New(cfg.HealthDwellTime, o.clock, o.logger, p.bus)

	var err error
	p.pre, err = preprocess.New(cfg, o.clock, o.logger, p.bus)
	if err != nil {
		p.bus.Close()
		return nil, err
	}

	p.router = router.New(p.reg, cfg, o.clock, o.logger, p.bus, o.routerOpts...)
	p.batcher = batch.New(cfg, p.handle, o.clock, o.logger, p.bus)
	p.exec = executor.New(cfg, p.reg, o.clock, o.logger, p.bus)
	p.processor = respond.New(o.clock, o.logger, p.bus)

	go p.reg.Consume(p.exec.Observations())
	return p, nil
}

// Registry exposes the agent inventory for registration and health.
func (p *Pipeline) Registry() *registry.Registry { return p.reg }

// Events exposes the bus for analytics subscribers.
func (p *Pipeline) Events() *events.Bus { return p.bus }

// ErrorPatterns exposes the recovery error-pattern index.
func (p *Pipeline) ErrorPatterns() []executor.PatternStats { return p.exec.ErrorPatterns() }

// RegisterAgent adds a backend to the registry and binds its provider.
func (p *Pipeline) RegisterAgent(info *core.AgentInfo, provider core.Provider) {
	p.reg.Register(info)
	p.exec.Bind(info.ID, provider)
}

// Submit runs a request through the full pipeline and returns a future
// for its terminal response. Validation, policy, overload, routing, and
// deadline failures surface as immediate errors.
func (p *Pipeline) Submit(ctx context.Context, req *core.Request) (*batch.Future, error) {
	pre, decision, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	if !cache.Cacheable(pre) {
		return p.batcher.Submit(ctx, pre, decision), nil
	}

	fut := batch.NewFuture()
	go func() {
		resp, err := p.cache.GetOrBuild(ctx, req.TenantID, req.Fingerprint, func(buildCtx context.Context) (*core.ProcessedResponse, error) {
			return p.batcher.Submit(buildCtx, pre, decision).Wait(buildCtx)
		})
		fut.Complete(resp, err)
	}()
	return fut, nil
}

// SubmitStreaming bypasses the batcher and the cache: chunks flow to
// the caller as they arrive, and the returned future resolves with the
// assembled, processed response once the stream completes.
func (p *Pipeline) SubmitStreaming(ctx context.Context, req *core.Request) (<-chan core.StreamChunk, *batch.Future, error) {
	pre, decision, err := p.admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	src, _, err := p.exec.ExecuteStream(ctx, pre, decision)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan core.StreamChunk, 16)
	assembly := make(chan core.StreamChunk, 16)
	fut := batch.NewFuture()

	go func() {
		resp, perr := p.processor.ProcessStream(assembly, pre, decision)
		fut.Complete(resp, perr)
	}()
	go func() {
		defer close(out)
		defer close(assembly)
		for chunk := range src {
			assembly <- chunk
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Caller is gone; keep draining so assembly still ends.
			}
		}
	}()
	return out, fut, nil
}

// Cancel cancels a pending or forming request by ID.
func (p *Pipeline) Cancel(requestID string) bool {
	return p.batcher.Cancel(requestID)
}

// Close shuts the pipeline down: the batcher drains its queue, the
// observation feed closes, and the bus stops dispatching.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.batcher.Close()
	p.exec.Close()
	p.bus.Close()
}

// admit runs the synchronous front half: identity stamping, overload
// rejection, preprocessing, routing, and stage-boundary deadline checks.
func (p *Pipeline) admit(ctx context.Context, req *core.Request) (*core.PreprocessedRequest, *core.RoutingDecision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = p.clock.Now()
	}

	if err := p.checkOverload(req); err != nil {
		return nil, nil, err
	}

	pre, err := p.pre.Preprocess(req)
	if err != nil {
		return nil, nil, err
	}
	if err := p.checkDeadline(req); err != nil {
		return nil, nil, err
	}

	decision, err := p.router.Route(pre)
	if err != nil {
		return nil, nil, err
	}
	if err := p.checkDeadline(req); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, core.NewPipelineError("pipeline.Submit", "Cancelled", req.ID, core.ErrCancelled)
	}
	return pre, decision, nil
}

// checkOverload applies high/low-water hysteresis over the batcher's
// pending depth: rejection starts above the high-water mark and stops
// only once the backlog falls below the low-water mark.
func (p *Pipeline) checkOverload(req *core.Request) error {
	depth := p.batcher.Depth()

	p.mu.Lock()
	if p.overloaded {
		if depth <= p.cfg.LowWater {
			p.overloaded = false
		}
	} else if depth >= p.cfg.HighWater {
		p.overloaded = true
	}
	overloaded := p.overloaded
	p.mu.Unlock()

	if !overloaded {
		return nil
	}
	p.logger.Warn("Submission rejected, pipeline overloaded", map[string]interface{}{
		"operation":  "pipeline_submit",
		"request_id": req.ID,
		"depth":      depth,
	})
	telemetry.Counter("pipeline.overloaded", "tenant", req.TenantID)
	return core.NewPipelineError("pipeline.Submit", "Overloaded", req.ID, core.ErrOverloaded)
}

func (p *Pipeline) checkDeadline(req *core.Request) error {
	if req.Deadline.IsZero() || p.clock.Now().Before(req.Deadline) {
		return nil
	}
	return core.NewPipelineError("pipeline.Submit", "TimeoutExceeded", req.ID, core.ErrTimeoutExceeded)
}

// handle is the batcher's per-member handler: execute with recovery,
// then process the raw result.
func (p *Pipeline) handle(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (*core.ProcessedResponse, error) {
	res, err := p.exec.Execute(ctx, pre, decision)
	if err != nil {
		return nil, err
	}

	// The executor may have landed on a different agent than routing
	// chose; reflect the one that actually served the request.
	served := decision
	if res.AgentID != "" && (decision.Selected == nil || decision.Selected.ID != res.AgentID) {
		if agent, ok := p.reg.Get(res.AgentID); ok {
			cp := *decision
			cp.Selected = agent
			served = &cp
		}
	}

	resp := p.processor.Process(res.Raw, pre, served)
	if res.Emergency {
		resp.Success = false
		resp.Warnings = append(resp.Warnings, "service unavailable, emergency response")
	}
	return resp, nil
}
