// Package mock provides a scriptable provider for testing. Outcomes
// are consumed in order; every call is recorded.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
)

// Outcome scripts one Execute or ExecuteStream call.
type Outcome struct {
	Result *core.RawResult
	Err    error
	Delay  time.Duration
	Chunks []core.StreamChunk // used by ExecuteStream
}

// Provider implements core.Provider for tests.
type Provider struct {
	id           string
	capabilities []string

	mu       sync.Mutex
	outcomes []Outcome
	index    int

	Calls       []*core.PreparedCall
	StreamCalls []*core.PreparedCall
	Health      core.HealthReport
}

// New creates a mock provider answering with a single canned response
// until scripted otherwise.
func New(id string, capabilities ...string) *Provider {
	return &Provider{
		id:           id,
		capabilities: capabilities,
		Health:       core.HealthReport{State: core.HealthHealthy},
	}
}

// Script replaces the outcome sequence. Once outcomes run out the
// last one repeats.
func (p *Provider) Script(outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = outcomes
	p.index = 0
}

// CallCount returns the number of Execute calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

func (p *Provider) ID() string             { return p.id }
func (p *Provider) Capabilities() []string { return p.capabilities }

func (p *Provider) next() Outcome {
	if len(p.outcomes) == 0 {
		return Outcome{Result: &core.RawResult{Content: "mock response", Model: "mock-model"}}
	}
	out := p.outcomes[p.index]
	if p.index < len(p.outcomes)-1 {
		p.index++
	}
	return out
}

// Execute returns the next scripted outcome.
func (p *Provider) Execute(ctx context.Context, call *core.PreparedCall) (*core.RawResult, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, call)
	out := p.next()
	p.mu.Unlock()

	if out.Delay > 0 {
		timer := time.NewTimer(out.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if out.Err != nil {
		return nil, out.Err
	}
	if out.Result != nil {
		return out.Result, nil
	}
	return &core.RawResult{Content: "mock response", Model: "mock-model"}, nil
}

// ExecuteStream replays the next scripted outcome's chunks.
func (p *Provider) ExecuteStream(ctx context.Context, call *core.PreparedCall) (<-chan core.StreamChunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, call)
	out := p.next()
	p.mu.Unlock()

	if out.Err != nil {
		return nil, out.Err
	}

	chunks := out.Chunks
	if len(chunks) == 0 && out.Result != nil {
		chunks = []core.StreamChunk{
			{Kind: core.ChunkContent, Data: out.Result.Content},
			{Kind: core.ChunkDone},
		}
	}
	ch := make(chan core.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// HealthProbe returns the configured health report.
func (p *Provider) HealthProbe(ctx context.Context) core.HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Health
}
