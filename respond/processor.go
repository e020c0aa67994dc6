package respond

import (
	"sort"
	"strings"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/telemetry"
)

// Processor is the final pipeline stage: it runs the transformation
// chain, scores quality, and produces the terminal ProcessedResponse.
type Processor struct {
	transformations []Transformation
	scorer          core.QualityScorer
	clock           core.Clock
	logger          core.Logger
	bus             *events.Bus
}

// Option customizes processor construction.
type Option func(*Processor)

// WithScorer replaces the default heuristic quality scorer.
func WithScorer(s core.QualityScorer) Option {
	return func(p *Processor) { p.scorer = s }
}

// WithTransformations replaces the default transformation chain.
func WithTransformations(ts ...Transformation) Option {
	return func(p *Processor) { p.transformations = ts }
}

// New creates a Processor with the default transformation chain.
func New(clock core.Clock, logger core.Logger, bus *events.Bus, opts ...Option) *Processor {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	p := &Processor{
		transformations: []Transformation{
			safetyRedaction{},
			contentFormatting{},
			markdownEnhancement{},
			metricsAnnotation{},
		},
		scorer: HeuristicScorer{},
		clock:  clock,
		logger: logger,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(p)
	}
	sort.SliceStable(p.transformations, func(i, j int) bool {
		return p.transformations[i].Priority() > p.transformations[j].Priority()
	})
	return p
}

// Process turns a raw result into the terminal response.
func (p *Processor) Process(raw *core.RawResult, pre *core.PreprocessedRequest, decision *core.RoutingDecision) *core.ProcessedResponse {
	now := p.clock.Now()
	elapsed := now.Sub(pre.Request.SubmittedAt)

	resp := &core.ProcessedResponse{
		RequestID:  pre.Request.ID,
		Success:    true,
		Usage:      raw.Usage,
		Degraded:   raw.Degraded,
		ProducedAt: now,
	}
	if decision != nil && decision.Selected != nil {
		resp.AgentID = decision.Selected.ID
	}

	content := raw.Content
	for _, t := range p.transformations {
		if !t.Applies(pre) {
			continue
		}
		before := content
		content = t.Transform(content, resp)
		if content != before {
			resp.TransformationsApplied = append(resp.TransformationsApplied, t.Name())
		}
	}
	resp.Content = content

	resp.QualityScore = p.scorer.Score(pre, content, elapsed)
	if resp.Degraded && resp.QualityScore > 5 {
		resp.QualityScore = 5
	}

	p.annotate(resp, elapsed)

	p.logger.Debug("Response processed", map[string]interface{}{
		"operation":       "respond_process",
		"request_id":      resp.RequestID,
		"agent_id":        resp.AgentID,
		"quality_score":   resp.QualityScore,
		"degraded":        resp.Degraded,
		"transformations": resp.TransformationsApplied,
	})
	if p.bus != nil {
		p.bus.Publish(events.ResponseProcessed, resp.RequestID, map[string]interface{}{
			"agent_id":      resp.AgentID,
			"quality_score": resp.QualityScore,
			"degraded":      resp.Degraded,
			"streaming":     resp.Streaming,
		})
	}
	return resp
}

// ProcessStream consumes the chunk feed, concatenating content chunks,
// and on completion runs the assembled text through the same pipeline
// with the streaming flag set.
func (p *Processor) ProcessStream(chunks <-chan core.StreamChunk, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (*core.ProcessedResponse, error) {
	var sb strings.Builder
	for chunk := range chunks {
		switch chunk.Kind {
		case core.ChunkContent:
			sb.WriteString(chunk.Data)
		case core.ChunkError:
			err := chunk.Err
			if err == nil {
				err = core.ErrBackendFatal
			}
			return nil, core.NewPipelineError("respond.ProcessStream", "BackendError", pre.Request.ID, err)
		case core.ChunkMetadata, core.ChunkDone:
			// Metadata carries no content; done ends the feed.
		}
	}

	resp := p.Process(&core.RawResult{Content: sb.String()}, pre, decision)
	resp.Streaming = true
	return resp, nil
}

// annotate emits the performance-metrics counters the annotation step
// stands for: output shape and end-to-end latency.
func (p *Processor) annotate(resp *core.ProcessedResponse, elapsed time.Duration) {
	telemetry.Histogram("respond.chars", float64(len(resp.Content)))
	telemetry.Histogram("respond.words", float64(len(strings.Fields(resp.Content))))
	telemetry.Histogram("respond.lines", float64(strings.Count(resp.Content, "\n")+1))
	telemetry.Histogram("respond.latency_ms", float64(elapsed.Milliseconds()))
	telemetry.Histogram("respond.quality", resp.QualityScore)
}
