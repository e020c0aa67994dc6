package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/cache"
	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/providers/mock"
	"github.com/relaymesh/relay/router"
)

func newTestPipeline(t *testing.T, mutate func(*core.Config)) (*Pipeline, *core.FakeClock) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.BaseRetryDelay = 0
	cfg.MaxRetryDelay = 0
	if mutate != nil {
		mutate(cfg)
	}
	clock := core.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, err := New(cfg, cache.NewMemoryStore(clock, nil),
		WithClock(clock),
		WithRouterOptions(router.WithSeed(1)),
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, clock
}

func registerProvider(t *testing.T, p *Pipeline, id string, outcomes ...mock.Outcome) *mock.Provider {
	t.Helper()
	prov := mock.New(id, "text")
	prov.Script(outcomes...)
	p.RegisterAgent(&core.AgentInfo{
		ID:           id,
		Kind:         core.KindProvider,
		BackendType:  "hostedA",
		Capabilities: map[string]float64{"text": 0.8},
		Health:       core.HealthHealthy,
		QualityScore: 0.7,
	}, prov)
	return prov
}

// urgentRequest dispatches immediately, keeping tests off the batch
// formation timers.
func urgentRequest(content string) *core.Request {
	return &core.Request{
		TenantID: "tenant-a",
		Type:     core.TypeText,
		Content:  content,
		Priority: core.PriorityUrgent,
	}
}

func waitResponse(t *testing.T, fut interface {
	Wait(ctx context.Context) (*core.ProcessedResponse, error)
}) (*core.ProcessedResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func TestSubmitHappyPath(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	registerProvider(t, p, "a1", mock.Outcome{
		Result: &core.RawResult{Content: "The answer is 42.", Usage: core.Usage{OutputTokens: 6}},
	})

	fut, err := p.Submit(context.Background(), urgentRequest("what is the answer"))
	require.NoError(t, err)

	resp, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "The answer is 42.", resp.Content)
	assert.Equal(t, "a1", resp.AgentID)
	assert.False(t, resp.Cached)
	assert.Greater(t, resp.QualityScore, 0.0)
}

func TestSubmitServesSecondRequestFromCache(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	prov := registerProvider(t, p, "a1", mock.Outcome{
		Result: &core.RawResult{Content: "cached answer."},
	})

	fut, err := p.Submit(context.Background(), urgentRequest("define idempotency"))
	require.NoError(t, err)
	first, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	fut, err = p.Submit(context.Background(), urgentRequest("define idempotency"))
	require.NoError(t, err)
	second, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, prov.CallCount(), "the second request must not reach the backend")
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	registerProvider(t, p, "a1", mock.Outcome{Result: &core.RawResult{Content: "x"}})

	_, err := p.Submit(context.Background(), urgentRequest(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestSubmitRejectsMissedDeadline(t *testing.T) {
	p, clock := newTestPipeline(t, nil)
	registerProvider(t, p, "a1", mock.Outcome{Result: &core.RawResult{Content: "x"}})

	req := urgentRequest("too late")
	req.Deadline = clock.Now().Add(-time.Second)
	_, err := p.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeoutExceeded))
}

func TestSubmitFailsWithoutAgents(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	_, err := p.Submit(context.Background(), urgentRequest("anyone home"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoAgentAvailable))
}

func TestSubmitOverloadHysteresis(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *core.Config) {
		c.HighWater = 2
		c.LowWater = 1
	})
	registerProvider(t, p, "a1", mock.Outcome{Result: &core.RawResult{Content: "x"}})

	// Two user-scoped requests sit in batch formation (their window
	// never elapses on the fake clock) and raise the backlog depth.
	for i, id := range []string{"backlog-1", "backlog-2"} {
		req := urgentRequest("fill the queue")
		req.ID = id
		req.UserID = "u1" // not cacheable, goes straight to the batcher
		req.Priority = core.PriorityLow
		_, err := p.Submit(context.Background(), req)
		require.NoError(t, err, "submission %d", i)
	}

	_, err := p.Submit(context.Background(), urgentRequest("one too many"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOverloaded))

	// Draining below the low-water mark lifts the rejection.
	assert.True(t, p.Cancel("backlog-1"))
	assert.True(t, p.Cancel("backlog-2"))

	fut, err := p.Submit(context.Background(), urgentRequest("room again"))
	require.NoError(t, err)
	resp, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestCancelPendingRequest(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	registerProvider(t, p, "a1", mock.Outcome{Result: &core.RawResult{Content: "x"}})

	req := urgentRequest("never mind")
	req.ID = "cancel-me"
	req.UserID = "u1"
	req.Priority = core.PriorityLow // forming, so the cancel races nothing
	fut, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	require.True(t, p.Cancel("cancel-me"))
	_, err = waitResponse(t, fut)
	assert.True(t, errors.Is(err, core.ErrCancelled))
	assert.False(t, p.Cancel("cancel-me"))
}

func TestSubmitStreaming(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	registerProvider(t, p, "a1", mock.Outcome{Chunks: []core.StreamChunk{
		{Kind: core.ChunkContent, Data: "stream "},
		{Kind: core.ChunkContent, Data: "of consciousness."},
		{Kind: core.ChunkDone},
	}})

	ch, fut, err := p.SubmitStreaming(context.Background(), urgentRequest("tell me a story"))
	require.NoError(t, err)

	var live string
	for chunk := range ch {
		if chunk.Kind == core.ChunkContent {
			live += chunk.Data
		}
	}
	assert.Equal(t, "stream of consciousness.", live)

	resp, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.True(t, resp.Streaming)
	assert.Equal(t, "stream of consciousness.", resp.Content)
}

func TestEmergencyResponseIsNotCached(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *core.Config) {
		c.DegradationEnabled = false
		c.MaxRetries = 1
	})
	prov := registerProvider(t, p, "a1",
		mock.Outcome{Err: core.NewProviderError(core.KindFatalClient, errors.New("bad"))},
		mock.Outcome{Result: &core.RawResult{Content: "recovered."}},
	)

	fut, err := p.Submit(context.Background(), urgentRequest("flaky question"))
	require.NoError(t, err)
	first, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Content, "service_unavailable")

	// The failure must not be served from cache on retry.
	fut, err = p.Submit(context.Background(), urgentRequest("flaky question"))
	require.NoError(t, err)
	second, err := waitResponse(t, fut)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Cached)
	assert.Equal(t, "recovered.", second.Content)
	assert.Equal(t, 2, prov.CallCount())
}
