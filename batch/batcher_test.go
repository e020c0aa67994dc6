package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/core"
)

// recordingHandler completes requests in order and can hold them.
type recordingHandler struct {
	mu    sync.Mutex
	order []string
	gate  chan struct{} // when set, each call blocks until a token arrives
}

func (h *recordingHandler) handle(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (*core.ProcessedResponse, error) {
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	h.order = append(h.order, pre.Request.ID)
	h.mu.Unlock()
	return &core.ProcessedResponse{RequestID: pre.Request.ID, Success: true, Content: "done"}, nil
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

func newTestBatcher(t *testing.T, handler Handler, mutate func(*core.Config)) (*Batcher, *core.FakeClock) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.ConcurrencyLimit = 2
	if mutate != nil {
		mutate(cfg)
	}
	clock := core.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	b := New(cfg, handler, clock, nil, nil)
	t.Cleanup(b.Close)
	return b, clock
}

func preWith(id string, priority int, params map[string]interface{}) *core.PreprocessedRequest {
	return &core.PreprocessedRequest{
		Request: &core.Request{
			ID:          id,
			TenantID:    "tenant-a",
			Type:        core.TypeText,
			Content:     "payload",
			Priority:    core.PriorityMedium,
			Parameters:  params,
			SubmittedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		Priority: priority,
	}
}

func waitFuture(t *testing.T, f *Future) (*core.ProcessedResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestUrgentRequestDispatchesImmediately(t *testing.T) {
	h := &recordingHandler{}
	b, _ := newTestBatcher(t, h.handle, nil)

	fut := b.Submit(context.Background(), preWith("urgent-1", 9, nil), nil)
	resp, err := waitFuture(t, fut)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"urgent-1"}, h.seen())
}

func TestSmallBatchDispatchesIndividuallyAfterWait(t *testing.T) {
	h := &recordingHandler{}
	b, clock := newTestBatcher(t, h.handle, nil)

	fut := b.Submit(context.Background(), preWith("solo", 4, nil), nil)

	select {
	case <-fut.Done():
		t.Fatal("future resolved before the wait window elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(2 * time.Second) // well past WaitTimeFor(4)
	resp, err := waitFuture(t, fut)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFullBatchSchedulesWithoutWaiting(t *testing.T) {
	h := &recordingHandler{}
	b, _ := newTestBatcher(t, h.handle, func(c *core.Config) {
		c.MaxBatchSize = 2
		c.MinBatchSize = 1
	})

	f1 := b.Submit(context.Background(), preWith("m1", 4, nil), nil)
	f2 := b.Submit(context.Background(), preWith("m2", 4, nil), nil)

	// Reaching maxBatchSize schedules the batch with no clock advance.
	_, err := waitFuture(t, f1)
	require.NoError(t, err)
	_, err = waitFuture(t, f2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, h.seen(), "members must run in submission order")
}

func TestSimilarRequestsJoinTheSameBatch(t *testing.T) {
	h := &recordingHandler{}
	b, clock := newTestBatcher(t, h.handle, func(c *core.Config) {
		c.MinBatchSize = 2
	})

	params := map[string]interface{}{"model": "m", "temperature": 0.0, "lang": "en"}
	f1 := b.Submit(context.Background(), preWith("s1", 4, params), nil)
	f2 := b.Submit(context.Background(), preWith("s2", 4, params), nil)

	time.Sleep(50 * time.Millisecond) // let the forming timer register
	clock.Advance(2 * time.Second)

	_, err := waitFuture(t, f1)
	require.NoError(t, err)
	_, err = waitFuture(t, f2)
	require.NoError(t, err)
	assert.Len(t, h.seen(), 2)
}

func TestCancelFormingRequest(t *testing.T) {
	h := &recordingHandler{}
	b, clock := newTestBatcher(t, h.handle, nil)

	fut := b.Submit(context.Background(), preWith("doomed", 4, nil), nil)
	require.True(t, b.Cancel("doomed"))

	_, err := fut.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCancelled))

	// The wait window elapsing must not resurrect the request.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.seen())

	assert.False(t, b.Cancel("doomed"), "second cancel finds nothing")
}

func TestCancelRunningRequestDiscardsResult(t *testing.T) {
	h := &recordingHandler{gate: make(chan struct{})}
	b, _ := newTestBatcher(t, h.handle, nil)

	fut := b.Submit(context.Background(), preWith("running", 9, nil), nil)

	time.Sleep(50 * time.Millisecond) // worker is now blocked in the handler
	require.True(t, b.Cancel("running"))

	_, err := fut.Wait(context.Background())
	assert.True(t, errors.Is(err, core.ErrCancelled))

	h.gate <- struct{}{} // release the handler; its result must be discarded
	time.Sleep(50 * time.Millisecond)

	_, err = fut.Wait(context.Background())
	assert.True(t, errors.Is(err, core.ErrCancelled), "completed future must keep its first resolution")
}

func TestHigherPriorityOvertakesInQueue(t *testing.T) {
	h := &recordingHandler{gate: make(chan struct{})}
	b, clock := newTestBatcher(t, h.handle, func(c *core.Config) {
		c.ConcurrencyLimit = 1
	})

	// Occupy the single worker.
	blocker := b.Submit(context.Background(), preWith("blocker", 9, nil), nil)
	time.Sleep(50 * time.Millisecond)

	// Queue a low then a high priority job while the worker is busy.
	low := b.Submit(context.Background(), preWith("low", 2, nil), nil)
	time.Sleep(50 * time.Millisecond)
	clock.Advance(3 * time.Second) // low's window elapses, it queues
	time.Sleep(50 * time.Millisecond)
	high := b.Submit(context.Background(), preWith("high", 9, nil), nil)
	time.Sleep(50 * time.Millisecond)

	// Release all three in turn.
	for i := 0; i < 3; i++ {
		h.gate <- struct{}{}
	}
	_, err := waitFuture(t, blocker)
	require.NoError(t, err)
	_, err = waitFuture(t, high)
	require.NoError(t, err)
	_, err = waitFuture(t, low)
	require.NoError(t, err)

	assert.Equal(t, []string{"blocker", "high", "low"}, h.seen())
}

func TestDepthTracksPendingWork(t *testing.T) {
	h := &recordingHandler{gate: make(chan struct{})}
	b, _ := newTestBatcher(t, h.handle, func(c *core.Config) {
		c.ConcurrencyLimit = 1
	})

	assert.Equal(t, 0, b.Depth())
	b.Submit(context.Background(), preWith("d1", 9, nil), nil)
	b.Submit(context.Background(), preWith("d2", 4, nil), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, b.Depth())

	close(h.gate) // unblock the worker so Close can drain
}
