package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/core"
)

func TestSeverityOfOrdersKinds(t *testing.T) {
	assert.Equal(t, SeverityDebug, SeverityOf(CacheHit))
	assert.Equal(t, SeverityInfo, SeverityOf(ResponseProcessed))
	assert.Equal(t, SeverityWarn, SeverityOf(AttemptFailed))
	assert.Equal(t, SeverityError, SeverityOf(BreakerOpen))
	assert.Equal(t, SeverityInfo, SeverityOf(Kind("something.new")), "unknown kinds default to info")
}

// stalledBus builds a bus with no dispatch goroutine so the pending
// queue can be inspected under backpressure.
func stalledBus(capacity int) *Bus {
	return &Bus{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   &core.NoOpLogger{},
		clock:    core.RealClock{},
	}
}

func TestPublishEvictsLowestSeverityWhenFull(t *testing.T) {
	b := stalledBus(2)

	b.Publish(CacheHit, "r1", nil)        // debug
	b.Publish(RoutingSuccess, "r2", nil)  // info
	b.Publish(BreakerOpen, "r3", nil)     // error, queue is full

	require.Len(t, b.pending, 2)
	assert.Equal(t, RoutingSuccess, b.pending[0].Kind, "the debug event is evicted first")
	assert.Equal(t, BreakerOpen, b.pending[1].Kind)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestPublishDiscardsIncomingAtOrBelowFloor(t *testing.T) {
	b := stalledBus(2)

	b.Publish(RoutingSuccess, "r1", nil) // info
	b.Publish(BreakerOpen, "r2", nil)    // error
	b.Publish(AttemptStarted, "r3", nil) // debug, below everything pending

	require.Len(t, b.pending, 2)
	assert.Equal(t, RoutingSuccess, b.pending[0].Kind)
	assert.Equal(t, uint64(1), b.Dropped())
}

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := NewBus(64, nil, nil)
	defer b.Close()

	ch := b.Subscribe()
	b.Publish(ResponseProcessed, "req-1", map[string]interface{}{"quality_score": 7.5})

	ev := receiveEvent(t, ch)
	assert.Equal(t, ResponseProcessed, ev.Kind)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, 7.5, ev.Payload["quality_score"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubscribeFiltersByKind(t *testing.T) {
	b := NewBus(64, nil, nil)
	defer b.Close()

	ch := b.Subscribe(BreakerOpen, BreakerClosed)
	b.Publish(RoutingSuccess, "r1", nil)
	b.Publish(BreakerOpen, "r2", nil)

	ev := receiveEvent(t, ch)
	assert.Equal(t, BreakerOpen, ev.Kind)
	assert.Equal(t, "r2", ev.RequestID)
}

func TestCloseStopsDeliveryAndClosesChannels(t *testing.T) {
	b := NewBus(64, nil, nil)
	ch := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")

	// Publishing after close is a no-op, not a panic.
	b.Publish(RoutingSuccess, "r1", nil)
	assert.Equal(t, uint64(0), b.Dropped())
}
