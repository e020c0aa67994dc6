// Package events implements the typed event bus the pipeline stages
// publish to. The bus is append-only and lossy under backpressure:
// when the pending queue is full the lowest-severity events are
// dropped first. Analytics sinks subscribe by kind.
package events

import (
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/telemetry"
)

// Kind enumerates the stable event names emitted by the pipeline.
type Kind string

const (
	RequestPreprocessed Kind = "request.preprocessed"
	RequestRejected     Kind = "request.rejected"
	RoutingSuccess      Kind = "routing.success"
	RoutingFallback     Kind = "routing.fallback"
	RoutingFailed       Kind = "routing.failed"
	BatchFormed         Kind = "batch.formed"
	BatchScheduled      Kind = "batch.scheduled"
	BatchCompleted      Kind = "batch.completed"
	BatchFailed         Kind = "batch.failed"
	AttemptStarted      Kind = "attempt.started"
	AttemptSucceeded    Kind = "attempt.succeeded"
	AttemptFailed       Kind = "attempt.failed"
	BreakerOpen         Kind = "breaker.open"
	BreakerHalfOpen     Kind = "breaker.halfOpen"
	BreakerClosed       Kind = "breaker.closed"
	ResponseProcessed   Kind = "response.processed"
	ResponseCached      Kind = "response.cached"
	ResponseDegraded    Kind = "response.degraded"
	CacheHit            Kind = "cache.hit"
	CacheMiss           Kind = "cache.miss"
)

// Severity orders events for backpressure dropping.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// kindSeverity assigns a drop priority to each event kind. Routine
// lifecycle events go first under pressure; failures survive longest.
var kindSeverity = map[Kind]Severity{
	RequestPreprocessed: SeverityDebug,
	CacheHit:            SeverityDebug,
	CacheMiss:           SeverityDebug,
	AttemptStarted:      SeverityDebug,
	RoutingSuccess:      SeverityInfo,
	BatchFormed:         SeverityInfo,
	BatchScheduled:      SeverityInfo,
	BatchCompleted:      SeverityInfo,
	AttemptSucceeded:    SeverityInfo,
	ResponseProcessed:   SeverityInfo,
	ResponseCached:      SeverityInfo,
	RequestRejected:     SeverityWarn,
	RoutingFallback:     SeverityWarn,
	AttemptFailed:       SeverityWarn,
	ResponseDegraded:    SeverityWarn,
	BreakerHalfOpen:     SeverityWarn,
	BreakerClosed:       SeverityWarn,
	RoutingFailed:       SeverityError,
	BatchFailed:         SeverityError,
	BreakerOpen:         SeverityError,
}

// SeverityOf returns the drop priority for a kind.
func SeverityOf(k Kind) Severity {
	if s, ok := kindSeverity[k]; ok {
		return s
	}
	return SeverityInfo
}

// Event is one structured record on the bus.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Severity  Severity               `json:"severity"`
	RequestID string                 `json:"request_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type subscriber struct {
	kinds map[Kind]bool // nil = all kinds
	ch    chan Event
}

// Bus fans events out to subscribers. Publish never blocks the caller.
type Bus struct {
	mu          sync.Mutex
	pending     []Event
	capacity    int
	subscribers []*subscriber
	closed      bool
	notify      chan struct{}
	done        chan struct{}
	logger      core.Logger
	clock       core.Clock
	dropped     uint64
}

// NewBus creates a bus with the given pending-queue capacity and
// starts its dispatch goroutine.
func NewBus(capacity int, logger core.Logger, clock core.Clock) *Bus {
	if capacity < 1 {
		capacity = 1024
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	b := &Bus{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
		clock:    clock,
	}
	go b.dispatch()
	return b
}

// Subscribe returns a channel receiving events of the given kinds,
// or every event when no kinds are specified. Slow subscribers lose
// events rather than stalling the bus.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	sub := &subscriber{ch: make(chan Event, 64)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish enqueues an event. Under backpressure the lowest-severity
// pending event is evicted; an incoming event at or below that
// severity is discarded instead.
func (b *Bus) Publish(kind Kind, requestID string, payload map[string]interface{}) {
	ev := Event{
		Kind:      kind,
		Severity:  SeverityOf(kind),
		RequestID: requestID,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.pending) >= b.capacity {
		lowIdx := 0
		for i, p := range b.pending {
			if p.Severity < b.pending[lowIdx].Severity {
				lowIdx = i
			}
		}
		if ev.Severity <= b.pending[lowIdx].Severity {
			b.dropped++
			b.mu.Unlock()
			telemetry.Counter("events.dropped", "kind", string(kind))
			return
		}
		evicted := b.pending[lowIdx].Kind
		b.pending = append(b.pending[:lowIdx], b.pending[lowIdx+1:]...)
		b.dropped++
		telemetry.Counter("events.dropped", "kind", string(evicted))
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()

	telemetry.Counter("events.published", "kind", string(kind))

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}

		for {
			b.mu.Lock()
			if len(b.pending) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.pending[0]
			b.pending = b.pending[1:]
			subs := make([]*subscriber, len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.Unlock()

			for _, sub := range subs {
				if sub.kinds != nil && !sub.kinds[ev.Kind] {
					continue
				}
				select {
				case sub.ch <- ev:
				default:
					// Subscriber is not keeping up; the bus is lossy.
				}
			}
		}
	}
}

// Dropped returns the number of events lost to backpressure.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops dispatching and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	close(b.done)
	for _, sub := range subs {
		close(sub.ch)
	}
}
