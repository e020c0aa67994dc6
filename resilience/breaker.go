// Package resilience provides the circuit breaker and retry backoff
// primitives the executor composes during recovery.
package resilience

import (
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/telemetry"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateListener is notified after every state transition.
type StateListener func(name string, from, to CircuitState)

// BreakerConfig holds configuration for one circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker, typically the backend key.
	Name string

	// FailureThreshold is the number of consecutive countable failures
	// before the breaker opens.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before it
	// admits a half-open probe.
	RecoveryTimeout time.Duration

	// Clock supplies time; nil means the real clock.
	Clock core.Clock

	// Logger for breaker events.
	Logger core.Logger
}

func (c *BreakerConfig) withDefaults() *BreakerConfig {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 10
	}
	if out.RecoveryTimeout <= 0 {
		out.RecoveryTimeout = 60 * time.Second
	}
	if out.Clock == nil {
		out.Clock = core.RealClock{}
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	return &out
}

// CircuitBreaker guards one backend. Transitions:
// closed -> open when consecutive failures reach the threshold,
// open -> half-open after the recovery timeout, half-open -> closed on
// a successful probe or back to open on a failed one. Exactly one
// probe is admitted while half-open.
type CircuitBreaker struct {
	cfg *BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probeActive bool

	listeners []StateListener
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg *BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// OnStateChange registers a listener. Listeners run synchronously
// inside the transition and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn StateListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// State returns the current state, promoting open to half-open when
// the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a request may proceed. In half-open it admits
// exactly one caller, which must report back via RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probeActive {
			telemetry.Counter("breaker.rejected", "name", cb.cfg.Name)
			return false
		}
		cb.probeActive = true
		return true
	default:
		telemetry.Counter("breaker.rejected", "name", cb.cfg.Name)
		return false
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probeActive = false
		cb.failures = 0
		cb.transition(StateClosed)
	case StateClosed:
		cb.failures = 0
	}
}

// Release abandons an admitted call without counting it either way.
// Used when the client cancels before the backend can be judged; a
// half-open probe slot is returned for the next caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeActive = false
}

// RecordFailure notes a failed call that counts against the backend.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probeActive = false
		cb.openedAt = cb.cfg.Clock.Now()
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.cfg.Clock.Now()
			cb.transition(StateOpen)
		}
	}
}

// Failures returns the consecutive failure count while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// maybeHalfOpen promotes open to half-open once the recovery timeout
// has elapsed. Callers must hold cb.mu.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.transition(StateHalfOpen)
	}
}

// transition moves to the target state and fires listeners.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.cfg.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "breaker_transition",
		"name":      cb.cfg.Name,
		"from":      from.String(),
		"to":        to.String(),
		"failures":  cb.failures,
	})
	telemetry.Counter("breaker.transitions", "name", cb.cfg.Name, "to", to.String())
	for _, fn := range cb.listeners {
		fn(cb.cfg.Name, from, to)
	}
}

// BreakerSet lazily creates one breaker per backend key and shares the
// listener set across all of them.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	template  BreakerConfig
	listeners []StateListener
}

// NewBreakerSet creates a set using cfg as the per-breaker template.
// The template's Name is ignored; each breaker is named by its key.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		template: cfg,
	}
}

// OnStateChange registers a listener applied to every breaker in the
// set, current and future.
func (s *BreakerSet) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	for _, cb := range s.breakers {
		cb.OnStateChange(fn)
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[key]
	if !ok {
		cfg := s.template
		cfg.Name = key
		cb = NewCircuitBreaker(&cfg)
		for _, fn := range s.listeners {
			cb.OnStateChange(fn)
		}
		s.breakers[key] = cb
	}
	return cb
}
