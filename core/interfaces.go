package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface shared by every component.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// PreparedCall is the executor's fully-resolved invocation of one backend.
type PreparedCall struct {
	Request    *Request
	AgentID    string
	Model      string
	Parameters map[string]interface{}
}

// HealthReport is the result of a provider health probe.
type HealthReport struct {
	State  HealthState
	Detail string
}

// Provider is the plug-in contract each backend implements.
// Errors returned from Execute and ExecuteStream must be classified
// via NewProviderError so recovery can act on the kind.
type Provider interface {
	ID() string
	Capabilities() []string
	Execute(ctx context.Context, call *PreparedCall) (*RawResult, error)
	ExecuteStream(ctx context.Context, call *PreparedCall) (<-chan StreamChunk, error)
	HealthProbe(ctx context.Context) HealthReport
}

// KVStore is the external key-value collaborator backing the cache.
// Implementations must honor TTLs and provide atomic insert-if-absent.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// QualityScorer scores a processed response in [0,10].
// The default implementation is heuristic; a model-based scorer can be
// plugged in without touching the response processor.
type QualityScorer interface {
	Score(req *PreprocessedRequest, content string, elapsed time.Duration) float64
}
