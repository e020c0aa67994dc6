package core

import (
	"time"
)

// Usage records token consumption and cost for one attempt or response.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates usage across attempts.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// AttemptOutcome classifies the end state of one execution attempt.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeRetryableFailure AttemptOutcome = "retryable-failure"
	OutcomeFatalFailure     AttemptOutcome = "fatal-failure"
	OutcomeCancelled        AttemptOutcome = "cancelled"
	OutcomeTimeout          AttemptOutcome = "timeout"
)

// ExecutionAttempt is the record of one backend invocation.
type ExecutionAttempt struct {
	RequestID     string         `json:"request_id"`
	AttemptNumber int            `json:"attempt_number"` // 1-based
	AgentID       string         `json:"agent_id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at,omitempty"`
	Outcome       AttemptOutcome `json:"outcome"`
	Usage         Usage          `json:"usage"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
}

// Duration returns the wall time of the attempt.
func (a *ExecutionAttempt) Duration() time.Duration {
	if a.EndedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// RawResult is what a provider hands back before response processing.
type RawResult struct {
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
	Usage    Usage  `json:"usage"`
	Degraded bool   `json:"degraded,omitempty"`
}

// ProcessedResponse is the terminal successful output of the pipeline.
type ProcessedResponse struct {
	RequestID              string    `json:"request_id"`
	Success                bool      `json:"success"`
	Content                string    `json:"content"`
	Warnings               []string  `json:"warnings,omitempty"`
	QualityScore           float64   `json:"quality_score"` // 0..10
	Usage                  Usage     `json:"usage"`
	TransformationsApplied []string  `json:"transformations_applied,omitempty"`
	Streaming              bool      `json:"streaming"`
	Cached                 bool      `json:"cached"`
	Degraded               bool      `json:"degraded"`
	AgentID                string    `json:"agent_id,omitempty"`
	ProducedAt             time.Time `json:"produced_at"`
}

// ChunkKind classifies a streaming chunk.
type ChunkKind string

const (
	ChunkContent  ChunkKind = "content"
	ChunkMetadata ChunkKind = "metadata"
	ChunkError    ChunkKind = "error"
	ChunkDone     ChunkKind = "done"
)

// StreamChunk is one unit of a streaming response.
type StreamChunk struct {
	Kind ChunkKind `json:"kind"`
	Data string    `json:"data,omitempty"`
	Err  error     `json:"-"`
}

// BatchStrategy names the compatibility rule under which a batch formed.
type BatchStrategy string

const (
	BatchEmergency  BatchStrategy = "emergency"
	BatchSimilarity BatchStrategy = "similarity"
	BatchBackend    BatchStrategy = "backend"
	BatchPriority   BatchStrategy = "priority"
	BatchTemporal   BatchStrategy = "temporal"
)

// BatchState is the lifecycle state of a batch job.
type BatchState string

const (
	BatchForming   BatchState = "forming"
	BatchScheduled BatchState = "scheduled"
	BatchRunning   BatchState = "running"
	BatchDone      BatchState = "done"
	BatchFailed    BatchState = "failed"
	BatchCancelled BatchState = "cancelled"
)

// Terminal reports whether the batch state is final.
func (s BatchState) Terminal() bool {
	return s == BatchDone || s == BatchFailed || s == BatchCancelled
}
