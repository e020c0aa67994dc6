package core

import (
	"time"
)

// RequestType identifies the kind of work a request asks for.
type RequestType string

const (
	TypeText            RequestType = "text"
	TypeChat            RequestType = "chat"
	TypeCode            RequestType = "code"
	TypeAnalysis        RequestType = "analysis"
	TypeMultimodal      RequestType = "multimodal"
	TypeEmbedding       RequestType = "embedding"
	TypeDocumentation   RequestType = "documentation"
	TypeExplanation     RequestType = "explanation"
	TypeSpecializedTask RequestType = "specialized_task"
	TypeRealtime        RequestType = "realtime"
	TypeCodeExecution   RequestType = "code_execution"
	TypeFileAccess      RequestType = "file_access"
	TypeNetworkRequest  RequestType = "network_request"
)

// Priority is the caller-facing priority band of a request.
// The preprocessor resolves it to a numeric level in [1,10].
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Level maps a priority band to its base numeric level.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 2
	case PriorityMedium:
		return 4
	case PriorityHigh:
		return 6
	case PriorityUrgent:
		return 9
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priority bands.
func (p Priority) Valid() bool {
	return p.Level() > 0
}

// TenantTier identifies the subscription tier of the submitting tenant.
// Tiers influence priority resolution and routing strategy selection.
type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierPlus       TenantTier = "plus"
	TierPro        TenantTier = "pro"
	TierEnterprise TenantTier = "enterprise"
)

// Attachment carries typed auxiliary content for multimodal requests.
type Attachment struct {
	Kind      string `json:"kind"` // e.g. "image", "audio", "file"
	MediaType string `json:"media_type"`
	URI       string `json:"uri,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Preferences are optional caller hints that constrain routing.
type Preferences struct {
	PreferredProvider string  `json:"preferred_provider,omitempty"`
	MaxCost           float64 `json:"max_cost,omitempty"`
	ResponseFormat    string  `json:"response_format,omitempty"`
}

// TenantPolicy captures the per-tenant switches the pipeline consults.
// It is resolved by the caller (the core does not own tenant CRUD).
type TenantPolicy struct {
	Tier               TenantTier `json:"tier"`
	AllowCredentials   bool       `json:"allow_credentials"`   // permits blocklist matches
	AllowDegraded      bool       `json:"allow_degraded"`      // permits synthetic degraded responses
	PreferredProviders []string   `json:"preferred_providers"` // soft hint only
}

// Request is a single unit of work submitted to the pipeline.
// Once normalized by the preprocessor it must be treated as immutable.
type Request struct {
	ID                   string                 `json:"id"`
	TenantID             string                 `json:"tenant_id"`
	UserID               string                 `json:"user_id,omitempty"`
	SessionID            string                 `json:"session_id,omitempty"`
	Type                 RequestType            `json:"type"`
	Content              string                 `json:"content"`
	Attachments          []Attachment           `json:"attachments,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Priority             Priority               `json:"priority"`
	Deadline             time.Time              `json:"deadline"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Preferences          *Preferences           `json:"preferences,omitempty"`
	Policy               TenantPolicy           `json:"policy"`
	Fingerprint          string                 `json:"fingerprint,omitempty"`
	SubmittedAt          time.Time              `json:"submitted_at"`
}

// Anonymous reports whether the request carries no user identity.
func (r *Request) Anonymous() bool {
	return r.UserID == ""
}

// TokenEstimate holds the predicted token counts for a request.
type TokenEstimate struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// PreprocessedRequest wraps a validated, normalized Request together
// with the metadata derived during preprocessing.
type PreprocessedRequest struct {
	Request                *Request      `json:"request"`
	RiskScore              float64       `json:"risk_score"` // 0..10
	Priority               int           `json:"priority"`   // resolved, 1..10
	EstimatedTokens        TokenEstimate `json:"estimated_tokens"`
	EstimatedCost          float64       `json:"estimated_cost"`
	OriginalLength         int           `json:"original_length"`
	TransformationsApplied []string      `json:"transformations_applied"`
	ValidationPassed       bool          `json:"validation_passed"`
}
