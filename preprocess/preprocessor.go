// Package preprocess implements the first pipeline stage: validation,
// normalization, sanitization, safety screening, risk and priority
// scoring, cost estimation, and fingerprinting.
package preprocess

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/telemetry"
)

const truncationMarker = "… [truncated]"

// highRiskTypes add a risk premium during scoring.
var highRiskTypes = map[core.RequestType]bool{
	core.TypeCodeExecution:  true,
	core.TypeFileAccess:     true,
	core.TypeNetworkRequest: true,
}

// urgentTypes get a priority bump during resolution.
var urgentTypes = map[core.RequestType]bool{
	core.TypeRealtime: true,
}

var scriptBlockRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)

// Preprocessor validates and enriches incoming requests.
type Preprocessor struct {
	cfg       *core.Config
	blocklist []*regexp.Regexp
	clock     core.Clock
	logger    core.Logger
	bus       *events.Bus
}

// New compiles the safety blocklist and returns a Preprocessor.
func New(cfg *core.Config, clock core.Clock, logger core.Logger, bus *events.Bus) (*Preprocessor, error) {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	blocklist := make([]*regexp.Regexp, 0, len(cfg.BlocklistPatterns))
	for _, pattern := range cfg.BlocklistPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad blocklist pattern %q: %v", core.ErrValidation, pattern, err)
		}
		blocklist = append(blocklist, re)
	}
	return &Preprocessor{
		cfg:       cfg,
		blocklist: blocklist,
		clock:     clock,
		logger:    logger,
		bus:       bus,
	}, nil
}

// Preprocess validates and normalizes a freshly submitted request.
// It fails with ErrValidation or ErrPolicyRejection; anything else
// about the request is recorded as derived metadata.
func (p *Preprocessor) Preprocess(req *core.Request) (*core.PreprocessedRequest, error) {
	if err := p.validate(req); err != nil {
		p.reject(req, "ValidationError", err)
		return nil, err
	}

	originalLen := len(req.Content)
	var transformations []string

	normalized := Normalize(req.Content)
	if normalized != req.Content {
		transformations = append(transformations, "normalization")
	}

	limit := p.cfg.MaxContentLen - len(truncationMarker)
	if len(normalized) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(normalized[cut]) {
			cut--
		}
		normalized = strings.TrimRight(normalized[:cut], " ") + truncationMarker
		transformations = append(transformations, "truncation")
	}
	req.Content = normalized

	params, paramTransforms := p.sanitizeParameters(req.Parameters)
	req.Parameters = params
	transformations = append(transformations, paramTransforms...)

	if err := p.safetyCheck(req); err != nil {
		p.reject(req, "PolicyRejection", err)
		return nil, err
	}

	pre := &core.PreprocessedRequest{
		Request:                req,
		RiskScore:              p.riskScore(req),
		Priority:               p.resolvePriority(req),
		OriginalLength:         originalLen,
		TransformationsApplied: transformations,
		ValidationPassed:       true,
	}
	pre.EstimatedTokens, pre.EstimatedCost = p.estimate(req)
	req.Fingerprint = Fingerprint(req)

	if p.bus != nil {
		p.bus.Publish(events.RequestPreprocessed, req.ID, map[string]interface{}{
			"tenant_id":        req.TenantID,
			"type":             string(req.Type),
			"priority":         pre.Priority,
			"risk_score":       pre.RiskScore,
			"estimated_cost":   pre.EstimatedCost,
			"estimated_tokens": pre.EstimatedTokens.Input + pre.EstimatedTokens.Output,
			"transformations":  transformations,
		})
	}
	telemetry.Counter("preprocess.accepted", "tenant", req.TenantID, "type", string(req.Type))
	return pre, nil
}

func (p *Preprocessor) validate(req *core.Request) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", core.ErrValidation)
	}
	if req.Type == "" {
		return fmt.Errorf("%w: type is required", core.ErrValidation)
	}
	if len(req.Content) == 0 {
		return fmt.Errorf("%w: content is empty", core.ErrValidation)
	}
	if len(req.Content) > p.cfg.MaxContentLen {
		return fmt.Errorf("%w: content length %d exceeds limit %d", core.ErrValidation, len(req.Content), p.cfg.MaxContentLen)
	}
	if len(req.Parameters) > p.cfg.MaxParameters {
		return fmt.Errorf("%w: %d parameters exceeds limit %d", core.ErrValidation, len(req.Parameters), p.cfg.MaxParameters)
	}
	for key, value := range req.Parameters {
		serialized, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: parameter %q is not serializable", core.ErrValidation, key)
		}
		if len(serialized) > p.cfg.MaxParameterLen {
			return fmt.Errorf("%w: parameter %q exceeds %d chars serialized", core.ErrValidation, key, p.cfg.MaxParameterLen)
		}
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", core.ErrValidation, req.Priority)
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(p.clock.Now()) {
		return fmt.Errorf("%w: deadline is in the past", core.ErrValidation)
	}
	return nil
}

// sanitizeParameters lowercases and slugs keys, strips script blocks
// from string values, clamps arrays, and coerces NaN to zero.
func (p *Preprocessor) sanitizeParameters(params map[string]interface{}) (map[string]interface{}, []string) {
	if len(params) == 0 {
		return params, nil
	}
	var transformations []string
	changed := false
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		cleanKey := sanitizeKey(key)
		if cleanKey != key {
			changed = true
		}
		switch v := value.(type) {
		case string:
			stripped := scriptBlockRe.ReplaceAllString(v, "")
			if stripped != v {
				changed = true
				transformations = append(transformations, "script_removal")
			}
			out[cleanKey] = stripped
		case []interface{}:
			if len(v) > 100 {
				v = v[:100]
				changed = true
				transformations = append(transformations, "array_clamp")
			}
			out[cleanKey] = v
		case float64:
			if math.IsNaN(v) {
				v = 0
				changed = true
			}
			out[cleanKey] = v
		default:
			out[cleanKey] = v
		}
	}
	if changed {
		transformations = append([]string{"parameter_sanitization"}, transformations...)
	}
	return out, transformations
}

func sanitizeKey(key string) string {
	key = strings.ToLower(key)
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (p *Preprocessor) safetyCheck(req *core.Request) error {
	if !req.Policy.AllowCredentials {
		for _, re := range p.blocklist {
			if re.MatchString(req.Content) {
				return fmt.Errorf("%w: content matches blocklist rule %q", core.ErrPolicyRejection, re.String())
			}
		}
	}

	words := strings.Fields(req.Content)
	if len(words) >= 10 {
		counts := make(map[string]int, len(words))
		maxCount := 0
		for _, w := range words {
			counts[w]++
			if counts[w] > maxCount {
				maxCount = counts[w]
			}
		}
		if float64(maxCount)/float64(len(words)) > p.cfg.SpamTokenRatio {
			return fmt.Errorf("%w: repetitive content", core.ErrPolicyRejection)
		}
	}
	return nil
}

func (p *Preprocessor) riskScore(req *core.Request) float64 {
	score := 0.0
	switch {
	case len(req.Content) > 50_000:
		score += 2
	case len(req.Content) > 10_000:
		score += 1
	}
	if len(req.Parameters) > p.cfg.MaxParameters {
		score += 2
	}
	if highRiskTypes[req.Type] {
		score += 3
	}
	if req.Anonymous() {
		score += 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func (p *Preprocessor) resolvePriority(req *core.Request) int {
	priority := req.Priority.Level()
	priority += p.cfg.TierPriorityBonus[req.Policy.Tier]
	if urgentTypes[req.Type] || req.Priority == core.PriorityUrgent {
		priority += 2
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priority
}

func (p *Preprocessor) estimate(req *core.Request) (core.TokenEstimate, float64) {
	input := (len(req.Content) + 3) / 4
	output := int(0.3 * float64(input))
	if output < 100 {
		output = 100
	}
	if output > 4000 {
		output = 4000
	}
	est := core.TokenEstimate{Input: input, Output: output}
	cost := float64(input)*p.cfg.DefaultInputTokenCost + float64(output)*p.cfg.DefaultOutputTokenCost
	return est, cost
}

func (p *Preprocessor) reject(req *core.Request, kind string, err error) {
	p.logger.Warn("Request rejected", map[string]interface{}{
		"operation":  "preprocess_reject",
		"request_id": req.ID,
		"tenant_id":  req.TenantID,
		"kind":       kind,
		"error":      err.Error(),
	})
	if p.bus != nil {
		p.bus.Publish(events.RequestRejected, req.ID, map[string]interface{}{
			"tenant_id": req.TenantID,
			"kind":      kind,
			"error":     err.Error(),
		})
	}
	telemetry.Counter("preprocess.rejected", "tenant", req.TenantID, "kind", kind)
}

// Fingerprint computes the content-addressed hash over the normalized
// content, type, and sorted parameters. It is the cache key.
func Fingerprint(req *core.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Type))
	h.Write([]byte{0})
	h.Write([]byte(req.Content))
	h.Write([]byte{0})

	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		if data, err := json.Marshal(req.Parameters[k]); err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
