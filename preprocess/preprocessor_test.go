package preprocess

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/core"
)

func newTestPreprocessor(t *testing.T, mutate func(*core.Config)) *Preprocessor {
	t.Helper()
	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	p, err := New(cfg, core.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), nil, nil)
	require.NoError(t, err)
	return p
}

func validRequest() *core.Request {
	return &core.Request{
		ID:       "req-1",
		TenantID: "tenant-a",
		Type:     core.TypeText,
		Content:  "Summarize the quarterly revenue figures for the board.",
		Priority: core.PriorityMedium,
	}
}

func TestPreprocessAcceptsValidRequest(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	pre, err := p.Preprocess(validRequest())
	require.NoError(t, err)
	assert.True(t, pre.ValidationPassed)
	assert.Equal(t, 4, pre.Priority) // medium, no tier bonus
	assert.NotEmpty(t, pre.Request.Fingerprint)
	assert.Greater(t, pre.EstimatedTokens.Input, 0)
	assert.GreaterOrEqual(t, pre.EstimatedTokens.Output, 100)
	assert.Greater(t, pre.EstimatedCost, 0.0)
}

func TestPreprocessValidationFailures(t *testing.T) {
	p := newTestPreprocessor(t, func(c *core.Config) { c.MaxParameters = 2 })

	cases := []struct {
		name   string
		mutate func(*core.Request)
	}{
		{"missing tenant", func(r *core.Request) { r.TenantID = "" }},
		{"missing type", func(r *core.Request) { r.Type = "" }},
		{"empty content", func(r *core.Request) { r.Content = "" }},
		{"oversized content", func(r *core.Request) { r.Content = strings.Repeat("a", 100_001) }},
		{"too many parameters", func(r *core.Request) {
			r.Parameters = map[string]interface{}{"a": 1, "b": 2, "c": 3}
		}},
		{"bad priority", func(r *core.Request) { r.Priority = "frantic" }},
		{"deadline in the past", func(r *core.Request) {
			r.Deadline = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			_, err := p.Preprocess(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrValidation), "want ErrValidation, got %v", err)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"  hello\t\tworld \n",
		"tabs\tand unicode spaces",
		"control\x00chars\x07here",
		"already normalized",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
	if got := Normalize("  a \t b\nc  "); got != "a b c" {
		t.Errorf("Normalize = %q, want %q", got, "a b c")
	}
}

func TestPreprocessTruncatesOversizedNormalizedContent(t *testing.T) {
	p := newTestPreprocessor(t, func(c *core.Config) { c.MaxContentLen = 100 })

	req := validRequest()
	req.Content = "a short request that fits easily"
	pre, err := p.Preprocess(req)
	require.NoError(t, err)
	assert.NotContains(t, pre.TransformationsApplied, "truncation")

	// 99 chars passes validation but exceeds the truncation limit of
	// maxContentLen minus the marker.
	req2 := validRequest()
	req2.Content = "the quick brown fox jumps over the lazy dog while carrying nine extra words to pad this sentence ok"[:99]
	pre2, err := p.Preprocess(req2)
	require.NoError(t, err)
	assert.Contains(t, pre2.TransformationsApplied, "truncation")
	assert.True(t, strings.HasSuffix(pre2.Request.Content, "… [truncated]"))
	assert.LessOrEqual(t, len(pre2.Request.Content), 100)
	assert.Equal(t, 99, pre2.OriginalLength)
}

func TestPreprocessSanitizesParameters(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	req := validRequest()
	req.Parameters = map[string]interface{}{
		"Max-Tokens": 100.0,
		"note":       `before<script type="text/js">alert(1)</script>after`,
	}
	pre, err := p.Preprocess(req)
	require.NoError(t, err)

	_, hasClean := pre.Request.Parameters["max_tokens"]
	assert.True(t, hasClean, "key should be lowercased and slugged: %v", pre.Request.Parameters)
	assert.Equal(t, "beforeafter", pre.Request.Parameters["note"])
	assert.Contains(t, pre.TransformationsApplied, "parameter_sanitization")
	assert.Contains(t, pre.TransformationsApplied, "script_removal")
}

func TestPreprocessRejectsBlocklistedContent(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	req := validRequest()
	req.Content = "my password: hunter2 please remember it"
	_, err := p.Preprocess(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPolicyRejection))

	// The same content passes when the tenant policy allows credentials.
	req2 := validRequest()
	req2.Content = "my password: hunter2 please remember it"
	req2.Policy.AllowCredentials = true
	_, err = p.Preprocess(req2)
	assert.NoError(t, err)
}

func TestPreprocessRejectsSpam(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	req := validRequest()
	req.Content = strings.TrimSpace(strings.Repeat("buy ", 20))
	_, err := p.Preprocess(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPolicyRejection))
}

func TestRiskScoreBounds(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	req := validRequest()
	req.Type = core.TypeCodeExecution
	var sb strings.Builder
	for i := 0; sb.Len() <= 50_001; i++ {
		fmt.Fprintf(&sb, "word%d ", i)
	}
	req.Content = sb.String()
	pre, err := p.Preprocess(req)
	require.NoError(t, err)
	// +2 size, +3 high-risk type, +1 anonymous
	assert.Equal(t, 6.0, pre.RiskScore)
	assert.LessOrEqual(t, pre.RiskScore, 10.0)
}

func TestPriorityResolution(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	cases := []struct {
		priority core.Priority
		tier     core.TenantTier
		reqType  core.RequestType
		want     int
	}{
		{core.PriorityLow, "", core.TypeText, 2},
		{core.PriorityMedium, core.TierPro, core.TypeText, 6},
		{core.PriorityHigh, core.TierEnterprise, core.TypeText, 9},
		{core.PriorityUrgent, core.TierEnterprise, core.TypeText, 10}, // 9+3+2 clamped
		{core.PriorityMedium, "", core.TypeRealtime, 6},               // +2 urgent type
	}
	for _, tc := range cases {
		req := validRequest()
		req.Priority = tc.priority
		req.Policy.Tier = tc.tier
		req.Type = tc.reqType
		pre, err := p.Preprocess(req)
		require.NoError(t, err)
		assert.Equal(t, tc.want, pre.Priority, "priority=%s tier=%s type=%s", tc.priority, tc.tier, tc.reqType)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := validRequest()
	a.Parameters = map[string]interface{}{"alpha": 1.0, "beta": "x"}
	b := validRequest()
	b.Parameters = map[string]interface{}{"beta": "x", "alpha": 1.0}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should not depend on map iteration order")
	}

	c := validRequest()
	c.Content = a.Content + "!"
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different content must produce different fingerprints")
	}

	d := validRequest()
	d.Type = core.TypeCode
	if Fingerprint(a) == Fingerprint(d) {
		t.Error("different type must produce different fingerprints")
	}
}
