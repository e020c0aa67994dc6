package respond

import (
	"strings"
	"time"

	"github.com/relaymesh/relay/core"
)

// errorKeywords penalize responses that look like backend failures
// leaking through as content.
var errorKeywords = []string{
	"internal server error",
	"stack trace",
	"traceback (most recent call last)",
	"exception in thread",
	"an error occurred",
	"i cannot process",
}

// HeuristicScorer is the default core.QualityScorer: a cheap,
// model-free estimate in [0,10]. Base 5, adjusted by length ratio,
// keyword overlap with the request, coherent termination, error
// keywords, and response time.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(pre *core.PreprocessedRequest, content string, elapsed time.Duration) float64 {
	score := 5.0
	score += lengthComponent(pre.Request.Content, content)
	score += overlapComponent(pre.Request.Content, content)

	trimmed := strings.TrimSpace(content)
	if trimmed != "" && strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?`") {
		score += 1
	}

	lower := strings.ToLower(content)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			score -= 2
			break
		}
	}

	switch {
	case elapsed > 0 && elapsed < 2*time.Second:
		score += 0.5
	case elapsed > 30*time.Second:
		score -= 0.5
	}

	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// lengthComponent awards up to 2 points when the response length sits
// in a sane ratio band relative to the request.
func lengthComponent(request, response string) float64 {
	if len(request) == 0 || len(response) == 0 {
		return 0
	}
	ratio := float64(len(response)) / float64(len(request))
	if ratio < 0.1 || ratio > 3.0 {
		return 0
	}
	// Peak at ratio 1.0, tapering to the band edges.
	var dist float64
	if ratio < 1.0 {
		dist = (1.0 - ratio) / 0.9
	} else {
		dist = (ratio - 1.0) / 2.0
	}
	return 2 * (1 - dist)
}

// overlapComponent awards up to 2 points for request-keyword coverage.
func overlapComponent(request, response string) float64 {
	reqWords := keywords(request)
	if len(reqWords) == 0 {
		return 0
	}
	respLower := strings.ToLower(response)
	hits := 0
	for w := range reqWords {
		if strings.Contains(respLower, w) {
			hits++
		}
	}
	return 2 * float64(hits) / float64(len(reqWords))
}

// keywords extracts lowercase words of 4+ characters, capped to keep
// scoring cheap for large requests.
func keywords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,:;!?"'()[]{}`)
		if len(w) >= 4 {
			out[w] = true
			if len(out) >= 64 {
				break
			}
		}
	}
	return out
}
