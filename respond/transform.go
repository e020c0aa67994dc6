// Package respond turns raw backend results into processed responses:
// an ordered transformation pipeline, heuristic quality scoring, and
// assembly of streaming chunks.
package respond

import (
	"regexp"
	"strings"

	"github.com/relaymesh/relay/core"
)

// Transformation is one step of the response pipeline. Steps run in
// descending priority order; Applies gates each one.
type Transformation interface {
	Name() string
	Priority() int
	Applies(pre *core.PreprocessedRequest) bool
	Transform(content string, resp *core.ProcessedResponse) string
}

var credentialRe = regexp.MustCompile(`(?i)(password|api[_-]?key|token|secret)\s*[:=]\s*\S+`)

// safetyRedaction masks credential-shaped strings in output.
type safetyRedaction struct{}

func (safetyRedaction) Name() string                           { return "safety_redaction" }
func (safetyRedaction) Priority() int                          { return 20 }
func (safetyRedaction) Applies(*core.PreprocessedRequest) bool { return true }

func (safetyRedaction) Transform(content string, resp *core.ProcessedResponse) string {
	redacted := credentialRe.ReplaceAllStringFunc(content, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	if redacted != content {
		resp.Warnings = append(resp.Warnings, "credential-shaped content redacted")
	}
	return redacted
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)
var trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)

// contentFormatting normalizes whitespace and collapses blank lines.
type contentFormatting struct{}

func (contentFormatting) Name() string                           { return "content_formatting" }
func (contentFormatting) Priority() int                          { return 10 }
func (contentFormatting) Applies(*core.PreprocessedRequest) bool { return true }

func (contentFormatting) Transform(content string, resp *core.ProcessedResponse) string {
	out := strings.ReplaceAll(content, "\r\n", "\n")
	out = trailingSpaceRe.ReplaceAllString(out, "\n")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// markdownTypes get fenced-code-block language hints normalized.
var markdownTypes = map[core.RequestType]bool{
	core.TypeCode:          true,
	core.TypeDocumentation: true,
	core.TypeExplanation:   true,
}

var fenceHintRe = regexp.MustCompile("(?m)^```([A-Za-z0-9+#._-]*)[ \t]*$")

var fenceAliases = map[string]string{
	"golang":     "go",
	"py":         "python",
	"js":         "javascript",
	"ts":         "typescript",
	"shell":      "bash",
	"sh":         "bash",
	"yml":        "yaml",
	"dockerfile": "docker",
}

// markdownEnhancement canonicalizes fence language hints.
type markdownEnhancement struct{}

func (markdownEnhancement) Name() string  { return "markdown_enhancement" }
func (markdownEnhancement) Priority() int { return 5 }

func (markdownEnhancement) Applies(pre *core.PreprocessedRequest) bool {
	return markdownTypes[pre.Request.Type]
}

func (markdownEnhancement) Transform(content string, resp *core.ProcessedResponse) string {
	return fenceHintRe.ReplaceAllStringFunc(content, func(match string) string {
		hint := strings.TrimSpace(strings.TrimPrefix(match, "```"))
		lower := strings.ToLower(hint)
		if canonical, ok := fenceAliases[lower]; ok {
			return "```" + canonical
		}
		return "```" + lower
	})
}

// metricsAnnotation records output shape counters; the content itself
// is untouched.
type metricsAnnotation struct{}

func (metricsAnnotation) Name() string                           { return "metrics_annotation" }
func (metricsAnnotation) Priority() int                          { return 1 }
func (metricsAnnotation) Applies(*core.PreprocessedRequest) bool { return true }

func (metricsAnnotation) Transform(content string, resp *core.ProcessedResponse) string {
	return content
}
