// Package dialect models the closed set of upstream wire protocols the
// gateway speaks. Each dialect provides header building, system prompt
// injection, usage extraction, and model-reference rewriting; adding a new
// upstream protocol means adding a new implementation, not new branches in
// the proxy.
package dialect

import (
	"fmt"
	"net/http"

	"github.com/tokengate-io/tokengate/internal/models"
)

// MaxSystemPromptLen caps injected system prompts, in characters.
const MaxSystemPromptLen = 10000

// Client identification headers attached to every upstream request.
const (
	clientUserAgent = "claude-code/1.0.42"
	clientVersion   = "1.0.42"
)

// Usage holds token counts extracted from an upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Found reports whether any usage was observed at all. Calls with no usage
// are never billed.
func (u Usage) Found() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0
}

// Dialect is one upstream wire protocol variant.
type Dialect interface {
	// Name returns the dialect tag stored on model mappings.
	Name() string

	// BuildHeaders attaches dialect-specific auth headers for the upstream
	// secret.
	BuildHeaders(h http.Header, upstreamKey string)

	// InjectSystemPrompt places the resolved prompt into the outbound body
	// in the dialect's shape. The prompt is already truncated by the caller.
	InjectSystemPrompt(body map[string]any, prompt string)

	// ForceStreamUsage mutates a streaming request so the upstream includes
	// usage statistics in the stream, where the dialect needs it.
	ForceStreamUsage(body map[string]any)

	// ExtractUsage parses token counts out of a complete response body.
	// Absent fields read as zero.
	ExtractUsage(body []byte) Usage

	// ConsumeStreamData folds one SSE data payload into the running usage,
	// keeping the most recently observed value per field. Malformed JSON is
	// ignored.
	ConsumeStreamData(data []byte, usage *Usage)

	// RewriteModelReferences replaces the upstream model identifier with the
	// client-facing display name in a response or stream-event body.
	// Malformed or non-JSON input is returned unmodified.
	RewriteModelReferences(body []byte, actualModel, displayName string) []byte
}

// For returns the Dialect for a model mapping's wire format tag.
func For(tag string) (Dialect, error) {
	switch tag {
	case models.DialectOpenAI:
		return OpenAI{}, nil
	case models.DialectAnthropic:
		return Anthropic{}, nil
	default:
		return nil, fmt.Errorf("dialect: unknown wire format %q", tag)
	}
}

// BuildUpstreamHeaders composes the full outbound header set: common content
// and client identification headers plus the dialect's auth headers.
func BuildUpstreamHeaders(d Dialect, upstreamKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("Connection", "keep-alive")
	h.Set("User-Agent", clientUserAgent)
	h.Set("anthropic-client-version", clientVersion)
	d.BuildHeaders(h, upstreamKey)
	return h
}

// TruncatePrompt enforces the system prompt length cap.
func TruncatePrompt(prompt string) string {
	if len(prompt) > MaxSystemPromptLen {
		return prompt[:MaxSystemPromptLen]
	}
	return prompt
}

// asInt64 reads a JSON number decoded into any.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
