package dialect

import (
	"encoding/json"
	"net/http"

	"github.com/tokengate-io/tokengate/internal/models"
)

// OpenAI implements the OpenAI-style chat completion wire protocol.
type OpenAI struct{}

// Name returns the openai dialect tag.
func (OpenAI) Name() string { return models.DialectOpenAI }

// BuildHeaders attaches bearer authentication.
func (OpenAI) BuildHeaders(h http.Header, upstreamKey string) {
	h.Set("Authorization", "Bearer "+upstreamKey)
}

// InjectSystemPrompt replaces an existing leading system message or prepends
// a new one.
func (OpenAI) InjectSystemPrompt(body map[string]any, prompt string) {
	systemMessage := map[string]any{"role": "system", "content": prompt}

	messages, _ := body["messages"].([]any)
	if len(messages) > 0 {
		if first, ok := messages[0].(map[string]any); ok {
			if role, _ := first["role"].(string); role == "system" {
				messages[0] = systemMessage
				body["messages"] = messages
				return
			}
		}
	}
	body["messages"] = append([]any{systemMessage}, messages...)
}

// ForceStreamUsage requests usage statistics in the terminal stream chunk,
// which OpenAI-style upstreams omit by default.
func (OpenAI) ForceStreamUsage(body map[string]any) {
	body["stream_options"] = map[string]any{"include_usage": true}
}

// ExtractUsage reads usage.prompt_tokens and usage.completion_tokens.
func (OpenAI) ExtractUsage(body []byte) Usage {
	var parsed struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
}

// ConsumeStreamData folds a stream chunk's usage object into the running
// totals. The final chunk's usage supersedes anything seen earlier.
func (OpenAI) ConsumeStreamData(data []byte, usage *Usage) {
	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(data, &parsed); errUnmarshal != nil {
		return
	}
	usageObj, ok := parsed["usage"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := asInt64(usageObj["prompt_tokens"]); ok {
		usage.InputTokens = v
	}
	if v, ok := asInt64(usageObj["completion_tokens"]); ok {
		usage.OutputTokens = v
	}
}

// RewriteModelReferences restores the display name in the top-level model
// field.
func (OpenAI) RewriteModelReferences(body []byte, actualModel, displayName string) []byte {
	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		return body
	}
	if model, ok := parsed["model"].(string); !ok || model != actualModel {
		return body
	}
	parsed["model"] = displayName
	rewritten, errMarshal := json.Marshal(parsed)
	if errMarshal != nil {
		return body
	}
	return rewritten
}
