package dialect

import (
	"encoding/json"
	"net/http"

	"github.com/tokengate-io/tokengate/internal/models"
)

// anthropicVersion is the versioning header required by Anthropic-style
// upstreams.
const anthropicVersion = "2023-06-01"

// Anthropic implements the Anthropic-style messages wire protocol.
type Anthropic struct{}

// Name returns the anthropic dialect tag.
func (Anthropic) Name() string { return models.DialectAnthropic }

// BuildHeaders attaches the dedicated API-key header plus the versioning
// header.
func (Anthropic) BuildHeaders(h http.Header, upstreamKey string) {
	h.Set("x-api-key", upstreamKey)
	h.Set("anthropic-version", anthropicVersion)
}

// InjectSystemPrompt sets the top-level system field, overwriting any prior
// value.
func (Anthropic) InjectSystemPrompt(body map[string]any, prompt string) {
	body["system"] = prompt
}

// ForceStreamUsage is a no-op: Anthropic-style streams always carry usage in
// message_start and message_delta events.
func (Anthropic) ForceStreamUsage(map[string]any) {}

// ExtractUsage reads usage.input_tokens and usage.output_tokens.
func (Anthropic) ExtractUsage(body []byte) Usage {
	var parsed struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
}

// ConsumeStreamData reads input tokens from the message_start event's nested
// usage and output tokens from message_delta usage, keeping the most recent
// value per field.
func (Anthropic) ConsumeStreamData(data []byte, usage *Usage) {
	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(data, &parsed); errUnmarshal != nil {
		return
	}

	switch parsed["type"] {
	case "message_start":
		message, ok := parsed["message"].(map[string]any)
		if !ok {
			return
		}
		usageObj, ok := message["usage"].(map[string]any)
		if !ok {
			return
		}
		if v, ok := asInt64(usageObj["input_tokens"]); ok {
			usage.InputTokens = v
		}
	case "message_delta":
		usageObj, ok := parsed["usage"].(map[string]any)
		if !ok {
			return
		}
		if v, ok := asInt64(usageObj["output_tokens"]); ok {
			usage.OutputTokens = v
		}
	}
}

// RewriteModelReferences restores the display name in the top-level model
// field and in the message_start event's nested message.model.
func (Anthropic) RewriteModelReferences(body []byte, actualModel, displayName string) []byte {
	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		return body
	}

	changed := false
	if model, ok := parsed["model"].(string); ok && model == actualModel {
		parsed["model"] = displayName
		changed = true
	}
	if message, ok := parsed["message"].(map[string]any); ok {
		if model, ok := message["model"].(string); ok && model == actualModel {
			message["model"] = displayName
			changed = true
		}
	}
	if !changed {
		return body
	}

	rewritten, errMarshal := json.Marshal(parsed)
	if errMarshal != nil {
		return body
	}
	return rewritten
}
