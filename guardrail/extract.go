package guardrail

import (
	"encoding/json"
	"strings"
)

// ExtractInferenceContent attempts to pull the prompt/message content
// out of a request body shaped like a common inference API call, so it
// can be handed to a guardrail agent without the caller needing to know
// which upstream API shape produced it. Recognizes OpenAI-style
// {"messages": [...]}, Anthropic-style {"prompt": "..."}, and a handful
// of generic single-field shapes. Returns false if body isn't JSON or
// none of the known shapes match.
func ExtractInferenceContent(body []byte) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}

	if messages, ok := doc["messages"].([]any); ok {
		var parts []string
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if content, ok := msg["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
	}

	if prompt, ok := doc["prompt"].(string); ok {
		return prompt, true
	}

	for _, field := range []string{"input", "text", "query", "question"} {
		if value, ok := doc[field].(string); ok {
			return value, true
		}
	}

	return "", false
}
