package extractor

import (
	"encoding/json"
)

// EstimateTokens approximates token count from raw text at four
// characters per token, rounding up.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimatePromptTokens approximates the prompt size of a chat request.
// When the body parses and carries a messages array or a legacy prompt
// string the estimate runs over the concatenated message text; otherwise
// it falls back to a coarser six-characters-per-token pass over the raw
// body, which also covers the JSON scaffolding.
func EstimatePromptTokens(reqBody []byte) int {
	if len(reqBody) == 0 {
		return 0
	}

	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(reqBody, &req); err == nil {
		if len(req.Messages) > 0 || len(req.Prompt) > 0 {
			var text string
			for _, msg := range req.Messages {
				text += contentText(msg.Content)
			}
			var prompt string
			if json.Unmarshal(req.Prompt, &prompt) == nil {
				text += prompt
			}
			return EstimateTokens(text)
		}
	}

	return (len(reqBody) + 5) / 6
}

// contentText flattens a message content field, which is either a plain
// string or an array of typed parts with text fields.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var text string
		for _, p := range parts {
			text += p.Text
		}
		return text
	}

	return ""
}
