// Package extractor turns a captured upstream response into billable
// usage facts. It understands plain JSON completions and SSE transcripts
// in both the OpenAI and Anthropic usage schemas, and falls back to
// character-based estimation when the upstream never reported usage
// (cancelled streams, upstream errors).
package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInsufficientData means a successful response carried no usage object
// and no body to estimate from. The caller must reject the audit log
// rather than bill zero for a successful call.
var ErrInsufficientData = errors.New("no usage data for successful response")

// Facts is the normalised usage of one call. Hashes cover the raw request
// and response bytes exactly as captured, whether or not extraction found
// a usage object.
type Facts struct {
	PromptTokens        int
	CompletionTokens    int
	CacheCreationTokens int
	CacheReadTokens     int
	RequestHash         string
	ResponseHash        string

	// Estimated marks counts that came from the fallback estimator.
	Estimated bool
}

// Extract is deterministic: identical inputs yield identical facts.
func Extract(reqBody, respBody []byte, status int) (Facts, error) {
	facts := Facts{
		RequestHash:  hashHex(reqBody),
		ResponseHash: hashHex(respBody),
	}

	if u, ok := findUsage(respBody); ok {
		u.normalize(&facts)
		return facts, nil
	}

	if status < 400 && len(respBody) == 0 {
		return facts, ErrInsufficientData
	}

	facts.Estimated = true
	if len(respBody) > 0 {
		facts.CompletionTokens = EstimateTokens(string(respBody))
	}
	facts.PromptTokens = EstimatePromptTokens(reqBody)
	return facts, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// usage is the tagged variant over the two provider schemas.
type usage struct {
	openai    *openAIUsage
	anthropic *anthropicUsage
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// normalize converts either schema into Facts. For OpenAI the cached
// portion of the prompt is split out so it bills at the cache-read rate;
// a malformed cached count larger than the prompt leaves a negative
// prompt count, which is stored as-is.
func (u usage) normalize(facts *Facts) {
	switch {
	case u.anthropic != nil:
		facts.PromptTokens = u.anthropic.InputTokens
		facts.CompletionTokens = u.anthropic.OutputTokens
		facts.CacheCreationTokens = u.anthropic.CacheCreationInputTokens
		facts.CacheReadTokens = u.anthropic.CacheReadInputTokens
	case u.openai != nil:
		cached := u.openai.PromptTokensDetails.CachedTokens
		facts.PromptTokens = u.openai.PromptTokens - cached
		facts.CompletionTokens = u.openai.CompletionTokens
		facts.CacheReadTokens = cached
	}
}

// findUsage locates the authoritative usage object in a response body.
// SSE transcripts are scanned from the last frame backwards; the first
// frame carrying a usage object wins, so interleaved content chunks
// never shadow the final usage report.
func findUsage(respBody []byte) (usage, bool) {
	text := string(respBody)
	if strings.HasPrefix(text, "event:") || strings.HasPrefix(text, "data: ") {
		return findUsageSSE(text)
	}
	return parseUsagePayload(respBody)
}

func findUsageSSE(text string) (usage, bool) {
	lines := strings.Split(text, "\n")
	var frames []string
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" || data == "[DONE]" {
			continue
		}
		frames = append(frames, data)
	}

	for i := len(frames) - 1; i >= 0; i-- {
		if u, ok := parseUsagePayload([]byte(frames[i])); ok {
			return u, ok
		}
	}
	return usage{}, false
}

// parseUsagePayload pulls a top-level usage object out of one JSON
// payload. Anthropic message_delta events carry usage the same way.
func parseUsagePayload(payload []byte) (usage, bool) {
	var envelope struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return usage{}, false
	}
	raw := envelope.Usage
	if len(raw) == 0 || string(raw) == "null" {
		return usage{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return usage{}, false
	}

	if _, ok := fields["input_tokens"]; ok {
		var a anthropicUsage
		if err := json.Unmarshal(raw, &a); err != nil {
			return usage{}, false
		}
		return usage{anthropic: &a}, true
	}
	if _, ok := fields["output_tokens"]; ok {
		var a anthropicUsage
		if err := json.Unmarshal(raw, &a); err != nil {
			return usage{}, false
		}
		return usage{anthropic: &a}, true
	}

	var o openAIUsage
	if err := json.Unmarshal(raw, &o); err != nil {
		return usage{}, false
	}
	return usage{openai: &o}, true
}
