package gateway

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteBody prepares the client payload for its upstream: the provider
// prefix is stripped from the model field, the completion-limit parameter
// is renamed to whichever the target accepts, and streamed OpenAI-family
// requests get stream_options.include_usage so the final usage chunk is
// emitted.
func RewriteBody(body []byte, provider Provider, modelName string, stream bool) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model field: %w", err)
	}

	switch provider {
	case ProviderOpenAI:
		if Classify(modelName) == StrictCompletion {
			out, err = renameLimit(out, "max_tokens", "max_completion_tokens")
		}
	case ProviderLocal:
		out, err = renameLimit(out, "max_completion_tokens", "max_tokens")
	}
	if err != nil {
		return nil, err
	}

	if stream && (provider == ProviderOpenAI || provider == ProviderLocal) {
		if !gjson.GetBytes(out, "stream_options.include_usage").Exists() {
			out, err = sjson.SetBytes(out, "stream_options.include_usage", true)
			if err != nil {
				return nil, fmt.Errorf("failed to inject include_usage: %w", err)
			}
		}
	}
	return out, nil
}

// renameLimit moves the value under from to to. When both fields are
// present the canonical one wins and the other is dropped.
func renameLimit(body []byte, from, to string) ([]byte, error) {
	fromVal := gjson.GetBytes(body, from)
	if !fromVal.Exists() {
		return body, nil
	}

	if gjson.GetBytes(body, to).Exists() {
		return sjson.DeleteBytes(body, from)
	}

	out, err := sjson.SetBytes(body, to, fromVal.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", to, err)
	}
	return sjson.DeleteBytes(out, from)
}
