package gateway

import (
	"fmt"
	"strings"
)

// Provider is a recognised upstream family, named by the model prefix.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderLocal     Provider = "local"
)

// ModelClass drives parameter rewriting for OpenAI-family models.
type ModelClass int

const (
	// LegacyCompletion models accept max_tokens.
	LegacyCompletion ModelClass = iota
	// StrictCompletion models accept only max_completion_tokens.
	StrictCompletion
)

// strictPrefixes lists OpenAI model-name prefixes that reject max_tokens.
var strictPrefixes = []string{"gpt-5", "o1"}

// ParseModel splits "provider/name" and validates the provider prefix.
func ParseModel(model string) (Provider, string, error) {
	prefix, name, found := strings.Cut(model, "/")
	if !found || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidModelFormat, model)
	}
	switch Provider(prefix) {
	case ProviderOpenAI, ProviderAnthropic, ProviderLocal:
		return Provider(prefix), name, nil
	}
	return "", "", fmt.Errorf("%w: unknown provider %q", ErrInvalidModelFormat, prefix)
}

// Classify maps an OpenAI model name to its completion-parameter class.
func Classify(name string) ModelClass {
	for _, p := range strictPrefixes {
		if strings.HasPrefix(name, p) {
			return StrictCompletion
		}
	}
	return LegacyCompletion
}
