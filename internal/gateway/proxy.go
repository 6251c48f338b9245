package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/anchorgate/anchorgate/internal/config"
)

const anthropicVersion = "2023-06-01"

// Upstreams dispatches rewritten payloads to provider endpoints. OpenAI
// and the local server speak the chat-completions path; Anthropic speaks
// the messages path with its own auth headers.
type Upstreams struct {
	providers  config.ProvidersConfig
	httpClient *http.Client
}

func NewUpstreams(providers config.ProvidersConfig, httpClient *http.Client) *Upstreams {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Upstreams{providers: providers, httpClient: httpClient}
}

func (u *Upstreams) Dispatch(ctx context.Context, provider Provider, body []byte) (*http.Response, error) {
	var url string
	var upstream config.UpstreamConfig

	switch provider {
	case ProviderOpenAI:
		upstream = u.providers.OpenAI
		url = upstream.BaseURL + "/v1/chat/completions"
	case ProviderLocal:
		upstream = u.providers.Local
		url = upstream.BaseURL + "/v1/chat/completions"
	case ProviderAnthropic:
		upstream = u.providers.Anthropic
		url = upstream.BaseURL + "/v1/messages"
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidModelFormat, provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if provider == ProviderAnthropic {
		req.Header.Set("x-api-key", upstream.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else if upstream.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+upstream.APIKey)
	}

	return u.httpClient.Do(req)
}
