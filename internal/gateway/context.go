package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// LocalLimits resolves per-model context windows from the local inference
// server's introspection endpoint. The table is fetched once and memoised
// for the process lifetime; the server's model set is static.
type LocalLimits struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	once   sync.Once
	limits map[string]int
}

func NewLocalLimits(baseURL string, httpClient *http.Client, logger *zap.Logger) *LocalLimits {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LocalLimits{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// Limit returns the context window for a model, or false when the
// introspection endpoint does not report one.
func (l *LocalLimits) Limit(ctx context.Context, model string) (int, bool) {
	l.once.Do(func() {
		limits, err := l.fetch(ctx)
		if err != nil {
			l.logger.Warn("failed to read local model limits, context checks disabled", zap.Error(err))
			limits = map[string]int{}
		}
		l.limits = limits
	})
	limit, ok := l.limits[model]
	return limit, ok
}

func (l *LocalLimits) fetch(ctx context.Context) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	limits := make(map[string]int)
	for _, entry := range gjson.GetBytes(body, "data").Array() {
		id := entry.Get("id").String()
		if id == "" {
			continue
		}
		limit := entry.Get("context_length").Int()
		if limit == 0 {
			limit = entry.Get("max_model_len").Int()
		}
		if limit > 0 {
			limits[id] = int(limit)
		}
	}
	return limits, nil
}
