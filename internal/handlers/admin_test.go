package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/anchorgate/anchorgate/internal/anchor"
	"github.com/anchorgate/anchorgate/internal/batcher"
	"github.com/anchorgate/anchorgate/internal/budget"
	"github.com/anchorgate/anchorgate/internal/config"
	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/pricing"
	"github.com/anchorgate/anchorgate/internal/quota"
	"github.com/anchorgate/anchorgate/internal/testutil"
)

type adminFixture struct {
	server  *httptest.Server
	store   *quota.Store
	batcher *batcher.Batcher
	engine  *pricing.Engine
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	log := zap.NewNop()

	engine := pricing.NewEngine(db, log)
	require.NoError(t, engine.Load(context.Background()))

	store := quota.NewStore(db, log, decimal.NewFromInt(10))
	tracker := budget.NewTracker(db, nil, log)

	b := batcher.New(config.BatchConfig{
		BaseSize:      1000,
		Interval:      time.Hour,
		DailyTxBudget: 1000,
		SweepInterval: time.Hour,
	}, anchor.NewMemoryChain(), store, tracker, db, log)
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Stop(ctx)
	})

	admin := NewAdminHandler(db, store, engine, b, tracker, log)

	r := chi.NewRouter()
	r.Route("/admin", func(r chi.Router) {
		r.Get("/usage", admin.ListUsage)
		r.Get("/usage/{id}", admin.GetUsage)
		r.Get("/usage/{id}/verify", admin.VerifyUsage)
		r.Get("/batches", admin.ListBatches)
		r.Get("/stats", admin.GetStats)
		r.Get("/pricing", admin.GetPricing)
		r.Post("/pricing", admin.UpsertPricing)
		r.Post("/pricing/invalidate", admin.InvalidatePricing)
		r.Get("/consumers/{id}", admin.GetConsumer)
		r.Put("/consumers/{id}/quota", admin.UpdateConsumerQuota)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &adminFixture{server: srv, store: store, batcher: b, engine: engine}
}

func (f *adminFixture) request(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	return resp.StatusCode, sb.String()
}

func (f *adminFixture) anchoredLog(t *testing.T) *models.UsageLog {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)

	log := &models.UsageLog{
		ConsumerID:   "alice",
		Provider:     "openai",
		Model:        "gpt-5",
		PromptTokens: 8,
		Cost:         decimal.New(13, -5),
		StatusCode:   200,
		RequestHash:  "aa",
		ResponseHash: "bb",
	}
	require.NoError(t, f.store.RecordUsage(ctx, log))

	handle := f.batcher.Enqueue(ctx, log)
	require.NoError(t, f.batcher.Flush(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, batcher.OutcomeAnchored, result.Outcome)
	return log
}

func TestVerifyEndpoint(t *testing.T) {
	fx := newAdminFixture(t)
	log := fx.anchoredLog(t)

	status, body := fx.request(t, http.MethodGet, "/admin/usage/"+log.ID.String()+"/verify", "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, gjson.Get(body, "valid").Bool(), "body: %s", body)

	status, _ = fx.request(t, http.MethodGet, "/admin/usage/not-a-uuid/verify", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUsageEndpoints(t *testing.T) {
	fx := newAdminFixture(t)
	log := fx.anchoredLog(t)

	status, body := fx.request(t, http.MethodGet, "/admin/usage?consumer_id=alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())

	status, body = fx.request(t, http.MethodGet, "/admin/usage/"+log.ID.String(), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", gjson.Get(body, "consumer_id").String())
	assert.NotEmpty(t, gjson.Get(body, "anchor_tx").String())
}

func TestBatchesAndStats(t *testing.T) {
	fx := newAdminFixture(t)
	fx.anchoredLog(t)

	status, body := fx.request(t, http.MethodGet, "/admin/batches", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())

	status, body = fx.request(t, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), gjson.Get(body, "anchors").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "total_logs").Int())
	assert.Equal(t, int64(0), gjson.Get(body, "unanchored_logs").Int())
}

func TestPricingUpsertInvalidatesCache(t *testing.T) {
	fx := newAdminFixture(t)

	_, err := fx.engine.GetPricing("openai", "gpt-5")
	require.ErrorIs(t, err, pricing.ErrUnsupportedModel)

	status, _ := fx.request(t, http.MethodPost, "/admin/pricing",
		`{"provider":"openai","model":"gpt-5","input_rate":"0.00000125","output_rate":"0.00001"}`)
	require.Equal(t, http.StatusOK, status)

	fx.engine.CheckReload(context.Background())
	rates, err := fx.engine.GetPricing("openai", "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "0.00000125", rates.Input.String())
}

func TestConsumerQuotaUpdate(t *testing.T) {
	fx := newAdminFixture(t)

	status, body := fx.request(t, http.MethodPut, "/admin/consumers/alice/quota", `{"quota":"25"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "25", gjson.Get(body, "quota").String())

	status, _ = fx.request(t, http.MethodGet, "/admin/consumers/alice", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = fx.request(t, http.MethodGet, "/admin/consumers/nobody", "")
	assert.Equal(t, http.StatusNotFound, status)
}
