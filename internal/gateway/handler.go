// Package gateway routes chat requests to their provider, relays the
// response, and settles billing from the captured body.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/anchorgate/anchorgate/internal/batcher"
	"github.com/anchorgate/anchorgate/internal/budget"
	"github.com/anchorgate/anchorgate/internal/config"
	"github.com/anchorgate/anchorgate/internal/extractor"
	"github.com/anchorgate/anchorgate/internal/middleware"
	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/pricing"
	"github.com/anchorgate/anchorgate/internal/quota"
)

const maxRequestBytes = 10 << 20

type Handler struct {
	cfg         config.GatewayConfig
	upstreams   *Upstreams
	pricing     *pricing.Engine
	store       *quota.Store
	budget      *budget.Tracker
	batcher     *batcher.Batcher
	localLimits *LocalLimits
	logger      *zap.Logger
}

func NewHandler(
	cfg config.GatewayConfig,
	upstreams *Upstreams,
	engine *pricing.Engine,
	store *quota.Store,
	tracker *budget.Tracker,
	b *batcher.Batcher,
	localLimits *LocalLimits,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		cfg:         cfg,
		upstreams:   upstreams,
		pricing:     engine,
		store:       store,
		budget:      tracker,
		batcher:     b,
		localLimits: localLimits,
		logger:      logger,
	}
}

// ProxyChat is the single client-facing operation: admit, dispatch,
// relay, then settle billing off the captured response.
func (h *Handler) ProxyChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		WriteError(w, internalError("identity missing from request context"))
		return
	}

	// Every received request counts toward the daily budget row the
	// adaptive batch sizing projects from, rejected ones included.
	h.budget.IncrRequest(ctx)

	reqBody, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		WriteError(w, internalError("failed to read request body"))
		return
	}

	model := gjson.GetBytes(reqBody, "model").String()
	provider, modelName, err := ParseModel(model)
	if err != nil {
		WriteError(w, invalidModelFormat(err.Error()))
		return
	}

	// Pricing must resolve before any upstream contact so an unpriced
	// model cannot generate unmetered spend.
	h.pricing.CheckReload(ctx)
	rates, err := h.pricing.GetPricing(string(provider), modelName)
	if err != nil {
		if errors.Is(err, pricing.ErrUnsupportedModel) {
			WriteError(w, unsupportedModel(err.Error()))
			return
		}
		WriteError(w, internalError("pricing lookup failed"))
		return
	}

	if err := h.store.CheckAdmission(ctx, identity.ConsumerID, identity.Username, identity.ExternalID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			WriteError(w, quotaExceeded(err.Error()))
			return
		}
		h.logger.Error("admission check failed", zap.Error(err))
		WriteError(w, internalError("admission check failed"))
		return
	}

	if provider == ProviderLocal {
		if limit, known := h.localLimits.Limit(ctx, modelName); known {
			if est := extractor.EstimatePromptTokens(reqBody); est > limit {
				WriteError(w, contextLengthExceeded(
					"estimated prompt exceeds model context window"))
				return
			}
		}
	}

	stream := gjson.GetBytes(reqBody, "stream").Bool()
	rewritten, err := RewriteBody(reqBody, provider, modelName, stream)
	if err != nil {
		h.logger.Error("request rewrite failed", zap.Error(err))
		WriteError(w, internalError("failed to prepare upstream request"))
		return
	}

	// The upstream call survives client disconnect so the post-flight
	// pipeline can still settle the bill from whatever was captured.
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := h.upstreams.Dispatch(upCtx, provider, rewritten)
	if err != nil {
		apiErr := upstreamUnavailable("upstream request failed")
		if errors.Is(err, context.DeadlineExceeded) {
			apiErr.Status = http.StatusGatewayTimeout
		}
		h.logger.Warn("upstream dispatch failed",
			zap.String("provider", string(provider)),
			zap.Error(err))
		WriteError(w, apiErr)
		h.settle(identity, provider, modelName, rates, reqBody, nil, apiErr.Status, false)
		return
	}

	captured, status, overflow := h.relay(w, r, resp)
	h.settle(identity, provider, modelName, rates, reqBody, captured, status, overflow)
}

// relay pipes the upstream body to the client unbuffered while a bounded
// tee captures it for extraction. A client disconnect stops the client
// writes but the upstream keeps draining into the tee.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, resp *http.Response) (captured []byte, status int, overflow bool) {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Content-Encoding", "Transfer-Encoding":
			// The tee may hold implicitly decoded bytes.
		default:
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var tee bytes.Buffer
	clientGone := false
	done := r.Context().Done()
	buf := make([]byte, 32*1024)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if !overflow {
				if int64(tee.Len()+n) > h.cfg.TeeMaxBytes {
					overflow = true
					tee.Reset()
				} else {
					tee.Write(buf[:n])
				}
			}
			if !clientGone {
				select {
				case <-done:
					clientGone = true
				default:
				}
			}
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				h.logger.Warn("upstream body read ended early", zap.Error(rerr))
			}
			break
		}
	}

	status = resp.StatusCode
	if clientGone {
		status = StatusClientClosedRequest
	}
	return tee.Bytes(), status, overflow
}

// settle runs the post-flight pipeline: extract usage, price it, debit
// and insert the audit record in one transaction, then hand the record to
// the anchoring batcher. Detached from the request context.
func (h *Handler) settle(identity middleware.Identity, provider Provider, modelName string, rates pricing.Rates, reqBody, respBody []byte, status int, overflow bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if overflow {
		// Extraction still runs on the request side so error statuses
		// keep their prompt estimate.
		h.logger.Warn("response exceeded capture bound, dropping captured body",
			zap.String("consumer_id", identity.ConsumerID),
			zap.String("model", modelName))
		respBody = nil
	}

	facts, err := extractor.Extract(reqBody, respBody, status)
	if err != nil {
		h.logger.Warn("usage extraction rejected, call not billed",
			zap.String("consumer_id", identity.ConsumerID),
			zap.Int("status", status),
			zap.Error(err))
		return
	}

	cost := rates.Cost(facts.PromptTokens, facts.CompletionTokens,
		facts.CacheCreationTokens, facts.CacheReadTokens)

	log := &models.UsageLog{
		ConsumerID:          identity.ConsumerID,
		Provider:            string(provider),
		Model:               modelName,
		PromptTokens:        facts.PromptTokens,
		CompletionTokens:    facts.CompletionTokens,
		CacheCreationTokens: facts.CacheCreationTokens,
		CacheReadTokens:     facts.CacheReadTokens,
		Cost:                cost,
		StatusCode:          status,
		Estimated:           facts.Estimated,
		RequestHash:         facts.RequestHash,
		ResponseHash:        facts.ResponseHash,
	}
	if h.cfg.StoreBodies {
		req := string(reqBody)
		resp := string(respBody)
		log.RequestBody = &req
		log.ResponseBody = &resp
	}

	if err := h.store.RecordUsage(ctx, log); err != nil {
		h.logger.Error("failed to settle usage",
			zap.String("consumer_id", identity.ConsumerID),
			zap.Error(err))
		return
	}

	// Fire-and-forget: the response has already been sent and the
	// anchoring outcome is observable through the admin surface.
	h.batcher.Enqueue(ctx, log)
}
