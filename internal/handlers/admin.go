// Package handlers holds the admin read surface and health endpoints.
// The admin API is operator-facing: audit inspection, proof verification,
// pricing edits and quota management.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anchorgate/anchorgate/internal/batcher"
	"github.com/anchorgate/anchorgate/internal/budget"
	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/pricing"
	"github.com/anchorgate/anchorgate/internal/quota"
)

type AdminHandler struct {
	db      *gorm.DB
	store   *quota.Store
	pricing *pricing.Engine
	batcher *batcher.Batcher
	budget  *budget.Tracker
	logger  *zap.Logger
}

func NewAdminHandler(db *gorm.DB, store *quota.Store, engine *pricing.Engine, b *batcher.Batcher, tracker *budget.Tracker, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, store: store, pricing: engine, batcher: b, budget: tracker, logger: logger}
}

func (h *AdminHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	filter := models.UsageFilter{
		ConsumerID: r.URL.Query().Get("consumer_id"),
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	logs, err := h.store.ListLogs(r.Context(), filter)
	if err != nil {
		h.serverError(w, "failed to list usage logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs, "count": len(logs)})
}

func (h *AdminHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	log, err := h.store.GetLog(r.Context(), id)
	if err == gorm.ErrRecordNotFound {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		h.serverError(w, "failed to load usage log", err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// VerifyUsage re-derives a record's Merkle inclusion and chain linkage.
func (h *AdminHandler) VerifyUsage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	result, err := h.batcher.VerifyLog(r.Context(), id)
	if err != nil {
		h.serverError(w, "verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var batches []models.AnchorBatch
	err := h.db.WithContext(r.Context()).
		Order("id DESC").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		h.serverError(w, "failed to list batches", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches, "count": len(batches)})
}

func (h *AdminHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}

	var batch models.AnchorBatch
	dberr := h.db.WithContext(r.Context()).First(&batch, "id = ?", id).Error
	if dberr == gorm.ErrRecordNotFound {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if dberr != nil {
		h.serverError(w, "failed to load batch", dberr)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	txCount, reqCount, err := h.budget.Today(r.Context())
	if err != nil {
		h.serverError(w, "failed to read budget counters", err)
		return
	}

	var totalLogs, unanchored int64
	h.db.WithContext(r.Context()).Model(&models.UsageLog{}).Count(&totalLogs)
	h.db.WithContext(r.Context()).Model(&models.UsageLog{}).Where("batch_id IS NULL").Count(&unanchored)

	var totalCost decimal.NullDecimal
	h.db.WithContext(r.Context()).Model(&models.UsageLog{}).
		Select("SUM(cost)").Scan(&totalCost)

	stats := models.DailyStats{
		Date:          h.budget.Period(),
		Requests:      reqCount,
		Anchors:       txCount,
		TotalCost:     totalCost.Decimal,
		TotalLogs:     totalLogs,
		UnanchoredLog: unanchored,
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) GetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pricing.Table())
}

type pricingUpsertRequest struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	InputRate      decimal.Decimal `json:"input_rate"`
	OutputRate     decimal.Decimal `json:"output_rate"`
	CacheWriteRate decimal.Decimal `json:"cache_write_rate"`
	CacheReadRate  decimal.Decimal `json:"cache_read_rate"`
}

// UpsertPricing writes one pricing row and invalidates the cache, so the
// next request prices against the new table.
func (h *AdminHandler) UpsertPricing(w http.ResponseWriter, r *http.Request) {
	var req pricingUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pricing payload")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	row := models.ModelPricing{
		Provider:       req.Provider,
		Model:          req.Model,
		InputRate:      req.InputRate,
		OutputRate:     req.OutputRate,
		CacheWriteRate: req.CacheWriteRate,
		CacheReadRate:  req.CacheReadRate,
	}
	err := h.db.WithContext(r.Context()).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider"}, {Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"input_rate", "output_rate", "cache_write_rate", "cache_read_rate",
			}),
		}).
		Create(&row).Error
	if err != nil {
		h.serverError(w, "failed to upsert pricing row", err)
		return
	}

	h.pricing.Invalidate()
	writeJSON(w, http.StatusOK, row)
}

func (h *AdminHandler) InvalidatePricing(w http.ResponseWriter, r *http.Request) {
	h.pricing.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *AdminHandler) GetConsumer(w http.ResponseWriter, r *http.Request) {
	consumer, err := h.store.GetConsumer(r.Context(), chi.URLParam(r, "id"))
	if err == gorm.ErrRecordNotFound {
		writeError(w, http.StatusNotFound, "consumer not found")
		return
	}
	if err != nil {
		h.serverError(w, "failed to load consumer", err)
		return
	}
	writeJSON(w, http.StatusOK, consumer)
}

type quotaUpdateRequest struct {
	Quota decimal.Decimal `json:"quota"`
}

func (h *AdminHandler) UpdateConsumerQuota(w http.ResponseWriter, r *http.Request) {
	var req quotaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid quota payload")
		return
	}

	consumer, err := h.store.UpdateQuota(r.Context(), chi.URLParam(r, "id"), req.Quota)
	if err != nil {
		h.serverError(w, "failed to update quota", err)
		return
	}
	writeJSON(w, http.StatusOK, consumer)
}

// FlushBatches forces an anchoring submission of everything pending.
func (h *AdminHandler) FlushBatches(w http.ResponseWriter, r *http.Request) {
	if err := h.batcher.Flush(r.Context()); err != nil {
		h.serverError(w, "flush failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *AdminHandler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
