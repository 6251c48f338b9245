// Package pricing keeps the model rate table hot in memory. The table is
// loaded once at startup and swapped wholesale on invalidation, so request
// handlers never touch the database for a rate lookup and always see a
// consistent snapshot within one request.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/anchorgate/anchorgate/internal/models"
)

// ErrUnsupportedModel is returned for any (provider, model) pair without
// an exact pricing row. Callers must reject the request before contacting
// the upstream so an unpriced model can never bill at zero.
var ErrUnsupportedModel = errors.New("no pricing for model")

// Rates are per-token prices for one model. Absent cache rates are zero.
type Rates struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

// Cost applies the pricing law: prompt and completion tokens at the
// input/output rates, cache traffic at its own rates.
func (r Rates) Cost(prompt, completion, cacheCreation, cacheRead int) decimal.Decimal {
	cost := r.Input.Mul(decimal.NewFromInt(int64(prompt)))
	cost = cost.Add(r.Output.Mul(decimal.NewFromInt(int64(completion))))
	cost = cost.Add(r.CacheWrite.Mul(decimal.NewFromInt(int64(cacheCreation))))
	cost = cost.Add(r.CacheRead.Mul(decimal.NewFromInt(int64(cacheRead))))
	return cost
}

type key struct {
	provider string
	model    string
}

type Engine struct {
	db     *gorm.DB
	logger *zap.Logger

	snapshot atomic.Pointer[map[key]Rates]
	dirty    atomic.Bool
	reloadMu sync.Mutex
}

func NewEngine(db *gorm.DB, logger *zap.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// Load reads the full pricing table and installs it as the new snapshot.
func (e *Engine) Load(ctx context.Context) error {
	var rows []models.ModelPricing
	if err := e.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load pricing table: %w", err)
	}

	table := make(map[key]Rates, len(rows))
	for _, row := range rows {
		table[key{provider: row.Provider, model: row.Model}] = Rates{
			Input:      row.InputRate,
			Output:     row.OutputRate,
			CacheWrite: row.CacheWriteRate,
			CacheRead:  row.CacheReadRate,
		}
	}

	e.snapshot.Store(&table)
	e.logger.Info("pricing table loaded", zap.Int("models", len(table)))
	return nil
}

// Invalidate marks the snapshot stale. The next CheckReload call swaps in
// a fresh table; in-flight requests keep the snapshot they started with.
func (e *Engine) Invalidate() {
	e.dirty.Store(true)
}

// CheckReload reloads the table if it was invalidated. Called at request
// entry; concurrent callers collapse onto one reload.
func (e *Engine) CheckReload(ctx context.Context) {
	if !e.dirty.Load() {
		return
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	if !e.dirty.Load() {
		return
	}
	if err := e.Load(ctx); err != nil {
		e.logger.Error("pricing reload failed, serving stale table", zap.Error(err))
		return
	}
	e.dirty.Store(false)
}

// GetPricing performs an exact (provider, model) lookup. There is no
// fallback to a provider default row.
func (e *Engine) GetPricing(provider, model string) (Rates, error) {
	table := e.snapshot.Load()
	if table == nil {
		return Rates{}, fmt.Errorf("pricing table not loaded")
	}
	rates, ok := (*table)[key{provider: provider, model: model}]
	if !ok {
		return Rates{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedModel, provider, model)
	}
	return rates, nil
}

// Table returns the current snapshot for the admin read surface.
func (e *Engine) Table() map[string]Rates {
	table := e.snapshot.Load()
	if table == nil {
		return nil
	}
	out := make(map[string]Rates, len(*table))
	for k, v := range *table {
		out[k.provider+"/"+k.model] = v
	}
	return out
}
