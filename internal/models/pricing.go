package models

import (
	"github.com/shopspring/decimal"
)

// ModelPricing is one per-token rate row keyed by (provider, model).
// Model may be empty to describe a provider-wide default row, but lookups
// are always exact: an unpriced model is a hard error, never a silent
// fallback to the default row.
type ModelPricing struct {
	BaseModel
	Provider string `gorm:"uniqueIndex:idx_pricing_provider_model;not null" json:"provider"`
	Model    string `gorm:"uniqueIndex:idx_pricing_provider_model" json:"model"`

	InputRate      decimal.Decimal `gorm:"type:numeric(24,16);not null" json:"input_rate"`
	OutputRate     decimal.Decimal `gorm:"type:numeric(24,16);not null" json:"output_rate"`
	CacheWriteRate decimal.Decimal `gorm:"type:numeric(24,16)" json:"cache_write_rate"`
	CacheReadRate  decimal.Decimal `gorm:"type:numeric(24,16)" json:"cache_read_rate"`
}

func (ModelPricing) TableName() string {
	return "model_pricing"
}
