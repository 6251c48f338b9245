package models

import (
	"github.com/shopspring/decimal"
)

// Consumer is the per-caller quota row. The consumer identifier is the
// opaque string forwarded by the upstream edge; a row is created on first
// sight with the configured default quota.
type Consumer struct {
	BaseModel
	ConsumerID string          `gorm:"uniqueIndex;not null" json:"consumer_id"`
	Name       string          `json:"name"`
	ExternalID string          `gorm:"index" json:"external_id"`
	Quota      decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"quota"`
	Used       decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"used"`
}

func (Consumer) TableName() string {
	return "consumer_quotas"
}

// Remaining is quota minus used. May go negative under concurrent
// admissions; admission checks used < quota, debits are unconditional.
func (c *Consumer) Remaining() decimal.Decimal {
	return c.Quota.Sub(c.Used)
}
