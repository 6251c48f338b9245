package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageLog is one persisted audit record describing one LLM call.
// Anchoring columns (batch id, leaf hash, proof, anchor tx) start null and
// are populated asynchronously once the record's batch has been anchored;
// from that point on they are immutable.
type UsageLog struct {
	BaseModel
	ConsumerID string `gorm:"index;not null" json:"consumer_id"`
	Provider   string `gorm:"index" json:"provider"`
	Model      string `gorm:"index" json:"model"`

	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheCreationTokens int `gorm:"column:cache_creation_input_tokens" json:"cache_creation_input_tokens"`
	CacheReadTokens     int `gorm:"column:cache_read_input_tokens" json:"cache_read_input_tokens"`

	Cost       decimal.Decimal `gorm:"type:numeric(24,12)" json:"cost"`
	StatusCode int             `gorm:"column:status" json:"status"`

	// Token counts came from the fallback estimator rather than the
	// upstream usage object.
	Estimated bool `json:"estimated"`

	// Full bodies are only stored when the store-bodies flag is on.
	RequestBody  *string `json:"request_body,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`

	RequestHash  string `gorm:"size:64" json:"request_hash"`
	ResponseHash string `gorm:"size:64" json:"response_hash"`

	// Anchoring fields, written by the pipeline after batch submission.
	BatchID     *uint64        `gorm:"index" json:"batch_id,omitempty"`
	LeafHash    *string        `gorm:"size:64" json:"leaf_hash,omitempty"`
	MerkleProof datatypes.JSON `json:"merkle_proof,omitempty"`
	AnchorTx    *string        `json:"anchor_tx,omitempty"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}

// Anchored reports whether the record has been committed to a batch.
func (u *UsageLog) Anchored() bool {
	return u.BatchID != nil
}

type UsageFilter struct {
	ConsumerID string
	Limit      int
	Offset     int
}

// DailyStats is the admin read-side aggregate for one calendar day.
type DailyStats struct {
	Date          string          `json:"date"`
	Requests      int64           `json:"requests"`
	Anchors       int64           `json:"anchors"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalLogs     int64           `json:"total_logs"`
	UnanchoredLog int64           `json:"unanchored_logs"`
}
