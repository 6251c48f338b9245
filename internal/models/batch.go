package models

import (
	"time"
)

// AnchorBatch is one anchoring submission: a set of usage logs committed
// by a single Merkle root. ChainHash links the batch to its predecessor
// through the anchoring sequence number.
type AnchorBatch struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MerkleRoot  string    `gorm:"size:64;not null" json:"merkle_root"`
	ChainHash   string    `gorm:"size:64;not null" json:"chain_hash"`
	TxSeq       uint64    `gorm:"index" json:"tx_seq"`
	PrevTxSeq   uint64    `json:"prev_tx_seq"`
	AnchorTx    string    `json:"anchor_tx"`
	BlockHeight int64     `json:"block_height"`
	LogCount    int       `json:"log_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AnchorBatch) TableName() string {
	return "blockchain_batches"
}

// DailyBudget tracks anchoring transactions and client requests per
// calendar day. Counters are upserted atomically; reads feed adaptive
// batch sizing only and may be mildly stale.
type DailyBudget struct {
	Period       string    `gorm:"primaryKey;size:10" json:"period"` // YYYY-MM-DD
	TxCount      int64     `json:"tx_count"`
	RequestCount int64     `json:"request_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (DailyBudget) TableName() string {
	return "blockchain_budget"
}
