// Package anchor talks to the on-chain audit contract. The contract
// stores one entry per anchored batch and enforces strict submission
// order: a batch is accepted only when its sequence number equals the
// contract's current batch count.
package anchor

import (
	"context"
	"errors"
	"fmt"
)

// ErrStaleSequence is returned when a submission's sequence number does
// not match the contract's current batch count. The submitter must
// re-read the count and recompute the chain hash before retrying.
var ErrStaleSequence = errors.New("stale batch sequence")

// ErrBatchNotFound is returned for reads of a sequence the contract has
// not recorded.
var ErrBatchNotFound = errors.New("batch not found on chain")

// Batch is one on-chain entry.
type Batch struct {
	Seq         uint64 `json:"seq"`
	MerkleRoot  string `json:"merkle_root"`
	ChainHash   string `json:"chain_hash"`
	LogCount    int    `json:"log_count"`
	Tx          string `json:"tx"`
	BlockHeight int64  `json:"block_height"`
}

// Chain is the contract surface the anchoring pipeline needs.
type Chain interface {
	// TotalBatches returns the number of batches recorded so far, which
	// is also the sequence number the next submission must carry.
	TotalBatches(ctx context.Context) (uint64, error)

	// RecordBatch submits one batch at the given sequence number and
	// returns the transaction id and block height. Returns
	// ErrStaleSequence when seq does not equal the current count.
	RecordBatch(ctx context.Context, seq uint64, merkleRoot, chainHash string, logCount int) (tx string, height int64, err error)

	// GetBatch reads the entry at a sequence number.
	GetBatch(ctx context.Context, seq uint64) (*Batch, error)

	// GetLatestBatch reads the most recent entry, or ErrBatchNotFound
	// when the contract is empty.
	GetLatestBatch(ctx context.Context) (*Batch, error)
}

// Describe formats a batch for logs.
func Describe(b *Batch) string {
	if b == nil {
		return "<none>"
	}
	return fmt.Sprintf("seq=%d root=%s tx=%s", b.Seq, b.MerkleRoot, b.Tx)
}
