package batcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anchorgate/anchorgate/internal/merkle"
	"github.com/anchorgate/anchorgate/internal/models"
)

// VerifyResult reports one verification outcome. Reason is empty when
// Valid is true.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyLog re-derives a record's inclusion from first principles: the
// batch row and anchor transaction must exist, the canonical leaf
// recomputed from the record must match the stored leaf hash, the proof
// must rebuild the root, and the chain hash must bind root and sequence.
func (b *Batcher) VerifyLog(ctx context.Context, logID uuid.UUID) (VerifyResult, error) {
	log, err := b.store.GetLog(ctx, logID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VerifyResult{Valid: false, Reason: "record not found"}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to load log %s: %w", logID, err)
	}
	if !log.Anchored() || log.LeafHash == nil {
		return VerifyResult{Valid: false, Reason: "not anchored"}, nil
	}

	var batch models.AnchorBatch
	err = b.db.WithContext(ctx).First(&batch, "id = ?", *log.BatchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VerifyResult{Valid: false, Reason: "batch not found"}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to load batch %d: %w", *log.BatchID, err)
	}

	onChain, err := b.chain.GetBatch(ctx, batch.TxSeq)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "anchor transaction not found"}, nil
	}
	if onChain.Tx != batch.AnchorTx || onChain.MerkleRoot != batch.MerkleRoot {
		return VerifyResult{Valid: false, Reason: "anchor transaction mismatch"}, nil
	}

	leaf := merkle.Leaf(CanonicalLeaf(log))
	if hex.EncodeToString(leaf) != *log.LeafHash {
		return VerifyResult{Valid: false, Reason: "leaf mismatch"}, nil
	}

	var proof []merkle.ProofStep
	if err := json.Unmarshal(log.MerkleProof, &proof); err != nil {
		return VerifyResult{Valid: false, Reason: "malformed proof"}, nil
	}
	root, err := hex.DecodeString(batch.MerkleRoot)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "malformed root"}, nil
	}
	if !merkle.Verify(leaf, proof, root) {
		return VerifyResult{Valid: false, Reason: "invalid proof"}, nil
	}

	if hex.EncodeToString(ChainHash(root, batch.TxSeq)) != batch.ChainHash {
		return VerifyResult{Valid: false, Reason: "chain hash mismatch"}, nil
	}

	return VerifyResult{Valid: true}, nil
}
