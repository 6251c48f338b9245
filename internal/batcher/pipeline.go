package batcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/anchorgate/anchorgate/internal/merkle"
	"github.com/anchorgate/anchorgate/internal/models"
)

// submitBatch runs the full anchoring pipeline for one batch. Called only
// from the consumer loop, so the sequence number read here cannot be
// raced by another submission from this process.
func (b *Batcher) submitBatch(ctx context.Context, batch []pendingRecord) {
	leaves := make([][]byte, len(batch))
	for i, rec := range batch {
		leaves[i] = merkle.Leaf(CanonicalLeaf(rec.log))
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		b.fail(batch, fmt.Errorf("merkle build failed: %w", err))
		return
	}
	root := tree.Root()

	seq, err := b.chain.TotalBatches(ctx)
	if err != nil {
		b.fail(batch, fmt.Errorf("failed to read chain sequence: %w", err))
		return
	}
	chainHash := ChainHash(root, seq)

	rootHex := hex.EncodeToString(root)
	chainHashHex := hex.EncodeToString(chainHash)
	tx, height, err := b.chain.RecordBatch(ctx, seq, rootHex, chainHashHex, len(batch))
	if err != nil {
		b.fail(batch, fmt.Errorf("anchor submission failed: %w", err))
		return
	}

	var prev uint64
	if seq > 0 {
		prev = seq - 1
	}
	row := models.AnchorBatch{
		MerkleRoot:  rootHex,
		ChainHash:   chainHashHex,
		TxSeq:       seq,
		PrevTxSeq:   prev,
		AnchorTx:    tx,
		BlockHeight: height,
		LogCount:    len(batch),
		CreatedAt:   time.Now().UTC(),
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		// Anchored on chain but unrecorded locally; the records stay
		// unanchored and the sweep resubmits them in a fresh batch.
		b.fail(batch, fmt.Errorf("failed to persist batch row: %w", err))
		return
	}

	if err := b.budget.IncrAnchor(ctx); err != nil {
		b.logger.Warn("failed to count anchor transaction", zap.Error(err))
	}

	for i, rec := range batch {
		proof, perr := tree.Proof(i)
		if perr != nil {
			b.logger.Error("proof generation failed", zap.Error(perr))
			rec.handle.complete(Result{Outcome: OutcomeFailed, Err: perr})
			continue
		}
		proofJSON, _ := json.Marshal(proof)
		leafHex := hex.EncodeToString(leaves[i])

		if err := b.store.MarkAnchored(ctx, rec.log.ID, row.ID, leafHex, datatypes.JSON(proofJSON), tx); err != nil {
			b.logger.Error("failed to persist proof",
				zap.String("log_id", rec.log.ID.String()),
				zap.Error(err))
			rec.handle.complete(Result{Outcome: OutcomeFailed, Err: err})
			continue
		}
		rec.handle.complete(Result{Outcome: OutcomeAnchored, BatchID: row.ID, AnchorTx: tx})
	}

	b.logger.Info("batch anchored",
		zap.Uint64("batch_id", row.ID),
		zap.Uint64("seq", seq),
		zap.Int("logs", len(batch)),
		zap.String("tx", tx))
}

func (b *Batcher) fail(batch []pendingRecord, err error) {
	b.logger.Error("batch submission failed",
		zap.Int("logs", len(batch)),
		zap.Error(err))
	for _, rec := range batch {
		rec.handle.complete(Result{Outcome: OutcomeFailed, Err: err})
	}
}
