package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryChain is an in-process contract used when no anchor endpoint is
// configured, and by tests. It enforces the same sequence discipline as
// the real contract.
type MemoryChain struct {
	mu      sync.Mutex
	batches []Batch
	height  int64
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{}
}

func (m *MemoryChain) TotalBatches(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.batches)), nil
}

func (m *MemoryChain) RecordBatch(ctx context.Context, seq uint64, merkleRoot, chainHash string, logCount int) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != uint64(len(m.batches)) {
		return "", 0, fmt.Errorf("%w: submitted %d, contract at %d", ErrStaleSequence, seq, len(m.batches))
	}

	m.height++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", seq, merkleRoot, chainHash)))
	tx := "0x" + hex.EncodeToString(sum[:])

	m.batches = append(m.batches, Batch{
		Seq:         seq,
		MerkleRoot:  merkleRoot,
		ChainHash:   chainHash,
		LogCount:    logCount,
		Tx:          tx,
		BlockHeight: m.height,
	})
	return tx, m.height, nil
}

func (m *MemoryChain) GetBatch(ctx context.Context, seq uint64) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= uint64(len(m.batches)) {
		return nil, fmt.Errorf("%w: seq %d", ErrBatchNotFound, seq)
	}
	b := m.batches[seq]
	return &b, nil
}

func (m *MemoryChain) GetLatestBatch(ctx context.Context) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, ErrBatchNotFound
	}
	b := m.batches[len(m.batches)-1]
	return &b, nil
}
