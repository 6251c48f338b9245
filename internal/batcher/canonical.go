package batcher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"github.com/anchorgate/anchorgate/internal/models"
)

// CanonicalLeaf is the deterministic leaf encoding of one audit record.
// encoding/json sorts map keys, which fixes the byte order; any change to
// this encoding invalidates every previously stored proof.
func CanonicalLeaf(log *models.UsageLog) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"consumerId":       log.ConsumerID,
		"provider":         log.Provider,
		"model":            log.Model,
		"promptTokens":     log.PromptTokens,
		"completionTokens": log.CompletionTokens,
		"requestHash":      log.RequestHash,
		"responseHash":     log.ResponseHash,
	})
	return data
}

// ChainHash links a batch to its predecessor: SHA-256 over the Merkle
// root followed by the previous sequence number as 8 big-endian bytes.
// The first batch (seq 0) uses a previous sequence of 0.
func ChainHash(root []byte, seq uint64) []byte {
	var prev uint64
	if seq > 0 {
		prev = seq - 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], prev)

	h := sha256.New()
	h.Write(root)
	h.Write(buf[:])
	return h.Sum(nil)
}
