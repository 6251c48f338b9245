package anchor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryChainSequenceDiscipline(t *testing.T) {
	chain := NewMemoryChain()
	ctx := context.Background()

	count, err := chain.TotalBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, _, err = chain.RecordBatch(ctx, 1, "root", "hash", 3)
	assert.ErrorIs(t, err, ErrStaleSequence)

	tx, height, err := chain.RecordBatch(ctx, 0, "root0", "hash0", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, tx)
	assert.Equal(t, int64(1), height)

	// Replaying the same sequence is rejected.
	_, _, err = chain.RecordBatch(ctx, 0, "root0", "hash0", 3)
	assert.ErrorIs(t, err, ErrStaleSequence)

	_, _, err = chain.RecordBatch(ctx, 1, "root1", "hash1", 2)
	require.NoError(t, err)

	count, err = chain.TotalBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	latest, err := chain.GetLatestBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Seq)
	assert.Equal(t, "root1", latest.MerkleRoot)

	batch, err := chain.GetBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "root0", batch.MerkleRoot)

	_, err = chain.GetBatch(ctx, 9)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestMemoryChainEmptyLatest(t *testing.T) {
	_, err := NewMemoryChain().GetLatestBatch(context.Background())
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestClientRecordBatchSignsRequests(t *testing.T) {
	const signingKey = "test-signing-key"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/contracts/0xc0ffee/batches", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		mac := hmac.New(sha256.New, []byte(signingKey))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Anchor-Signature"))

		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, float64(3), req["seq"])
		assert.Equal(t, "rooty", req["merkle_root"])

		json.NewEncoder(w).Encode(map[string]interface{}{"tx": "0xabc", "block_height": 42})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		Endpoint:        srv.URL,
		ContractAddress: "0xc0ffee",
		SigningKey:      signingKey,
		Logger:          zap.NewNop(),
	})

	tx, height, err := client.RecordBatch(context.Background(), 3, "rooty", "chainy", 4)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", tx)
	assert.Equal(t, int64(42), height)
}

func TestClientStaleSequenceMapsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sequence already used", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Endpoint: srv.URL, ContractAddress: "0x1", Logger: zap.NewNop()})
	_, _, err := client.RecordBatch(context.Background(), 0, "r", "c", 1)
	assert.ErrorIs(t, err, ErrStaleSequence)
}

func TestClientReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contracts/0x1/batches/count":
			json.NewEncoder(w).Encode(map[string]uint64{"count": 7})
		case "/contracts/0x1/batches/latest":
			json.NewEncoder(w).Encode(Batch{Seq: 6, MerkleRoot: "r6", Tx: "0x6"})
		case "/contracts/0x1/batches/4":
			json.NewEncoder(w).Encode(Batch{Seq: 4, MerkleRoot: "r4", Tx: "0x4"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Endpoint: srv.URL, ContractAddress: "0x1", Logger: zap.NewNop()})
	ctx := context.Background()

	count, err := client.TotalBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), count)

	latest, err := client.GetLatestBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), latest.Seq)

	batch, err := client.GetBatch(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "r4", batch.MerkleRoot)

	_, err = client.GetBatch(ctx, 99)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}
