package quota

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/testutil"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.SetupTestDB(t), zap.NewNop(), dec(t, "10"))
}

func TestGetOrCreateFirstSight(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	consumer, err := store.GetOrCreate(ctx, "alice", "Alice", "ext-1")
	require.NoError(t, err)
	assert.True(t, consumer.Quota.Equal(dec(t, "10")))
	assert.True(t, consumer.Used.IsZero())

	// Second sight returns the same row without resetting anything.
	again, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)
	assert.Equal(t, consumer.ID, again.ID)
}

func TestCheckAdmission(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CheckAdmission(ctx, "fresh", "", ""))

	_, err := store.UpdateQuota(ctx, "spent", dec(t, "1"))
	require.NoError(t, err)
	require.NoError(t, store.db.Model(&models.Consumer{}).
		Where("consumer_id = ?", "spent").
		Update("used", dec(t, "1")).Error)

	err = store.CheckAdmission(ctx, "spent", "", "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRecordUsageDebitsAndInsertsTogether(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)

	log := &models.UsageLog{
		ConsumerID:       "alice",
		Provider:         "openai",
		Model:            "gpt-5",
		PromptTokens:     8,
		CompletionTokens: 12,
		Cost:             dec(t, "0.00013"),
		StatusCode:       200,
	}
	require.NoError(t, store.RecordUsage(ctx, log))

	consumer, err := store.GetConsumer(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, consumer.Used.Equal(dec(t, "0.00013")), "got %s", consumer.Used)

	loaded, err := store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.ConsumerID)
	assert.False(t, loaded.Anchored())
}

func TestRecordUsageUnknownConsumerRollsBack(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	log := &models.UsageLog{ConsumerID: "ghost", Cost: dec(t, "1")}
	require.Error(t, store.RecordUsage(ctx, log))

	var count int64
	store.db.Model(&models.UsageLog{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestDebitsAreCommutativeAdditions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		log := &models.UsageLog{ConsumerID: "alice", Cost: dec(t, "0.25")}
		require.NoError(t, store.RecordUsage(ctx, log))
	}

	consumer, err := store.GetConsumer(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, consumer.Used.Equal(dec(t, "2.5")), "got %s", consumer.Used)
}

func TestOvershootBoundedByInflightAdmissions(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t), zap.NewNop(), dec(t, "1"))
	ctx := context.Background()

	// C calls admitted while used is just under quota; all of them
	// settle afterwards. Overshoot stays under (C-1) times the per-call
	// cost plus the admitted remainder.
	const concurrent = 4
	cost := dec(t, "0.4")

	_, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, store.db.Model(&models.Consumer{}).
		Where("consumer_id = ?", "alice").
		Update("used", dec(t, "0.9")).Error)

	for i := 0; i < concurrent; i++ {
		require.NoError(t, store.CheckAdmission(ctx, "alice", "", ""))
	}
	for i := 0; i < concurrent; i++ {
		require.NoError(t, store.RecordUsage(ctx, &models.UsageLog{ConsumerID: "alice", Cost: cost}))
	}

	consumer, err := store.GetConsumer(ctx, "alice")
	require.NoError(t, err)
	overshoot := consumer.Used.Sub(consumer.Quota)
	bound := cost.Mul(decimal.NewFromInt(concurrent))
	assert.True(t, overshoot.LessThanOrEqual(bound),
		"overshoot %s exceeds bound %s", overshoot, bound)

	// And further admissions are refused.
	assert.ErrorIs(t, store.CheckAdmission(ctx, "alice", "", ""), ErrQuotaExceeded)
}

func TestMarkAnchoredIsWriteOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)
	log := &models.UsageLog{ConsumerID: "alice", Cost: decimal.Zero}
	require.NoError(t, store.RecordUsage(ctx, log))

	proof := datatypes.JSON(`[{"hash":"ab","right":true}]`)
	require.NoError(t, store.MarkAnchored(ctx, log.ID, 7, "leafhash", proof, "0xdead"))

	// A second mark must not overwrite the anchoring columns.
	require.NoError(t, store.MarkAnchored(ctx, log.ID, 8, "other", proof, "0xbeef"))

	loaded, err := store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.BatchID)
	assert.Equal(t, uint64(7), *loaded.BatchID)
	assert.Equal(t, "leafhash", *loaded.LeafHash)
	assert.Equal(t, "0xdead", *loaded.AnchorTx)
}

func TestListUnanchored(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice", "", "")
	require.NoError(t, err)

	first := &models.UsageLog{ConsumerID: "alice", Cost: decimal.Zero}
	second := &models.UsageLog{ConsumerID: "alice", Cost: decimal.Zero}
	require.NoError(t, store.RecordUsage(ctx, first))
	require.NoError(t, store.RecordUsage(ctx, second))

	require.NoError(t, store.MarkAnchored(ctx, first.ID, 1, "leaf", datatypes.JSON(`[]`), "0x1"))

	pending, err := store.ListUnanchored(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}
