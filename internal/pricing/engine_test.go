package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anchorgate/anchorgate/internal/models"
	"github.com/anchorgate/anchorgate/internal/testutil"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func seedEngine(t *testing.T, rows ...models.ModelPricing) *Engine {
	t.Helper()
	db := testutil.SetupTestDB(t)
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}
	engine := NewEngine(db, zap.NewNop())
	require.NoError(t, engine.Load(context.Background()))
	return engine
}

func TestGetPricingExactMatchOnly(t *testing.T) {
	engine := seedEngine(t, models.ModelPricing{
		Provider:   "openai",
		Model:      "gpt-5",
		InputRate:  dec(t, "0.00000125"),
		OutputRate: dec(t, "0.00001"),
	}, models.ModelPricing{
		Provider:   "openai",
		Model:      "",
		InputRate:  dec(t, "0.000001"),
		OutputRate: dec(t, "0.000002"),
	})

	rates, err := engine.GetPricing("openai", "gpt-5")
	require.NoError(t, err)
	assert.True(t, rates.Input.Equal(dec(t, "0.00000125")))

	// No fallback to the provider-wide default row.
	_, err = engine.GetPricing("openai", "gpt-99")
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	_, err = engine.GetPricing("anthropic", "gpt-5")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestCostLawOpenAI(t *testing.T) {
	rates := Rates{
		Input:  dec(t, "0.00000125"),
		Output: dec(t, "0.00001"),
	}
	cost := rates.Cost(8, 12, 0, 0)
	assert.True(t, cost.Equal(dec(t, "0.00013")), "got %s", cost)
}

func TestCostLawAnthropicWithCache(t *testing.T) {
	rates := Rates{
		Input:      dec(t, "0.000003"),
		Output:     dec(t, "0.000015"),
		CacheWrite: dec(t, "0.00000375"),
		CacheRead:  dec(t, "0.0000003"),
	}
	cost := rates.Cost(100, 50, 2000, 500)
	assert.True(t, cost.Equal(dec(t, "0.00915")), "got %s", cost)
}

func TestCostLawDoublingRateDoublesContribution(t *testing.T) {
	base := Rates{
		Input:  dec(t, "0.000002"),
		Output: dec(t, "0.000004"),
	}
	doubledOutput := base
	doubledOutput.Output = base.Output.Mul(decimal.NewFromInt(2))

	baseCost := base.Cost(10, 20, 0, 0)
	newCost := doubledOutput.Cost(10, 20, 0, 0)

	outputShare := base.Output.Mul(decimal.NewFromInt(20))
	assert.True(t, newCost.Sub(baseCost).Equal(outputShare))
}

func TestCostLawZeroRates(t *testing.T) {
	cost := Rates{}.Cost(100000, 100000, 100000, 100000)
	assert.True(t, cost.IsZero())
}

func TestInvalidateReloadsOnNextCheck(t *testing.T) {
	db := testutil.SetupTestDB(t)
	require.NoError(t, db.Create(&models.ModelPricing{
		Provider:   "local",
		Model:      "llama-3",
		InputRate:  decimal.Zero,
		OutputRate: decimal.Zero,
	}).Error)

	engine := NewEngine(db, zap.NewNop())
	require.NoError(t, engine.Load(context.Background()))

	_, err := engine.GetPricing("local", "qwen-72b")
	require.ErrorIs(t, err, ErrUnsupportedModel)

	require.NoError(t, db.Create(&models.ModelPricing{
		Provider:   "local",
		Model:      "qwen-72b",
		InputRate:  decimal.Zero,
		OutputRate: decimal.Zero,
	}).Error)

	// Without invalidation the snapshot stays stale.
	engine.CheckReload(context.Background())
	_, err = engine.GetPricing("local", "qwen-72b")
	require.ErrorIs(t, err, ErrUnsupportedModel)

	engine.Invalidate()
	engine.CheckReload(context.Background())
	_, err = engine.GetPricing("local", "qwen-72b")
	assert.NoError(t, err)
}

func TestTableSnapshot(t *testing.T) {
	engine := seedEngine(t, models.ModelPricing{
		Provider:   "anthropic",
		Model:      "claude-sonnet-4",
		InputRate:  dec(t, "0.000003"),
		OutputRate: dec(t, "0.000015"),
	})

	table := engine.Table()
	require.Contains(t, table, "anthropic/claude-sonnet-4")
	assert.True(t, table["anthropic/claude-sonnet-4"].Output.Equal(dec(t, "0.000015")))
}
