package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

func TestTradeLedger_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	l, err := NewTradeLedger(pool, 3)
	require.NoError(t, err)

	// re-running migrations is harmless
	_, err = pool.Migrate(ctx)
	require.NoError(t, err)

	id, err := l.Create(ctx, &models.TradeAttempt{
		RouteName:       "USDT-XRP-BTC",
		Mode:            models.ModeDemo,
		RequestedAmount: decimal.NewFromInt(1000),
		EntryPrices: models.EntryPrices{
			Leg1: decimal.RequireFromString("0.5"),
			Leg2: decimal.RequireFromString("0.0000083"),
			Leg3: decimal.NewFromInt(60000),
		},
		ExpectedProfit: decimal.NewFromInt(-4),
	})
	require.NoError(t, err)

	require.NoError(t, l.Update(ctx, id, ledger.AttemptUpdate{
		Status: ptr(models.AttemptStatusExecuting),
	}))
	require.NoError(t, l.Update(ctx, id, ledger.AttemptUpdate{
		AppendLegs: []models.LegResult{{
			LegIndex:      1,
			Symbol:        "XRPUSDT",
			Side:          models.OrderSideBuy,
			OrderID:       "o-1",
			RequestedQty:  decimal.NewFromInt(2000),
			ExecutedQty:   decimal.NewFromInt(2000),
			ExecutedPrice: decimal.RequireFromString("0.5"),
			ExpectedPrice: decimal.RequireFromString("0.5"),
			SlippagePct:   decimal.Zero,
			FeeAmount:     decimal.RequireFromString("1"),
			FeeAsset:      "USDT",
		}},
		LegsCompleted: ptr(1),
	}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, l.Update(ctx, id, ledger.AttemptUpdate{
		Status:        ptr(models.AttemptStatusFailed),
		ErrorMessage:  ptr("leg 2: rejected"),
		ExecutionTime: ptr(1500 * time.Millisecond),
		ResidualAsset: ptr("XRP"),
		ResidualQty:   ptr(decimal.NewFromInt(2000)),
		CompletedAt:   &now,
	}))

	err = l.Update(ctx, id, ledger.AttemptUpdate{Status: ptr(models.AttemptStatusCompleted)})
	assert.ErrorIs(t, err, ledger.ErrAlreadyTerminal)

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, got.Status)
	assert.Equal(t, 1, got.LegsCompleted)
	assert.Equal(t, "leg 2: rejected", got.ErrorMessage)
	assert.Equal(t, 1500*time.Millisecond, got.ExecutionTime)
	assert.Equal(t, "XRP", got.ResidualAsset)
	assert.True(t, got.EntryPrices.Leg2.Equal(decimal.RequireFromString("0.0000083")))
	require.Len(t, got.Legs, 1)
	assert.Equal(t, "XRPUSDT", got.Legs[0].Symbol)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, now, *got.CompletedAt, time.Millisecond)

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTradeLedger_Retention(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	l, err := NewTradeLedger(pool, 2)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := l.Create(ctx, &models.TradeAttempt{RouteName: "r", Mode: models.ModeDemo})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	recent, err := l.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)

	_, err = l.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
