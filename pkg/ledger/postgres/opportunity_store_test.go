package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

func TestOpportunityStore_RecordAndLink(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	s, err := NewOpportunityStore(pool, 3)
	require.NoError(t, err)

	var ids []string
	for i := 1; i <= 4; i++ {
		id, err := s.Record(ctx, models.OpportunityRecord{
			RouteName:       "USDT-XRP-BTC",
			PriceLeg1:       decimal.RequireFromString("0.5"),
			PriceLeg2:       decimal.RequireFromString("0.0000083"),
			PriceLeg3:       decimal.NewFromInt(60000),
			MALeg1:          decimal.NewNullDecimal(decimal.RequireFromString("0.49")),
			PotentialProfit: decimal.NewFromInt(int64(i)),
			ProfitPct:       decimal.NewFromInt(int64(i)),
			IsActionable:    true,
			Reasons:         models.ReasonSet{models.ReasonVolatility, models.ReasonProfitTarget},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, s.LinkTrade(ctx, ids[3], "attempt-1"))
	assert.ErrorIs(t, s.LinkTrade(ctx, ids[0], "x"), ledger.ErrNotFound, "evicted rows cannot be linked")

	all, err := s.ListRecent(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[3], all[0].ID)
	assert.Equal(t, "attempt-1", all[0].TradeID)
	assert.True(t, all[0].WasExecuted)
	assert.True(t, all[0].MALeg1.Valid)
	assert.False(t, all[0].MALeg2.Valid)
	assert.Equal(t, models.ReasonSet{models.ReasonVolatility, models.ReasonProfitTarget}, all[0].Reasons)

	notExecuted := false
	pending, err := s.ListRecent(ctx, 10, &notExecuted)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	st, err := s.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Executed)
	assert.True(t, st.MaxProfitPct.Equal(decimal.NewFromInt(4)))
	assert.True(t, st.MinProfitPct.Equal(decimal.NewFromInt(2)))
	assert.True(t, st.AvgProfitPct.Equal(decimal.NewFromInt(3)))
}
