package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/ledger/memory"
	"github.com/gregtusar/triarb/pkg/models"
)

type staticFeed struct {
	snaps map[string]models.PriceSnapshot
	mas   map[string]models.MovingAverages
}

func (f *staticFeed) Snapshot(route models.Route) (models.PriceSnapshot, error) {
	s, ok := f.snaps[route.Name]
	if !ok {
		return models.PriceSnapshot{}, errors.New("no ticker")
	}
	return s, nil
}

func (f *staticFeed) MovingAverages(route models.Route) models.MovingAverages {
	return f.mas[route.Name]
}

type staticStrategy models.StrategyConfig

func (s staticStrategy) Strategy() models.StrategyConfig { return models.StrategyConfig(s) }

type traderFixture struct {
	trader *TriangleTrader
	orch   *Orchestrator
	exec   *fakeExecutor
	trades *memory.TradeLedger
	opps   *memory.OpportunityStore
}

func newTraderFixture(t *testing.T, snap models.PriceSnapshot, mas models.MovingAverages) *traderFixture {
	t.Helper()
	route := testRoute()
	other := models.NewRoute("USDT", "AEVO", "BTC")

	feed := &staticFeed{
		snaps: map[string]models.PriceSnapshot{route.Name: snap},
		mas:   map[string]models.MovingAverages{route.Name: mas},
	}
	exec := newFakeExecutor(snap, route)
	trades := newMemoryLedger()
	opps, err := memory.NewOpportunityStore(ledger.DefaultOpportunityRetention)
	require.NoError(t, err)

	orch, _ := newTestOrchestrator(exec, nil, trades)
	tt := NewTriangleTrader(feed, orch, opps, staticStrategy(testConfig(models.ModeDemo)),
		[]models.Route{route, other}, 10*time.Millisecond, quietLogger())

	return &traderFixture{trader: tt, orch: orch, exec: exec, trades: trades, opps: opps}
}

func TestTriangleTrader_CycleRecordsAndExecutes(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000084", "60000"), averages("0.5", "0.0000084", "60000"))
	ctx := context.Background()

	f.trader.runCycle(ctx)
	f.trader.wg.Wait()

	recs, err := f.opps.ListRecent(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].WasExecuted)
	assert.NotEmpty(t, recs[0].TradeID)
	assert.Equal(t, "USDT-XRP-BTC", recs[0].RouteName)

	attempt, err := f.trades.Get(ctx, recs[0].TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusCompleted, attempt.Status)

	st := f.trader.Status()
	assert.Equal(t, int64(1), st.Cycles)
	require.Len(t, st.LastEvaluated, 2)
	assert.NotNil(t, st.LastEvaluated[0].Opportunity)
	assert.True(t, st.LastEvaluated[1].NoData, "route without tickers is a no-data cycle")
	require.NotNil(t, st.LastResult)
	assert.Equal(t, OutcomeCompleted, st.LastResult.Outcome)
	assert.Equal(t, []string{"USDT-XRP-BTC", "USDT-AEVO-BTC"}, st.Routes)
}

func TestTriangleTrader_NonActionableIsRecordedOnly(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000083", "60000"), averages("0.49", "0.0000083", "60000"))
	ctx := context.Background()

	f.trader.runCycle(ctx)
	f.trader.wg.Wait()

	recs, err := f.opps.ListRecent(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].WasExecuted)
	assert.False(t, recs[0].IsActionable)
	assert.Empty(t, f.exec.symbols())
	assert.Zero(t, f.trades.Len())
}

func TestTriangleTrader_SkipsWhileExecuting(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000084", "60000"), averages("0.5", "0.0000084", "60000"))
	ctx := context.Background()

	release, ok, err := f.orch.guard.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	f.trader.runCycle(ctx)
	f.trader.wg.Wait()

	recs, err := f.opps.ListRecent(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].WasExecuted)
	assert.Empty(t, f.exec.symbols())
	assert.True(t, f.trader.Status().Executing)
}

func TestTriangleTrader_ShutdownDoesNotStrandAttempt(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000084", "60000"), averages("0.5", "0.0000084", "60000"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		if call == 1 {
			cancel()
		}
		return fill, nil
	}

	f.trader.runCycle(ctx)
	f.trader.wg.Wait()

	assert.Equal(t, []string{"XRPUSDT", "XRPBTC", "BTCUSDT"}, f.exec.symbols())
	st := f.trader.Status()
	require.NotNil(t, st.LastResult)
	assert.Equal(t, OutcomeCompleted, st.LastResult.Outcome)

	recs, err := f.opps.ListRecent(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].TradeID, "opportunity is linked after the loop context is gone")
}

func TestTriangleTrader_ExecuteRoute(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000084", "60000"), averages("0.5", "0.0000084", "60000"))
	ctx := context.Background()

	res, err := f.trader.ExecuteRoute(ctx, "USDT-XRP-BTC", d("500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, f.exec.calls[0].QuoteAmount.Equal(d("500")))
	assert.Equal(t, res, f.trader.Status().LastResult)

	_, err = f.trader.ExecuteRoute(ctx, "USDT-DOGE-BTC", d("500"))
	assert.ErrorIs(t, err, ErrUnknownRoute)

	_, err = f.trader.ExecuteRoute(ctx, "USDT-AEVO-BTC", d("500"))
	assert.Error(t, err, "route without tickers")

	res, err = f.trader.ExecuteRoute(ctx, "USDT-XRP-BTC", d("5"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestTriangleTrader_RetentionAcrossCycles(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000083", "60000"), averages("0.49", "0.0000083", "60000"))
	ctx := context.Background()

	for i := 0; i < ledger.DefaultOpportunityRetention+3; i++ {
		f.trader.runCycle(ctx)
	}

	recs, err := f.opps.ListRecent(ctx, 0, nil)
	require.NoError(t, err)
	assert.Len(t, recs, ledger.DefaultOpportunityRetention)
}

func TestTriangleTrader_StartStop(t *testing.T) {
	f := newTraderFixture(t, snapshot("0.5", "0.0000083", "60000"), averages("0.49", "0.0000083", "60000"))

	require.NoError(t, f.trader.Start(context.Background()))
	assert.Error(t, f.trader.Start(context.Background()), "second start is refused")

	assert.Eventually(t, func() bool { return f.trader.Status().Cycles >= 2 }, time.Second, 5*time.Millisecond)

	f.trader.Stop()
	assert.False(t, f.trader.Status().Running)
	f.trader.Stop()
}

func TestTriangleTrader_StartWithoutRoutes(t *testing.T) {
	tt := NewTriangleTrader(&staticFeed{}, nil, nil, staticStrategy(testConfig(models.ModeDemo)), nil, 0, quietLogger())
	assert.Error(t, tt.Start(context.Background()))
	assert.Equal(t, DefaultEvaluationInterval, tt.interval)
}
