package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/triarb/pkg/guard"
	"github.com/gregtusar/triarb/pkg/models"
)

func profitableRequest(mode models.Mode) ExecutionRequest {
	return ExecutionRequest{
		Route:    testRoute(),
		Amount:   d("1000"),
		Snapshot: snapshot("0.5", "0.0000084", "60000"),
		Mode:     mode,
		Config:   testConfig(mode),
	}
}

func TestOrchestrator_CompletesInLegOrder(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	l := newMemoryLedger()
	o, delays := newTestOrchestrator(exec, nil, l)

	var linked string
	req.OnAttemptCreated = func(id string) { linked = id }

	res := o.Execute(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.LegsCompleted)
	assert.Equal(t, res.AttemptID, linked)

	assert.Equal(t, []string{"XRPUSDT", "XRPBTC", "BTCUSDT"}, exec.symbols())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, *delays)

	calls := exec.calls
	assert.Equal(t, models.OrderSideBuy, calls[0].Side)
	assert.True(t, calls[0].QuoteAmount.Equal(d("1000")))
	assert.True(t, calls[0].Quantity.Equal(d("2000")))
	assert.Equal(t, models.OrderSideSell, calls[1].Side)
	assert.True(t, calls[1].Quantity.Equal(d("2000")))
	assert.True(t, calls[1].QuoteAmount.IsZero())
	assert.True(t, calls[2].Quantity.Equal(d("0.0168")), calls[2].Quantity.String())

	stored, err := l.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.LegsCompleted)
	require.Len(t, stored.Legs, 3)
	for i, leg := range stored.Legs {
		assert.Equal(t, i+1, leg.LegIndex)
	}
	assert.True(t, stored.RealizedProfit.Equal(d("8")), stored.RealizedProfit.String())
	assert.True(t, stored.RealizedProfitPct.Equal(d("0.8")))
	assert.True(t, stored.FeesPaid.Equal(d("0.3")))
	assert.True(t, stored.ExpectedProfit.Equal(d("8")))
	assert.True(t, stored.EntryPrices.Leg2.Equal(d("0.0000084")))
	require.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.ResidualAsset)

	assert.True(t, res.Slippage.IsZero())
	assert.True(t, res.Expected.ExpectedProfit.Equal(d("8")))
}

func TestOrchestrator_NetsFeesTakenInReceivedAsset(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		switch call {
		case 1:
			fill.Fee = models.Fee{Asset: "XRP", Amount: d("2")}
		case 2:
			fill.Fee = models.Fee{Asset: "BTC", Amount: d("0.0000168")}
		}
		return fill, nil
	}
	o, _ := newTestOrchestrator(exec, nil, newMemoryLedger())

	res := o.Execute(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	calls := exec.calls
	require.Len(t, calls, 3)
	assert.True(t, calls[1].Quantity.Equal(d("1998")), calls[1].Quantity.String())
	assert.True(t, calls[2].Quantity.Equal(d("0.0167664")), calls[2].Quantity.String())
}

func TestOrchestrator_Leg2SlippageAborts(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		if call == 2 {
			fill.ExecutedPrice = fill.ExecutedPrice.Mul(d("0.98"))
		}
		return fill, nil
	}
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.LegsCompleted)

	var se *SlippageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, 2, se.Leg)
	assert.True(t, se.SlippagePct.Equal(d("2")), se.SlippagePct.String())

	assert.Equal(t, []string{"XRPUSDT", "XRPBTC"}, exec.symbols(), "leg 3 must never be invoked")

	stored, err := l.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, stored.Status)
	require.Len(t, stored.Legs, 1)
	assert.Contains(t, stored.ErrorMessage, "slippage exceeded on leg 2")
	assert.Equal(t, "BTC", stored.ResidualAsset)
	assert.True(t, stored.ResidualQty.IsPositive())
	require.NotNil(t, stored.CompletedAt)
}

func TestOrchestrator_Leg3SlippageStillCompletes(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		if call == 3 {
			fill.ExecutedPrice = d("57000")
		}
		return fill, nil
	}
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	// 0.0168 * 57000 = 957.6
	assert.True(t, res.Attempt.RealizedProfit.Equal(d("-42.4")), res.Attempt.RealizedProfit.String())
	assert.True(t, res.Slippage.Equal(d("-50.4")), res.Slippage.String())
	assert.True(t, res.Attempt.Legs[2].SlippagePct.Equal(d("5")))
}

func TestOrchestrator_Leg2FailureAccounting(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		if call == 2 {
			return models.Fill{}, errors.New("venue unavailable")
		}
		return fill, nil
	}
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.LegsCompleted)

	var le *LegError
	require.ErrorAs(t, res.Err, &le)
	assert.Equal(t, 2, le.Leg)
	assert.Equal(t, "XRPBTC", le.Symbol)

	stored, err := l.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.LegsCompleted)
	assert.NotEmpty(t, stored.ErrorMessage)
	require.Len(t, stored.Legs, 1)
	assert.Equal(t, 1, stored.Legs[0].LegIndex)
	assert.Equal(t, "XRP", stored.ResidualAsset)
	assert.True(t, stored.ResidualQty.Equal(d("2000")))
}

func TestOrchestrator_InvalidQuantityOnLeg1(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	exec.hook = func(_ int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		fill.ExecutedQty = d("0")
		return fill, nil
	}
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, res.LegsCompleted)
	assert.ErrorIs(t, res.Err, ErrInvalidExecutedQuantity)

	stored, err := l.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Empty(t, stored.Legs)
	assert.Empty(t, stored.ResidualAsset, "nothing left the quote asset")
}

func TestOrchestrator_GateRejectionCreatesNothing(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	req.Amount = d("5")
	exec := newFakeExecutor(req.Snapshot, req.Route)
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, IsRejection(res.Err))
	assert.Empty(t, res.AttemptID)
	assert.Empty(t, exec.symbols())
	assert.Zero(t, l.Len())
}

func TestOrchestrator_LiveExampleRejected(t *testing.T) {
	req := profitableRequest(models.ModeLive)
	req.Snapshot = snapshot("0.5", "0.0000083", "60000")
	exec := newFakeExecutor(req.Snapshot, req.Route)
	o, _ := newTestOrchestrator(exec, new(mockCredentials), newMemoryLedger())

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	requireReason(t, res.Err, ReasonExpectedLossTooHigh)
}

func TestOrchestrator_LiveUsesCredentials(t *testing.T) {
	req := profitableRequest(models.ModeLive)
	bundle := &models.Credentials{APIKey: "k", SecretKey: "s", Passphrase: "p"}
	creds := new(mockCredentials)
	creds.On("Get", mock.Anything, "user-1").Return(bundle, nil).Once()

	var seen []*models.Credentials
	exec := newFakeExecutor(req.Snapshot, req.Route)
	rec := executorFunc(func(ctx context.Context, r models.OrderRequest, c *models.Credentials) (models.Fill, error) {
		seen = append(seen, c)
		return exec.Place(ctx, r, c)
	})
	o, delays := newTestOrchestrator(rec, creds, newMemoryLedger())

	res := o.Execute(context.Background(), req)
	require.NoError(t, res.Err)
	require.Len(t, seen, 3)
	for _, c := range seen {
		assert.Same(t, bundle, c)
	}
	assert.Equal(t, []time.Duration{8 * time.Second, 8 * time.Second}, *delays)
	creds.AssertExpectations(t)
}

type executorFunc func(ctx context.Context, req models.OrderRequest, c *models.Credentials) (models.Fill, error)

func (f executorFunc) Place(ctx context.Context, req models.OrderRequest, c *models.Credentials) (models.Fill, error) {
	return f(ctx, req, c)
}

func TestOrchestrator_LedgerCreateFailure(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	l := new(mockLedger)
	l.On("Create", mock.Anything, mock.Anything).Return("", errors.New("connection refused")).Once()
	o, _ := newTestOrchestrator(exec, nil, l)

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrLedgerCreate)
	assert.Empty(t, res.AttemptID)
	assert.Empty(t, exec.symbols())
	l.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_TerminalWriteFailureKeepsResult(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)
	mem := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, terminalFailLedger{mem})

	res := o.Execute(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, models.AttemptStatusCompleted, res.Attempt.Status)

	stored, err := mem.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusExecuting, stored.Status)
	assert.Len(t, stored.Legs, 3)
}

func TestOrchestrator_TimeoutStopsFurtherLegs(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	req.Config.ExecutionTimeout = 50 * time.Millisecond
	exec := newFakeExecutor(req.Snapshot, req.Route)
	l := newMemoryLedger()
	o := NewOrchestrator(exec, nil, l, guard.NewLocal(), quietLogger())
	o.delay = func(models.DelayRange) time.Duration { return time.Second }

	res := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrExecutionTimeout)
	assert.Equal(t, 1, res.LegsCompleted)
	assert.Equal(t, []string{"XRPUSDT"}, exec.symbols())

	stored, err := l.Get(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, stored.Status, "terminal write survives the expired context")
}

func TestOrchestrator_SkipsWhileInFlight(t *testing.T) {
	req := profitableRequest(models.ModeDemo)
	exec := newFakeExecutor(req.Snapshot, req.Route)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	exec.hook = func(call int, _ models.OrderRequest, fill models.Fill) (models.Fill, error) {
		if call == 1 {
			close(entered)
			<-unblock
		}
		return fill, nil
	}
	l := newMemoryLedger()
	o, _ := newTestOrchestrator(exec, nil, l)

	done := make(chan *ExecutionResult, 1)
	go func() { done <- o.Execute(context.Background(), req) }()
	<-entered

	assert.True(t, o.Busy())
	second := o.Execute(context.Background(), req)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.ErrorIs(t, second.Err, ErrExecutionInFlight)

	close(unblock)
	first := <-done
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	assert.False(t, o.Busy())
	assert.Equal(t, 1, l.Len())
}

func TestRandomDelayWithinRange(t *testing.T) {
	r := models.DelayRange{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond}
	for i := 0; i < 200; i++ {
		got := randomDelay(r)
		assert.GreaterOrEqual(t, got, r.Min)
		assert.LessOrEqual(t, got, r.Max)
	}
	assert.Equal(t, time.Second, randomDelay(models.DelayRange{Min: time.Second, Max: time.Second}))
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
