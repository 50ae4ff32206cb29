package trader

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/gregtusar/triarb/pkg/guard"
	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/ledger/memory"
	"github.com/gregtusar/triarb/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullD(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRoute() models.Route {
	r := models.NewRoute("USDT", "XRP", "BTC")
	r.Bands[0] = models.PriceBand{Min: d("0.01"), Max: d("10")}
	r.Bands[2] = models.PriceBand{Min: d("10000"), Max: d("200000")}
	return r
}

func testConfig(mode models.Mode) models.StrategyConfig {
	return models.StrategyConfig{
		Mode:                    mode,
		UserID:                  "user-1",
		TradeAmount:             d("1000"),
		MinTradeAmount:          d("10"),
		ProfitTargetPct:         d("0.005"),
		DemoLossToleranceAbs:    d("5"),
		LiveLossToleranceAbs:    d("2"),
		LegSlippageTolerancePct: d("1"),
		DemoDelay:               models.DelayRange{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond},
		LiveDelay:               models.DelayRange{Min: 8 * time.Second, Max: 12 * time.Second},
		ExecutionTimeout:        120 * time.Second,
		Thresholds:              models.DefaultThresholds(),
	}
}

func snapshot(p1, p2, p3 string) models.PriceSnapshot {
	return models.PriceSnapshot{Leg1: d(p1), Leg2: d(p2), Leg3: d(p3), TakenAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func averages(m1, m2, m3 string) models.MovingAverages {
	return models.MovingAverages{Leg1: nullD(m1), Leg2: nullD(m2), Leg3: nullD(m3)}
}

// fakeExecutor fills every order at a fixed price per symbol and records the
// order of calls. hook, when set, can replace the fill for a given call.
type fakeExecutor struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  []models.OrderRequest
	hook   func(call int, req models.OrderRequest, fill models.Fill) (models.Fill, error)
}

func newFakeExecutor(s models.PriceSnapshot, route models.Route) *fakeExecutor {
	return &fakeExecutor{prices: map[string]decimal.Decimal{
		route.Leg(1).Symbol: s.Leg1,
		route.Leg(2).Symbol: s.Leg2,
		route.Leg(3).Symbol: s.Leg3,
	}}
}

func (f *fakeExecutor) Place(ctx context.Context, req models.OrderRequest, _ *models.Credentials) (models.Fill, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	hook := f.hook
	price := f.prices[req.Symbol]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.Fill{}, err
	}

	qty := req.Quantity
	if req.Side == models.OrderSideBuy && req.QuoteAmount.IsPositive() {
		qty = req.QuoteAmount.Div(price)
	}
	fill := models.Fill{
		OrderID:       req.Symbol + "-order",
		Symbol:        req.Symbol,
		Side:          req.Side,
		ExecutedQty:   qty,
		ExecutedPrice: price,
		Fee:           models.Fee{Asset: "USDT", Amount: d("0.1")},
	}
	if hook != nil {
		return hook(call, req, fill)
	}
	return fill, nil
}

func (f *fakeExecutor) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Symbol)
	}
	return out
}

type mockCredentials struct {
	mock.Mock
}

func (m *mockCredentials) Get(ctx context.Context, userID string) (*models.Credentials, error) {
	args := m.Called(ctx, userID)
	creds, _ := args.Get(0).(*models.Credentials)
	return creds, args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Create(ctx context.Context, a *models.TradeAttempt) (string, error) {
	args := m.Called(ctx, a)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Update(ctx context.Context, id string, u ledger.AttemptUpdate) error {
	args := m.Called(ctx, id, u)
	return args.Error(0)
}

func (m *mockLedger) Get(ctx context.Context, id string) (*models.TradeAttempt, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*models.TradeAttempt)
	return a, args.Error(1)
}

func (m *mockLedger) ListRecent(ctx context.Context, limit int) ([]*models.TradeAttempt, error) {
	args := m.Called(ctx, limit)
	a, _ := args.Get(0).([]*models.TradeAttempt)
	return a, args.Error(1)
}

// terminalFailLedger refuses every terminal status write.
type terminalFailLedger struct {
	*memory.TradeLedger
}

func (l terminalFailLedger) Update(ctx context.Context, id string, u ledger.AttemptUpdate) error {
	if u.Status != nil && u.Status.IsTerminal() {
		return errors.New("disk full")
	}
	return l.TradeLedger.Update(ctx, id, u)
}

func newMemoryLedger() *memory.TradeLedger {
	l, err := memory.NewTradeLedger(ledger.DefaultAttemptRetention)
	if err != nil {
		panic(err)
	}
	return l
}

// newTestOrchestrator returns an orchestrator that records pacing delays
// instead of sleeping.
func newTestOrchestrator(exec OrderExecutor, creds CredentialProvider, l ledger.TradeLedger) (*Orchestrator, *[]time.Duration) {
	o := NewOrchestrator(exec, creds, l, guard.NewLocal(), quietLogger())
	var mu sync.Mutex
	delays := &[]time.Duration{}
	o.delay = func(r models.DelayRange) time.Duration { return r.Min }
	o.sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		*delays = append(*delays, dur)
		mu.Unlock()
		return ctx.Err()
	}
	return o, delays
}
