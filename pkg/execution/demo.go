// Package execution provides the order executors behind the orchestrator:
// a simulated one for demo mode and a Bitget-backed one for live mode.
package execution

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/models"
)

// PriceSource supplies the reference price a simulated fill is based on.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, error)
}

type DemoConfig struct {
	SlippagePct decimal.Decimal // max absolute slippage, percent
	FeeRate     decimal.Decimal // fraction of notional
	MinLatency  time.Duration
	MaxLatency  time.Duration
	QuoteAssets []string
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		SlippagePct: decimal.RequireFromString("0.05"),
		FeeRate:     decimal.RequireFromString("0.001"),
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  200 * time.Millisecond,
		QuoteAssets: []string{"USDT", "USDC", "BTC", "ETH"},
	}
}

// DemoExecutor fills every market order at the current price plus a small
// random slippage, charging a flat fee in the symbol's quote asset.
type DemoExecutor struct {
	prices PriceSource
	cfg    DemoConfig
	logger *logrus.Logger

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDemoExecutor(prices PriceSource, cfg DemoConfig, logger *logrus.Logger) *DemoExecutor {
	return &DemoExecutor{
		prices: prices,
		cfg:    cfg,
		logger: logger,
		rand:   rand.Float64,
		sleep:  sleepContext,
	}
}

func (e *DemoExecutor) Place(ctx context.Context, req models.OrderRequest, _ *models.Credentials) (models.Fill, error) {
	if req.Type != "" && req.Type != models.OrderTypeMarket {
		return models.Fill{}, fmt.Errorf("demo executor: unsupported order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() && !req.QuoteAmount.IsPositive() {
		return models.Fill{}, fmt.Errorf("demo executor: quantity must be greater than 0")
	}

	ref, err := e.prices.LastPrice(req.Symbol)
	if err != nil {
		return models.Fill{}, fmt.Errorf("demo executor: unable to get current price for %s: %w", req.Symbol, err)
	}

	if err := e.sleep(ctx, e.latency()); err != nil {
		return models.Fill{}, err
	}

	// uniform in [-SlippagePct, +SlippagePct]
	slip := decimal.NewFromFloat(e.rand()*2 - 1).Mul(e.cfg.SlippagePct)
	price := ref.Mul(decimal.NewFromInt(1).Add(slip.Div(decimal.NewFromInt(100))))

	qty := req.Quantity
	if req.Side == models.OrderSideBuy && req.QuoteAmount.IsPositive() {
		qty = req.QuoteAmount.Div(price)
	}
	fee := qty.Mul(price).Mul(e.cfg.FeeRate)

	fill := models.Fill{
		OrderID:       "demo_" + uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		ExecutedQty:   qty,
		ExecutedPrice: price,
		Fee:           models.Fee{Asset: QuoteAsset(req.Symbol, e.cfg.QuoteAssets), Amount: fee},
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":         req.Symbol,
		"side":           req.Side,
		"executed_qty":   qty.String(),
		"executed_price": price.String(),
	}).Debug("Demo order filled")

	return fill, nil
}

func (e *DemoExecutor) latency() time.Duration {
	lo, hi := e.cfg.MinLatency, e.cfg.MaxLatency
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(e.rand()*float64(hi-lo))
}

// QuoteAsset returns the longest known quote suffix of symbol, or "" when
// none matches.
func QuoteAsset(symbol string, quotes []string) string {
	best := ""
	for _, q := range quotes {
		if strings.HasSuffix(symbol, q) && len(q) > len(best) && len(q) < len(symbol) {
			best = q
		}
	}
	return best
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
