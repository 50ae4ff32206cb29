// Package feed keeps the latest tickers and moving averages for every leg
// symbol and serves them to the evaluator as per-route snapshots.
package feed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/triarb/pkg/models"
)

var (
	ErrNoPrice    = errors.New("no price")
	ErrStalePrice = errors.New("stale price")
)

// Cache is safe for concurrent use. Writers are the REST poller and the
// websocket stream; readers are the evaluation loop and the demo executor.
type Cache struct {
	mu       sync.RWMutex
	tickers  map[string]models.Ticker
	averages map[string]decimal.NullDecimal

	maxAge time.Duration
	now    func() time.Time
}

// NewCache returns an empty cache. Prices older than maxAge are treated as
// missing; a zero maxAge keeps them forever.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		tickers:  make(map[string]models.Ticker),
		averages: make(map[string]decimal.NullDecimal),
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// UpdateTicker stores t unless a newer ticker for the symbol is already held.
func (c *Cache) UpdateTicker(t models.Ticker) {
	if t.Symbol == "" || !t.LastPrice.IsPositive() {
		return
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.tickers[t.Symbol]; ok && cur.Timestamp.After(t.Timestamp) {
		return
	}
	c.tickers[t.Symbol] = t
}

func (c *Cache) SetAverage(symbol string, ma decimal.NullDecimal) {
	c.mu.Lock()
	c.averages[symbol] = ma
	c.mu.Unlock()
}

func (c *Cache) Ticker(symbol string) (models.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// LastPrice returns the latest fresh price for symbol.
func (c *Cache) LastPrice(symbol string) (decimal.Decimal, error) {
	t, ok := c.Ticker(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	if !t.Fresh(c.now(), c.maxAge) {
		return decimal.Zero, fmt.Errorf("%s: %w (updated %s)", symbol, ErrStalePrice, t.Timestamp.Format(time.RFC3339))
	}
	return t.LastPrice, nil
}

// Snapshot returns the three leg prices of route. It fails when any leg is
// missing or stale.
func (c *Cache) Snapshot(route models.Route) (models.PriceSnapshot, error) {
	var prices [3]decimal.Decimal
	for i := range prices {
		p, err := c.LastPrice(route.Leg(i + 1).Symbol)
		if err != nil {
			return models.PriceSnapshot{}, err
		}
		prices[i] = p
	}
	return models.PriceSnapshot{Leg1: prices[0], Leg2: prices[1], Leg3: prices[2], TakenAt: c.now()}, nil
}

func (c *Cache) MovingAverages(route models.Route) models.MovingAverages {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.MovingAverages{
		Leg1: c.averages[route.Leg(1).Symbol],
		Leg2: c.averages[route.Leg(2).Symbol],
		Leg3: c.averages[route.Leg(3).Symbol],
	}
}
