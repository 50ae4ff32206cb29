package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Route describes one triangle on a single venue: quote -> intermediate ->
// settlement -> quote. Every route shares the same leg shape, so one
// orchestrator serves any intermediate asset.
type Route struct {
	Name         string
	Quote        string
	Intermediate string
	Settlement   string
	Bands        [3]PriceBand
}

type LegSpec struct {
	Index  int
	Symbol string
	Pair   string
	Side   OrderSide
	From   string
	To     string
}

func NewRoute(quote, intermediate, settlement string) Route {
	return Route{
		Name:         fmt.Sprintf("%s-%s-%s", quote, intermediate, settlement),
		Quote:        quote,
		Intermediate: intermediate,
		Settlement:   settlement,
	}
}

// Leg returns the descriptor of leg i (1..3). It panics on any other index.
func (r Route) Leg(i int) LegSpec {
	switch i {
	case 1:
		return LegSpec{Index: 1, Symbol: r.Intermediate + r.Quote, Pair: r.Intermediate + "/" + r.Quote,
			Side: OrderSideBuy, From: r.Quote, To: r.Intermediate}
	case 2:
		return LegSpec{Index: 2, Symbol: r.Intermediate + r.Settlement, Pair: r.Intermediate + "/" + r.Settlement,
			Side: OrderSideSell, From: r.Intermediate, To: r.Settlement}
	case 3:
		return LegSpec{Index: 3, Symbol: r.Settlement + r.Quote, Pair: r.Settlement + "/" + r.Quote,
			Side: OrderSideSell, From: r.Settlement, To: r.Quote}
	}
	panic(fmt.Sprintf("models: leg index %d out of range", i))
}

func (r Route) Symbols() []string {
	return []string{r.Leg(1).Symbol, r.Leg(2).Symbol, r.Leg(3).Symbol}
}

func (r Route) Description() string {
	return fmt.Sprintf("%s → %s → %s → %s", r.Quote, r.Intermediate, r.Settlement, r.Quote)
}

// PriceBand is an inclusive sanity range for a leg price. A zero band
// disables the check.
type PriceBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (b PriceBand) Enabled() bool {
	return !b.Min.IsZero() || !b.Max.IsZero()
}

func (b PriceBand) Contains(p decimal.Decimal) bool {
	if !b.Enabled() {
		return true
	}
	if !b.Min.IsZero() && p.LessThan(b.Min) {
		return false
	}
	if !b.Max.IsZero() && p.GreaterThan(b.Max) {
		return false
	}
	return true
}

// PriceSnapshot holds the current price of each leg, in leg order.
type PriceSnapshot struct {
	Leg1    decimal.Decimal
	Leg2    decimal.Decimal
	Leg3    decimal.Decimal
	TakenAt time.Time
}

func (s PriceSnapshot) Price(leg int) decimal.Decimal {
	switch leg {
	case 1:
		return s.Leg1
	case 2:
		return s.Leg2
	case 3:
		return s.Leg3
	}
	return decimal.Zero
}

// Complete reports whether all three prices are present and positive.
func (s PriceSnapshot) Complete() bool {
	return s.Leg1.IsPositive() && s.Leg2.IsPositive() && s.Leg3.IsPositive()
}

// MovingAverages parallels PriceSnapshot; a leg is invalid when history is
// insufficient.
type MovingAverages struct {
	Leg1 decimal.NullDecimal
	Leg2 decimal.NullDecimal
	Leg3 decimal.NullDecimal
}

func (m MovingAverages) Complete() bool {
	ok := func(d decimal.NullDecimal) bool { return d.Valid && d.Decimal.IsPositive() }
	return ok(m.Leg1) && ok(m.Leg2) && ok(m.Leg3)
}

type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

type Thresholds struct {
	VolatilityLeg1Pct    decimal.Decimal
	VolatilityLeg2Pct    decimal.Decimal
	VolatilityLeg3Pct    decimal.Decimal
	DiscrepancyPct       decimal.Decimal
	InterestingProfitPct decimal.Decimal
}

// StrategyConfig is the parameter set in effect for one evaluation cycle or
// one attempt. It is copied by value and never mutated after it is taken.
type StrategyConfig struct {
	Mode                    Mode
	UserID                  string
	TradeAmount             decimal.Decimal
	MinTradeAmount          decimal.Decimal
	ProfitTargetPct         decimal.Decimal
	DemoLossToleranceAbs    decimal.Decimal
	LiveLossToleranceAbs    decimal.Decimal
	LegSlippageTolerancePct decimal.Decimal
	DemoDelay               DelayRange
	LiveDelay               DelayRange
	ExecutionTimeout        time.Duration
	Thresholds              Thresholds
}

func (c StrategyConfig) LossTolerance(mode Mode) decimal.Decimal {
	if mode == ModeLive {
		return c.LiveLossToleranceAbs
	}
	return c.DemoLossToleranceAbs
}

func (c StrategyConfig) Delay(mode Mode) DelayRange {
	if mode == ModeLive {
		return c.LiveDelay
	}
	return c.DemoDelay
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		VolatilityLeg1Pct:    decimal.RequireFromString("0.005"),
		VolatilityLeg2Pct:    decimal.RequireFromString("0.05"),
		VolatilityLeg3Pct:    decimal.RequireFromString("0.005"),
		DiscrepancyPct:       decimal.RequireFromString("0.01"),
		InterestingProfitPct: decimal.RequireFromString("0.005"),
	}
}
