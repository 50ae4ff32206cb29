package trader

import (
	"github.com/shopspring/decimal"

	"github.com/gregtusar/triarb/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Projection is the modeled outcome of running amount through the three
// legs at snapshot prices, before fees and slippage.
type Projection struct {
	Amount            decimal.Decimal
	IntermediateQty   decimal.Decimal
	SettlementQty     decimal.Decimal
	FinalQuote        decimal.Decimal
	ExpectedProfit    decimal.Decimal
	ExpectedProfitPct decimal.Decimal
}

// Project computes the forward route quote -> intermediate -> settlement ->
// quote. The snapshot must be complete and amount positive.
func Project(amount decimal.Decimal, s models.PriceSnapshot) Projection {
	intermediate := amount.Div(s.Leg1)
	settlement := intermediate.Mul(s.Leg2)
	final := settlement.Mul(s.Leg3)
	profit := final.Sub(amount)
	return Projection{
		Amount:            amount,
		IntermediateQty:   intermediate,
		SettlementQty:     settlement,
		FinalQuote:        final,
		ExpectedProfit:    profit,
		ExpectedProfitPct: profit.Div(amount).Mul(hundred),
	}
}

// Evaluator classifies price snapshots for one route. It holds no state
// beyond its parameters; the zero value of Thresholds makes every non-zero
// deviation count as volatility.
type Evaluator struct {
	Route           models.Route
	Thresholds      models.Thresholds
	ProfitTargetPct decimal.Decimal
}

func NewEvaluator(route models.Route, cfg models.StrategyConfig) Evaluator {
	return Evaluator{
		Route:           route,
		Thresholds:      cfg.Thresholds,
		ProfitTargetPct: cfg.ProfitTargetPct,
	}
}

// Evaluate returns the classified opportunity, or false when the cycle
// carries no data or nothing worth recording.
func (e Evaluator) Evaluate(snapshot models.PriceSnapshot, mas models.MovingAverages, amount decimal.Decimal) (*models.Opportunity, bool) {
	if !snapshot.Complete() || !mas.Complete() || !amount.IsPositive() {
		return nil, false
	}

	p := Project(amount, snapshot)

	dev1 := deviationPct(snapshot.Leg1, mas.Leg1.Decimal)
	dev2 := deviationPct(snapshot.Leg2, mas.Leg2.Decimal)
	dev3 := deviationPct(snapshot.Leg3, mas.Leg3.Decimal)

	// intermediate priced in settlement through the quote asset
	cross := snapshot.Leg1.Div(snapshot.Leg3)
	discrepancy := cross.Sub(snapshot.Leg2).Abs().Div(snapshot.Leg2).Mul(hundred)

	t := e.Thresholds
	volatile := dev1.Abs().GreaterThan(t.VolatilityLeg1Pct) ||
		dev3.Abs().GreaterThan(t.VolatilityLeg3Pct) ||
		dev2.Abs().GreaterThanOrEqual(t.VolatilityLeg2Pct)
	dislocated := discrepancy.GreaterThanOrEqual(t.DiscrepancyPct)
	profitFloor := p.ExpectedProfitPct.GreaterThan(t.InterestingProfitPct)

	if !volatile && !dislocated && !profitFloor {
		return nil, false
	}

	var reasons models.ReasonSet
	if volatile {
		reasons = append(reasons, models.ReasonVolatility)
	}
	if dislocated {
		reasons = append(reasons, models.ReasonDiscrepancy)
	}
	if profitFloor {
		reasons = append(reasons, models.ReasonProfitFloor)
	}

	aboveTarget := p.ExpectedProfitPct.GreaterThan(e.ProfitTargetPct)
	switch {
	case !aboveTarget:
		reasons = append(reasons, models.ReasonBelowProfitTarget)
	case volatile || dislocated:
		reasons = append(reasons, models.ReasonProfitTarget)
	default:
		reasons = append(reasons, models.ReasonNoDislocation)
	}

	return &models.Opportunity{
		Route:              e.Route,
		Snapshot:           snapshot,
		MovingAverages:     mas,
		Amount:             amount,
		ExpectedProfit:     p.ExpectedProfit,
		ExpectedProfitPct:  p.ExpectedProfitPct,
		DeviationLeg1:      dev1,
		DeviationLeg2:      dev2,
		DeviationLeg3:      dev3,
		CrossRate:          cross,
		RateDiscrepancyPct: discrepancy,
		IsActionable:       aboveTarget && (volatile || dislocated),
		Reasons:            reasons,
		EvaluatedAt:        snapshot.TakenAt,
	}, true
}

func deviationPct(current, ma decimal.Decimal) decimal.Decimal {
	return current.Sub(ma).Div(ma).Mul(hundred)
}
