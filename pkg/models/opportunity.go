package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReasonCode string

const (
	ReasonVolatility        ReasonCode = "volatility"
	ReasonDiscrepancy       ReasonCode = "discrepancy"
	ReasonProfitFloor       ReasonCode = "profit_floor"
	ReasonProfitTarget      ReasonCode = "profit_target"
	ReasonBelowProfitTarget ReasonCode = "below_profit_target"
	ReasonNoDislocation     ReasonCode = "no_dislocation"
)

// ReasonSet is an ordered set of reason codes. Evaluation always appends in
// the same order so equal inputs yield equal sets.
type ReasonSet []ReasonCode

func (s ReasonSet) Has(code ReasonCode) bool {
	for _, c := range s {
		if c == code {
			return true
		}
	}
	return false
}

type Opportunity struct {
	Route              Route
	Snapshot           PriceSnapshot
	MovingAverages     MovingAverages
	Amount             decimal.Decimal
	ExpectedProfit     decimal.Decimal
	ExpectedProfitPct  decimal.Decimal
	DeviationLeg1      decimal.Decimal
	DeviationLeg2      decimal.Decimal
	DeviationLeg3      decimal.Decimal
	CrossRate          decimal.Decimal
	RateDiscrepancyPct decimal.Decimal
	IsActionable       bool
	Reasons            ReasonSet
	EvaluatedAt        time.Time
}

type OpportunityRecord struct {
	ID                 string
	RouteName          string
	PriceLeg1          decimal.Decimal
	PriceLeg2          decimal.Decimal
	PriceLeg3          decimal.Decimal
	MALeg1             decimal.NullDecimal
	MALeg2             decimal.NullDecimal
	MALeg3             decimal.NullDecimal
	DeviationLeg1      decimal.Decimal
	DeviationLeg2      decimal.Decimal
	DeviationLeg3      decimal.Decimal
	RateDiscrepancyPct decimal.Decimal
	PotentialProfit    decimal.Decimal
	ProfitPct          decimal.Decimal
	IsActionable       bool
	Reasons            ReasonSet
	WasExecuted        bool
	TradeID            string
	DetectedAt         time.Time
}

// NewOpportunityRecord flattens an opportunity into its persisted form.
func NewOpportunityRecord(o *Opportunity, executed bool, detectedAt time.Time) OpportunityRecord {
	return OpportunityRecord{
		RouteName:          o.Route.Name,
		PriceLeg1:          o.Snapshot.Leg1,
		PriceLeg2:          o.Snapshot.Leg2,
		PriceLeg3:          o.Snapshot.Leg3,
		MALeg1:             o.MovingAverages.Leg1,
		MALeg2:             o.MovingAverages.Leg2,
		MALeg3:             o.MovingAverages.Leg3,
		DeviationLeg1:      o.DeviationLeg1,
		DeviationLeg2:      o.DeviationLeg2,
		DeviationLeg3:      o.DeviationLeg3,
		RateDiscrepancyPct: o.RateDiscrepancyPct,
		PotentialProfit:    o.ExpectedProfit,
		ProfitPct:          o.ExpectedProfitPct,
		IsActionable:       o.IsActionable,
		Reasons:            append(ReasonSet(nil), o.Reasons...),
		WasExecuted:        executed,
		DetectedAt:         detectedAt,
	}
}

type OpportunityStats struct {
	Total        int
	Executed     int
	AvgProfitPct decimal.Decimal
	MaxProfitPct decimal.Decimal
	MinProfitPct decimal.Decimal
}
