package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatusCreated   AttemptStatus = "created"
	AttemptStatusExecuting AttemptStatus = "executing"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusCompleted || s == AttemptStatusFailed
}

type EntryPrices struct {
	Leg1 decimal.Decimal
	Leg2 decimal.Decimal
	Leg3 decimal.Decimal
}

type LegResult struct {
	LegIndex      int
	Symbol        string
	Side          OrderSide
	OrderID       string
	RequestedQty  decimal.Decimal
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
	ExpectedPrice decimal.Decimal
	SlippagePct   decimal.Decimal
	FeeAmount     decimal.Decimal
	FeeAsset      string
}

// TradeAttempt is the durable record of one run of the three-leg sequence.
type TradeAttempt struct {
	ID                string
	RouteName         string
	Mode              Mode
	RequestedAmount   decimal.Decimal
	EntryPrices       EntryPrices
	ExpectedProfit    decimal.Decimal
	Status            AttemptStatus
	Legs              []LegResult
	LegsCompleted     int
	RealizedProfit    decimal.Decimal
	RealizedProfitPct decimal.Decimal
	FeesPaid          decimal.Decimal
	ExecutionTime     time.Duration
	ErrorMessage      string
	ResidualAsset     string
	ResidualQty       decimal.Decimal
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

func (a *TradeAttempt) Clone() *TradeAttempt {
	if a == nil {
		return nil
	}
	c := *a
	c.Legs = append([]LegResult(nil), a.Legs...)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
