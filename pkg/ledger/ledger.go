// Package ledger defines the durable record of trade attempts and detected
// opportunities. Backends keep only the most recent records: eviction runs
// inside every insert, so storage stays bounded without a janitor.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/triarb/pkg/models"
)

var (
	ErrNotFound         = errors.New("ledger: not found")
	ErrAlreadyTerminal  = errors.New("ledger: attempt already in a terminal state")
	ErrInvalidInput     = errors.New("ledger: invalid input")
	ErrInvalidRetention = errors.New("ledger: retention must be positive")
)

const (
	DefaultAttemptRetention     = 10
	DefaultOpportunityRetention = 5
)

// AttemptUpdate is a partial update of an attempt. Nil fields are left
// untouched; AppendLegs is appended to the existing legs.
type AttemptUpdate struct {
	Status            *models.AttemptStatus
	AppendLegs        []models.LegResult
	LegsCompleted     *int
	RealizedProfit    *decimal.Decimal
	RealizedProfitPct *decimal.Decimal
	FeesPaid          *decimal.Decimal
	ExecutionTime     *time.Duration
	ErrorMessage      *string
	ResidualAsset     *string
	ResidualQty       *decimal.Decimal
	CompletedAt       *time.Time
}

// TradeLedger persists attempts. A terminal status may be written once;
// later status updates fail with ErrAlreadyTerminal.
type TradeLedger interface {
	Create(ctx context.Context, attempt *models.TradeAttempt) (string, error)
	Update(ctx context.Context, id string, update AttemptUpdate) error
	Get(ctx context.Context, id string) (*models.TradeAttempt, error)
	ListRecent(ctx context.Context, limit int) ([]*models.TradeAttempt, error)
}

type OpportunityStore interface {
	Record(ctx context.Context, rec models.OpportunityRecord) (string, error)
	LinkTrade(ctx context.Context, id, tradeID string) error
	ListRecent(ctx context.Context, limit int, executed *bool) ([]models.OpportunityRecord, error)
	Stats(ctx context.Context, executed *bool) (models.OpportunityStats, error)
}

// Apply writes the non-nil fields of u onto a.
func (u AttemptUpdate) Apply(a *models.TradeAttempt) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if len(u.AppendLegs) > 0 {
		a.Legs = append(a.Legs, u.AppendLegs...)
	}
	if u.LegsCompleted != nil {
		a.LegsCompleted = *u.LegsCompleted
	}
	if u.RealizedProfit != nil {
		a.RealizedProfit = *u.RealizedProfit
	}
	if u.RealizedProfitPct != nil {
		a.RealizedProfitPct = *u.RealizedProfitPct
	}
	if u.FeesPaid != nil {
		a.FeesPaid = *u.FeesPaid
	}
	if u.ExecutionTime != nil {
		a.ExecutionTime = *u.ExecutionTime
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = *u.ErrorMessage
	}
	if u.ResidualAsset != nil {
		a.ResidualAsset = *u.ResidualAsset
	}
	if u.ResidualQty != nil {
		a.ResidualQty = *u.ResidualQty
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		a.CompletedAt = &t
	}
}

// ComputeStats summarises opportunity records the way the dashboard expects.
func ComputeStats(recs []models.OpportunityRecord) models.OpportunityStats {
	var st models.OpportunityStats
	if len(recs) == 0 {
		return st
	}
	sum := decimal.Zero
	st.MaxProfitPct = recs[0].ProfitPct
	st.MinProfitPct = recs[0].ProfitPct
	for _, r := range recs {
		st.Total++
		if r.WasExecuted {
			st.Executed++
		}
		sum = sum.Add(r.ProfitPct)
		st.MaxProfitPct = decimal.Max(st.MaxProfitPct, r.ProfitPct)
		st.MinProfitPct = decimal.Min(st.MinProfitPct, r.ProfitPct)
	}
	st.AvgProfitPct = sum.Div(decimal.NewFromInt(int64(st.Total)))
	return st
}
