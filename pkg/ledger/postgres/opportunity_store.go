package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

type OpportunityStore struct {
	pool      *Pool
	retention int
}

func NewOpportunityStore(pool *Pool, retention int) (*OpportunityStore, error) {
	if retention <= 0 {
		return nil, ledger.ErrInvalidRetention
	}
	return &OpportunityStore{pool: pool, retention: retention}, nil
}

var _ ledger.OpportunityStore = (*OpportunityStore)(nil)

const opportunityColumns = `
	id, route_name, price_leg1, price_leg2, price_leg3, ma_leg1, ma_leg2, ma_leg3,
	deviation_leg1, deviation_leg2, deviation_leg3, rate_discrepancy_pct,
	potential_profit, profit_pct, is_actionable, reasons, was_executed, trade_id, detected_at`

func (s *OpportunityStore) Record(ctx context.Context, rec models.OpportunityRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	reasons := make([]string, 0, len(rec.Reasons))
	for _, r := range rec.Reasons {
		reasons = append(reasons, string(r))
	}
	var tradeID *string
	if rec.TradeID != "" {
		tradeID = &rec.TradeID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO opportunities (`+opportunityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, rec.RouteName, rec.PriceLeg1, rec.PriceLeg2, rec.PriceLeg3,
		rec.MALeg1, rec.MALeg2, rec.MALeg3,
		rec.DeviationLeg1, rec.DeviationLeg2, rec.DeviationLeg3, rec.RateDiscrepancyPct,
		rec.PotentialProfit, rec.ProfitPct, rec.IsActionable, reasons, rec.WasExecuted, tradeID,
		rec.DetectedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", ledger.ErrInvalidInput
		}
		return "", fmt.Errorf("insert opportunity: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM opportunities
		WHERE id IN (SELECT id FROM opportunities ORDER BY seq DESC OFFSET $1)`,
		s.retention,
	)
	if err != nil {
		return "", fmt.Errorf("evict opportunities: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return rec.ID, nil
}

func (s *OpportunityStore) LinkTrade(ctx context.Context, id, tradeID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET was_executed = TRUE, trade_id = $2 WHERE id = $1`, id, tradeID)
	if err != nil {
		return fmt.Errorf("link opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *OpportunityStore) ListRecent(ctx context.Context, limit int, executed *bool) ([]models.OpportunityRecord, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities
		WHERE ($1::boolean IS NULL OR was_executed = $1)
		ORDER BY seq DESC
		LIMIT $2`, executed, limit)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var out []models.OpportunityRecord
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates over the retained rows only.
func (s *OpportunityStore) Stats(ctx context.Context, executed *bool) (models.OpportunityStats, error) {
	recs, err := s.ListRecent(ctx, s.retention, executed)
	if err != nil {
		return models.OpportunityStats{}, err
	}
	return ledger.ComputeStats(recs), nil
}

func scanOpportunity(row pgx.Row) (models.OpportunityRecord, error) {
	var (
		rec     models.OpportunityRecord
		reasons []string
		tradeID *string
	)
	err := row.Scan(
		&rec.ID, &rec.RouteName, &rec.PriceLeg1, &rec.PriceLeg2, &rec.PriceLeg3,
		&rec.MALeg1, &rec.MALeg2, &rec.MALeg3,
		&rec.DeviationLeg1, &rec.DeviationLeg2, &rec.DeviationLeg3, &rec.RateDiscrepancyPct,
		&rec.PotentialProfit, &rec.ProfitPct, &rec.IsActionable, &reasons, &rec.WasExecuted, &tradeID,
		&rec.DetectedAt,
	)
	if err != nil {
		return rec, err
	}
	for _, r := range reasons {
		rec.Reasons = append(rec.Reasons, models.ReasonCode(r))
	}
	if tradeID != nil {
		rec.TradeID = *tradeID
	}
	return rec, nil
}
