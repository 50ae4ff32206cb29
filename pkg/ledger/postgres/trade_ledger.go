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

// TradeLedger implements ledger.TradeLedger on the trade_attempts and
// trade_legs tables.
type TradeLedger struct {
	pool      *Pool
	retention int
}

func NewTradeLedger(pool *Pool, retention int) (*TradeLedger, error) {
	if retention <= 0 {
		return nil, ledger.ErrInvalidRetention
	}
	return &TradeLedger{pool: pool, retention: retention}, nil
}

var _ ledger.TradeLedger = (*TradeLedger)(nil)

const attemptColumns = `
	id, route_name, mode, requested_amount,
	entry_price_leg1, entry_price_leg2, entry_price_leg3, expected_profit,
	status, legs_completed, realized_profit, realized_profit_pct, fees_paid,
	execution_time_ms, error_message, residual_asset, residual_qty,
	created_at, completed_at`

// Create inserts the attempt and evicts the oldest rows beyond retention in
// the same transaction.
func (l *TradeLedger) Create(ctx context.Context, attempt *models.TradeAttempt) (string, error) {
	if attempt == nil {
		return "", ledger.ErrInvalidInput
	}
	a := attempt.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.AttemptStatusCreated
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		a.ID, a.RouteName, string(a.Mode), a.RequestedAmount,
		a.EntryPrices.Leg1, a.EntryPrices.Leg2, a.EntryPrices.Leg3, a.ExpectedProfit,
		string(a.Status), a.LegsCompleted, a.RealizedProfit, a.RealizedProfitPct, a.FeesPaid,
		a.ExecutionTime.Milliseconds(), a.ErrorMessage, a.ResidualAsset, a.ResidualQty,
		a.CreatedAt, a.CompletedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", ledger.ErrInvalidInput
		}
		return "", fmt.Errorf("insert trade attempt: %w", err)
	}

	if err := insertLegs(ctx, tx, a.ID, a.Legs); err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM trade_attempts
		WHERE id IN (SELECT id FROM trade_attempts ORDER BY seq DESC OFFSET $1)`,
		l.retention,
	)
	if err != nil {
		return "", fmt.Errorf("evict trade attempts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return a.ID, nil
}

// Update locks the row, refuses to touch a terminal attempt, and writes the
// merged record back.
func (l *TradeLedger) Update(ctx context.Context, id string, update ledger.AttemptUpdate) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM trade_attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isNotFoundError(err) {
			return ledger.ErrNotFound
		}
		return fmt.Errorf("select trade attempt: %w", err)
	}
	if a.Status.IsTerminal() {
		return ledger.ErrAlreadyTerminal
	}

	update.Apply(a)

	_, err = tx.Exec(ctx, `
		UPDATE trade_attempts SET
			status = $2, legs_completed = $3, realized_profit = $4, realized_profit_pct = $5,
			fees_paid = $6, execution_time_ms = $7, error_message = $8,
			residual_asset = $9, residual_qty = $10, completed_at = $11
		WHERE id = $1`,
		id, string(a.Status), a.LegsCompleted, a.RealizedProfit, a.RealizedProfitPct,
		a.FeesPaid, a.ExecutionTime.Milliseconds(), a.ErrorMessage,
		a.ResidualAsset, a.ResidualQty, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update trade attempt: %w", err)
	}

	if err := insertLegs(ctx, tx, id, update.AppendLegs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (l *TradeLedger) Get(ctx context.Context, id string) (*models.TradeAttempt, error) {
	a, err := scanAttempt(l.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM trade_attempts WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get trade attempt: %w", err)
	}
	if err := l.loadLegs(ctx, []*models.TradeAttempt{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// ListRecent returns attempts newest first. A non-positive limit returns all
// retained rows.
func (l *TradeLedger) ListRecent(ctx context.Context, limit int) ([]*models.TradeAttempt, error) {
	if limit <= 0 {
		limit = l.retention
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM trade_attempts ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trade attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.TradeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade attempts: %w", err)
	}

	if err := l.loadLegs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *TradeLedger) loadLegs(ctx context.Context, attempts []*models.TradeAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	byID := make(map[string]*models.TradeAttempt, len(attempts))
	ids := make([]string, 0, len(attempts))
	for _, a := range attempts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT attempt_id, leg_index, symbol, side, order_id, requested_qty, executed_qty,
			executed_price, expected_price, slippage_pct, fee_amount, fee_asset
		FROM trade_legs
		WHERE attempt_id = ANY($1)
		ORDER BY attempt_id, leg_index`, ids)
	if err != nil {
		return fmt.Errorf("select trade legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			attemptID string
			side      string
			leg       models.LegResult
		)
		if err := rows.Scan(&attemptID, &leg.LegIndex, &leg.Symbol, &side, &leg.OrderID,
			&leg.RequestedQty, &leg.ExecutedQty, &leg.ExecutedPrice, &leg.ExpectedPrice,
			&leg.SlippagePct, &leg.FeeAmount, &leg.FeeAsset); err != nil {
			return fmt.Errorf("scan trade leg: %w", err)
		}
		leg.Side = models.OrderSide(side)
		if a, ok := byID[attemptID]; ok {
			a.Legs = append(a.Legs, leg)
		}
	}
	return rows.Err()
}

func insertLegs(ctx context.Context, tx pgx.Tx, attemptID string, legs []models.LegResult) error {
	for _, leg := range legs {
		_, err := tx.Exec(ctx, `
			INSERT INTO trade_legs (
				attempt_id, leg_index, symbol, side, order_id, requested_qty, executed_qty,
				executed_price, expected_price, slippage_pct, fee_amount, fee_asset
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			attemptID, leg.LegIndex, leg.Symbol, string(leg.Side), leg.OrderID,
			leg.RequestedQty, leg.ExecutedQty, leg.ExecutedPrice, leg.ExpectedPrice,
			leg.SlippagePct, leg.FeeAmount, leg.FeeAsset,
		)
		if err != nil {
			return fmt.Errorf("insert trade leg %d: %w", leg.LegIndex, err)
		}
	}
	return nil
}

func scanAttempt(row pgx.Row) (*models.TradeAttempt, error) {
	var (
		a         models.TradeAttempt
		mode      string
		status    string
		execMs    int64
		completed *time.Time
	)
	err := row.Scan(
		&a.ID, &a.RouteName, &mode, &a.RequestedAmount,
		&a.EntryPrices.Leg1, &a.EntryPrices.Leg2, &a.EntryPrices.Leg3, &a.ExpectedProfit,
		&status, &a.LegsCompleted, &a.RealizedProfit, &a.RealizedProfitPct, &a.FeesPaid,
		&execMs, &a.ErrorMessage, &a.ResidualAsset, &a.ResidualQty,
		&a.CreatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	a.Mode = models.Mode(mode)
	a.Status = models.AttemptStatus(status)
	a.ExecutionTime = time.Duration(execMs) * time.Millisecond
	a.CompletedAt = completed
	return &a, nil
}
