package trader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCompleted Outcome = "completed"
)

const terminalWriteTimeout = 5 * time.Second

// ExecutionRequest is one attempt to run a route. Config is the strategy
// snapshot in effect when the attempt started and is never re-read.
type ExecutionRequest struct {
	Route    models.Route
	Amount   decimal.Decimal
	Snapshot models.PriceSnapshot
	Mode     models.Mode
	Config   models.StrategyConfig

	// OnAttemptCreated, if set, is called with the attempt id right after
	// the ledger row exists.
	OnAttemptCreated func(id string)
}

// ExecutionResult tells a caller whether the attempt was rejected before
// starting, skipped, failed after some legs, or completed.
type ExecutionResult struct {
	Outcome       Outcome
	AttemptID     string
	LegsCompleted int
	Elapsed       time.Duration
	Err           error
	Attempt       *models.TradeAttempt
	Expected      Projection
	// Slippage is realized minus expected profit; set only on completion.
	Slippage decimal.Decimal
}

// Orchestrator drives the three legs of one route. Only one execution runs
// at a time per orchestrator.
type Orchestrator struct {
	executor    OrderExecutor
	credentials CredentialProvider
	ledger      ledger.TradeLedger
	guard       InFlightGuard
	logger      *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	delay func(r models.DelayRange) time.Duration
}

func NewOrchestrator(executor OrderExecutor, credentials CredentialProvider, tradeLedger ledger.TradeLedger, guard InFlightGuard, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		executor:    executor,
		credentials: credentials,
		ledger:      tradeLedger,
		guard:       guard,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
		delay:       randomDelay,
	}
}

// Busy reports whether an execution currently holds the in-flight guard.
func (o *Orchestrator) Busy() bool {
	return o.guard.Busy()
}

// Execute runs one attempt end to end. It never returns nil.
func (o *Orchestrator) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := o.now()
	res := &ExecutionResult{}
	finish := func(outcome Outcome, err error) *ExecutionResult {
		res.Outcome = outcome
		res.Err = err
		res.Elapsed = o.now().Sub(start)
		return res
	}

	release, ok, err := o.guard.TryAcquire(ctx)
	if err != nil {
		return finish(OutcomeSkipped, fmt.Errorf("%w: %w", ErrExecutionInFlight, err))
	}
	if !ok {
		return finish(OutcomeSkipped, ErrExecutionInFlight)
	}
	defer release()

	cfg := req.Config
	log := o.logger.WithFields(logrus.Fields{
		"route":  req.Route.Name,
		"mode":   req.Mode,
		"amount": req.Amount.String(),
	})

	adm, err := NewGate(req.Route, cfg, o.credentials).Admit(ctx, req.Amount, req.Snapshot, req.Mode)
	if err != nil {
		log.WithError(err).Warn("Trade rejected by execution gate")
		return finish(OutcomeRejected, err)
	}
	res.Expected = adm.Projection

	if cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ExecutionTimeout)
		defer cancel()
	}

	attempt := &models.TradeAttempt{
		RouteName:       req.Route.Name,
		Mode:            req.Mode,
		RequestedAmount: req.Amount,
		EntryPrices: models.EntryPrices{
			Leg1: req.Snapshot.Leg1,
			Leg2: req.Snapshot.Leg2,
			Leg3: req.Snapshot.Leg3,
		},
		ExpectedProfit: adm.Projection.ExpectedProfit,
		Status:         models.AttemptStatusCreated,
		CreatedAt:      o.now(),
	}
	id, err := o.ledger.Create(ctx, attempt)
	if err != nil {
		log.WithError(err).Error("Failed to create trade attempt")
		return finish(OutcomeRejected, fmt.Errorf("%w: %w", ErrLedgerCreate, err))
	}
	attempt.ID = id
	res.AttemptID = id
	res.Attempt = attempt
	log = log.WithField("attempt_id", id)
	if req.OnAttemptCreated != nil {
		req.OnAttemptCreated(id)
	}

	run := &attemptRun{
		o:       o,
		ctx:     ctx,
		log:     log,
		req:     req,
		adm:     adm,
		attempt: attempt,
	}
	fill3, runErr := run.legs()
	res.LegsCompleted = attempt.LegsCompleted

	if runErr != nil {
		o.fail(ctx, log, attempt, run, runErr)
		return finish(OutcomeFailed, runErr)
	}

	o.complete(ctx, log, attempt, fill3)
	res.Slippage = attempt.RealizedProfit.Sub(adm.Projection.ExpectedProfit)
	return finish(OutcomeCompleted, nil)
}

// attemptRun carries the mutable state of one attempt while its legs run.
type attemptRun struct {
	o       *Orchestrator
	ctx     context.Context
	log     *logrus.Entry
	req     ExecutionRequest
	adm     *Admission
	attempt *models.TradeAttempt

	residualAsset string
	residualQty   decimal.Decimal
}

func (r *attemptRun) legs() (models.Fill, error) {
	route := r.req.Route
	cfg := r.req.Config

	r.update(ledger.AttemptUpdate{Status: statusPtr(models.AttemptStatusExecuting)})

	// Leg 1: quote -> intermediate. Market buys may be sized in the quote asset.
	fill1, err := r.place(route.Leg(1), r.adm.Projection.IntermediateQty, r.req.Amount, r.req.Snapshot.Leg1)
	if err != nil {
		return models.Fill{}, err
	}
	r.accept(route.Leg(1), r.adm.Projection.IntermediateQty, r.req.Snapshot.Leg1, fill1)

	if err := r.pace(); err != nil {
		return models.Fill{}, err
	}

	// Leg 2: intermediate -> settlement. A bad fill here stops the attempt.
	qty2 := received(route.Leg(1), fill1)
	fill2, err := r.place(route.Leg(2), qty2, decimal.Zero, r.req.Snapshot.Leg2)
	if err != nil {
		return models.Fill{}, err
	}
	if slip := slippagePct(r.req.Snapshot.Leg2, fill2.ExecutedPrice); slip.GreaterThan(cfg.LegSlippageTolerancePct) {
		// the order did fill, so the exposure is now in the settlement asset
		r.residualAsset = route.Settlement
		r.residualQty = received(route.Leg(2), fill2)
		return models.Fill{}, &SlippageError{
			Leg:          2,
			Expected:     r.req.Snapshot.Leg2,
			Executed:     fill2.ExecutedPrice,
			SlippagePct:  slip,
			TolerancePct: cfg.LegSlippageTolerancePct,
		}
	}
	r.accept(route.Leg(2), qty2, r.req.Snapshot.Leg2, fill2)

	if err := r.pace(); err != nil {
		return models.Fill{}, err
	}

	// Leg 3: settlement -> quote. Closing the loop always wins over slippage.
	qty3 := received(route.Leg(2), fill2)
	fill3, err := r.place(route.Leg(3), qty3, decimal.Zero, r.req.Snapshot.Leg3)
	if err != nil {
		return models.Fill{}, err
	}
	if !fill3.ExecutedPrice.IsPositive() {
		return models.Fill{}, &LegError{Leg: 3, Symbol: route.Leg(3).Symbol, Err: ErrInvalidExecutedPrice}
	}
	if slip := slippagePct(r.req.Snapshot.Leg3, fill3.ExecutedPrice); slip.GreaterThan(cfg.LegSlippageTolerancePct) {
		r.log.WithFields(logrus.Fields{
			"leg":          3,
			"expected":     r.req.Snapshot.Leg3.String(),
			"executed":     fill3.ExecutedPrice.String(),
			"slippage_pct": slip.StringFixed(4),
		}).Warn("Leg 3 slippage above tolerance, closing position anyway")
	}
	r.accept(route.Leg(3), qty3, r.req.Snapshot.Leg3, fill3)

	return fill3, nil
}

// place submits one leg and validates the fill quantity.
func (r *attemptRun) place(leg models.LegSpec, qty, quoteAmount, expected decimal.Decimal) (models.Fill, error) {
	order := models.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Mode:     r.req.Mode,
	}
	if leg.Side == models.OrderSideBuy {
		order.QuoteAmount = quoteAmount
	}

	r.log.WithFields(logrus.Fields{
		"leg":      leg.Index,
		"symbol":   leg.Symbol,
		"side":     leg.Side,
		"quantity": qty.String(),
		"expected": expected.String(),
	}).Info("Placing leg order")

	fill, err := r.o.executor.Place(r.ctx, order, r.adm.Credentials)
	if err != nil {
		return models.Fill{}, &LegError{Leg: leg.Index, Symbol: leg.Symbol, Err: r.timeout(err)}
	}
	if !fill.ExecutedQty.IsPositive() {
		return models.Fill{}, &LegError{Leg: leg.Index, Symbol: leg.Symbol, Err: ErrInvalidExecutedQuantity}
	}
	if fill.Side == "" {
		fill.Side = leg.Side
	}
	return fill, nil
}

// accept appends a validated leg to the attempt and the ledger.
func (r *attemptRun) accept(leg models.LegSpec, requested, expected decimal.Decimal, fill models.Fill) {
	result := models.LegResult{
		LegIndex:      leg.Index,
		Symbol:        leg.Symbol,
		Side:          leg.Side,
		OrderID:       fill.OrderID,
		RequestedQty:  requested,
		ExecutedQty:   fill.ExecutedQty,
		ExecutedPrice: fill.ExecutedPrice,
		ExpectedPrice: expected,
		SlippagePct:   slippagePct(expected, fill.ExecutedPrice),
		FeeAmount:     fill.Fee.Amount,
		FeeAsset:      fill.Fee.Asset,
	}
	completed := leg.Index
	r.update(ledger.AttemptUpdate{
		AppendLegs:    []models.LegResult{result},
		LegsCompleted: &completed,
	})

	r.residualAsset = leg.To
	r.residualQty = received(leg, fill)

	r.log.WithFields(logrus.Fields{
		"leg":            leg.Index,
		"order_id":       fill.OrderID,
		"executed_qty":   fill.ExecutedQty.String(),
		"executed_price": fill.ExecutedPrice.String(),
		"fee":            fill.Fee.Amount.String(),
	}).Info("Leg filled")
}

// received is what a fill credits to the account: its proceeds less any fee
// the venue charged in the asset being received.
func received(leg models.LegSpec, fill models.Fill) decimal.Decimal {
	out := fill.Proceeds()
	if fill.Fee.Asset == leg.To && fill.Fee.Amount.IsPositive() {
		out = out.Sub(fill.Fee.Amount)
	}
	return out
}

func (r *attemptRun) pace() error {
	d := r.o.delay(r.req.Config.Delay(r.req.Mode))
	if err := r.o.sleep(r.ctx, d); err != nil {
		return r.timeout(err)
	}
	return nil
}

// update applies u to the in-memory attempt and writes it through. Only the
// initial create is fatal; intermediate write failures are logged.
func (r *attemptRun) update(u ledger.AttemptUpdate) {
	u.Apply(r.attempt)
	if err := r.o.ledger.Update(r.ctx, r.attempt.ID, u); err != nil {
		r.log.WithError(err).Error("Failed to update trade attempt")
	}
}

func (r *attemptRun) timeout(err error) error {
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrExecutionTimeout, err)
	}
	return err
}

func (o *Orchestrator) complete(ctx context.Context, log *logrus.Entry, attempt *models.TradeAttempt, fill3 models.Fill) {
	amount := attempt.RequestedAmount
	final := fill3.ExecutedQty.Mul(fill3.ExecutedPrice)
	profit := final.Sub(amount)
	profitPct := profit.Div(amount).Mul(hundred)
	fees := decimal.Zero
	for _, leg := range attempt.Legs {
		fees = fees.Add(leg.FeeAmount)
	}
	now := o.now()
	elapsed := now.Sub(attempt.CreatedAt)

	u := ledger.AttemptUpdate{
		Status:            statusPtr(models.AttemptStatusCompleted),
		RealizedProfit:    &profit,
		RealizedProfitPct: &profitPct,
		FeesPaid:          &fees,
		ExecutionTime:     &elapsed,
		CompletedAt:       &now,
	}
	o.terminal(ctx, log, attempt, u)

	log.WithFields(logrus.Fields{
		"realized_profit":     profit.String(),
		"realized_profit_pct": profitPct.StringFixed(4),
		"expected_profit":     attempt.ExpectedProfit.String(),
		"fees_paid":           fees.String(),
		"execution_time_ms":   elapsed.Milliseconds(),
	}).Info("Triangular trade completed")
}

func (o *Orchestrator) fail(ctx context.Context, log *logrus.Entry, attempt *models.TradeAttempt, run *attemptRun, cause error) {
	now := o.now()
	elapsed := now.Sub(attempt.CreatedAt)
	msg := cause.Error()
	u := ledger.AttemptUpdate{
		Status:        statusPtr(models.AttemptStatusFailed),
		ErrorMessage:  &msg,
		ExecutionTime: &elapsed,
		CompletedAt:   &now,
	}
	if run.residualAsset != "" {
		u.ResidualAsset = &run.residualAsset
		u.ResidualQty = &run.residualQty
	}
	o.terminal(ctx, log, attempt, u)

	entry := log.WithError(cause).WithFields(logrus.Fields{
		"legs_completed":    attempt.LegsCompleted,
		"execution_time_ms": elapsed.Milliseconds(),
	})
	if run.residualAsset != "" {
		entry.WithFields(logrus.Fields{
			"residual_asset": run.residualAsset,
			"residual_qty":   run.residualQty.String(),
		}).Error("Triangular trade failed with open exposure, manual unwind required")
		return
	}
	entry.Error("Triangular trade failed")
}

// terminal writes the final status. It survives cancellation of the attempt
// context; a write failure leaves the in-memory result unchanged.
func (o *Orchestrator) terminal(ctx context.Context, log *logrus.Entry, attempt *models.TradeAttempt, u ledger.AttemptUpdate) {
	u.Apply(attempt)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := o.ledger.Update(wctx, attempt.ID, u); err != nil {
		log.WithError(err).WithField("status", attempt.Status).Error("Failed to persist terminal trade status")
	}
}

func slippagePct(expected, executed decimal.Decimal) decimal.Decimal {
	if !expected.IsPositive() {
		return decimal.Zero
	}
	return executed.Sub(expected).Abs().Div(expected).Mul(hundred)
}

func statusPtr(s models.AttemptStatus) *models.AttemptStatus { return &s }

func randomDelay(r models.DelayRange) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min+1)
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
