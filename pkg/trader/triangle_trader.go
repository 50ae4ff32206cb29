package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

const DefaultEvaluationInterval = 5 * time.Second

// RouteEvaluation is the outcome of evaluating one route in one cycle.
// Opportunity is nil when the cycle had no data or nothing interesting.
type RouteEvaluation struct {
	Route       models.Route
	Snapshot    models.PriceSnapshot
	Opportunity *models.Opportunity
	NoData      bool
	Err         error
}

type Status struct {
	Running       bool
	Executing     bool
	Mode          models.Mode
	Routes        []string
	Cycles        int64
	LastCycleAt   time.Time
	LastEvaluated []RouteEvaluation
	LastResult    *ExecutionResult
}

// TriangleTrader runs the evaluation loop over every configured route and
// dispatches at most one execution at a time.
type TriangleTrader struct {
	feed          PriceFeed
	orchestrator  *Orchestrator
	opportunities ledger.OpportunityStore
	strategy      StrategySource
	routes        []models.Route
	interval      time.Duration
	logger        *logrus.Logger

	mu            sync.RWMutex
	running       bool
	cycles        int64
	lastCycleAt   time.Time
	lastEvaluated []RouteEvaluation
	lastResult    *ExecutionResult

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewTriangleTrader(feed PriceFeed, orchestrator *Orchestrator, opportunities ledger.OpportunityStore, strategy StrategySource, routes []models.Route, interval time.Duration, logger *logrus.Logger) *TriangleTrader {
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}
	return &TriangleTrader{
		feed:          feed,
		orchestrator:  orchestrator,
		opportunities: opportunities,
		strategy:      strategy,
		routes:        routes,
		interval:      interval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (tt *TriangleTrader) Start(ctx context.Context) error {
	if len(tt.routes) == 0 {
		return errors.New("no routes configured")
	}

	tt.mu.Lock()
	if tt.running {
		tt.mu.Unlock()
		return errors.New("triangle trader already running")
	}
	tt.running = true
	tt.mu.Unlock()

	tt.logger.WithFields(logrus.Fields{
		"routes":   len(tt.routes),
		"interval": tt.interval.String(),
	}).Info("Starting triangle trader")

	tt.wg.Add(1)
	go tt.evaluationLoop(ctx)

	return nil
}

// Stop ends the loop and waits for an in-flight attempt to finish persisting.
func (tt *TriangleTrader) Stop() {
	tt.stopOnce.Do(func() {
		tt.logger.Info("Stopping triangle trader")
		close(tt.stopCh)
	})
	tt.wg.Wait()

	tt.mu.Lock()
	tt.running = false
	tt.mu.Unlock()
}

func (tt *TriangleTrader) evaluationLoop(ctx context.Context) {
	defer tt.wg.Done()

	ticker := time.NewTicker(tt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tt.stopCh:
			return
		case <-ticker.C:
			tt.runCycle(ctx)
		}
	}
}

// runCycle evaluates all routes against one strategy snapshot, records the
// interesting ones and dispatches the first actionable one.
func (tt *TriangleTrader) runCycle(ctx context.Context) {
	cfg := tt.strategy.Strategy()
	evals := tt.EvaluateRoutes(cfg)

	tt.mu.Lock()
	tt.cycles++
	tt.lastCycleAt = time.Now().UTC()
	tt.lastEvaluated = evals
	tt.mu.Unlock()

	dispatched := false
	for _, ev := range evals {
		if ev.Opportunity == nil {
			continue
		}
		opp := ev.Opportunity

		oppID, err := tt.opportunities.Record(ctx, models.NewOpportunityRecord(opp, false, time.Now().UTC()))
		if err != nil {
			tt.logger.WithError(err).WithField("route", opp.Route.Name).Error("Failed to record opportunity")
		}

		log := tt.logger.WithFields(logrus.Fields{
			"route":          opp.Route.Name,
			"profit_pct":     opp.ExpectedProfitPct.StringFixed(4),
			"discrepancy":    opp.RateDiscrepancyPct.StringFixed(4),
			"actionable":     opp.IsActionable,
			"reasons":        opp.Reasons,
			"opportunity_id": oppID,
		})
		log.Info("Opportunity detected")

		if !opp.IsActionable || dispatched {
			continue
		}
		if tt.orchestrator.Busy() {
			log.Info("Skipping opportunity, execution in flight")
			continue
		}
		tt.dispatch(ctx, cfg, opp, oppID)
		dispatched = true
	}
}

// EvaluateRoutes runs the evaluator on every route without recording or
// executing anything.
func (tt *TriangleTrader) EvaluateRoutes(cfg models.StrategyConfig) []RouteEvaluation {
	out := make([]RouteEvaluation, 0, len(tt.routes))
	for _, route := range tt.routes {
		ev := RouteEvaluation{Route: route}

		snapshot, err := tt.feed.Snapshot(route)
		if err != nil {
			ev.NoData = true
			ev.Err = err
			tt.logger.WithError(err).WithField("route", route.Name).Debug("No price data for route")
			out = append(out, ev)
			continue
		}
		ev.Snapshot = snapshot

		mas := tt.feed.MovingAverages(route)
		opp, ok := NewEvaluator(route, cfg).Evaluate(snapshot, mas, cfg.TradeAmount)
		if ok {
			ev.Opportunity = opp
		} else if !snapshot.Complete() || !mas.Complete() {
			ev.NoData = true
		}
		out = append(out, ev)
	}
	return out
}

// dispatch starts the attempt in the background. Once a leg is sent the
// attempt must run to its own end, so it is detached from the loop's
// cancellation and bounded only by the execution timeout. Stop waits for it.
func (tt *TriangleTrader) dispatch(ctx context.Context, cfg models.StrategyConfig, opp *models.Opportunity, oppID string) {
	ctx = context.WithoutCancel(ctx)
	req := ExecutionRequest{
		Route:    opp.Route,
		Amount:   opp.Amount,
		Snapshot: opp.Snapshot,
		Mode:     cfg.Mode,
		Config:   cfg,
		OnAttemptCreated: func(attemptID string) {
			if oppID == "" {
				return
			}
			if err := tt.opportunities.LinkTrade(ctx, oppID, attemptID); err != nil {
				tt.logger.WithError(err).WithFields(logrus.Fields{
					"opportunity_id": oppID,
					"attempt_id":     attemptID,
				}).Warn("Failed to link opportunity to trade attempt")
			}
		},
	}

	tt.wg.Add(1)
	go func() {
		defer tt.wg.Done()

		res := tt.orchestrator.Execute(ctx, req)

		tt.mu.Lock()
		tt.lastResult = res
		tt.mu.Unlock()

		entry := tt.logger.WithFields(logrus.Fields{
			"route":          req.Route.Name,
			"outcome":        res.Outcome,
			"attempt_id":     res.AttemptID,
			"legs_completed": res.LegsCompleted,
			"elapsed_ms":     res.Elapsed.Milliseconds(),
		})
		switch res.Outcome {
		case OutcomeCompleted:
			entry.WithField("slippage", res.Slippage.String()).Info("Execution finished")
		case OutcomeRejected:
			entry.WithField("reason", rejectReason(res.Err)).WithError(res.Err).Info("Execution rejected")
		default:
			entry.WithError(res.Err).Warn("Execution did not complete")
		}
	}()
}

// ExecuteRoute runs one attempt on the named route at the current prices and
// waits for it. It shares the in-flight guard with the loop, so it is rejected
// while another attempt is running.
func (tt *TriangleTrader) ExecuteRoute(ctx context.Context, name string, amount decimal.Decimal) (*ExecutionResult, error) {
	var route models.Route
	found := false
	for _, r := range tt.routes {
		if r.Name == name {
			route, found = r, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, name)
	}

	snapshot, err := tt.feed.Snapshot(route)
	if err != nil {
		return nil, err
	}

	cfg := tt.strategy.Strategy()
	tt.wg.Add(1)
	defer tt.wg.Done()

	res := tt.orchestrator.Execute(context.WithoutCancel(ctx), ExecutionRequest{
		Route:    route,
		Amount:   amount,
		Snapshot: snapshot,
		Mode:     cfg.Mode,
		Config:   cfg,
	})

	tt.mu.Lock()
	tt.lastResult = res
	tt.mu.Unlock()

	tt.logger.WithFields(logrus.Fields{
		"route":          route.Name,
		"amount":         amount.String(),
		"outcome":        res.Outcome,
		"attempt_id":     res.AttemptID,
		"legs_completed": res.LegsCompleted,
	}).Info("Manual execution finished")
	return res, nil
}

func (tt *TriangleTrader) Status() Status {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	names := make([]string, 0, len(tt.routes))
	for _, r := range tt.routes {
		names = append(names, r.Name)
	}
	return Status{
		Running:       tt.running,
		Executing:     tt.orchestrator.Busy(),
		Mode:          tt.strategy.Strategy().Mode,
		Routes:        names,
		Cycles:        tt.cycles,
		LastCycleAt:   tt.lastCycleAt,
		LastEvaluated: append([]RouteEvaluation(nil), tt.lastEvaluated...),
		LastResult:    tt.lastResult,
	}
}
