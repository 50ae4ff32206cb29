package trader

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/triarb/pkg/models"
)

// Admission is the gate's acceptance: the modeled projection the attempt is
// measured against and, in live mode, the credentials to trade with.
type Admission struct {
	Mode        models.Mode
	Projection  Projection
	Credentials *models.Credentials
}

// Gate runs the pre-trade checks for one route under one strategy snapshot.
type Gate struct {
	route       models.Route
	cfg         models.StrategyConfig
	credentials CredentialProvider
}

func NewGate(route models.Route, cfg models.StrategyConfig, credentials CredentialProvider) *Gate {
	return &Gate{route: route, cfg: cfg, credentials: credentials}
}

// Admit checks, in order: amount, minimum, price presence, price bands,
// expected loss, and (live only) credentials. The first failure is returned
// as a *GateError.
func (g *Gate) Admit(ctx context.Context, amount decimal.Decimal, snapshot models.PriceSnapshot, mode models.Mode) (*Admission, error) {
	if !amount.IsPositive() {
		return nil, &GateError{Reason: ReasonInvalidAmount, Detail: amount.String()}
	}
	if amount.LessThan(g.cfg.MinTradeAmount) {
		return nil, &GateError{Reason: ReasonBelowMinimum,
			Detail: fmt.Sprintf("%s < %s", amount, g.cfg.MinTradeAmount)}
	}
	if !snapshot.Complete() {
		return nil, &GateError{Reason: ReasonMissingPriceData}
	}
	for i := 1; i <= 3; i++ {
		band := g.route.Bands[i-1]
		if p := snapshot.Price(i); !band.Contains(p) {
			return nil, &GateError{Reason: ReasonStalePrice,
				Detail: fmt.Sprintf("%s price %s outside [%s, %s]", g.route.Leg(i).Pair, p, band.Min, band.Max)}
		}
	}

	proj := Project(amount, snapshot)
	tolerance := g.cfg.LossTolerance(mode)
	if proj.ExpectedProfit.LessThan(tolerance.Neg()) {
		return nil, &GateError{Reason: ReasonExpectedLossTooHigh,
			Detail: fmt.Sprintf("expected %s below -%s (%s)", proj.ExpectedProfit, tolerance, mode)}
	}

	adm := &Admission{Mode: mode, Projection: proj}
	if mode != models.ModeLive {
		return adm, nil
	}

	if g.credentials == nil {
		return nil, &GateError{Reason: ReasonCredentialsRequired, Detail: "no credential provider"}
	}
	creds, err := g.credentials.Get(ctx, g.cfg.UserID)
	if err != nil {
		return nil, &GateError{Reason: ReasonCredentialsRequired, Err: err}
	}
	if !creds.Complete() {
		return nil, &GateError{Reason: ReasonCredentialsRequired, Detail: "incomplete credential bundle"}
	}
	adm.Credentials = creds
	return adm, nil
}

// AmountFromFloat converts a user-supplied float amount, rejecting values
// that have no decimal representation.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &GateError{Reason: ReasonInvalidAmount, Detail: fmt.Sprint(f)}
	}
	return decimal.NewFromFloat(f), nil
}
