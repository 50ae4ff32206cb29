package trader

import (
	"context"

	"github.com/gregtusar/triarb/pkg/models"
)

// OrderExecutor places a single market order and reports its fill. Demo and
// live implementations return the same shape.
type OrderExecutor interface {
	Place(ctx context.Context, req models.OrderRequest, creds *models.Credentials) (models.Fill, error)
}

// CredentialProvider is consulted only in live mode.
type CredentialProvider interface {
	Get(ctx context.Context, userID string) (*models.Credentials, error)
}

// PriceFeed exposes the latest prices per route. An error means the cycle
// has no data.
type PriceFeed interface {
	Snapshot(route models.Route) (models.PriceSnapshot, error)
	MovingAverages(route models.Route) models.MovingAverages
}

// InFlightGuard admits at most one execution at a time. ok is false when
// another execution holds the guard.
type InFlightGuard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
	Busy() bool
}

// StrategySource yields the strategy parameters in effect right now.
type StrategySource interface {
	Strategy() models.StrategyConfig
}
