package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/bitget"
	"github.com/gregtusar/triarb/pkg/models"
)

var ErrOrderNotFilled = errors.New("order not filled")

// Venue is the subset of the Bitget client the live executor needs.
type Venue interface {
	PlaceMarketOrder(ctx context.Context, creds *models.Credentials, req models.OrderRequest, clientOid string) (string, error)
	GetOrder(ctx context.Context, creds *models.Credentials, orderID string) (*bitget.OrderInfo, error)
}

// LiveExecutor places a real market order and polls until it is filled.
type LiveExecutor struct {
	venue        Venue
	pollInterval time.Duration
	logger       *logrus.Logger
}

func NewLiveExecutor(venue Venue, pollInterval time.Duration, logger *logrus.Logger) *LiveExecutor {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &LiveExecutor{venue: venue, pollInterval: pollInterval, logger: logger}
}

func (e *LiveExecutor) Place(ctx context.Context, req models.OrderRequest, creds *models.Credentials) (models.Fill, error) {
	if !creds.Complete() {
		return models.Fill{}, bitget.ErrUnauthenticated
	}

	orderID, err := e.venue.PlaceMarketOrder(ctx, creds, req, uuid.NewString())
	if err != nil {
		return models.Fill{}, fmt.Errorf("place %s %s: %w", req.Side, req.Symbol, err)
	}
	log := e.logger.WithFields(logrus.Fields{"symbol": req.Symbol, "order_id": orderID})
	log.Info("Live order placed")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		info, err := e.venue.GetOrder(ctx, creds, orderID)
		if err != nil {
			log.WithError(err).Warn("Failed to query order")
		} else {
			switch info.Status {
			case models.OrderStatusFilled:
				return models.Fill{
					OrderID:       orderID,
					Symbol:        req.Symbol,
					Side:          req.Side,
					ExecutedQty:   info.BaseVolume,
					ExecutedPrice: info.PriceAvg,
					Fee:           info.Fee,
				}, nil
			case models.OrderStatusCancelled:
				return models.Fill{}, fmt.Errorf("order %s: %w (cancelled)", orderID, ErrOrderNotFilled)
			}
		}

		select {
		case <-ctx.Done():
			return models.Fill{}, fmt.Errorf("order %s: %w", orderID, ctx.Err())
		case <-ticker.C:
		}
	}
}
