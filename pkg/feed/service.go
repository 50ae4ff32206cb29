package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/triarb/pkg/models"
)

// MarketData is the REST surface the service polls.
type MarketData interface {
	GetTickers(ctx context.Context, symbols ...string) ([]models.Ticker, error)
	GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]models.Candle, error)
}

// Stream pushes tickers into the cache between polls.
type Stream interface {
	Run(ctx context.Context) error
}

type Config struct {
	TickerInterval  time.Duration
	AverageInterval time.Duration
	MAPeriod        int
	MAGranularity   string
}

func DefaultConfig() Config {
	return Config{
		TickerInterval:  5 * time.Second,
		AverageInterval: 30 * time.Minute,
		MAPeriod:        DefaultMAPeriod,
		MAGranularity:   DefaultMAGranularity,
	}
}

// Service keeps a Cache populated for a fixed set of symbols.
type Service struct {
	cache   *Cache
	market  MarketData
	stream  Stream
	symbols []string
	cfg     Config
	logger  *logrus.Logger
}

// NewService builds a feed for the union of every route's leg symbols.
// stream may be nil, in which case only REST polling keeps prices fresh.
func NewService(cache *Cache, market MarketData, stream Stream, routes []models.Route, cfg Config, logger *logrus.Logger) *Service {
	return &Service{
		cache:   cache,
		market:  market,
		stream:  stream,
		symbols: Symbols(routes),
		cfg:     cfg,
		logger:  logger,
	}
}

// Symbols returns the distinct leg symbols of routes in first-seen order.
func Symbols(routes []models.Route) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range routes {
		for _, s := range r.Symbols() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func (s *Service) Cache() *Cache {
	return s.cache
}

// Run loads an initial snapshot and then keeps the cache fresh until ctx is
// cancelled. Initial load failures are logged, not fatal: the evaluator
// treats missing prices as no data.
func (s *Service) Run(ctx context.Context) error {
	if err := s.RefreshTickers(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial ticker load failed")
	}
	if err := s.RefreshAverages(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial moving average load failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, s.cfg.TickerInterval, "tickers", s.RefreshTickers)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.AverageInterval, "moving averages", s.RefreshAverages)
		return nil
	})
	if s.stream != nil {
		g.Go(func() error {
			return s.stream.Run(ctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) every(ctx context.Context, interval time.Duration, what string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warnf("Failed to refresh %s", what)
			}
		}
	}
}

func (s *Service) RefreshTickers(ctx context.Context) error {
	tickers, err := s.market.GetTickers(ctx, s.symbols...)
	if err != nil {
		return fmt.Errorf("fetch tickers: %w", err)
	}
	for _, t := range tickers {
		s.cache.UpdateTicker(t)
	}
	return nil
}

// RefreshAverages recomputes the moving average of every symbol. A symbol
// whose candles cannot be fetched keeps its previous average.
func (s *Service) RefreshAverages(ctx context.Context) error {
	var failed int
	for _, sym := range s.symbols {
		candles, err := s.market.GetCandles(ctx, sym, s.cfg.MAGranularity, s.cfg.MAPeriod)
		if err != nil {
			failed++
			s.logger.WithError(err).WithField("symbol", sym).Warn("Failed to fetch candles")
			continue
		}
		ma := SimpleMovingAverage(candles, s.cfg.MAPeriod)
		s.cache.SetAverage(sym, ma)

		fields := logrus.Fields{"symbol": sym, "candles": len(candles)}
		if ma.Valid {
			fields["ma"] = ma.Decimal.String()
		}
		s.logger.WithFields(fields).Debug("Moving average refreshed")
	}
	if failed > 0 {
		return fmt.Errorf("moving averages unavailable for %d of %d symbols", failed, len(s.symbols))
	}
	return nil
}
