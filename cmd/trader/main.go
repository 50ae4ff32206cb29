package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/triarb/api"
	"github.com/gregtusar/triarb/internal/config"
	"github.com/gregtusar/triarb/pkg/bitget"
	"github.com/gregtusar/triarb/pkg/execution"
	"github.com/gregtusar/triarb/pkg/feed"
	"github.com/gregtusar/triarb/pkg/models"
	"github.com/gregtusar/triarb/pkg/trader"
)

var (
	cfgFile string
	live    bool
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "triarb",
		Short:         "Triangular arbitrage trader",
		Long:          `Evaluates quote -> intermediate -> settlement -> quote triangles on Bitget spot and executes the actionable ones`,
		RunE:          runTrader,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&live, "live", false, "trade with real orders (overrides mode in config)")

	rootCmd.AddCommand(newEvaluateCmd(), newMigrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and the logger shared by every command.
func setup() (*config.Config, func(), error) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if live {
		cfg.Mode = string(models.ModeLive)
	}

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	cleanup := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
		cleanup = func() { _ = f.Close() }
	}
	return cfg, cleanup, nil
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	routes := cfg.RoutesList()
	client := newBitgetClient(cfg)
	cache := feed.NewCache(cfg.Feed.MaxPriceAge)

	var stream feed.Stream
	if cfg.Feed.WebSocket {
		stream = bitget.NewTickerStream(cfg.Bitget.WebSocketURL, feed.Symbols(routes), cache.UpdateTicker, logger)
	}
	feedService := feed.NewService(cache, client, stream, routes, feedConfig(cfg), logger)

	executor := &execution.Router{
		Demo: execution.NewDemoExecutor(cache, demoConfig(cfg), logger),
		Live: execution.NewLiveExecutor(client, cfg.Bitget.OrderPollInterval, logger),
	}
	orchestrator := trader.NewOrchestrator(executor, deps.credentials, deps.trades, deps.guard, logger)

	strategy := config.NewStrategyHolder(cfg.StrategyConfig())
	if err := cfg.Watch(logger, func(c *config.Config) {
		if live {
			c.Mode = string(models.ModeLive)
		}
		strategy.Store(c.StrategyConfig())
	}); err != nil {
		logger.WithError(err).Info("Config hot reload disabled")
	}

	triangleTrader := trader.NewTriangleTrader(cache, orchestrator, deps.opportunities, strategy, routes, cfg.Strategy.EvaluationInterval, logger)
	balances := execution.NewBalances(client, deps.credentials, func() string { return strategy.Strategy().UserID })
	apiServer := api.NewServer(triangleTrader, deps.trades, deps.opportunities, logger, strconv.Itoa(cfg.Server.Port), cfg.Server.JWTSecret,
		api.WithExecutor(triangleTrader), api.WithBalances(balances))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feedService.Run(gctx)
	})
	g.Go(func() error {
		if err := triangleTrader.Start(gctx); err != nil {
			return fmt.Errorf("failed to start triangle trader: %w", err)
		}
		<-gctx.Done()
		triangleTrader.Stop()
		return nil
	})
	g.Go(func() error {
		return apiServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"mode":   cfg.Mode,
		"routes": len(routes),
		"ledger": cfg.Ledger.Backend,
	}).Info("Triangle trader is running. Press Ctrl+C to stop.")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Trader exited with error")
		return err
	}

	logger.Info("Triangle trader stopped")
	return nil
}

func newBitgetClient(cfg *config.Config) *bitget.Client {
	return bitget.NewClient(cfg.Bitget.BaseURL, bitget.WithRateLimit(cfg.Bitget.RateLimit, cfg.Bitget.RateBurst))
}

func feedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		TickerInterval:  cfg.Feed.TickerInterval,
		AverageInterval: cfg.Feed.AverageInterval,
		MAPeriod:        cfg.Feed.MAPeriod,
		MAGranularity:   cfg.Feed.MAGranularity,
	}
}

func demoConfig(cfg *config.Config) execution.DemoConfig {
	dc := execution.DefaultDemoConfig()
	dc.SlippagePct = decimal.NewFromFloat(cfg.Demo.SlippagePct)
	dc.FeeRate = decimal.NewFromFloat(cfg.Demo.FeeRate)
	dc.MinLatency = cfg.Demo.MinLatency
	dc.MaxLatency = cfg.Demo.MaxLatency

	// every route's quote and settlement asset can be a symbol suffix
	for _, r := range cfg.RoutesList() {
		dc.QuoteAssets = append(dc.QuoteAssets, r.Quote, r.Settlement)
	}
	return dc
}
