package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gregtusar/triarb/internal/config"
	"github.com/gregtusar/triarb/pkg/feed"
	"github.com/gregtusar/triarb/pkg/ledger/postgres"
	"github.com/gregtusar/triarb/pkg/models"
	"github.com/gregtusar/triarb/pkg/secrets"
	"github.com/gregtusar/triarb/pkg/trader"
)

func newEvaluateCmd() *cobra.Command {
	var amount float64

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Fetch current prices once and evaluate every route without trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			scfg := cfg.StrategyConfig()
			if cmd.Flags().Changed("amount") {
				a, err := trader.AmountFromFloat(amount)
				if err != nil {
					return err
				}
				scfg.TradeAmount = a
			}

			routes := cfg.RoutesList()
			cache := feed.NewCache(0)
			svc := feed.NewService(cache, newBitgetClient(cfg), nil, routes, feedConfig(cfg), logger)
			if err := svc.RefreshTickers(ctx); err != nil {
				return err
			}
			if err := svc.RefreshAverages(ctx); err != nil {
				logger.WithError(err).Warn("Some moving averages are unavailable")
			}

			creds := secrets.NewStaticProvider(cfg.Credentials())
			tt := trader.NewTriangleTrader(cache, nil, nil, config.NewStrategyHolder(scfg), routes, 0, logger)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tPRICES\tPROFIT\tPROFIT %\tSIGNALS\tACTIONABLE\tGATE")
			for _, ev := range tt.EvaluateRoutes(scfg) {
				if !ev.Snapshot.Complete() {
					fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\tno data\n", ev.Route.Name)
					continue
				}

				p := trader.Project(scfg.TradeAmount, ev.Snapshot)
				signals, actionable := "-", false
				if ev.Opportunity != nil {
					signals = joinReasons(ev.Opportunity.Reasons)
					actionable = ev.Opportunity.IsActionable
				}

				gate := "admitted"
				if _, err := trader.NewGate(ev.Route, scfg, creds).Admit(ctx, scfg.TradeAmount, ev.Snapshot, scfg.Mode); err != nil {
					gate = err.Error()
				}

				fmt.Fprintf(w, "%s\t%s / %s / %s\t%s\t%s\t%s\t%t\t%s\n",
					ev.Route.Name,
					ev.Snapshot.Leg1, ev.Snapshot.Leg2, ev.Snapshot.Leg3,
					p.ExpectedProfit.StringFixed(4), p.ExpectedProfitPct.StringFixed(4),
					signals, actionable, gate)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Float64Var(&amount, "amount", 0, "trade amount in the quote asset (default from config)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Ledger.Backend != "postgres" {
				return fmt.Errorf("ledger backend is %q, nothing to migrate", cfg.Ledger.Backend)
			}

			pool, err := postgres.NewPool(cmd.Context(), cfg.Ledger.DSN, cfg.Ledger.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := pool.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

func joinReasons(rs models.ReasonSet) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
