package main

import (
	"context"
	"fmt"

	"github.com/gregtusar/triarb/internal/config"
	"github.com/gregtusar/triarb/pkg/guard"
	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/ledger/memory"
	"github.com/gregtusar/triarb/pkg/ledger/postgres"
	"github.com/gregtusar/triarb/pkg/secrets"
)

// deps holds the stateful collaborators whose backend is chosen by config.
type deps struct {
	trades        ledger.TradeLedger
	opportunities ledger.OpportunityStore
	guard         guard.Guard
	credentials   secrets.Provider

	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}
	if err := d.buildLedger(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.buildGuard(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.buildCredentials(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) buildLedger(ctx context.Context, cfg *config.Config) error {
	lc := cfg.Ledger
	if lc.Backend != "postgres" {
		trades, err := memory.NewTradeLedger(lc.AttemptRetention)
		if err != nil {
			return err
		}
		opps, err := memory.NewOpportunityStore(lc.OpportunityRetention)
		if err != nil {
			return err
		}
		d.trades, d.opportunities = trades, opps
		return nil
	}

	pool, err := postgres.NewPool(ctx, lc.DSN, lc.MaxConns)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, pool.Close)

	applied, err := pool.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	logger.WithField("migrations", applied).Info("Ledger schema up to date")

	trades, err := postgres.NewTradeLedger(pool, lc.AttemptRetention)
	if err != nil {
		return err
	}
	opps, err := postgres.NewOpportunityStore(pool, lc.OpportunityRetention)
	if err != nil {
		return err
	}
	d.trades, d.opportunities = trades, opps
	return nil
}

func (d *deps) buildGuard(ctx context.Context, cfg *config.Config) error {
	local := guard.NewLocal()
	if !cfg.Redis.Enabled {
		d.guard = local
		return nil
	}

	rc := cfg.Redis
	redisGuard, err := guard.NewRedis(ctx, guard.RedisConfig{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		TLSEnabled: rc.TLSEnabled,
		Key:        rc.LockKey,
		TTL:        rc.LockTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect in-flight lock: %w", err)
	}
	d.closers = append(d.closers, func() { _ = redisGuard.Close() })

	// local first so a busy process never touches redis
	d.guard = guard.Chain{local, redisGuard}
	return nil
}

func (d *deps) buildCredentials(ctx context.Context, cfg *config.Config) error {
	chain := secrets.Chain{secrets.NewStaticProvider(cfg.Credentials())}

	if cfg.GCP.UseSecrets && cfg.GCP.ProjectID != "" {
		sm, err := secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, cfg.GCP.CredentialsFile, logger)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, func() { _ = sm.Close() })
		chain = append(chain, secrets.NewGCPProvider(sm, cfg.GCP.SecretNames, cfg.GCP.CacheTTL))
	}

	d.credentials = chain
	return nil
}
