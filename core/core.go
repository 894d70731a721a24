/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Process-wide core handle. Constructed once at
             startup, it owns the storage backend, ledger,
             journal, entity store, vault, anchor worker,
             funds engine, and alert pipeline, and registers
             the background drainers with the orchestrator.
             Tests instantiate fresh cores per case instead
             of sharing module-level singletons.
Root Cause:  Sprint task L000 — composition root.
Context:     One-way dependency order: ledger ← interceptor ←
             entity store ← journal ← orchestrator.
Suitability: L3 — system wiring.
──────────────────────────────────────────────────────────────
*/

package core

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/anchor"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/broadcast"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/config"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/funds"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/interceptor"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/journal"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/locking"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/notify"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/observability"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/orchestrator"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/vault"
)

// Options overrides construction defaults. Zero values pick the config-
// driven defaults (publisher from Redis wiring in main, backend from
// DataDir, log sink for alerts).
type Options struct {
	Backend   storage.Backend
	Publisher broadcast.Publisher
	AlertSink notify.Sink
}

// Core is the process-wide handle over the write and integrity pipeline.
type Core struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Backend storage.Backend

	Ledger      *ledger.Ledger
	Journal     *journal.Journal
	Entities    *entity.Store
	Registry    *entity.Registry
	Vault       *vault.Vault
	Sweeper     *vault.Sweeper
	Anchors     *anchor.Worker
	Funds       *funds.Engine
	Interceptor *interceptor.Interceptor
	Publisher   broadcast.Publisher
	Alerts      *notify.Pipeline
	Metrics     *observability.Metrics

	ownsBackend bool
}

// New assembles a Core from config.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Core, error) {
	backend := opts.Backend
	ownsBackend := false
	if backend == nil {
		if cfg.DataDir != "" {
			db, err := storage.OpenLevelDB(cfg.DataDir)
			if err != nil {
				return nil, err
			}
			backend = db
		} else {
			backend = storage.NewMemory()
			logger.Warn().Msg("no data dir configured — using in-memory storage")
		}
		ownsBackend = true
	}

	masterSecret := cfg.VaultMasterSecret
	if masterSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("core: VAULT_MASTER_SECRET is required in production")
		}
		masterSecret = "ledgercore-dev-only-secret"
		logger.Warn().Msg("vault master secret not set — using development default")
	}
	v, err := vault.New(masterSecret, cfg.VaultKeyCacheSize)
	if err != nil {
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = broadcast.NewMemory(logger)
	}

	sink := opts.AlertSink
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}
	alerts := notify.NewPipeline(logger, sink)
	alerts.Start(context.Background())

	metrics := observability.NewMetrics(logger)
	l := ledger.New(backend, locking.NewKeyedMutex(), logger, cfg.QuarantineOnCorruption)
	registry := entity.DefaultRegistry()
	ic := interceptor.New(l, v, registry, publisher, logger).WithMetrics(metrics)
	store := entity.NewStore(backend, registry, ic, logger)
	j := journal.New(backend, store, alerts, logger, journal.Options{
		MaxRetries:        cfg.JournalMaxRetries,
		TenantParallelism: cfg.TenantParallelism,
		Metrics:           metrics,
	})
	anchors := anchor.NewWorker(backend, l, alerts, logger)
	sweeper := vault.NewSweeper(backend, v, store, logger)

	return &Core{
		Config:      cfg,
		Logger:      logger,
		Backend:     backend,
		Ledger:      l,
		Journal:     j,
		Entities:    store,
		Registry:    registry,
		Vault:       v,
		Sweeper:     sweeper,
		Anchors:     anchors,
		Funds:       funds.NewEngine(ic, logger),
		Interceptor: ic,
		Publisher:   publisher,
		Alerts:      alerts,
		Metrics:     metrics,
		ownsBackend: ownsBackend,
	}, nil
}

// Tenants lists every tenant with ledger activity.
func (c *Core) Tenants() ([]string, error) {
	var out []string
	err := c.Backend.Scan("ledgerhead/", func(key string, _ []byte) (bool, error) {
		out = append(out, strings.TrimPrefix(key, "ledgerhead/"))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterTasks wires the background drainers into the orchestrator:
// journal drain on its interval, Merkle anchoring and the vault sweep on
// their cron schedules.
func (c *Core) RegisterTasks(o *orchestrator.Orchestrator) {
	o.Register(orchestrator.Task{
		Name:     "journal_drain",
		Interval: c.Config.JournalDrainInterval,
		Run: func(ctx context.Context) error {
			start := time.Now()
			n, err := c.Journal.Drain(ctx, c.Config.JournalBatchSize)
			if err != nil {
				return err
			}
			c.Metrics.TrackDrain(n, float64(time.Since(start).Milliseconds()))
			return nil
		},
	})

	o.Register(orchestrator.Task{
		Name:     "merkle_anchor",
		CronExpr: c.Config.AnchorCronExpr,
		Run:      c.AnchorAllTenants,
	})

	o.Register(orchestrator.Task{
		Name:     "vault_sweep",
		CronExpr: c.Config.VaultSweepCron,
		Run: func(ctx context.Context) error {
			migrated, err := c.Sweeper.Run(ctx)
			c.Metrics.TrackVaultSweep(migrated)
			return err
		},
	})
}

// AnchorAllTenants runs the anchor worker over every tenant, bounded by
// the configured parallelism. A failing tenant does not stop the rest.
func (c *Core) AnchorAllTenants(ctx context.Context) error {
	tenants, err := c.Tenants()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Config.TenantParallelism)

	var anchored int64
	for _, tenantID := range tenants {
		tenantID := tenantID
		g.Go(func() error {
			a, err := c.Anchors.RunTenant(gctx, tenantID)
			if err != nil {
				// Isolated: log and continue with the other tenants.
				c.Logger.Error().Err(err).Str("tenant", tenantID).Msg("anchor run failed")
				return nil
			}
			if a != nil {
				atomic.AddInt64(&anchored, int64(a.EventCount))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.Metrics.TrackAnchorRun(int(atomic.LoadInt64(&anchored)))
	return nil
}

// Close releases the core's resources.
func (c *Core) Close() {
	c.Alerts.Stop()
	if err := c.Publisher.Close(); err != nil {
		c.Logger.Warn().Err(err).Msg("close publisher")
	}
	if c.ownsBackend {
		if err := c.Backend.Close(); err != nil {
			c.Logger.Warn().Err(err).Msg("close storage backend")
		}
	}
}
