/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Ledger-core entry point with graceful shutdown.
             Wires config → logger → storage → Redis →
             core → orchestrator (journal drain, Merkle
             anchor, vault sweep) → HTTP server with OS
             signal handling.
Root Cause:  Sprint task L040 — service entry point.
Context:     Entry point wiring the write and integrity
             pipeline behind one HTTP surface.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/broadcast"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/config"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/core"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/logger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/orchestrator"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/redisclient"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/router"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("expenseflow ledger-core starting")

	// Broadcast transport: Redis pub/sub when reachable, otherwise the
	// in-process bus feeding the websocket hub directly.
	hub := broadcast.NewHub(log)
	var publisher broadcast.Publisher
	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed — using in-process broadcast")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — using in-process broadcast")
	} else {
		publisher = broadcast.NewRedisPublisher(rc.Raw(), "", log)
		log.Info().Msg("redis connected — broadcasting over pub/sub")
	}
	if publisher == nil {
		bus := broadcast.NewMemory(log)
		go hub.Run(bus.Subscribe(256))
		publisher = bus
	}

	c, err := core.New(cfg, log, core.Options{Publisher: publisher})
	if err != nil {
		log.Fatal().Err(err).Msg("core init failed")
	}
	defer c.Close()

	// Background drainers.
	orch := orchestrator.New(log)
	c.RegisterTasks(orch)
	if err := orch.Start(); err != nil {
		log.Fatal().Err(err).Msg("orchestrator start failed")
	}

	r := router.New(cfg, log, c, hub)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ledger-core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	orch.Shutdown(cfg.GracefulTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ledger-core stopped gracefully")
	}
}
