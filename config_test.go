package main

import (
    "os"
    "testing"
    "time"

    "github.com/ExpenseFlowDev/expenseflow/services/ledgercore/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
    os.Setenv("JOURNAL_DRAIN_INTERVAL_MS", "5000")
    os.Setenv("JOURNAL_BATCH_SIZE", "25")
    os.Setenv("VAULT_MASTER_SECRET", "s3cret")
    os.Setenv("ENV", "test")
    defer func() {
        os.Unsetenv("JOURNAL_DRAIN_INTERVAL_MS")
        os.Unsetenv("JOURNAL_BATCH_SIZE")
        os.Unsetenv("VAULT_MASTER_SECRET")
        os.Unsetenv("ENV")
    }()

    cfg := config.Load()
    if cfg.JournalDrainInterval != 5*time.Second {
        t.Fatalf("expected 5s drain interval, got %s", cfg.JournalDrainInterval)
    }
    if cfg.JournalBatchSize != 25 {
        t.Fatalf("expected batch size 25, got %d", cfg.JournalBatchSize)
    }
    if cfg.VaultMasterSecret != "s3cret" {
        t.Fatalf("expected vault secret to be loaded, got %s", cfg.VaultMasterSecret)
    }
    if cfg.Env != "test" {
        t.Fatalf("expected ENV=test, got %s", cfg.Env)
    }
}

func TestLoadConfigDefaults(t *testing.T) {
    cfg := config.Load()
    if cfg.JournalMaxRetries != 5 {
        t.Fatalf("expected default max retries 5, got %d", cfg.JournalMaxRetries)
    }
    if cfg.AnchorCronExpr != "0 2 * * *" {
        t.Fatalf("unexpected default anchor cron: %s", cfg.AnchorCronExpr)
    }
    if !cfg.QuarantineOnCorruption {
        t.Fatal("expected quarantine on corruption by default")
    }
}
