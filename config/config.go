/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Ledger-core configuration: journal drain cadence
             and batch size, retry budget, anchor and vault
             sweep schedules, tenant parallelism, quarantine
             policy, storage path, Redis URL, and server
             settings — all from environment variables with
             an optional .env file.
Root Cause:  The core needs one configuration surface for the
             drainers, the integrity loop, and the glue layer.
Context:     Loaded once in main and threaded through every
             constructor; tests build Config values directly.
Suitability: L4 model used for security-critical config design.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all ledger-core configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	MaxBodyBytes    int64

	// Storage — empty DataDir selects the in-memory backend.
	DataDir string

	// Redis (broadcast fan-out)
	RedisURL string

	// Journal
	JournalDrainInterval time.Duration
	JournalBatchSize     int
	JournalMaxRetries    int

	// Anchoring
	AnchorCronExpr string

	// Vault
	VaultMasterSecret string
	VaultSweepCron    string
	VaultKeyCacheSize int

	// Concurrency
	TenantParallelism int

	// Ledger
	QuarantineOnCorruption bool

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file.
//
// Environment variable mapping for the recognized options:
//
//	JOURNAL_DRAIN_INTERVAL_MS        journal.drainIntervalMs       (default 30000)
//	JOURNAL_BATCH_SIZE               journal.batchSize             (default 50)
//	JOURNAL_MAX_RETRIES              journal.maxRetries            (default 5)
//	ANCHOR_CRON_EXPR                 anchor.cronExpr               (default "0 2 * * *")
//	VAULT_MASTER_SECRET              vault.masterSecret            (required in production)
//	VAULT_SWEEP_CRON_EXPR            vault.sweepCronExpr           (default "30 3 * * *")
//	TENANT_PARALLELISM               tenantParallelism             (default CPU count)
//	LEDGER_QUARANTINE_ON_CORRUPTION  ledger.quarantineOnCorruption (default true)
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("LEDGERCORE_GRACEFUL_TIMEOUT_SEC", 15)
	drainMs := getEnvInt("JOURNAL_DRAIN_INTERVAL_MS", 30000)

	cfg := &Config{
		Addr:            getEnv("LEDGERCORE_ADDR", ":8090"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("LEDGERCORE_MAX_BODY_BYTES", 1*1024*1024)),

		DataDir:  getEnv("LEDGERCORE_DATA_DIR", ""),
		RedisURL: getEnv("REDIS_URL", "redis://redis:6379"),

		JournalDrainInterval: time.Duration(drainMs) * time.Millisecond,
		JournalBatchSize:     getEnvInt("JOURNAL_BATCH_SIZE", 50),
		JournalMaxRetries:    getEnvInt("JOURNAL_MAX_RETRIES", 5),

		AnchorCronExpr: getEnv("ANCHOR_CRON_EXPR", "0 2 * * *"),

		VaultMasterSecret: getEnv("VAULT_MASTER_SECRET", ""),
		VaultSweepCron:    getEnv("VAULT_SWEEP_CRON_EXPR", "30 3 * * *"),
		VaultKeyCacheSize: getEnvInt("VAULT_KEY_CACHE_SIZE", 256),

		TenantParallelism: getEnvInt("TENANT_PARALLELISM", runtime.NumCPU()),

		QuarantineOnCorruption: getEnvBool("LEDGER_QUARANTINE_ON_CORRUPTION", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
