// Package config loads ProofVault's runtime configuration from environment
// variables, the way certenIO's validator service does: a flat struct
// populated by typed env-var helpers with defaults, validated in one pass
// that aggregates every problem instead of failing on the first.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ProofVault engine.
type Config struct {
	// Database
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Ledger (§6 of the spec)
	LedgerBaseURL          string
	LedgerAPIKey           string
	LedgerOrgID            string
	LedgerTenantID         string
	LedgerSubmitDeadlineMs int
	LedgerMaxAttempts      int
	LedgerCircuitThreshold int
	LedgerCircuitOpenMs    int

	// Confirmation engine
	ConfirmationPollInitialMs   int
	ConfirmationPollCeilingMs   int
	ConfirmationTotalDeadlineMs int

	// Registration
	RegistrationMaxBytes int64

	// KeyStore
	KeystorePath string

	// Workers
	WorkersPoolSize int

	// HTTP edge
	ListenAddr string
}

// Load reads configuration from environment variables, all prefixed
// PROOFVAULT_, with production-sane defaults for everything except the
// database URL, the ledger base URL and the ledger credentials, which have
// no default and must be set explicitly.
func Load() *Config {
	return &Config{
		DatabaseURL:         getEnv("PROOFVAULT_DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("PROOFVAULT_DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("PROOFVAULT_DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("PROOFVAULT_DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("PROOFVAULT_DATABASE_MAX_LIFETIME", 3600),

		LedgerBaseURL:          getEnv("PROOFVAULT_LEDGER_BASE_URL", ""),
		LedgerAPIKey:           getEnv("PROOFVAULT_LEDGER_API_KEY", ""),
		LedgerOrgID:            getEnv("PROOFVAULT_LEDGER_ORG_ID", ""),
		LedgerTenantID:         getEnv("PROOFVAULT_LEDGER_TENANT_ID", ""),
		LedgerSubmitDeadlineMs: getEnvInt("PROOFVAULT_LEDGER_SUBMIT_DEADLINE_MS", 30000),
		LedgerMaxAttempts:      getEnvInt("PROOFVAULT_LEDGER_MAX_ATTEMPTS", 3),
		LedgerCircuitThreshold: getEnvInt("PROOFVAULT_LEDGER_CIRCUIT_THRESHOLD", 5),
		LedgerCircuitOpenMs:    getEnvInt("PROOFVAULT_LEDGER_CIRCUIT_OPEN_MS", 30000),

		ConfirmationPollInitialMs:   getEnvInt("PROOFVAULT_CONFIRMATION_POLL_INITIAL_MS", 2000),
		ConfirmationPollCeilingMs:   getEnvInt("PROOFVAULT_CONFIRMATION_POLL_CEILING_MS", 60000),
		ConfirmationTotalDeadlineMs: getEnvInt("PROOFVAULT_CONFIRMATION_TOTAL_DEADLINE_MS", 900000),

		RegistrationMaxBytes: getEnvInt64("PROOFVAULT_REGISTRATION_MAX_BYTES", 10*1024*1024),

		KeystorePath: getEnv("PROOFVAULT_KEYSTORE_PATH", "./data/signer.json"),

		WorkersPoolSize: getEnvInt("PROOFVAULT_WORKERS_POOL_SIZE", defaultPoolSize()),

		ListenAddr: getEnv("PROOFVAULT_LISTEN_ADDR", "0.0.0.0:8080"),
	}
}

// Validate aggregates every missing or invalid required field instead of
// failing on the first, mirroring the teacher's own Validate().
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "PROOFVAULT_DATABASE_URL is required but not set")
	}
	if c.LedgerBaseURL == "" {
		problems = append(problems, "PROOFVAULT_LEDGER_BASE_URL is required but not set")
	}
	if c.LedgerAPIKey == "" {
		problems = append(problems, "PROOFVAULT_LEDGER_API_KEY is required but not set")
	}
	if c.LedgerOrgID == "" {
		problems = append(problems, "PROOFVAULT_LEDGER_ORG_ID is required but not set")
	}
	if c.LedgerTenantID == "" {
		problems = append(problems, "PROOFVAULT_LEDGER_TENANT_ID is required but not set")
	}
	if c.WorkersPoolSize <= 0 {
		problems = append(problems, "PROOFVAULT_WORKERS_POOL_SIZE must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func defaultPoolSize() int {
	n := runtime.NumCPU()
	if n < 8 {
		return n
	}
	return 8
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// DeadlineDuration converts a millisecond config field to a time.Duration.
func DeadlineDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
