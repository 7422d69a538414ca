package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the BNPL core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Ledger Service gateway
	LedgerURL     string
	LedgerTimeout int // seconds per request

	// Dry-run: use the in-process mock ledger instead of a remote gateway.
	DryRun bool

	// Dry-run account seeding
	DryRunCollateralBTC string
	DryRunDebtMUSD      string
	DryRunOraclePrice   string
	DryRunMUSDBalance   string
	DryRunConfirmMs     int // simulated confirmation latency

	// Protocol parameters override file (YAML); defaults compiled in.
	ProtocolParamsPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/bnpl.db"),
		LedgerURL:           getEnv("LEDGER_URL", "http://localhost:9090"),
		LedgerTimeout:       getEnvInt("LEDGER_TIMEOUT_SECONDS", 15),
		DryRun:              getEnv("DRY_RUN", "true") == "true",
		DryRunCollateralBTC: getEnv("DRY_RUN_COLLATERAL_BTC", "1.0"),
		DryRunDebtMUSD:      getEnv("DRY_RUN_DEBT_MUSD", "0"),
		DryRunOraclePrice:   getEnv("DRY_RUN_ORACLE_PRICE", "60000"),
		DryRunMUSDBalance:   getEnv("DRY_RUN_MUSD_BALANCE", "5000"),
		DryRunConfirmMs:     getEnvInt("DRY_RUN_CONFIRM_MS", 50),
		ProtocolParamsPath:  getEnv("PROTOCOL_PARAMS_PATH", "./protocol.yaml"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
