package config

import (
	"os"
	"strconv"
	"time"
)

// WalletConfig carries the settlement policy knobs. Amounts are in minor
// currency units.
type WalletConfig struct {
	Currency        string
	TopUpMin        int64
	TopUpMax        int64
	WithdrawMin     int64
	RevenueHoldDays int
}

func LoadWalletConfig() *WalletConfig {
	return &WalletConfig{
		Currency:        getEnv("WALLET_CURRENCY", "NGN"),
		TopUpMin:        getEnvAsInt64("WALLET_TOPUP_MIN", 20),
		TopUpMax:        getEnvAsInt64("WALLET_TOPUP_MAX", 100_000),
		WithdrawMin:     getEnvAsInt64("WALLET_WITHDRAW_MIN", 100),
		RevenueHoldDays: getEnvAsInt("WALLET_REVENUE_HOLD_DAYS", 0),
	}
}

// PaycodeConfig controls one-time rent request codes.
type PaycodeConfig struct {
	CodeLength           int
	CodeTimeout          time.Duration
	MaxGenerationPerUser int
	RateLimitWindow      time.Duration
	HashIterations       int
}

func LoadPaycodeConfig() *PaycodeConfig {
	return &PaycodeConfig{
		CodeLength:           getEnvAsInt("PAYCODE_LENGTH", 8),
		CodeTimeout:          getEnvAsDuration("PAYCODE_TIMEOUT", 24*time.Hour),
		MaxGenerationPerUser: getEnvAsInt("PAYCODE_MAX_GEN_PER_USER", 10),
		RateLimitWindow:      getEnvAsDuration("PAYCODE_RATE_LIMIT_WINDOW", 1*time.Hour),
		HashIterations:       getEnvAsInt("PAYCODE_HASH_ITERATIONS", 10000),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
