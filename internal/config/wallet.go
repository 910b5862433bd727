package config

import (
	"os"
	"strconv"
	"time"
)

// WalletConfig carries the wallet engine knobs. All amounts are in kobo.
type WalletConfig struct {
	MinFundingAmount    int64
	AmountEpsilon       int64
	PinMaxAttempts      int
	PinLockoutDuration  time.Duration
	PinOTPTTL           time.Duration
	PinResetTokenTTL    time.Duration
	SweepInterval       time.Duration
	PendingAgeThreshold time.Duration
	HTTPTimeout         time.Duration
}

func LoadWalletConfig() *WalletConfig {
	return &WalletConfig{
		MinFundingAmount:    getEnvAsInt64("WALLET_MIN_FUNDING_KOBO", 10000),
		AmountEpsilon:       getEnvAsInt64("WALLET_AMOUNT_EPSILON_KOBO", 100),
		PinMaxAttempts:      getEnvAsInt("PIN_MAX_ATTEMPTS", 3),
		PinLockoutDuration:  getEnvAsDuration("PIN_LOCKOUT_DURATION", 30*time.Minute),
		PinOTPTTL:           getEnvAsDuration("PIN_OTP_TTL", 10*time.Minute),
		PinResetTokenTTL:    getEnvAsDuration("PIN_RESET_TOKEN_TTL", 15*time.Minute),
		SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		PendingAgeThreshold: getEnvAsDuration("SWEEP_PENDING_AGE", 10*time.Minute),
		HTTPTimeout:         getEnvAsDuration("EXTERNAL_HTTP_TIMEOUT", 30*time.Second),
	}
}

// GatewayConfig carries the payment gateway credentials.
type GatewayConfig struct {
	BaseURL       string
	APIKey        string
	SecretKey     string
	ContractCode  string
	WebhookSecret string
}

func LoadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		BaseURL:       getEnv("GATEWAY_BASE_URL", "https://sandbox.gateway.example.com"),
		APIKey:        getEnv("GATEWAY_API_KEY", ""),
		SecretKey:     getEnv("GATEWAY_SECRET_KEY", ""),
		ContractCode:  getEnv("GATEWAY_CONTRACT_CODE", ""),
		WebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
	}
}

// AggregatorConfig carries the billing aggregator credentials.
type AggregatorConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

func LoadAggregatorConfig() *AggregatorConfig {
	return &AggregatorConfig{
		BaseURL:   getEnv("AGGREGATOR_BASE_URL", "https://sandbox.vtpass.example.com"),
		APIKey:    getEnv("AGGREGATOR_API_KEY", ""),
		SecretKey: getEnv("AGGREGATOR_SECRET_KEY", ""),
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
