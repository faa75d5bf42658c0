// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	PrivateKey         string // Hex-encoded, with or without 0x prefix
	SettlementContract string // Deployed settlement contract address
	ChainEnabled       bool   // When false, escrows settle against the mirror only

	// Settlement policy
	FeeBps         int64  // Marketplace fee in basis points
	FeeSink        string // Address accumulating marketplace fees
	EscrowDuration time.Duration
	ClaimWindow    time.Duration

	// Confirmation and reconciliation
	ConfirmTimeout    time.Duration // Per-operation wait for a mined receipt
	ReconcileInterval time.Duration
	ReconcileMaxAge   time.Duration // Pending records older than this are escalated

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing
}

// Base Sepolia defaults
const (
	DefaultRPCURL   = "https://sepolia.base.org"
	DefaultChainID  = 84532 // Base Sepolia
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultFeeBps   = 200
	DefaultFeeSink  = "0x000000000000000000000000000000000000fee5"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		SettlementContract: os.Getenv("SETTLEMENT_CONTRACT"),
		ChainEnabled:       getEnvBool("CHAIN_ENABLED", false),
		FeeBps:             getEnvInt64("FEE_BPS", DefaultFeeBps),
		FeeSink:            getEnv("FEE_SINK", DefaultFeeSink),
		EscrowDuration:     getEnvDuration("ESCROW_DURATION", 48*time.Hour),
		ClaimWindow:        getEnvDuration("CLAIM_WINDOW", 24*time.Hour),
		ConfirmTimeout:     getEnvDuration("CONFIRM_TIMEOUT", 60*time.Second),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileMaxAge:    getEnvDuration("RECONCILE_MAX_AGE", 24*time.Hour),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
	}

	if !c.ChainEnabled {
		return nil
	}

	// On-chain settlement needs signing credentials and a contract.
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required when CHAIN_ENABLED is set")
	}
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required when CHAIN_ENABLED is set")
	}
	if c.SettlementContract == "" {
		return fmt.Errorf("SETTLEMENT_CONTRACT is required when CHAIN_ENABLED is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
