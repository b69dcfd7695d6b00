// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text", "json", "pretty"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL             string
	Network            string
	ChainID            int64 // derived from Network
	CustodyPrivateKey  string
	IdentityContract   string
	ReputationContract string
	VaultContract      string
	TokenContract      string

	// Security
	AdminAddresses []string // lowercased hex addresses allowed to create and toggle pools
	JWTSecret      string

	// Arbitration oracle
	OracleProvider      string // "uma" or "kleros"
	UMAOracleURL        string
	KlerosOracleURL     string
	OracleAPIKey        string
	OracleRetryAttempts int
	OracleRetryDelay    time.Duration
	OracleBackoff       string

	// Settlement worker
	SettlementInterval    time.Duration
	SettlementConcurrency int
	DisputeWindow         time.Duration // delay before a verdict is handed to the vault
	ReconcileInterval     time.Duration

	// Event streaming and evidence
	KafkaBrokers   []string
	KafkaTopic     string
	EvidenceBucket string
	EvidencePrefix string

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL                = "https://sepolia.base.org"
	DefaultNetwork               = "base-sepolia"
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultOracleProvider        = "uma"
	DefaultOracleRetryAttempts   = 3
	DefaultOracleRetryDelay      = time.Second
	DefaultOracleBackoff         = "exponential"
	DefaultSettlementInterval    = 15 * time.Second
	DefaultSettlementConcurrency = 4
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultKafkaTopic            = "agentcover.events"
	DefaultEvidencePrefix        = "claims/"
)

// networks maps supported network names to EVM chain ids.
var networks = map[string]int64{
	"ethereum":         1,
	"mainnet":          1,
	"sepolia":          11155111,
	"base":             8453,
	"base-sepolia":     84532,
	"arbitrum":         42161,
	"arbitrum-sepolia": 421614,
	"optimism":         10,
	"polygon":          137,
}

// ChainIDForNetwork returns the chain id for a network name.
func ChainIDForNetwork(name string) (int64, bool) {
	id, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		Network:               getEnv("NETWORK", DefaultNetwork),
		CustodyPrivateKey:     os.Getenv("CUSTODY_PRIVATE_KEY"),
		IdentityContract:      os.Getenv("IDENTITY_CONTRACT"),
		ReputationContract:    os.Getenv("REPUTATION_CONTRACT"),
		VaultContract:         os.Getenv("VAULT_CONTRACT"),
		TokenContract:         os.Getenv("TOKEN_CONTRACT"),
		AdminAddresses:        splitList(strings.ToLower(os.Getenv("ADMIN_ADDRESSES"))),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		OracleProvider:        strings.ToLower(getEnv("ORACLE_PROVIDER", DefaultOracleProvider)),
		UMAOracleURL:          os.Getenv("UMA_ORACLE_URL"),
		KlerosOracleURL:       os.Getenv("KLEROS_ORACLE_URL"),
		OracleAPIKey:          os.Getenv("ORACLE_API_KEY"),
		OracleRetryAttempts:   int(getEnvInt64("ORACLE_RETRY_ATTEMPTS", DefaultOracleRetryAttempts)),
		OracleRetryDelay:      getEnvDuration("ORACLE_RETRY_DELAY", DefaultOracleRetryDelay),
		OracleBackoff:         getEnv("ORACLE_BACKOFF", DefaultOracleBackoff),
		SettlementInterval:    getEnvDuration("SETTLEMENT_INTERVAL", DefaultSettlementInterval),
		SettlementConcurrency: int(getEnvInt64("SETTLEMENT_CONCURRENCY", DefaultSettlementConcurrency)),
		DisputeWindow:         getEnvDuration("DISPUTE_WINDOW", 0),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		EvidenceBucket:        os.Getenv("EVIDENCE_BUCKET"),
		EvidencePrefix:        getEnv("EVIDENCE_PREFIX", DefaultEvidencePrefix),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if id, ok := ChainIDForNetwork(cfg.Network); ok {
		cfg.ChainID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, ok := ChainIDForNetwork(c.Network); !ok {
		return fmt.Errorf("NETWORK %q is not supported", c.Network)
	}

	if c.OracleProvider != "uma" && c.OracleProvider != "kleros" {
		return fmt.Errorf("ORACLE_PROVIDER must be \"uma\" or \"kleros\", got %q", c.OracleProvider)
	}

	if c.CustodyPrivateKey == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY is required")
		}
	} else {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
		if c.OracleURL() == "" {
			return fmt.Errorf("oracle URL for provider %q is required in production", c.OracleProvider)
		}
	}

	for _, addr := range c.AdminAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("ADMIN_ADDRESSES contains invalid address %q", addr)
		}
	}
	for name, addr := range map[string]string{
		"IDENTITY_CONTRACT":   c.IdentityContract,
		"REPUTATION_CONTRACT": c.ReputationContract,
		"VAULT_CONTRACT":      c.VaultContract,
		"TOKEN_CONTRACT":      c.TokenContract,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address", name)
		}
	}

	if c.DisputeWindow < 0 {
		return fmt.Errorf("DISPUTE_WINDOW must not be negative")
	}

	if c.SettlementConcurrency < 1 {
		return fmt.Errorf("SETTLEMENT_CONCURRENCY must be at least 1")
	}

	return nil
}

// OracleURL returns the base URL of the configured oracle provider.
func (c *Config) OracleURL() string {
	if c.OracleProvider == "kleros" {
		return c.KlerosOracleURL
	}
	return c.UMAOracleURL
}

// ChainConfigured reports whether every on-chain collaborator can be bound.
// When false the server runs against in-memory doubles.
func (c *Config) ChainConfigured() bool {
	return c.RPCURL != "" && c.CustodyPrivateKey != "" &&
		c.IdentityContract != "" && c.ReputationContract != "" &&
		c.VaultContract != "" && c.TokenContract != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
