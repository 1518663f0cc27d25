// Package config handles application configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forageapi/forage/internal/constants"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// KV store (rate limits, concurrency leases, billing buffer)
	KVDir      string // empty = in-memory
	KVInMemory bool

	// Accounts store
	AccountsMode string // "local" (same database) or "remote"
	AccountsURL  string // remote accounts RPC endpoint

	// Preview (keyless) credentials
	PreviewEnabled bool

	// Auth bypass: every request gets a synthetic unlimited identity.
	// Single-tenant self-hosted deployments only.
	AuthDisabled bool

	// Stripe
	StripeSecretKey string

	// LLM adapter
	AnthropicAPIKey string
	AnthropicModel  string

	// Search provider
	SearchProviderURL string
	SearchProviderKey string

	// CORS
	CORSOrigins []string

	// Object Storage (S3-compatible) for large blobs (screenshots, raw HTML)
	StorageEnabled   bool
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string

	// Worker
	WorkerConcurrency         int
	WorkerPollInterval        time.Duration
	WorkerShutdownGracePeriod time.Duration

	// Queue
	VisibilityLease time.Duration
	ReaperInterval  time.Duration

	// Billing batcher
	BillingFlushInterval time.Duration
	BillingBatchSize     int

	// ZDR cleaner
	ZDRCleanInterval time.Duration

	// Result index
	IndexMaxAgeDefault time.Duration

	// Retention cleanup
	CleanupEnabled       bool
	CleanupMaxAgeResults time.Duration
	CleanupInterval      time.Duration

	// Fetcher
	UserAgent      string
	AllowMockFetch bool // honor useMock in requests (tests, staging)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:forage.db?_journal=WAL&_timeout=5000"),

		KVDir: getEnv("KV_DIR", ""),

		AccountsMode: getEnv("ACCOUNTS_MODE", "local"),
		AccountsURL:  getEnv("ACCOUNTS_URL", ""),

		PreviewEnabled: getEnvBool("PREVIEW_ENABLED", true),
		AuthDisabled:   getEnvBool("AUTH_DISABLED", false),

		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),

		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),

		SearchProviderURL: getEnv("SEARCH_PROVIDER_URL", ""),
		SearchProviderKey: getEnv("SEARCH_PROVIDER_KEY", ""),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),

		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		WorkerConcurrency:         getEnvInt("WORKER_CONCURRENCY", 8),
		WorkerPollInterval:        getEnvDuration("WORKER_POLL_INTERVAL", constants.WorkerPollDefault),
		WorkerShutdownGracePeriod: getEnvDuration("WORKER_SHUTDOWN_GRACE_PERIOD", 5*time.Minute),

		VisibilityLease: getEnvDuration("QUEUE_VISIBILITY_LEASE", constants.VisibilityLease),
		ReaperInterval:  getEnvDuration("QUEUE_REAPER_INTERVAL", constants.ReaperInterval),

		BillingFlushInterval: getEnvDuration("BILLING_FLUSH_INTERVAL", constants.BillingFlushInterval),
		BillingBatchSize:     getEnvInt("BILLING_BATCH_SIZE", constants.BillingBatchSize),

		ZDRCleanInterval: getEnvDuration("ZDR_CLEAN_INTERVAL", constants.ZDRCleanInterval),

		IndexMaxAgeDefault: getEnvDuration("INDEX_MAX_AGE_DEFAULT", constants.DefaultMaxAge),

		CleanupEnabled:       getEnvBool("CLEANUP_ENABLED", true),
		CleanupMaxAgeResults: getEnvDuration("CLEANUP_MAX_AGE_RESULTS", 30*24*time.Hour),
		CleanupInterval:      getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),

		UserAgent:      getEnv("SCRAPE_USER_AGENT", constants.DefaultUserAgent),
		AllowMockFetch: getEnvBool("ALLOW_MOCK_FETCH", false),
	}

	cfg.KVInMemory = cfg.KVDir == ""
	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""

	return cfg, nil
}

// HasLLM returns true if the LLM adapter is configured.
func (c *Config) HasLLM() bool {
	return c.AnthropicAPIKey != ""
}

// HasSearch returns true if a search provider is configured.
func (c *Config) HasSearch() bool {
	return c.SearchProviderURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}
