package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment    string
	ServerPort     string
	AllowedOrigins string

	AccessTokenSecret string
	TokenTTL          time.Duration

	MongoDBURL        string
	MongoDBName       string
	MongoTransactions bool

	// BookingStore selects the backend for appointments and payments:
	// "mongo" or "bolt".
	BookingStore string
	BoltPath     string

	RedisURL string

	StripeSecretKey string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool

	StoreOpTimeout    time.Duration
	StoreMaxRetries   int
	SettlementTimeout time.Duration
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// getEnvWithDefault gets an environment variable with a default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load() // Ignore error since file might not exist in production

	env := strings.ToLower(getEnvWithDefault("ENVIRONMENT", "development"))
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[env] {
		return nil, fmt.Errorf("invalid environment value: %s", env)
	}

	secret := os.Getenv("ACCESS_TOKEN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("ACCESS_TOKEN_SECRET environment variable is required")
	}

	mongoURL := os.Getenv("MONGODB_URL")
	if mongoURL == "" {
		return nil, fmt.Errorf("MONGODB_URL environment variable is required")
	}

	bookingStore := strings.ToLower(getEnvWithDefault("BOOKING_STORE", "mongo"))
	if bookingStore != "mongo" && bookingStore != "bolt" {
		return nil, fmt.Errorf("invalid BOOKING_STORE value: %s", bookingStore)
	}

	config := &Config{
		Environment:       env,
		ServerPort:        getEnvWithDefault("SERVER_PORT", "5000"),
		AllowedOrigins:    getEnvWithDefault("ALLOWED_ORIGINS", "*"),
		AccessTokenSecret: secret,
		MongoDBURL:        mongoURL,
		MongoDBName:       getEnvWithDefault("MONGODB_NAME", "savvyCareDb"),
		BookingStore:      bookingStore,
		BoltPath:          getEnvWithDefault("BOLT_PATH", "savvycare.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		MinioEndpoint:     os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:       getEnvWithDefault("MINIO_BUCKET", "doctor-photos"),
	}

	var err error
	if config.MongoTransactions, err = getBool("MONGO_TRANSACTIONS", false); err != nil {
		return nil, err
	}
	if config.MinioSecure, err = getBool("MINIO_SECURE", true); err != nil {
		return nil, err
	}
	if config.TokenTTL, err = getDuration("TOKEN_TTL", time.Hour); err != nil {
		return nil, err
	}
	if config.StoreOpTimeout, err = getDuration("STORE_OP_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if config.SettlementTimeout, err = getDuration("SETTLEMENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if config.ReconcileGrace, err = getDuration("RECONCILE_GRACE", 2*time.Minute); err != nil {
		return nil, err
	}
	// the reconciler must never release claims of a settlement still running
	if config.ReconcileGrace <= config.SettlementTimeout {
		return nil, fmt.Errorf("RECONCILE_GRACE (%s) must exceed SETTLEMENT_TIMEOUT (%s)",
			config.ReconcileGrace, config.SettlementTimeout)
	}

	retries, err := strconv.Atoi(getEnvWithDefault("STORE_MAX_RETRIES", "4"))
	if err != nil || retries < 0 {
		return nil, fmt.Errorf("invalid STORE_MAX_RETRIES value: %s", os.Getenv("STORE_MAX_RETRIES"))
	}
	config.StoreMaxRetries = retries

	rps, err := strconv.ParseFloat(getEnvWithDefault("RATE_LIMIT_RPS", "5"), 64)
	if err != nil || rps <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS value: %s", os.Getenv("RATE_LIMIT_RPS"))
	}
	config.RateLimitRPS = rps

	burst, err := strconv.Atoi(getEnvWithDefault("RATE_LIMIT_BURST", "10"))
	if err != nil || burst <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST value: %s", os.Getenv("RATE_LIMIT_BURST"))
	}
	config.RateLimitBurst = burst

	return config, nil
}

// IsDevelopment returns whether the current environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns whether the current environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MinioEnabled reports whether doctor photo storage is configured.
func (c *Config) MinioEnabled() bool {
	return c.MinioEndpoint != ""
}
