package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	StripeAPIVersion    string
	StripeCurrencies    []string
	StripeMethods       []string

	XenditSecretKey     string
	XenditWebhookSecret string
	XenditBaseURL       string
	XenditCurrencies    []string
	XenditMethods       []string

	GatewayOrder          []string
	GatewayTimeout        time.Duration
	ZeroDecimalCurrencies []string

	CircuitMinRequests  int
	CircuitFailureRate  float64
	CircuitOpenDuration time.Duration

	WebhookMaxBodyBytes     int64
	WebhookLockTTL          time.Duration
	RateLimitWebhookPerMin  int
	RateLimitAPI            string
	IdempotencyTTL          time.Duration
	ReconcileDelay          time.Duration
	ReconcileConcurrency    int
	ReconcileSweepInterval  time.Duration
	ReconcileStaleAfter     time.Duration
	ShutdownTimeout         time.Duration
	MigrateOnStart          bool
	PprofEnabled            bool
	PprofToken              string
	DBMaxOpenConns          int
	DBStatementCacheEnabled bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		StripeSecretKey:     strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
		StripeBaseURL:       valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),
		StripeAPIVersion:    strings.TrimSpace(k.String("STRIPE_API_VERSION")),
		StripeCurrencies:    splitAndTrim(valueOrDefault(k.String("STRIPE_CURRENCIES"), "USD,EUR,GBP,JPY")),
		StripeMethods:       splitAndTrim(valueOrDefault(k.String("STRIPE_METHODS"), "card")),

		XenditSecretKey:     strings.TrimSpace(k.String("XENDIT_SECRET_KEY")),
		XenditWebhookSecret: strings.TrimSpace(k.String("XENDIT_WEBHOOK_SECRET")),
		XenditBaseURL:       valueOrDefault(k.String("XENDIT_BASE_URL"), "https://api.xendit.co"),
		XenditCurrencies:    splitAndTrim(valueOrDefault(k.String("XENDIT_CURRENCIES"), "IDR,PHP")),
		XenditMethods:       splitAndTrim(valueOrDefault(k.String("XENDIT_METHODS"), "ewallet,virtual_account,card")),

		GatewayOrder:          splitAndTrim(strings.ToLower(valueOrDefault(k.String("GATEWAY_ORDER"), "stripe,xendit"))),
		GatewayTimeout:        parseDuration(k.String("GATEWAY_TIMEOUT"), "30s"),
		ZeroDecimalCurrencies: splitAndTrim(k.String("ZERO_DECIMAL_CURRENCIES")),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate:  parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenDuration: parseDuration(k.String("CIRCUIT_OPEN_DURATION"), "30s"),

		WebhookMaxBodyBytes:     int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		WebhookLockTTL:          parseDuration(k.String("WEBHOOK_LOCK_TTL"), "30s"),
		RateLimitWebhookPerMin:  parseInt(k.String("RATE_LIMIT_WEBHOOK_PER_MIN"), 600),
		RateLimitAPI:            valueOrDefault(k.String("RATE_LIMIT_API"), "120-M"),
		IdempotencyTTL:          parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		ReconcileDelay:          parseDuration(k.String("RECONCILE_DELAY"), "15m"),
		ReconcileConcurrency:    parseInt(k.String("RECONCILE_CONCURRENCY"), 5),
		ReconcileSweepInterval:  parseDuration(k.String("RECONCILE_SWEEP_INTERVAL"), "10m"),
		ReconcileStaleAfter:     parseDuration(k.String("RECONCILE_STALE_AFTER"), "30m"),
		ShutdownTimeout:         parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		MigrateOnStart:          parseBool(k.String("MIGRATE_ON_START")),
		PprofEnabled:            parseBool(k.String("PPROF_ENABLED")),
		PprofToken:              strings.TrimSpace(k.String("PPROF_TOKEN")),
		DBMaxOpenConns:          parseInt(k.String("DB_MAX_OPEN_CONNS"), 0),
		DBStatementCacheEnabled: parseBoolDefault(k.String("DB_STATEMENT_CACHE"), true),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if len(cfg.GatewayOrder) == 0 {
		return nil, errors.New("GATEWAY_ORDER must name at least one gateway")
	}
	for _, name := range cfg.GatewayOrder {
		switch name {
		case "stripe":
			if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
				return nil, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required when stripe is enabled")
			}
		case "xendit":
			if cfg.XenditSecretKey == "" || cfg.XenditWebhookSecret == "" {
				return nil, errors.New("XENDIT_SECRET_KEY and XENDIT_WEBHOOK_SECRET are required when xendit is enabled")
			}
		default:
			return nil, fmt.Errorf("GATEWAY_ORDER: unknown gateway %q", name)
		}
	}

	return cfg, nil
}

// Enabled reports whether the named gateway is part of GATEWAY_ORDER.
func (c *Config) Enabled(gateway string) bool {
	return slices.Contains(c.GatewayOrder, strings.ToLower(gateway))
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
