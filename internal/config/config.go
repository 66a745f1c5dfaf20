package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment    string
	HTTPPort       string
	ServiceName    string
	DatabaseURL    string
	MigrateOnStart bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ServiceVersion       string
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool

	WebhookSecret           string
	StorefrontWebhookSecret string
	SignatureStrategies     []string
	SignatureTolerance      time.Duration
	WebhookRateLimitRPM     int
	OAuthRateLimitRPM       int
	RateLimitSweepInterval  time.Duration

	WebhookMaxRetries     int
	WebhookRetryBase      time.Duration
	WebhookRetryMax       time.Duration
	WebhookProcessTimeout time.Duration
	RedriveSchedule       string
	RedriveBatchSize      int
	RedriveLease          time.Duration

	OAuthClientID        string
	OAuthClientSecret    string
	OAuthRedirectURI     string
	OAuthAuthURL         string
	OAuthTokenURL        string
	OAuthScopes          []string
	OAuthSessionTTL      time.Duration
	OAuthExchangeTimeout time.Duration
	OAuthSuccessRedirect string
	TokenLeadWindow      time.Duration

	MarketplaceAPIURL    string
	MarketplaceAccountID string
	MarketplaceRPS       float64
	PaymentsAPIURL       string
	PaymentsAccessToken  string
	PaymentsRPS          float64

	AdminJWTSecret string
	AdminJWTIssuer string
}

// Load reads configuration from environment variables with sane defaults.
// Missing secrets are fatal.
func Load() (Config, error) {
	_ = godotenv.Load()

	required := map[string]string{}
	for _, key := range []string{
		"DATABASE_URL",
		"WEBHOOK_SECRET",
		"OAUTH_CLIENT_ID",
		"OAUTH_CLIENT_SECRET",
		"OAUTH_REDIRECT_URI",
		"OAUTH_TOKEN_URL",
		"PAYMENTS_ACCESS_TOKEN",
		"ADMIN_JWT_SECRET",
	} {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return Config{}, fmt.Errorf("%s is required", key)
		}
		required[key] = value
	}

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		ServiceName:    getEnv("SERVICE_NAME", "valora-storefront"),
		DatabaseURL:    required["DATABASE_URL"],
		MigrateOnStart: getBool("MIGRATE_ON_START", true),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		ServiceVersion:       getEnv("SERVICE_VERSION", "dev"),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLER_ARG", 1),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),

		WebhookSecret:           required["WEBHOOK_SECRET"],
		StorefrontWebhookSecret: getEnv("STOREFRONT_WEBHOOK_SECRET", required["WEBHOOK_SECRET"]),
		SignatureStrategies:     getList("SIGNATURE_STRATEGIES", []string{"data.id", "id", "resource_url", "topic"}),
		SignatureTolerance:      getDuration("SIGNATURE_TOLERANCE", 5*time.Minute),
		WebhookRateLimitRPM:     getInt("WEBHOOK_RATE_LIMIT_RPM", 120),
		OAuthRateLimitRPM:       getInt("OAUTH_RATE_LIMIT_RPM", 20),
		RateLimitSweepInterval:  getDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),

		WebhookMaxRetries:     getInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryBase:      getDuration("WEBHOOK_RETRY_BASE", 30*time.Second),
		WebhookRetryMax:       getDuration("WEBHOOK_RETRY_MAX", time.Hour),
		WebhookProcessTimeout: getDuration("WEBHOOK_PROCESS_TIMEOUT", 15*time.Second),
		RedriveSchedule:       getEnv("WEBHOOK_REDRIVE_SCHEDULE", "@every 1m"),
		RedriveBatchSize:      getInt("WEBHOOK_REDRIVE_BATCH", 50),
		RedriveLease:          getDuration("WEBHOOK_REDRIVE_LEASE", 2*time.Minute),

		OAuthClientID:        required["OAUTH_CLIENT_ID"],
		OAuthClientSecret:    required["OAUTH_CLIENT_SECRET"],
		OAuthRedirectURI:     required["OAUTH_REDIRECT_URI"],
		OAuthAuthURL:         getEnv("OAUTH_AUTH_URL", "https://auth.mercadolibre.com/authorization"),
		OAuthTokenURL:        required["OAUTH_TOKEN_URL"],
		OAuthScopes:          getList("OAUTH_SCOPES", []string{"offline_access", "read", "write"}),
		OAuthSessionTTL:      getDuration("OAUTH_SESSION_TTL", 10*time.Minute),
		OAuthExchangeTimeout: getDuration("OAUTH_EXCHANGE_TIMEOUT", 5*time.Second),
		OAuthSuccessRedirect: getEnv("OAUTH_SUCCESS_REDIRECT", "/admin/integrations"),
		TokenLeadWindow:      getDuration("TOKEN_LEAD_WINDOW", 10*time.Minute),

		MarketplaceAPIURL:    getEnv("MARKETPLACE_API_URL", "https://api.mercadolibre.com"),
		MarketplaceAccountID: os.Getenv("MARKETPLACE_ACCOUNT_ID"),
		MarketplaceRPS:       getFloat("MARKETPLACE_RPS", 5),
		PaymentsAPIURL:       getEnv("PAYMENTS_API_URL", "https://api.mercadopago.com"),
		PaymentsAccessToken:  required["PAYMENTS_ACCESS_TOKEN"],
		PaymentsRPS:          getFloat("PAYMENTS_RPS", 10),

		AdminJWTSecret: required["ADMIN_JWT_SECRET"],
		AdminJWTIssuer: os.Getenv("ADMIN_JWT_ISSUER"),
	}

	if len(cfg.AdminJWTSecret) < 32 {
		return Config{}, fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 bytes")
	}
	if cfg.WebhookMaxRetries < 1 {
		cfg.WebhookMaxRetries = 1
	}
	if cfg.OAuthSessionTTL <= 0 {
		cfg.OAuthSessionTTL = 10 * time.Minute
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
