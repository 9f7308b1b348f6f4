package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	InstanceID  string
	HTTPAddr    string

	OTLPEndpoint string

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	TelegramBotToken      string
	TelegramAPIBaseURL    string
	TelegramWebhookSecret string
	AdminWorkspaceID      int64

	StripeAPIKey        string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	CatalogPath string

	BootstrapAdminAPIKey string
}

type CloudConfig struct {
	OrganizationID   string
	OrganizationName string
	Metrics          CloudMetricsConfig
}

// RateLimitConfig throttles inbound user messages per telegram id. The
// bucket lives in redis so every instance sees the same counters.
type RateLimitConfig struct {
	Enabled          bool
	UserMessageRate  float64
	UserMessageBurst int
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// SchedulerConfig tunes the background job loop. Durations are plain seconds
// so the env surface stays integers. An empty EnabledJobs list runs every job.
type SchedulerConfig struct {
	Enabled            bool
	RunIntervalSeconds int
	BatchSize          int
	LockTTLSeconds     int
	EnabledJobs        []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "telegram-bot"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		InstanceID:  strings.TrimSpace(getenv("INSTANCE_ID", "")),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		Cloud: CloudConfig{
			OrganizationID:   strings.TrimSpace(getenv("CLOUD_ORGANIZATION_ID", "")),
			OrganizationName: getenv("CLOUD_ORGANIZATION_NAME", ""),
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", false),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			UserMessageRate:  getenvFloat("RATE_LIMIT_USER_MESSAGE_RATE", 0.5),
			UserMessageBurst: getenvInt("RATE_LIMIT_USER_MESSAGE_BURST", 10),
		},

		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			RunIntervalSeconds: getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
			BatchSize:          getenvInt("SCHEDULER_BATCH_SIZE", 0),
			LockTTLSeconds:     getenvInt("SCHEDULER_LOCK_TTL_SECONDS", 120),
			EnabledJobs:        getenvList("SCHEDULER_ENABLED_JOBS"),
		},

		TelegramBotToken:      strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN", "")),
		TelegramAPIBaseURL:    getenv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		TelegramWebhookSecret: strings.TrimSpace(getenv("TELEGRAM_WEBHOOK_SECRET", "")),
		AdminWorkspaceID:      getenvInt64("ADMIN_WORKSPACE_ID", 0),

		StripeAPIKey:        strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		CheckoutSuccessURL:  getenv("CHECKOUT_SUCCESS_URL", "https://t.me"),
		CheckoutCancelURL:   getenv("CHECKOUT_CANCEL_URL", "https://t.me"),

		CatalogPath: getenv("CATALOG_PATH", ""),

		BootstrapAdminAPIKey: strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_API_KEY", "")),
	}

	return cfg
}

// Validate rejects configurations that cannot possibly talk to Telegram or
// Stripe, so misconfiguration fails at startup instead of surfacing as
// runtime 401s.
func (c Config) Validate() error {
	if c.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if !strings.Contains(c.TelegramBotToken, ":") {
		return errors.New("TELEGRAM_BOT_TOKEN must look like <bot_id>:<secret>")
	}
	// Supergroup chat ids are negative. A positive id means someone pasted a
	// user id or a bare group id here.
	if c.AdminWorkspaceID >= 0 {
		return errors.New("ADMIN_WORKSPACE_ID must be a negative supergroup chat id")
	}
	if c.StripeAPIKey != "" && !strings.HasPrefix(c.StripeAPIKey, "sk_") && !strings.HasPrefix(c.StripeAPIKey, "rk_") {
		return errors.New("STRIPE_API_KEY must start with sk_ or rk_")
	}
	if c.StripeWebhookSecret != "" && !strings.HasPrefix(c.StripeWebhookSecret, "whsec_") {
		return errors.New("STRIPE_WEBHOOK_SECRET must start with whsec_")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
