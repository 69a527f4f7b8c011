package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	RateLimitPerMinute int
	RateWindow         time.Duration

	ClickQueue    string
	EmailQueue    string
	SMSQueue      string
	CashbackQueue string

	URLCacheTTL time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	PopTimeout  time.Duration

	RedirectorPort    string
	WebhooksPort      string
	WorkersHealthPort string
	MetricsPort       string

	RazorpayWebhookSecret string
	JWTSecret             string

	SendgridAPIKey string
	FromEmail      string
	AppURL         string

	MSG91AuthKey    string
	MSG91SenderID   string
	MSG91TemplateID string

	AdmitadAccessToken  string
	AdmitadClientID     string
	AdmitadClientSecret string
	VCommissionToken    string
	CuelinksAPIKey      string
	SyncInterval        time.Duration
}

// DLQName returns the dead-letter queue derived from a queue name.
func DLQName(queue string) string { return queue + ":dlq" }

// ProcessingSetName returns the in-flight tracking set derived from a queue name.
func ProcessingSetName(queue string) string { return queue + ":processing" }

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set elsewhere
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateWindow:         time.Duration(getEnvInt("RATE_WINDOW_SECONDS", 60)) * time.Second,

		ClickQueue:    getEnv("CLICK_QUEUE", "queue:clicks"),
		EmailQueue:    getEnv("EMAIL_QUEUE", "queue:email"),
		SMSQueue:      getEnv("SMS_QUEUE", "queue:sms"),
		CashbackQueue: getEnv("CASHBACK_QUEUE", "queue:cashback"),

		URLCacheTTL: time.Duration(getEnvInt("URL_CACHE_TTL", 300)) * time.Second,
		MaxRetries:  getEnvInt("MAX_RETRIES", 3),
		RetryDelay:  time.Duration(getEnvInt("RETRY_DELAY_SECONDS", 60)) * time.Second,
		PopTimeout:  5 * time.Second,

		RedirectorPort:    getEnv("REDIRECTOR_PORT", "3001"),
		WebhooksPort:      getEnv("WEBHOOKS_PORT", "3002"),
		WorkersHealthPort: getEnv("WORKERS_HEALTH_PORT", "3003"),
		MetricsPort:       getEnv("METRICS_PORT", "2112"),

		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		JWTSecret:             os.Getenv("JWT_SECRET"),

		SendgridAPIKey: os.Getenv("SENDGRID_API_KEY"),
		FromEmail:      getEnv("FROM_EMAIL", "noreply@couponduniya.example"),
		AppURL:         getEnv("APP_URL", "http://localhost:3000"),

		MSG91AuthKey:    os.Getenv("MSG91_AUTH_KEY"),
		MSG91SenderID:   getEnv("MSG91_SENDER_ID", "COUPON"),
		MSG91TemplateID: os.Getenv("MSG91_TEMPLATE_ID"),

		AdmitadAccessToken:  os.Getenv("ADMITAD_ACCESS_TOKEN"),
		AdmitadClientID:     os.Getenv("ADMITAD_CLIENT_ID"),
		AdmitadClientSecret: os.Getenv("ADMITAD_CLIENT_SECRET"),
		VCommissionToken:    os.Getenv("VCOMMISSION_TOKEN"),
		CuelinksAPIKey:      os.Getenv("CUELINKS_API_KEY"),
		SyncInterval:        time.Duration(getEnvInt("AFFILIATE_SYNC_INTERVAL_HOURS", 6)) * time.Hour,
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("MAX_RETRIES must be positive")
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
