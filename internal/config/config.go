package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string
	HTTPAddr     string
	MetricsAddr  string
	OTLPEndpoint string
	LogLevel     string

	PaymentProviderURL string
	PaymentAPIKey      string
	PaymentTimeout     time.Duration

	SessionTTL            time.Duration
	DisputeResponseWindow time.Duration
	ReleaseTokenTTL       time.Duration
	ReleaseTTL            time.Duration
	SweepInterval         time.Duration
	VaultShippingFee      decimal.Decimal

	NotificationTopic  string
	PaymentEventsTopic string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKER")),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		HTTPAddr:           os.Getenv("HTTP_ADDR"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		PaymentProviderURL: os.Getenv("PAYMENT_PROVIDER_URL"),
		PaymentAPIKey:      os.Getenv("PAYMENT_API_KEY"),
		NotificationTopic:  os.Getenv("NOTIFICATION_TOPIC"),
		PaymentEventsTopic: os.Getenv("PAYMENT_EVENTS_TOPIC"),

		PaymentTimeout:        duration("PAYMENT_TIMEOUT", 5*time.Second),
		SessionTTL:            duration("SESSION_TTL", time.Hour),
		DisputeResponseWindow: duration("DISPUTE_RESPONSE_WINDOW", 48*time.Hour),
		ReleaseTokenTTL:       duration("RELEASE_TOKEN_TTL", 5*time.Minute),
		ReleaseTTL:            duration("RELEASE_TTL", 7*24*time.Hour),
		SweepInterval:         duration("SWEEP_INTERVAL", time.Minute),
		VaultShippingFee:      money("VAULT_SHIPPING_FEE"),
	}

	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=custody sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.PaymentProviderURL == "" {
		cfg.PaymentProviderURL = "http://localhost:8090"
	}
	if cfg.NotificationTopic == "" {
		cfg.NotificationTopic = "trade-notifications"
	}
	if cfg.PaymentEventsTopic == "" {
		cfg.PaymentEventsTopic = "payment-events"
	}

	slog.Info("config loaded",
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"http_addr", cfg.HTTPAddr,
		"payment_provider", cfg.PaymentProviderURL,
		"session_ttl", cfg.SessionTTL,
		"release_token_ttl", cfg.ReleaseTokenTTL)
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func money(key string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		slog.Warn("invalid amount, using zero", "key", key, "value", v)
		return decimal.Zero
	}
	return d.Round(2)
}
