package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"POSTGRES_DSN", "KAFKA_BROKER", "SESSION_TTL", "RELEASE_TOKEN_TTL", "DISPUTE_RESPONSE_WINDOW", "VAULT_SHIPPING_FEE", "NOTIFICATION_TOPIC"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.ReleaseTokenTTL)
	assert.Equal(t, 48*time.Hour, cfg.DisputeResponseWindow)
	assert.True(t, cfg.VaultShippingFee.IsZero())
	assert.Equal(t, "trade-notifications", cfg.NotificationTopic)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "k1:9092, k2:9092")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("PAYMENT_TIMEOUT", "not-a-duration")
	t.Setenv("VAULT_SHIPPING_FEE", "4.995")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.PaymentTimeout)
	assert.True(t, decimal.RequireFromString("5.00").Equal(cfg.VaultShippingFee))
}
