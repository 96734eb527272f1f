package observability

import (
	"context"

	"github.com/honeynil/TradeCustodyService/internal/config"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
)

// Setup wires logging, metrics and tracing for the process and returns the
// tracer shutdown hook.
func Setup(serviceName string, cfg *config.Config) func(context.Context) error {
	observability.InitLogger(cfg.LogLevel)
	observability.InitMetrics(cfg.MetricsAddr)
	return observability.InitTracing(serviceName, cfg.OTLPEndpoint)
}
