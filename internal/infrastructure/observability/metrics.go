package observability

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Переходы состояний: result = applied | rejected | conflict | failed
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_transitions_total",
			Help: "State transitions attempted per entity",
		},
		[]string{"entity", "from", "to", "result"},
	)

	PaymentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_calls_total",
			Help: "Calls to the payment hold provider",
		},
		[]string{"operation", "status"},
	)

	OutboxTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_tasks_total",
			Help: "Deferred side-effect tasks processed after commit",
		},
		[]string{"kind", "status"},
	)
)

var registerOnce sync.Once

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RepositoryCalls, RepositoryDuration, StateTransitions, PaymentCalls, OutboxTasks)
	})
}

// InitMetrics registers the collectors and serves /metrics on addr in the
// background.
func InitMetrics(addr string) {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}
