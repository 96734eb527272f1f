// Package outbox queues the side effects of a committed state change
// (notifications and audit entries) and drains them on a worker pool. Tasks
// are only enqueued after the primary commit, so a failing side effect can
// never undo the transition that produced it.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type Kind string

const (
	KindNotification Kind = "notification"
	KindAudit        Kind = "audit"
)

type Task struct {
	Kind         Kind
	Notification *models.Notification
	Audit        *models.AuditLogEntry
}

func Notify(n models.Notification) Task {
	return Task{Kind: KindNotification, Notification: &n}
}

func Audit(e models.AuditLogEntry) Task {
	return Task{Kind: KindAudit, Audit: &e}
}

type Handler func(ctx context.Context, t Task) error

// Sink accepts tasks produced by a committed operation.
type Sink interface {
	Enqueue(ctx context.Context, tasks ...Task)
}

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 4, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}

type handlers struct {
	mu     sync.RWMutex
	byKind map[Kind]Handler
	retry  RetryPolicy
}

func (h *handlers) register(kind Kind, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKind[kind] = fn
}

func (h *handlers) run(ctx context.Context, t Task) {
	h.mu.RLock()
	fn, ok := h.byKind[t.Kind]
	h.mu.RUnlock()
	if !ok {
		slog.Warn("no outbox handler registered", "method", "outbox.run", "kind", t.Kind)
		observability.OutboxTasks.WithLabelValues(string(t.Kind), "unhandled").Inc()
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retry.InitialInterval
	b.MaxInterval = h.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return fn(ctx, t)
	}, backoff.WithContext(backoff.WithMaxRetries(b, h.retry.MaxRetries), ctx))
	if err != nil {
		slog.Error("outbox task failed after retries", "method", "outbox.run", "kind", t.Kind, "attempts", attempt, "error", err)
		observability.OutboxTasks.WithLabelValues(string(t.Kind), "failed").Inc()
		return
	}
	observability.OutboxTasks.WithLabelValues(string(t.Kind), "delivered").Inc()
}

// Dispatcher drains tasks on a fixed pool of workers.
type Dispatcher struct {
	handlers
	queue   chan Task
	workers int
	wg      sync.WaitGroup

	// closing guards queue against a send after Stop closed it.
	closing sync.RWMutex
	stopped bool
}

func NewDispatcher(buffer, workers int, retry RetryPolicy) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		handlers: handlers{byKind: make(map[Kind]Handler), retry: retry},
		queue:    make(chan Task, buffer),
		workers:  workers,
	}
}

func (d *Dispatcher) Handle(kind Kind, fn Handler) {
	d.register(kind, fn)
}

// Start launches the workers. They exit once Stop has been called and the
// queue is empty.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for t := range d.queue {
				d.run(ctx, t)
			}
		}()
	}
	slog.Info("outbox dispatcher started", "workers", d.workers, "buffer", cap(d.queue))
}

// Enqueue never blocks the caller. When the buffer is full, or the
// dispatcher is already stopped, the task is dropped and counted.
func (d *Dispatcher) Enqueue(_ context.Context, tasks ...Task) {
	d.closing.RLock()
	defer d.closing.RUnlock()
	for _, t := range tasks {
		if d.stopped {
			slog.Error("outbox dispatcher stopped, dropping task", "method", "outbox.Enqueue", "kind", t.Kind)
			observability.OutboxTasks.WithLabelValues(string(t.Kind), "dropped").Inc()
			continue
		}
		select {
		case d.queue <- t:
		default:
			slog.Error("outbox queue full, dropping task", "method", "outbox.Enqueue", "kind", t.Kind)
			observability.OutboxTasks.WithLabelValues(string(t.Kind), "dropped").Inc()
		}
	}
}

func (d *Dispatcher) Stop() {
	d.closing.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.closing.Unlock()
	d.wg.Wait()
	slog.Info("outbox dispatcher stopped")
}

// Inline runs every task synchronously on the calling goroutine. It is used
// by tools and tests that need side effects to be visible on return.
type Inline struct {
	handlers
}

func NewInline(retry RetryPolicy) *Inline {
	return &Inline{handlers: handlers{byKind: make(map[Kind]Handler), retry: retry}}
}

func (i *Inline) Handle(kind Kind, fn Handler) {
	i.register(kind, fn)
}

func (i *Inline) Enqueue(ctx context.Context, tasks ...Task) {
	for _, t := range tasks {
		i.run(ctx, t)
	}
}
