package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	"github.com/honeynil/TradeCustodyService/internal/statemachine"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// AuditWriter persists the audit entries drained from the outbox and serves
// the audit history to staff.
type AuditWriter struct {
	repo repository.AuditRepository
}

func NewAuditWriter(repo repository.AuditRepository) *AuditWriter {
	return &AuditWriter{repo: repo}
}

// Handle is the outbox handler for audit tasks. Errors are retried by the
// outbox and logged there once it gives up.
func (w *AuditWriter) Handle(ctx context.Context, t outbox.Task) error {
	if t.Audit == nil {
		return pkgerrors.ErrNilAuditEntry
	}
	tracer := otel.Tracer("audit-writer")
	ctx, span := tracer.Start(ctx, "AppendAudit")
	span.SetAttributes(attribute.String("action_type", t.Audit.ActionType), attribute.String("entity_id", t.Audit.EntityID.String()))
	defer span.End()

	if err := w.repo.Append(ctx, t.Audit); err != nil {
		span.RecordError(err)
		slog.Warn("failed to append audit entry", "method", "AuditWriter.Handle", "action_type", t.Audit.ActionType, "entity_id", t.Audit.EntityID, "error", err)
		return err
	}
	return nil
}

func (w *AuditWriter) History(ctx context.Context, actor models.Actor, entityType string, entityID uuid.UUID) ([]models.AuditLogEntry, error) {
	if d := statemachine.Authorize(statemachine.OpReadAudit, actor); !d.Allowed {
		return nil, d.Err("audit_log")
	}
	entries, err := w.repo.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		slog.Error("failed to list audit entries", "method", "History", "entity_type", entityType, "entity_id", entityID, "error", err)
		return nil, err
	}
	return entries, nil
}

// Notifier delivers a notification to the dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// NotificationHandler adapts a Notifier to an outbox handler.
func NotificationHandler(n Notifier) outbox.Handler {
	return func(ctx context.Context, t outbox.Task) error {
		if t.Notification == nil {
			return nil
		}
		return n.Notify(ctx, *t.Notification)
	}
}
