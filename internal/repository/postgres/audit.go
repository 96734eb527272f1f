package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

type auditRepo struct{ s *Store }

// nullJSON keeps an absent snapshot as SQL NULL instead of the JSON literal.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r auditRepo) Append(ctx context.Context, e *models.AuditLogEntry) (err error) {
	ctx, done := observe(ctx, "AppendAudit")
	defer func() { done(err) }()

	if e == nil {
		return pkgerrors.ErrNilAuditEntry
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO audit_log
			(id, action_type, actor_id, actor_role, entity_type, entity_id, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)`,
		e.ID, e.ActionType, e.ActorID, e.ActorRole, e.EntityType, e.EntityID,
		nullJSON(e.Before), nullJSON(e.After), e.CreatedAt)
	if err != nil {
		slog.Error("failed to append audit entry", "method", "AppendAudit",
			"entity_type", e.EntityType, "entity_id", e.EntityID, "error", err)
		return mapErr(fmt.Errorf("failed to append audit entry: %w", err))
	}
	return nil
}

func (r auditRepo) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) (out []models.AuditLogEntry, err error) {
	ctx, done := observe(ctx, "ListAuditByEntity")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT id, action_type, actor_id, actor_role, entity_type, entity_id,
			before, after, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at, id`, entityType, entityID)
	if err != nil {
		slog.Error("failed to list audit entries", "method", "ListAuditByEntity", "error", err)
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e             models.AuditLogEntry
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ActorID, &e.ActorRole, &e.EntityType, &e.EntityID,
			&before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before, e.After = before, after
		out = append(out, e)
	}
	return out, rows.Err()
}
