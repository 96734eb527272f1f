package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

// AuditRepository is append-only: there is no update or delete.
type AuditRepository interface {
	Append(ctx context.Context, e *models.AuditLogEntry) error
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]models.AuditLogEntry, error)
}
