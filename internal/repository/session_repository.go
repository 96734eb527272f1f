package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type SessionRepository interface {
	// Create fails with errors.ErrSessionAlreadyActive when the transaction
	// already has a session that is not COMPLETED or CANCELLED.
	Create(ctx context.Context, s *models.EscrowSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowSession, error)
	Lock(ctx context.Context, id uuid.UUID) (*models.EscrowSession, error)
	Update(ctx context.Context, s *models.EscrowSession, expected models.SessionStatus) error
	// ListExpirable returns live sessions whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.EscrowSession, error)

	AddMessage(ctx context.Context, m *models.SessionMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.SessionMessage, error)
}
