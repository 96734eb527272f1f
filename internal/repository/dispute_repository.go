package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type DisputeRepository interface {
	// Create fails with errors.ErrDisputeAlreadyOpen when the transaction has
	// a dispute in an open status.
	Create(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	Lock(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	Update(ctx context.Context, d *models.Dispute, expected models.DisputeStatus) error
	// ListOverdue returns SELLER_RESPONSE disputes whose deadline passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Dispute, error)

	AddMessage(ctx context.Context, m *models.DisputeMessage) error
	ListMessages(ctx context.Context, disputeID uuid.UUID) ([]models.DisputeMessage, error)
}
