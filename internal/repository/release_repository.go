package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type ReleaseRepository interface {
	Create(ctx context.Context, r *models.PendingRelease) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PendingRelease, error)
	Lock(ctx context.Context, id uuid.UUID) (*models.PendingRelease, error)
	Update(ctx context.Context, r *models.PendingRelease, expected models.ReleaseStatus) error
	ListPendingByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.PendingRelease, error)
	// ListStale returns PENDING releases created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingRelease, error)
}
