package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type TransactionRepository interface {
	// Create inserts the transaction and, when hold is non-nil, its payment hold.
	Create(ctx context.Context, tx *models.Transaction, hold *models.PaymentHold) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	Lock(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	Update(ctx context.Context, tx *models.Transaction, expected models.TradeState) error

	GetHold(ctx context.Context, id uuid.UUID) (*models.PaymentHold, error)
	GetHoldByProviderID(ctx context.Context, providerHoldID string) (*models.PaymentHold, error)
	UpdateHold(ctx context.Context, hold *models.PaymentHold, expected models.HoldStatus) error
}
