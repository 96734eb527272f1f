package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
)

type VaultRepository interface {
	CreateItem(ctx context.Context, item *models.VaultItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*models.VaultItem, error)
	LockItem(ctx context.Context, id uuid.UUID) (*models.VaultItem, error)
	UpdateItem(ctx context.Context, item *models.VaultItem, expected models.VaultItemStatus) error

	CreateOrder(ctx context.Context, order *models.VaultOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.VaultOrder, error)
	GetOrderByPaymentRef(ctx context.Context, ref string) (*models.VaultOrder, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.VaultOrder, error)
	UpdateOrder(ctx context.Context, order *models.VaultOrder, expected models.VaultOrderStatus) error

	CreateSplit(ctx context.Context, s *models.VaultSplit) error
	GetSplit(ctx context.Context, id uuid.UUID) (*models.VaultSplit, error)
	// ListEligibleSplits returns splits whose payee share is ELIGIBLE and
	// non-zero, locking them for the surrounding transaction.
	ListEligibleSplits(ctx context.Context, payee models.PayeeType, limit int) ([]models.VaultSplit, error)
	// SetSplitStatus moves the payee share of every split from one status to
	// another and fails with errors.ErrConflict unless all of them moved.
	SetSplitStatus(ctx context.Context, ids []uuid.UUID, payee models.PayeeType, from, to models.SplitStatus) error

	CreateBatch(ctx context.Context, b *models.VaultPayoutBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error)
	LockBatch(ctx context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error)
	UpdateBatch(ctx context.Context, b *models.VaultPayoutBatch, expected models.PayoutBatchStatus) error
}
