package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

type vaultRepo struct{ s *Store }

func (r vaultRepo) CreateItem(_ context.Context, item *models.VaultItem) error {
	if item == nil {
		return pkgerrors.ErrNilVaultItem
	}
	return r.s.with(func(d *data) error {
		d.items[item.ID] = *item
		return nil
	})
}

func (r vaultRepo) GetItem(_ context.Context, id uuid.UUID) (*models.VaultItem, error) {
	var out *models.VaultItem
	err := r.s.with(func(d *data) error {
		it, ok := d.items[id]
		if !ok {
			return pkgerrors.ErrVaultItemNotFound
		}
		out = &it
		return nil
	})
	return out, err
}

func (r vaultRepo) LockItem(ctx context.Context, id uuid.UUID) (*models.VaultItem, error) {
	return r.GetItem(ctx, id)
}

func (r vaultRepo) UpdateItem(_ context.Context, item *models.VaultItem, expected models.VaultItemStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.items[item.ID]
		if !ok {
			return pkgerrors.ErrVaultItemNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.items[item.ID] = *item
		return nil
	})
}

func (r vaultRepo) CreateOrder(_ context.Context, order *models.VaultOrder) error {
	if order == nil {
		return pkgerrors.ErrNilVaultOrder
	}
	return r.s.with(func(d *data) error {
		d.orders[order.ID] = *order
		return nil
	})
}

func (r vaultRepo) GetOrder(_ context.Context, id uuid.UUID) (*models.VaultOrder, error) {
	var out *models.VaultOrder
	err := r.s.with(func(d *data) error {
		o, ok := d.orders[id]
		if !ok {
			return pkgerrors.ErrVaultOrderNotFound
		}
		out = &o
		return nil
	})
	return out, err
}

func (r vaultRepo) GetOrderByPaymentRef(_ context.Context, ref string) (*models.VaultOrder, error) {
	var out *models.VaultOrder
	err := r.s.with(func(d *data) error {
		for _, o := range d.orders {
			if o.PaymentRef == ref {
				o := o
				out = &o
				return nil
			}
		}
		return pkgerrors.ErrVaultOrderNotFound
	})
	return out, err
}

func (r vaultRepo) LockOrder(ctx context.Context, id uuid.UUID) (*models.VaultOrder, error) {
	return r.GetOrder(ctx, id)
}

func (r vaultRepo) UpdateOrder(_ context.Context, order *models.VaultOrder, expected models.VaultOrderStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.orders[order.ID]
		if !ok {
			return pkgerrors.ErrVaultOrderNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.orders[order.ID] = *order
		return nil
	})
}

func (r vaultRepo) CreateSplit(_ context.Context, s *models.VaultSplit) error {
	return r.s.with(func(d *data) error {
		d.splits[s.ID] = *s
		return nil
	})
}

func (r vaultRepo) GetSplit(_ context.Context, id uuid.UUID) (*models.VaultSplit, error) {
	var out *models.VaultSplit
	err := r.s.with(func(d *data) error {
		s, ok := d.splits[id]
		if !ok {
			return pkgerrors.ErrSplitNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func payeeStatus(s *models.VaultSplit, payee models.PayeeType) *models.SplitStatus {
	switch payee {
	case models.PayeeOwner:
		return &s.OwnerStatus
	case models.PayeeMerchant:
		return &s.MerchantStatus
	}
	return &s.PlatformStatus
}

func (r vaultRepo) ListEligibleSplits(_ context.Context, payee models.PayeeType, limit int) ([]models.VaultSplit, error) {
	var out []models.VaultSplit
	err := r.s.with(func(d *data) error {
		for _, s := range d.splits {
			s := s
			amount, _ := s.Share(payee)
			if *payeeStatus(&s, payee) == models.SplitEligible && amount.IsPositive() {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r vaultRepo) SetSplitStatus(_ context.Context, ids []uuid.UUID, payee models.PayeeType, from, to models.SplitStatus) error {
	return r.s.with(func(d *data) error {
		for _, id := range ids {
			s, ok := d.splits[id]
			if !ok {
				return pkgerrors.ErrSplitNotFound
			}
			if *payeeStatus(&s, payee) != from {
				return pkgerrors.ErrConflict
			}
		}
		for _, id := range ids {
			s := d.splits[id]
			*payeeStatus(&s, payee) = to
			d.splits[id] = s
		}
		return nil
	})
}

func (r vaultRepo) CreateBatch(_ context.Context, b *models.VaultPayoutBatch) error {
	return r.s.with(func(d *data) error {
		cp := *b
		cp.Lines = append([]models.VaultPayoutLine(nil), b.Lines...)
		d.batches[b.ID] = cp
		return nil
	})
}

func (r vaultRepo) GetBatch(_ context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error) {
	var out *models.VaultPayoutBatch
	err := r.s.with(func(d *data) error {
		b, ok := d.batches[id]
		if !ok {
			return pkgerrors.ErrPayoutBatchNotFound
		}
		b.Lines = append([]models.VaultPayoutLine(nil), b.Lines...)
		out = &b
		return nil
	})
	return out, err
}

func (r vaultRepo) LockBatch(ctx context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error) {
	return r.GetBatch(ctx, id)
}

func (r vaultRepo) UpdateBatch(_ context.Context, b *models.VaultPayoutBatch, expected models.PayoutBatchStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.batches[b.ID]
		if !ok {
			return pkgerrors.ErrPayoutBatchNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		cp := *b
		cp.Lines = cur.Lines
		d.batches[b.ID] = cp
		return nil
	})
}
