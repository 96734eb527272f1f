package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/lib/pq"
)

const itemColumns = `id, owner_id, shop_id, title, case_location, slot_location, status,
	declared_condition, verified_condition, list_price, final_price, created_at, updated_at`

const orderColumns = `id, item_id, buyer_id, shop_id, status, shipping_address, subtotal, shipping_fee,
	total, payment_ref, tracking_number, settled_at, created_at, updated_at`

const splitColumns = `id, item_id, order_id, owner_id, shop_id, gross_amount, owner_amount, merchant_amount,
	platform_amount, owner_status, merchant_status, platform_status, created_at`

const batchColumns = `id, payee_type, status, total, release_id, created_by, created_at, paid_at`

type vaultRepo struct{ s *Store }

// payeeColumns returns the amount and status columns of one payee share.
func payeeColumns(p models.PayeeType) (amount, status string, err error) {
	switch p {
	case models.PayeeOwner:
		return "owner_amount", "owner_status", nil
	case models.PayeeMerchant:
		return "merchant_amount", "merchant_status", nil
	case models.PayeePlatform:
		return "platform_amount", "platform_status", nil
	}
	return "", "", fmt.Errorf("%w: payee type %q", pkgerrors.ErrInvalidInput, p)
}

func scanItem(row scanner) (*models.VaultItem, error) {
	var (
		it   models.VaultItem
		shop uuid.NullUUID
	)
	err := row.Scan(&it.ID, &it.OwnerID, &shop, &it.Title, &it.CaseLocation, &it.SlotLocation, &it.Status,
		&it.DeclaredCondition, &it.VerifiedCondition, &it.ListPrice, &it.FinalPrice, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.ShopID = uuidPtr(shop)
	return &it, nil
}

func scanOrder(row scanner) (*models.VaultOrder, error) {
	var (
		o       models.VaultOrder
		settled sql.NullTime
	)
	err := row.Scan(&o.ID, &o.ItemID, &o.BuyerID, &o.ShopID, &o.Status, &o.ShippingAddress, &o.Subtotal, &o.ShippingFee,
		&o.Total, &o.PaymentRef, &o.TrackingNumber, &settled, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.SettledAt = timePtr(settled)
	return &o, nil
}

func scanSplit(row scanner) (*models.VaultSplit, error) {
	var (
		sp    models.VaultSplit
		order uuid.NullUUID
	)
	err := row.Scan(&sp.ID, &sp.ItemID, &order, &sp.OwnerID, &sp.ShopID, &sp.GrossAmount, &sp.OwnerAmount,
		&sp.MerchantAmount, &sp.PlatformAmount, &sp.OwnerStatus, &sp.MerchantStatus, &sp.PlatformStatus, &sp.CreatedAt)
	if err != nil {
		return nil, err
	}
	sp.OrderID = uuidPtr(order)
	return &sp, nil
}

func scanBatch(row scanner) (*models.VaultPayoutBatch, error) {
	var (
		b       models.VaultPayoutBatch
		release uuid.NullUUID
		paid    sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.PayeeType, &b.Status, &b.Total, &release, &b.CreatedBy, &b.CreatedAt, &paid); err != nil {
		return nil, err
	}
	b.ReleaseID, b.PaidAt = uuidPtr(release), timePtr(paid)
	return &b, nil
}

func (r vaultRepo) CreateItem(ctx context.Context, it *models.VaultItem) (err error) {
	ctx, done := observe(ctx, "CreateVaultItem")
	defer func() { done(err) }()

	if it == nil {
		return pkgerrors.ErrNilVaultItem
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO vault_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		it.ID, it.OwnerID, nullUUID(it.ShopID), it.Title, it.CaseLocation, it.SlotLocation, it.Status,
		it.DeclaredCondition, it.VerifiedCondition, it.ListPrice, it.FinalPrice, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		slog.Error("failed to insert vault item", "method", "CreateVaultItem", "item_id", it.ID, "error", err)
		return mapErr(fmt.Errorf("failed to insert vault item: %w", err))
	}
	return nil
}

func (r vaultRepo) item(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.VaultItem, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + itemColumns + ` FROM vault_items WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanItem(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrVaultItemNotFound)
	}
	return out, nil
}

func (r vaultRepo) GetItem(ctx context.Context, id uuid.UUID) (*models.VaultItem, error) {
	return r.item(ctx, "GetVaultItem", id, false)
}

func (r vaultRepo) LockItem(ctx context.Context, id uuid.UUID) (*models.VaultItem, error) {
	return r.item(ctx, "LockVaultItem", id, true)
}

func (r vaultRepo) UpdateItem(ctx context.Context, it *models.VaultItem, expected models.VaultItemStatus) (err error) {
	ctx, done := observe(ctx, "UpdateVaultItem")
	defer func() { done(err) }()

	if it == nil {
		return pkgerrors.ErrNilVaultItem
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE vault_items SET
			shop_id = $1, title = $2, case_location = $3, slot_location = $4, status = $5,
			verified_condition = $6, list_price = $7, final_price = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		nullUUID(it.ShopID), it.Title, it.CaseLocation, it.SlotLocation, it.Status,
		it.VerifiedCondition, it.ListPrice, it.FinalPrice, it.UpdatedAt, it.ID, expected)
	if err != nil {
		slog.Error("failed to update vault item", "method", "UpdateVaultItem", "item_id", it.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update vault item: %w", err))
	}
	return r.s.expectOne(ctx, res, "vault_items", it.ID, pkgerrors.ErrVaultItemNotFound)
}

func (r vaultRepo) CreateOrder(ctx context.Context, o *models.VaultOrder) (err error) {
	ctx, done := observe(ctx, "CreateVaultOrder")
	defer func() { done(err) }()

	if o == nil {
		return pkgerrors.ErrNilVaultOrder
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO vault_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.ItemID, o.BuyerID, o.ShopID, o.Status, o.ShippingAddress, o.Subtotal, o.ShippingFee,
		o.Total, o.PaymentRef, o.TrackingNumber, nullTime(o.SettledAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		slog.Error("failed to insert vault order", "method", "CreateVaultOrder", "order_id", o.ID, "error", err)
		return mapErr(fmt.Errorf("failed to insert vault order: %w", err))
	}
	return nil
}

func (r vaultRepo) order(ctx context.Context, method, column string, key any, lock bool) (out *models.VaultOrder, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + orderColumns + ` FROM vault_orders WHERE ` + column + ` = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanOrder(r.s.q.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrVaultOrderNotFound)
	}
	return out, nil
}

func (r vaultRepo) GetOrder(ctx context.Context, id uuid.UUID) (*models.VaultOrder, error) {
	return r.order(ctx, "GetVaultOrder", "id", id, false)
}

func (r vaultRepo) GetOrderByPaymentRef(ctx context.Context, ref string) (*models.VaultOrder, error) {
	return r.order(ctx, "GetVaultOrderByPaymentRef", "payment_ref", ref, false)
}

func (r vaultRepo) LockOrder(ctx context.Context, id uuid.UUID) (*models.VaultOrder, error) {
	return r.order(ctx, "LockVaultOrder", "id", id, true)
}

func (r vaultRepo) UpdateOrder(ctx context.Context, o *models.VaultOrder, expected models.VaultOrderStatus) (err error) {
	ctx, done := observe(ctx, "UpdateVaultOrder")
	defer func() { done(err) }()

	if o == nil {
		return pkgerrors.ErrNilVaultOrder
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE vault_orders SET
			status = $1, payment_ref = $2, tracking_number = $3, settled_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		o.Status, o.PaymentRef, o.TrackingNumber, nullTime(o.SettledAt), o.UpdatedAt, o.ID, expected)
	if err != nil {
		slog.Error("failed to update vault order", "method", "UpdateVaultOrder", "order_id", o.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update vault order: %w", err))
	}
	return r.s.expectOne(ctx, res, "vault_orders", o.ID, pkgerrors.ErrVaultOrderNotFound)
}

func (r vaultRepo) CreateSplit(ctx context.Context, sp *models.VaultSplit) (err error) {
	ctx, done := observe(ctx, "CreateVaultSplit")
	defer func() { done(err) }()

	_, err = r.s.q.ExecContext(ctx, `INSERT INTO vault_splits (`+splitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sp.ID, sp.ItemID, nullUUID(sp.OrderID), sp.OwnerID, sp.ShopID, sp.GrossAmount, sp.OwnerAmount,
		sp.MerchantAmount, sp.PlatformAmount, sp.OwnerStatus, sp.MerchantStatus, sp.PlatformStatus, sp.CreatedAt)
	if err != nil {
		slog.Error("failed to insert vault split", "method", "CreateVaultSplit", "split_id", sp.ID, "error", err)
		return mapErr(fmt.Errorf("failed to insert vault split: %w", err))
	}
	return nil
}

func (r vaultRepo) GetSplit(ctx context.Context, id uuid.UUID) (out *models.VaultSplit, err error) {
	ctx, done := observe(ctx, "GetVaultSplit")
	defer func() { done(err) }()

	out, err = scanSplit(r.s.q.QueryRowContext(ctx, `SELECT `+splitColumns+` FROM vault_splits WHERE id = $1`, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrSplitNotFound)
	}
	return out, nil
}

func (r vaultRepo) ListEligibleSplits(ctx context.Context, payee models.PayeeType, limit int) (out []models.VaultSplit, err error) {
	ctx, done := observe(ctx, "ListEligibleSplits")
	defer func() { done(err) }()

	amountCol, statusCol, err := payeeColumns(payee)
	if err != nil {
		return nil, err
	}
	rows, err := r.s.q.QueryContext(ctx, `SELECT `+splitColumns+` FROM vault_splits
		WHERE `+statusCol+` = $1 AND `+amountCol+` > 0
		ORDER BY created_at LIMIT $2`+r.s.lockClause(), models.SplitEligible, limitOrAll(limit))
	if err != nil {
		slog.Error("failed to list eligible splits", "method", "ListEligibleSplits", "payee", payee, "error", err)
		return nil, mapErr(fmt.Errorf("failed to list eligible splits: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		sp, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

func (r vaultRepo) SetSplitStatus(ctx context.Context, ids []uuid.UUID, payee models.PayeeType, from, to models.SplitStatus) (err error) {
	ctx, done := observe(ctx, "SetSplitStatus")
	defer func() { done(err) }()

	if len(ids) == 0 {
		return nil
	}
	_, statusCol, err := payeeColumns(payee)
	if err != nil {
		return err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE vault_splits SET `+statusCol+` = $1
		WHERE id = ANY($2::uuid[]) AND `+statusCol+` = $3`, to, pq.Array(keys), from)
	if err != nil {
		slog.Error("failed to move split status", "method", "SetSplitStatus", "payee", payee, "error", err)
		return mapErr(fmt.Errorf("failed to move split status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(ids) {
		// The caller's Atomic rolls back the rows that did move.
		return pkgerrors.ErrConflict
	}
	return nil
}

func (r vaultRepo) CreateBatch(ctx context.Context, b *models.VaultPayoutBatch) (err error) {
	ctx, done := observe(ctx, "CreatePayoutBatch")
	defer func() { done(err) }()

	return r.s.atomic(ctx, func(ctx context.Context, q dbtx) error {
		_, err := q.ExecContext(ctx, `INSERT INTO vault_payout_batches (`+batchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ID, b.PayeeType, b.Status, b.Total, nullUUID(b.ReleaseID), b.CreatedBy, b.CreatedAt, nullTime(b.PaidAt))
		if err != nil {
			slog.Error("failed to insert payout batch", "method", "CreatePayoutBatch", "batch_id", b.ID, "error", err)
			return mapErr(fmt.Errorf("failed to insert payout batch: %w", err))
		}
		for _, l := range b.Lines {
			_, err := q.ExecContext(ctx, `INSERT INTO vault_payout_lines (id, batch_id, split_id, payee_id, amount)
				VALUES ($1, $2, $3, $4, $5)`, l.ID, b.ID, l.SplitID, l.PayeeID, l.Amount)
			if err != nil {
				return mapErr(fmt.Errorf("failed to insert payout line: %w", err))
			}
		}
		return nil
	})
}

func (r vaultRepo) batch(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.VaultPayoutBatch, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + batchColumns + ` FROM vault_payout_batches WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanBatch(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrPayoutBatchNotFound)
	}

	rows, err := r.s.q.QueryContext(ctx, `SELECT id, batch_id, split_id, payee_id, amount
		FROM vault_payout_lines WHERE batch_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l models.VaultPayoutLine
		if err := rows.Scan(&l.ID, &l.BatchID, &l.SplitID, &l.PayeeID, &l.Amount); err != nil {
			return nil, err
		}
		out.Lines = append(out.Lines, l)
	}
	return out, rows.Err()
}

func (r vaultRepo) GetBatch(ctx context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error) {
	return r.batch(ctx, "GetPayoutBatch", id, false)
}

func (r vaultRepo) LockBatch(ctx context.Context, id uuid.UUID) (*models.VaultPayoutBatch, error) {
	return r.batch(ctx, "LockPayoutBatch", id, true)
}

// UpdateBatch never touches the lines; they are fixed at creation.
func (r vaultRepo) UpdateBatch(ctx context.Context, b *models.VaultPayoutBatch, expected models.PayoutBatchStatus) (err error) {
	ctx, done := observe(ctx, "UpdatePayoutBatch")
	defer func() { done(err) }()

	res, err := r.s.q.ExecContext(ctx, `UPDATE vault_payout_batches SET
			status = $1, release_id = $2, paid_at = $3
		WHERE id = $4 AND status = $5`,
		b.Status, nullUUID(b.ReleaseID), nullTime(b.PaidAt), b.ID, expected)
	if err != nil {
		slog.Error("failed to update payout batch", "method", "UpdatePayoutBatch", "batch_id", b.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update payout batch: %w", err))
	}
	return r.s.expectOne(ctx, res, "vault_payout_batches", b.ID, pkgerrors.ErrPayoutBatchNotFound)
}
