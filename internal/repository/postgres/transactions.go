package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const transactionColumns = `id, proposal_id, party_a, party_b, buyer_id, seller_id, shop_id, hub_id,
	escrow_type, status, package_status, amount, hold_id, dispute_id, tracking_number,
	created_at, checked_in_at, completed_at, updated_at`

const holdColumns = `id, transaction_id, provider_hold_id, amount, captured_amount, refunded_amount,
	status, created_at, updated_at`

type transactionRepo struct{ s *Store }

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		tx                       models.Transaction
		shop, hub, hold, dispute uuid.NullUUID
		checkedIn, completed     sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.ProposalID, &tx.PartyA, &tx.PartyB, &tx.BuyerID, &tx.SellerID, &shop, &hub,
		&tx.EscrowType, &tx.State.Status, &tx.State.Package, &tx.Amount, &hold, &dispute, &tx.TrackingNumber,
		&tx.CreatedAt, &checkedIn, &completed, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.ShopID, tx.HubID = uuidPtr(shop), uuidPtr(hub)
	tx.HoldID, tx.DisputeID = uuidPtr(hold), uuidPtr(dispute)
	tx.CheckedInAt, tx.CompletedAt = timePtr(checkedIn), timePtr(completed)
	return &tx, nil
}

func scanHold(row scanner) (*models.PaymentHold, error) {
	var h models.PaymentHold
	err := row.Scan(&h.ID, &h.TransactionID, &h.ProviderHoldID, &h.Amount, &h.CapturedAmount, &h.RefundedAmount,
		&h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r transactionRepo) Create(ctx context.Context, tx *models.Transaction, hold *models.PaymentHold) (err error) {
	ctx, done := observe(ctx, "CreateTransaction")
	defer func() { done(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("transaction_id", tx.ID.String()),
		attribute.String("escrow_type", string(tx.EscrowType)),
		attribute.String("amount", tx.Amount.String()),
	)

	// The hold row references the transaction, so both go in one unit.
	return r.s.atomic(ctx, func(ctx context.Context, q dbtx) error {
		_, err := q.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			tx.ID, tx.ProposalID, tx.PartyA, tx.PartyB, tx.BuyerID, tx.SellerID, nullUUID(tx.ShopID), nullUUID(tx.HubID),
			tx.EscrowType, tx.State.Status, tx.State.Package, tx.Amount, nullUUID(tx.HoldID), nullUUID(tx.DisputeID),
			tx.TrackingNumber, tx.CreatedAt, nullTime(tx.CheckedInAt), nullTime(tx.CompletedAt), tx.UpdatedAt)
		if err != nil {
			slog.Error("failed to insert transaction", "method", "Create", "transaction_id", tx.ID, "error", err)
			return mapErr(fmt.Errorf("failed to insert transaction: %w", err))
		}
		if hold == nil {
			return nil
		}
		_, err = q.ExecContext(ctx, `INSERT INTO payment_holds (`+holdColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			hold.ID, hold.TransactionID, hold.ProviderHoldID, hold.Amount, hold.CapturedAmount, hold.RefundedAmount,
			hold.Status, hold.CreatedAt, hold.UpdatedAt)
		if err != nil {
			slog.Error("failed to insert payment hold", "method", "Create", "transaction_id", tx.ID, "error", err)
			return mapErr(fmt.Errorf("failed to insert payment hold: %w", err))
		}
		return nil
	})
}

func (r transactionRepo) get(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.Transaction, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanTransaction(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		err = rowErr(err, pkgerrors.ErrTransactionNotFound)
		if !isNotFound(err) {
			slog.Error("failed to get transaction", "method", method, "transaction_id", id, "error", err)
		}
		return nil, err
	}
	return out, nil
}

func (r transactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.get(ctx, "GetTransaction", id, false)
}

func (r transactionRepo) Lock(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.get(ctx, "LockTransaction", id, true)
}

// Update writes the mutable columns when the stored pair still equals
// expected.
func (r transactionRepo) Update(ctx context.Context, tx *models.Transaction, expected models.TradeState) (err error) {
	ctx, done := observe(ctx, "UpdateTransaction")
	defer func() { done(err) }()

	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE transactions SET
			status = $1, package_status = $2, hold_id = $3, dispute_id = $4, tracking_number = $5,
			checked_in_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $9 AND status = $10 AND package_status = $11`,
		tx.State.Status, tx.State.Package, nullUUID(tx.HoldID), nullUUID(tx.DisputeID), tx.TrackingNumber,
		nullTime(tx.CheckedInAt), nullTime(tx.CompletedAt), tx.UpdatedAt,
		tx.ID, expected.Status, expected.Package)
	if err != nil {
		slog.Error("failed to update transaction", "method", "Update", "transaction_id", tx.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update transaction: %w", err))
	}
	return r.s.expectOne(ctx, res, "transactions", tx.ID, pkgerrors.ErrTransactionNotFound)
}

func (r transactionRepo) holdBy(ctx context.Context, method, column string, key any) (out *models.PaymentHold, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	out, err = scanHold(r.s.q.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE `+column+` = $1`, key))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrHoldNotFound)
	}
	return out, nil
}

func (r transactionRepo) GetHold(ctx context.Context, id uuid.UUID) (*models.PaymentHold, error) {
	return r.holdBy(ctx, "GetHold", "id", id)
}

func (r transactionRepo) GetHoldByProviderID(ctx context.Context, providerHoldID string) (*models.PaymentHold, error) {
	return r.holdBy(ctx, "GetHoldByProviderID", "provider_hold_id", providerHoldID)
}

func (r transactionRepo) UpdateHold(ctx context.Context, hold *models.PaymentHold, expected models.HoldStatus) (err error) {
	ctx, done := observe(ctx, "UpdateHold")
	defer func() { done(err) }()

	res, err := r.s.q.ExecContext(ctx, `UPDATE payment_holds SET
			captured_amount = $1, refunded_amount = $2, status = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		hold.CapturedAmount, hold.RefundedAmount, hold.Status, hold.UpdatedAt, hold.ID, expected)
	if err != nil {
		slog.Error("failed to update payment hold", "method", "UpdateHold", "hold_id", hold.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update payment hold: %w", err))
	}
	return r.s.expectOne(ctx, res, "payment_holds", hold.ID, pkgerrors.ErrHoldNotFound)
}
