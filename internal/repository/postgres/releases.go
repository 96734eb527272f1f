package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const releaseColumns = `id, type, status, amount, recipient_id, transaction_id, vault_order_id, payout_batch_id,
	dispute_id, reason, triggered_by, token_hash, token_expires_at, decided_by, decided_at, created_at, updated_at`

type releaseRepo struct{ s *Store }

func scanRelease(row scanner) (*models.PendingRelease, error) {
	var (
		rel                             models.PendingRelease
		txID, orderID, batchID, dispute uuid.NullUUID
		decidedBy                       uuid.NullUUID
		tokenExpires, decidedAt         sql.NullTime
	)
	err := row.Scan(&rel.ID, &rel.Type, &rel.Status, &rel.Amount, &rel.RecipientID, &txID, &orderID, &batchID,
		&dispute, &rel.Reason, &rel.TriggeredBy, &rel.TokenHash, &tokenExpires, &decidedBy, &decidedAt,
		&rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rel.TransactionID, rel.VaultOrderID, rel.PayoutBatchID = uuidPtr(txID), uuidPtr(orderID), uuidPtr(batchID)
	rel.DisputeID, rel.DecidedBy = uuidPtr(dispute), uuidPtr(decidedBy)
	rel.TokenExpiresAt, rel.DecidedAt = timePtr(tokenExpires), timePtr(decidedAt)
	return &rel, nil
}

func scanReleases(rows *sql.Rows) ([]models.PendingRelease, error) {
	defer rows.Close()
	var out []models.PendingRelease
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

func (r releaseRepo) Create(ctx context.Context, rel *models.PendingRelease) (err error) {
	ctx, done := observe(ctx, "CreateRelease")
	defer func() { done(err) }()

	if rel == nil {
		return pkgerrors.ErrNilRelease
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO pending_releases (`+releaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rel.ID, rel.Type, rel.Status, rel.Amount, rel.RecipientID,
		nullUUID(rel.TransactionID), nullUUID(rel.VaultOrderID), nullUUID(rel.PayoutBatchID), nullUUID(rel.DisputeID),
		rel.Reason, rel.TriggeredBy, rel.TokenHash, nullTime(rel.TokenExpiresAt),
		nullUUID(rel.DecidedBy), nullTime(rel.DecidedAt), rel.CreatedAt, rel.UpdatedAt)
	if err != nil {
		slog.Error("failed to insert pending release", "method", "CreateRelease", "release_id", rel.ID, "error", err)
		return mapErr(fmt.Errorf("failed to insert pending release: %w", err))
	}
	return nil
}

func (r releaseRepo) get(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.PendingRelease, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + releaseColumns + ` FROM pending_releases WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanRelease(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrReleaseNotFound)
	}
	return out, nil
}

func (r releaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingRelease, error) {
	return r.get(ctx, "GetRelease", id, false)
}

func (r releaseRepo) Lock(ctx context.Context, id uuid.UUID) (*models.PendingRelease, error) {
	return r.get(ctx, "LockRelease", id, true)
}

func (r releaseRepo) Update(ctx context.Context, rel *models.PendingRelease, expected models.ReleaseStatus) (err error) {
	ctx, done := observe(ctx, "UpdateRelease")
	defer func() { done(err) }()

	if rel == nil {
		return pkgerrors.ErrNilRelease
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE pending_releases SET
			status = $1, token_hash = $2, token_expires_at = $3, decided_by = $4, decided_at = $5,
			reason = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		rel.Status, rel.TokenHash, nullTime(rel.TokenExpiresAt), nullUUID(rel.DecidedBy), nullTime(rel.DecidedAt),
		rel.Reason, rel.UpdatedAt, rel.ID, expected)
	if err != nil {
		slog.Error("failed to update pending release", "method", "UpdateRelease", "release_id", rel.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update pending release: %w", err))
	}
	return r.s.expectOne(ctx, res, "pending_releases", rel.ID, pkgerrors.ErrReleaseNotFound)
}

func (r releaseRepo) ListPendingByTransaction(ctx context.Context, transactionID uuid.UUID) (out []models.PendingRelease, err error) {
	ctx, done := observe(ctx, "ListPendingReleasesByTransaction")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT `+releaseColumns+` FROM pending_releases
		WHERE transaction_id = $1 AND status = $2 ORDER BY created_at`, transactionID, models.ReleasePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending releases: %w", err)
	}
	return scanReleases(rows)
}

func (r releaseRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) (out []models.PendingRelease, err error) {
	ctx, done := observe(ctx, "ListStaleReleases")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT `+releaseColumns+` FROM pending_releases
		WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		models.ReleasePending, cutoff, limitOrAll(limit))
	if err != nil {
		slog.Error("failed to list stale releases", "method", "ListStale", "error", err)
		return nil, fmt.Errorf("failed to list stale releases: %w", err)
	}
	return scanReleases(rows)
}
