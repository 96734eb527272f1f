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

const disputeColumns = `id, transaction_id, type, status, opened_by, respondent_id, reason, held_from,
	response_deadline, outcome, refund_amount, resolved_by, resolved_at, created_at, updated_at`

type disputeRepo struct{ s *Store }

func scanDispute(row scanner) (*models.Dispute, error) {
	var (
		d                  models.Dispute
		deadline, resolved sql.NullTime
		resolvedBy         uuid.NullUUID
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.Type, &d.Status, &d.OpenedBy, &d.RespondentID, &d.Reason, &d.HeldFrom,
		&deadline, &d.Outcome, &d.RefundAmount, &resolvedBy, &resolved, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.ResponseDeadline, d.ResolvedAt = timePtr(deadline), timePtr(resolved)
	d.ResolvedBy = uuidPtr(resolvedBy)
	return &d, nil
}

func (r disputeRepo) Create(ctx context.Context, d *models.Dispute) (err error) {
	ctx, done := observe(ctx, "CreateDispute")
	defer func() { done(err) }()

	if d == nil {
		return pkgerrors.ErrNilDispute
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.TransactionID, d.Type, d.Status, d.OpenedBy, d.RespondentID, d.Reason, d.HeldFrom,
		nullTime(d.ResponseDeadline), d.Outcome, d.RefundAmount, nullUUID(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		err = mapErr(err)
		if err != pkgerrors.ErrDisputeAlreadyOpen {
			slog.Error("failed to insert dispute", "method", "CreateDispute", "dispute_id", d.ID, "error", err)
			err = fmt.Errorf("failed to insert dispute: %w", err)
		}
		return err
	}
	return nil
}

func (r disputeRepo) get(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.Dispute, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanDispute(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrDisputeNotFound)
	}
	return out, nil
}

func (r disputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return r.get(ctx, "GetDispute", id, false)
}

func (r disputeRepo) Lock(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return r.get(ctx, "LockDispute", id, true)
}

func (r disputeRepo) Update(ctx context.Context, d *models.Dispute, expected models.DisputeStatus) (err error) {
	ctx, done := observe(ctx, "UpdateDispute")
	defer func() { done(err) }()

	if d == nil {
		return pkgerrors.ErrNilDispute
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE disputes SET
			status = $1, response_deadline = $2, outcome = $3, refund_amount = $4,
			resolved_by = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		d.Status, nullTime(d.ResponseDeadline), d.Outcome, d.RefundAmount,
		nullUUID(d.ResolvedBy), nullTime(d.ResolvedAt), d.UpdatedAt, d.ID, expected)
	if err != nil {
		slog.Error("failed to update dispute", "method", "UpdateDispute", "dispute_id", d.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update dispute: %w", err))
	}
	return r.s.expectOne(ctx, res, "disputes", d.ID, pkgerrors.ErrDisputeNotFound)
}

func (r disputeRepo) ListOverdue(ctx context.Context, now time.Time, limit int) (out []models.Dispute, err error) {
	ctx, done := observe(ctx, "ListOverdueDisputes")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 AND response_deadline < $2
		ORDER BY response_deadline LIMIT $3`, models.DisputeSellerResponse, now, limitOrAll(limit))
	if err != nil {
		slog.Error("failed to list overdue disputes", "method", "ListOverdue", "error", err)
		return nil, fmt.Errorf("failed to list overdue disputes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r disputeRepo) AddMessage(ctx context.Context, m *models.DisputeMessage) (err error) {
	ctx, done := observe(ctx, "AddDisputeMessage")
	defer func() { done(err) }()

	_, err = r.s.q.ExecContext(ctx, `INSERT INTO dispute_messages (id, dispute_id, author_id, body, evidence_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, m.ID, m.DisputeID, m.AuthorID, m.Body, m.EvidenceURL, m.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert dispute message: %w", err))
	}
	return nil
}

func (r disputeRepo) ListMessages(ctx context.Context, disputeID uuid.UUID) (out []models.DisputeMessage, err error) {
	ctx, done := observe(ctx, "ListDisputeMessages")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT id, dispute_id, author_id, body, evidence_url, created_at
		FROM dispute_messages WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.DisputeMessage
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Body, &m.EvidenceURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
