package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const sessionColumns = `id, transaction_id, buyer_id, seller_id, merchant_id, status, expires_at,
	last_activity_at, created_at, updated_at`

type sessionRepo struct{ s *Store }

func scanSession(row scanner) (*models.EscrowSession, error) {
	var s models.EscrowSession
	err := row.Scan(&s.ID, &s.TransactionID, &s.BuyerID, &s.SellerID, &s.MerchantID, &s.Status, &s.ExpiresAt,
		&s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create relies on the escrow_sessions_one_active partial index to reject a
// second live session on the same transaction.
func (r sessionRepo) Create(ctx context.Context, s *models.EscrowSession) (err error) {
	ctx, done := observe(ctx, "CreateSession")
	defer func() { done(err) }()

	if s == nil {
		return pkgerrors.ErrNilSession
	}
	_, err = r.s.q.ExecContext(ctx, `INSERT INTO escrow_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.TransactionID, s.BuyerID, s.SellerID, s.MerchantID, s.Status, s.ExpiresAt,
		s.LastActivityAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		err = mapErr(err)
		if err != pkgerrors.ErrSessionAlreadyActive {
			slog.Error("failed to insert escrow session", "method", "CreateSession", "session_id", s.ID, "error", err)
			err = fmt.Errorf("failed to insert escrow session: %w", err)
		}
		return err
	}
	return nil
}

func (r sessionRepo) get(ctx context.Context, method string, id uuid.UUID, lock bool) (out *models.EscrowSession, err error) {
	ctx, done := observe(ctx, method)
	defer func() { done(err) }()

	query := `SELECT ` + sessionColumns + ` FROM escrow_sessions WHERE id = $1`
	if lock {
		query += r.s.lockClause()
	}
	out, err = scanSession(r.s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, rowErr(err, pkgerrors.ErrSessionNotFound)
	}
	return out, nil
}

func (r sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowSession, error) {
	return r.get(ctx, "GetSession", id, false)
}

func (r sessionRepo) Lock(ctx context.Context, id uuid.UUID) (*models.EscrowSession, error) {
	return r.get(ctx, "LockSession", id, true)
}

func (r sessionRepo) Update(ctx context.Context, s *models.EscrowSession, expected models.SessionStatus) (err error) {
	ctx, done := observe(ctx, "UpdateSession")
	defer func() { done(err) }()

	if s == nil {
		return pkgerrors.ErrNilSession
	}
	res, err := r.s.q.ExecContext(ctx, `UPDATE escrow_sessions SET
			status = $1, expires_at = $2, last_activity_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		s.Status, s.ExpiresAt, s.LastActivityAt, s.UpdatedAt, s.ID, expected)
	if err != nil {
		slog.Error("failed to update escrow session", "method", "UpdateSession", "session_id", s.ID, "error", err)
		return mapErr(fmt.Errorf("failed to update escrow session: %w", err))
	}
	return r.s.expectOne(ctx, res, "escrow_sessions", s.ID, pkgerrors.ErrSessionNotFound)
}

func (r sessionRepo) ListExpirable(ctx context.Context, now time.Time, limit int) (out []models.EscrowSession, err error) {
	ctx, done := observe(ctx, "ListExpirableSessions")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions
		WHERE status NOT IN ('COMPLETED', 'CANCELLED', 'EXPIRED') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		slog.Error("failed to list expirable sessions", "method", "ListExpirable", "error", err)
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r sessionRepo) AddMessage(ctx context.Context, m *models.SessionMessage) (err error) {
	ctx, done := observe(ctx, "AddSessionMessage")
	defer func() { done(err) }()

	_, err = r.s.q.ExecContext(ctx, `INSERT INTO session_messages (id, session_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`, m.ID, m.SessionID, m.AuthorID, m.Body, m.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert session message: %w", err))
	}
	return nil
}

func (r sessionRepo) ListMessages(ctx context.Context, sessionID uuid.UUID) (out []models.SessionMessage, err error) {
	ctx, done := observe(ctx, "ListSessionMessages")
	defer func() { done(err) }()

	rows, err := r.s.q.QueryContext(ctx, `SELECT id, session_id, author_id, body, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
