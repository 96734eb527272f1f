// Package postgres implements repository.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = otel.Tracer("custody-repository")

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements repository.Store. Outside Atomic every statement runs in
// autocommit mode and Lock* reads take no lock.
type Store struct {
	db   *sql.DB
	q    dbtx
	inTx bool
}

var _ repository.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Transactions() repository.TransactionRepository { return transactionRepo{s} }
func (s *Store) Sessions() repository.SessionRepository         { return sessionRepo{s} }
func (s *Store) Disputes() repository.DisputeRepository         { return disputeRepo{s} }
func (s *Store) Releases() repository.ReleaseRepository         { return releaseRepo{s} }
func (s *Store) Vault() repository.VaultRepository              { return vaultRepo{s} }
func (s *Store) Audit() repository.AuditRepository              { return auditRepo{s} }

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, s repository.Store) error) (err error) {
	if s.inTx {
		return fn(ctx, s)
	}
	ctx, done := observe(ctx, "Atomic")
	defer func() { done(err) }()

	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Atomic", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err = fn(ctx, &Store{db: s.db, q: dbTx, inTx: true}); err != nil {
		if rollbackErr := dbTx.Rollback(); rollbackErr != nil {
			slog.Error("failed to rollback transaction", "method", "Atomic", "error", rollbackErr)
			return fmt.Errorf("rollback failed: %v; original error: %w", rollbackErr, err)
		}
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Atomic", "error", err)
		return mapErr(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// atomic runs fn on the transaction of the surrounding Atomic call, opening
// one when there is none.
func (s *Store) atomic(ctx context.Context, fn func(ctx context.Context, q dbtx) error) error {
	return s.Atomic(ctx, func(ctx context.Context, inner repository.Store) error {
		return fn(ctx, inner.(*Store).q)
	})
}

// lockClause is appended to Lock* reads so the row lock is only requested
// inside Atomic.
func (s *Store) lockClause() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			slog.Error("migration failed", "method", "Migrate", "file", name, "error", err)
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		slog.Info("migration applied", "method", "Migrate", "file", name)
	}
	return nil
}

// observe starts a span for one repository method and returns the hook that
// records its outcome in the repository metrics.
func observe(ctx context.Context, method string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, method)
	start := time.Now()
	return ctx, func(err error) {
		status := "success"
		if err != nil && !isNotFound(err) {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

var notFound = []error{
	pkgerrors.ErrTransactionNotFound,
	pkgerrors.ErrSessionNotFound,
	pkgerrors.ErrDisputeNotFound,
	pkgerrors.ErrReleaseNotFound,
	pkgerrors.ErrHoldNotFound,
	pkgerrors.ErrVaultItemNotFound,
	pkgerrors.ErrVaultOrderNotFound,
	pkgerrors.ErrSplitNotFound,
	pkgerrors.ErrPayoutBatchNotFound,
}

func isNotFound(err error) bool {
	for _, nf := range notFound {
		if stderrors.Is(err, nf) {
			return true
		}
	}
	return false
}

// mapErr folds driver errors into the package sentinels. Serialization
// failures and deadlocks become ErrConflict so the caller can retry.
func mapErr(err error) error {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", pkgerrors.ErrConflict, err)
	case "23505":
		switch pqErr.Constraint {
		case "escrow_sessions_one_active":
			return pkgerrors.ErrSessionAlreadyActive
		case "disputes_one_open":
			return pkgerrors.ErrDisputeAlreadyOpen
		}
		return fmt.Errorf("%w: %v", pkgerrors.ErrConflict, err)
	}
	return err
}

// rowErr maps sql.ErrNoRows to the entity sentinel.
func rowErr(err, missing error) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return missing
	}
	return mapErr(err)
}

// expectOne turns a conditional UPDATE that matched nothing into either the
// not-found sentinel or ErrConflict.
func (s *Store) expectOne(ctx context.Context, res sql.Result, table string, id any, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE id = $1)"
	if err := s.q.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return missing
	}
	return pkgerrors.ErrConflict
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
