// Package memory is an in-process implementation of repository.Store. Atomic
// serializes callers on one mutex and works on a copy of the data that is
// swapped in only when fn succeeds, which gives the same all-or-nothing and
// one-writer-wins behaviour the Postgres store gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

type data struct {
	transactions    map[uuid.UUID]models.Transaction
	holds           map[uuid.UUID]models.PaymentHold
	sessions        map[uuid.UUID]models.EscrowSession
	sessionMessages []models.SessionMessage
	disputes        map[uuid.UUID]models.Dispute
	disputeMessages []models.DisputeMessage
	releases        map[uuid.UUID]models.PendingRelease
	items           map[uuid.UUID]models.VaultItem
	orders          map[uuid.UUID]models.VaultOrder
	splits          map[uuid.UUID]models.VaultSplit
	batches         map[uuid.UUID]models.VaultPayoutBatch
	audit           []models.AuditLogEntry
}

func newData() *data {
	return &data{
		transactions: make(map[uuid.UUID]models.Transaction),
		holds:        make(map[uuid.UUID]models.PaymentHold),
		sessions:     make(map[uuid.UUID]models.EscrowSession),
		disputes:     make(map[uuid.UUID]models.Dispute),
		releases:     make(map[uuid.UUID]models.PendingRelease),
		items:        make(map[uuid.UUID]models.VaultItem),
		orders:       make(map[uuid.UUID]models.VaultOrder),
		splits:       make(map[uuid.UUID]models.VaultSplit),
		batches:      make(map[uuid.UUID]models.VaultPayoutBatch),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *data) clone() *data {
	batches := make(map[uuid.UUID]models.VaultPayoutBatch, len(d.batches))
	for k, b := range d.batches {
		b.Lines = append([]models.VaultPayoutLine(nil), b.Lines...)
		batches[k] = b
	}
	return &data{
		transactions:    cloneMap(d.transactions),
		holds:           cloneMap(d.holds),
		sessions:        cloneMap(d.sessions),
		sessionMessages: append([]models.SessionMessage(nil), d.sessionMessages...),
		disputes:        cloneMap(d.disputes),
		disputeMessages: append([]models.DisputeMessage(nil), d.disputeMessages...),
		releases:        cloneMap(d.releases),
		items:           cloneMap(d.items),
		orders:          cloneMap(d.orders),
		splits:          cloneMap(d.splits),
		batches:         batches,
		audit:           append([]models.AuditLogEntry(nil), d.audit...),
	}
}

type root struct {
	mu sync.Mutex
	d  *data
}

// Store implements repository.Store. The zero value is not usable; call New.
type Store struct {
	root *root
	tx   *data
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{root: &root{d: newData()}}
}

func (s *Store) with(fn func(d *data) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return fn(s.root.d)
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, s repository.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	work := s.root.d.clone()
	if err := fn(ctx, &Store{root: s.root, tx: work}); err != nil {
		return err
	}
	s.root.d = work
	return nil
}

func (s *Store) Transactions() repository.TransactionRepository { return transactionRepo{s} }
func (s *Store) Sessions() repository.SessionRepository         { return sessionRepo{s} }
func (s *Store) Disputes() repository.DisputeRepository         { return disputeRepo{s} }
func (s *Store) Releases() repository.ReleaseRepository         { return releaseRepo{s} }
func (s *Store) Vault() repository.VaultRepository              { return vaultRepo{s} }
func (s *Store) Audit() repository.AuditRepository              { return auditRepo{s} }

type transactionRepo struct{ s *Store }

func (r transactionRepo) Create(_ context.Context, tx *models.Transaction, hold *models.PaymentHold) error {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	return r.s.with(func(d *data) error {
		d.transactions[tx.ID] = *tx
		if hold != nil {
			d.holds[hold.ID] = *hold
		}
		return nil
	})
}

func (r transactionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	var out *models.Transaction
	err := r.s.with(func(d *data) error {
		tx, ok := d.transactions[id]
		if !ok {
			return pkgerrors.ErrTransactionNotFound
		}
		out = &tx
		return nil
	})
	return out, err
}

func (r transactionRepo) Lock(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r transactionRepo) Update(_ context.Context, tx *models.Transaction, expected models.TradeState) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.transactions[tx.ID]
		if !ok {
			return pkgerrors.ErrTransactionNotFound
		}
		if cur.State != expected {
			return pkgerrors.ErrConflict
		}
		d.transactions[tx.ID] = *tx
		return nil
	})
}

func (r transactionRepo) GetHold(_ context.Context, id uuid.UUID) (*models.PaymentHold, error) {
	var out *models.PaymentHold
	err := r.s.with(func(d *data) error {
		h, ok := d.holds[id]
		if !ok {
			return pkgerrors.ErrHoldNotFound
		}
		out = &h
		return nil
	})
	return out, err
}

func (r transactionRepo) GetHoldByProviderID(_ context.Context, providerHoldID string) (*models.PaymentHold, error) {
	var out *models.PaymentHold
	err := r.s.with(func(d *data) error {
		for _, h := range d.holds {
			if h.ProviderHoldID == providerHoldID {
				h := h
				out = &h
				return nil
			}
		}
		return pkgerrors.ErrHoldNotFound
	})
	return out, err
}

func (r transactionRepo) UpdateHold(_ context.Context, hold *models.PaymentHold, expected models.HoldStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.holds[hold.ID]
		if !ok {
			return pkgerrors.ErrHoldNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.holds[hold.ID] = *hold
		return nil
	})
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, s *models.EscrowSession) error {
	if s == nil {
		return pkgerrors.ErrNilSession
	}
	return r.s.with(func(d *data) error {
		for _, other := range d.sessions {
			if other.TransactionID == s.TransactionID && !other.Status.Terminal() {
				return pkgerrors.ErrSessionAlreadyActive
			}
		}
		d.sessions[s.ID] = *s
		return nil
	})
}

func (r sessionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowSession, error) {
	var out *models.EscrowSession
	err := r.s.with(func(d *data) error {
		s, ok := d.sessions[id]
		if !ok {
			return pkgerrors.ErrSessionNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r sessionRepo) Lock(ctx context.Context, id uuid.UUID) (*models.EscrowSession, error) {
	return r.GetByID(ctx, id)
}

func (r sessionRepo) Update(_ context.Context, s *models.EscrowSession, expected models.SessionStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.sessions[s.ID]
		if !ok {
			return pkgerrors.ErrSessionNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.sessions[s.ID] = *s
		return nil
	})
}

func (r sessionRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]models.EscrowSession, error) {
	var out []models.EscrowSession
	err := r.s.with(func(d *data) error {
		for _, s := range d.sessions {
			if s.Status.Terminal() || s.Status == models.SessionExpired {
				continue
			}
			if s.ExpiresAt.Before(now) {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r sessionRepo) AddMessage(_ context.Context, m *models.SessionMessage) error {
	return r.s.with(func(d *data) error {
		d.sessionMessages = append(d.sessionMessages, *m)
		return nil
	})
}

func (r sessionRepo) ListMessages(_ context.Context, sessionID uuid.UUID) ([]models.SessionMessage, error) {
	var out []models.SessionMessage
	err := r.s.with(func(d *data) error {
		for _, m := range d.sessionMessages {
			if m.SessionID == sessionID {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

type disputeRepo struct{ s *Store }

func (r disputeRepo) Create(_ context.Context, dp *models.Dispute) error {
	if dp == nil {
		return pkgerrors.ErrNilDispute
	}
	return r.s.with(func(d *data) error {
		for _, other := range d.disputes {
			if other.TransactionID == dp.TransactionID && other.Status.IsOpen() {
				return pkgerrors.ErrDisputeAlreadyOpen
			}
		}
		d.disputes[dp.ID] = *dp
		return nil
	})
}

func (r disputeRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	var out *models.Dispute
	err := r.s.with(func(d *data) error {
		dp, ok := d.disputes[id]
		if !ok {
			return pkgerrors.ErrDisputeNotFound
		}
		out = &dp
		return nil
	})
	return out, err
}

func (r disputeRepo) Lock(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return r.GetByID(ctx, id)
}

func (r disputeRepo) Update(_ context.Context, dp *models.Dispute, expected models.DisputeStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.disputes[dp.ID]
		if !ok {
			return pkgerrors.ErrDisputeNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.disputes[dp.ID] = *dp
		return nil
	})
}

func (r disputeRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]models.Dispute, error) {
	var out []models.Dispute
	err := r.s.with(func(d *data) error {
		for _, dp := range d.disputes {
			if dp.Status == models.DisputeSellerResponse && dp.ResponseDeadline != nil && dp.ResponseDeadline.Before(now) {
				out = append(out, dp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(*out[j].ResponseDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r disputeRepo) AddMessage(_ context.Context, m *models.DisputeMessage) error {
	return r.s.with(func(d *data) error {
		d.disputeMessages = append(d.disputeMessages, *m)
		return nil
	})
}

func (r disputeRepo) ListMessages(_ context.Context, disputeID uuid.UUID) ([]models.DisputeMessage, error) {
	var out []models.DisputeMessage
	err := r.s.with(func(d *data) error {
		for _, m := range d.disputeMessages {
			if m.DisputeID == disputeID {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

type releaseRepo struct{ s *Store }

func (r releaseRepo) Create(_ context.Context, rel *models.PendingRelease) error {
	if rel == nil {
		return pkgerrors.ErrNilRelease
	}
	return r.s.with(func(d *data) error {
		d.releases[rel.ID] = *rel
		return nil
	})
}

func (r releaseRepo) GetByID(_ context.Context, id uuid.UUID) (*models.PendingRelease, error) {
	var out *models.PendingRelease
	err := r.s.with(func(d *data) error {
		rel, ok := d.releases[id]
		if !ok {
			return pkgerrors.ErrReleaseNotFound
		}
		out = &rel
		return nil
	})
	return out, err
}

func (r releaseRepo) Lock(ctx context.Context, id uuid.UUID) (*models.PendingRelease, error) {
	return r.GetByID(ctx, id)
}

func (r releaseRepo) Update(_ context.Context, rel *models.PendingRelease, expected models.ReleaseStatus) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.releases[rel.ID]
		if !ok {
			return pkgerrors.ErrReleaseNotFound
		}
		if cur.Status != expected {
			return pkgerrors.ErrConflict
		}
		d.releases[rel.ID] = *rel
		return nil
	})
}

func (r releaseRepo) ListPendingByTransaction(_ context.Context, transactionID uuid.UUID) ([]models.PendingRelease, error) {
	var out []models.PendingRelease
	err := r.s.with(func(d *data) error {
		for _, rel := range d.releases {
			if rel.Status == models.ReleasePending && rel.TransactionID != nil && *rel.TransactionID == transactionID {
				out = append(out, rel)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r releaseRepo) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.PendingRelease, error) {
	var out []models.PendingRelease
	err := r.s.with(func(d *data) error {
		for _, rel := range d.releases {
			if rel.Status == models.ReleasePending && rel.CreatedAt.Before(cutoff) {
				out = append(out, rel)
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

type auditRepo struct{ s *Store }

func (r auditRepo) Append(_ context.Context, e *models.AuditLogEntry) error {
	if e == nil {
		return pkgerrors.ErrNilAuditEntry
	}
	return r.s.with(func(d *data) error {
		d.audit = append(d.audit, *e)
		return nil
	})
}

func (r auditRepo) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	err := r.s.with(func(d *data) error {
		for _, e := range d.audit {
			if e.EntityType == entityType && e.EntityID == entityID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
