package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransaction() *models.Transaction {
	return &models.Transaction{
		ID:         uuid.New(),
		EscrowType: models.EscrowLocal,
		State:      models.TradeState{Status: models.TxPending},
		Amount:     decimal.RequireFromString("10.00"),
		CreatedAt:  time.Now(),
	}
}

func TestStore_AtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx := newTransaction()
	require.NoError(t, s.Transactions().Create(ctx, tx, nil))

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		locked, err := st.Transactions().Lock(ctx, tx.ID)
		require.NoError(t, err)
		locked.State.Status = models.TxConfirmed
		require.NoError(t, st.Transactions().Update(ctx, locked, tx.State))
		require.NoError(t, st.Audit().Append(ctx, &models.AuditLogEntry{ID: uuid.New(), EntityID: tx.ID, EntityType: "transaction"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Transactions().GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, got.State.Status)
	entries, err := s.Audit().ListByEntity(ctx, "transaction", tx.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx := newTransaction()
	require.NoError(t, s.Transactions().Create(ctx, tx, nil))

	next := *tx
	next.State.Status = models.TxConfirmed
	require.NoError(t, s.Transactions().Update(ctx, &next, tx.State))

	stale := *tx
	stale.State.Status = models.TxCancelled
	assert.ErrorIs(t, s.Transactions().Update(ctx, &stale, tx.State), pkgerrors.ErrConflict)

	_, err := s.Transactions().GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx := newTransaction()
	require.NoError(t, s.Transactions().Create(ctx, tx, nil))

	got, err := s.Transactions().GetByID(ctx, tx.ID)
	require.NoError(t, err)
	got.State.Status = models.TxCancelled

	again, err := s.Transactions().GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, again.State.Status)
}

func TestStore_OneActiveSessionPerTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	txID := uuid.New()
	first := &models.EscrowSession{ID: uuid.New(), TransactionID: txID, Status: models.SessionCreated}
	require.NoError(t, s.Sessions().Create(ctx, first))

	second := &models.EscrowSession{ID: uuid.New(), TransactionID: txID, Status: models.SessionCreated}
	assert.ErrorIs(t, s.Sessions().Create(ctx, second), pkgerrors.ErrSessionAlreadyActive)

	done := *first
	done.Status = models.SessionCancelled
	require.NoError(t, s.Sessions().Update(ctx, &done, models.SessionCreated))
	assert.NoError(t, s.Sessions().Create(ctx, second))
}

func TestStore_OneOpenDisputePerTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	txID := uuid.New()
	require.NoError(t, s.Disputes().Create(ctx, &models.Dispute{ID: uuid.New(), TransactionID: txID, Status: models.DisputeOpen}))
	err := s.Disputes().Create(ctx, &models.Dispute{ID: uuid.New(), TransactionID: txID, Status: models.DisputeOpen})
	assert.ErrorIs(t, err, pkgerrors.ErrDisputeAlreadyOpen)
}

func TestStore_ListExpirable(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := &models.EscrowSession{ID: uuid.New(), TransactionID: uuid.New(), Status: models.SessionCheckinPending, ExpiresAt: now.Add(-time.Minute)}
	later := &models.EscrowSession{ID: uuid.New(), TransactionID: uuid.New(), Status: models.SessionCreated, ExpiresAt: now.Add(time.Minute)}
	expired := &models.EscrowSession{ID: uuid.New(), TransactionID: uuid.New(), Status: models.SessionExpired, ExpiresAt: now.Add(-time.Hour)}
	for _, sess := range []*models.EscrowSession{due, later, expired} {
		require.NoError(t, s.Sessions().Create(ctx, sess))
	}

	got, err := s.Sessions().ListExpirable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestVault_SplitStatusMovesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	mk := func(status models.SplitStatus) *models.VaultSplit {
		sp := &models.VaultSplit{
			ID: uuid.New(), ItemID: uuid.New(), OwnerID: uuid.New(), ShopID: uuid.New(),
			GrossAmount: decimal.RequireFromString("10"), OwnerAmount: decimal.RequireFromString("7"),
			MerchantAmount: decimal.RequireFromString("2"), PlatformAmount: decimal.RequireFromString("1"),
			OwnerStatus: status, MerchantStatus: models.SplitEligible, PlatformStatus: models.SplitEligible,
			CreatedAt: time.Now(),
		}
		require.NoError(t, s.Vault().CreateSplit(ctx, sp))
		return sp
	}
	a, b := mk(models.SplitEligible), mk(models.SplitPaid)

	eligible, err := s.Vault().ListEligibleSplits(ctx, models.PayeeOwner, 0)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, a.ID, eligible[0].ID)

	err = s.Vault().SetSplitStatus(ctx, []uuid.UUID{a.ID, b.ID}, models.PayeeOwner, models.SplitEligible, models.SplitInPayout)
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)
	got, err := s.Vault().GetSplit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitEligible, got.OwnerStatus)

	require.NoError(t, s.Vault().SetSplitStatus(ctx, []uuid.UUID{a.ID}, models.PayeeOwner, models.SplitEligible, models.SplitInPayout))
	got, err = s.Vault().GetSplit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitInPayout, got.OwnerStatus)
	assert.Equal(t, models.SplitEligible, got.MerchantStatus)
}
