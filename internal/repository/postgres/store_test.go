package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	"github.com/honeynil/TradeCustodyService/internal/repository/postgres"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionCols = []string{"id", "proposal_id", "party_a", "party_b", "buyer_id", "seller_id", "shop_id", "hub_id",
	"escrow_type", "status", "package_status", "amount", "hold_id", "dispute_id", "tracking_number",
	"created_at", "checked_in_at", "completed_at", "updated_at"}

func newMock(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.New(db), mock
}

func sampleTransaction() *models.Transaction {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buyer, seller := uuid.New(), uuid.New()
	return &models.Transaction{
		ID:         uuid.New(),
		ProposalID: uuid.New(),
		PartyA:     buyer,
		PartyB:     seller,
		BuyerID:    buyer,
		SellerID:   seller,
		EscrowType: models.EscrowLocal,
		State:      models.TradeState{Status: models.TxPending},
		Amount:     decimal.RequireFromString("50.00"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func transactionRow(tx *models.Transaction) *sqlmock.Rows {
	return sqlmock.NewRows(transactionCols).AddRow(
		tx.ID.String(), tx.ProposalID.String(), tx.PartyA.String(), tx.PartyB.String(), tx.BuyerID.String(),
		tx.SellerID.String(), nil, nil, string(tx.EscrowType), string(tx.State.Status), string(tx.State.Package),
		tx.Amount.String(), nil, nil, tx.TrackingNumber, tx.CreatedAt, nil, nil, tx.UpdatedAt)
}

func TestTransactionRepo_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("NilTransaction", func(t *testing.T) {
		store, _ := newMock(t)
		err := store.Transactions().Create(ctx, nil, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrNilTransaction)
	})

	t.Run("WithHold", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()
		hold := &models.PaymentHold{
			ID:             uuid.New(),
			TransactionID:  tx.ID,
			ProviderHoldID: "pi-1",
			Amount:         tx.Amount,
			Status:         models.HoldAuthorized,
			CreatedAt:      tx.CreatedAt,
			UpdatedAt:      tx.CreatedAt,
		}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_holds")).
			WithArgs(hold.ID, tx.ID, "pi-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				"AUTHORIZED", hold.CreatedAt, hold.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.Transactions().Create(ctx, tx, hold))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("HoldInsertFailsRollsBack", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_holds")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.Transactions().Create(ctx, tx, &models.PaymentHold{ID: uuid.New(), TransactionID: tx.ID})
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepo_GetByID(t *testing.T) {
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()
		mock.ExpectQuery(`(?s)SELECT .+ FROM transactions WHERE id = \$1$`).
			WithArgs(tx.ID).
			WillReturnRows(transactionRow(tx))

		got, err := store.Transactions().GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
		assert.Equal(t, models.TxPending, got.State.Status)
		assert.Equal(t, models.PackageNone, got.State.Package)
		assert.True(t, tx.Amount.Equal(got.Amount))
		assert.Nil(t, got.HoldID)
		assert.Nil(t, got.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		store, mock := newMock(t)
		id := uuid.New()
		mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE id = $1")).
			WithArgs(id).
			WillReturnError(sql.ErrNoRows)

		_, err := store.Transactions().GetByID(ctx, id)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	})
}

func TestTransactionRepo_Update(t *testing.T) {
	ctx := context.Background()
	expected := models.TradeState{Status: models.TxPending}

	t.Run("Applied", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()
		tx.State.Status = models.TxConfirmed
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET")).
			WithArgs("CONFIRMED", "", sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(),
				tx.UpdatedAt, tx.ID, "PENDING", "").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.Transactions().Update(ctx, tx, expected))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("StaleStatusIsConflict", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)")).
			WithArgs(tx.ID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.Transactions().Update(ctx, tx, expected)
		assert.ErrorIs(t, err, pkgerrors.ErrConflict)
	})

	t.Run("MissingRow", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := store.Transactions().Update(ctx, tx, expected)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	})
}

func TestStore_Atomic(t *testing.T) {
	ctx := context.Background()

	t.Run("LockOnlyInsideTransaction", func(t *testing.T) {
		store, mock := newMock(t)
		tx := sampleTransaction()

		mock.ExpectQuery(`FROM transactions WHERE id = \$1$`).WillReturnRows(transactionRow(tx))
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE id = $1 FOR UPDATE")).
			WillReturnRows(transactionRow(tx))
		mock.ExpectCommit()

		_, err := store.Transactions().Lock(ctx, tx.ID)
		require.NoError(t, err)
		err = store.Atomic(ctx, func(ctx context.Context, s repository.Store) error {
			_, err := s.Transactions().Lock(ctx, tx.ID)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NestedCallsJoinOuter", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit()

		err := store.Atomic(ctx, func(ctx context.Context, outer repository.Store) error {
			return outer.Atomic(ctx, func(context.Context, repository.Store) error { return nil })
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ErrorRollsBack", func(t *testing.T) {
		store, mock := newMock(t)
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.Atomic(ctx, func(context.Context, repository.Store) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SerializationFailureOnCommit", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

		err := store.Atomic(ctx, func(context.Context, repository.Store) error { return nil })
		assert.ErrorIs(t, err, pkgerrors.ErrConflict)
		assert.True(t, pkgerrors.Retryable(err))
	})
}

func TestSessionRepo_CreateUniqueness(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)
	now := time.Now().UTC()
	s := &models.EscrowSession{
		ID:             uuid.New(),
		TransactionID:  uuid.New(),
		Status:         models.SessionCreated,
		ExpiresAt:      now.Add(time.Hour),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_sessions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "escrow_sessions_one_active"})
	assert.ErrorIs(t, store.Sessions().Create(ctx, s), pkgerrors.ErrSessionAlreadyActive)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_sessions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "escrow_sessions_pkey"})
	assert.ErrorIs(t, store.Sessions().Create(ctx, s), pkgerrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisputeRepo_CreateUniqueness(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO disputes")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "disputes_one_open"})

	err := store.Disputes().Create(context.Background(), &models.Dispute{ID: uuid.New(), TransactionID: uuid.New()})
	assert.ErrorIs(t, err, pkgerrors.ErrDisputeAlreadyOpen)
	assert.ErrorIs(t, store.Disputes().Create(context.Background(), nil), pkgerrors.ErrNilDispute)
}

func TestSessionRepo_ListExpirable(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	id, txID := uuid.New(), uuid.New()
	cols := []string{"id", "transaction_id", "buyer_id", "seller_id", "merchant_id", "status", "expires_at",
		"last_activity_at", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_sessions")).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), txID.String(), uuid.NewString(), uuid.NewString(),
			uuid.NewString(), "CHECKIN_PENDING", now.Add(-time.Minute), now, now, now))

	got, err := store.Sessions().ListExpirable(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, models.SessionCheckinPending, got[0].Status)
}

func TestVaultRepo_SetSplitStatus(t *testing.T) {
	ctx := context.Background()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	t.Run("AllMoved", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE vault_splits SET owner_status = $1")).
			WithArgs("IN_PAYOUT", sqlmock.AnyArg(), "ELIGIBLE").
			WillReturnResult(sqlmock.NewResult(0, 2))

		err := store.Vault().SetSplitStatus(ctx, ids, models.PayeeOwner, models.SplitEligible, models.SplitInPayout)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PartialIsConflict", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE vault_splits SET merchant_status = $1")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Vault().SetSplitStatus(ctx, ids, models.PayeeMerchant, models.SplitEligible, models.SplitInPayout)
		assert.ErrorIs(t, err, pkgerrors.ErrConflict)
	})

	t.Run("UnknownPayee", func(t *testing.T) {
		store, _ := newMock(t)
		err := store.Vault().SetSplitStatus(ctx, ids, "BANK", models.SplitEligible, models.SplitInPayout)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})
}

func TestVaultRepo_CreateBatchWritesLines(t *testing.T) {
	store, mock := newMock(t)
	batch := &models.VaultPayoutBatch{
		ID:        uuid.New(),
		PayeeType: models.PayeeOwner,
		Status:    models.BatchAwaitingApproval,
		Total:     decimal.RequireFromString("70.00"),
		CreatedBy: uuid.New(),
		CreatedAt: time.Now().UTC(),
		Lines: []models.VaultPayoutLine{
			{ID: uuid.New(), SplitID: uuid.New(), PayeeID: uuid.New(), Amount: decimal.RequireFromString("28.00")},
			{ID: uuid.New(), SplitID: uuid.New(), PayeeID: uuid.New(), Amount: decimal.RequireFromString("42.00")},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vault_payout_batches")).WillReturnResult(sqlmock.NewResult(0, 1))
	for _, l := range batch.Lines {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vault_payout_lines")).
			WithArgs(l.ID, batch.ID, l.SplitID, l.PayeeID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.Vault().CreateBatch(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)
	entityID := uuid.New()
	now := time.Now().UTC()

	assert.ErrorIs(t, store.Audit().Append(ctx, nil), pkgerrors.ErrNilAuditEntry)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs(sqlmock.AnyArg(), "transaction.confirm", sqlmock.AnyArg(), "USER", "transaction", entityID,
			nil, `{"status":"CONFIRMED"}`, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.Audit().Append(ctx, &models.AuditLogEntry{
		ID:         uuid.New(),
		ActionType: "transaction.confirm",
		ActorID:    uuid.New(),
		ActorRole:  models.RoleUser,
		EntityType: "transaction",
		EntityID:   entityID,
		After:      []byte(`{"status":"CONFIRMED"}`),
		CreatedAt:  now,
	})
	require.NoError(t, err)

	cols := []string{"id", "action_type", "actor_id", "actor_role", "entity_type", "entity_id", "before", "after", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log WHERE entity_type = $1 AND entity_id = $2")).
		WithArgs("transaction", entityID).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.NewString(), "transaction.confirm", uuid.NewString(), "USER", "transaction", entityID.String(),
				nil, []byte(`{"status":"CONFIRMED"}`), now))

	entries, err := store.Audit().ListByEntity(ctx, "transaction", entityID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Before)
	assert.JSONEq(t, `{"status":"CONFIRMED"}`, string(entries[0].After))
	assert.NoError(t, mock.ExpectationsWereMet())
}
