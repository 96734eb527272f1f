package service

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisputeService_OpenEligibility(t *testing.T) {
	h := newHarness(t)

	t.Run("pending transaction", func(t *testing.T) {
		tr := h.newTrade(t, models.EscrowLocal, true)
		_, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeOther})
		assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	})

	t.Run("no payment hold", func(t *testing.T) {
		tr := h.newTrade(t, models.EscrowLocal, false)
		_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
		require.NoError(t, err)
		_, err = h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeOther})
		assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	})

	t.Run("unknown type", func(t *testing.T) {
		tr := h.newTrade(t, models.EscrowLocal, true)
		_, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: "LATE"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("held and confirmed", func(t *testing.T) {
		tr := h.newTrade(t, models.EscrowLocal, true)
		_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
		require.NoError(t, err)

		_, err = h.disputes.Open(h.ctx, newUser(), OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeOther})
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

		d, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeCounterfeit, Reason: " fake stitching "})
		require.NoError(t, err)
		assert.Equal(t, models.DisputeOpen, d.Status)
		assert.Equal(t, tr.seller.ID, d.RespondentID)
		assert.Equal(t, models.TxConfirmed, d.HeldFrom)
		assert.Equal(t, "fake stitching", d.Reason)

		tx := h.reload(t, tr.tx.ID)
		assert.Equal(t, models.TxDisputed, tx.State.Status)
		require.NotNil(t, tx.DisputeID)
		assert.Equal(t, d.ID, *tx.DisputeID)

		_, err = h.disputes.Open(h.ctx, tr.seller, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeOther})
		assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	})
}

func TestDisputeService_WithdrawRestoresTransaction(t *testing.T) {
	h := newHarness(t)
	tr := h.newTrade(t, models.EscrowLocal, true)
	_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
	require.NoError(t, err)
	d, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeNotAsDescribed})
	require.NoError(t, err)

	_, err = h.disputes.Withdraw(h.ctx, tr.seller, d.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	closed, err := h.disputes.Withdraw(h.ctx, tr.buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeClosed, closed.Status)
	assert.Equal(t, models.OutcomeWithdrawn, closed.Outcome)
	assert.Equal(t, models.TxConfirmed, h.reload(t, tr.tx.ID).State.Status)

	// The trade can be disputed again once the first claim is closed.
	_, err = h.disputes.Open(h.ctx, tr.seller, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputePaymentIssue})
	require.NoError(t, err)
}

func TestDisputeService_WithdrawAfterMediationIsInvalid(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)

	_, err := h.disputes.Withdraw(h.ctx, tr.buyer, d.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	assert.Equal(t, models.TxDisputed, h.reload(t, tr.tx.ID).State.Status)
}

func TestDisputeService_ResponseDeadline(t *testing.T) {
	h := newHarness(t)

	open := func(t *testing.T) (*trade, *models.Dispute) {
		tr := h.newTrade(t, models.EscrowLocal, true)
		_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
		require.NoError(t, err)
		d, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeItemNotReceived})
		require.NoError(t, err)
		d, err = h.disputes.RequestResponse(h.ctx, h.moderator, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeSellerResponse, d.Status)
		require.NotNil(t, d.ResponseDeadline)
		assert.True(t, d.ResponseDeadline.Equal(h.clock.Now().Add(48*time.Hour)))
		return tr, d
	}

	t.Run("answered in time", func(t *testing.T) {
		tr, d := open(t)
		_, err := h.disputes.Respond(h.ctx, tr.buyer, d.ID, "where is it")
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

		d, err = h.disputes.Respond(h.ctx, tr.seller, d.ID, "shipped on monday")
		require.NoError(t, err)
		assert.Equal(t, models.DisputeInMediation, d.Status)

		msgs, err := h.disputes.ListMessages(h.ctx, tr.buyer, d.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "shipped on monday", msgs[0].Body)
	})

	t.Run("missed deadline escalates", func(t *testing.T) {
		tr, d := open(t)
		h.clock.Advance(49 * time.Hour)

		_, err := h.disputes.Respond(h.ctx, tr.seller, d.ID, "sorry, late")
		assert.ErrorIs(t, err, pkgerrors.ErrAuthorizationExpired)

		n, err := h.disputes.EscalateOverdue(h.ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.disputes.Get(h.ctx, h.moderator, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeEscalated, got.Status)

		n, err = h.disputes.EscalateOverdue(h.ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDisputeService_ResolveBuyerFavor(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)

	_, _, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: "COIN_FLIP"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)

	_, _, err = h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomePartialRefund, RefundAmount: money("50.00")})
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	_, _, err = h.disputes.Resolve(h.ctx, tr.buyer, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	resolved, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor, Note: "photos match"})
	require.NoError(t, err)
	assert.Equal(t, models.DisputeResolved, resolved.Status)
	assert.True(t, resolved.RefundAmount.Equal(money("50.00")))
	assert.Equal(t, models.ReleasePending, rel.Status)

	// Resolution alone moves no money.
	assert.Equal(t, models.TxDisputed, h.reload(t, tr.tx.ID).State.Status)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)

	_, _, err = h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeSellerFavor})
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	closed, err := h.disputes.Close(h.ctx, h.moderator, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeClosed, closed.Status)
}

func TestDisputeService_PartialRefundRecordsAmount(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedTrade(t)

	resolved, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{
		DisputeID: d.ID, Outcome: models.OutcomePartialRefund, RefundAmount: decimal.RequireFromString("12.345"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseRefundPartial, rel.Type)
	assert.True(t, rel.Amount.Equal(money("12.35")), rel.Amount.String())
	assert.True(t, resolved.RefundAmount.Equal(rel.Amount))
}

func TestDisputeService_Access(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)

	_, err := h.disputes.Get(h.ctx, tr.merchant, d.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	_, err = h.disputes.Get(h.ctx, newUser(), d.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	_, err = h.disputes.Get(h.ctx, tr.seller, d.ID)
	assert.NoError(t, err)

	_, err = h.disputes.AddMessage(h.ctx, tr.seller, d.ID, "", "")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	msg, err := h.disputes.AddMessage(h.ctx, tr.seller, d.ID, "see attached", "https://evidence.example/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, tr.seller.ID, msg.AuthorID)

	_, err = h.disputes.AddMessage(h.ctx, h.moderator, d.ID, "noted", "")
	assert.NoError(t, err)
}
