package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseService_RefundFullDualConfirmation(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)

	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseRefundFull, rel.Type)
	assert.True(t, rel.Amount.Equal(money("50.00")))
	assert.Equal(t, tr.buyer.ID, rel.RecipientID)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, summary.Token)
	assert.Contains(t, summary.Text, "50.00")
	assert.Contains(t, summary.Text, tr.buyer.ID.String())
	assert.True(t, summary.ExpiresAt.Equal(h.clock.Now().Add(5*time.Minute)))

	stored, err := h.store.Releases().GetByID(h.ctx, rel.ID)
	require.NoError(t, err)
	assert.NotEqual(t, summary.Token, stored.TokenHash)

	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil).Times(1)

	approved, err := h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseApproved, approved.Status)
	assert.Empty(t, approved.TokenHash)
	assert.Equal(t, h.admin.ID, *approved.DecidedBy)

	tx := h.reload(t, tr.tx.ID)
	assert.Equal(t, models.TxCancelled, tx.State.Status)
	assert.Equal(t, models.HoldVoided, h.hold(t, tx).Status)

	t.Run("second confirmation is rejected", func(t *testing.T) {
		_, err := h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
		assert.ErrorIs(t, err, pkgerrors.ErrAuthorizationExpired)
	})
}

func TestReleaseService_ConcurrentConfirmApprovesOnce(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)
	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)

	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil).Times(1)

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*models.PendingRelease, 2)
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
		}(i)
	}
	close(start)
	wg.Wait()

	approved, expired := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			approved++
			assert.Equal(t, models.ReleaseApproved, results[i].Status)
		case errors.Is(err, pkgerrors.ErrAuthorizationExpired):
			expired++
		default:
			t.Errorf("unexpected confirm error: %v", err)
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, expired)

	stored, err := h.store.Releases().GetByID(h.ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseApproved, stored.Status)
	assert.Equal(t, models.TxCancelled, h.reload(t, tr.tx.ID).State.Status)
}

func TestReleaseService_ExpiredToken(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	assert.ErrorIs(t, err, pkgerrors.ErrAuthorizationExpired)

	stored, err := h.store.Releases().GetByID(h.ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleasePending, stored.Status)
	assert.Empty(t, stored.TokenHash)
	assert.Equal(t, models.TxDisputed, h.reload(t, tr.tx.ID).State.Status)

	// A new initiation cycle works.
	fresh, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, fresh.Token)
	require.NoError(t, err)
}

func TestReleaseService_WrongTokenInvalidatesApproval(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)

	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, "not-the-token")
	assert.ErrorIs(t, err, pkgerrors.ErrAuthorizationExpired)

	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	assert.ErrorIs(t, err, pkgerrors.ErrAuthorizationExpired)
}

func TestReleaseService_ProviderFailureKeepsReleasePending(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)
	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)

	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(errors.New("processor unavailable"))
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrExternalDependency)
	assert.True(t, pkgerrors.Retryable(err))

	stored, err := h.store.Releases().GetByID(h.ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleasePending, stored.Status)
	tx := h.reload(t, tr.tx.ID)
	assert.Equal(t, models.TxDisputed, tx.State.Status)
	assert.Equal(t, models.HoldAuthorized, h.hold(t, tx).Status)

	// The token survives a rolled back attempt.
	h.payments.EXPECT().CancelOrRefund(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)
}

func TestReleaseService_PartialRefundCapturesRemainder(t *testing.T) {
	h := newHarness(t)
	tr, d := h.disputedTrade(t)

	_, _, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomePartialRefund, RefundAmount: money("50.00")})
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomePartialRefund, RefundAmount: money("20.00")})
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseRefundPartial, rel.Type)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	h.payments.EXPECT().Capture(gomock.Any(), tr.holdRef, amount("30.00")).Return(nil)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)

	tx := h.reload(t, tr.tx.ID)
	assert.Equal(t, models.TxCompleted, tx.State.Status)
	hold := h.hold(t, tx)
	assert.Equal(t, models.HoldCaptured, hold.Status)
	assert.True(t, hold.CapturedAmount.Equal(money("30.00")))
}

func TestReleaseService_HeldWhileDisputed(t *testing.T) {
	h := newHarness(t)
	tr := h.newTrade(t, models.EscrowLocal, true)
	_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
	require.NoError(t, err)
	h.payments.EXPECT().Capture(gomock.Any(), tr.holdRef, amount("50.00")).Return(nil)
	_, err = h.settlement.Complete(h.ctx, tr.buyer, tr.tx.ID, nil)
	require.NoError(t, err)

	pending, err := h.store.Releases().ListPendingByTransaction(h.ctx, tr.tx.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	payout := pending[0]
	assert.Equal(t, models.ReleaseToSeller, payout.Type)

	d, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeCounterfeit})
	require.NoError(t, err)

	_, err = h.releases.Initiate(h.ctx, h.admin, payout.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	_, err = h.disputes.Mediate(h.ctx, h.moderator, d.ID)
	require.NoError(t, err)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeSellerFavor})
	require.NoError(t, err)

	superseded, err := h.store.Releases().GetByID(h.ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseRejected, superseded.Status)

	// Funds are already captured, so approval makes no provider call.
	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, h.reload(t, tr.tx.ID).State.Status)
}

func TestReleaseService_RejectAllowsNewResolution(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)

	_, err = h.releases.Reject(h.ctx, newUser(), rel.ID, "no")
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	rejected, err := h.releases.Reject(h.ctx, h.moderator, rel.ID, "amount disputed by finance")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseRejected, rejected.Status)

	_, err = h.releases.Initiate(h.ctx, h.admin, rel.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	_, again, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomePartialRefund, RefundAmount: money("10.00")})
	require.NoError(t, err)
	assert.NotEqual(t, rel.ID, again.ID)
}

func TestReleaseService_ExpireStale(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)

	n, err := h.releases.ExpireStale(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(169 * time.Hour)
	n, err = h.releases.ExpireStale(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.Releases().GetByID(h.ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseExpired, stored.Status)
}

func TestReleaseService_RoleChecks(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedTrade(t)
	_, rel, err := h.disputes.Resolve(h.ctx, h.moderator, ResolveDisputeRequest{DisputeID: d.ID, Outcome: models.OutcomeBuyerFavor})
	require.NoError(t, err)

	for _, actor := range []models.Actor{newUser(), h.hub, {ID: rel.RecipientID, Role: models.RoleMerchant}} {
		_, err := h.releases.Initiate(h.ctx, actor, rel.ID)
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden, "role %s", actor.Role)
	}

	got, err := h.releases.Get(h.ctx, models.Actor{ID: rel.RecipientID, Role: models.RoleUser}, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, got.ID)
}
