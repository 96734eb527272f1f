package service

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consignment struct {
	owner    models.Actor
	merchant models.Actor
	item     *models.VaultItem
}

// shelvedItem deposits an item and walks it into a shop case.
func (h *harness) shelvedItem(t *testing.T) *consignment {
	t.Helper()
	c := &consignment{owner: newUser(), merchant: models.Actor{ID: uuid.New(), Role: models.RoleMerchant}}
	item, err := h.vault.Deposit(h.ctx, c.owner, DepositRequest{Title: "Vintage Rolex 1601", DeclaredCondition: "good", ListPrice: money("90.00")})
	require.NoError(t, err)
	assert.Equal(t, models.ItemPendingReview, item.Status)

	_, err = h.vault.Review(h.ctx, h.hub, ReviewRequest{ItemID: item.ID, Accept: true, VerifiedCondition: "very good"})
	require.NoError(t, err)
	_, err = h.vault.AssignToShop(h.ctx, h.admin, item.ID, c.merchant.ID)
	require.NoError(t, err)
	item, err = h.vault.PlaceInCase(h.ctx, c.merchant, item.ID, "case 3", "B2")
	require.NoError(t, err)
	assert.Equal(t, models.ItemInCase, item.Status)
	c.item = item
	return c
}

func (h *harness) listedItem(t *testing.T) *consignment {
	t.Helper()
	c := h.shelvedItem(t)
	item, err := h.vault.ListOnline(h.ctx, c.merchant, c.item.ID, money("100.00"))
	require.NoError(t, err)
	c.item = item
	return c
}

func (h *harness) checkout(t *testing.T, c *consignment, buyer models.Actor, ref string) *models.VaultOrder {
	t.Helper()
	h.payments.EXPECT().CreateHold(gomock.Any(), amount("105.00"), gomock.Any()).Return(ref, nil)
	order, err := h.vault.Checkout(h.ctx, buyer, CheckoutRequest{ItemID: c.item.ID, ShippingAddress: "1 Main St"})
	require.NoError(t, err)
	return order
}

func (h *harness) item(t *testing.T, id uuid.UUID) *models.VaultItem {
	t.Helper()
	item, err := h.store.Vault().GetItem(h.ctx, id)
	require.NoError(t, err)
	return item
}

func TestVaultService_ListingRequiresCase(t *testing.T) {
	h := newHarness(t)
	owner := newUser()
	merchant := models.Actor{ID: uuid.New(), Role: models.RoleMerchant}
	item, err := h.vault.Deposit(h.ctx, owner, DepositRequest{Title: "Leica M6", ListPrice: money("10.00")})
	require.NoError(t, err)
	_, err = h.vault.Review(h.ctx, h.moderator, ReviewRequest{ItemID: item.ID, Accept: true})
	require.NoError(t, err)
	_, err = h.vault.AssignToShop(h.ctx, h.admin, item.ID, merchant.ID)
	require.NoError(t, err)

	_, err = h.vault.ListOnline(h.ctx, merchant, item.ID, money("20.00"))
	require.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "allowed: IN_CASE, RETURNED")

	other := models.Actor{ID: uuid.New(), Role: models.RoleMerchant}
	_, err = h.vault.PlaceInCase(h.ctx, other, item.ID, "case 1", "")
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	_, err = h.vault.GetItem(h.ctx, newUser(), item.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	_, err = h.vault.Deposit(h.ctx, merchant, DepositRequest{Title: "x"})
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	_, err = h.vault.Deposit(h.ctx, owner, DepositRequest{Title: "  "})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}

func TestVaultService_OrderLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()

	_, err := h.vault.Checkout(h.ctx, c.owner, CheckoutRequest{ItemID: c.item.ID, ShippingAddress: "home"})
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	order := h.checkout(t, c, buyer, "pi-1")
	assert.Equal(t, models.OrderPendingPayment, order.Status)
	assert.True(t, order.Total.Equal(money("105.00")))
	assert.Equal(t, models.ItemReserved, h.item(t, c.item.ID).Status)

	// A second buyer cannot reserve the same item.
	_, err = h.vault.Checkout(h.ctx, newUser(), CheckoutRequest{ItemID: c.item.ID, ShippingAddress: "elsewhere"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)

	_, err = h.vault.Return(h.ctx, c.owner, c.item.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	order, err = h.vault.MarkPaidByRef(h.ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, order.Status)
	replay, err := h.vault.MarkPaidByRef(h.ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, replay.Status)

	_, err = h.vault.Fulfil(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)
	_, err = h.vault.Ship(h.ctx, c.merchant, order.ID, " ")
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	order, err = h.vault.Ship(h.ctx, c.merchant, order.ID, "1Z42")
	require.NoError(t, err)
	assert.Equal(t, "1Z42", order.TrackingNumber)
	_, err = h.vault.Deliver(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)

	_, _, err = h.vault.SettleOrder(h.ctx, buyer, order.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	settled, sp, err := h.vault.SettleOrder(h.ctx, h.admin, order.ID)
	require.NoError(t, err)
	require.NotNil(t, settled.SettledAt)
	assert.Equal(t, models.OrderDelivered, settled.Status)
	assert.True(t, sp.GrossAmount.Equal(money("100.00")))
	assert.True(t, sp.OwnerAmount.Add(sp.MerchantAmount).Add(sp.PlatformAmount).Equal(sp.GrossAmount))
	assert.Equal(t, c.merchant.ID, sp.ShopID)

	item := h.item(t, c.item.ID)
	assert.Equal(t, models.ItemSold, item.Status)
	assert.True(t, item.FinalPrice.Equal(money("100.00")))

	_, err = h.vault.DisputeOrder(h.ctx, buyer, order.ID, "scratched crystal")
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	_, _, err = h.vault.SettleOrder(h.ctx, h.admin, order.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
	_, err = h.vault.RequestRefund(h.ctx, h.admin, order.ID, "")
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)
}

func TestVaultService_MarkPaidCapturesIntent(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()
	order := h.checkout(t, c, buyer, "pi-1")

	h.payments.EXPECT().Capture(gomock.Any(), "pi-1", amount("105.00")).Return(assert.AnError).Times(1)
	_, err := h.vault.MarkPaid(h.ctx, h.admin, order.ID)
	require.ErrorIs(t, err, pkgerrors.ErrExternalDependency)
	assert.True(t, pkgerrors.Retryable(err))
	got, err := h.vault.GetOrder(h.ctx, h.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPendingPayment, got.Status)

	h.payments.EXPECT().Capture(gomock.Any(), "pi-1", amount("105.00")).Return(nil).Times(1)
	paid, err := h.vault.MarkPaid(h.ctx, h.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, paid.Status)

	// The processor event for the captured intent arrives afterwards.
	replay, err := h.vault.MarkPaidByRef(h.ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, replay.Status)

	_, err = h.vault.Fulfil(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)
	_, err = h.vault.Ship(h.ctx, c.merchant, order.ID, "1Z40")
	require.NoError(t, err)
	_, err = h.vault.Deliver(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)
	_, _, err = h.vault.SettleOrder(h.ctx, h.admin, order.ID)
	require.NoError(t, err)

	_, rel, err := h.vault.CreatePayoutBatch(h.ctx, h.admin, models.PayeeOwner)
	require.NoError(t, err)
	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	approved, err := h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseApproved, approved.Status)
	assert.True(t, approved.Amount.Equal(money("70.00")))
}

func TestVaultService_CheckoutProviderFailure(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	h.payments.EXPECT().CreateHold(gomock.Any(), gomock.Any(), gomock.Any()).Return("", assert.AnError)

	_, err := h.vault.Checkout(h.ctx, newUser(), CheckoutRequest{ItemID: c.item.ID, ShippingAddress: "1 Main St"})
	assert.ErrorIs(t, err, pkgerrors.ErrExternalDependency)
	assert.Equal(t, models.ItemListedOnline, h.item(t, c.item.ID).Status)
}

func TestVaultService_CancelBeforePaymentVoidsIntent(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()
	order := h.checkout(t, c, buyer, "pi-2")

	_, _, err := h.vault.CancelOrder(h.ctx, newUser(), order.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	h.payments.EXPECT().CancelOrRefund(gomock.Any(), "pi-2", amount("105.00")).Return(nil)
	cancelled, rel, err := h.vault.CancelOrder(h.ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	assert.Equal(t, models.ItemListedOnline, h.item(t, c.item.ID).Status)
}

func TestVaultService_CancelAfterPaymentQueuesRefund(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()
	order := h.checkout(t, c, buyer, "pi-3")
	h.payments.EXPECT().Capture(gomock.Any(), "pi-3", amount("105.00")).Return(nil)
	_, err := h.vault.MarkPaid(h.ctx, h.admin, order.ID)
	require.NoError(t, err)

	cancelled, rel, err := h.vault.CancelOrder(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	require.NotNil(t, rel)
	assert.Equal(t, models.ReleaseRefundFull, rel.Type)
	assert.True(t, rel.Amount.Equal(money("105.00")))
	assert.Equal(t, buyer.ID, rel.RecipientID)
	assert.Equal(t, models.ItemListedOnline, h.item(t, c.item.ID).Status)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	h.payments.EXPECT().CancelOrRefund(gomock.Any(), "pi-3", amount("105.00")).Return(nil).Times(1)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)

	got, err := h.vault.GetOrder(h.ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, got.Status)
}

func TestVaultService_DisputeResolvedForBuyer(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()
	order := h.checkout(t, c, buyer, "pi-4")
	_, err := h.vault.MarkPaidByRef(h.ctx, "pi-4")
	require.NoError(t, err)
	_, err = h.vault.Fulfil(h.ctx, c.merchant, order.ID)
	require.NoError(t, err)
	_, err = h.vault.Ship(h.ctx, c.merchant, order.ID, "1Z43")
	require.NoError(t, err)

	_, err = h.vault.DisputeOrder(h.ctx, buyer, order.ID, "")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	disputed, err := h.vault.DisputeOrder(h.ctx, buyer, order.ID, "never arrived")
	require.NoError(t, err)
	assert.Equal(t, models.OrderDisputed, disputed.Status)

	order, rel, err := h.vault.ResolveOrder(h.ctx, h.moderator, order.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.OrderDisputed, order.Status)
	require.NotNil(t, rel)

	summary, err := h.releases.Initiate(h.ctx, h.admin, rel.ID)
	require.NoError(t, err)
	h.payments.EXPECT().CancelOrRefund(gomock.Any(), "pi-4", amount("105.00")).Return(nil)
	_, err = h.releases.Confirm(h.ctx, h.admin, rel.ID, summary.Token)
	require.NoError(t, err)

	got, err := h.vault.GetOrder(h.ctx, h.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, got.Status)
	assert.Equal(t, models.ItemListedOnline, h.item(t, c.item.ID).Status)

	// A second refund request for the same order is refused before the provider.
	_, err = h.vault.RequestRefund(h.ctx, h.admin, order.ID, "again")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
}

func TestVaultService_SellerFavorReturnsToDelivered(t *testing.T) {
	h := newHarness(t)
	c := h.listedItem(t)
	buyer := newUser()
	order := h.checkout(t, c, buyer, "pi-5")
	h.payments.EXPECT().Capture(gomock.Any(), "pi-5", amount("105.00")).Return(nil)
	for _, step := range []func() (*models.VaultOrder, error){
		func() (*models.VaultOrder, error) { return h.vault.MarkPaid(h.ctx, h.admin, order.ID) },
		func() (*models.VaultOrder, error) { return h.vault.Fulfil(h.ctx, c.merchant, order.ID) },
		func() (*models.VaultOrder, error) { return h.vault.Ship(h.ctx, c.merchant, order.ID, "1Z44") },
		func() (*models.VaultOrder, error) { return h.vault.Deliver(h.ctx, models.SystemActor, order.ID) },
		func() (*models.VaultOrder, error) { return h.vault.DisputeOrder(h.ctx, buyer, order.ID, "fake") },
	} {
		_, err := step()
		require.NoError(t, err)
	}

	resolved, rel, err := h.vault.ResolveOrder(h.ctx, h.moderator, order.ID, false)
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, models.OrderDelivered, resolved.Status)
}

func TestVaultService_InPersonSaleAndPayouts(t *testing.T) {
	h := newHarness(t)

	first := h.shelvedItem(t)
	item, sp, err := h.vault.SellInPerson(h.ctx, first.merchant, first.item.ID, money("40.00"))
	require.NoError(t, err)
	assert.Equal(t, models.ItemSold, item.Status)
	assert.True(t, sp.OwnerAmount.Equal(money("28.00")))
	assert.Nil(t, sp.OrderID)

	// A listed item can also be sold over the counter.
	second := h.listedItem(t)
	_, _, err = h.vault.SellInPerson(h.ctx, second.merchant, second.item.ID, money("60.00"))
	require.NoError(t, err)

	_, _, err = h.vault.SellInPerson(h.ctx, first.merchant, first.item.ID, money("40.00"))
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)

	_, _, err = h.vault.CreatePayoutBatch(h.ctx, h.moderator, models.PayeeOwner)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	batch, rel, err := h.vault.CreatePayoutBatch(h.ctx, h.admin, models.PayeeOwner)
	require.NoError(t, err)
	assert.Len(t, batch.Lines, 2)
	assert.True(t, batch.Total.Equal(money("70.00")))
	assert.Equal(t, models.ReleaseWithdrawal, rel.Type)
	assert.Equal(t, uuid.Nil, rel.RecipientID)

	_, _, err = h.vault.CreatePayoutBatch(h.ctx, h.admin, models.PayeeOwner)
	assert.ErrorIs(t, err, pkgerrors.ErrPreconditionMismatch)

	t.Run("reject returns splits to eligible", func(t *testing.T) {
		_, err := h.releases.Reject(h.ctx, h.admin, rel.ID, "bank details missing")
		require.NoError(t, err)
		got, err := h.store.Vault().GetBatch(h.ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchCancelled, got.Status)
		s, err := h.store.Vault().GetSplit(h.ctx, sp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SplitEligible, s.OwnerStatus)
	})

	t.Run("approval pays the batch without a provider call", func(t *testing.T) {
		batch, rel, err := h.vault.CreatePayoutBatch(h.ctx, h.admin, models.PayeeOwner)
		require.NoError(t, err)
		summary, err := h.releases.Initiate(h.ctx, h.moderator, rel.ID)
		require.NoError(t, err)
		assert.Contains(t, summary.Text, "70.00")
		_, err = h.releases.Confirm(h.ctx, h.moderator, rel.ID, summary.Token)
		require.NoError(t, err)

		got, err := h.store.Vault().GetBatch(h.ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchPaid, got.Status)
		s, err := h.store.Vault().GetSplit(h.ctx, sp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SplitPaid, s.OwnerStatus)
		assert.Equal(t, models.SplitEligible, s.MerchantStatus)
	})

	fees, rel, err := h.vault.CreatePayoutBatch(h.ctx, h.admin, models.PayeePlatform)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseFee, rel.Type)
	assert.True(t, fees.Total.Equal(money("10.00")))
}
