package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	"github.com/honeynil/TradeCustodyService/internal/repository/memory"
	"github.com/honeynil/TradeCustodyService/internal/services/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	tasks []outbox.Task
}

func (r *recordingSink) Enqueue(_ context.Context, tasks ...outbox.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, tasks...)
}

func (r *recordingSink) audits() []models.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditLogEntry
	for _, t := range r.tasks {
		if t.Audit != nil {
			out = append(out, *t.Audit)
		}
	}
	return out
}

func (r *recordingSink) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		if t.Notification != nil {
			out = append(out, t.Notification.Template)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// amountEq compares decimals by value, so 50 matches 50.00.
type amountEq struct{ want decimal.Decimal }

func amount(s string) gomock.Matcher { return amountEq{want: money(s)} }

func (m amountEq) Matches(x interface{}) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(m.want)
}

func (m amountEq) String() string { return "is amount " + m.want.StringFixed(2) }

type harness struct {
	ctx        context.Context
	store      *memory.Store
	payments   *mocks.MockPaymentProvider
	sink       *recordingSink
	clock      *fakeClock
	settlement *settlementService
	custody    *custodyService
	disputes   *disputeService
	releases   *releaseService
	vault      *vaultService

	admin     models.Actor
	moderator models.Actor
	hub       models.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		ctx:       context.Background(),
		store:     memory.New(),
		payments:  mocks.NewMockPaymentProvider(ctrl),
		sink:      &recordingSink{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		admin:     models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
		moderator: models.Actor{ID: uuid.New(), Role: models.RoleModerator},
		hub:       models.Actor{ID: uuid.New(), Role: models.RoleHubStaff},
	}
	settings := DefaultSettings()
	settings.Now = h.clock.Now
	settings.VaultShippingFee = money("5.00")
	h.settlement = NewSettlementService(h.store, h.payments, h.sink, settings)
	h.custody = NewCustodyService(h.store, h.payments, h.sink, settings)
	h.disputes = NewDisputeService(h.store, h.payments, h.sink, settings)
	h.releases = NewReleaseService(h.store, h.payments, h.sink, settings)
	h.vault = NewVaultService(h.store, h.payments, h.sink, settings)
	return h
}

func newUser() models.Actor {
	return models.Actor{ID: uuid.New(), Role: models.RoleUser}
}

type trade struct {
	tx       *models.Transaction
	buyer    models.Actor
	seller   models.Actor
	merchant models.Actor
	holdRef  string
}

// newTrade creates a 50.00 trade. Held trades expect one CreateHold call.
func (h *harness) newTrade(t *testing.T, mode models.EscrowType, held bool) *trade {
	t.Helper()
	tr := &trade{
		buyer:    newUser(),
		seller:   newUser(),
		merchant: models.Actor{ID: uuid.New(), Role: models.RoleMerchant},
	}
	req := CreateTransactionRequest{
		ProposalID: uuid.New(),
		PartyA:     tr.buyer.ID,
		PartyB:     tr.seller.ID,
		BuyerID:    tr.buyer.ID,
		SellerID:   tr.seller.ID,
		EscrowType: mode,
		Amount:     money("50.00"),
		HoldFunds:  held,
	}
	if mode == models.EscrowLocal {
		req.ShopID = &tr.merchant.ID
	} else {
		hubID := uuid.New()
		req.HubID = &hubID
	}
	if held || mode == models.EscrowVerified {
		tr.holdRef = "hold-" + req.ProposalID.String()[:8]
		h.payments.EXPECT().CreateHold(gomock.Any(), amount("50.00"), gomock.Any()).Return(tr.holdRef, nil)
	}
	tx, err := h.settlement.CreateTransaction(h.ctx, tr.buyer, req)
	require.NoError(t, err)
	tr.tx = tx
	return tr
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Transaction {
	t.Helper()
	tx, err := h.store.Transactions().GetByID(h.ctx, id)
	require.NoError(t, err)
	return tx
}

func (h *harness) hold(t *testing.T, tx *models.Transaction) *models.PaymentHold {
	t.Helper()
	require.NotNil(t, tx.HoldID)
	hold, err := h.store.Transactions().GetHold(h.ctx, *tx.HoldID)
	require.NoError(t, err)
	return hold
}

// disputedTrade returns a held local trade that the buyer disputed after
// check-in, with the dispute already in mediation.
func (h *harness) disputedTrade(t *testing.T) (*trade, *models.Dispute) {
	t.Helper()
	tr := h.newTrade(t, models.EscrowLocal, true)
	_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
	require.NoError(t, err)
	d, err := h.disputes.Open(h.ctx, tr.buyer, OpenDisputeRequest{TransactionID: tr.tx.ID, Type: models.DisputeNotAsDescribed, Reason: "wrong size"})
	require.NoError(t, err)
	d, err = h.disputes.Mediate(h.ctx, h.moderator, d.ID)
	require.NoError(t, err)
	return tr, d
}
