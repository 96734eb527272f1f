package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	"github.com/honeynil/TradeCustodyService/internal/split"
	"github.com/honeynil/TradeCustodyService/internal/statemachine"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	entityVaultItem   = "vault_item"
	entityVaultOrder  = "vault_order"
	entityPayoutBatch = "payout_batch"

	payoutBatchLimit = 500
)

type DepositRequest struct {
	Title             string          `json:"title"`
	DeclaredCondition string          `json:"declared_condition"`
	ListPrice         decimal.Decimal `json:"list_price"`
}

type ReviewRequest struct {
	ItemID            uuid.UUID `json:"item_id"`
	Accept            bool      `json:"accept"`
	VerifiedCondition string    `json:"verified_condition"`
}

type CheckoutRequest struct {
	ItemID          uuid.UUID `json:"item_id"`
	ShippingAddress string    `json:"shipping_address"`
}

type VaultService interface {
	Deposit(ctx context.Context, actor models.Actor, req DepositRequest) (*models.VaultItem, error)
	GetItem(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultItem, error)
	Review(ctx context.Context, actor models.Actor, req ReviewRequest) (*models.VaultItem, error)
	AssignToShop(ctx context.Context, actor models.Actor, id, shopID uuid.UUID) (*models.VaultItem, error)
	PlaceInCase(ctx context.Context, actor models.Actor, id uuid.UUID, caseLocation, slot string) (*models.VaultItem, error)
	ListOnline(ctx context.Context, actor models.Actor, id uuid.UUID, price decimal.Decimal) (*models.VaultItem, error)
	SellInPerson(ctx context.Context, actor models.Actor, id uuid.UUID, price decimal.Decimal) (*models.VaultItem, *models.VaultSplit, error)
	Return(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultItem, error)

	Checkout(ctx context.Context, actor models.Actor, req CheckoutRequest) (*models.VaultOrder, error)
	GetOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error)
	MarkPaid(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error)
	MarkPaidByRef(ctx context.Context, paymentRef string) (*models.VaultOrder, error)
	Fulfil(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error)
	Ship(ctx context.Context, actor models.Actor, id uuid.UUID, tracking string) (*models.VaultOrder, error)
	Deliver(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error)
	DisputeOrder(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.VaultOrder, error)
	ResolveOrder(ctx context.Context, actor models.Actor, id uuid.UUID, buyerFavor bool) (*models.VaultOrder, *models.PendingRelease, error)
	CancelOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, *models.PendingRelease, error)
	RequestRefund(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.PendingRelease, error)
	SettleOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, *models.VaultSplit, error)

	CreatePayoutBatch(ctx context.Context, actor models.Actor, payee models.PayeeType) (*models.VaultPayoutBatch, *models.PendingRelease, error)
}

type vaultService struct {
	deps
}

func NewVaultService(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) *vaultService {
	return &vaultService{deps: newDeps(store, payments, sink, settings)}
}

func (s *vaultService) Deposit(ctx context.Context, actor models.Actor, req DepositRequest) (*models.VaultItem, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, "Deposit")
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpVaultDeposit, actor); !d.Allowed {
		return nil, d.Err(entityVaultItem)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", pkgerrors.ErrInvalidInput)
	}
	if req.ListPrice.IsNegative() {
		return nil, pkgerrors.ErrInvalidAmount
	}

	now := s.now()
	item := &models.VaultItem{
		ID:                uuid.New(),
		OwnerID:           actor.ID,
		Title:             strings.TrimSpace(req.Title),
		Status:            models.ItemPendingReview,
		DeclaredCondition: req.DeclaredCondition,
		ListPrice:         req.ListPrice.Round(2),
		FinalPrice:        decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	eff := &effects{}
	if err := s.store.Vault().CreateItem(ctx, item); err != nil {
		span.RecordError(err)
		slog.Error("failed to create vault item", "method", "Deposit", "owner_id", actor.ID, "error", err)
		return nil, err
	}
	eff.audit("vault_item.deposit", actor, entityVaultItem, item.ID, nil, item, now)
	s.flush(ctx, eff)
	slog.Info("vault item deposited", "method", "Deposit", "item_id", item.ID, "owner_id", actor.ID)
	return item, nil
}

func (s *vaultService) GetItem(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultItem, error) {
	item, err := s.store.Vault().GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canTouchItem(actor, item); err != nil {
		return nil, err
	}
	return item, nil
}

// canTouchItem limits owners to their own items and merchants to their shop.
func canTouchItem(actor models.Actor, item *models.VaultItem) error {
	switch actor.Role {
	case models.RoleUser:
		if item.OwnerID != actor.ID {
			return pkgerrors.Forbidden(entityVaultItem, "caller does not own this item")
		}
	case models.RoleMerchant:
		return requireShop(entityVaultItem, actor, item.ShopID)
	}
	return nil
}

type itemStep func(ctx context.Context, st repository.Store, item *models.VaultItem, now time.Time, eff *effects) error

// stepItem moves one item to target under its row lock. step fills in the
// remaining fields once the move was validated.
func (s *vaultService) stepItem(ctx context.Context, actor models.Actor, op statemachine.Operation, id uuid.UUID, target models.VaultItemStatus, step itemStep) (*models.VaultItem, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, string(op))
	span.SetAttributes(attribute.String("item_id", id.String()), attribute.String("target", string(target)))
	defer span.End()

	if d := statemachine.Authorize(op, actor); !d.Allowed {
		return nil, d.Err(entityVaultItem)
	}

	var result *models.VaultItem
	var from models.VaultItemStatus
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		item, err := st.Vault().LockItem(ctx, id)
		if err != nil {
			return err
		}
		from = item.Status
		if err := canTouchItem(actor, item); err != nil {
			return err
		}
		if op == statemachine.OpVaultSellInPerson {
			err = statemachine.CheckInPersonSale(item)
		} else {
			err = statemachine.VaultItemTable.Check(item.Status, target)
		}
		if err != nil {
			return err
		}
		before := *item
		now := s.now()
		if step != nil {
			if err := step(ctx, st, item, now, eff); err != nil {
				return err
			}
		}
		item.Status = target
		item.UpdatedAt = now
		if err := st.Vault().UpdateItem(ctx, item, before.Status); err != nil {
			return err
		}
		eff.notify("vault_item."+strings.ToLower(string(target)), map[string]any{"item_id": item.ID, "title": item.Title}, item.OwnerID)
		eff.audit(string(op), actor, entityVaultItem, item.ID, before, item, now)
		result = item
		return nil
	})
	recordTransition(entityVaultItem, string(from), string(target), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vault item transition failed")
		slog.Error("vault item transition failed", "method", string(op), "item_id", id, "target", target, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityVaultItem, err)
	}
	s.flush(ctx, eff)
	slog.Info("vault item moved", "method", string(op), "item_id", id, "from", from, "to", target)
	return result, nil
}

func (s *vaultService) Review(ctx context.Context, actor models.Actor, req ReviewRequest) (*models.VaultItem, error) {
	target := models.ItemRejected
	if req.Accept {
		target = models.ItemAccepted
	}
	return s.stepItem(ctx, actor, statemachine.OpVaultReview, req.ItemID, target, func(_ context.Context, _ repository.Store, item *models.VaultItem, _ time.Time, _ *effects) error {
		if req.VerifiedCondition != "" {
			item.VerifiedCondition = req.VerifiedCondition
		}
		return nil
	})
}

func (s *vaultService) AssignToShop(ctx context.Context, actor models.Actor, id, shopID uuid.UUID) (*models.VaultItem, error) {
	if shopID == uuid.Nil {
		return nil, fmt.Errorf("%w: shop id is required", pkgerrors.ErrInvalidInput)
	}
	return s.stepItem(ctx, actor, statemachine.OpVaultAssign, id, models.ItemAssignedToShop, func(_ context.Context, _ repository.Store, item *models.VaultItem, _ time.Time, _ *effects) error {
		item.ShopID = &shopID
		return nil
	})
}

func (s *vaultService) PlaceInCase(ctx context.Context, actor models.Actor, id uuid.UUID, caseLocation, slot string) (*models.VaultItem, error) {
	if strings.TrimSpace(caseLocation) == "" {
		return nil, fmt.Errorf("%w: case location is required", pkgerrors.ErrInvalidInput)
	}
	return s.stepItem(ctx, actor, statemachine.OpVaultShelve, id, models.ItemInCase, func(_ context.Context, _ repository.Store, item *models.VaultItem, _ time.Time, _ *effects) error {
		item.CaseLocation = strings.TrimSpace(caseLocation)
		item.SlotLocation = strings.TrimSpace(slot)
		return nil
	})
}

func (s *vaultService) ListOnline(ctx context.Context, actor models.Actor, id uuid.UUID, price decimal.Decimal) (*models.VaultItem, error) {
	if !price.IsPositive() {
		return nil, pkgerrors.ErrInvalidAmount
	}
	return s.stepItem(ctx, actor, statemachine.OpVaultList, id, models.ItemListedOnline, func(_ context.Context, _ repository.Store, item *models.VaultItem, _ time.Time, _ *effects) error {
		item.ListPrice = price.Round(2)
		return nil
	})
}

// SellInPerson records a counter sale and splits its proceeds.
func (s *vaultService) SellInPerson(ctx context.Context, actor models.Actor, id uuid.UUID, price decimal.Decimal) (*models.VaultItem, *models.VaultSplit, error) {
	if !price.IsPositive() {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	var sale *models.VaultSplit
	item, err := s.stepItem(ctx, actor, statemachine.OpVaultSellInPerson, id, models.ItemSold, func(ctx context.Context, st repository.Store, item *models.VaultItem, now time.Time, eff *effects) error {
		item.FinalPrice = price.Round(2)
		sp, err := recordSale(ctx, st, item, nil, now)
		if err != nil {
			return err
		}
		eff.notify("vault_item.sale_split", map[string]any{"item_id": item.ID, "owner_amount": sp.OwnerAmount.StringFixed(2)}, item.OwnerID)
		sale = sp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return item, sale, nil
}

// Return hands the item back to its owner. Reserved items are tied to an
// order and must have it cancelled first.
func (s *vaultService) Return(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultItem, error) {
	return s.stepItem(ctx, actor, statemachine.OpVaultReturn, id, models.ItemReturned, func(_ context.Context, _ repository.Store, item *models.VaultItem, _ time.Time, _ *effects) error {
		if item.Status == models.ItemReserved {
			return pkgerrors.Precondition(entityVaultItem, "item is reserved by an order, cancel the order first")
		}
		item.CaseLocation, item.SlotLocation = "", ""
		return nil
	})
}

func recordSale(ctx context.Context, st repository.Store, item *models.VaultItem, orderID *uuid.UUID, now time.Time) (*models.VaultSplit, error) {
	if item.ShopID == nil {
		return nil, pkgerrors.Precondition(entityVaultItem, "item is not assigned to a shop")
	}
	shares := split.Calculate(item.FinalPrice)
	sp := &models.VaultSplit{
		ID:             uuid.New(),
		ItemID:         item.ID,
		OrderID:        orderID,
		OwnerID:        item.OwnerID,
		ShopID:         *item.ShopID,
		GrossAmount:    shares.Gross,
		OwnerAmount:    shares.Owner,
		MerchantAmount: shares.Merchant,
		PlatformAmount: shares.Platform,
		OwnerStatus:    models.SplitEligible,
		MerchantStatus: models.SplitEligible,
		PlatformStatus: models.SplitEligible,
		CreatedAt:      now,
	}
	if err := st.Vault().CreateSplit(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// Checkout opens a payment intent and then reserves the item and creates the
// order in one unit. If that unit fails the intent is voided again.
func (s *vaultService) Checkout(ctx context.Context, actor models.Actor, req CheckoutRequest) (*models.VaultOrder, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, "Checkout")
	span.SetAttributes(attribute.String("item_id", req.ItemID.String()))
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpOrderCheckout, actor); !d.Allowed {
		return nil, d.Err(entityVaultOrder)
	}
	if strings.TrimSpace(req.ShippingAddress) == "" {
		return nil, fmt.Errorf("%w: shipping address is required", pkgerrors.ErrInvalidInput)
	}
	item, err := s.store.Vault().GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID == actor.ID {
		return nil, pkgerrors.Precondition(entityVaultOrder, "owners cannot buy their own item")
	}
	if err := statemachine.VaultItemTable.Check(item.Status, models.ItemReserved); err != nil {
		return nil, err
	}
	if item.ShopID == nil {
		return nil, pkgerrors.Precondition(entityVaultOrder, "item is not assigned to a shop")
	}

	fee := s.settings.VaultShippingFee.Round(2)
	total := item.ListPrice.Add(fee)
	ref, err := s.createHold(ctx, total, map[string]string{"vault_item_id": item.ID.String(), "buyer_id": actor.ID.String()})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to open payment intent", "method", "Checkout", "item_id", item.ID, "error", err)
		return nil, err
	}

	var order *models.VaultOrder
	eff := &effects{}
	err = s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		locked, err := st.Vault().LockItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if err := statemachine.VaultItemTable.Check(locked.Status, models.ItemReserved); err != nil {
			return err
		}
		if !locked.ListPrice.Equal(item.ListPrice) {
			return pkgerrors.Conflict(entityVaultOrder, "item price changed, retry checkout")
		}
		before := *locked
		now := s.now()
		locked.Status = models.ItemReserved
		locked.UpdatedAt = now
		if err := st.Vault().UpdateItem(ctx, locked, before.Status); err != nil {
			return err
		}
		order = &models.VaultOrder{
			ID:              uuid.New(),
			ItemID:          locked.ID,
			BuyerID:         actor.ID,
			ShopID:          *locked.ShopID,
			Status:          models.OrderPendingPayment,
			ShippingAddress: strings.TrimSpace(req.ShippingAddress),
			Subtotal:        locked.ListPrice,
			ShippingFee:     fee,
			Total:           total,
			PaymentRef:      ref,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := st.Vault().CreateOrder(ctx, order); err != nil {
			return err
		}
		eff.notify("vault_order.created", map[string]any{"order_id": order.ID, "total": total.StringFixed(2)}, actor.ID)
		eff.notify("vault_item.reserved", map[string]any{"item_id": locked.ID}, locked.OwnerID)
		eff.audit(string(statemachine.OpOrderCheckout), actor, entityVaultOrder, order.ID, nil, order, now)
		return nil
	})
	recordTransition(entityVaultItem, string(item.Status), string(models.ItemReserved), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		if verr := s.cancelOrRefund(context.WithoutCancel(ctx), ref, total); verr != nil {
			slog.Error("failed to void payment intent after checkout failure", "method", "Checkout", "payment_ref", ref, "error", verr)
		}
		slog.Error("failed to check out vault item", "method", "Checkout", "item_id", req.ItemID, "error", err)
		return nil, storeErr(entityVaultOrder, err)
	}
	s.flush(ctx, eff)
	slog.Info("vault order created", "method", "Checkout", "order_id", order.ID, "item_id", order.ItemID)
	return order, nil
}

func (s *vaultService) GetOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error) {
	order, err := s.store.Vault().GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canTouchOrder(actor, order); err != nil {
		return nil, err
	}
	return order, nil
}

func canTouchOrder(actor models.Actor, order *models.VaultOrder) error {
	switch actor.Role {
	case models.RoleUser:
		if order.BuyerID != actor.ID {
			return pkgerrors.Forbidden(entityVaultOrder, "caller did not place this order")
		}
	case models.RoleMerchant:
		return requireShop(entityVaultOrder, actor, &order.ShopID)
	}
	return nil
}

// orderStep runs before the status change and sees the order as it was.
type orderStep func(ctx context.Context, st repository.Store, order *models.VaultOrder, now time.Time, eff *effects) error

func (s *vaultService) stepOrder(ctx context.Context, actor models.Actor, op statemachine.Operation, id uuid.UUID, target models.VaultOrderStatus, step orderStep) (*models.VaultOrder, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, string(op))
	span.SetAttributes(attribute.String("order_id", id.String()), attribute.String("target", string(target)))
	defer span.End()

	if d := statemachine.Authorize(op, actor); !d.Allowed {
		return nil, d.Err(entityVaultOrder)
	}

	var result *models.VaultOrder
	var from models.VaultOrderStatus
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		order, err := st.Vault().LockOrder(ctx, id)
		if err != nil {
			return err
		}
		from = order.Status
		if err := canTouchOrder(actor, order); err != nil {
			return err
		}
		if target != order.Status {
			if err := statemachine.VaultOrderTable.Check(order.Status, target); err != nil {
				return err
			}
		}
		before := *order
		now := s.now()
		if step != nil {
			if err := step(ctx, st, order, now, eff); err != nil {
				return err
			}
		}
		order.Status = target
		order.UpdatedAt = now
		if err := st.Vault().UpdateOrder(ctx, order, before.Status); err != nil {
			return err
		}
		if target != before.Status {
			eff.notify("vault_order."+strings.ToLower(string(target)), map[string]any{"order_id": order.ID}, order.BuyerID, order.ShopID)
		}
		eff.audit(string(op), actor, entityVaultOrder, order.ID, before, order, now)
		result = order
		return nil
	})
	recordTransition(entityVaultOrder, string(from), string(target), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vault order transition failed")
		slog.Error("vault order transition failed", "method", string(op), "order_id", id, "target", target, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityVaultOrder, err)
	}
	s.flush(ctx, eff)
	slog.Info("vault order moved", "method", string(op), "order_id", id, "from", from, "to", target)
	return result, nil
}

// MarkPaid captures the checkout intent for the order total. The order stays
// PENDING_PAYMENT when the processor does not confirm the capture.
func (s *vaultService) MarkPaid(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error) {
	return s.markPaid(ctx, actor, id, true)
}

func (s *vaultService) markPaid(ctx context.Context, actor models.Actor, id uuid.UUID, capture bool) (*models.VaultOrder, error) {
	return s.stepOrder(ctx, actor, statemachine.OpOrderMarkPaid, id, models.OrderPaid, func(ctx context.Context, _ repository.Store, order *models.VaultOrder, _ time.Time, _ *effects) error {
		if !capture || order.Status != models.OrderPendingPayment {
			return nil
		}
		if order.PaymentRef == "" {
			return pkgerrors.Precondition(entityVaultOrder, "order has no payment intent to capture")
		}
		return s.captureRef(ctx, order.PaymentRef, order.Total)
	})
}

// MarkPaidByRef applies a processor "payment_succeeded" event: the processor
// already captured the intent, so only the order moves. Replays of an event
// for an order that already moved past payment are ignored.
func (s *vaultService) MarkPaidByRef(ctx context.Context, paymentRef string) (*models.VaultOrder, error) {
	order, err := s.store.Vault().GetOrderByPaymentRef(ctx, paymentRef)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPendingPayment {
		slog.Info("ignoring duplicate payment event", "method", "MarkPaidByRef", "order_id", order.ID, "status", order.Status)
		return order, nil
	}
	return s.markPaid(ctx, models.SystemActor, order.ID, false)
}

func (s *vaultService) Fulfil(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error) {
	return s.stepOrder(ctx, actor, statemachine.OpOrderFulfil, id, models.OrderFulfilling, nil)
}

func (s *vaultService) Ship(ctx context.Context, actor models.Actor, id uuid.UUID, tracking string) (*models.VaultOrder, error) {
	tracking = strings.TrimSpace(tracking)
	if tracking == "" {
		return nil, pkgerrors.Precondition(entityVaultOrder, pkgerrors.ErrTrackingRequired.Error())
	}
	return s.stepOrder(ctx, actor, statemachine.OpOrderFulfil, id, models.OrderShipped, func(_ context.Context, _ repository.Store, order *models.VaultOrder, _ time.Time, _ *effects) error {
		order.TrackingNumber = tracking
		return nil
	})
}

func (s *vaultService) Deliver(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, error) {
	return s.stepOrder(ctx, actor, statemachine.OpOrderDeliver, id, models.OrderDelivered, nil)
}

func (s *vaultService) DisputeOrder(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.VaultOrder, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", pkgerrors.ErrInvalidInput)
	}
	return s.stepOrder(ctx, actor, statemachine.OpOrderDispute, id, models.OrderDisputed, func(_ context.Context, _ repository.Store, order *models.VaultOrder, _ time.Time, eff *effects) error {
		if order.SettledAt != nil {
			return pkgerrors.Precondition(entityVaultOrder, pkgerrors.ErrOrderAlreadySettled.Error())
		}
		eff.notify("vault_order.dispute_reason", map[string]any{"order_id": order.ID, "reason": reason}, order.ShopID)
		return nil
	})
}

// ResolveOrder closes an order dispute. Seller favor puts the order back to
// DELIVERED; buyer favor queues a full refund and the order stays DISPUTED
// until that refund is approved.
func (s *vaultService) ResolveOrder(ctx context.Context, actor models.Actor, id uuid.UUID, buyerFavor bool) (*models.VaultOrder, *models.PendingRelease, error) {
	if !buyerFavor {
		order, err := s.stepOrder(ctx, actor, statemachine.OpOrderResolve, id, models.OrderDelivered, nil)
		return order, nil, err
	}
	var rel *models.PendingRelease
	order, err := s.stepOrder(ctx, actor, statemachine.OpOrderResolve, id, models.OrderDisputed, func(ctx context.Context, st repository.Store, order *models.VaultOrder, now time.Time, _ *effects) error {
		if order.SettledAt != nil {
			return pkgerrors.Precondition(entityVaultOrder, pkgerrors.ErrOrderAlreadySettled.Error())
		}
		r, err := orderRefund(ctx, st, order, "order dispute resolved in buyer favor", actor, now)
		rel = r
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return order, rel, nil
}

// CancelOrder voids an unpaid intent directly. A paid order is cancelled at
// once and its money goes back through a dual-confirmed refund.
func (s *vaultService) CancelOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, *models.PendingRelease, error) {
	var rel *models.PendingRelease
	order, err := s.stepOrder(ctx, actor, statemachine.OpOrderCancel, id, models.OrderCancelled, func(ctx context.Context, st repository.Store, order *models.VaultOrder, now time.Time, _ *effects) error {
		if err := releaseReservation(ctx, st, order.ItemID, now); err != nil {
			return err
		}
		if order.Status == models.OrderPendingPayment {
			return s.cancelOrRefund(ctx, order.PaymentRef, order.Total)
		}
		r, err := orderRefund(ctx, st, order, "order cancelled after payment", actor, now)
		rel = r
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return order, rel, nil
}

// RequestRefund queues a full refund of a paid, unsettled order.
func (s *vaultService) RequestRefund(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.PendingRelease, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, "RequestRefund")
	span.SetAttributes(attribute.String("order_id", id.String()))
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpOrderRequestRefund, actor); !d.Allowed {
		return nil, d.Err(entityVaultOrder)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "refund requested by staff"
	}

	var rel *models.PendingRelease
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		order, err := st.Vault().LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if order.SettledAt != nil {
			return pkgerrors.Precondition(entityVaultOrder, pkgerrors.ErrOrderAlreadySettled.Error())
		}
		if err := statemachine.VaultOrderTable.Check(order.Status, models.OrderRefunded); err != nil {
			return err
		}
		now := s.now()
		rel, err = orderRefund(ctx, st, order, strings.TrimSpace(reason), actor, now)
		if err != nil {
			return err
		}
		eff.audit(string(statemachine.OpOrderRequestRefund), actor, entityRelease, rel.ID, nil, rel, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund request failed")
		slog.Error("failed to request vault order refund", "method", "RequestRefund", "order_id", id, "error", err)
		return nil, storeErr(entityVaultOrder, err)
	}
	s.flush(ctx, eff)
	slog.Info("vault order refund requested", "method", "RequestRefund", "order_id", id, "release_id", rel.ID)
	return rel, nil
}

// SettleOrder confirms the sale of a delivered order and splits it.
func (s *vaultService) SettleOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.VaultOrder, *models.VaultSplit, error) {
	var sale *models.VaultSplit
	order, err := s.stepOrder(ctx, actor, statemachine.OpOrderSettle, id, models.OrderDelivered, func(ctx context.Context, st repository.Store, order *models.VaultOrder, now time.Time, eff *effects) error {
		if order.SettledAt != nil {
			return pkgerrors.Precondition(entityVaultOrder, pkgerrors.ErrOrderAlreadySettled.Error())
		}
		item, err := st.Vault().LockItem(ctx, order.ItemID)
		if err != nil {
			return err
		}
		if err := statemachine.VaultItemTable.Check(item.Status, models.ItemSold); err != nil {
			return err
		}
		before := item.Status
		item.Status = models.ItemSold
		item.FinalPrice = order.Subtotal
		item.UpdatedAt = now
		sp, err := recordSale(ctx, st, item, &order.ID, now)
		if err != nil {
			return err
		}
		if err := st.Vault().UpdateItem(ctx, item, before); err != nil {
			return err
		}
		order.SettledAt = &now
		eff.notify("vault_item.sold", map[string]any{"item_id": item.ID, "owner_amount": sp.OwnerAmount.StringFixed(2)}, item.OwnerID)
		sale = sp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, sale, nil
}

func orderRefund(ctx context.Context, st repository.Store, order *models.VaultOrder, reason string, actor models.Actor, now time.Time) (*models.PendingRelease, error) {
	rel := &models.PendingRelease{
		ID:           uuid.New(),
		Type:         models.ReleaseRefundFull,
		Status:       models.ReleasePending,
		Amount:       order.Total,
		RecipientID:  order.BuyerID,
		VaultOrderID: &order.ID,
		Reason:       reason,
		TriggeredBy:  actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.Releases().Create(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// releaseReservation puts a reserved item back on sale.
func releaseReservation(ctx context.Context, st repository.Store, itemID uuid.UUID, now time.Time) error {
	item, err := st.Vault().LockItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status != models.ItemReserved {
		return nil
	}
	if err := statemachine.CheckReservationRelease(item); err != nil {
		return err
	}
	item.Status = models.ItemListedOnline
	item.UpdatedAt = now
	return st.Vault().UpdateItem(ctx, item, models.ItemReserved)
}

// refundOrder finalizes an approved order refund.
func (d *deps) refundOrder(ctx context.Context, st repository.Store, order *models.VaultOrder, actor models.Actor, eff *effects) error {
	if err := statemachine.VaultOrderTable.Check(order.Status, models.OrderRefunded); err != nil {
		return err
	}
	now := d.now()
	before := order.Status
	order.Status = models.OrderRefunded
	order.UpdatedAt = now
	if err := st.Vault().UpdateOrder(ctx, order, before); err != nil {
		return err
	}
	if err := releaseReservation(ctx, st, order.ItemID, now); err != nil {
		return err
	}
	recordTransition(entityVaultOrder, string(before), string(models.OrderRefunded), nil)
	eff.notify("vault_order.refunded", map[string]any{"order_id": order.ID, "amount": order.Total.StringFixed(2)}, order.BuyerID, order.ShopID)
	return nil
}

// CreatePayoutBatch groups every eligible share of one payee type into a
// batch and queues its payout for dual confirmation.
func (s *vaultService) CreatePayoutBatch(ctx context.Context, actor models.Actor, payee models.PayeeType) (*models.VaultPayoutBatch, *models.PendingRelease, error) {
	tracer := otel.Tracer("vault-service")
	ctx, span := tracer.Start(ctx, "CreatePayoutBatch")
	span.SetAttributes(attribute.String("payee_type", string(payee)))
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpCreatePayoutBatch, actor); !d.Allowed {
		return nil, nil, d.Err(entityPayoutBatch)
	}
	if !payee.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown payee type %q", pkgerrors.ErrInvalidInput, payee)
	}

	var batch *models.VaultPayoutBatch
	var rel *models.PendingRelease
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		splits, err := st.Vault().ListEligibleSplits(ctx, payee, payoutBatchLimit)
		if err != nil {
			return err
		}
		if len(splits) == 0 {
			return pkgerrors.ErrNoEligibleSplits
		}
		now := s.now()
		batch = &models.VaultPayoutBatch{
			ID:        uuid.New(),
			PayeeType: payee,
			Status:    models.BatchAwaitingApproval,
			Total:     decimal.Zero,
			CreatedBy: actor.ID,
			CreatedAt: now,
		}
		ids := make([]uuid.UUID, 0, len(splits))
		for i := range splits {
			amount, payeeID := splits[i].Share(payee)
			batch.Lines = append(batch.Lines, models.VaultPayoutLine{
				ID:      uuid.New(),
				BatchID: batch.ID,
				SplitID: splits[i].ID,
				PayeeID: payeeID,
				Amount:  amount,
			})
			batch.Total = batch.Total.Add(amount)
			ids = append(ids, splits[i].ID)
		}
		if err := st.Vault().SetSplitStatus(ctx, ids, payee, models.SplitEligible, models.SplitInPayout); err != nil {
			return err
		}

		typ := models.ReleaseWithdrawal
		if payee == models.PayeePlatform {
			typ = models.ReleaseFee
		}
		rel = &models.PendingRelease{
			ID:            uuid.New(),
			Type:          typ,
			Status:        models.ReleasePending,
			Amount:        batch.Total,
			PayoutBatchID: &batch.ID,
			Reason:        fmt.Sprintf("%s payout batch of %d lines", strings.ToLower(string(payee)), len(batch.Lines)),
			TriggeredBy:   actor.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		batch.ReleaseID = &rel.ID
		if err := st.Vault().CreateBatch(ctx, batch); err != nil {
			return err
		}
		if err := st.Releases().Create(ctx, rel); err != nil {
			return err
		}
		eff.audit(string(statemachine.OpCreatePayoutBatch), actor, entityPayoutBatch, batch.ID, nil, batch, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payout batch failed")
		slog.Error("failed to create payout batch", "method", "CreatePayoutBatch", "payee_type", payee, "error", err)
		if stderrors.Is(err, pkgerrors.ErrNoEligibleSplits) {
			return nil, nil, pkgerrors.Precondition(entityPayoutBatch, err.Error())
		}
		return nil, nil, storeErr(entityPayoutBatch, err)
	}
	s.flush(ctx, eff)
	slog.Info("payout batch created", "method", "CreatePayoutBatch", "batch_id", batch.ID, "payee_type", payee, "total", batch.Total.StringFixed(2))
	return batch, rel, nil
}
