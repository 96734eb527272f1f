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
	"github.com/honeynil/TradeCustodyService/internal/statemachine"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const entityTransaction = "transaction"

type CreateTransactionRequest struct {
	ProposalID uuid.UUID
	PartyA     uuid.UUID
	PartyB     uuid.UUID
	BuyerID    uuid.UUID
	SellerID   uuid.UUID
	ShopID     *uuid.UUID
	HubID      *uuid.UUID
	EscrowType models.EscrowType
	Amount     decimal.Decimal
	// HoldFunds places a payment hold at creation. Always true for VERIFIED.
	HoldFunds bool
}

type TransitionRequest struct {
	TransactionID  uuid.UUID
	Target         models.TransactionStatus
	ExpectedStatus *models.TransactionStatus
}

type HoldEvent string

const (
	HoldEventCaptured HoldEvent = "hold_captured"
	HoldEventExpired  HoldEvent = "hold_expired"
	HoldEventFailed   HoldEvent = "hold_failed"
)

type SettlementService interface {
	CreateTransaction(ctx context.Context, actor models.Actor, req CreateTransactionRequest) (*models.Transaction, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Transaction, error)
	Transition(ctx context.Context, actor models.Actor, req TransitionRequest) (*models.Transaction, error)
	CheckIn(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error)
	SendToHub(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error)
	Complete(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error)
	Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error)
	HandleHoldEvent(ctx context.Context, providerHoldID string, event HoldEvent) error
}

type settlementService struct {
	deps
}

func NewSettlementService(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) *settlementService {
	return &settlementService{deps: newDeps(store, payments, sink, settings)}
}

func (s *settlementService) CreateTransaction(ctx context.Context, actor models.Actor, req CreateTransactionRequest) (*models.Transaction, error) {
	tracer := otel.Tracer("settlement-service")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	if d := statemachine.AuthorizeParty(statemachine.OpCreateTransaction, actor, req.PartyA, req.PartyB); !d.Allowed {
		span.SetStatus(codes.Error, "forbidden")
		return nil, d.Err(entityTransaction)
	}
	if err := validateCreate(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		slog.Error("invalid transaction request", "method", "CreateTransaction", "proposal_id", req.ProposalID, "error", err)
		return nil, err
	}

	now := s.now()
	tx := &models.Transaction{
		ID:         uuid.New(),
		ProposalID: req.ProposalID,
		PartyA:     req.PartyA,
		PartyB:     req.PartyB,
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		ShopID:     req.ShopID,
		HubID:      req.HubID,
		EscrowType: req.EscrowType,
		State:      statemachine.InitialState(req.EscrowType),
		Amount:     req.Amount.Round(2),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	span.SetAttributes(attribute.String("transaction_id", tx.ID.String()), attribute.String("escrow_type", string(tx.EscrowType)))

	var hold *models.PaymentHold
	if req.HoldFunds || req.EscrowType == models.EscrowVerified {
		providerID, err := s.createHold(ctx, tx.Amount, map[string]string{
			"transaction_id": tx.ID.String(),
			"proposal_id":    req.ProposalID.String(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "hold failed")
			slog.Error("failed to create payment hold", "method", "CreateTransaction", "transaction_id", tx.ID, "error", err)
			return nil, err
		}
		hold = &models.PaymentHold{
			ID:             uuid.New(),
			TransactionID:  tx.ID,
			ProviderHoldID: providerID,
			Amount:         tx.Amount,
			CapturedAmount: decimal.Zero,
			RefundedAmount: decimal.Zero,
			Status:         models.HoldAuthorized,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		tx.HoldID = &hold.ID
	}

	if err := s.store.Transactions().Create(ctx, tx, hold); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		slog.Error("failed to persist transaction", "method", "CreateTransaction", "transaction_id", tx.ID, "error", err)
		if hold != nil {
			if vErr := s.cancelOrRefund(ctx, hold.ProviderHoldID, hold.Amount); vErr != nil {
				slog.Error("failed to void orphaned hold", "method", "CreateTransaction", "provider_hold_id", hold.ProviderHoldID, "error", vErr)
			}
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	eff := &effects{}
	eff.notify("transaction.created", map[string]any{"transaction_id": tx.ID, "amount": tx.Amount.StringFixed(2)}, tx.PartyA, tx.PartyB)
	eff.audit("transaction.create", actor, entityTransaction, tx.ID, nil, tx, now)
	s.flush(ctx, eff)

	slog.Info("transaction created", "method", "CreateTransaction", "transaction_id", tx.ID, "escrow_type", tx.EscrowType, "held", hold != nil)
	return tx, nil
}

func validateCreate(req CreateTransactionRequest) error {
	switch {
	case req.EscrowType != models.EscrowLocal && req.EscrowType != models.EscrowVerified:
		return fmt.Errorf("%w: unknown escrow type %q", pkgerrors.ErrInvalidInput, req.EscrowType)
	case !req.Amount.IsPositive():
		return pkgerrors.ErrInvalidAmount
	case req.PartyA == uuid.Nil || req.PartyB == uuid.Nil || req.PartyA == req.PartyB:
		return fmt.Errorf("%w: two distinct parties are required", pkgerrors.ErrInvalidInput)
	case req.BuyerID == req.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", pkgerrors.ErrInvalidInput)
	case (req.BuyerID != req.PartyA && req.BuyerID != req.PartyB) || (req.SellerID != req.PartyA && req.SellerID != req.PartyB):
		return fmt.Errorf("%w: buyer and seller must be the trade parties", pkgerrors.ErrInvalidInput)
	case req.EscrowType == models.EscrowVerified && req.HubID == nil:
		return fmt.Errorf("%w: verified escrow requires a hub", pkgerrors.ErrInvalidInput)
	}
	return nil
}

func (s *settlementService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Transaction, error) {
	tracer := otel.Tracer("settlement-service")
	ctx, span := tracer.Start(ctx, "GetTransaction")
	defer span.End()

	tx, err := s.store.Transactions().GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if actor.Role == models.RoleUser && !tx.IsParty(actor.ID) {
		return nil, pkgerrors.Forbidden(entityTransaction, "caller is not a party to this transaction")
	}
	if err := requireShop(entityTransaction, actor, tx.ShopID); err != nil {
		return nil, err
	}
	return tx, nil
}

// The action methods below take the status the caller last read. A non-nil
// expected status that no longer matches fails with a conflict, so two
// different actions racing on the same read cannot both apply.

func (s *settlementService) CheckIn(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error) {
	return s.Transition(ctx, actor, TransitionRequest{TransactionID: id, Target: models.TxConfirmed, ExpectedStatus: expected})
}

func (s *settlementService) SendToHub(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error) {
	return s.Transition(ctx, actor, TransitionRequest{TransactionID: id, Target: models.TxAwaitingHubReceipt, ExpectedStatus: expected})
}

func (s *settlementService) Complete(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error) {
	return s.Transition(ctx, actor, TransitionRequest{TransactionID: id, Target: models.TxCompleted, ExpectedStatus: expected})
}

func (s *settlementService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, expected *models.TransactionStatus) (*models.Transaction, error) {
	return s.Transition(ctx, actor, TransitionRequest{TransactionID: id, Target: models.TxCancelled, ExpectedStatus: expected})
}

// Transition applies one forward move of the transaction table. Payment side
// effects of terminal states run inside the same store transaction, so the
// new status is only committed once the provider has confirmed.
func (s *settlementService) Transition(ctx context.Context, actor models.Actor, req TransitionRequest) (*models.Transaction, error) {
	tracer := otel.Tracer("settlement-service")
	ctx, span := tracer.Start(ctx, "TransitionTransaction")
	span.SetAttributes(attribute.String("transaction_id", req.TransactionID.String()), attribute.String("target", string(req.Target)))
	defer span.End()

	var result *models.Transaction
	var from models.TradeState
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		tx, err := st.Transactions().Lock(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		from = tx.State
		if err := expectMatch(entityTransaction, req.ExpectedStatus, tx.State.Status); err != nil {
			return err
		}
		if err := requireShop(entityTransaction, actor, tx.ShopID); err != nil {
			return err
		}
		next, err := statemachine.CheckTransaction(tx, req.Target, actor)
		if err != nil {
			return err
		}
		if err := s.applyTransaction(ctx, st, tx, next, actor, eff); err != nil {
			return err
		}
		result = tx
		return nil
	})
	recordTransition(entityTransaction, string(from.Status), string(req.Target), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		slog.Error("transaction transition failed", "method", "Transition", "transaction_id", req.TransactionID, "target", req.Target, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityTransaction, err)
	}

	s.flush(ctx, eff)
	slog.Info("transaction transitioned", "method", "Transition", "transaction_id", result.ID, "from", from.String(), "to", result.State.String())
	return result, nil
}

// applyTransaction persists tx in state next, running the payment side
// effect of the target status first. Must be called inside Atomic with tx
// locked.
func (d *deps) applyTransaction(ctx context.Context, st repository.Store, tx *models.Transaction, next models.TradeState, actor models.Actor, eff *effects) error {
	before, err := d.moveTransaction(ctx, st, tx, next, actor, eff)
	if err != nil {
		return err
	}
	eff.audit("transaction.transition", actor, entityTransaction, tx.ID, before, tx, tx.UpdatedAt)
	return nil
}

// moveTransaction is applyTransaction without the audit entry, for callers
// that record the move as part of a larger one.
func (d *deps) moveTransaction(ctx context.Context, st repository.Store, tx *models.Transaction, next models.TradeState, actor models.Actor, eff *effects) (models.Transaction, error) {
	before := *tx
	now := d.now()

	switch next.Status {
	case models.TxConfirmed:
		if tx.CheckedInAt == nil {
			tx.CheckedInAt = &now
		}
	case models.TxCompleted:
		if err := d.settleCompleted(ctx, st, tx, actor, now); err != nil {
			return before, err
		}
		tx.CompletedAt = &now
	case models.TxCancelled:
		if err := d.settleCancelled(ctx, st, tx, actor, now); err != nil {
			return before, err
		}
	}

	tx.State = next
	tx.UpdatedAt = now
	if err := st.Transactions().Update(ctx, tx, before.State); err != nil {
		return before, err
	}

	payload := map[string]any{"transaction_id": tx.ID, "from": before.State.String(), "to": tx.State.String()}
	eff.notify("transaction."+strings.ToLower(string(next.Status)), payload, tx.PartyA, tx.PartyB)
	return before, nil
}

// settleCompleted captures an authorized hold and queues the seller payout
// for dual confirmation.
func (d *deps) settleCompleted(ctx context.Context, st repository.Store, tx *models.Transaction, actor models.Actor, now time.Time) error {
	if tx.HoldID == nil {
		return nil
	}
	hold, err := st.Transactions().GetHold(ctx, *tx.HoldID)
	if err != nil {
		return err
	}
	if hold.Status == models.HoldAuthorized {
		if err := d.capture(ctx, hold, hold.Amount); err != nil {
			return err
		}
		hold.Status = models.HoldCaptured
		hold.CapturedAmount = hold.Amount
		hold.UpdatedAt = now
		if err := st.Transactions().UpdateHold(ctx, hold, models.HoldAuthorized); err != nil {
			return err
		}
	}
	if hold.Status != models.HoldCaptured {
		return nil
	}
	return st.Releases().Create(ctx, &models.PendingRelease{
		ID:            uuid.New(),
		Type:          models.ReleaseToSeller,
		Status:        models.ReleasePending,
		Amount:        hold.CapturedAmount.Sub(hold.RefundedAmount),
		RecipientID:   tx.SellerID,
		TransactionID: &tx.ID,
		Reason:        "trade completed",
		TriggeredBy:   actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// settleCancelled voids an authorized hold directly. Captured funds can only
// go back through a dual-confirmed refund.
func (d *deps) settleCancelled(ctx context.Context, st repository.Store, tx *models.Transaction, actor models.Actor, now time.Time) error {
	if tx.HoldID == nil {
		return nil
	}
	hold, err := st.Transactions().GetHold(ctx, *tx.HoldID)
	if err != nil {
		return err
	}
	switch hold.Status {
	case models.HoldAuthorized:
		if err := d.cancelOrRefund(ctx, hold.ProviderHoldID, hold.Amount); err != nil {
			return err
		}
		hold.Status = models.HoldVoided
		hold.UpdatedAt = now
		return st.Transactions().UpdateHold(ctx, hold, models.HoldAuthorized)
	case models.HoldCaptured:
		return st.Releases().Create(ctx, &models.PendingRelease{
			ID:            uuid.New(),
			Type:          models.ReleaseRefundFull,
			Status:        models.ReleasePending,
			Amount:        hold.CapturedAmount.Sub(hold.RefundedAmount),
			RecipientID:   tx.BuyerID,
			TransactionID: &tx.ID,
			Reason:        "trade cancelled after capture",
			TriggeredBy:   actor.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return nil
}

// forceTransaction moves tx through a side-channel table. It carries no
// payment side effects; those belong to the release that triggered it.
func (d *deps) forceTransaction(ctx context.Context, st repository.Store, tx *models.Transaction, reason statemachine.ForcedReason, target models.TransactionStatus, actor models.Actor, eff *effects) error {
	before := tx.State
	next, err := statemachine.CheckForced(tx, reason, target)
	recordTransition(entityTransaction, string(before.Status), string(target), err)
	if err != nil {
		return err
	}
	now := d.now()
	tx.State = next
	tx.UpdatedAt = now
	if target == models.TxCompleted && tx.CompletedAt == nil {
		tx.CompletedAt = &now
	}
	if err := st.Transactions().Update(ctx, tx, before); err != nil {
		return err
	}
	eff.notify("transaction."+strings.ToLower(string(target)), map[string]any{
		"transaction_id": tx.ID, "from": before.String(), "to": next.String(), "reason": string(reason),
	}, tx.PartyA, tx.PartyB)
	return nil
}

type holdEventSnapshot struct {
	Hold        models.PaymentHold `json:"hold"`
	Transaction models.Transaction `json:"transaction"`
}

// HandleHoldEvent reconciles a processor webhook with the local hold. An
// authorization that expires or fails at the processor cancels the trade.
func (s *settlementService) HandleHoldEvent(ctx context.Context, providerHoldID string, event HoldEvent) error {
	tracer := otel.Tracer("settlement-service")
	ctx, span := tracer.Start(ctx, "HandleHoldEvent")
	span.SetAttributes(attribute.String("provider_hold_id", providerHoldID), attribute.String("event", string(event)))
	defer span.End()

	eff := &effects{}
	actor := models.SystemActor
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		hold, err := st.Transactions().GetHoldByProviderID(ctx, providerHoldID)
		if err != nil {
			return err
		}
		tx, err := st.Transactions().Lock(ctx, hold.TransactionID)
		if err != nil {
			return err
		}
		// Re-read under the transaction lock.
		hold, err = st.Transactions().GetHold(ctx, hold.ID)
		if err != nil {
			return err
		}
		if hold.Status != models.HoldAuthorized {
			return nil
		}

		before := *hold
		now := s.now()
		switch event {
		case HoldEventCaptured:
			hold.Status = models.HoldCaptured
			hold.CapturedAmount = hold.Amount
		case HoldEventExpired:
			hold.Status = models.HoldVoided
		case HoldEventFailed:
			hold.Status = models.HoldFailed
		default:
			return fmt.Errorf("%w: unknown hold event %q", pkgerrors.ErrInvalidInput, event)
		}
		hold.UpdatedAt = now
		if err := st.Transactions().UpdateHold(ctx, hold, models.HoldAuthorized); err != nil {
			return err
		}

		// One audit entry covers the hold and the trade it cancels.
		txBefore := *tx
		if event != HoldEventCaptured && !tx.State.Status.Terminal() && tx.State.Status != models.TxDisputed {
			next, err := statemachine.CheckTransaction(tx, models.TxCancelled, actor)
			if err != nil {
				return err
			}
			if _, err := s.moveTransaction(ctx, st, tx, next, actor, eff); err != nil {
				return err
			}
		}
		eff.audit("payment_hold."+string(event), actor, "payment_hold", hold.ID,
			holdEventSnapshot{Hold: before, Transaction: txBefore},
			holdEventSnapshot{Hold: *hold, Transaction: *tx}, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hold event failed")
		slog.Error("failed to apply hold event", "method", "HandleHoldEvent", "provider_hold_id", providerHoldID, "event", event, "error", err)
		if stderrors.Is(err, pkgerrors.ErrHoldNotFound) {
			return err
		}
		return storeErr(entityTransaction, err)
	}
	s.flush(ctx, eff)
	slog.Info("hold event applied", "method", "HandleHoldEvent", "provider_hold_id", providerHoldID, "event", event)
	return nil
}
