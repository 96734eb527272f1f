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

const entityDispute = "dispute"

type OpenDisputeRequest struct {
	TransactionID uuid.UUID
	Type          models.DisputeType
	Reason        string
}

type ResolveDisputeRequest struct {
	DisputeID    uuid.UUID
	Outcome      models.DisputeOutcome
	RefundAmount decimal.Decimal
	Note         string
}

type DisputeService interface {
	Open(ctx context.Context, actor models.Actor, req OpenDisputeRequest) (*models.Dispute, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	RequestResponse(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	Respond(ctx context.Context, actor models.Actor, id uuid.UUID, body string) (*models.Dispute, error)
	Mediate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	Escalate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	Resolve(ctx context.Context, actor models.Actor, req ResolveDisputeRequest) (*models.Dispute, *models.PendingRelease, error)
	Withdraw(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	Close(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error)
	AddMessage(ctx context.Context, actor models.Actor, id uuid.UUID, body, evidenceURL string) (*models.DisputeMessage, error)
	ListMessages(ctx context.Context, actor models.Actor, id uuid.UUID) ([]models.DisputeMessage, error)
	EscalateOverdue(ctx context.Context, limit int) (int, error)
}

type disputeService struct {
	deps
}

func NewDisputeService(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) *disputeService {
	return &disputeService{deps: newDeps(store, payments, sink, settings)}
}

// Open files a claim and moves the transaction into the DISPUTED hold state
// through the side channel.
func (s *disputeService) Open(ctx context.Context, actor models.Actor, req OpenDisputeRequest) (*models.Dispute, error) {
	tracer := otel.Tracer("dispute-service")
	ctx, span := tracer.Start(ctx, "OpenDispute")
	span.SetAttributes(attribute.String("transaction_id", req.TransactionID.String()))
	defer span.End()

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown dispute type %q", pkgerrors.ErrInvalidInput, req.Type)
	}

	var dispute *models.Dispute
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		tx, err := st.Transactions().Lock(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if err := statemachine.DisputeEligible(tx, actor); err != nil {
			return err
		}
		now := s.now()
		dispute = &models.Dispute{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			Type:          req.Type,
			Status:        models.DisputeOpen,
			OpenedBy:      actor.ID,
			RespondentID:  tx.Counterparty(actor.ID),
			Reason:        strings.TrimSpace(req.Reason),
			HeldFrom:      tx.State.Status,
			RefundAmount:  decimal.Zero,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := st.Disputes().Create(ctx, dispute); err != nil {
			if stderrors.Is(err, pkgerrors.ErrDisputeAlreadyOpen) {
				return pkgerrors.Precondition(entityDispute, pkgerrors.ErrDisputeAlreadyOpen.Error())
			}
			return err
		}
		tx.DisputeID = &dispute.ID
		if err := s.forceTransaction(ctx, st, tx, statemachine.ForcedDisputeOpened, models.TxDisputed, actor, eff); err != nil {
			return err
		}
		eff.notify("dispute.opened", map[string]any{"dispute_id": dispute.ID, "transaction_id": tx.ID, "type": dispute.Type}, dispute.RespondentID)
		eff.audit("dispute.open", actor, entityDispute, dispute.ID, nil, dispute, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open dispute failed")
		slog.Error("failed to open dispute", "method", "Open", "transaction_id", req.TransactionID, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityDispute, err)
	}
	s.flush(ctx, eff)
	slog.Info("dispute opened", "method", "Open", "dispute_id", dispute.ID, "transaction_id", req.TransactionID)
	return dispute, nil
}

func (s *disputeService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	d, err := s.store.Disputes().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canSeeDispute(actor, d); err != nil {
		return nil, err
	}
	return d, nil
}

func canSeeDispute(actor models.Actor, d *models.Dispute) error {
	switch actor.Role {
	case models.RoleUser:
		if actor.ID != d.OpenedBy && actor.ID != d.RespondentID {
			return pkgerrors.Forbidden(entityDispute, "caller is not a party to this dispute")
		}
	case models.RoleMerchant, models.RoleHubStaff:
		return pkgerrors.Forbidden(entityDispute, "role "+string(actor.Role)+" has no access to disputes")
	}
	return nil
}

type disputeStep func(ctx context.Context, st repository.Store, d *models.Dispute, tx *models.Transaction, now time.Time, eff *effects) (models.DisputeStatus, error)

func (s *disputeService) stepDispute(ctx context.Context, actor models.Actor, op statemachine.Operation, id uuid.UUID, step disputeStep) (*models.Dispute, error) {
	tracer := otel.Tracer("dispute-service")
	ctx, span := tracer.Start(ctx, string(op))
	span.SetAttributes(attribute.String("dispute_id", id.String()))
	defer span.End()

	var result *models.Dispute
	var from, to models.DisputeStatus
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		d, err := st.Disputes().Lock(ctx, id)
		if err != nil {
			return err
		}
		from = d.Status
		if dec := statemachine.AuthorizeParty(op, actor, d.OpenedBy, d.RespondentID); !dec.Allowed {
			return dec.Err(entityDispute)
		}
		if err := canSeeDispute(actor, d); err != nil {
			return err
		}
		tx, err := st.Transactions().Lock(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		before := *d
		now := s.now()
		to, err = step(ctx, st, d, tx, now, eff)
		if err != nil {
			return err
		}
		if to != from {
			if err := statemachine.DisputeTable.Check(from, to); err != nil {
				return err
			}
		}
		d.Status = to
		d.UpdatedAt = now
		if err := st.Disputes().Update(ctx, d, from); err != nil {
			return err
		}
		if to != from {
			eff.notify("dispute."+strings.ToLower(string(to)), map[string]any{"dispute_id": d.ID, "transaction_id": d.TransactionID, "outcome": d.Outcome},
				d.OpenedBy, d.RespondentID)
		}
		eff.audit(string(op), actor, entityDispute, d.ID, before, d, now)
		result = d
		return nil
	})
	if to != "" && to != from {
		recordTransition(entityDispute, string(from), string(to), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispute step rejected")
		slog.Error("dispute operation failed", "method", string(op), "dispute_id", id, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityDispute, err)
	}
	s.flush(ctx, eff)
	slog.Info("dispute updated", "method", string(op), "dispute_id", id, "from", from, "to", result.Status)
	return result, nil
}

// RequestResponse hands the dispute to the counterparty with a fixed
// response deadline.
func (s *disputeService) RequestResponse(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	return s.stepDispute(ctx, actor, statemachine.OpDisputeArbitrate, id, func(_ context.Context, _ repository.Store, d *models.Dispute, _ *models.Transaction, now time.Time, _ *effects) (models.DisputeStatus, error) {
		d.ResponseDeadline = ptr(now.Add(s.settings.DisputeResponseWindow))
		return models.DisputeSellerResponse, nil
	})
}

func (s *disputeService) Respond(ctx context.Context, actor models.Actor, id uuid.UUID, body string) (*models.Dispute, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	return s.stepDispute(ctx, actor, statemachine.OpDisputeRespond, id, func(ctx context.Context, st repository.Store, d *models.Dispute, _ *models.Transaction, now time.Time, _ *effects) (models.DisputeStatus, error) {
		if actor.ID != d.RespondentID {
			return d.Status, pkgerrors.Forbidden(entityDispute, "only the respondent can answer the dispute")
		}
		if d.Status != models.DisputeSellerResponse {
			return d.Status, pkgerrors.Precondition(entityDispute, "dispute is not awaiting a response, found "+string(d.Status))
		}
		if d.ResponseDeadline != nil && d.ResponseDeadline.Before(now) {
			return d.Status, pkgerrors.Expired(entityDispute, "response deadline has passed")
		}
		msg := &models.DisputeMessage{ID: uuid.New(), DisputeID: d.ID, AuthorID: actor.ID, Body: body, CreatedAt: now}
		if err := st.Disputes().AddMessage(ctx, msg); err != nil {
			return d.Status, err
		}
		return models.DisputeInMediation, nil
	})
}

func (s *disputeService) Mediate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	return s.stepDispute(ctx, actor, statemachine.OpDisputeArbitrate, id, func(context.Context, repository.Store, *models.Dispute, *models.Transaction, time.Time, *effects) (models.DisputeStatus, error) {
		return models.DisputeInMediation, nil
	})
}

func (s *disputeService) Escalate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	return s.stepDispute(ctx, actor, statemachine.OpDisputeEscalate, id, func(_ context.Context, _ repository.Store, d *models.Dispute, _ *models.Transaction, now time.Time, _ *effects) (models.DisputeStatus, error) {
		// The sweep only acts on disputes that are still overdue.
		if actor.Role == models.RoleSystem {
			if d.Status != models.DisputeSellerResponse || d.ResponseDeadline == nil || !d.ResponseDeadline.Before(now) {
				return d.Status, pkgerrors.Conflict(entityDispute, "dispute is no longer overdue")
			}
		}
		return models.DisputeEscalated, nil
	})
}

// Resolve records the outcome and replaces every pending release of the
// transaction with the one the outcome dictates. A RESOLVED dispute whose
// release was rejected may be resolved again.
func (s *disputeService) Resolve(ctx context.Context, actor models.Actor, req ResolveDisputeRequest) (*models.Dispute, *models.PendingRelease, error) {
	var release *models.PendingRelease
	d, err := s.stepDispute(ctx, actor, statemachine.OpDisputeArbitrate, req.DisputeID, func(ctx context.Context, st repository.Store, d *models.Dispute, tx *models.Transaction, now time.Time, eff *effects) (models.DisputeStatus, error) {
		if d.Status == models.DisputeResolved {
			if tx.State.Status != models.TxDisputed {
				return d.Status, pkgerrors.Precondition(entityDispute, "dispute already settled")
			}
			pending, err := st.Releases().ListPendingByTransaction(ctx, tx.ID)
			if err != nil {
				return d.Status, err
			}
			if len(pending) > 0 {
				return d.Status, pkgerrors.Precondition(entityDispute, "a release for this dispute is still pending")
			}
		} else if err := statemachine.DisputeTable.Check(d.Status, models.DisputeResolved); err != nil {
			return d.Status, err
		}

		rel, err := releaseForOutcome(tx, d, req, actor, now)
		if err != nil {
			return d.Status, err
		}
		if err := s.supersedePending(ctx, st, tx.ID, actor, now); err != nil {
			return d.Status, err
		}
		if err := st.Releases().Create(ctx, rel); err != nil {
			return d.Status, err
		}
		d.Outcome = req.Outcome
		d.RefundAmount = rel.Amount
		if req.Outcome == models.OutcomeSellerFavor {
			d.RefundAmount = decimal.Zero
		}
		d.ResolvedBy = &actor.ID
		d.ResolvedAt = &now
		release = rel
		return models.DisputeResolved, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return d, release, nil
}

func releaseForOutcome(tx *models.Transaction, d *models.Dispute, req ResolveDisputeRequest, actor models.Actor, now time.Time) (*models.PendingRelease, error) {
	rel := &models.PendingRelease{
		ID:            uuid.New(),
		Status:        models.ReleasePending,
		TransactionID: &tx.ID,
		DisputeID:     &d.ID,
		Reason:        strings.TrimSpace("dispute resolved " + strings.ToLower(string(req.Outcome)) + " " + req.Note),
		TriggeredBy:   actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch req.Outcome {
	case models.OutcomeBuyerFavor:
		rel.Type, rel.Amount, rel.RecipientID = models.ReleaseRefundFull, tx.Amount, tx.BuyerID
	case models.OutcomeSellerFavor:
		rel.Type, rel.Amount, rel.RecipientID = models.ReleaseToSeller, tx.Amount, tx.SellerID
	case models.OutcomePartialRefund:
		amount := req.RefundAmount.Round(2)
		if !amount.IsPositive() || !amount.LessThan(tx.Amount) {
			return nil, pkgerrors.Precondition(entityDispute, "partial refund must be between 0 and "+tx.Amount.StringFixed(2))
		}
		rel.Type, rel.Amount, rel.RecipientID = models.ReleaseRefundPartial, amount, tx.BuyerID
	default:
		return nil, fmt.Errorf("%w: unsupported outcome %q", pkgerrors.ErrInvalidInput, req.Outcome)
	}
	return rel, nil
}

// supersedePending rejects releases created before the dispute decision.
func (d *deps) supersedePending(ctx context.Context, st repository.Store, transactionID uuid.UUID, actor models.Actor, now time.Time) error {
	pending, err := st.Releases().ListPendingByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	for i := range pending {
		rel := &pending[i]
		rel.Status = models.ReleaseRejected
		rel.Reason = "superseded by dispute resolution"
		rel.TokenHash = ""
		rel.TokenExpiresAt = nil
		rel.DecidedBy = &actor.ID
		rel.DecidedAt = &now
		rel.UpdatedAt = now
		if err := st.Releases().Update(ctx, rel, models.ReleasePending); err != nil {
			return err
		}
	}
	return nil
}

// Withdraw lets the opener drop the claim before mediation. The transaction
// returns to the status it was held from.
func (s *disputeService) Withdraw(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	return s.stepDispute(ctx, actor, statemachine.OpDisputeWithdraw, id, func(ctx context.Context, st repository.Store, d *models.Dispute, tx *models.Transaction, now time.Time, eff *effects) (models.DisputeStatus, error) {
		if actor.ID != d.OpenedBy {
			return d.Status, pkgerrors.Forbidden(entityDispute, "only the opener can withdraw the dispute")
		}
		if err := statemachine.DisputeTable.Check(d.Status, models.DisputeClosed); err != nil {
			return d.Status, err
		}
		if err := s.forceTransaction(ctx, st, tx, statemachine.ForcedDisputeWithdrawn, d.HeldFrom, actor, eff); err != nil {
			return d.Status, err
		}
		d.Outcome = models.OutcomeWithdrawn
		d.ResolvedAt = &now
		return models.DisputeClosed, nil
	})
}

// Close archives a RESOLVED dispute, or dismisses one that never reached
// mediation, restoring the transaction.
func (s *disputeService) Close(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Dispute, error) {
	return s.stepDispute(ctx, actor, statemachine.OpDisputeArbitrate, id, func(ctx context.Context, st repository.Store, d *models.Dispute, tx *models.Transaction, now time.Time, eff *effects) (models.DisputeStatus, error) {
		if err := statemachine.DisputeTable.Check(d.Status, models.DisputeClosed); err != nil {
			return d.Status, err
		}
		if d.Status == models.DisputeResolved {
			return models.DisputeClosed, nil
		}
		if err := s.forceTransaction(ctx, st, tx, statemachine.ForcedDisputeWithdrawn, d.HeldFrom, actor, eff); err != nil {
			return d.Status, err
		}
		d.ResolvedBy = &actor.ID
		d.ResolvedAt = &now
		return models.DisputeClosed, nil
	})
}

func (s *disputeService) AddMessage(ctx context.Context, actor models.Actor, id uuid.UUID, body, evidenceURL string) (*models.DisputeMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" && evidenceURL == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	var msg *models.DisputeMessage
	_, err := s.stepDispute(ctx, actor, statemachine.OpDisputeMessage, id, func(ctx context.Context, st repository.Store, d *models.Dispute, _ *models.Transaction, now time.Time, _ *effects) (models.DisputeStatus, error) {
		if !d.Status.IsOpen() {
			return d.Status, pkgerrors.Precondition(entityDispute, "dispute is "+string(d.Status))
		}
		msg = &models.DisputeMessage{ID: uuid.New(), DisputeID: d.ID, AuthorID: actor.ID, Body: body, EvidenceURL: evidenceURL, CreatedAt: now}
		return d.Status, st.Disputes().AddMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *disputeService) ListMessages(ctx context.Context, actor models.Actor, id uuid.UUID) ([]models.DisputeMessage, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Disputes().ListMessages(ctx, id)
}

// EscalateOverdue escalates disputes whose respondent missed the deadline.
func (s *disputeService) EscalateOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.Disputes().ListOverdue(ctx, s.now(), limit)
	if err != nil {
		slog.Error("failed to list overdue disputes", "method", "EscalateOverdue", "error", err)
		return 0, err
	}
	escalated := 0
	for _, d := range overdue {
		if _, err := s.Escalate(ctx, models.SystemActor, d.ID); err != nil {
			if !stderrors.Is(err, pkgerrors.ErrConflict) {
				slog.Error("failed to escalate overdue dispute", "method", "EscalateOverdue", "dispute_id", d.ID, "error", err)
			}
			continue
		}
		escalated++
	}
	return escalated, nil
}
