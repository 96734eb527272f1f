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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const entityRelease = "pending_release"

type ReleaseService interface {
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.PendingRelease, error)
	Initiate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ReleaseSummary, error)
	Confirm(ctx context.Context, actor models.Actor, id uuid.UUID, token string) (*models.PendingRelease, error)
	Reject(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.PendingRelease, error)
	ExpireStale(ctx context.Context, limit int) (int, error)
}

type releaseService struct {
	deps
}

func NewReleaseService(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) *releaseService {
	return &releaseService{deps: newDeps(store, payments, sink, settings)}
}

func (s *releaseService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.PendingRelease, error) {
	rel, err := s.store.Releases().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d := statemachine.Authorize(statemachine.OpConfirmRelease, actor); !d.Allowed && actor.ID != rel.RecipientID {
		return nil, d.Err(entityRelease)
	}
	return rel, nil
}

// Initiate issues a single-use confirmation token for a PENDING release and
// returns the summary the approver must review. Only the bcrypt hash of the
// token is stored; initiating again replaces any earlier token.
func (s *releaseService) Initiate(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ReleaseSummary, error) {
	tracer := otel.Tracer("release-service")
	ctx, span := tracer.Start(ctx, "InitiateRelease")
	span.SetAttributes(attribute.String("release_id", id.String()))
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpInitiateRelease, actor); !d.Allowed {
		return nil, d.Err(entityRelease)
	}

	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to hash confirmation token", "method", "Initiate", "release_id", id, "error", err)
		return nil, fmt.Errorf("failed to issue confirmation token: %w", err)
	}

	var summary *models.ReleaseSummary
	eff := &effects{}
	err = s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		rel, err := st.Releases().Lock(ctx, id)
		if err != nil {
			return err
		}
		if rel.Status != models.ReleasePending {
			return pkgerrors.Precondition(entityRelease, "release is "+string(rel.Status)+", only PENDING releases can be approved")
		}
		if err := s.checkExecutable(ctx, st, rel); err != nil {
			return err
		}
		before := *rel
		now := s.now()
		expires := now.Add(s.settings.ReleaseTokenTTL)
		rel.TokenHash = string(hash)
		rel.TokenExpiresAt = &expires
		rel.UpdatedAt = now
		if err := st.Releases().Update(ctx, rel, models.ReleasePending); err != nil {
			return err
		}
		summary = &models.ReleaseSummary{
			ReleaseID:   rel.ID,
			Type:        rel.Type,
			Amount:      rel.Amount,
			RecipientID: rel.RecipientID,
			Token:       token,
			ExpiresAt:   expires,
			Text:        describeRelease(rel),
		}
		eff.audit("release.initiate", actor, entityRelease, rel.ID, before, rel, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiate failed")
		slog.Error("failed to initiate release", "method", "Initiate", "release_id", id, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityRelease, err)
	}
	s.flush(ctx, eff)
	slog.Info("release approval initiated", "method", "Initiate", "release_id", id, "expires_at", summary.ExpiresAt)
	return summary, nil
}

func describeRelease(rel *models.PendingRelease) string {
	recipient := rel.RecipientID.String()
	if rel.RecipientID == uuid.Nil {
		recipient = "payout batch lines"
	}
	verb := map[models.ReleaseType]string{
		models.ReleaseToSeller:      "Release",
		models.ReleaseRefundFull:    "Refund in full",
		models.ReleaseRefundPartial: "Partially refund",
		models.ReleaseFee:           "Release platform fees of",
		models.ReleaseWithdrawal:    "Pay out",
	}[rel.Type]
	return fmt.Sprintf("%s %s to %s (%s). This moves real money and cannot be undone.", verb, rel.Amount.StringFixed(2), recipient, rel.Reason)
}

// Confirm consumes the token and executes the release. Token check, payment
// call and status change happen under one row lock, so a token can approve
// at most once. A wrong or stale token is invalidated.
func (s *releaseService) Confirm(ctx context.Context, actor models.Actor, id uuid.UUID, token string) (*models.PendingRelease, error) {
	tracer := otel.Tracer("release-service")
	ctx, span := tracer.Start(ctx, "ConfirmRelease")
	span.SetAttributes(attribute.String("release_id", id.String()))
	defer span.End()

	if d := statemachine.Authorize(statemachine.OpConfirmRelease, actor); !d.Allowed {
		return nil, d.Err(entityRelease)
	}

	var result *models.PendingRelease
	var denied error
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		rel, err := st.Releases().Lock(ctx, id)
		if err != nil {
			return err
		}
		if rel.Status != models.ReleasePending {
			return pkgerrors.Expired(entityRelease, "release is already "+string(rel.Status)+", a new release is required")
		}
		if rel.TokenHash == "" || rel.TokenExpiresAt == nil {
			return pkgerrors.Expired(entityRelease, "no active confirmation token, initiate approval again")
		}
		now := s.now()
		switch {
		case !now.Before(*rel.TokenExpiresAt):
			denied = pkgerrors.Expired(entityRelease, "confirmation token expired, initiate approval again")
		case bcrypt.CompareHashAndPassword([]byte(rel.TokenHash), []byte(token)) != nil:
			denied = pkgerrors.Expired(entityRelease, "confirmation token does not match, initiate approval again")
		}
		if denied != nil {
			before := *rel
			rel.TokenHash = ""
			rel.TokenExpiresAt = nil
			rel.UpdatedAt = now
			if err := st.Releases().Update(ctx, rel, models.ReleasePending); err != nil {
				return err
			}
			eff.audit("release.token_invalidated", actor, entityRelease, rel.ID, before, rel, now)
			return nil
		}

		if err := statemachine.ReleaseTable.Check(rel.Status, models.ReleaseApproved); err != nil {
			return err
		}
		before := *rel
		if err := s.executeRelease(ctx, st, rel, actor, eff); err != nil {
			return err
		}
		rel.Status = models.ReleaseApproved
		rel.TokenHash = ""
		rel.TokenExpiresAt = nil
		rel.DecidedBy = &actor.ID
		rel.DecidedAt = &now
		rel.UpdatedAt = now
		if err := st.Releases().Update(ctx, rel, models.ReleasePending); err != nil {
			return err
		}
		eff.notify("release.approved", map[string]any{"release_id": rel.ID, "type": rel.Type, "amount": rel.Amount.StringFixed(2)}, rel.RecipientID)
		eff.audit("release.confirm", actor, entityRelease, rel.ID, before, rel, now)
		result = rel
		return nil
	})
	if err == nil {
		s.flush(ctx, eff)
		err = denied
	}
	recordTransition(entityRelease, string(models.ReleasePending), string(models.ReleaseApproved), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		slog.Error("failed to confirm release", "method", "Confirm", "release_id", id, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entityRelease, err)
	}
	slog.Info("release approved", "method", "Confirm", "release_id", id, "type", result.Type, "amount", result.Amount.StringFixed(2))
	return result, nil
}

func (s *releaseService) Reject(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.PendingRelease, error) {
	if d := statemachine.Authorize(statemachine.OpRejectRelease, actor); !d.Allowed {
		return nil, d.Err(entityRelease)
	}
	return s.close(ctx, actor, id, models.ReleaseRejected, strings.TrimSpace(reason), time.Time{})
}

// ExpireStale expires PENDING releases nobody decided within the release TTL.
func (s *releaseService) ExpireStale(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.settings.ReleaseTTL)
	stale, err := s.store.Releases().ListStale(ctx, cutoff, limit)
	if err != nil {
		slog.Error("failed to list stale releases", "method", "ExpireStale", "error", err)
		return 0, err
	}
	expired := 0
	for _, rel := range stale {
		if _, err := s.close(ctx, models.SystemActor, rel.ID, models.ReleaseExpired, "not decided in time", cutoff); err != nil {
			if !stderrors.Is(err, pkgerrors.ErrConflict) {
				slog.Error("failed to expire release", "method", "ExpireStale", "release_id", rel.ID, "error", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

// close moves a PENDING release to REJECTED or EXPIRED and hands reserved
// payout splits back. A non-zero cutoff requires the release to predate it.
func (s *releaseService) close(ctx context.Context, actor models.Actor, id uuid.UUID, target models.ReleaseStatus, reason string, cutoff time.Time) (*models.PendingRelease, error) {
	tracer := otel.Tracer("release-service")
	ctx, span := tracer.Start(ctx, "CloseRelease")
	span.SetAttributes(attribute.String("release_id", id.String()), attribute.String("target", string(target)))
	defer span.End()

	var result *models.PendingRelease
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		rel, err := st.Releases().Lock(ctx, id)
		if err != nil {
			return err
		}
		if !cutoff.IsZero() && (rel.Status != models.ReleasePending || !rel.CreatedAt.Before(cutoff)) {
			return pkgerrors.Conflict(entityRelease, "release is no longer stale")
		}
		if err := statemachine.ReleaseTable.Check(rel.Status, target); err != nil {
			return err
		}
		before := *rel
		now := s.now()
		if rel.PayoutBatchID != nil {
			if err := s.cancelBatch(ctx, st, *rel.PayoutBatchID); err != nil {
				return err
			}
		}
		rel.Status = target
		if reason != "" {
			rel.Reason = reason
		}
		rel.TokenHash = ""
		rel.TokenExpiresAt = nil
		rel.DecidedBy = &actor.ID
		rel.DecidedAt = &now
		rel.UpdatedAt = now
		if err := st.Releases().Update(ctx, rel, models.ReleasePending); err != nil {
			return err
		}
		eff.notify("release."+strings.ToLower(string(target)), map[string]any{"release_id": rel.ID, "type": rel.Type}, rel.RecipientID)
		eff.audit("release."+strings.ToLower(string(target)), actor, entityRelease, rel.ID, before, rel, now)
		result = rel
		return nil
	})
	recordTransition(entityRelease, string(models.ReleasePending), string(target), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close release failed")
		slog.Error("failed to close release", "method", "close", "release_id", id, "target", target, "error", err)
		return nil, storeErr(entityRelease, err)
	}
	s.flush(ctx, eff)
	slog.Info("release closed", "method", "close", "release_id", id, "status", target)
	return result, nil
}

// checkExecutable rejects releases that cannot run in the current state of
// their subject. Releases created before a dispute wait for its resolution.
func (d *deps) checkExecutable(ctx context.Context, st repository.Store, rel *models.PendingRelease) error {
	if rel.TransactionID == nil {
		return nil
	}
	tx, err := st.Transactions().GetByID(ctx, *rel.TransactionID)
	if err != nil {
		return err
	}
	if tx.State.Status == models.TxDisputed && rel.DisputeID == nil {
		return pkgerrors.Precondition(entityRelease, "transaction is under dispute, release is on hold")
	}
	return nil
}

func (d *deps) executeRelease(ctx context.Context, st repository.Store, rel *models.PendingRelease, actor models.Actor, eff *effects) error {
	switch {
	case rel.TransactionID != nil:
		if err := d.checkExecutable(ctx, st, rel); err != nil {
			return err
		}
		return d.executeTransactionRelease(ctx, st, rel, actor, eff)
	case rel.VaultOrderID != nil:
		return d.executeOrderRefund(ctx, st, rel, actor, eff)
	case rel.PayoutBatchID != nil:
		return d.executePayout(ctx, st, rel)
	}
	return pkgerrors.Precondition(entityRelease, "release has no subject")
}

// executeTransactionRelease makes exactly one provider call. A partial
// refund on a still-authorized hold is a partial capture of the remainder.
func (d *deps) executeTransactionRelease(ctx context.Context, st repository.Store, rel *models.PendingRelease, actor models.Actor, eff *effects) error {
	tx, err := st.Transactions().Lock(ctx, *rel.TransactionID)
	if err != nil {
		return err
	}
	if tx.HoldID == nil {
		return pkgerrors.Precondition(entityRelease, "transaction has no payment hold")
	}
	hold, err := st.Transactions().GetHold(ctx, *tx.HoldID)
	if err != nil {
		return err
	}
	prev := hold.Status
	now := d.now()
	remaining := hold.CapturedAmount.Sub(hold.RefundedAmount)

	var settled models.TransactionStatus
	switch rel.Type {
	case models.ReleaseToSeller:
		settled = models.TxCompleted
		if hold.Status == models.HoldAuthorized {
			if err := d.capture(ctx, hold, hold.Amount); err != nil {
				return err
			}
			hold.Status = models.HoldCaptured
			hold.CapturedAmount = hold.Amount
		}
	case models.ReleaseRefundFull:
		settled = models.TxCancelled
		switch hold.Status {
		case models.HoldAuthorized:
			if err := d.cancelOrRefund(ctx, hold.ProviderHoldID, rel.Amount); err != nil {
				return err
			}
			hold.Status = models.HoldVoided
		case models.HoldCaptured, models.HoldPartiallyRefunded:
			if rel.Amount.GreaterThan(remaining) {
				return pkgerrors.Precondition(entityRelease, "refund exceeds captured funds of "+remaining.StringFixed(2))
			}
			if err := d.cancelOrRefund(ctx, hold.ProviderHoldID, rel.Amount); err != nil {
				return err
			}
			hold.RefundedAmount = hold.RefundedAmount.Add(rel.Amount)
			hold.Status = models.HoldRefunded
		default:
			return pkgerrors.Precondition(entityRelease, "hold is "+string(hold.Status)+", nothing to refund")
		}
	case models.ReleaseRefundPartial:
		settled = models.TxCompleted
		switch hold.Status {
		case models.HoldAuthorized:
			keep := hold.Amount.Sub(rel.Amount)
			if !keep.IsPositive() {
				return pkgerrors.Precondition(entityRelease, "partial refund must be below the held amount")
			}
			if err := d.capture(ctx, hold, keep); err != nil {
				return err
			}
			hold.Status = models.HoldCaptured
			hold.CapturedAmount = keep
		case models.HoldCaptured, models.HoldPartiallyRefunded:
			if !rel.Amount.LessThan(remaining) {
				return pkgerrors.Precondition(entityRelease, "partial refund must be below captured funds of "+remaining.StringFixed(2))
			}
			if err := d.cancelOrRefund(ctx, hold.ProviderHoldID, rel.Amount); err != nil {
				return err
			}
			hold.RefundedAmount = hold.RefundedAmount.Add(rel.Amount)
			hold.Status = models.HoldPartiallyRefunded
		default:
			return pkgerrors.Precondition(entityRelease, "hold is "+string(hold.Status)+", nothing to refund")
		}
	default:
		return pkgerrors.Precondition(entityRelease, "release type "+string(rel.Type)+" does not apply to a transaction")
	}

	if hold.Status != prev {
		hold.UpdatedAt = now
		if err := st.Transactions().UpdateHold(ctx, hold, prev); err != nil {
			return err
		}
	}
	if tx.State.Status == models.TxDisputed {
		return d.forceTransaction(ctx, st, tx, statemachine.ForcedReleaseSettled, settled, actor, eff)
	}
	return nil
}

func (d *deps) executeOrderRefund(ctx context.Context, st repository.Store, rel *models.PendingRelease, actor models.Actor, eff *effects) error {
	if rel.Type != models.ReleaseRefundFull {
		return pkgerrors.Precondition(entityRelease, "vault orders only support full refunds")
	}
	order, err := st.Vault().LockOrder(ctx, *rel.VaultOrderID)
	if err != nil {
		return err
	}
	if order.SettledAt != nil {
		return pkgerrors.Precondition(entityRelease, pkgerrors.ErrOrderAlreadySettled.Error())
	}
	if order.Status == models.OrderRefunded {
		return pkgerrors.Precondition(entityRelease, "vault order already refunded")
	}
	if err := d.cancelOrRefund(ctx, order.PaymentRef, rel.Amount); err != nil {
		return err
	}
	// A cancelled order was already closed when the refund was requested.
	if order.Status == models.OrderCancelled {
		return nil
	}
	return d.refundOrder(ctx, st, order, actor, eff)
}

func (d *deps) executePayout(ctx context.Context, st repository.Store, rel *models.PendingRelease) error {
	batch, err := st.Vault().LockBatch(ctx, *rel.PayoutBatchID)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchAwaitingApproval {
		return pkgerrors.Precondition(entityRelease, "payout batch is "+string(batch.Status))
	}
	ids := make([]uuid.UUID, len(batch.Lines))
	for i, l := range batch.Lines {
		ids[i] = l.SplitID
	}
	if err := st.Vault().SetSplitStatus(ctx, ids, batch.PayeeType, models.SplitInPayout, models.SplitPaid); err != nil {
		return err
	}
	now := d.now()
	batch.Status = models.BatchPaid
	batch.PaidAt = &now
	return st.Vault().UpdateBatch(ctx, batch, models.BatchAwaitingApproval)
}

func (d *deps) cancelBatch(ctx context.Context, st repository.Store, batchID uuid.UUID) error {
	batch, err := st.Vault().LockBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchAwaitingApproval {
		return nil
	}
	ids := make([]uuid.UUID, len(batch.Lines))
	for i, l := range batch.Lines {
		ids[i] = l.SplitID
	}
	if err := st.Vault().SetSplitStatus(ctx, ids, batch.PayeeType, models.SplitInPayout, models.SplitEligible); err != nil {
		return err
	}
	batch.Status = models.BatchCancelled
	return st.Vault().UpdateBatch(ctx, batch, models.BatchAwaitingApproval)
}
