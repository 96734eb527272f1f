package service

import (
	"context"
	stderrors "errors"
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
)

const (
	entityPackage = "package"
	entitySession = "escrow_session"
)

type PackageRequest struct {
	TransactionID   uuid.UUID
	Target          models.PackageStatus
	ExpectedPackage *models.PackageStatus
	TrackingNumber  string
}

type CustodyService interface {
	AdvancePackage(ctx context.Context, actor models.Actor, req PackageRequest) (*models.Transaction, error)

	StartSession(ctx context.Context, actor models.Actor, transactionID uuid.UUID) (*models.EscrowSession, error)
	GetSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	OpenCheckIn(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	CheckIn(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	VerifyItem(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	CompleteSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	CancelSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	CloseSession(ctx context.Context, actor models.Actor, id uuid.UUID, confirmed bool) (*models.EscrowSession, error)
	ExtendSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	ExpireSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error)
	ExpireDueSessions(ctx context.Context, limit int) (int, error)
	PostMessage(ctx context.Context, actor models.Actor, id uuid.UUID, body string) (*models.SessionMessage, error)
	ListMessages(ctx context.Context, actor models.Actor, id uuid.UUID) ([]models.SessionMessage, error)
}

type custodyService struct {
	deps
}

func NewCustodyService(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) *custodyService {
	return &custodyService{deps: newDeps(store, payments, sink, settings)}
}

// AdvancePackage moves the hub package one step and the paired transaction
// status with it.
func (s *custodyService) AdvancePackage(ctx context.Context, actor models.Actor, req PackageRequest) (*models.Transaction, error) {
	tracer := otel.Tracer("custody-service")
	ctx, span := tracer.Start(ctx, "AdvancePackage")
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
		if err := expectMatch(entityPackage, req.ExpectedPackage, tx.State.Package); err != nil {
			return err
		}
		next, err := statemachine.CheckPackage(tx, req.Target, actor, req.TrackingNumber)
		if err != nil {
			return err
		}
		before := *tx
		now := s.now()
		if req.Target == models.PackageShipped {
			tx.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
		}
		tx.State = next
		tx.UpdatedAt = now
		if err := st.Transactions().Update(ctx, tx, before.State); err != nil {
			return err
		}
		eff.notify("package."+strings.ToLower(string(req.Target)), map[string]any{
			"transaction_id": tx.ID, "state": next.String(), "tracking_number": tx.TrackingNumber,
		}, tx.PartyA, tx.PartyB)
		eff.audit("package.advance", actor, entityTransaction, tx.ID, before, tx, now)
		result = tx
		return nil
	})
	recordTransition(entityPackage, string(from.Package), string(req.Target), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "package transition rejected")
		slog.Error("package transition failed", "method", "AdvancePackage", "transaction_id", req.TransactionID, "target", req.Target, "error", err)
		return nil, storeErr(entityPackage, err)
	}
	s.flush(ctx, eff)
	slog.Info("package advanced", "method", "AdvancePackage", "transaction_id", result.ID, "state", result.State.String())
	return result, nil
}

func (s *custodyService) StartSession(ctx context.Context, actor models.Actor, transactionID uuid.UUID) (*models.EscrowSession, error) {
	tracer := otel.Tracer("custody-service")
	ctx, span := tracer.Start(ctx, "StartSession")
	span.SetAttributes(attribute.String("transaction_id", transactionID.String()))
	defer span.End()

	var sess *models.EscrowSession
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		tx, err := st.Transactions().Lock(ctx, transactionID)
		if err != nil {
			return err
		}
		if d := statemachine.AuthorizeParty(statemachine.OpStartSession, actor, tx.PartyA, tx.PartyB); !d.Allowed {
			return d.Err(entitySession)
		}
		if err := requireShop(entitySession, actor, tx.ShopID); err != nil {
			return err
		}
		if tx.EscrowType != models.EscrowLocal || tx.ShopID == nil {
			return pkgerrors.Precondition(entitySession, "in-person sessions require a local trade at a shop")
		}
		if tx.State.Status != models.TxPending && tx.State.Status != models.TxConfirmed {
			return pkgerrors.Precondition(entitySession, "transaction is "+string(tx.State.Status)+", sessions need PENDING or CONFIRMED")
		}
		now := s.now()
		sess = &models.EscrowSession{
			ID:             uuid.New(),
			TransactionID:  tx.ID,
			BuyerID:        tx.BuyerID,
			SellerID:       tx.SellerID,
			MerchantID:     *tx.ShopID,
			Status:         models.SessionCreated,
			ExpiresAt:      now.Add(s.settings.SessionTTL),
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := st.Sessions().Create(ctx, sess); err != nil {
			if stderrors.Is(err, pkgerrors.ErrSessionAlreadyActive) {
				return pkgerrors.Precondition(entitySession, pkgerrors.ErrSessionAlreadyActive.Error())
			}
			return err
		}
		eff.notify("session.created", map[string]any{"session_id": sess.ID, "expires_at": sess.ExpiresAt}, sess.BuyerID, sess.SellerID, sess.MerchantID)
		eff.audit("session.start", actor, entitySession, sess.ID, nil, sess, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start session failed")
		slog.Error("failed to start session", "method", "StartSession", "transaction_id", transactionID, "error", err)
		return nil, storeErr(entitySession, err)
	}
	s.flush(ctx, eff)
	slog.Info("session started", "method", "StartSession", "session_id", sess.ID, "transaction_id", transactionID)
	return sess, nil
}

func (s *custodyService) GetSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	if err := s.expireIfDue(ctx, id); err != nil && !stderrors.Is(err, pkgerrors.ErrConflict) {
		return nil, err
	}
	sess, err := s.store.Sessions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canSeeSession(actor, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func canSeeSession(actor models.Actor, sess *models.EscrowSession) error {
	switch actor.Role {
	case models.RoleUser:
		if !sess.Participant(actor.ID) {
			return pkgerrors.Forbidden(entitySession, "caller is not a participant of this session")
		}
	case models.RoleMerchant:
		if actor.ID != sess.MerchantID {
			return pkgerrors.Forbidden(entitySession, "session belongs to another shop")
		}
	}
	return nil
}

// sessionStep returns the status the session should move to. Returning the
// current status leaves it unchanged.
type sessionStep func(ctx context.Context, st repository.Store, sess *models.EscrowSession, now time.Time, eff *effects) (models.SessionStatus, error)

func (s *custodyService) stepSession(ctx context.Context, actor models.Actor, op statemachine.Operation, id uuid.UUID, step sessionStep) (*models.EscrowSession, error) {
	tracer := otel.Tracer("custody-service")
	ctx, span := tracer.Start(ctx, string(op))
	span.SetAttributes(attribute.String("session_id", id.String()))
	defer span.End()

	if op != statemachine.OpSessionExpire {
		if err := s.expireIfDue(ctx, id); err != nil && !stderrors.Is(err, pkgerrors.ErrConflict) {
			span.RecordError(err)
			return nil, err
		}
	}

	var result *models.EscrowSession
	var from, to models.SessionStatus
	eff := &effects{}
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		sess, err := st.Sessions().Lock(ctx, id)
		if err != nil {
			return err
		}
		from = sess.Status
		if d := statemachine.AuthorizeParty(op, actor, sess.BuyerID, sess.SellerID); !d.Allowed {
			return d.Err(entitySession)
		}
		if err := canSeeSession(actor, sess); err != nil {
			return err
		}
		before := *sess
		now := s.now()
		to, err = step(ctx, st, sess, now, eff)
		if err != nil {
			return err
		}
		if to != from {
			if err := statemachine.SessionTable.Check(from, to); err != nil {
				return err
			}
		}
		sess.Status = to
		sess.LastActivityAt = now
		sess.UpdatedAt = now
		if err := st.Sessions().Update(ctx, sess, from); err != nil {
			return err
		}
		if to != from {
			eff.notify("session."+strings.ToLower(string(to)), map[string]any{"session_id": sess.ID, "from": from, "to": to},
				sess.BuyerID, sess.SellerID, sess.MerchantID)
		}
		eff.audit(string(op), actor, entitySession, sess.ID, before, sess, now)
		result = sess
		return nil
	})
	if to != "" && to != from {
		recordTransition(entitySession, string(from), string(to), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session step rejected")
		slog.Error("session operation failed", "method", string(op), "session_id", id, "actor_id", actor.ID, "error", err)
		return nil, storeErr(entitySession, err)
	}
	s.flush(ctx, eff)
	slog.Info("session updated", "method", string(op), "session_id", id, "from", from, "to", result.Status)
	return result, nil
}

func (s *custodyService) OpenCheckIn(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionCheckIn, id, func(context.Context, repository.Store, *models.EscrowSession, time.Time, *effects) (models.SessionStatus, error) {
		return models.SessionCheckinPending, nil
	})
}

// CheckIn records one party's arrival. When both are present the trade
// itself is checked in.
func (s *custodyService) CheckIn(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionCheckIn, id, func(ctx context.Context, st repository.Store, sess *models.EscrowSession, now time.Time, eff *effects) (models.SessionStatus, error) {
		target, err := statemachine.CheckInTarget(sess, actor)
		if err != nil {
			return sess.Status, err
		}
		if target != models.SessionBothCheckedIn {
			return target, nil
		}
		tx, err := st.Transactions().Lock(ctx, sess.TransactionID)
		if err != nil {
			return sess.Status, err
		}
		if tx.State.Status != models.TxPending {
			return target, nil
		}
		next, err := statemachine.CheckTransaction(tx, models.TxConfirmed, actor)
		if err != nil {
			return sess.Status, err
		}
		return target, s.applyTransaction(ctx, st, tx, next, actor, eff)
	})
}

func (s *custodyService) VerifyItem(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionVerify, id, func(context.Context, repository.Store, *models.EscrowSession, time.Time, *effects) (models.SessionStatus, error) {
		return models.SessionItemVerified, nil
	})
}

// CompleteSession finishes the meeting and completes the trade, capturing
// the hold.
func (s *custodyService) CompleteSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionComplete, id, func(ctx context.Context, st repository.Store, sess *models.EscrowSession, now time.Time, eff *effects) (models.SessionStatus, error) {
		if err := statemachine.SessionTable.Check(sess.Status, models.SessionCompleted); err != nil {
			return sess.Status, err
		}
		tx, err := st.Transactions().Lock(ctx, sess.TransactionID)
		if err != nil {
			return sess.Status, err
		}
		next, err := statemachine.CheckTransaction(tx, models.TxCompleted, actor)
		if err != nil {
			return sess.Status, err
		}
		return models.SessionCompleted, s.applyTransaction(ctx, st, tx, next, actor, eff)
	})
}

func (s *custodyService) CancelSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionCancel, id, func(context.Context, repository.Store, *models.EscrowSession, time.Time, *effects) (models.SessionStatus, error) {
		return models.SessionCancelled, nil
	})
}

func (s *custodyService) CloseSession(ctx context.Context, actor models.Actor, id uuid.UUID, confirmed bool) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionClose, id, func(_ context.Context, _ repository.Store, sess *models.EscrowSession, _ time.Time, _ *effects) (models.SessionStatus, error) {
		if err := statemachine.CheckClose(sess, actor, confirmed); err != nil {
			return sess.Status, err
		}
		return models.SessionCancelled, nil
	})
}

// ExtendSession resurrects an EXPIRED session with a fresh expiry window.
func (s *custodyService) ExtendSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	return s.stepSession(ctx, actor, statemachine.OpSessionExtend, id, func(_ context.Context, _ repository.Store, sess *models.EscrowSession, now time.Time, _ *effects) (models.SessionStatus, error) {
		if sess.Status != models.SessionExpired {
			return sess.Status, pkgerrors.Precondition(entitySession, "only EXPIRED sessions can be extended, found "+string(sess.Status))
		}
		sess.ExpiresAt = now.Add(s.settings.SessionTTL)
		return models.SessionCheckinPending, nil
	})
}

// ExpireSession marks a due session EXPIRED. Expiring an already expired
// session is a no-op.
func (s *custodyService) ExpireSession(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.EscrowSession, error) {
	if d := statemachine.Authorize(statemachine.OpSessionExpire, actor); !d.Allowed {
		return nil, d.Err(entitySession)
	}
	sess, err := s.store.Sessions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canSeeSession(actor, sess); err != nil {
		return nil, err
	}
	if sess.Status == models.SessionExpired {
		return sess, nil
	}
	if !sess.ExpiresAt.Before(s.now()) {
		return nil, pkgerrors.Precondition(entitySession, "session has not reached its expiry")
	}
	if err := s.expireIfDue(ctx, id); err != nil && !stderrors.Is(err, pkgerrors.ErrConflict) {
		return nil, err
	}
	return s.store.Sessions().GetByID(ctx, id)
}

// ExpireDueSessions is the scheduled sweep. Concurrent sweeps and lazy
// expiry race safely on the conditional update.
func (s *custodyService) ExpireDueSessions(ctx context.Context, limit int) (int, error) {
	due, err := s.store.Sessions().ListExpirable(ctx, s.now(), limit)
	if err != nil {
		slog.Error("failed to list expirable sessions", "method", "ExpireDueSessions", "error", err)
		return 0, err
	}
	expired := 0
	for _, sess := range due {
		if err := s.expireIfDue(ctx, sess.ID); err != nil {
			if !stderrors.Is(err, pkgerrors.ErrConflict) {
				slog.Error("failed to expire session", "method", "ExpireDueSessions", "session_id", sess.ID, "error", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *custodyService) expireIfDue(ctx context.Context, id uuid.UUID) error {
	eff := &effects{}
	applied := false
	var from models.SessionStatus
	err := s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		sess, err := st.Sessions().Lock(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.Status.Terminal() || sess.Status == models.SessionExpired || !sess.ExpiresAt.Before(now) {
			return nil
		}
		from = sess.Status
		if err := statemachine.SessionTable.Check(from, models.SessionExpired); err != nil {
			return err
		}
		before := *sess
		sess.Status = models.SessionExpired
		sess.UpdatedAt = now
		if err := st.Sessions().Update(ctx, sess, from); err != nil {
			return err
		}
		eff.notify("session.expired", map[string]any{"session_id": sess.ID}, sess.BuyerID, sess.SellerID, sess.MerchantID)
		eff.audit(string(statemachine.OpSessionExpire), models.SystemActor, entitySession, sess.ID, before, sess, now)
		applied = true
		return nil
	})
	if applied || err != nil {
		recordTransition(entitySession, string(from), string(models.SessionExpired), err)
	}
	if err != nil {
		return err
	}
	if applied {
		s.flush(ctx, eff)
		slog.Info("session expired", "method", "expireIfDue", "session_id", id, "from", from)
	}
	return nil
}

func (s *custodyService) PostMessage(ctx context.Context, actor models.Actor, id uuid.UUID, body string) (*models.SessionMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	var msg *models.SessionMessage
	_, err := s.stepSession(ctx, actor, statemachine.OpSessionMessage, id, func(ctx context.Context, st repository.Store, sess *models.EscrowSession, now time.Time, _ *effects) (models.SessionStatus, error) {
		if sess.Status.Terminal() {
			return sess.Status, pkgerrors.Precondition(entitySession, "session is "+string(sess.Status))
		}
		msg = &models.SessionMessage{ID: uuid.New(), SessionID: sess.ID, AuthorID: actor.ID, Body: body, CreatedAt: now}
		return sess.Status, st.Sessions().AddMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *custodyService) ListMessages(ctx context.Context, actor models.Actor, id uuid.UUID) ([]models.SessionMessage, error) {
	sess, err := s.store.Sessions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canSeeSession(actor, sess); err != nil {
		return nil, err
	}
	return s.store.Sessions().ListMessages(ctx, id)
}
