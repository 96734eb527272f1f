package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	"github.com/honeynil/TradeCustodyService/internal/repository"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=common.go -destination=mocks/payment_provider.go -package=mocks

// PaymentProvider is the authorization-hold contract of the external
// processor. Capture is only valid on an authorized hold; CancelOrRefund
// voids an authorized hold or refunds a captured one.
type PaymentProvider interface {
	CreateHold(ctx context.Context, amount decimal.Decimal, metadata map[string]string) (string, error)
	Capture(ctx context.Context, holdID string, amount decimal.Decimal) error
	CancelOrRefund(ctx context.Context, holdID string, amount decimal.Decimal) error
}

type Settings struct {
	SessionTTL            time.Duration
	DisputeResponseWindow time.Duration
	ReleaseTokenTTL       time.Duration
	ReleaseTTL            time.Duration
	PaymentTimeout        time.Duration
	VaultShippingFee      decimal.Decimal
	Now                   func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		SessionTTL:            time.Hour,
		DisputeResponseWindow: 48 * time.Hour,
		ReleaseTokenTTL:       5 * time.Minute,
		ReleaseTTL:            7 * 24 * time.Hour,
		PaymentTimeout:        5 * time.Second,
		Now:                   time.Now,
	}
}

// deps is shared by every orchestrator.
type deps struct {
	store    repository.Store
	payments PaymentProvider
	sink     outbox.Sink
	settings Settings
}

func newDeps(store repository.Store, payments PaymentProvider, sink outbox.Sink, settings Settings) deps {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return deps{store: store, payments: payments, sink: sink, settings: settings}
}

func (d *deps) now() time.Time {
	return d.settings.Now().UTC()
}

// effects collects the notifications and the audit entry of one operation.
// They are handed to the outbox only after the store commit succeeds.
type effects struct {
	tasks []outbox.Task
}

func (e *effects) notify(template string, payload map[string]any, recipients ...uuid.UUID) {
	for _, r := range recipients {
		if r == uuid.Nil {
			continue
		}
		e.tasks = append(e.tasks, outbox.Notify(models.Notification{RecipientID: r, Template: template, Payload: payload}))
	}
}

func (e *effects) audit(action string, actor models.Actor, entityType string, entityID uuid.UUID, before, after any, at time.Time) {
	e.tasks = append(e.tasks, outbox.Audit(models.AuditLogEntry{
		ID:         uuid.New(),
		ActionType: action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     snapshot(before),
		After:      snapshot(after),
		CreatedAt:  at,
	}))
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to snapshot audit value", "error", err)
		return nil
	}
	return raw
}

func (d *deps) flush(ctx context.Context, e *effects) {
	if d.sink == nil || len(e.tasks) == 0 {
		return
	}
	d.sink.Enqueue(ctx, e.tasks...)
}

// recordTransition counts an attempted transition by outcome.
func recordTransition(entity, from, to string, err error) {
	result := "applied"
	var terr *pkgerrors.TransitionError
	switch {
	case err == nil:
	case stderrors.Is(err, pkgerrors.ErrConflict):
		result = "conflict"
	case stderrors.Is(err, pkgerrors.ErrExternalDependency):
		result = "failed"
	case stderrors.As(err, &terr):
		result = "rejected"
	default:
		result = "failed"
	}
	observability.StateTransitions.WithLabelValues(entity, from, to, result).Inc()
}

// storeErr turns a bare store conflict into a client-facing conflict error.
func storeErr(entity string, err error) error {
	if err == nil {
		return nil
	}
	var terr *pkgerrors.TransitionError
	if stderrors.As(err, &terr) {
		return err
	}
	if stderrors.Is(err, pkgerrors.ErrConflict) {
		return pkgerrors.Conflict(entity, "record was modified concurrently, retry the request")
	}
	return err
}

func expectMatch[S ~string](entity string, expected *S, current S) error {
	if expected == nil || *expected == current {
		return nil
	}
	c := pkgerrors.Conflict(entity, "state changed since it was read")
	c.From, c.To = string(*expected), string(current)
	return c
}

// requireShop restricts a MERCHANT caller to records of its own shop.
func requireShop(entity string, actor models.Actor, shopID *uuid.UUID) error {
	if actor.Role != models.RoleMerchant {
		return nil
	}
	if shopID == nil || *shopID != actor.ID {
		return pkgerrors.Forbidden(entity, "merchant does not operate the shop holding this record")
	}
	return nil
}

func (d *deps) capture(ctx context.Context, hold *models.PaymentHold, amount decimal.Decimal) error {
	return d.captureRef(ctx, hold.ProviderHoldID, amount)
}

func (d *deps) captureRef(ctx context.Context, providerID string, amount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, d.settings.PaymentTimeout)
	defer cancel()
	if err := d.payments.Capture(ctx, providerID, amount); err != nil {
		return pkgerrors.External("payment_hold", "payment provider did not confirm the capture, retry later", err)
	}
	return nil
}

func (d *deps) cancelOrRefund(ctx context.Context, providerID string, amount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, d.settings.PaymentTimeout)
	defer cancel()
	if err := d.payments.CancelOrRefund(ctx, providerID, amount); err != nil {
		return pkgerrors.External("payment_hold", "payment provider did not confirm the refund, retry later", err)
	}
	return nil
}

func (d *deps) createHold(ctx context.Context, amount decimal.Decimal, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.settings.PaymentTimeout)
	defer cancel()
	id, err := d.payments.CreateHold(ctx, amount, metadata)
	if err != nil {
		return "", pkgerrors.External("payment_hold", "payment provider did not authorize the hold, retry later", err)
	}
	return id, nil
}

func ptr[T any](v T) *T {
	return &v
}
