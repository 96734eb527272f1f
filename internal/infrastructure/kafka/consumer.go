package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/TradeCustodyService/internal/models"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const dedupScope = "payment-events"

// Payment event types published by the processor.
const (
	EventHoldCaptured = "hold_captured"
	EventHoldExpired  = "hold_expired"
	EventHoldFailed   = "hold_failed"
	EventOrderPaid    = "payment_succeeded"
)

// PaymentEvent is one processor webhook relayed onto Kafka.
type PaymentEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	ProviderHoldID string `json:"provider_hold_id,omitempty"`
	PaymentRef     string `json:"payment_ref,omitempty"`
}

type HoldEventHandler interface {
	HandleHoldEvent(ctx context.Context, providerHoldID string, event service.HoldEvent) error
}

type OrderPaymentHandler interface {
	MarkPaidByRef(ctx context.Context, paymentRef string) (*models.VaultOrder, error)
}

// Deduper remembers processed event ids.
type Deduper interface {
	FirstSeen(ctx context.Context, scope, id string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, scope, id string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader   messageReader
	holds    HoldEventHandler
	orders   OrderPaymentHandler
	dedup    Deduper
	dedupTTL time.Duration
	retry    func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, holds HoldEventHandler, orders OrderPaymentHandler, dedup Deduper) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	}), holds, orders, dedup)
}

func newConsumer(reader messageReader, holds HoldEventHandler, orders OrderPaymentHandler, dedup Deduper) *Consumer {
	return &Consumer{
		reader:   reader,
		holds:    holds,
		orders:   orders,
		dedup:    dedup,
		dedupTTL: 72 * time.Hour,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Consume processes messages until ctx is cancelled. An offset is committed
// only after its message was applied or rejected for good.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to read Kafka message", "method", "Consume", "error", err)
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// TODO: route to a dead-letter topic once one is provisioned.
			slog.Error("dropping payment event", "method", "Consume", "offset", msg.Offset, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit offset", "method", "Consume", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle applies one message. Redeliveries of an already applied event are
// skipped; retryable failures are retried with exponential backoff.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal payment event: %w", err)
	}
	if event.EventID == "" {
		return fmt.Errorf("%w: payment event without event_id", pkgerrors.ErrInvalidInput)
	}

	first, err := c.dedup.FirstSeen(ctx, dedupScope, event.EventID, c.dedupTTL)
	if err != nil {
		return fmt.Errorf("failed to check event id: %w", err)
	}
	if !first {
		slog.Info("duplicate payment event skipped", "method", "Handle", "event_id", event.EventID)
		return nil
	}

	op := func() error {
		err := c.apply(ctx, event)
		if err != nil && !pkgerrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.retry(), ctx)); err != nil {
		// Let a later redelivery try again. Shutdown cancels ctx while the
		// offset stays uncommitted, so the id must be cleared regardless.
		if ferr := c.dedup.Forget(context.WithoutCancel(ctx), dedupScope, event.EventID); ferr != nil {
			slog.Error("failed to clear event id", "method", "Handle", "event_id", event.EventID, "error", ferr)
		}
		var perm *backoff.PermanentError
		if stderrors.As(err, &perm) {
			err = perm.Err
		}
		return err
	}
	slog.Info("payment event applied", "method", "Handle", "event_id", event.EventID, "type", event.Type)
	return nil
}

func (c *Consumer) apply(ctx context.Context, event PaymentEvent) error {
	switch event.Type {
	case EventHoldCaptured, EventHoldExpired, EventHoldFailed:
		if event.ProviderHoldID == "" {
			return fmt.Errorf("%w: %s without provider_hold_id", pkgerrors.ErrInvalidInput, event.Type)
		}
		return c.holds.HandleHoldEvent(ctx, event.ProviderHoldID, service.HoldEvent(event.Type))
	case EventOrderPaid:
		if event.PaymentRef == "" {
			return fmt.Errorf("%w: %s without payment_ref", pkgerrors.ErrInvalidInput, event.Type)
		}
		_, err := c.orders.MarkPaidByRef(ctx, event.PaymentRef)
		return err
	}
	return fmt.Errorf("%w: unknown payment event type %q", pkgerrors.ErrInvalidInput, event.Type)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
