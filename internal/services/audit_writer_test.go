package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWriter_PersistsDrainedEntries(t *testing.T) {
	h := newHarness(t)
	w := NewAuditWriter(h.store.Audit())

	tr := h.newTrade(t, models.EscrowLocal, false)
	_, err := h.settlement.CheckIn(h.ctx, tr.buyer, tr.tx.ID, nil)
	require.NoError(t, err)

	for _, e := range h.sink.audits() {
		require.NoError(t, w.Handle(h.ctx, outbox.Audit(e)))
	}

	entries, err := w.History(h.ctx, h.moderator, entityTransaction, tr.tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tr.buyer.ID, entries[1].ActorID)
	assert.NotEmpty(t, entries[1].Before)
	assert.NotEmpty(t, entries[1].After)
	assert.Empty(t, entries[0].Before)

	_, err = w.History(h.ctx, tr.buyer, entityTransaction, tr.tx.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
}

func TestAuditWriter_RejectsNonAuditTask(t *testing.T) {
	w := NewAuditWriter(nil)
	err := w.Handle(context.Background(), outbox.Notify(models.Notification{RecipientID: uuid.New(), Template: "x"}))
	assert.ErrorIs(t, err, pkgerrors.ErrNilAuditEntry)
}

type recordingNotifier struct{ got []models.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.got = append(r.got, n)
	return nil
}

func TestNotificationHandler(t *testing.T) {
	n := &recordingNotifier{}
	handle := NotificationHandler(n)
	ctx := context.Background()

	require.NoError(t, handle(ctx, outbox.Notify(models.Notification{RecipientID: uuid.New(), Template: "trade.completed"})))
	require.NoError(t, handle(ctx, outbox.Audit(models.AuditLogEntry{ID: uuid.New()})))
	require.Len(t, n.got, 1)
	assert.Equal(t, "trade.completed", n.got[0].Template)
}
