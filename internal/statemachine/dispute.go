package statemachine

import (
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const entityDispute = "dispute"

var DisputeTable = NewTable(entityDispute, map[models.DisputeStatus][]models.DisputeStatus{
	models.DisputeOpen:           {models.DisputeSellerResponse, models.DisputeInMediation, models.DisputeClosed},
	models.DisputeSellerResponse: {models.DisputeInMediation, models.DisputeEscalated, models.DisputeClosed},
	models.DisputeInMediation:    {models.DisputeEscalated, models.DisputeResolved},
	models.DisputeEscalated:      {models.DisputeResolved},
	models.DisputeResolved:       {models.DisputeClosed},
})

// ForcedReason names a side-channel move of a transaction that bypasses the
// forward table. Each reason has its own small table.
type ForcedReason string

const (
	ForcedDisputeOpened    ForcedReason = "dispute_opened"
	ForcedDisputeWithdrawn ForcedReason = "dispute_withdrawn"
	ForcedReleaseSettled   ForcedReason = "release_settled"
)

var forcedTables = map[ForcedReason]Table[models.TransactionStatus]{
	ForcedDisputeOpened: NewTable(entityTransaction, map[models.TransactionStatus][]models.TransactionStatus{
		models.TxConfirmed: {models.TxDisputed},
		models.TxCompleted: {models.TxDisputed},
	}),
	ForcedDisputeWithdrawn: NewTable(entityTransaction, map[models.TransactionStatus][]models.TransactionStatus{
		models.TxDisputed: {models.TxConfirmed, models.TxCompleted},
	}),
	ForcedReleaseSettled: NewTable(entityTransaction, map[models.TransactionStatus][]models.TransactionStatus{
		models.TxDisputed: {models.TxCompleted, models.TxCancelled},
	}),
}

// ForcedTable exposes the side-channel table for a reason.
func ForcedTable(reason ForcedReason) (Table[models.TransactionStatus], bool) {
	t, ok := forcedTables[reason]
	return t, ok
}

// CheckForced validates a side-channel transition of tx. The package half of
// the joint state is carried over unchanged.
func CheckForced(tx *models.Transaction, reason ForcedReason, target models.TransactionStatus) (models.TradeState, error) {
	table, ok := forcedTables[reason]
	if !ok {
		return tx.State, pkgerrors.Precondition(entityTransaction, "unknown forced transition "+string(reason))
	}
	if err := table.Check(tx.State.Status, target); err != nil {
		return tx.State, err
	}
	next := models.TradeState{Status: target, Package: tx.State.Package}
	if !ValidPair(tx.EscrowType, next) {
		return tx.State, pkgerrors.Precondition(entityTransaction, "invalid joint state "+next.String())
	}
	return next, nil
}

// DisputeEligible checks the preconditions for opening a dispute other than
// the one-open-dispute rule, which the store enforces atomically.
func DisputeEligible(tx *models.Transaction, actor models.Actor) error {
	if d := AuthorizeParty(OpOpenDispute, actor, tx.PartyA, tx.PartyB); !d.Allowed {
		return d.Err(entityDispute)
	}
	if tx.State.Status != models.TxConfirmed && tx.State.Status != models.TxCompleted {
		return pkgerrors.Precondition(entityDispute, "disputes can only be opened on CONFIRMED or COMPLETED transactions, found "+string(tx.State.Status))
	}
	if tx.HoldID == nil {
		return pkgerrors.Precondition(entityDispute, "transaction has no payment hold")
	}
	return nil
}
