package statemachine

import (
	"fmt"
	"strings"

	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const (
	entityTransaction = "transaction"
	entityPackage     = "package"
)

var LocalTransactionTable = NewTable(entityTransaction, map[models.TransactionStatus][]models.TransactionStatus{
	models.TxPending:   {models.TxConfirmed, models.TxCancelled},
	models.TxConfirmed: {models.TxCompleted, models.TxCancelled},
})

var VerifiedTransactionTable = NewTable(entityTransaction, map[models.TransactionStatus][]models.TransactionStatus{
	models.TxPending:                {models.TxConfirmed, models.TxCancelled},
	models.TxConfirmed:              {models.TxAwaitingHubReceipt, models.TxCancelled},
	models.TxAwaitingHubReceipt:     {models.TxHubReceived, models.TxCancelled},
	models.TxHubReceived:            {models.TxVerificationInProgress, models.TxCancelled},
	models.TxVerificationInProgress: {models.TxVerified, models.TxCancelled},
	models.TxVerified:               {models.TxShippedToBuyer, models.TxCancelled},
	models.TxShippedToBuyer:         {models.TxCompleted, models.TxCancelled},
})

var PackageTable = NewTable(entityPackage, map[models.PackageStatus][]models.PackageStatus{
	models.PackagePending:                {models.PackageInTransitToHub},
	models.PackageInTransitToHub:         {models.PackageReceivedAtHub},
	models.PackageReceivedAtHub:          {models.PackageVerificationInProgress},
	models.PackageVerificationInProgress: {models.PackageVerified},
	models.PackageVerified:               {models.PackageShipped},
	models.PackageShipped:                {models.PackageDelivered},
})

func TransactionTable(mode models.EscrowType) Table[models.TransactionStatus] {
	if mode == models.EscrowVerified {
		return VerifiedTransactionTable
	}
	return LocalTransactionTable
}

var anyPackage = []models.PackageStatus{
	models.PackagePending, models.PackageInTransitToHub, models.PackageReceivedAtHub,
	models.PackageVerificationInProgress, models.PackageVerified, models.PackageShipped, models.PackageDelivered,
}

// verifiedPairs is the joint table: for each transaction status, the package
// statuses it may coexist with under VERIFIED escrow. COMPLETED accepts any
// package because a dispute can settle a trade before the package arrives.
var verifiedPairs = map[models.TransactionStatus][]models.PackageStatus{
	models.TxPending:                {models.PackagePending},
	models.TxConfirmed:              {models.PackagePending},
	models.TxAwaitingHubReceipt:     {models.PackagePending, models.PackageInTransitToHub},
	models.TxHubReceived:            {models.PackageReceivedAtHub},
	models.TxVerificationInProgress: {models.PackageVerificationInProgress},
	models.TxVerified:               {models.PackageVerified},
	models.TxShippedToBuyer:         {models.PackageShipped, models.PackageDelivered},
	models.TxCompleted:              anyPackage,
	models.TxCancelled:              anyPackage,
	models.TxDisputed:               anyPackage,
}

var localStatuses = map[models.TransactionStatus]bool{
	models.TxPending:   true,
	models.TxConfirmed: true,
	models.TxCompleted: true,
	models.TxCancelled: true,
	models.TxDisputed:  true,
}

// ValidPair reports whether state is a legal joint state for mode. A package
// status is present iff the escrow mode is VERIFIED.
func ValidPair(mode models.EscrowType, state models.TradeState) bool {
	switch mode {
	case models.EscrowLocal:
		return state.Package == models.PackageNone && localStatuses[state.Status]
	case models.EscrowVerified:
		for _, p := range verifiedPairs[state.Status] {
			if p == state.Package {
				return true
			}
		}
	}
	return false
}

// InitialState is the joint state of a freshly accepted proposal.
func InitialState(mode models.EscrowType) models.TradeState {
	if mode == models.EscrowVerified {
		return models.TradeState{Status: models.TxPending, Package: models.PackagePending}
	}
	return models.TradeState{Status: models.TxPending}
}

var transactionOps = map[models.TransactionStatus]Operation{
	models.TxConfirmed:          OpCheckIn,
	models.TxAwaitingHubReceipt: OpSendToHub,
	models.TxCompleted:          OpCompleteTrade,
	models.TxCancelled:          OpCancelTrade,
}

// CheckTransaction validates a forward transition of tx to target requested
// by actor and returns the resulting joint state.
func CheckTransaction(tx *models.Transaction, target models.TransactionStatus, actor models.Actor) (models.TradeState, error) {
	from := tx.State
	op, ok := transactionOps[target]
	if !ok {
		// Hub statuses only move with the package.
		if err := TransactionTable(tx.EscrowType).Check(from.Status, target); err != nil {
			return from, err
		}
		return from, pkgerrors.Precondition(entityTransaction,
			fmt.Sprintf("status %s is driven by hub package progress", target))
	}
	if d := AuthorizeParty(op, actor, tx.PartyA, tx.PartyB); !d.Allowed {
		return from, d.Err(entityTransaction)
	}
	if target == models.TxAwaitingHubReceipt && actor.Role == models.RoleUser && actor.ID != tx.SellerID {
		return from, pkgerrors.Forbidden(entityTransaction, "only the seller can send the item to the hub")
	}
	if target == models.TxCompleted && actor.Role == models.RoleUser && actor.ID != tx.BuyerID {
		return from, pkgerrors.Forbidden(entityTransaction, "only the buyer can confirm completion")
	}
	if err := TransactionTable(tx.EscrowType).Check(from.Status, target); err != nil {
		return from, err
	}
	if tx.EscrowType == models.EscrowVerified && target == models.TxCompleted && from.Package != models.PackageDelivered {
		return from, pkgerrors.Precondition(entityTransaction,
			fmt.Sprintf("completion requires package %s, found %s", models.PackageDelivered, from.Package))
	}
	next := models.TradeState{Status: target, Package: from.Package}
	if !ValidPair(tx.EscrowType, next) {
		return from, pkgerrors.Precondition(entityTransaction, "invalid joint state "+next.String())
	}
	return next, nil
}

type packageGuard struct {
	requires models.TransactionStatus
	advances models.TransactionStatus
}

// packageGuards pairs each package target with the transaction status it
// requires and the status the transaction moves to alongside it.
var packageGuards = map[models.PackageStatus]packageGuard{
	models.PackageInTransitToHub:         {requires: models.TxAwaitingHubReceipt, advances: models.TxAwaitingHubReceipt},
	models.PackageReceivedAtHub:          {requires: models.TxAwaitingHubReceipt, advances: models.TxHubReceived},
	models.PackageVerificationInProgress: {requires: models.TxHubReceived, advances: models.TxVerificationInProgress},
	models.PackageVerified:               {requires: models.TxVerificationInProgress, advances: models.TxVerified},
	models.PackageShipped:                {requires: models.TxVerified, advances: models.TxShippedToBuyer},
	models.PackageDelivered:              {requires: models.TxShippedToBuyer, advances: models.TxShippedToBuyer},
}

// CheckPackage validates a hub package transition and returns the joint
// state after it. A mismatch with the paired transaction status is a
// precondition failure, never coerced.
func CheckPackage(tx *models.Transaction, target models.PackageStatus, actor models.Actor, tracking string) (models.TradeState, error) {
	from := tx.State
	if d := Authorize(OpAdvancePackage, actor); !d.Allowed {
		return from, d.Err(entityPackage)
	}
	if tx.EscrowType != models.EscrowVerified {
		return from, pkgerrors.Precondition(entityPackage, "transaction is not in verified escrow mode")
	}
	if err := PackageTable.Check(from.Package, target); err != nil {
		return from, err
	}
	guard := packageGuards[target]
	if from.Status != guard.requires {
		return from, pkgerrors.Precondition(entityPackage,
			fmt.Sprintf("package %s requires transaction %s, found %s", target, guard.requires, from.Status))
	}
	if target == models.PackageShipped && strings.TrimSpace(tracking) == "" {
		return from, pkgerrors.Precondition(entityPackage, pkgerrors.ErrTrackingRequired.Error())
	}
	next := models.TradeState{Status: guard.advances, Package: target}
	if !ValidPair(tx.EscrowType, next) {
		return from, pkgerrors.Precondition(entityPackage, "invalid joint state "+next.String())
	}
	return next, nil
}
