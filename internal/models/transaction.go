package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxPending                TransactionStatus = "PENDING"
	TxConfirmed              TransactionStatus = "CONFIRMED"
	TxAwaitingHubReceipt     TransactionStatus = "AWAITING_HUB_RECEIPT"
	TxHubReceived            TransactionStatus = "HUB_RECEIVED"
	TxVerificationInProgress TransactionStatus = "VERIFICATION_IN_PROGRESS"
	TxVerified               TransactionStatus = "VERIFIED"
	TxShippedToBuyer         TransactionStatus = "SHIPPED_TO_BUYER"
	TxCompleted              TransactionStatus = "COMPLETED"
	TxCancelled              TransactionStatus = "CANCELLED"
	// TxDisputed is only reachable through the dispute side channel.
	TxDisputed TransactionStatus = "DISPUTED"
)

func (s TransactionStatus) Terminal() bool {
	return s == TxCompleted || s == TxCancelled
}

type EscrowType string

const (
	EscrowLocal    EscrowType = "LOCAL"
	EscrowVerified EscrowType = "VERIFIED"
)

type PackageStatus string

const (
	// PackageNone marks a transaction without a hub package (LOCAL mode).
	PackageNone                   PackageStatus = ""
	PackagePending                PackageStatus = "PENDING"
	PackageInTransitToHub         PackageStatus = "IN_TRANSIT_TO_HUB"
	PackageReceivedAtHub          PackageStatus = "RECEIVED_AT_HUB"
	PackageVerificationInProgress PackageStatus = "VERIFICATION_IN_PROGRESS"
	PackageVerified               PackageStatus = "VERIFIED"
	PackageShipped                PackageStatus = "SHIPPED"
	PackageDelivered              PackageStatus = "DELIVERED"
)

// TradeState is the joint (transaction status, package status) pair. The two
// halves are never validated or stored independently.
type TradeState struct {
	Status  TransactionStatus `json:"status"`
	Package PackageStatus     `json:"package_status,omitempty"`
}

func (s TradeState) String() string {
	if s.Package == PackageNone {
		return string(s.Status)
	}
	return string(s.Status) + "/" + string(s.Package)
}

// Transaction is one trade between party A (initiator) and party B.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	ProposalID     uuid.UUID       `json:"proposal_id"`
	PartyA         uuid.UUID       `json:"party_a"`
	PartyB         uuid.UUID       `json:"party_b"`
	BuyerID        uuid.UUID       `json:"buyer_id"`
	SellerID       uuid.UUID       `json:"seller_id"`
	ShopID         *uuid.UUID      `json:"shop_id,omitempty"`
	HubID          *uuid.UUID      `json:"hub_id,omitempty"`
	EscrowType     EscrowType      `json:"escrow_type"`
	State          TradeState      `json:"state"`
	Amount         decimal.Decimal `json:"amount"`
	HoldID         *uuid.UUID      `json:"hold_id,omitempty"`
	DisputeID      *uuid.UUID      `json:"dispute_id,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CheckedInAt    *time.Time      `json:"checked_in_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (t *Transaction) IsParty(id uuid.UUID) bool {
	return id == t.PartyA || id == t.PartyB
}

// Counterparty returns the other party of the trade, or uuid.Nil.
func (t *Transaction) Counterparty(id uuid.UUID) uuid.UUID {
	switch id {
	case t.PartyA:
		return t.PartyB
	case t.PartyB:
		return t.PartyA
	}
	return uuid.Nil
}

type HoldStatus string

const (
	HoldAuthorized        HoldStatus = "AUTHORIZED"
	HoldCaptured          HoldStatus = "CAPTURED"
	HoldVoided            HoldStatus = "VOIDED"
	HoldRefunded          HoldStatus = "REFUNDED"
	HoldPartiallyRefunded HoldStatus = "PARTIALLY_REFUNDED"
	HoldFailed            HoldStatus = "FAILED"
)

// PaymentHold mirrors an authorization hold at the external processor.
type PaymentHold struct {
	ID             uuid.UUID       `json:"id"`
	TransactionID  uuid.UUID       `json:"transaction_id"`
	ProviderHoldID string          `json:"provider_hold_id"`
	Amount         decimal.Decimal `json:"amount"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	Status         HoldStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
