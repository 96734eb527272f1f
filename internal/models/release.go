package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReleaseType string

const (
	ReleaseToSeller      ReleaseType = "RELEASE_TO_SELLER"
	ReleaseRefundFull    ReleaseType = "REFUND_FULL"
	ReleaseRefundPartial ReleaseType = "REFUND_PARTIAL"
	ReleaseFee           ReleaseType = "FEE_RELEASE"
	ReleaseWithdrawal    ReleaseType = "WITHDRAWAL"
)

type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "PENDING"
	ReleaseApproved ReleaseStatus = "APPROVED"
	ReleaseRejected ReleaseStatus = "REJECTED"
	ReleaseExpired  ReleaseStatus = "EXPIRED"
)

// PendingRelease is an irreversible money movement awaiting dual confirmation.
// Exactly one of TransactionID, VaultOrderID and PayoutBatchID is set.
type PendingRelease struct {
	ID             uuid.UUID       `json:"id"`
	Type           ReleaseType     `json:"type"`
	Status         ReleaseStatus   `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	RecipientID    uuid.UUID       `json:"recipient_id"`
	TransactionID  *uuid.UUID      `json:"transaction_id,omitempty"`
	VaultOrderID   *uuid.UUID      `json:"vault_order_id,omitempty"`
	PayoutBatchID  *uuid.UUID      `json:"payout_batch_id,omitempty"`
	DisputeID      *uuid.UUID      `json:"dispute_id,omitempty"`
	Reason         string          `json:"reason"`
	TriggeredBy    uuid.UUID       `json:"triggered_by"`
	TokenHash      string          `json:"-"`
	TokenExpiresAt *time.Time      `json:"token_expires_at,omitempty"`
	DecidedBy      *uuid.UUID      `json:"decided_by,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ReleaseSummary is shown to the approver before they confirm.
type ReleaseSummary struct {
	ReleaseID   uuid.UUID       `json:"release_id"`
	Type        ReleaseType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	Token       string          `json:"token"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Text        string          `json:"text"`
}
