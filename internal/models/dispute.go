package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "OPEN"
	DisputeSellerResponse DisputeStatus = "SELLER_RESPONSE"
	DisputeInMediation    DisputeStatus = "IN_MEDIATION"
	DisputeEscalated      DisputeStatus = "ESCALATED"
	DisputeResolved       DisputeStatus = "RESOLVED"
	DisputeClosed         DisputeStatus = "CLOSED"
)

// OpenDisputeStatuses is the set in which a dispute blocks another one on
// the same transaction.
var OpenDisputeStatuses = []DisputeStatus{DisputeOpen, DisputeSellerResponse, DisputeInMediation, DisputeEscalated}

func (s DisputeStatus) IsOpen() bool {
	for _, o := range OpenDisputeStatuses {
		if s == o {
			return true
		}
	}
	return false
}

type DisputeType string

const (
	DisputeItemNotReceived  DisputeType = "ITEM_NOT_RECEIVED"
	DisputeNotAsDescribed   DisputeType = "ITEM_NOT_AS_DESCRIBED"
	DisputeCounterfeit      DisputeType = "COUNTERFEIT"
	DisputeDamagedInTransit DisputeType = "DAMAGED_IN_TRANSIT"
	DisputePaymentIssue     DisputeType = "PAYMENT_ISSUE"
	DisputeOther            DisputeType = "OTHER"
)

func (t DisputeType) Valid() bool {
	switch t {
	case DisputeItemNotReceived, DisputeNotAsDescribed, DisputeCounterfeit, DisputeDamagedInTransit, DisputePaymentIssue, DisputeOther:
		return true
	}
	return false
}

type DisputeOutcome string

const (
	OutcomeNone          DisputeOutcome = ""
	OutcomeBuyerFavor    DisputeOutcome = "BUYER_FAVOR"
	OutcomeSellerFavor   DisputeOutcome = "SELLER_FAVOR"
	OutcomePartialRefund DisputeOutcome = "PARTIAL_REFUND"
	// OutcomeWithdrawn is recorded when the opener drops the claim.
	OutcomeWithdrawn DisputeOutcome = "WITHDRAWN"
)

type Dispute struct {
	ID               uuid.UUID         `json:"id"`
	TransactionID    uuid.UUID         `json:"transaction_id"`
	Type             DisputeType       `json:"type"`
	Status           DisputeStatus     `json:"status"`
	OpenedBy         uuid.UUID         `json:"opened_by"`
	RespondentID     uuid.UUID         `json:"respondent_id"`
	Reason           string            `json:"reason"`
	HeldFrom         TransactionStatus `json:"held_from"`
	ResponseDeadline *time.Time        `json:"response_deadline,omitempty"`
	Outcome          DisputeOutcome    `json:"outcome,omitempty"`
	RefundAmount     decimal.Decimal   `json:"refund_amount"`
	ResolvedBy       *uuid.UUID        `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DisputeMessage is a statement or evidence reference attached to a dispute.
type DisputeMessage struct {
	ID          uuid.UUID `json:"id"`
	DisputeID   uuid.UUID `json:"dispute_id"`
	AuthorID    uuid.UUID `json:"author_id"`
	Body        string    `json:"body"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
