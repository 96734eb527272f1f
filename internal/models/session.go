package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionCreated         SessionStatus = "CREATED"
	SessionCheckinPending  SessionStatus = "CHECKIN_PENDING"
	SessionBuyerCheckedIn  SessionStatus = "BUYER_CHECKED_IN"
	SessionSellerCheckedIn SessionStatus = "SELLER_CHECKED_IN"
	SessionBothCheckedIn   SessionStatus = "BOTH_CHECKED_IN"
	SessionItemVerified    SessionStatus = "ITEM_VERIFIED"
	SessionCompleted       SessionStatus = "COMPLETED"
	SessionCancelled       SessionStatus = "CANCELLED"
	// SessionExpired can be extended back to CHECKIN_PENDING.
	SessionExpired SessionStatus = "EXPIRED"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// EscrowSession is an in-person meeting at a merchant's premises.
type EscrowSession struct {
	ID             uuid.UUID     `json:"id"`
	TransactionID  uuid.UUID     `json:"transaction_id"`
	BuyerID        uuid.UUID     `json:"buyer_id"`
	SellerID       uuid.UUID     `json:"seller_id"`
	MerchantID     uuid.UUID     `json:"merchant_id"`
	Status         SessionStatus `json:"status"`
	ExpiresAt      time.Time     `json:"expires_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (s *EscrowSession) Participant(id uuid.UUID) bool {
	return id == s.BuyerID || id == s.SellerID
}

type SessionMessage struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
