package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type VaultItemStatus string

const (
	ItemPendingReview  VaultItemStatus = "PENDING_REVIEW"
	ItemAccepted       VaultItemStatus = "ACCEPTED"
	ItemRejected       VaultItemStatus = "REJECTED"
	ItemAssignedToShop VaultItemStatus = "ASSIGNED_TO_SHOP"
	ItemInCase         VaultItemStatus = "IN_CASE"
	ItemListedOnline   VaultItemStatus = "LISTED_ONLINE"
	ItemReserved       VaultItemStatus = "RESERVED"
	ItemSold           VaultItemStatus = "SOLD"
	ItemReturned       VaultItemStatus = "RETURNED"
)

type VaultItem struct {
	ID                uuid.UUID       `json:"id"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	ShopID            *uuid.UUID      `json:"shop_id,omitempty"`
	Title             string          `json:"title"`
	CaseLocation      string          `json:"case_location,omitempty"`
	SlotLocation      string          `json:"slot_location,omitempty"`
	Status            VaultItemStatus `json:"status"`
	DeclaredCondition string          `json:"declared_condition"`
	VerifiedCondition string          `json:"verified_condition,omitempty"`
	ListPrice         decimal.Decimal `json:"list_price"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type VaultOrderStatus string

const (
	OrderPendingPayment VaultOrderStatus = "PENDING_PAYMENT"
	OrderPaid           VaultOrderStatus = "PAID"
	OrderFulfilling     VaultOrderStatus = "FULFILLING"
	OrderShipped        VaultOrderStatus = "SHIPPED"
	OrderDelivered      VaultOrderStatus = "DELIVERED"
	OrderDisputed       VaultOrderStatus = "DISPUTED"
	OrderRefunded       VaultOrderStatus = "REFUNDED"
	OrderCancelled      VaultOrderStatus = "CANCELLED"
)

type VaultOrder struct {
	ID              uuid.UUID        `json:"id"`
	ItemID          uuid.UUID        `json:"item_id"`
	BuyerID         uuid.UUID        `json:"buyer_id"`
	ShopID          uuid.UUID        `json:"shop_id"`
	Status          VaultOrderStatus `json:"status"`
	ShippingAddress string           `json:"shipping_address"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	ShippingFee     decimal.Decimal  `json:"shipping_fee"`
	Total           decimal.Decimal  `json:"total"`
	PaymentRef      string           `json:"payment_ref,omitempty"`
	TrackingNumber  string           `json:"tracking_number,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type PayeeType string

const (
	PayeeOwner    PayeeType = "OWNER"
	PayeeMerchant PayeeType = "MERCHANT"
	PayeePlatform PayeeType = "PLATFORM"
)

func (p PayeeType) Valid() bool {
	return p == PayeeOwner || p == PayeeMerchant || p == PayeePlatform
}

type SplitStatus string

const (
	SplitEligible SplitStatus = "ELIGIBLE"
	SplitInPayout SplitStatus = "IN_PAYOUT"
	SplitPaid     SplitStatus = "PAID"
)

// VaultSplit divides one sale between owner, merchant and platform. Each
// payee share moves through its own payout status.
type VaultSplit struct {
	ID             uuid.UUID       `json:"id"`
	ItemID         uuid.UUID       `json:"item_id"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	ShopID         uuid.UUID       `json:"shop_id"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	OwnerAmount    decimal.Decimal `json:"owner_amount"`
	MerchantAmount decimal.Decimal `json:"merchant_amount"`
	PlatformAmount decimal.Decimal `json:"platform_amount"`
	OwnerStatus    SplitStatus     `json:"owner_status"`
	MerchantStatus SplitStatus     `json:"merchant_status"`
	PlatformStatus SplitStatus     `json:"platform_status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Status folds the three payee statuses into one.
func (s *VaultSplit) Status() SplitStatus {
	all := []SplitStatus{s.OwnerStatus, s.MerchantStatus, s.PlatformStatus}
	paid, eligible := 0, 0
	for _, st := range all {
		switch st {
		case SplitPaid:
			paid++
		case SplitEligible:
			eligible++
		}
	}
	switch {
	case paid == len(all):
		return SplitPaid
	case eligible == len(all):
		return SplitEligible
	}
	return SplitInPayout
}

// Share returns the amount and payee for one payee type.
func (s *VaultSplit) Share(p PayeeType) (decimal.Decimal, uuid.UUID) {
	switch p {
	case PayeeOwner:
		return s.OwnerAmount, s.OwnerID
	case PayeeMerchant:
		return s.MerchantAmount, s.ShopID
	}
	return s.PlatformAmount, uuid.Nil
}

type PayoutBatchStatus string

const (
	BatchAwaitingApproval PayoutBatchStatus = "AWAITING_APPROVAL"
	BatchPaid             PayoutBatchStatus = "PAID"
	BatchCancelled        PayoutBatchStatus = "CANCELLED"
)

type VaultPayoutBatch struct {
	ID        uuid.UUID         `json:"id"`
	PayeeType PayeeType         `json:"payee_type"`
	Status    PayoutBatchStatus `json:"status"`
	Total     decimal.Decimal   `json:"total"`
	ReleaseID *uuid.UUID        `json:"release_id,omitempty"`
	CreatedBy uuid.UUID         `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	PaidAt    *time.Time        `json:"paid_at,omitempty"`
	Lines     []VaultPayoutLine `json:"lines,omitempty"`
}

type VaultPayoutLine struct {
	ID      uuid.UUID       `json:"id"`
	BatchID uuid.UUID       `json:"batch_id"`
	SplitID uuid.UUID       `json:"split_id"`
	PayeeID uuid.UUID       `json:"payee_id"`
	Amount  decimal.Decimal `json:"amount"`
}
