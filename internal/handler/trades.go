package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	"github.com/shopspring/decimal"
)

type createTransactionRequest struct {
	ProposalID uuid.UUID         `json:"proposal_id"`
	PartyA     uuid.UUID         `json:"party_a"`
	PartyB     uuid.UUID         `json:"party_b"`
	BuyerID    uuid.UUID         `json:"buyer_id"`
	SellerID   uuid.UUID         `json:"seller_id"`
	ShopID     *uuid.UUID        `json:"shop_id,omitempty"`
	HubID      *uuid.UUID        `json:"hub_id,omitempty"`
	EscrowType models.EscrowType `json:"escrow_type"`
	Amount     decimal.Decimal   `json:"amount"`
	HoldFunds  bool              `json:"hold_funds"`
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	actor, _, ok := h.call(w, r, "CreateTransaction", &req)
	if !ok {
		return
	}
	tx, err := h.svc.Settlement.CreateTransaction(r.Context(), actor, service.CreateTransactionRequest{
		ProposalID: req.ProposalID,
		PartyA:     req.PartyA,
		PartyB:     req.PartyB,
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		ShopID:     req.ShopID,
		HubID:      req.HubID,
		EscrowType: req.EscrowType,
		Amount:     req.Amount,
		HoldFunds:  req.HoldFunds,
	})
	if err != nil {
		h.fail(w, r, "CreateTransaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	h.transactionAction("GetTransaction", h.svc.Settlement.Get)(w, r)
}

func (h *Handler) TransitionTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target         models.TransactionStatus  `json:"target"`
		ExpectedStatus *models.TransactionStatus `json:"expected_status,omitempty"`
	}
	actor, id, ok := h.call(w, r, "TransitionTransaction", &req)
	if !ok {
		return
	}
	tx, err := h.svc.Settlement.Transition(r.Context(), actor, service.TransitionRequest{
		TransactionID:  id,
		Target:         req.Target,
		ExpectedStatus: req.ExpectedStatus,
	})
	if err != nil {
		h.fail(w, r, "TransitionTransaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) CheckInTransaction(w http.ResponseWriter, r *http.Request) {
	h.transactionStep("CheckIn", h.svc.Settlement.CheckIn)(w, r)
}

func (h *Handler) SendToHub(w http.ResponseWriter, r *http.Request) {
	h.transactionStep("SendToHub", h.svc.Settlement.SendToHub)(w, r)
}

func (h *Handler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	h.transactionStep("Complete", h.svc.Settlement.Complete)(w, r)
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	h.transactionStep("Cancel", h.svc.Settlement.Cancel)(w, r)
}

func (h *Handler) transactionAction(method string, fn func(context.Context, models.Actor, uuid.UUID) (*models.Transaction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.call(w, r, method, nil)
		if !ok {
			return
		}
		tx, err := fn(r.Context(), actor, id)
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

// transactionStep serves an action endpoint. The optional body
// {"expected_status": ...} names the status the caller last read.
func (h *Handler) transactionStep(method string, fn func(context.Context, models.Actor, uuid.UUID, *models.TransactionStatus) (*models.Transaction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExpectedStatus *models.TransactionStatus `json:"expected_status,omitempty"`
		}
		actor, id, ok := h.call(w, r, method, &req)
		if !ok {
			return
		}
		tx, err := fn(r.Context(), actor, id, req.ExpectedStatus)
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

func (h *Handler) AdvancePackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target          models.PackageStatus  `json:"target"`
		ExpectedPackage *models.PackageStatus `json:"expected_package,omitempty"`
		TrackingNumber  string                `json:"tracking_number,omitempty"`
	}
	actor, id, ok := h.call(w, r, "AdvancePackage", &req)
	if !ok {
		return
	}
	tx, err := h.svc.Custody.AdvancePackage(r.Context(), actor, service.PackageRequest{
		TransactionID:   id,
		Target:          req.Target,
		ExpectedPackage: req.ExpectedPackage,
		TrackingNumber:  req.TrackingNumber,
	})
	if err != nil {
		h.fail(w, r, "AdvancePackage", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "StartSession", nil)
	if !ok {
		return
	}
	session, err := h.svc.Custody.StartSession(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "StartSession", err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction("GetSession", h.svc.Custody.GetSession)(w, r)
}

func (h *Handler) sessionAction(method string, fn func(context.Context, models.Actor, uuid.UUID) (*models.EscrowSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.call(w, r, method, nil)
		if !ok {
			return
		}
		session, err := fn(r.Context(), actor, id)
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirmed bool `json:"confirmed"`
	}
	actor, id, ok := h.call(w, r, "CloseSession", &req)
	if !ok {
		return
	}
	session, err := h.svc.Custody.CloseSession(r.Context(), actor, id, req.Confirmed)
	if err != nil {
		h.fail(w, r, "CloseSession", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) PostSessionMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	actor, id, ok := h.call(w, r, "PostSessionMessage", &req)
	if !ok {
		return
	}
	msg, err := h.svc.Custody.PostMessage(r.Context(), actor, id, req.Body)
	if err != nil {
		h.fail(w, r, "PostSessionMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "ListSessionMessages", nil)
	if !ok {
		return
	}
	msgs, err := h.svc.Custody.ListMessages(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "ListSessionMessages", err)
		return
	}
	if msgs == nil {
		msgs = []models.SessionMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
