package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	"github.com/shopspring/decimal"
)

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   models.DisputeType `json:"type"`
		Reason string             `json:"reason"`
	}
	actor, id, ok := h.call(w, r, "OpenDispute", &req)
	if !ok {
		return
	}
	d, err := h.svc.Disputes.Open(r.Context(), actor, service.OpenDisputeRequest{
		TransactionID: id,
		Type:          req.Type,
		Reason:        req.Reason,
	})
	if err != nil {
		h.fail(w, r, "OpenDispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	h.disputeAction("GetDispute", h.svc.Disputes.Get)(w, r)
}

func (h *Handler) disputeAction(method string, fn func(context.Context, models.Actor, uuid.UUID) (*models.Dispute, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.call(w, r, method, nil)
		if !ok {
			return
		}
		d, err := fn(r.Context(), actor, id)
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (h *Handler) RespondDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	actor, id, ok := h.call(w, r, "RespondDispute", &req)
	if !ok {
		return
	}
	d, err := h.svc.Disputes.Respond(r.Context(), actor, id, req.Body)
	if err != nil {
		h.fail(w, r, "RespondDispute", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome      models.DisputeOutcome `json:"outcome"`
		RefundAmount decimal.Decimal       `json:"refund_amount"`
		Note         string                `json:"note"`
	}
	actor, id, ok := h.call(w, r, "ResolveDispute", &req)
	if !ok {
		return
	}
	d, release, err := h.svc.Disputes.Resolve(r.Context(), actor, service.ResolveDisputeRequest{
		DisputeID:    id,
		Outcome:      req.Outcome,
		RefundAmount: req.RefundAmount,
		Note:         req.Note,
	})
	if err != nil {
		h.fail(w, r, "ResolveDispute", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Dispute *models.Dispute        `json:"dispute"`
		Release *models.PendingRelease `json:"release,omitempty"`
	}{d, release})
}

func (h *Handler) AddDisputeMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body        string `json:"body"`
		EvidenceURL string `json:"evidence_url,omitempty"`
	}
	actor, id, ok := h.call(w, r, "AddDisputeMessage", &req)
	if !ok {
		return
	}
	msg, err := h.svc.Disputes.AddMessage(r.Context(), actor, id, req.Body, req.EvidenceURL)
	if err != nil {
		h.fail(w, r, "AddDisputeMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) ListDisputeMessages(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "ListDisputeMessages", nil)
	if !ok {
		return
	}
	msgs, err := h.svc.Disputes.ListMessages(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "ListDisputeMessages", err)
		return
	}
	if msgs == nil {
		msgs = []models.DisputeMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) GetRelease(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "GetRelease", nil)
	if !ok {
		return
	}
	rel, err := h.svc.Releases.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "GetRelease", err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// InitiateRelease returns the summary with its one-time confirmation token.
func (h *Handler) InitiateRelease(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "InitiateRelease", nil)
	if !ok {
		return
	}
	summary, err := h.svc.Releases.Initiate(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "InitiateRelease", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ConfirmRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	actor, id, ok := h.call(w, r, "ConfirmRelease", &req)
	if !ok {
		return
	}
	rel, err := h.svc.Releases.Confirm(r.Context(), actor, id, req.Token)
	if err != nil {
		h.fail(w, r, "ConfirmRelease", err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) RejectRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	actor, id, ok := h.call(w, r, "RejectRelease", &req)
	if !ok {
		return
	}
	rel, err := h.svc.Releases.Reject(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, "RejectRelease", err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}
