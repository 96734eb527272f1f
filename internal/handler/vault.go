package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	"github.com/shopspring/decimal"
)

type itemWithSplit struct {
	Item  *models.VaultItem  `json:"item"`
	Split *models.VaultSplit `json:"split,omitempty"`
}

type orderWithRelease struct {
	Order   *models.VaultOrder     `json:"order"`
	Release *models.PendingRelease `json:"release,omitempty"`
}

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (h *Handler) DepositItem(w http.ResponseWriter, r *http.Request) {
	var req service.DepositRequest
	actor, _, ok := h.call(w, r, "DepositItem", &req)
	if !ok {
		return
	}
	item, err := h.svc.Vault.Deposit(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, "DepositItem", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) GetVaultItem(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "GetVaultItem", nil)
	if !ok {
		return
	}
	item, err := h.svc.Vault.GetItem(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "GetVaultItem", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) ReviewItem(w http.ResponseWriter, r *http.Request) {
	var req service.ReviewRequest
	actor, id, ok := h.call(w, r, "ReviewItem", &req)
	if !ok {
		return
	}
	req.ItemID = id
	h.writeItem(w, r, "ReviewItem")(h.svc.Vault.Review(r.Context(), actor, req))
}

func (h *Handler) AssignItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShopID uuid.UUID `json:"shop_id"`
	}
	actor, id, ok := h.call(w, r, "AssignItem", &req)
	if !ok {
		return
	}
	h.writeItem(w, r, "AssignItem")(h.svc.Vault.AssignToShop(r.Context(), actor, id, req.ShopID))
}

func (h *Handler) PlaceItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseLocation string `json:"case_location"`
		Slot         string `json:"slot"`
	}
	actor, id, ok := h.call(w, r, "PlaceItem", &req)
	if !ok {
		return
	}
	h.writeItem(w, r, "PlaceItem")(h.svc.Vault.PlaceInCase(r.Context(), actor, id, req.CaseLocation, req.Slot))
}

func (h *Handler) ListItemOnline(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	actor, id, ok := h.call(w, r, "ListItemOnline", &req)
	if !ok {
		return
	}
	h.writeItem(w, r, "ListItemOnline")(h.svc.Vault.ListOnline(r.Context(), actor, id, req.Price))
}

func (h *Handler) ReturnItem(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "ReturnItem", nil)
	if !ok {
		return
	}
	h.writeItem(w, r, "ReturnItem")(h.svc.Vault.Return(r.Context(), actor, id))
}

func (h *Handler) writeItem(w http.ResponseWriter, r *http.Request, method string) func(*models.VaultItem, error) {
	return func(item *models.VaultItem, err error) {
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func (h *Handler) SellItemInPerson(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	actor, id, ok := h.call(w, r, "SellItemInPerson", &req)
	if !ok {
		return
	}
	item, split, err := h.svc.Vault.SellInPerson(r.Context(), actor, id, req.Price)
	if err != nil {
		h.fail(w, r, "SellItemInPerson", err)
		return
	}
	writeJSON(w, http.StatusOK, itemWithSplit{Item: item, Split: split})
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	actor, id, ok := h.call(w, r, "Checkout", &req)
	if !ok {
		return
	}
	req.ItemID = id
	order, err := h.svc.Vault.Checkout(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, "Checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) GetVaultOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("GetVaultOrder", h.svc.Vault.GetOrder)(w, r)
}

func (h *Handler) orderAction(method string, fn func(context.Context, models.Actor, uuid.UUID) (*models.VaultOrder, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.call(w, r, method, nil)
		if !ok {
			return
		}
		order, err := fn(r.Context(), actor, id)
		if err != nil {
			h.fail(w, r, method, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackingNumber string `json:"tracking_number"`
	}
	actor, id, ok := h.call(w, r, "ShipOrder", &req)
	if !ok {
		return
	}
	order, err := h.svc.Vault.Ship(r.Context(), actor, id, req.TrackingNumber)
	if err != nil {
		h.fail(w, r, "ShipOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) DisputeOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	actor, id, ok := h.call(w, r, "DisputeOrder", &req)
	if !ok {
		return
	}
	order, err := h.svc.Vault.DisputeOrder(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, "DisputeOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) ResolveOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerFavor bool `json:"buyer_favor"`
	}
	actor, id, ok := h.call(w, r, "ResolveOrder", &req)
	if !ok {
		return
	}
	order, release, err := h.svc.Vault.ResolveOrder(r.Context(), actor, id, req.BuyerFavor)
	if err != nil {
		h.fail(w, r, "ResolveOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, orderWithRelease{Order: order, Release: release})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "CancelOrder", nil)
	if !ok {
		return
	}
	order, release, err := h.svc.Vault.CancelOrder(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "CancelOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, orderWithRelease{Order: order, Release: release})
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	actor, id, ok := h.call(w, r, "RequestRefund", &req)
	if !ok {
		return
	}
	release, err := h.svc.Vault.RequestRefund(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, "RequestRefund", err)
		return
	}
	writeJSON(w, http.StatusCreated, release)
}

func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "SettleOrder", nil)
	if !ok {
		return
	}
	order, split, err := h.svc.Vault.SettleOrder(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, "SettleOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Order *models.VaultOrder `json:"order"`
		Split *models.VaultSplit `json:"split"`
	}{order, split})
}

func (h *Handler) CreatePayoutBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payee models.PayeeType `json:"payee"`
	}
	actor, _, ok := h.call(w, r, "CreatePayoutBatch", &req)
	if !ok {
		return
	}
	batch, release, err := h.svc.Vault.CreatePayoutBatch(r.Context(), actor, req.Payee)
	if err != nil {
		h.fail(w, r, "CreatePayoutBatch", err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Batch   *models.VaultPayoutBatch `json:"batch"`
		Release *models.PendingRelease   `json:"release"`
	}{batch, release})
}
