package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/auth"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
	"github.com/honeynil/TradeCustodyService/internal/models"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

// AuditHistory serves the staff-only audit trail.
type AuditHistory interface {
	History(ctx context.Context, actor models.Actor, entityType string, entityID uuid.UUID) ([]models.AuditLogEntry, error)
}

// TokenRevoker blocks a token id for the rest of its lifetime.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

type Services struct {
	Settlement service.SettlementService
	Custody    service.CustodyService
	Disputes   service.DisputeService
	Releases   service.ReleaseService
	Vault      service.VaultService
	Audit      AuditHistory
}

type Handler struct {
	svc     Services
	revoker TokenRevoker
}

func NewHandler(svc Services, revoker TokenRevoker) *Handler {
	return &Handler{svc: svc, revoker: revoker}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var terr *pkgerrors.TransitionError
	if errors.As(err, &terr) {
		resp.Kind = terr.Kind.String()
		resp.Allowed = terr.Allowed
	}
	if status == http.StatusInternalServerError {
		resp = errorResponse{Error: "internal error"}
	}
	if pkgerrors.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

// fail maps a service error to its status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, method string, err error) {
	status := StatusFor(err)
	logger := observability.WithContext(r.Context(), "method", method, "path", r.URL.Path, "status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Warn("request rejected", "error", err)
	}
	h.writeError(w, status, err)
}

// StatusFor returns the HTTP status of a service error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrAuthorizationExpired):
		return http.StatusGone
	case errors.Is(err, pkgerrors.ErrInvalidTransition),
		errors.Is(err, pkgerrors.ErrConflict),
		errors.Is(err, pkgerrors.ErrSessionAlreadyActive),
		errors.Is(err, pkgerrors.ErrDisputeAlreadyOpen),
		errors.Is(err, pkgerrors.ErrOrderAlreadySettled),
		errors.Is(err, pkgerrors.ErrRequestAlreadyHandled):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrPreconditionMismatch),
		errors.Is(err, pkgerrors.ErrDisputeNotEligible),
		errors.Is(err, pkgerrors.ErrNoEligibleSplits):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrExternalDependency):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrTrackingRequired),
		errors.Is(err, pkgerrors.ErrConfirmationRequired):
		return http.StatusBadRequest
	case isNotFound(err):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func isNotFound(err error) bool {
	for _, target := range []error{
		pkgerrors.ErrTransactionNotFound,
		pkgerrors.ErrSessionNotFound,
		pkgerrors.ErrDisputeNotFound,
		pkgerrors.ErrReleaseNotFound,
		pkgerrors.ErrHoldNotFound,
		pkgerrors.ErrVaultItemNotFound,
		pkgerrors.ErrVaultOrderNotFound,
		pkgerrors.ErrSplitNotFound,
		pkgerrors.ErrPayoutBatchNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed body: %v", pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", pkgerrors.ErrInvalidInput, name)
	}
	return id, nil
}

// call is the common prologue of an endpoint: caller, path id and body.
func (h *Handler) call(w http.ResponseWriter, r *http.Request, method string, body any) (models.Actor, uuid.UUID, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, pkgerrors.ErrTokenInvalid)
		return models.Actor{}, uuid.Nil, false
	}
	var id uuid.UUID
	if _, has := mux.Vars(r)["id"]; has {
		var err error
		if id, err = pathID(r, "id"); err != nil {
			h.fail(w, r, method, err)
			return actor, uuid.Nil, false
		}
	}
	if body != nil {
		if err := decode(r, body); err != nil {
			h.fail(w, r, method, err)
			return actor, id, false
		}
	}
	return actor, id, true
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	r.HandleFunc("/audit/{entity}/{id}", h.AuditHistory).Methods("GET")

	r.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/transition", h.TransitionTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}/check-in", h.CheckInTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}/send-to-hub", h.SendToHub).Methods("POST")
	r.HandleFunc("/transactions/{id}/complete", h.CompleteTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}/cancel", h.CancelTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}/package", h.AdvancePackage).Methods("POST")
	r.HandleFunc("/transactions/{id}/sessions", h.StartSession).Methods("POST")
	r.HandleFunc("/transactions/{id}/disputes", h.OpenDispute).Methods("POST")

	r.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}/open-check-in", h.sessionAction("OpenCheckIn", h.svc.Custody.OpenCheckIn)).Methods("POST")
	r.HandleFunc("/sessions/{id}/check-in", h.sessionAction("SessionCheckIn", h.svc.Custody.CheckIn)).Methods("POST")
	r.HandleFunc("/sessions/{id}/verify", h.sessionAction("VerifyItem", h.svc.Custody.VerifyItem)).Methods("POST")
	r.HandleFunc("/sessions/{id}/complete", h.sessionAction("CompleteSession", h.svc.Custody.CompleteSession)).Methods("POST")
	r.HandleFunc("/sessions/{id}/cancel", h.sessionAction("CancelSession", h.svc.Custody.CancelSession)).Methods("POST")
	r.HandleFunc("/sessions/{id}/extend", h.sessionAction("ExtendSession", h.svc.Custody.ExtendSession)).Methods("POST")
	r.HandleFunc("/sessions/{id}/expire", h.sessionAction("ExpireSession", h.svc.Custody.ExpireSession)).Methods("POST")
	r.HandleFunc("/sessions/{id}/close", h.CloseSession).Methods("POST")
	r.HandleFunc("/sessions/{id}/messages", h.ListSessionMessages).Methods("GET")
	r.HandleFunc("/sessions/{id}/messages", h.PostSessionMessage).Methods("POST")

	r.HandleFunc("/disputes/{id}", h.GetDispute).Methods("GET")
	r.HandleFunc("/disputes/{id}/request-response", h.disputeAction("RequestResponse", h.svc.Disputes.RequestResponse)).Methods("POST")
	r.HandleFunc("/disputes/{id}/mediate", h.disputeAction("Mediate", h.svc.Disputes.Mediate)).Methods("POST")
	r.HandleFunc("/disputes/{id}/escalate", h.disputeAction("Escalate", h.svc.Disputes.Escalate)).Methods("POST")
	r.HandleFunc("/disputes/{id}/withdraw", h.disputeAction("Withdraw", h.svc.Disputes.Withdraw)).Methods("POST")
	r.HandleFunc("/disputes/{id}/close", h.disputeAction("CloseDispute", h.svc.Disputes.Close)).Methods("POST")
	r.HandleFunc("/disputes/{id}/respond", h.RespondDispute).Methods("POST")
	r.HandleFunc("/disputes/{id}/resolve", h.ResolveDispute).Methods("POST")
	r.HandleFunc("/disputes/{id}/messages", h.ListDisputeMessages).Methods("GET")
	r.HandleFunc("/disputes/{id}/messages", h.AddDisputeMessage).Methods("POST")

	r.HandleFunc("/releases/{id}", h.GetRelease).Methods("GET")
	r.HandleFunc("/releases/{id}/initiate", h.InitiateRelease).Methods("POST")
	r.HandleFunc("/releases/{id}/confirm", h.ConfirmRelease).Methods("POST")
	r.HandleFunc("/releases/{id}/reject", h.RejectRelease).Methods("POST")

	r.HandleFunc("/vault/items", h.DepositItem).Methods("POST")
	r.HandleFunc("/vault/items/{id}", h.GetVaultItem).Methods("GET")
	r.HandleFunc("/vault/items/{id}/review", h.ReviewItem).Methods("POST")
	r.HandleFunc("/vault/items/{id}/assign", h.AssignItem).Methods("POST")
	r.HandleFunc("/vault/items/{id}/place", h.PlaceItem).Methods("POST")
	r.HandleFunc("/vault/items/{id}/list", h.ListItemOnline).Methods("POST")
	r.HandleFunc("/vault/items/{id}/sell", h.SellItemInPerson).Methods("POST")
	r.HandleFunc("/vault/items/{id}/return", h.ReturnItem).Methods("POST")
	r.HandleFunc("/vault/items/{id}/checkout", h.Checkout).Methods("POST")
	r.HandleFunc("/vault/orders/{id}", h.GetVaultOrder).Methods("GET")
	r.HandleFunc("/vault/orders/{id}/mark-paid", h.orderAction("MarkPaid", h.svc.Vault.MarkPaid)).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/fulfil", h.orderAction("Fulfil", h.svc.Vault.Fulfil)).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/deliver", h.orderAction("Deliver", h.svc.Vault.Deliver)).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/ship", h.ShipOrder).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/dispute", h.DisputeOrder).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/resolve", h.ResolveOrder).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/cancel", h.CancelOrder).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/refund", h.RequestRefund).Methods("POST")
	r.HandleFunc("/vault/orders/{id}/settle", h.SettleOrder).Methods("POST")
	r.HandleFunc("/vault/payouts", h.CreatePayoutBatch).Methods("POST")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Logout revokes the presented token until it would have expired anyway.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFrom(r.Context())
	if !ok || token.ID == "" {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: token has no id", pkgerrors.ErrInvalidInput))
		return
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.revoker.Revoke(r.Context(), token.ID, ttl); err != nil {
		slog.Error("failed to revoke token", "method", "Logout", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, errors.New("revocation unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AuditHistory(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.call(w, r, "AuditHistory", nil)
	if !ok {
		return
	}
	entries, err := h.svc.Audit.History(r.Context(), actor, mux.Vars(r)["entity"], id)
	if err != nil {
		h.fail(w, r, "AuditHistory", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
