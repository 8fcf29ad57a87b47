package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/intent"
)

// IntentionHandler handles order intention endpoints.
type IntentionHandler struct {
	intent *intent.Service
}

// NewIntentionHandler creates an IntentionHandler.
func NewIntentionHandler(svc *intent.Service) *IntentionHandler {
	return &IntentionHandler{intent: svc}
}

type submitIntentionRequest struct {
	AccountID      string          `json:"account_id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	ContractID     string          `json:"contract_id"`
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	OrderType      string          `json:"order_type"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
}

// Submit handles POST /intentions.
func (h *IntentionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitIntentionRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in, err := h.intent.Create(r.Context(), intent.CreateRequest{
		AccountID:      req.AccountID,
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		ContractID:     req.ContractID,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		EstimatedPrice: req.EstimatedPrice,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, in)
}

// List handles GET /intentions?user_id=...&status=... — a user's
// intentions, optionally filtered by status.
func (h *IntentionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required")
		return
	}
	intentions, err := h.intent.List(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, intentions)
}

// Summary handles GET /intentions/summary: pending quantities netted
// per symbol, a preview of what the next batch would send.
func (h *IntentionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.intent.PendingSummary(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Cancel handles DELETE /intentions/{intention_id}?user_id=... — only
// the owner may cancel, and only while the intention is still pending.
func (h *IntentionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required")
		return
	}
	in, err := h.intent.Cancel(r.Context(), userID, chi.URLParam(r, "intention_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}
