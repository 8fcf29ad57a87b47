package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/portfolio"
)

// AccountHandler handles virtual account endpoints.
type AccountHandler struct {
	ledger    *ledger.Service
	portfolio *portfolio.Service
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(lg *ledger.Service, pf *portfolio.Service) *AccountHandler {
	return &AccountHandler{ledger: lg, portfolio: pf}
}

type createAccountRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// Create handles POST /accounts.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a, err := h.ledger.CreateAccount(r.Context(), req.OwnerID, req.Name)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, a)
}

// List handles GET /accounts. An optional owner_id query filters by
// owner.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.ListAccounts(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, accounts)
}

// Get handles GET /accounts/{account_id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.GetAccount(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// Deactivate handles DELETE /accounts/{account_id}. Accounts are never
// deleted, only deactivated.
func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Deactivate(r.Context(), chi.URLParam(r, "account_id")); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type allocateRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// Allocate handles POST /accounts/{account_id}/allocate: the admin
// moves assigned cash into (positive delta) or out of (negative delta)
// a virtual account, bounded by the real brokerage cash balance.
func (h *AccountHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a, err := h.ledger.AdminAllocate(r.Context(), chi.URLParam(r, "account_id"), req.Delta)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// Transactions handles GET /accounts/{account_id}/transactions: the
// immutable cash audit trail, newest first.
func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.Transactions(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, txs)
}

// Holdings handles GET /accounts/{account_id}/holdings.
func (h *AccountHandler) Holdings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.portfolio.List(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, holdings)
}
