package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/etfpool/batch-engine/internal/batch"
	"github.com/etfpool/batch-engine/internal/scheduler"
)

// BatchHandler handles batch execution endpoints.
type BatchHandler struct {
	batch *batch.Service
	sched *scheduler.Scheduler
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(svc *batch.Service, sched *scheduler.Scheduler) *BatchHandler {
	return &BatchHandler{batch: svc, sched: sched}
}

// Run handles POST /batches/run: an admin triggers a batch immediately
// instead of waiting for the scheduled time. Conflicts with a batch
// already in flight.
func (h *BatchHandler) Run(w http.ResponseWriter, r *http.Request) {
	b, err := h.sched.RunNow(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// Reconcile handles POST /batches/reconcile: an admin retries unknown
// orders and unapplied allocations left by interrupted runs.
func (h *BatchHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.batch.Reconcile(r.Context()); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// List handles GET /batches, newest first.
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	batches, err := h.batch.History(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, batches)
}

// Get handles GET /batches/{batch_id}.
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.batch.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// Orders handles GET /batches/{batch_id}/orders: the aggregated orders
// one batch sent to the broker.
func (h *BatchHandler) Orders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.batch.Orders(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, orders)
}
