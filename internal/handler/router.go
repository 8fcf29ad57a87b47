// Package handler exposes the HTTP API: virtual accounts, order
// intentions, batch executions, and the WebSocket event stream.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/etfpool/batch-engine/internal/batch"
	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/intent"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/push"
	"github.com/etfpool/batch-engine/internal/scheduler"
)

// NewRouter creates the chi router with all routes registered.
func NewRouter(
	ledgerSvc *ledger.Service,
	portfolioSvc *portfolio.Service,
	intentSvc *intent.Service,
	batchSvc *batch.Service,
	sched *scheduler.Scheduler,
	bk broker.Client,
	hub *push.Hub,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	accountH := NewAccountHandler(ledgerSvc, portfolioSvc)
	intentionH := NewIntentionHandler(intentSvc)
	batchH := NewBatchHandler(batchSvc, sched)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "batch-engine"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time batch and fill events.
		r.Get("/ws", hub.HandleWS)

		// Operational status: order lock and broker session.
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]bool{
				"orders_locked":    sched.Locked(),
				"broker_connected": bk.IsConnected(),
			})
		})

		// Virtual account management.
		r.Post("/accounts", accountH.Create)
		r.Get("/accounts", accountH.List)
		r.Get("/accounts/{account_id}", accountH.Get)
		r.Delete("/accounts/{account_id}", accountH.Deactivate)
		r.Post("/accounts/{account_id}/allocate", accountH.Allocate)
		r.Get("/accounts/{account_id}/transactions", accountH.Transactions)
		r.Get("/accounts/{account_id}/holdings", accountH.Holdings)

		// Order intentions.
		r.Post("/intentions", intentionH.Submit)
		r.Get("/intentions", intentionH.List)
		r.Get("/intentions/summary", intentionH.Summary)
		r.Delete("/intentions/{intention_id}", intentionH.Cancel)

		// Batch executions.
		r.Post("/batches/run", batchH.Run)
		r.Post("/batches/reconcile", batchH.Reconcile)
		r.Get("/batches", batchH.List)
		r.Get("/batches/{batch_id}", batchH.Get)
		r.Get("/batches/{batch_id}/orders", batchH.Orders)
	})

	return r
}
