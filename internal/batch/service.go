// Package batch implements the daily order pipeline: aggregate pending
// intentions into net orders, execute them against the broker, and
// distribute fills pro-rata back to the contributing intentions.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/push"
	"github.com/etfpool/batch-engine/internal/store"
)

// Service runs batch executions and answers batch queries.
type Service struct {
	store        store.Store
	broker       broker.Client
	ledger       *ledger.Service
	portfolio    *portfolio.Service
	hub          *push.Hub
	orderTimeout time.Duration
}

// NewService creates a batch service. orderTimeout bounds each broker
// order placement; a timeout means unknown outcome, not failure.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, bk broker.Client, lg *ledger.Service, pf *portfolio.Service, hub *push.Hub, orderTimeout time.Duration) *Service {
	if orderTimeout <= 0 {
		orderTimeout = 30 * time.Second
	}
	return &Service{
		store:        st,
		broker:       bk,
		ledger:       lg,
		portfolio:    pf,
		hub:          hub,
		orderTimeout: orderTimeout,
	}
}

// Run executes one full batch: aggregate, execute, allocate. It is
// called by the scheduler inside the order lock window, or manually by
// an admin. A batch with no pending intentions completes immediately
// with zero orders.
func (s *Service) Run(ctx context.Context) (*model.BatchExecution, error) {
	start := time.Now()

	b := &model.BatchExecution{
		ID:          uuid.New().String(),
		Status:      model.BatchRunning,
		ScheduledAt: start.UTC(),
		StartedAt:   start.UTC(),
		TotalValue:  decimal.Zero,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	s.hub.Broadcast(push.Message{Type: push.EventBatchStarted, BatchID: b.ID})
	slog.Info("batch started", "batch", b.ID)

	orders, err := s.aggregate(ctx, b)
	if err != nil {
		s.finishBatch(ctx, b, model.BatchFailed, err.Error())
		return b, err
	}
	if len(orders) == 0 {
		s.finishBatch(ctx, b, model.BatchCompleted, "no pending intentions")
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		return b, nil
	}

	status, msg := s.execute(ctx, b, orders)
	s.finishBatch(ctx, b, status, msg)
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return b, nil
}

func (s *Service) finishBatch(ctx context.Context, b *model.BatchExecution, status, message string) {
	b.Status = status
	b.Message = message
	b.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		slog.Error("failed to update batch record", "batch", b.ID, "err", err)
	}
	metrics.BatchesTotal.WithLabelValues(status).Inc()
	slog.Info("batch finished",
		"batch", b.ID,
		"status", status,
		"intentions", b.IntentionCount,
		"orders", b.OrderCount,
		"users", b.UserCount,
		"value", b.TotalValue.String(),
	)
	s.hub.Broadcast(push.Message{
		Type:    push.EventBatchCompleted,
		BatchID: b.ID,
		Status:  status,
		Message: message,
	})
}

// Get retrieves one batch execution.
func (s *Service) Get(ctx context.Context, id string) (*model.BatchExecution, error) {
	return s.store.GetBatch(ctx, id)
}

// History returns all batch executions, newest first.
func (s *Service) History(ctx context.Context) ([]model.BatchExecution, error) {
	return s.store.ListBatches(ctx)
}

// Orders returns the aggregated orders of one batch.
func (s *Service) Orders(ctx context.Context, batchID string) ([]model.AggregatedOrder, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListAggregatedOrdersByBatch(ctx, batchID)
}
