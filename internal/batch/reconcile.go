package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
)

// Reconcile resolves state left behind by interrupted runs. It handles
// two cases:
//
//  1. Aggregated orders with unknown outcome (broker timeout): look the
//     order up at the broker by correlation id and settle or fail it.
//  2. Allocations whose cash or portfolio step never completed: re-run
//     applyAllocation, which resumes from the recorded flags.
//
// It is safe to run repeatedly; everything it touches is idempotent.
func (s *Service) Reconcile(ctx context.Context) error {
	var errs []error
	if err := s.reconcileUnknownOrders(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.reconcileUnappliedAllocations(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) reconcileUnknownOrders(ctx context.Context) error {
	orders, err := s.store.ListAggregatedOrdersByStatus(ctx, model.AggOrderUnknown)
	if err != nil {
		return fmt.Errorf("list unknown orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	if !s.broker.IsConnected() {
		return model.ErrNotConnected
	}

	for i := range orders {
		o := &orders[i]
		res, err := s.broker.OrderStatus(ctx, o.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			// The broker never saw the order; the placement was lost
			// before arrival. Safe to fail and release reservations.
			s.failOrder(ctx, o, "order not found at broker after timeout")

		case err != nil:
			// Still can't tell. Leave it unknown for the next pass.
			slog.Warn("order status lookup failed, retrying later", "order", o.ID, "err", err)

		default:
			slog.Info("reconciled unknown order", "order", o.ID, "filled", res.FilledQty)
			s.settleOrder(ctx, o, res.OrderID, res.FilledQty, res)
		}
	}
	return nil
}

func (s *Service) reconcileUnappliedAllocations(ctx context.Context) error {
	allocs, err := s.store.ListUnappliedAllocations(ctx)
	if err != nil {
		return fmt.Errorf("list unapplied allocations: %w", err)
	}
	metrics.UnappliedAllocations.Set(float64(len(allocs)))

	var remaining int
	for i := range allocs {
		a := &allocs[i]
		in, err := s.store.GetIntention(ctx, a.IntentionID)
		if err != nil {
			remaining++
			slog.Error("failed to load intention for unapplied allocation", "allocation", a.ID, "err", err)
			continue
		}
		if err := s.applyAllocation(ctx, a, in); err != nil {
			remaining++
			slog.Warn("allocation still unapplied after retry", "allocation", a.ID, "err", err)
			continue
		}
		// The intention may have been left in aggregated when the
		// original application failed mid-way.
		if in.Status == model.IntentionAggregated {
			s.settleIntention(ctx, a, in, "")
		}
		slog.Info("reconciled allocation", "allocation", a.ID, "intention", a.IntentionID)
	}
	metrics.UnappliedAllocations.Set(float64(remaining))
	return nil
}
