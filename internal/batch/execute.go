package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/push"
)

// execute submits the batch's aggregated orders to the broker one at a
// time (the broker connection is not assumed safe for concurrent
// submission) and distributes the results. Returns the batch's terminal
// status and message.
func (s *Service) execute(ctx context.Context, b *model.BatchExecution, orders []model.AggregatedOrder) (string, string) {
	// A missing connection is fatal to the whole run, not per order.
	// Member intentions are rejected and reservations released so no
	// cash stays invisibly stuck in reserved.
	if !s.broker.IsConnected() {
		for i := range orders {
			s.failOrder(ctx, &orders[i], model.ErrNotConnected.Error())
		}
		return model.BatchFailed, model.ErrNotConnected.Error()
	}

	var succeeded, failed, unknown int
	for i := range orders {
		o := &orders[i]

		octx, cancel := context.WithTimeout(ctx, s.orderTimeout)
		res, err := s.broker.PlaceOrder(octx, broker.OrderRequest{
			CorrelationID: o.ID,
			ContractID:    o.ContractID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Quantity:      o.TotalQuantity,
			OrderType:     model.OrderTypeMarket,
		})
		cancel()

		switch {
		case err == nil:
			if s.settleOrder(ctx, o, res.OrderID, res.FilledQty, res) {
				succeeded++
			} else {
				failed++
			}

		case errors.Is(err, context.DeadlineExceeded):
			// Unknown outcome: the order may still be live at the
			// broker. Never assume failure; the reconciler polls the
			// broker by correlation id.
			unknown++
			if uerr := s.store.UpdateAggregatedOrderResult(ctx, o.ID, model.AggOrderUnknown, "", 0, o.AvgFillPrice, "broker timeout, outcome unknown"); uerr != nil {
				slog.Error("failed to mark order unknown", "order", o.ID, "err", uerr)
			}
			slog.Warn("broker timeout, order outcome unknown", "order", o.ID, "symbol", o.Symbol)

		default:
			// Broker rejection is local to this order; the rest of
			// the batch continues.
			failed++
			s.failOrder(ctx, o, err.Error())
		}
	}

	msg := fmt.Sprintf("%d orders: %d succeeded, %d failed, %d unknown", len(orders), succeeded, failed, unknown)
	switch {
	case succeeded == len(orders):
		return model.BatchCompleted, msg
	case succeeded > 0 || unknown > 0:
		return model.BatchPartial, msg
	default:
		return model.BatchFailed, msg
	}
}

// settleOrder classifies a broker result and allocates the fill.
// Returns false if the order counted as failed (zero fill).
func (s *Service) settleOrder(ctx context.Context, o *model.AggregatedOrder, brokerOrderID string, filledQty int64, res *broker.OrderResult) bool {
	if filledQty <= 0 {
		s.failOrder(ctx, o, "zero fill")
		return false
	}
	if filledQty > o.TotalQuantity {
		filledQty = o.TotalQuantity
	}

	status := model.AggOrderFilled
	if filledQty < o.TotalQuantity {
		status = model.AggOrderPartial
	}

	o.Status = status
	o.BrokerOrderID = brokerOrderID
	o.FilledQty = filledQty
	o.AvgFillPrice = res.AvgFillPrice
	if err := s.store.UpdateAggregatedOrderResult(ctx, o.ID, status, brokerOrderID, filledQty, res.AvgFillPrice, ""); err != nil {
		slog.Error("failed to record order result", "order", o.ID, "err", err)
	}

	metrics.AggregatedOrdersTotal.WithLabelValues(o.Side, status).Inc()
	slog.Info("order executed",
		"order", o.ID,
		"symbol", o.Symbol,
		"side", o.Side,
		"requested", o.TotalQuantity,
		"filled", filledQty,
		"price", res.AvgFillPrice.String(),
	)

	s.allocateFills(ctx, o)
	return true
}

// failOrder marks an aggregated order failed, rejects its member
// intentions with the broker's message, and releases BUY reservations.
func (s *Service) failOrder(ctx context.Context, o *model.AggregatedOrder, message string) {
	o.Status = model.AggOrderFailed
	o.Message = message
	if err := s.store.UpdateAggregatedOrderResult(ctx, o.ID, model.AggOrderFailed, o.BrokerOrderID, 0, o.AvgFillPrice, message); err != nil {
		slog.Error("failed to record order failure", "order", o.ID, "err", err)
	}
	metrics.AggregatedOrdersTotal.WithLabelValues(o.Side, model.AggOrderFailed).Inc()

	for _, id := range o.IntentionIDs {
		in, err := s.store.GetIntention(ctx, id)
		if err != nil {
			slog.Error("failed to load member intention", "intention", id, "err", err)
			continue
		}
		if err := s.store.UpdateIntentionStatus(ctx, id, model.IntentionRejected, message); err != nil {
			slog.Error("failed to reject intention", "intention", id, "err", err)
			continue
		}
		if in.Side == model.SideBuy && in.ReservedAmount.IsPositive() {
			if err := s.ledger.Release(ctx, in.AccountID, in.ReservedAmount, in.ID); err != nil {
				slog.Error("failed to release reservation for rejected intention",
					"intention", id, "account", in.AccountID, "err", err)
				if frErr := s.ledger.Freeze(ctx, in.AccountID, in.ReservedAmount, in.ID); frErr != nil {
					slog.Error("failed to freeze account after stuck release",
						"account", in.AccountID, "err", frErr)
				}
			}
		}
		s.hub.Broadcast(push.Message{
			Type:        push.EventIntentionUpdate,
			BatchID:     o.BatchID,
			IntentionID: id,
			AccountID:   in.AccountID,
			Symbol:      in.Symbol,
			Side:        in.Side,
			Status:      model.IntentionRejected,
			Message:     message,
		})
	}

	slog.Warn("aggregated order failed",
		"order", o.ID,
		"symbol", o.Symbol,
		"side", o.Side,
		"members", len(o.IntentionIDs),
		"reason", message,
	)
}
