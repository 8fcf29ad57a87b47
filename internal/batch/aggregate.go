package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/etfpool/batch-engine/internal/model"
)

// groupKey identifies one aggregation group. Submission order has no
// effect on grouping; only the totals matter for the broker order.
type groupKey struct {
	symbol     string
	contractID string
	side       string
}

// aggregate groups all pending intentions by (symbol, contract, side),
// creates one net order per group, and transitions the members to
// aggregated. The pending fetch is ordered by (created_at, id) so runs
// are reproducible.
func (s *Service) aggregate(ctx context.Context, b *model.BatchExecution) ([]model.AggregatedOrder, error) {
	pending, err := s.store.ListPendingIntentions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending intentions: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	groups := make(map[groupKey][]model.OrderIntention)
	users := make(map[string]bool)
	for _, in := range pending {
		k := groupKey{symbol: in.Symbol, contractID: in.ContractID, side: in.Side}
		groups[k] = append(groups[k], in)
		users[in.UserID] = true
		b.TotalValue = b.TotalValue.Add(in.EstimatedValue)
	}
	b.IntentionCount = len(pending)
	b.UserCount = len(users)

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].side < keys[j].side
	})

	var orders []model.AggregatedOrder
	for _, k := range keys {
		members := groups[k]

		var total int64
		ids := make([]string, 0, len(members))
		for _, in := range members {
			total += in.Quantity
			ids = append(ids, in.ID)
		}

		o := model.AggregatedOrder{
			ID:            uuid.New().String(),
			BatchID:       b.ID,
			Symbol:        k.symbol,
			ContractID:    k.contractID,
			Side:          k.side,
			TotalQuantity: total,
			IntentionIDs:  ids,
			Status:        model.AggOrderPending,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.store.CreateAggregatedOrder(ctx, &o); err != nil {
			return nil, fmt.Errorf("create aggregated order %s/%s: %w", k.symbol, k.side, err)
		}

		for _, in := range members {
			if err := s.store.UpdateIntentionStatus(ctx, in.ID, model.IntentionAggregated, ""); err != nil {
				return nil, fmt.Errorf("mark intention %s aggregated: %w", in.ID, err)
			}
		}

		slog.Info("aggregated order created",
			"batch", b.ID,
			"order", o.ID,
			"symbol", k.symbol,
			"side", k.side,
			"total_qty", total,
			"members", len(members),
		)
		orders = append(orders, o)
	}

	b.OrderCount = len(orders)
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		slog.Error("failed to persist batch counters", "batch", b.ID, "err", err)
	}
	return orders, nil
}
