package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/push"
)

// proRata splits filledQty across the members' requested quantities.
// Each member receives floor(requested * filled / total); the rounding
// remainder is distributed walking from the largest request down, each
// member taking at most its remaining headroom (requested - floor), so
// the sum of the returned slice always equals filledQty exactly and
// nobody is ever allocated more than they asked for. Members must be
// sorted ascending by quantity; the slice is positionally aligned with
// the input.
func proRata(members []model.OrderIntention, filledQty int64) []int64 {
	var total int64
	for _, in := range members {
		total += in.Quantity
	}

	allocs := make([]int64, len(members))
	if total == 0 || filledQty <= 0 {
		return allocs
	}
	if filledQty >= total {
		for i, in := range members {
			allocs[i] = in.Quantity
		}
		return allocs
	}

	var distributed int64
	for i, in := range members {
		allocs[i] = in.Quantity * filledQty / total
		distributed += allocs[i]
	}
	// With equal small requests the remainder can exceed any single
	// member's headroom, so it is spread from the largest request down,
	// capped at each member's own ask. filled < total guarantees the
	// combined headroom covers it.
	remainder := filledQty - distributed
	for i := len(allocs) - 1; i >= 0 && remainder > 0; i-- {
		give := members[i].Quantity - allocs[i]
		if give > remainder {
			give = remainder
		}
		allocs[i] += give
		remainder -= give
	}
	return allocs
}

// sortMembersAsc orders members by quantity ascending, ties broken by
// submission time then id so allocation is deterministic.
func sortMembersAsc(members []model.OrderIntention) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Quantity != members[j].Quantity {
			return members[i].Quantity < members[j].Quantity
		}
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].ID < members[j].ID
	})
}

// allocateFills splits one executed order's fill across its member
// intentions and applies each allocation to the owning account's ledger
// and portfolio. Individual application failures are logged and left
// for the reconciler; they never abort the remaining members.
func (s *Service) allocateFills(ctx context.Context, o *model.AggregatedOrder) {
	members := make([]model.OrderIntention, 0, len(o.IntentionIDs))
	for _, id := range o.IntentionIDs {
		in, err := s.store.GetIntention(ctx, id)
		if err != nil {
			slog.Error("failed to load member intention for allocation", "intention", id, "err", err)
			continue
		}
		members = append(members, *in)
	}
	sortMembersAsc(members)

	allocs := proRata(members, o.FilledQty)
	qtyDec := decimal.NewFromInt(o.TotalQuantity)

	for i := range members {
		in := &members[i]

		pct := decimal.Zero
		if o.TotalQuantity > 0 {
			pct = decimal.NewFromInt(in.Quantity).Div(qtyDec).Round(6)
		}
		a := &model.FillAllocation{
			ID:                uuid.New().String(),
			AggregatedOrderID: o.ID,
			IntentionID:       in.ID,
			AccountID:         in.AccountID,
			RequestedQty:      in.Quantity,
			AllocatedQty:      allocs[i],
			AllocationPct:     pct,
			FillPrice:         o.AvgFillPrice,
			TotalCost:         o.AvgFillPrice.Mul(decimal.NewFromInt(allocs[i])),
			CreatedAt:         time.Now().UTC(),
		}
		if err := s.store.CreateAllocation(ctx, a); err != nil {
			slog.Error("failed to persist allocation", "intention", in.ID, "err", err)
			continue
		}

		if err := s.applyAllocation(ctx, a, in); err != nil {
			// Flags on the allocation record which step completed; the
			// reconciler resumes from there.
			metrics.UnappliedAllocations.Inc()
			slog.Error("failed to apply allocation, deferred to reconciliation",
				"allocation", a.ID,
				"intention", in.ID,
				"account", in.AccountID,
				"err", err,
			)
			continue
		}

		s.settleIntention(ctx, a, in, o.BatchID)
	}
}

// applyAllocation walks an allocation through its two steps: cash
// settlement, then portfolio update. Each step is skipped if its flag
// is already set, so repeated calls converge rather than double-apply.
func (s *Service) applyAllocation(ctx context.Context, a *model.FillAllocation, in *model.OrderIntention) error {
	if !a.CashSettled {
		switch in.Side {
		case model.SideBuy:
			// Settle against the full reservation even when nothing was
			// allocated: SettleBuy releases the unspent remainder, so a
			// zero allocation simply returns the whole reservation.
			if err := s.ledger.SettleBuy(ctx, in.AccountID, in.ReservedAmount, a.TotalCost, in.ID); err != nil {
				return fmt.Errorf("settle buy: %w", err)
			}
		case model.SideSell:
			if a.AllocatedQty > 0 {
				if err := s.ledger.CreditSell(ctx, in.AccountID, a.TotalCost, in.ID); err != nil {
					return fmt.Errorf("credit sell: %w", err)
				}
			}
		}
		if err := s.store.MarkAllocationCashSettled(ctx, a.ID); err != nil {
			return fmt.Errorf("mark cash settled: %w", err)
		}
		a.CashSettled = true
	}

	if !a.AppliedToPortfolio {
		if a.AllocatedQty > 0 {
			switch in.Side {
			case model.SideBuy:
				if _, err := s.portfolio.Add(ctx, in.AccountID, in.UserID, in.Symbol, a.AllocatedQty, a.FillPrice); err != nil {
					return fmt.Errorf("add holding: %w", err)
				}
			case model.SideSell:
				if _, err := s.portfolio.Remove(ctx, in.AccountID, in.Symbol, a.AllocatedQty); err != nil {
					return fmt.Errorf("remove holding: %w", err)
				}
			}
		}
		if err := s.store.MarkAllocationApplied(ctx, a.ID); err != nil {
			return fmt.Errorf("mark applied: %w", err)
		}
		a.AppliedToPortfolio = true
	}

	metrics.AllocatedShares.WithLabelValues(in.Side).Add(float64(a.AllocatedQty))
	return nil
}

// settleIntention records the member's terminal status and notifies
// subscribers.
func (s *Service) settleIntention(ctx context.Context, a *model.FillAllocation, in *model.OrderIntention, batchID string) {
	status := model.IntentionFilled
	if a.AllocatedQty < in.Quantity {
		status = model.IntentionPartiallyFilled
	}
	msg := fmt.Sprintf("allocated %d of %d at %s", a.AllocatedQty, in.Quantity, a.FillPrice.String())

	if err := s.store.UpdateIntentionStatus(ctx, in.ID, status, msg); err != nil {
		slog.Error("failed to update intention after allocation", "intention", in.ID, "err", err)
		return
	}
	s.hub.Broadcast(push.Message{
		Type:        push.EventAllocation,
		BatchID:     batchID,
		IntentionID: in.ID,
		AccountID:   in.AccountID,
		Symbol:      in.Symbol,
		Side:        in.Side,
		Status:      status,
		Quantity:    a.AllocatedQty,
		FillPrice:   a.FillPrice.String(),
		Message:     msg,
	})
}
