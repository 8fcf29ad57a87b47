package portfolio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestAddComputesWeightedAverage(t *testing.T) {
	svc := portfolio.NewService(store.NewMemoryStore())
	ctx := context.Background()

	h, err := svc.Add(ctx, "acc-1", "alice", "VTI", 10, d(100))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if h.Quantity != 10 || !h.AvgCost.Equal(d(100)) {
		t.Fatalf("first add: qty=%d avg=%s", h.Quantity, h.AvgCost)
	}

	// 10 @ 100 + 10 @ 110 → 20 @ 105.
	h, err = svc.Add(ctx, "acc-1", "alice", "VTI", 10, d(110))
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if h.Quantity != 20 {
		t.Fatalf("qty = %d, want 20", h.Quantity)
	}
	if !h.AvgCost.Equal(d(105)) {
		t.Fatalf("avg cost = %s, want 105", h.AvgCost)
	}
}

func TestRemoveReturnsAvgCostAndDeletesAtZero(t *testing.T) {
	svc := portfolio.NewService(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Add(ctx, "acc-1", "alice", "VTI", 10, d(100)); err != nil {
		t.Fatalf("add: %v", err)
	}

	avgCost, err := svc.Remove(ctx, "acc-1", "VTI", 4)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !avgCost.Equal(d(100)) {
		t.Fatalf("avg cost = %s, want 100", avgCost)
	}

	held, err := svc.HeldQuantity(ctx, "acc-1", "VTI")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held != 6 {
		t.Fatalf("held = %d, want 6", held)
	}

	// Removing the rest deletes the position entirely.
	if _, err := svc.Remove(ctx, "acc-1", "VTI", 6); err != nil {
		t.Fatalf("remove rest: %v", err)
	}
	held, err = svc.HeldQuantity(ctx, "acc-1", "VTI")
	if err != nil {
		t.Fatalf("held after delete: %v", err)
	}
	if held != 0 {
		t.Fatalf("held = %d, want 0", held)
	}
	holdings, err := svc.List(ctx, "acc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(holdings) != 0 {
		t.Fatalf("expected empty holdings, got %d", len(holdings))
	}
}

func TestRemoveInsufficientSharesLeavesHoldingUntouched(t *testing.T) {
	svc := portfolio.NewService(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Add(ctx, "acc-1", "alice", "VTI", 5, d(100)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Remove(ctx, "acc-1", "VTI", 6); !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	held, _ := svc.HeldQuantity(ctx, "acc-1", "VTI")
	if held != 5 {
		t.Fatalf("held changed on failed remove: %d", held)
	}

	// No position at all behaves the same.
	if _, err := svc.Remove(ctx, "acc-1", "BND", 1); !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares for missing symbol, got %v", err)
	}
}

func TestHeldQuantityMissingIsZero(t *testing.T) {
	svc := portfolio.NewService(store.NewMemoryStore())

	held, err := svc.HeldQuantity(context.Background(), "acc-1", "VTI")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held != 0 {
		t.Fatalf("held = %d, want 0", held)
	}
}
