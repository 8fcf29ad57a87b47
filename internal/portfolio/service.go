// Package portfolio maintains per-account holdings with weighted-average
// cost basis tracking.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/store"
)

// Service manages holdings. Mutations delegate to the store's atomic
// operations; the weighted-average recompute happens under the store's
// per-holding lock.
type Service struct {
	store store.Store
}

// NewService creates a portfolio service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Add adds shares at a cost basis. An existing holding's average cost
// becomes (oldQty*oldCost + qty*costBasis) / (oldQty+qty).
func (s *Service) Add(ctx context.Context, accountID, userID, symbol string, qty int64, costBasis decimal.Decimal) (*model.Holding, error) {
	if qty <= 0 {
		return nil, &model.ValidationError{Message: "quantity must be positive"}
	}
	h, err := s.store.AddHolding(ctx, accountID, userID, symbol, qty, costBasis)
	if err != nil {
		return nil, fmt.Errorf("add holding: %w", err)
	}
	slog.Info("holding added",
		"account", accountID,
		"symbol", symbol,
		"qty", qty,
		"cost_basis", costBasis.String(),
		"avg_cost", h.AvgCost.String(),
	)
	return h, nil
}

// Remove removes shares from a holding and returns the average cost
// basis of the removed shares for P&L reporting. Fails with
// model.ErrInsufficientShares, leaving the holding untouched, if qty
// exceeds the held quantity. The holding row is deleted at zero.
func (s *Service) Remove(ctx context.Context, accountID, symbol string, qty int64) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, &model.ValidationError{Message: "quantity must be positive"}
	}
	avgCost, err := s.store.RemoveHolding(ctx, accountID, symbol, qty)
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("holding removed",
		"account", accountID,
		"symbol", symbol,
		"qty", qty,
		"avg_cost", avgCost.String(),
	)
	return avgCost, nil
}

// HeldQuantity returns the quantity held for one symbol, zero if none.
func (s *Service) HeldQuantity(ctx context.Context, accountID, symbol string) (int64, error) {
	h, err := s.store.GetHolding(ctx, accountID, symbol)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

// List returns all holdings of one account.
func (s *Service) List(ctx context.Context, accountID string) ([]model.Holding, error) {
	return s.store.ListHoldingsByAccount(ctx, accountID)
}
