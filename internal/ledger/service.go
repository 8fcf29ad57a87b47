// Package ledger manages virtual accounts and their cash state machine.
//
// Every balance mutation is delegated to one atomic store call, so cash
// correctness never depends on in-process locking. The invariant
// assigned = reserved + available holds before and after every
// operation; see the store's cash procedures.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/store"
)

// Service is the cash ledger and virtual account manager.
type Service struct {
	store  store.Store
	broker broker.Client
}

// NewService creates a ledger service. The broker client is used only to
// read real account cash when validating admin allocations.
func NewService(st store.Store, bk broker.Client) *Service {
	return &Service{store: st, broker: bk}
}

// CreateAccount creates a new, empty virtual account for an owner.
// Cash arrives later through AdminAllocate.
func (s *Service) CreateAccount(ctx context.Context, ownerID, name string) (*model.VirtualAccount, error) {
	if ownerID == "" {
		return nil, &model.ValidationError{Message: "owner_id is required"}
	}
	if name == "" {
		return nil, &model.ValidationError{Message: "name is required"}
	}

	a := &model.VirtualAccount{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Name:          name,
		AssignedCash:  decimal.Zero,
		ReservedCash:  decimal.Zero,
		AvailableCash: decimal.Zero,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	slog.Info("account created", "id", a.ID, "owner", ownerID, "name", name)
	return a, nil
}

// GetAccount retrieves one account.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.VirtualAccount, error) {
	return s.store.GetAccount(ctx, id)
}

// ListAccounts returns all accounts when ownerID is empty (admin view),
// otherwise the owner's accounts.
func (s *Service) ListAccounts(ctx context.Context, ownerID string) ([]model.VirtualAccount, error) {
	if ownerID == "" {
		return s.store.ListAccounts(ctx)
	}
	return s.store.ListAccountsByOwner(ctx, ownerID)
}

// Deactivate marks an account inactive. Accounts are never deleted.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetAccountActive(ctx, id, false); err != nil {
		return err
	}
	slog.Info("account deactivated", "id", id)
	return nil
}

// checkTradable rejects operations on inactive or frozen accounts.
func (s *Service) checkTradable(ctx context.Context, accountID string) error {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !a.IsActive {
		return model.ErrAccountInactive
	}
	if a.IsFrozen {
		return model.ErrAccountFrozen
	}
	return nil
}

// Reserve earmarks cash for a pending BUY intention.
func (s *Service) Reserve(ctx context.Context, accountID string, amount decimal.Decimal, ref string) error {
	if err := s.checkTradable(ctx, accountID); err != nil {
		return err
	}
	a, err := s.store.ReserveCash(ctx, accountID, amount, ref)
	if err != nil {
		return err
	}
	slog.Info("cash reserved",
		"account", accountID,
		"amount", amount.String(),
		"available", a.AvailableCash.String(),
		"ref", ref,
	)
	return nil
}

// SettleBuy consumes a reservation against the actual fill cost. The
// account may come back frozen if the fill overran the buffer; that is a
// safety fallback for manual review, not an error.
func (s *Service) SettleBuy(ctx context.Context, accountID string, reservedAmount, actualCost decimal.Decimal, ref string) error {
	a, err := s.store.SettleBuyCash(ctx, accountID, reservedAmount, actualCost, ref)
	if err != nil {
		return fmt.Errorf("settle buy %s: %w", accountID, err)
	}
	if a.IsFrozen {
		metrics.FrozenAccounts.Inc()
		slog.Warn("account frozen on settlement overrun",
			"account", accountID,
			"reserved", reservedAmount.String(),
			"cost", actualCost.String(),
			"ref", ref,
		)
	}
	return nil
}

// Release returns an unused BUY reservation to available cash. Callers
// track releases by intention id to avoid double-release.
func (s *Service) Release(ctx context.Context, accountID string, amount decimal.Decimal, ref string) error {
	if _, err := s.store.ReleaseReservedCash(ctx, accountID, amount, ref); err != nil {
		return fmt.Errorf("release reservation %s: %w", accountID, err)
	}
	slog.Info("reservation released", "account", accountID, "amount", amount.String(), "ref", ref)
	return nil
}

// Freeze marks an account frozen for manual review. Called when a
// compensating release fails: the cash is stuck in reserved and no
// automated path can recover it, so the account must stop trading
// until an operator reconciles it against the audit trail.
func (s *Service) Freeze(ctx context.Context, accountID string, amount decimal.Decimal, ref string) error {
	if _, err := s.store.FreezeAccount(ctx, accountID, amount, ref); err != nil {
		return fmt.Errorf("freeze account %s: %w", accountID, err)
	}
	metrics.FrozenAccounts.Inc()
	slog.Warn("account frozen, manual reconciliation required",
		"account", accountID,
		"amount", amount.String(),
		"ref", ref,
	)
	return nil
}

// CreditSell adds sale proceeds to the account.
func (s *Service) CreditSell(ctx context.Context, accountID string, proceeds decimal.Decimal, ref string) error {
	if _, err := s.store.CreditSellProceeds(ctx, accountID, proceeds, ref); err != nil {
		return fmt.Errorf("credit sell %s: %w", accountID, err)
	}
	return nil
}

// AdminAllocate adjusts an account's assigned cash by delta. The global
// ceiling is re-read from the broker at call time: total virtual cash
// across all accounts must never exceed the real account's cash balance.
func (s *Service) AdminAllocate(ctx context.Context, accountID string, delta decimal.Decimal) (*model.VirtualAccount, error) {
	if delta.IsZero() {
		return nil, &model.ValidationError{Message: "delta must be non-zero"}
	}

	values, err := s.broker.AccountValues(ctx)
	if err != nil {
		return nil, fmt.Errorf("read broker cash: %w", err)
	}

	a, err := s.store.AdminAllocateCash(ctx, accountID, delta, values.CashBalance, "admin")
	if err != nil {
		return nil, err
	}

	slog.Info("cash allocated",
		"account", accountID,
		"delta", delta.String(),
		"assigned", a.AssignedCash.String(),
		"ceiling", values.CashBalance.String(),
	)
	return a, nil
}

// Transactions returns the append-only cash audit trail for an account.
func (s *Service) Transactions(ctx context.Context, accountID string) ([]model.CashTransaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID)
}
