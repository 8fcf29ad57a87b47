// Package store defines the persistence interface for the batch engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for summary reads), and in-memory (for testing).
//
// Every cash mutation is a single atomic store call scoped to one virtual
// account row. Application code never does read-modify-write across two
// calls; PostgreSQL serializes concurrent callers with a row lock, the
// in-memory store with a mutex.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Virtual accounts ---

	// CreateAccount persists a new virtual account.
	CreateAccount(ctx context.Context, a *model.VirtualAccount) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.VirtualAccount, error)

	// ListAccounts returns all accounts (admin view).
	ListAccounts(ctx context.Context) ([]model.VirtualAccount, error)

	// ListAccountsByOwner returns the accounts owned by one user.
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.VirtualAccount, error)

	// SetAccountActive activates or deactivates an account.
	SetAccountActive(ctx context.Context, id string, active bool) error

	// --- Atomic cash procedures ---
	//
	// Each call is one serialized mutation of a single account row and
	// appends a CashTransaction in the same unit of work. The returned
	// account reflects the post-mutation balances.

	// ReserveCash earmarks cash for a pending BUY. Fails with
	// model.ErrInsufficientFunds if amount exceeds available cash.
	ReserveCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// SettleBuyCash consumes a reservation against the actual fill cost.
	// If the cost overruns the reservation by more than the remaining
	// available cash, the account is frozen and the deficit is deducted
	// from assigned cash so the ledger invariant still holds.
	SettleBuyCash(ctx context.Context, accountID string, reservedAmount, actualCost decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// ReleaseReservedCash returns an unused reservation to available cash.
	ReleaseReservedCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// CreditSellProceeds adds sale proceeds to assigned and available cash.
	CreditSellProceeds(ctx context.Context, accountID string, proceeds decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// FreezeAccount marks an account frozen for manual review and
	// appends a freeze record to the audit trail. Used when a
	// compensating release fails and cash would otherwise be silently
	// stuck in reserved.
	FreezeAccount(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// AdminAllocateCash adjusts assigned and available cash by delta.
	// Fails with model.ErrCeilingExceeded if the resulting total assigned
	// across all accounts would exceed ceiling, or with
	// model.ErrInsufficientFunds if a withdrawal exceeds available cash.
	AdminAllocateCash(ctx context.Context, accountID string, delta, ceiling decimal.Decimal, ref string) (*model.VirtualAccount, error)

	// SumAssignedCash returns total assigned cash across all accounts.
	SumAssignedCash(ctx context.Context) (decimal.Decimal, error)

	// ListTransactions returns the append-only cash audit trail for an
	// account, oldest first.
	ListTransactions(ctx context.Context, accountID string) ([]model.CashTransaction, error)

	// --- Order intentions ---

	// CreateIntention persists a new intention.
	CreateIntention(ctx context.Context, in *model.OrderIntention) error

	// GetIntention retrieves an intention by ID.
	GetIntention(ctx context.Context, id string) (*model.OrderIntention, error)

	// ListIntentionsByUser returns a user's intentions, optionally
	// filtered by status. Ordered by submission time.
	ListIntentionsByUser(ctx context.Context, userID, status string) ([]model.OrderIntention, error)

	// ListPendingIntentions returns all pending intentions across users,
	// ordered deterministically by (created_at, id).
	ListPendingIntentions(ctx context.Context) ([]model.OrderIntention, error)

	// UpdateIntentionStatus transitions an intention and records a message.
	UpdateIntentionStatus(ctx context.Context, id, status, message string) error

	// --- Aggregated orders ---

	// CreateAggregatedOrder persists a new aggregated order.
	CreateAggregatedOrder(ctx context.Context, o *model.AggregatedOrder) error

	// UpdateAggregatedOrderResult records the broker execution outcome.
	UpdateAggregatedOrderResult(ctx context.Context, id, status, brokerOrderID string, filledQty int64, avgFillPrice decimal.Decimal, message string) error

	// ListAggregatedOrdersByBatch returns the orders of one batch run.
	ListAggregatedOrdersByBatch(ctx context.Context, batchID string) ([]model.AggregatedOrder, error)

	// ListAggregatedOrdersByStatus returns orders in one status, used by
	// the reconciler to find unknown-outcome orders.
	ListAggregatedOrdersByStatus(ctx context.Context, status string) ([]model.AggregatedOrder, error)

	// --- Fill allocations ---

	// CreateAllocation persists an immutable allocation record.
	CreateAllocation(ctx context.Context, a *model.FillAllocation) error

	// MarkAllocationCashSettled flips cash_settled to true.
	MarkAllocationCashSettled(ctx context.Context, id string) error

	// MarkAllocationApplied flips applied_to_portfolio to true.
	MarkAllocationApplied(ctx context.Context, id string) error

	// ListAllocationsByOrder returns the allocations of one aggregated order.
	ListAllocationsByOrder(ctx context.Context, aggOrderID string) ([]model.FillAllocation, error)

	// ListUnappliedAllocations returns allocations awaiting settlement
	// retry by the reconciler.
	ListUnappliedAllocations(ctx context.Context) ([]model.FillAllocation, error)

	// --- Batch executions ---

	// CreateBatch persists a new batch execution record.
	CreateBatch(ctx context.Context, b *model.BatchExecution) error

	// UpdateBatch updates a batch execution's status and counters.
	UpdateBatch(ctx context.Context, b *model.BatchExecution) error

	// GetBatch retrieves a batch execution by ID.
	GetBatch(ctx context.Context, id string) (*model.BatchExecution, error)

	// ListBatches returns batch history, newest first.
	ListBatches(ctx context.Context) ([]model.BatchExecution, error)

	// --- Holdings ---

	// AddHolding adds shares at a cost basis, recomputing the weighted
	// average atomically. Creates the holding if absent.
	AddHolding(ctx context.Context, accountID, userID, symbol string, qty int64, costBasis decimal.Decimal) (*model.Holding, error)

	// RemoveHolding removes shares, deleting the row at zero. Fails with
	// model.ErrInsufficientShares without touching the holding. Returns
	// the average cost basis of the removed shares.
	RemoveHolding(ctx context.Context, accountID, symbol string, qty int64) (decimal.Decimal, error)

	// GetHolding retrieves one holding.
	GetHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error)

	// ListHoldingsByAccount returns all holdings of one account.
	ListHoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error)
}
