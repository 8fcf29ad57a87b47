package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: account balances and holdings, which the
// frontend polls. Cash and holding writes go to the primary store and
// invalidate the cache. Ledger correctness never depends on the cache;
// the atomic cash procedures always run against the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func accountKey(id string) string  { return fmt.Sprintf("account:%s", id) }
func holdingsKey(id string) string { return fmt.Sprintf("holdings:%s", id) }

// --- Accounts (read-through) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.VirtualAccount) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.VirtualAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.VirtualAccount
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	if err := s.primary.SetAccountActive(ctx, id, active); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(id))
	return nil
}

// --- Cash procedures (write to primary, refresh cache from result) ---

func (s *CachedStore) ReserveCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.ReserveCash(ctx, accountID, amount, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) SettleBuyCash(ctx context.Context, accountID string, reservedAmount, actualCost decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.SettleBuyCash(ctx, accountID, reservedAmount, actualCost, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ReleaseReservedCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.ReleaseReservedCash(ctx, accountID, amount, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) CreditSellProceeds(ctx context.Context, accountID string, proceeds decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.CreditSellProceeds(ctx, accountID, proceeds, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) FreezeAccount(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.FreezeAccount(ctx, accountID, amount, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) AdminAllocateCash(ctx context.Context, accountID string, delta, ceiling decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	a, err := s.primary.AdminAllocateCash(ctx, accountID, delta, ceiling, ref)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

// --- Holdings (read-through per account) ---

func (s *CachedStore) AddHolding(ctx context.Context, accountID, userID, symbol string, qty int64, costBasis decimal.Decimal) (*model.Holding, error) {
	h, err := s.primary.AddHolding(ctx, accountID, userID, symbol, qty, costBasis)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, holdingsKey(accountID))
	return h, nil
}

func (s *CachedStore) RemoveHolding(ctx context.Context, accountID, symbol string, qty int64) (decimal.Decimal, error) {
	avgCost, err := s.primary.RemoveHolding(ctx, accountID, symbol, qty)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Del(ctx, holdingsKey(accountID))
	return avgCost, nil
}

func (s *CachedStore) ListHoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(accountID)).Bytes()
	if err == nil {
		var holdings []model.Holding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.primary.ListHoldingsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(accountID), data, s.ttl)
	}
	return holdings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.VirtualAccount, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.VirtualAccount, error) {
	return s.primary.ListAccountsByOwner(ctx, ownerID)
}

func (s *CachedStore) SumAssignedCash(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.SumAssignedCash(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID string) ([]model.CashTransaction, error) {
	return s.primary.ListTransactions(ctx, accountID)
}

func (s *CachedStore) CreateIntention(ctx context.Context, in *model.OrderIntention) error {
	return s.primary.CreateIntention(ctx, in)
}

func (s *CachedStore) GetIntention(ctx context.Context, id string) (*model.OrderIntention, error) {
	return s.primary.GetIntention(ctx, id)
}

func (s *CachedStore) ListIntentionsByUser(ctx context.Context, userID, status string) ([]model.OrderIntention, error) {
	return s.primary.ListIntentionsByUser(ctx, userID, status)
}

func (s *CachedStore) ListPendingIntentions(ctx context.Context) ([]model.OrderIntention, error) {
	return s.primary.ListPendingIntentions(ctx)
}

func (s *CachedStore) UpdateIntentionStatus(ctx context.Context, id, status, message string) error {
	return s.primary.UpdateIntentionStatus(ctx, id, status, message)
}

func (s *CachedStore) CreateAggregatedOrder(ctx context.Context, o *model.AggregatedOrder) error {
	return s.primary.CreateAggregatedOrder(ctx, o)
}

func (s *CachedStore) UpdateAggregatedOrderResult(ctx context.Context, id, status, brokerOrderID string, filledQty int64, avgFillPrice decimal.Decimal, message string) error {
	return s.primary.UpdateAggregatedOrderResult(ctx, id, status, brokerOrderID, filledQty, avgFillPrice, message)
}

func (s *CachedStore) ListAggregatedOrdersByBatch(ctx context.Context, batchID string) ([]model.AggregatedOrder, error) {
	return s.primary.ListAggregatedOrdersByBatch(ctx, batchID)
}

func (s *CachedStore) ListAggregatedOrdersByStatus(ctx context.Context, status string) ([]model.AggregatedOrder, error) {
	return s.primary.ListAggregatedOrdersByStatus(ctx, status)
}

func (s *CachedStore) CreateAllocation(ctx context.Context, a *model.FillAllocation) error {
	return s.primary.CreateAllocation(ctx, a)
}

func (s *CachedStore) MarkAllocationCashSettled(ctx context.Context, id string) error {
	return s.primary.MarkAllocationCashSettled(ctx, id)
}

func (s *CachedStore) MarkAllocationApplied(ctx context.Context, id string) error {
	return s.primary.MarkAllocationApplied(ctx, id)
}

func (s *CachedStore) ListAllocationsByOrder(ctx context.Context, aggOrderID string) ([]model.FillAllocation, error) {
	return s.primary.ListAllocationsByOrder(ctx, aggOrderID)
}

func (s *CachedStore) ListUnappliedAllocations(ctx context.Context) ([]model.FillAllocation, error) {
	return s.primary.ListUnappliedAllocations(ctx)
}

func (s *CachedStore) CreateBatch(ctx context.Context, b *model.BatchExecution) error {
	return s.primary.CreateBatch(ctx, b)
}

func (s *CachedStore) UpdateBatch(ctx context.Context, b *model.BatchExecution) error {
	return s.primary.UpdateBatch(ctx, b)
}

func (s *CachedStore) GetBatch(ctx context.Context, id string) (*model.BatchExecution, error) {
	return s.primary.GetBatch(ctx, id)
}

func (s *CachedStore) ListBatches(ctx context.Context) ([]model.BatchExecution, error) {
	return s.primary.ListBatches(ctx)
}

func (s *CachedStore) GetHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, accountID, symbol)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.VirtualAccount) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
	}
}
