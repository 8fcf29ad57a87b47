package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex serializes all mutations, which gives the same
// per-account atomicity the PostgreSQL row lock provides.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.VirtualAccount
	intentions   map[string]*model.OrderIntention
	aggOrders    map[string]*model.AggregatedOrder
	allocations  map[string]*model.FillAllocation
	batches      map[string]*model.BatchExecution
	holdings     map[string]*model.Holding // accountID|symbol
	transactions []model.CashTransaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.VirtualAccount),
		intentions:  make(map[string]*model.OrderIntention),
		aggOrders:   make(map[string]*model.AggregatedOrder),
		allocations: make(map[string]*model.FillAllocation),
		batches:     make(map[string]*model.BatchExecution),
		holdings:    make(map[string]*model.Holding),
	}
}

func holdingKey(accountID, symbol string) string {
	return accountID + "|" + symbol
}

// --- Virtual accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.VirtualAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.VirtualAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.VirtualAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.VirtualAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAccountsByOwner(_ context.Context, ownerID string) ([]model.VirtualAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.VirtualAccount
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	a.IsActive = active
	return nil
}

// --- Atomic cash procedures ---

// appendTx records a cash transaction. Caller must hold the write lock.
func (s *MemoryStore) appendTx(a *model.VirtualAccount, txType string, amount decimal.Decimal, ref string) {
	s.transactions = append(s.transactions, model.CashTransaction{
		ID:             uuid.New().String(),
		AccountID:      a.ID,
		Type:           txType,
		Amount:         amount,
		AvailableAfter: a.AvailableCash,
		ReservedAfter:  a.ReservedCash,
		Reference:      ref,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *MemoryStore) ReserveCash(_ context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	if amount.GreaterThan(a.AvailableCash) {
		return nil, model.ErrInsufficientFunds
	}
	a.AvailableCash = a.AvailableCash.Sub(amount)
	a.ReservedCash = a.ReservedCash.Add(amount)
	s.appendTx(a, model.TxReserve, amount, ref)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SettleBuyCash(_ context.Context, accountID string, reservedAmount, actualCost decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}

	a.ReservedCash = a.ReservedCash.Sub(reservedAmount)
	a.AvailableCash = a.AvailableCash.Add(reservedAmount).Sub(actualCost)
	a.AssignedCash = a.AssignedCash.Sub(actualCost)
	s.appendTx(a, model.TxSettleBuy, actualCost, ref)

	// Safety fallback: a fill overran the reservation buffer beyond the
	// remaining available cash. Freeze for manual review instead of
	// letting available go negative; the deficit is written back onto
	// assigned so the invariant assigned = reserved + available holds.
	if a.AvailableCash.IsNegative() {
		deficit := a.AvailableCash.Neg()
		a.AvailableCash = decimal.Zero
		a.AssignedCash = a.AssignedCash.Add(deficit)
		a.IsFrozen = true
		s.appendTx(a, model.TxFreeze, deficit, ref)
	}

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ReleaseReservedCash(_ context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	a.ReservedCash = a.ReservedCash.Sub(amount)
	a.AvailableCash = a.AvailableCash.Add(amount)
	s.appendTx(a, model.TxReleaseCash, amount, ref)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreditSellProceeds(_ context.Context, accountID string, proceeds decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	a.AvailableCash = a.AvailableCash.Add(proceeds)
	a.AssignedCash = a.AssignedCash.Add(proceeds)
	s.appendTx(a, model.TxCreditSell, proceeds, ref)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FreezeAccount(_ context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	a.IsFrozen = true
	s.appendTx(a, model.TxFreeze, amount, ref)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AdminAllocateCash(_ context.Context, accountID string, delta, ceiling decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}

	if delta.IsPositive() {
		total := decimal.Zero
		for _, acc := range s.accounts {
			total = total.Add(acc.AssignedCash)
		}
		if total.Add(delta).GreaterThan(ceiling) {
			return nil, model.ErrCeilingExceeded
		}
	} else if delta.Neg().GreaterThan(a.AvailableCash) {
		return nil, model.ErrInsufficientFunds
	}

	a.AssignedCash = a.AssignedCash.Add(delta)
	a.AvailableCash = a.AvailableCash.Add(delta)
	s.appendTx(a, model.TxAdminAllocate, delta, ref)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SumAssignedCash(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.AssignedCash)
	}
	return total, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string) ([]model.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CashTransaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// --- Order intentions ---

func (s *MemoryStore) CreateIntention(_ context.Context, in *model.OrderIntention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intentions[in.ID]; exists {
		return fmt.Errorf("intention %s already exists", in.ID)
	}
	cp := *in
	s.intentions[in.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIntention(_ context.Context, id string) (*model.OrderIntention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intentions[id]
	if !ok {
		return nil, fmt.Errorf("intention %s: %w", id, model.ErrNotFound)
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) ListIntentionsByUser(_ context.Context, userID, status string) ([]model.OrderIntention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderIntention
	for _, in := range s.intentions {
		if in.UserID != userID {
			continue
		}
		if status != "" && in.Status != status {
			continue
		}
		out = append(out, *in)
	}
	sortIntentions(out)
	return out, nil
}

func (s *MemoryStore) ListPendingIntentions(_ context.Context) ([]model.OrderIntention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderIntention
	for _, in := range s.intentions {
		if in.Status == model.IntentionPending {
			out = append(out, *in)
		}
	}
	sortIntentions(out)
	return out, nil
}

// sortIntentions orders by (created_at, id) for deterministic batching.
func sortIntentions(ins []model.OrderIntention) {
	sort.Slice(ins, func(i, j int) bool {
		if !ins[i].CreatedAt.Equal(ins[j].CreatedAt) {
			return ins[i].CreatedAt.Before(ins[j].CreatedAt)
		}
		return ins[i].ID < ins[j].ID
	})
}

func (s *MemoryStore) UpdateIntentionStatus(_ context.Context, id, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intentions[id]
	if !ok {
		return fmt.Errorf("intention %s: %w", id, model.ErrNotFound)
	}
	in.Status = status
	if message != "" {
		in.Message = message
	}
	return nil
}

// --- Aggregated orders ---

func (s *MemoryStore) CreateAggregatedOrder(_ context.Context, o *model.AggregatedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	cp.IntentionIDs = append([]string(nil), o.IntentionIDs...)
	s.aggOrders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateAggregatedOrderResult(_ context.Context, id, status, brokerOrderID string, filledQty int64, avgFillPrice decimal.Decimal, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.aggOrders[id]
	if !ok {
		return fmt.Errorf("aggregated order %s: %w", id, model.ErrNotFound)
	}
	o.Status = status
	o.BrokerOrderID = brokerOrderID
	o.FilledQty = filledQty
	o.AvgFillPrice = avgFillPrice
	o.Message = message
	return nil
}

func (s *MemoryStore) ListAggregatedOrdersByBatch(_ context.Context, batchID string) ([]model.AggregatedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AggregatedOrder
	for _, o := range s.aggOrders {
		if o.BatchID == batchID {
			cp := *o
			cp.IntentionIDs = append([]string(nil), o.IntentionIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListAggregatedOrdersByStatus(_ context.Context, status string) ([]model.AggregatedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AggregatedOrder
	for _, o := range s.aggOrders {
		if o.Status == status {
			cp := *o
			cp.IntentionIDs = append([]string(nil), o.IntentionIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Fill allocations ---

func (s *MemoryStore) CreateAllocation(_ context.Context, a *model.FillAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.allocations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkAllocationCashSettled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return fmt.Errorf("allocation %s: %w", id, model.ErrNotFound)
	}
	a.CashSettled = true
	return nil
}

func (s *MemoryStore) MarkAllocationApplied(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return fmt.Errorf("allocation %s: %w", id, model.ErrNotFound)
	}
	a.AppliedToPortfolio = true
	return nil
}

func (s *MemoryStore) ListAllocationsByOrder(_ context.Context, aggOrderID string) ([]model.FillAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FillAllocation
	for _, a := range s.allocations {
		if a.AggregatedOrderID == aggOrderID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListUnappliedAllocations(_ context.Context) ([]model.FillAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FillAllocation
	for _, a := range s.allocations {
		if !a.AppliedToPortfolio {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Batch executions ---

func (s *MemoryStore) CreateBatch(_ context.Context, b *model.BatchExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateBatch(_ context.Context, b *model.BatchExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, model.ErrNotFound)
	}
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.BatchExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(_ context.Context) ([]model.BatchExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BatchExecution, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

// --- Holdings ---

func (s *MemoryStore) AddHolding(_ context.Context, accountID, userID, symbol string, qty int64, costBasis decimal.Decimal) (*model.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := holdingKey(accountID, symbol)
	h, ok := s.holdings[key]
	if !ok {
		h = &model.Holding{
			AccountID: accountID,
			UserID:    userID,
			Symbol:    symbol,
			Quantity:  qty,
			AvgCost:   costBasis,
			UpdatedAt: time.Now().UTC(),
		}
		s.holdings[key] = h
		cp := *h
		return &cp, nil
	}

	// Weighted-average cost basis recompute.
	oldQty := decimal.NewFromInt(h.Quantity)
	addQty := decimal.NewFromInt(qty)
	h.AvgCost = oldQty.Mul(h.AvgCost).Add(addQty.Mul(costBasis)).Div(oldQty.Add(addQty))
	h.Quantity += qty
	h.UpdatedAt = time.Now().UTC()
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) RemoveHolding(_ context.Context, accountID, symbol string, qty int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := holdingKey(accountID, symbol)
	h, ok := s.holdings[key]
	if !ok || qty > h.Quantity {
		return decimal.Zero, model.ErrInsufficientShares
	}

	avgCost := h.AvgCost
	h.Quantity -= qty
	h.UpdatedAt = time.Now().UTC()
	if h.Quantity == 0 {
		delete(s.holdings, key)
	}
	return avgCost, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, accountID, symbol string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(accountID, symbol)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", accountID, symbol, model.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldingsByAccount(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for _, h := range s.holdings {
		if h.AccountID == accountID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
