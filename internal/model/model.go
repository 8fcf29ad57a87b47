// Package model defines the core domain types shared across the batch engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole shares and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// OrderIntention statuses.
const (
	IntentionPending         = "pending"
	IntentionAggregated      = "aggregated"
	IntentionFilled          = "filled"
	IntentionPartiallyFilled = "partially_filled"
	IntentionRejected        = "rejected"
	IntentionCancelled       = "cancelled"
)

// AggregatedOrder statuses.
const (
	AggOrderPending = "pending"
	AggOrderFilled  = "filled"
	AggOrderPartial = "partial"
	AggOrderFailed  = "failed"
	AggOrderUnknown = "unknown" // placed but never confirmed; reconciled out-of-band
)

// BatchExecution statuses.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
)

// CashTransaction types, one per ledger mutation.
const (
	TxReserve       = "reserve"
	TxSettleBuy     = "settle_buy"
	TxReleaseCash   = "release"
	TxCreditSell    = "credit_sell"
	TxAdminAllocate = "admin_allocate"
	TxFreeze        = "freeze"
)

// VirtualAccount is one user's slice of the single real brokerage account.
// The central invariant, held before and after every ledger operation:
//
//	AssignedCash = ReservedCash + AvailableCash
//
// Accounts are never deleted, only deactivated. A frozen account is one
// whose settlement overran its reservation buffer; it requires manual
// admin review before further trading.
type VirtualAccount struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	Name          string          `json:"name" db:"name"`
	AssignedCash  decimal.Decimal `json:"assigned_cash" db:"assigned_cash"`
	ReservedCash  decimal.Decimal `json:"reserved_cash" db:"reserved_cash"`
	AvailableCash decimal.Decimal `json:"available_cash" db:"available_cash"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	IsFrozen      bool            `json:"is_frozen" db:"is_frozen"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// OrderIntention is one user's desire to trade, awaiting the daily batch.
type OrderIntention struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	ContractID     string          `json:"contract_id" db:"contract_id"`
	Side           string          `json:"side" db:"side"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	OrderType      string          `json:"order_type" db:"order_type"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"` // zero for market orders
	EstimatedPrice decimal.Decimal `json:"estimated_price" db:"estimated_price"`
	EstimatedValue decimal.Decimal `json:"estimated_value" db:"estimated_value"`
	ReservedAmount decimal.Decimal `json:"reserved_amount" db:"reserved_amount"` // BUY only, includes buffer
	Status         string          `json:"status" db:"status"`
	Message        string          `json:"message" db:"message"` // rejection reason, if any
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// AggregatedOrder is the single net order for one (batch, symbol, side)
// group. Never mutated after reaching a terminal fill state.
type AggregatedOrder struct {
	ID            string          `json:"id" db:"id"`
	BatchID       string          `json:"batch_id" db:"batch_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	ContractID    string          `json:"contract_id" db:"contract_id"`
	Side          string          `json:"side" db:"side"`
	TotalQuantity int64           `json:"total_quantity" db:"total_quantity"`
	IntentionIDs  []string        `json:"intention_ids" db:"intention_ids"`
	Status        string          `json:"status" db:"status"`
	BrokerOrderID string          `json:"broker_order_id" db:"broker_order_id"`
	FilledQty     int64           `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	Message       string          `json:"message" db:"message"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// FillAllocation is the pro-rata split of one aggregated order's fill
// across one contributing intention. Immutable once created except for
// two progress flags: CashSettled flips after the ledger settlement,
// AppliedToPortfolio after the holdings update. A reconciliation pass
// retries from whichever step is still pending, so application is
// idempotent end to end.
type FillAllocation struct {
	ID                 string          `json:"id" db:"id"`
	AggregatedOrderID  string          `json:"aggregated_order_id" db:"aggregated_order_id"`
	IntentionID        string          `json:"intention_id" db:"intention_id"`
	AccountID          string          `json:"account_id" db:"account_id"`
	RequestedQty       int64           `json:"requested_qty" db:"requested_qty"`
	AllocatedQty       int64           `json:"allocated_qty" db:"allocated_qty"`
	AllocationPct      decimal.Decimal `json:"allocation_pct" db:"allocation_pct"`
	FillPrice          decimal.Decimal `json:"fill_price" db:"fill_price"`
	TotalCost          decimal.Decimal `json:"total_cost" db:"total_cost"`
	CashSettled        bool            `json:"cash_settled" db:"cash_settled"`
	AppliedToPortfolio bool            `json:"applied_to_portfolio" db:"applied_to_portfolio"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// BatchExecution records one daily batch run.
type BatchExecution struct {
	ID              string          `json:"id" db:"id"`
	Status          string          `json:"status" db:"status"`
	ScheduledAt     time.Time       `json:"scheduled_at" db:"scheduled_at"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     time.Time       `json:"completed_at" db:"completed_at"`
	IntentionCount  int             `json:"intention_count" db:"intention_count"`
	OrderCount      int             `json:"order_count" db:"order_count"`
	UserCount       int             `json:"user_count" db:"user_count"`
	TotalValue      decimal.Decimal `json:"total_value" db:"total_value"`
	Message         string          `json:"message" db:"message"`
}

// Holding is one account's position in one symbol, with weighted-average
// cost basis. Deleted when quantity reaches zero.
type Holding struct {
	AccountID string          `json:"account_id" db:"account_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CashTransaction is an immutable audit record of one ledger mutation.
// The ledger can be reconstructed by replaying these in order.
type CashTransaction struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Type           string          `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	AvailableAfter decimal.Decimal `json:"available_after" db:"available_after"`
	ReservedAfter  decimal.Decimal `json:"reserved_after" db:"reserved_after"`
	Reference      string          `json:"reference" db:"reference"` // intention or order id
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// PendingSummary aggregates pending intentions for one symbol.
type PendingSummary struct {
	Symbol         string          `json:"symbol"`
	BuyQuantity    int64           `json:"buy_quantity"`
	SellQuantity   int64           `json:"sell_quantity"`
	NetQuantity    int64           `json:"net_quantity"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
}
