// Package broker defines the client contract for the real brokerage
// gateway and provides a simulated implementation for development and
// testing. The gateway itself (order routing, session management) lives
// outside this service.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest is one net order to place with the broker.
type OrderRequest struct {
	CorrelationID string // client-assigned id, used to reconcile unknown outcomes
	ContractID    string
	Symbol        string
	Side          string // model.SideBuy or model.SideSell
	Quantity      int64
	OrderType     string // model.OrderTypeMarket or model.OrderTypeLimit
	LimitPrice    decimal.Decimal
}

// OrderResult is the broker's execution report for one order.
type OrderResult struct {
	OrderID      string
	FilledQty    int64
	AvgFillPrice decimal.Decimal
}

// AccountValues is a snapshot of the real brokerage account.
type AccountValues struct {
	AvailableFunds decimal.Decimal
	CashBalance    decimal.Decimal
}

// Client is the brokerage gateway contract. Implementations are not
// assumed safe for concurrent order submission on one connection; the
// batch executor submits sequentially.
type Client interface {
	// IsConnected reports whether a live broker session exists.
	IsConnected() bool

	// PlaceOrder submits one order and blocks until the broker reports
	// the fill, respecting ctx for the bounded timeout. A ctx deadline
	// means unknown outcome, not failure: the order may still be live.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// OrderStatus looks up an order by the client correlation id,
	// used by the reconciler after an unknown outcome.
	OrderStatus(ctx context.Context, correlationID string) (*OrderResult, error)

	// AccountValues returns a fresh snapshot of real account cash.
	AccountValues(ctx context.Context) (*AccountValues, error)
}
