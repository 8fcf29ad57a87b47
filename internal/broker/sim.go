package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
)

// SimBroker is an in-process broker used for development and tests.
// Fill behavior is configurable per symbol: full fill at a set price by
// default, partial fills or rejections on demand.
type SimBroker struct {
	mu        sync.Mutex
	connected bool
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal // symbol → fill price
	fillRatio map[string]int64           // symbol → percent filled (0-100), default 100
	rejects   map[string]string          // symbol → rejection message
	placed    map[string]*OrderResult    // correlationID → result
}

// NewSimBroker creates a connected simulated broker with the given real
// account cash balance.
func NewSimBroker(cash decimal.Decimal) *SimBroker {
	return &SimBroker{
		connected: true,
		cash:      cash,
		prices:    make(map[string]decimal.Decimal),
		fillRatio: make(map[string]int64),
		rejects:   make(map[string]string),
		placed:    make(map[string]*OrderResult),
	}
}

// SetConnected toggles the simulated connection state.
func (b *SimBroker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// SetPrice sets the fill price for a symbol.
func (b *SimBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetFillRatio sets the percentage (0-100) of requested quantity the
// broker will fill for a symbol.
func (b *SimBroker) SetFillRatio(symbol string, pct int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillRatio[symbol] = pct
}

// SetReject makes orders for a symbol fail with the given message.
func (b *SimBroker) SetReject(symbol, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[symbol] = message
}

func (b *SimBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, model.ErrNotConnected
	}
	if msg, ok := b.rejects[req.Symbol]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBrokerRejected, msg)
	}

	price, ok := b.prices[req.Symbol]
	if !ok {
		price = req.LimitPrice
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: no market for %s", model.ErrBrokerRejected, req.Symbol)
	}

	filled := req.Quantity
	if pct, ok := b.fillRatio[req.Symbol]; ok {
		filled = req.Quantity * pct / 100
	}

	result := &OrderResult{
		OrderID:      uuid.New().String(),
		FilledQty:    filled,
		AvgFillPrice: price,
	}
	b.placed[req.CorrelationID] = result
	return result, nil
}

func (b *SimBroker) OrderStatus(_ context.Context, correlationID string) (*OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, ok := b.placed[correlationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return result, nil
}

func (b *SimBroker) AccountValues(_ context.Context) (*AccountValues, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, model.ErrNotConnected
	}
	return &AccountValues{
		AvailableFunds: b.cash,
		CashBalance:    b.cash,
	}, nil
}
