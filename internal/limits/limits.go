// Package limits enforces per-user daily trading safety limits: a cap on
// the number of intentions submitted per day and a cap on total estimated
// notional value.
//
// These counters are process-local soft limits, not financial ledger
// state, so an in-process mutex is acceptable here. The cash ledger never
// relies on this package for correctness.
package limits

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDailyOrderLimit is returned when a user has already submitted
	// the maximum number of intentions for the day.
	ErrDailyOrderLimit = errors.New("limits: daily order count limit exceeded")

	// ErrDailyValueLimit is returned when an intention would push the
	// user's total estimated value for the day past the maximum.
	ErrDailyValueLimit = errors.New("limits: daily order value limit exceeded")
)

type userDay struct {
	day    string // YYYY-MM-DD in local time
	orders int
	value  decimal.Decimal
}

// DailyLimiter tracks per-user daily order counts and notional value.
type DailyLimiter struct {
	// MaxOrders is the maximum intentions per user per day.
	MaxOrders int

	// MaxValue is the maximum total estimated value per user per day.
	MaxValue decimal.Decimal

	mu    sync.Mutex
	users map[string]*userDay
	now   func() time.Time
}

// NewDailyLimiter creates a limiter with the given per-day caps.
func NewDailyLimiter(maxOrders int, maxValue decimal.Decimal) *DailyLimiter {
	return &DailyLimiter{
		MaxOrders: maxOrders,
		MaxValue:  maxValue,
		users:     make(map[string]*userDay),
		now:       time.Now,
	}
}

// CheckAndRecord validates that one more intention of the given estimated
// value fits within the user's daily caps, and records it if so.
// Counters reset at local midnight.
func (l *DailyLimiter) CheckAndRecord(userID string, estimatedValue decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.now().Format("2006-01-02")
	ud, ok := l.users[userID]
	if !ok || ud.day != today {
		ud = &userDay{day: today}
		l.users[userID] = ud
	}

	if ud.orders+1 > l.MaxOrders {
		return ErrDailyOrderLimit
	}
	if ud.value.Add(estimatedValue).GreaterThan(l.MaxValue) {
		return ErrDailyValueLimit
	}

	ud.orders++
	ud.value = ud.value.Add(estimatedValue)
	return nil
}

// Release undoes one recorded intention, used when a submission fails
// after the limit check (e.g. reservation or persistence failure).
func (l *DailyLimiter) Release(userID string, estimatedValue decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ud, ok := l.users[userID]
	if !ok || ud.day != l.now().Format("2006-01-02") {
		return
	}
	if ud.orders > 0 {
		ud.orders--
	}
	ud.value = ud.value.Sub(estimatedValue)
	if ud.value.IsNegative() {
		ud.value = decimal.Zero
	}
}
