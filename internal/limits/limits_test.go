package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestOrderCountLimit(t *testing.T) {
	l := NewDailyLimiter(2, d(1000000))

	if err := l.CheckAndRecord("alice", d(10)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.CheckAndRecord("alice", d(10)); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := l.CheckAndRecord("alice", d(10)); !errors.Is(err, ErrDailyOrderLimit) {
		t.Fatalf("expected ErrDailyOrderLimit, got %v", err)
	}

	// Other users are unaffected.
	if err := l.CheckAndRecord("bob", d(10)); err != nil {
		t.Fatalf("bob: %v", err)
	}
}

func TestValueLimit(t *testing.T) {
	l := NewDailyLimiter(100, d(1000))

	if err := l.CheckAndRecord("alice", d(800)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.CheckAndRecord("alice", d(300)); !errors.Is(err, ErrDailyValueLimit) {
		t.Fatalf("expected ErrDailyValueLimit, got %v", err)
	}
	// Exactly up to the cap is allowed, and nothing was recorded by the
	// rejected attempt.
	if err := l.CheckAndRecord("alice", d(200)); err != nil {
		t.Fatalf("to cap: %v", err)
	}
}

func TestReleaseUndoesRecord(t *testing.T) {
	l := NewDailyLimiter(1, d(1000))

	if err := l.CheckAndRecord("alice", d(500)); err != nil {
		t.Fatalf("record: %v", err)
	}
	l.Release("alice", d(500))
	if err := l.CheckAndRecord("alice", d(500)); err != nil {
		t.Fatalf("record after release: %v", err)
	}
}

func TestCountersResetAtMidnight(t *testing.T) {
	l := NewDailyLimiter(1, d(1000))
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	l.now = func() time.Time { return day }

	if err := l.CheckAndRecord("alice", d(500)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.CheckAndRecord("alice", d(1)); !errors.Is(err, ErrDailyOrderLimit) {
		t.Fatalf("expected ErrDailyOrderLimit, got %v", err)
	}

	day = day.Add(24 * time.Hour)
	if err := l.CheckAndRecord("alice", d(500)); err != nil {
		t.Fatalf("record next day: %v", err)
	}
}
