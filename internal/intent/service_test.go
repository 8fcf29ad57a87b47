package intent_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/intent"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/limits"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type stubLocker struct{ locked bool }

func (l *stubLocker) Locked() bool { return l.locked }

type testEnv struct {
	svc       *intent.Service
	store     store.Store
	ledger    *ledger.Service
	portfolio *portfolio.Service
	locker    *stubLocker
	limiter   *limits.DailyLimiter
}

func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	bk := broker.NewSimBroker(d(1_000_000))
	lg := ledger.NewService(st, bk)
	pf := portfolio.NewService(st)
	lk := &stubLocker{}
	lm := limits.NewDailyLimiter(100, d(1_000_000))
	return &testEnv{
		svc:       intent.NewService(st, lg, pf, lm, lk, nil),
		store:     st,
		ledger:    lg,
		portfolio: pf,
		locker:    lk,
		limiter:   lm,
	}
}

func (e *testEnv) seedAccount(t *testing.T, owner string, cash float64) *model.VirtualAccount {
	t.Helper()
	a, err := e.ledger.CreateAccount(context.Background(), owner, owner)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if cash > 0 {
		if _, err := e.ledger.AdminAllocate(context.Background(), a.ID, d(cash)); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	return a
}

func buyReq(accountID string, qty int64, price float64) intent.CreateRequest {
	return intent.CreateRequest{
		AccountID:      accountID,
		UserID:         "alice",
		Symbol:         "VTI",
		Side:           model.SideBuy,
		Quantity:       qty,
		OrderType:      model.OrderTypeMarket,
		EstimatedPrice: d(price),
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	tests := []struct {
		name   string
		mutate func(*intent.CreateRequest)
	}{
		{"missing account", func(r *intent.CreateRequest) { r.AccountID = "" }},
		{"missing user", func(r *intent.CreateRequest) { r.UserID = "" }},
		{"bad symbol lowercase", func(r *intent.CreateRequest) { r.Symbol = "vti" }},
		{"bad symbol too long", func(r *intent.CreateRequest) { r.Symbol = "ABCDEFGHIJKLM" }},
		{"bad side", func(r *intent.CreateRequest) { r.Side = "HOLD" }},
		{"zero quantity", func(r *intent.CreateRequest) { r.Quantity = 0 }},
		{"negative quantity", func(r *intent.CreateRequest) { r.Quantity = -5 }},
		{"bad order type", func(r *intent.CreateRequest) { r.OrderType = "STOP" }},
		{"limit without price", func(r *intent.CreateRequest) {
			r.OrderType = model.OrderTypeLimit
			r.LimitPrice = decimal.Zero
		}},
		{"negative estimated price", func(r *intent.CreateRequest) { r.EstimatedPrice = d(-1) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := buyReq(a.ID, 10, 100)
			tc.mutate(&req)
			_, err := env.svc.Create(context.Background(), req)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateBuyReservesWithBuffer(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	in, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 10 * 100 * 1.02 = 1020 reserved.
	if !in.ReservedAmount.Equal(d(1020)) {
		t.Fatalf("reserved = %s, want 1020", in.ReservedAmount)
	}
	got, _ := env.store.GetAccount(context.Background(), a.ID)
	if !got.ReservedCash.Equal(d(1020)) || !got.AvailableCash.Equal(d(8980)) {
		t.Fatalf("account after create: reserved=%s available=%s", got.ReservedCash, got.AvailableCash)
	}
	if in.Status != model.IntentionPending {
		t.Fatalf("status = %q, want pending", in.Status)
	}
}

func TestCreateBuyInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 1000)

	// 10 * 100 * 1.02 = 1020 > 1000 available.
	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	got, _ := env.store.GetAccount(context.Background(), a.ID)
	if !got.ReservedCash.IsZero() {
		t.Fatalf("reserved = %s after rejected buy, want 0", got.ReservedCash)
	}
}

func TestCreateSellRequiresShares(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 1000)

	req := buyReq(a.ID, 10, 100)
	req.Side = model.SideSell
	if _, err := env.svc.Create(context.Background(), req); !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	if _, err := env.portfolio.Add(context.Background(), a.ID, "alice", "VTI", 10, d(95)); err != nil {
		t.Fatalf("seed holding: %v", err)
	}
	in, err := env.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("sell with shares: %v", err)
	}
	// Sells reserve no cash.
	if !in.ReservedAmount.IsZero() {
		t.Fatalf("sell reserved %s, want 0", in.ReservedAmount)
	}
}

func TestCreateRejectedDuringBatchWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	env.locker.locked = true
	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 1, 100)); !errors.Is(err, model.ErrBatchInProgress) {
		t.Fatalf("expected ErrBatchInProgress, got %v", err)
	}

	env.locker.locked = false
	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 1, 100)); err != nil {
		t.Fatalf("create after unlock: %v", err)
	}
}

func TestCreateMissingPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	req := buyReq(a.ID, 10, 100)
	req.EstimatedPrice = decimal.Zero
	if _, err := env.svc.Create(context.Background(), req); !errors.Is(err, model.ErrMissingPrice) {
		t.Fatalf("expected ErrMissingPrice, got %v", err)
	}
}

// failingStore fails intention persistence, exercising the compensating
// release of the BUY reservation.
type failingStore struct {
	store.Store
}

func (f *failingStore) CreateIntention(context.Context, *model.OrderIntention) error {
	return fmt.Errorf("simulated write failure")
}

func TestCreateReleasesReservationOnPersistFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, &failingStore{Store: ms})
	a := env.seedAccount(t, "alice", 10000)

	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100)); err == nil {
		t.Fatal("expected persistence failure")
	}

	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.ReservedCash.IsZero() {
		t.Fatalf("reserved = %s after failed persist, want 0 (compensating release)", got.ReservedCash)
	}
	if !got.AvailableCash.Equal(d(10000)) {
		t.Fatalf("available = %s, want 10000", got.AvailableCash)
	}
}

// stuckStore fails intention persistence and the compensating release,
// so the reserved cash cannot be returned automatically.
type stuckStore struct {
	store.Store
}

func (f *stuckStore) CreateIntention(context.Context, *model.OrderIntention) error {
	return fmt.Errorf("simulated write failure")
}

func (f *stuckStore) ReleaseReservedCash(context.Context, string, decimal.Decimal, string) (*model.VirtualAccount, error) {
	return nil, fmt.Errorf("simulated release failure")
}

func TestCreateFreezesAccountWhenReleaseFails(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, &stuckStore{Store: ms})
	a := env.seedAccount(t, "alice", 10000)

	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100)); err == nil {
		t.Fatal("expected persistence failure")
	}

	// Cash is stuck in reserved with no automated recovery: the account
	// must come out frozen with a freeze record in the audit trail.
	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.IsFrozen {
		t.Fatal("expected frozen account after failed compensating release")
	}
	if !got.ReservedCash.Equal(d(1020)) {
		t.Fatalf("reserved = %s, want the stuck 1020", got.ReservedCash)
	}

	txs, _ := ms.ListTransactions(context.Background(), a.ID)
	var freezes int
	for _, tx := range txs {
		if tx.Type == model.TxFreeze {
			freezes++
		}
	}
	if freezes != 1 {
		t.Fatalf("freeze audit records = %d, want 1", freezes)
	}
}

func TestDailyLimits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.limiter.MaxOrders = 2
	a := env.seedAccount(t, "alice", 100000)

	for i := 0; i < 2; i++ {
		if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 1, 100)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 1, 100)); !errors.Is(err, limits.ErrDailyOrderLimit) {
		t.Fatalf("expected ErrDailyOrderLimit, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	in, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another user cannot see it.
	if _, err := env.svc.Cancel(context.Background(), "bob", in.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}

	got, err := env.svc.Cancel(context.Background(), "alice", in.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.IntentionCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	// Reservation is back in available.
	acc, _ := env.store.GetAccount(context.Background(), a.ID)
	if !acc.ReservedCash.IsZero() || !acc.AvailableCash.Equal(d(10000)) {
		t.Fatalf("after cancel: reserved=%s available=%s", acc.ReservedCash, acc.AvailableCash)
	}

	// Second cancel is not pending anymore.
	if _, err := env.svc.Cancel(context.Background(), "alice", in.ID); !errors.Is(err, model.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on double cancel, got %v", err)
	}
}

func TestCancelNonPending(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	in, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.store.UpdateIntentionStatus(context.Background(), in.ID, model.IntentionAggregated, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := env.svc.Cancel(context.Background(), "alice", in.ID); !errors.Is(err, model.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for aggregated intention, got %v", err)
	}
}

func TestListStatusFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 10000)

	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 1, 100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var ve *model.ValidationError
	if _, err := env.svc.List(context.Background(), "alice", "bogus"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bogus status, got %v", err)
	}

	ins, err := env.svc.List(context.Background(), "alice", model.IntentionPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ins) != 1 {
		t.Fatalf("got %d intentions, want 1", len(ins))
	}
}

func TestPendingSummaryNetsBySymbol(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.seedAccount(t, "alice", 100000)
	if _, err := env.portfolio.Add(context.Background(), a.ID, "alice", "VTI", 50, d(90)); err != nil {
		t.Fatalf("seed holding: %v", err)
	}

	if _, err := env.svc.Create(context.Background(), buyReq(a.ID, 10, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := buyReq(a.ID, 4, 100)
	sell.Side = model.SideSell
	if _, err := env.svc.Create(context.Background(), sell); err != nil {
		t.Fatalf("sell: %v", err)
	}

	summary, err := env.svc.PendingSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary) != 1 {
		t.Fatalf("got %d symbols, want 1", len(summary))
	}
	s := summary[0]
	if s.Symbol != "VTI" || s.BuyQuantity != 10 || s.SellQuantity != 4 || s.NetQuantity != 6 {
		t.Fatalf("summary = %+v", s)
	}
	if !s.EstimatedValue.Equal(d(1400)) {
		t.Fatalf("estimated value = %s, want 1400", s.EstimatedValue)
	}
}
