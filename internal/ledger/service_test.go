package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a ledger service over an in-memory store with a
// connected sim broker holding the given real cash.
func newTestEnv(t *testing.T, brokerCash float64) (*ledger.Service, *store.MemoryStore, *broker.SimBroker) {
	t.Helper()
	ms := store.NewMemoryStore()
	bk := broker.NewSimBroker(d(brokerCash))
	return ledger.NewService(ms, bk), ms, bk
}

// seedAccount creates an account and assigns cash through AdminAllocate,
// the only way cash enters a virtual account.
func seedAccount(t *testing.T, svc *ledger.Service, owner string, cash float64) *model.VirtualAccount {
	t.Helper()
	a, err := svc.CreateAccount(context.Background(), owner, owner+"'s account")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if cash > 0 {
		a, err = svc.AdminAllocate(context.Background(), a.ID, d(cash))
		if err != nil {
			t.Fatalf("allocate cash: %v", err)
		}
	}
	return a
}

func checkInvariant(t *testing.T, a *model.VirtualAccount) {
	t.Helper()
	if !a.AssignedCash.Equal(a.ReservedCash.Add(a.AvailableCash)) {
		t.Fatalf("invariant broken: assigned=%s reserved=%s available=%s",
			a.AssignedCash, a.ReservedCash, a.AvailableCash)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	svc, _, _ := newTestEnv(t, 10000)

	var ve *model.ValidationError
	if _, err := svc.CreateAccount(context.Background(), "", "name"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty owner, got %v", err)
	}
	if _, err := svc.CreateAccount(context.Background(), "alice", ""); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
}

func TestAdminAllocateCeiling(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	a := seedAccount(t, svc, "alice", 600)
	b := seedAccount(t, svc, "bob", 300)

	// 600 + 300 assigned; another 200 would exceed the real 1000.
	if _, err := svc.AdminAllocate(context.Background(), b.ID, d(200)); !errors.Is(err, model.ErrCeilingExceeded) {
		t.Fatalf("expected ErrCeilingExceeded, got %v", err)
	}

	// Exactly up to the ceiling is allowed.
	got, err := svc.AdminAllocate(context.Background(), b.ID, d(100))
	if err != nil {
		t.Fatalf("allocate to ceiling: %v", err)
	}
	if !got.AssignedCash.Equal(d(400)) {
		t.Fatalf("assigned = %s, want 400", got.AssignedCash)
	}
	checkInvariant(t, got)

	// Withdrawing more than available fails.
	if _, err := svc.AdminAllocate(context.Background(), a.ID, d(-700)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReserveAndSettleBuy(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 1000)

	// Reserve 510 (e.g. 500 estimated + 2% buffer), fill costs 498.
	if err := svc.Reserve(context.Background(), a.ID, d(510), "int-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.AvailableCash.Equal(d(490)) || !got.ReservedCash.Equal(d(510)) {
		t.Fatalf("after reserve: available=%s reserved=%s", got.AvailableCash, got.ReservedCash)
	}
	checkInvariant(t, got)

	if err := svc.SettleBuy(context.Background(), a.ID, d(510), d(498), "int-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ = ms.GetAccount(context.Background(), a.ID)
	// The 12 unspent comes back: 490 + 510 - 498 = 502.
	if !got.AvailableCash.Equal(d(502)) {
		t.Fatalf("available = %s, want 502", got.AvailableCash)
	}
	if !got.ReservedCash.IsZero() {
		t.Fatalf("reserved = %s, want 0", got.ReservedCash)
	}
	if !got.AssignedCash.Equal(d(502)) {
		t.Fatalf("assigned = %s, want 502", got.AssignedCash)
	}
	if got.IsFrozen {
		t.Fatal("account should not be frozen on a normal settlement")
	}
	checkInvariant(t, got)
}

func TestReserveInsufficientFunds(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 100)

	if err := svc.Reserve(context.Background(), a.ID, d(101), "int-1"); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// Balances untouched on rejection.
	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.AvailableCash.Equal(d(100)) || !got.ReservedCash.IsZero() {
		t.Fatalf("balances changed on rejected reserve: %+v", got)
	}
}

func TestSettleBuyOverrunFreezesAccount(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 500)

	if err := svc.Reserve(context.Background(), a.ID, d(490), "int-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Cost overruns the reservation by more than the remaining available
	// 10: the account freezes rather than going negative.
	if err := svc.SettleBuy(context.Background(), a.ID, d(490), d(505), "int-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.IsFrozen {
		t.Fatal("account should be frozen after settlement overrun")
	}
	if got.AvailableCash.IsNegative() {
		t.Fatalf("available went negative: %s", got.AvailableCash)
	}
	checkInvariant(t, got)

	// Frozen accounts refuse new reservations.
	if err := svc.Reserve(context.Background(), a.ID, d(1), "int-2"); !errors.Is(err, model.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
}

func TestReleaseRestoresAvailable(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 300)

	if err := svc.Reserve(context.Background(), a.ID, d(200), "int-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(context.Background(), a.ID, d(200), "int-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.AvailableCash.Equal(d(300)) || !got.ReservedCash.IsZero() {
		t.Fatalf("after release: available=%s reserved=%s", got.AvailableCash, got.ReservedCash)
	}
	checkInvariant(t, got)
}

func TestCreditSellIncreasesAssigned(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 100)

	if err := svc.CreditSell(context.Background(), a.ID, d(250), "int-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	got, _ := ms.GetAccount(context.Background(), a.ID)
	if !got.AvailableCash.Equal(d(350)) || !got.AssignedCash.Equal(d(350)) {
		t.Fatalf("after credit: available=%s assigned=%s", got.AvailableCash, got.AssignedCash)
	}
	checkInvariant(t, got)
}

func TestDeactivatedAccountRefusesReserve(t *testing.T) {
	svc, _, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 100)

	if err := svc.Deactivate(context.Background(), a.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := svc.Reserve(context.Background(), a.ID, d(10), "int-1"); !errors.Is(err, model.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestAdminAllocateDisconnectedBroker(t *testing.T) {
	svc, _, bk := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 100)

	bk.SetConnected(false)
	if _, err := svc.AdminAllocate(context.Background(), a.ID, d(50)); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestTransactionsAuditTrail(t *testing.T) {
	svc, _, _ := newTestEnv(t, 10000)
	a := seedAccount(t, svc, "alice", 1000)

	if err := svc.Reserve(context.Background(), a.ID, d(100), "int-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(context.Background(), a.ID, d(100), "int-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	txs, err := svc.Transactions(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	wantTypes := []string{model.TxAdminAllocate, model.TxReserve, model.TxReleaseCash}
	if len(txs) != len(wantTypes) {
		t.Fatalf("got %d transactions, want %d", len(txs), len(wantTypes))
	}
	for i, want := range wantTypes {
		if txs[i].Type != want {
			t.Fatalf("tx[%d].Type = %q, want %q", i, txs[i].Type, want)
		}
	}
}

// Property: the cash invariant assigned = reserved + available survives
// any sequence of ledger operations, and available never goes negative.
func TestProperty_CashInvariantUnderOpSequences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, ms, _ := newTestEnvRapid(t)
		a, err := svc.CreateAccount(context.Background(), "alice", "prop")
		if err != nil {
			t.Fatalf("create account: %v", err)
		}

		initial := rapid.Int64Range(100, 100000).Draw(t, "initial")
		if _, err := svc.AdminAllocate(context.Background(), a.ID, decimal.NewFromInt(initial)); err != nil {
			t.Fatalf("seed cash: %v", err)
		}

		reserved := decimal.Zero
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			cur, _ := ms.GetAccount(context.Background(), a.ID)
			if cur.IsFrozen {
				break
			}

			op := rapid.IntRange(0, 3).Draw(t, "op")
			amt := decimal.NewFromInt(rapid.Int64Range(1, 5000).Draw(t, "amt"))
			switch op {
			case 0:
				err = svc.Reserve(context.Background(), a.ID, amt, "p")
				if err == nil {
					reserved = reserved.Add(amt)
				} else if !errors.Is(err, model.ErrInsufficientFunds) {
					t.Fatalf("reserve: %v", err)
				}
			case 1:
				if reserved.IsPositive() && amt.LessThanOrEqual(reserved) {
					if err := svc.Release(context.Background(), a.ID, amt, "p"); err != nil {
						t.Fatalf("release: %v", err)
					}
					reserved = reserved.Sub(amt)
				}
			case 2:
				if reserved.IsPositive() && amt.LessThanOrEqual(reserved) {
					cost := decimal.NewFromInt(rapid.Int64Range(0, 5000).Draw(t, "cost"))
					if err := svc.SettleBuy(context.Background(), a.ID, amt, cost, "p"); err != nil {
						t.Fatalf("settle: %v", err)
					}
					reserved = reserved.Sub(amt)
				}
			case 3:
				if err := svc.CreditSell(context.Background(), a.ID, amt, "p"); err != nil {
					t.Fatalf("credit: %v", err)
				}
			}

			got, _ := ms.GetAccount(context.Background(), a.ID)
			if !got.AssignedCash.Equal(got.ReservedCash.Add(got.AvailableCash)) {
				t.Fatalf("invariant broken at step %d: assigned=%s reserved=%s available=%s",
					i, got.AssignedCash, got.ReservedCash, got.AvailableCash)
			}
			if got.AvailableCash.IsNegative() {
				t.Fatalf("available negative at step %d: %s", i, got.AvailableCash)
			}
		}
	})
}

func newTestEnvRapid(t *rapid.T) (*ledger.Service, *store.MemoryStore, *broker.SimBroker) {
	ms := store.NewMemoryStore()
	bk := broker.NewSimBroker(decimal.NewFromInt(1_000_000))
	return ledger.NewService(ms, bk), ms, bk
}
