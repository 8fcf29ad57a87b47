package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Cash procedures run as single transactions holding a row lock on the
// account (SELECT ... FOR UPDATE), so concurrent callers serialize.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Virtual accounts ---

const accountCols = `id, owner_id, name,
       assigned_cash::TEXT, reserved_cash::TEXT, available_cash::TEXT,
       is_active, is_frozen, created_at`

func scanAccount(row pgx.Row) (*model.VirtualAccount, error) {
	var a model.VirtualAccount
	var assigned, reserved, available string

	err := row.Scan(&a.ID, &a.OwnerID, &a.Name,
		&assigned, &reserved, &available,
		&a.IsActive, &a.IsFrozen, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.AssignedCash, _ = decimal.NewFromString(assigned)
	a.ReservedCash, _ = decimal.NewFromString(reserved)
	a.AvailableCash, _ = decimal.NewFromString(available)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.VirtualAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO virtual_accounts (id, owner_id, name, assigned_cash, reserved_cash, available_cash, is_active, is_frozen, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		a.ID, a.OwnerID, a.Name,
		a.AssignedCash.String(), a.ReservedCash.String(), a.AvailableCash.String(),
		a.IsActive, a.IsFrozen, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.VirtualAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM virtual_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) listAccounts(ctx context.Context, query string, args ...any) ([]model.VirtualAccount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.VirtualAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.VirtualAccount, error) {
	return s.listAccounts(ctx,
		`SELECT `+accountCols+` FROM virtual_accounts ORDER BY created_at`)
}

func (s *PostgresStore) ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.VirtualAccount, error) {
	return s.listAccounts(ctx,
		`SELECT `+accountCols+` FROM virtual_accounts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (s *PostgresStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE virtual_accounts SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Atomic cash procedures ---

// lockAccount selects the account row FOR UPDATE inside tx.
func lockAccount(ctx context.Context, tx pgx.Tx, id string) (*model.VirtualAccount, error) {
	a, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountCols+` FROM virtual_accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("lock account %s: %w", id, err)
	}
	return a, nil
}

func saveBalances(ctx context.Context, tx pgx.Tx, a *model.VirtualAccount) error {
	_, err := tx.Exec(ctx,
		`UPDATE virtual_accounts
		 SET assigned_cash = $2::NUMERIC, reserved_cash = $3::NUMERIC,
		     available_cash = $4::NUMERIC, is_frozen = $5
		 WHERE id = $1`,
		a.ID, a.AssignedCash.String(), a.ReservedCash.String(),
		a.AvailableCash.String(), a.IsFrozen,
	)
	return err
}

func insertCashTx(ctx context.Context, tx pgx.Tx, a *model.VirtualAccount, txType string, amount decimal.Decimal, ref string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO cash_transactions (id, account_id, type, amount, available_after, reserved_after, reference, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		uuid.New().String(), a.ID, txType, amount.String(),
		a.AvailableCash.String(), a.ReservedCash.String(), ref, time.Now().UTC(),
	)
	return err
}

// cashOp runs mutate on a row-locked account inside one transaction.
func (s *PostgresStore) cashOp(ctx context.Context, accountID string, mutate func(pgx.Tx, *model.VirtualAccount) error) (*model.VirtualAccount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cash op: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := mutate(tx, a); err != nil {
		return nil, err
	}
	if err := saveBalances(ctx, tx, a); err != nil {
		return nil, fmt.Errorf("save balances %s: %w", accountID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cash op: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ReserveCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		if amount.GreaterThan(a.AvailableCash) {
			return model.ErrInsufficientFunds
		}
		a.AvailableCash = a.AvailableCash.Sub(amount)
		a.ReservedCash = a.ReservedCash.Add(amount)
		return insertCashTx(ctx, tx, a, model.TxReserve, amount, ref)
	})
}

func (s *PostgresStore) SettleBuyCash(ctx context.Context, accountID string, reservedAmount, actualCost decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		a.ReservedCash = a.ReservedCash.Sub(reservedAmount)
		a.AvailableCash = a.AvailableCash.Add(reservedAmount).Sub(actualCost)
		a.AssignedCash = a.AssignedCash.Sub(actualCost)
		if err := insertCashTx(ctx, tx, a, model.TxSettleBuy, actualCost, ref); err != nil {
			return err
		}

		// Fill overran the reservation buffer beyond available cash:
		// freeze for manual review instead of going negative. The
		// deficit is written back onto assigned so the invariant
		// assigned = reserved + available holds.
		if a.AvailableCash.IsNegative() {
			deficit := a.AvailableCash.Neg()
			a.AvailableCash = decimal.Zero
			a.AssignedCash = a.AssignedCash.Add(deficit)
			a.IsFrozen = true
			return insertCashTx(ctx, tx, a, model.TxFreeze, deficit, ref)
		}
		return nil
	})
}

func (s *PostgresStore) ReleaseReservedCash(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		a.ReservedCash = a.ReservedCash.Sub(amount)
		a.AvailableCash = a.AvailableCash.Add(amount)
		return insertCashTx(ctx, tx, a, model.TxReleaseCash, amount, ref)
	})
}

func (s *PostgresStore) CreditSellProceeds(ctx context.Context, accountID string, proceeds decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		a.AvailableCash = a.AvailableCash.Add(proceeds)
		a.AssignedCash = a.AssignedCash.Add(proceeds)
		return insertCashTx(ctx, tx, a, model.TxCreditSell, proceeds, ref)
	})
}

func (s *PostgresStore) FreezeAccount(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		a.IsFrozen = true
		return insertCashTx(ctx, tx, a, model.TxFreeze, amount, ref)
	})
}

// allocationLockID is the advisory lock key serializing the global
// ceiling check across concurrent allocations to different accounts;
// the row lock taken by cashOp only covers the target account.
const allocationLockID = 0x65746670 // "etfp"

func (s *PostgresStore) AdminAllocateCash(ctx context.Context, accountID string, delta, ceiling decimal.Decimal, ref string) (*model.VirtualAccount, error) {
	return s.cashOp(ctx, accountID, func(tx pgx.Tx, a *model.VirtualAccount) error {
		if delta.IsPositive() {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(allocationLockID)); err != nil {
				return fmt.Errorf("acquire allocation lock: %w", err)
			}
			var totalS string
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(assigned_cash), 0)::TEXT FROM virtual_accounts`).Scan(&totalS)
			if err != nil {
				return fmt.Errorf("sum assigned cash: %w", err)
			}
			total, _ := decimal.NewFromString(totalS)
			if total.Add(delta).GreaterThan(ceiling) {
				return model.ErrCeilingExceeded
			}
		} else if delta.Neg().GreaterThan(a.AvailableCash) {
			return model.ErrInsufficientFunds
		}
		a.AssignedCash = a.AssignedCash.Add(delta)
		a.AvailableCash = a.AvailableCash.Add(delta)
		return insertCashTx(ctx, tx, a, model.TxAdminAllocate, delta, ref)
	})
}

func (s *PostgresStore) SumAssignedCash(ctx context.Context) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(assigned_cash), 0)::TEXT FROM virtual_accounts`).Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]model.CashTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, amount::TEXT, available_after::TEXT, reserved_after::TEXT, reference, timestamp
		 FROM cash_transactions WHERE account_id = $1 ORDER BY timestamp`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.CashTransaction
	for rows.Next() {
		var t model.CashTransaction
		var amountS, availS, resS string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &amountS, &availS, &resS, &t.Reference, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		t.AvailableAfter, _ = decimal.NewFromString(availS)
		t.ReservedAfter, _ = decimal.NewFromString(resS)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Order intentions ---

const intentionCols = `id, account_id, user_id, symbol, contract_id, side, quantity, order_type,
       limit_price::TEXT, estimated_price::TEXT, estimated_value::TEXT, reserved_amount::TEXT,
       status, message, created_at`

func scanIntention(row pgx.Row) (*model.OrderIntention, error) {
	var in model.OrderIntention
	var limitS, estS, valS, resS string

	err := row.Scan(&in.ID, &in.AccountID, &in.UserID, &in.Symbol, &in.ContractID,
		&in.Side, &in.Quantity, &in.OrderType,
		&limitS, &estS, &valS, &resS,
		&in.Status, &in.Message, &in.CreatedAt)
	if err != nil {
		return nil, err
	}

	in.LimitPrice, _ = decimal.NewFromString(limitS)
	in.EstimatedPrice, _ = decimal.NewFromString(estS)
	in.EstimatedValue, _ = decimal.NewFromString(valS)
	in.ReservedAmount, _ = decimal.NewFromString(resS)
	return &in, nil
}

func (s *PostgresStore) CreateIntention(ctx context.Context, in *model.OrderIntention) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_intentions (id, account_id, user_id, symbol, contract_id, side, quantity, order_type,
		        limit_price, estimated_price, estimated_value, reserved_amount, status, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		in.ID, in.AccountID, in.UserID, in.Symbol, in.ContractID, in.Side, in.Quantity, in.OrderType,
		in.LimitPrice.String(), in.EstimatedPrice.String(), in.EstimatedValue.String(), in.ReservedAmount.String(),
		in.Status, in.Message, in.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetIntention(ctx context.Context, id string) (*model.OrderIntention, error) {
	in, err := scanIntention(s.pool.QueryRow(ctx,
		`SELECT `+intentionCols+` FROM order_intentions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("intention %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get intention %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) listIntentions(ctx context.Context, query string, args ...any) ([]model.OrderIntention, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ins []model.OrderIntention
	for rows.Next() {
		in, err := scanIntention(rows)
		if err != nil {
			return nil, err
		}
		ins = append(ins, *in)
	}
	return ins, rows.Err()
}

func (s *PostgresStore) ListIntentionsByUser(ctx context.Context, userID, status string) ([]model.OrderIntention, error) {
	if status != "" {
		return s.listIntentions(ctx,
			`SELECT `+intentionCols+` FROM order_intentions
			 WHERE user_id = $1 AND status = $2 ORDER BY created_at, id`, userID, status)
	}
	return s.listIntentions(ctx,
		`SELECT `+intentionCols+` FROM order_intentions
		 WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (s *PostgresStore) ListPendingIntentions(ctx context.Context) ([]model.OrderIntention, error) {
	return s.listIntentions(ctx,
		`SELECT `+intentionCols+` FROM order_intentions
		 WHERE status = 'pending' ORDER BY created_at, id`)
}

func (s *PostgresStore) UpdateIntentionStatus(ctx context.Context, id, status, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_intentions
		 SET status = $2, message = CASE WHEN $3 = '' THEN message ELSE $3 END
		 WHERE id = $1`, id, status, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intention %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Aggregated orders ---

const aggOrderCols = `id, batch_id, symbol, contract_id, side, total_quantity, intention_ids,
       status, broker_order_id, filled_qty, avg_fill_price::TEXT, message, created_at`

func scanAggOrder(row pgx.Row) (*model.AggregatedOrder, error) {
	var o model.AggregatedOrder
	var priceS string

	err := row.Scan(&o.ID, &o.BatchID, &o.Symbol, &o.ContractID, &o.Side,
		&o.TotalQuantity, &o.IntentionIDs,
		&o.Status, &o.BrokerOrderID, &o.FilledQty, &priceS, &o.Message, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.AvgFillPrice, _ = decimal.NewFromString(priceS)
	return &o, nil
}

func (s *PostgresStore) CreateAggregatedOrder(ctx context.Context, o *model.AggregatedOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregated_orders (id, batch_id, symbol, contract_id, side, total_quantity, intention_ids,
		        status, broker_order_id, filled_qty, avg_fill_price, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12, $13)`,
		o.ID, o.BatchID, o.Symbol, o.ContractID, o.Side, o.TotalQuantity, o.IntentionIDs,
		o.Status, o.BrokerOrderID, o.FilledQty, o.AvgFillPrice.String(), o.Message, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateAggregatedOrderResult(ctx context.Context, id, status, brokerOrderID string, filledQty int64, avgFillPrice decimal.Decimal, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE aggregated_orders
		 SET status = $2, broker_order_id = $3, filled_qty = $4, avg_fill_price = $5::NUMERIC, message = $6
		 WHERE id = $1`,
		id, status, brokerOrderID, filledQty, avgFillPrice.String(), message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("aggregated order %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) listAggOrders(ctx context.Context, query string, args ...any) ([]model.AggregatedOrder, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.AggregatedOrder
	for rows.Next() {
		o, err := scanAggOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListAggregatedOrdersByBatch(ctx context.Context, batchID string) ([]model.AggregatedOrder, error) {
	return s.listAggOrders(ctx,
		`SELECT `+aggOrderCols+` FROM aggregated_orders WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (s *PostgresStore) ListAggregatedOrdersByStatus(ctx context.Context, status string) ([]model.AggregatedOrder, error) {
	return s.listAggOrders(ctx,
		`SELECT `+aggOrderCols+` FROM aggregated_orders WHERE status = $1 ORDER BY id`, status)
}

// --- Fill allocations ---

const allocationCols = `id, aggregated_order_id, intention_id, account_id, requested_qty, allocated_qty,
       allocation_pct::TEXT, fill_price::TEXT, total_cost::TEXT, cash_settled, applied_to_portfolio, created_at`

func scanAllocation(row pgx.Row) (*model.FillAllocation, error) {
	var a model.FillAllocation
	var pctS, priceS, costS string

	err := row.Scan(&a.ID, &a.AggregatedOrderID, &a.IntentionID, &a.AccountID,
		&a.RequestedQty, &a.AllocatedQty,
		&pctS, &priceS, &costS, &a.CashSettled, &a.AppliedToPortfolio, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.AllocationPct, _ = decimal.NewFromString(pctS)
	a.FillPrice, _ = decimal.NewFromString(priceS)
	a.TotalCost, _ = decimal.NewFromString(costS)
	return &a, nil
}

func (s *PostgresStore) CreateAllocation(ctx context.Context, a *model.FillAllocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fill_allocations (id, aggregated_order_id, intention_id, account_id, requested_qty, allocated_qty,
		        allocation_pct, fill_price, total_cost, cash_settled, applied_to_portfolio, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		a.ID, a.AggregatedOrderID, a.IntentionID, a.AccountID, a.RequestedQty, a.AllocatedQty,
		a.AllocationPct.String(), a.FillPrice.String(), a.TotalCost.String(), a.CashSettled, a.AppliedToPortfolio, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) MarkAllocationCashSettled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fill_allocations SET cash_settled = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("allocation %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkAllocationApplied(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fill_allocations SET applied_to_portfolio = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("allocation %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) listAllocations(ctx context.Context, query string, args ...any) ([]model.FillAllocation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.FillAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, *a)
	}
	return allocs, rows.Err()
}

func (s *PostgresStore) ListAllocationsByOrder(ctx context.Context, aggOrderID string) ([]model.FillAllocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationCols+` FROM fill_allocations WHERE aggregated_order_id = $1 ORDER BY id`, aggOrderID)
}

func (s *PostgresStore) ListUnappliedAllocations(ctx context.Context) ([]model.FillAllocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationCols+` FROM fill_allocations WHERE applied_to_portfolio = FALSE ORDER BY id`)
}

// --- Batch executions ---

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.BatchExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_executions (id, status, scheduled_at, started_at, completed_at,
		        intention_count, order_count, user_count, total_value, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)`,
		b.ID, b.Status, b.ScheduledAt, b.StartedAt, b.CompletedAt,
		b.IntentionCount, b.OrderCount, b.UserCount, b.TotalValue.String(), b.Message,
	)
	return err
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, b *model.BatchExecution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_executions
		 SET status = $2, started_at = $3, completed_at = $4,
		     intention_count = $5, order_count = $6, user_count = $7,
		     total_value = $8::NUMERIC, message = $9
		 WHERE id = $1`,
		b.ID, b.Status, b.StartedAt, b.CompletedAt,
		b.IntentionCount, b.OrderCount, b.UserCount, b.TotalValue.String(), b.Message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, model.ErrNotFound)
	}
	return nil
}

const batchCols = `id, status, scheduled_at, started_at, completed_at,
       intention_count, order_count, user_count, total_value::TEXT, message`

func scanBatch(row pgx.Row) (*model.BatchExecution, error) {
	var b model.BatchExecution
	var valS string

	err := row.Scan(&b.ID, &b.Status, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt,
		&b.IntentionCount, &b.OrderCount, &b.UserCount, &valS, &b.Message)
	if err != nil {
		return nil, err
	}
	b.TotalValue, _ = decimal.NewFromString(valS)
	return &b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchExecution, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchCols+` FROM batch_executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context) ([]model.BatchExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchCols+` FROM batch_executions ORDER BY scheduled_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []model.BatchExecution
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// --- Holdings ---

func (s *PostgresStore) AddHolding(ctx context.Context, accountID, userID, symbol string, qty int64, costBasis decimal.Decimal) (*model.Holding, error) {
	// Weighted-average recompute in one statement; the row lock taken by
	// the UPDATE serializes concurrent adds.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO holdings (account_id, user_id, symbol, quantity, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, NOW())
		 ON CONFLICT (account_id, symbol) DO UPDATE SET
		     avg_cost = (holdings.avg_cost * holdings.quantity + $5::NUMERIC * $4) / (holdings.quantity + $4),
		     quantity = holdings.quantity + $4,
		     updated_at = NOW()
		 RETURNING account_id, user_id, symbol, quantity, avg_cost::TEXT, updated_at`,
		accountID, userID, symbol, qty, costBasis.String())

	var h model.Holding
	var avgS string
	if err := row.Scan(&h.AccountID, &h.UserID, &h.Symbol, &h.Quantity, &avgS, &h.UpdatedAt); err != nil {
		return nil, fmt.Errorf("add holding %s/%s: %w", accountID, symbol, err)
	}
	h.AvgCost, _ = decimal.NewFromString(avgS)
	return &h, nil
}

func (s *PostgresStore) RemoveHolding(ctx context.Context, accountID, symbol string, qty int64) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin remove holding: %w", err)
	}
	defer tx.Rollback(ctx)

	var held int64
	var avgS string
	err = tx.QueryRow(ctx,
		`SELECT quantity, avg_cost::TEXT FROM holdings
		 WHERE account_id = $1 AND symbol = $2 FOR UPDATE`, accountID, symbol).
		Scan(&held, &avgS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, model.ErrInsufficientShares
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock holding %s/%s: %w", accountID, symbol, err)
	}
	if qty > held {
		return decimal.Zero, model.ErrInsufficientShares
	}

	if qty == held {
		_, err = tx.Exec(ctx,
			`DELETE FROM holdings WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE holdings SET quantity = quantity - $3, updated_at = NOW()
			 WHERE account_id = $1 AND symbol = $2`, accountID, symbol, qty)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("remove holding %s/%s: %w", accountID, symbol, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit remove holding: %w", err)
	}

	avgCost, _ := decimal.NewFromString(avgS)
	return avgCost, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	var h model.Holding
	var avgS string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, user_id, symbol, quantity, avg_cost::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 AND symbol = $2`, accountID, symbol).
		Scan(&h.AccountID, &h.UserID, &h.Symbol, &h.Quantity, &avgS, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("holding %s/%s: %w", accountID, symbol, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get holding %s/%s: %w", accountID, symbol, err)
	}
	h.AvgCost, _ = decimal.NewFromString(avgS)
	return &h, nil
}

func (s *PostgresStore) ListHoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, user_id, symbol, quantity, avg_cost::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var avgS string
		if err := rows.Scan(&h.AccountID, &h.UserID, &h.Symbol, &h.Quantity, &avgS, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.AvgCost, _ = decimal.NewFromString(avgS)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}
