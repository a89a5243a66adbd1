package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"satsbook/pkg/types"
)

// The ledger is append-only. Every balance change writes exactly one row
// carrying the signed amount and the balance after it, so summing a user's
// rows always reproduces their balance and an audit is a single scan.

const txnCols = "id, user_id, type, status, amount_sats, balance_after_sats, reference_id, decision, detail, created_at"

func scanTxn(row scanner) (*types.Transaction, error) {
	var t types.Transaction
	var created int64
	var decision string
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Status, &t.AmountSats,
		&t.BalanceAfterSats, &t.ReferenceID, &decision, &t.Detail, &created); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

// applyLedger moves delta sats on the user's balance and appends the ledger
// row. A negative delta that would take the balance below zero fails with
// INSUFFICIENT_FUNDS and leaves nothing written.
func (s *Store) applyLedger(tx *sql.Tx, userID string, delta int64, typ types.TxnType,
	status types.TxnStatus, ref, decision, detail string) (*types.Transaction, error) {

	var balance int64
	err := tx.QueryRow("SELECT balance_sats FROM users WHERE id = ?", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	after := balance + delta
	if after < 0 {
		return nil, types.InsufficientFunds(-delta, balance)
	}
	if _, err := tx.Exec("UPDATE users SET balance_sats = ? WHERE id = ?", after, userID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	now := time.Now()
	t := &types.Transaction{
		ID:               s.NewID(),
		UserID:           userID,
		Type:             typ,
		Status:           status,
		AmountSats:       delta,
		BalanceAfterSats: after,
		ReferenceID:      ref,
		Detail:           detail,
		CreatedAt:        now.UTC(),
	}
	_, err = tx.Exec(
		"INSERT INTO transactions ("+txnCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.UserID, t.Type, t.Status, t.AmountSats, t.BalanceAfterSats, t.ReferenceID, decision, t.Detail, millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

// Credit adds amount sats to the user and records a completed ledger row.
func (s *Store) Credit(tx *sql.Tx, userID string, amount int64, typ types.TxnType, ref, detail string) (*types.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return s.applyLedger(tx, userID, amount, typ, types.TxnCompleted, ref, "", detail)
}

// Debit removes amount sats from the user and records a completed ledger
// row. Fails with INSUFFICIENT_FUNDS if the balance cannot cover it.
func (s *Store) Debit(tx *sql.Tx, userID string, amount int64, typ types.TxnType, ref, detail string) (*types.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return s.applyLedger(tx, userID, -amount, typ, types.TxnCompleted, ref, "", detail)
}

// RecordLoss appends a zero-amount bet_lost_paid row marking a losing
// bet's terminal state. The stake was already spent at placement; the row
// exists so every settled bet ends with a ledger receipt.
func (s *Store) RecordLoss(tx *sql.Tx, userID, betID string) (*types.Transaction, error) {
	return s.applyLedger(tx, userID, 0, types.TxnBetLostPaid, types.TxnCompleted, betID, "", "")
}

// DebitWithdrawal removes amount sats and records a pending withdrawal row
// tagged with the dispatch decision. The row is later marked completed or
// failed once the payment outcome is known.
func (s *Store) DebitWithdrawal(tx *sql.Tx, userID string, amount int64, ref string, decision types.WithdrawalDecision) (*types.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	return s.applyLedger(tx, userID, -amount, types.TxnWithdrawal, types.TxnPending, ref, string(decision), "")
}

// GetTransactionTx fetches one ledger row inside a transaction.
func (s *Store) GetTransactionTx(tx *sql.Tx, id string) (*types.Transaction, error) {
	row := tx.QueryRow("SELECT "+txnCols+" FROM transactions WHERE id = ?", id)
	t, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "transaction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

// SetTransactionStatus moves a ledger row to a new settlement status. A
// non-empty detail replaces the row's detail, used for payment proofs and
// failure reasons.
func (s *Store) SetTransactionStatus(tx *sql.Tx, id string, status types.TxnStatus, detail string) error {
	var res sql.Result
	var err error
	if detail != "" {
		res, err = tx.Exec("UPDATE transactions SET status = ?, detail = ? WHERE id = ?", status, detail, id)
	} else {
		res, err = tx.Exec("UPDATE transactions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return types.NewError(types.CodeNotFound, "transaction %s not found", id)
	}
	return nil
}

// FindDeposit returns the deposit already credited under this external
// reference, or nil when none exists. Deposit delivery is idempotent
// across adapter retries because of this lookup.
func (s *Store) FindDeposit(tx *sql.Tx, userID, ref string) (*types.Transaction, error) {
	row := tx.QueryRow(
		"SELECT "+txnCols+" FROM transactions WHERE type = ? AND user_id = ? AND reference_id = ? LIMIT 1",
		types.TxnDeposit, userID, ref,
	)
	t, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deposit lookup: %w", err)
	}
	return t, nil
}

// PendingWithdrawals lists pending withdrawal rows the dispatcher may pay
// without review, oldest first.
func (s *Store) PendingWithdrawals(ctx context.Context, limit int) ([]*types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+txnCols+" FROM transactions WHERE type = ? AND status = ? AND decision = ? ORDER BY id ASC LIMIT ?",
		types.TxnWithdrawal, types.TxnPending, string(types.WithdrawalInstant), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending withdrawals: %w", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

// LedgerAudit sums the conserved quantities: user balances, live order
// reserves, and pending YES-side bet face. Each matched pair locks exactly
// its face value and resolution pays it back out, so balances + reserves +
// face equals total deposited funds at every commit boundary. Operators
// watch this; a drift means a bug.
func (s *Store) LedgerAudit(ctx context.Context) (balances, reserves, pendingFace int64, err error) {
	if err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(balance_sats), 0) FROM users").Scan(&balances); err != nil {
		return 0, 0, 0, fmt.Errorf("audit balances: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(reserved_sats), 0) FROM orders WHERE status IN (?, ?)",
		types.OrderOpen, types.OrderPartial).Scan(&reserves); err != nil {
		return 0, 0, 0, fmt.Errorf("audit reserves: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount_sats), 0) FROM bets WHERE result = ? AND side = ?",
		types.BetPending, types.SideYes).Scan(&pendingFace); err != nil {
		return 0, 0, 0, fmt.Errorf("audit pending face: %w", err)
	}
	return balances, reserves, pendingFace, nil
}

// TransactionsByUser lists a user's ledger rows, newest first.
func (s *Store) TransactionsByUser(ctx context.Context, userID string, limit int) ([]*types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+txnCols+" FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("transactions by user: %w", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

func collectTxns(rows *sql.Rows) ([]*types.Transaction, error) {
	var out []*types.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
