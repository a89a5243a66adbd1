package engine

import (
	"context"
	"testing"

	"satsbook/pkg/types"
)

func findTxn(t *testing.T, e *Engine, userID, txnID string) *types.Transaction {
	t.Helper()
	txns, err := e.TransactionsOf(context.Background(), userID, 50)
	if err != nil {
		t.Fatalf("TransactionsOf: %v", err)
	}
	for _, txn := range txns {
		if txn.ID == txnID {
			return txn
		}
	}
	t.Fatalf("transaction %s not found for user %s", txnID, userID)
	return nil
}

func TestDepositIdempotent(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 0)
	ctx := context.Background()

	txn, credited, err := e.CreditDeposit(ctx, alice.ID, 5000, "ln:abc123")
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if !credited {
		t.Error("first delivery not credited")
	}

	// Redelivery with the same reference returns the original row and
	// moves nothing.
	again, credited, err := e.CreditDeposit(ctx, alice.ID, 5000, "ln:abc123")
	if err != nil {
		t.Fatalf("CreditDeposit replay: %v", err)
	}
	if credited {
		t.Error("replay credited a second time")
	}
	if again.ID != txn.ID {
		t.Errorf("replay txn = %s, want original %s", again.ID, txn.ID)
	}
	if got := balanceOf(t, e, alice.ID); got != 5000 {
		t.Errorf("balance = %d, want 5000", got)
	}

	// Without a reference there is nothing to dedupe on.
	if _, credited, err = e.CreditDeposit(ctx, alice.ID, 1000, ""); err != nil || !credited {
		t.Fatalf("unreferenced deposit = %v credited %v, want credit", err, credited)
	}
	if _, credited, err = e.CreditDeposit(ctx, alice.ID, 1000, ""); err != nil || !credited {
		t.Fatalf("second unreferenced deposit = %v credited %v, want credit", err, credited)
	}
	if got := balanceOf(t, e, alice.ID); got != 7000 {
		t.Errorf("balance = %d, want 7000", got)
	}

	if _, _, err := e.CreditDeposit(ctx, alice.ID, 0, "x"); !types.IsCode(err, types.CodeAmountTooSmall) {
		t.Errorf("zero deposit error = %v, want AMOUNT_TOO_SMALL", err)
	}
	if _, _, err := e.CreditDeposit(ctx, "no-such-user", 100, "y"); !types.IsCode(err, types.CodeNotFound) {
		t.Errorf("unknown user error = %v, want NOT_FOUND", err)
	}
}

func TestWithdrawalRouting(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 300_000)
	ctx := context.Background()
	const invoice = "lnbc500u1pvjluezpp5qqqsyqcyq5rqwzqf"

	// Within the instant ceiling and holding an invoice: paid unattended.
	res, err := e.RequestWithdrawal(ctx, alice.ID, 50_000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if res.Decision != types.WithdrawalInstant {
		t.Errorf("decision = %s, want instant", res.Decision)
	}
	if res.Txn.Status != types.TxnPending {
		t.Errorf("txn status = %s, want pending until paid", res.Txn.Status)
	}

	// Over the ceiling: operator review.
	res, err = e.RequestWithdrawal(ctx, alice.ID, 150_000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if res.Decision != types.WithdrawalApproval {
		t.Errorf("decision over ceiling = %s, want approval", res.Decision)
	}

	// No invoice: nothing to auto-pay, so review.
	res, err = e.RequestWithdrawal(ctx, alice.ID, 10_000, "")
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if res.Decision != types.WithdrawalApproval {
		t.Errorf("decision without invoice = %s, want approval", res.Decision)
	}

	// Every request debits up front.
	if got := balanceOf(t, e, alice.ID); got != 90_000 {
		t.Errorf("balance = %d, want 90000", got)
	}

	if _, err := e.RequestWithdrawal(ctx, alice.ID, 0, invoice); !types.IsCode(err, types.CodeAmountTooSmall) {
		t.Errorf("zero withdrawal error = %v, want AMOUNT_TOO_SMALL", err)
	}
	if _, err := e.RequestWithdrawal(ctx, alice.ID, 500_000, invoice); !types.IsCode(err, types.CodeInsufficientFunds) {
		t.Errorf("overdraw error = %v, want INSUFFICIENT_FUNDS", err)
	}
}

// TestWithdrawalBotLiquidityBuffer verifies the house maker cannot
// instant-withdraw below its outstanding order reserves.
func TestWithdrawalBotLiquidityBuffer(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	housebot := seedAccount(t, e, "housebot", 10_000, false, true)
	m := seedMarket(t, e, "buffer market")
	ctx := context.Background()
	const invoice = "lnbc100u1pvjluezpp5qqqsyqcyq5rqwzqf"

	// Resting order holds 3000; free balance is 7000.
	mustPlace(t, e, housebot.ID, m.ID, types.SideNo, 60, 5000)

	res, err := e.RequestWithdrawal(ctx, housebot.ID, 4000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if res.Decision != types.WithdrawalInstant {
		t.Errorf("decision with buffer intact = %s, want instant", res.Decision)
	}

	// 3000 left, 3000 reserved: anything more waits for an operator.
	res, err = e.RequestWithdrawal(ctx, housebot.ID, 1000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if res.Decision != types.WithdrawalApproval {
		t.Errorf("decision below buffer = %s, want approval", res.Decision)
	}
}

func TestSettleAndFailWithdrawal(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 50_000)
	ctx := context.Background()
	const invoice = "lnbc100u1pvjluezpp5qqqsyqcyq5rqwzqf"

	paid, err := e.RequestWithdrawal(ctx, alice.ID, 10_000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if err := e.SettleWithdrawal(ctx, paid.Txn.ID, "preimage:aa"); err != nil {
		t.Fatalf("SettleWithdrawal: %v", err)
	}
	if got := findTxn(t, e, alice.ID, paid.Txn.ID); got.Status != types.TxnCompleted {
		t.Errorf("txn status = %s, want completed", got.Status)
	}
	// Settling again is a delivery retry, not an error.
	if err := e.SettleWithdrawal(ctx, paid.Txn.ID, "preimage:aa"); err != nil {
		t.Errorf("second settle: %v", err)
	}
	// A paid row can never flip to failed and re-credit.
	if err := e.FailWithdrawal(ctx, paid.Txn.ID, "oops"); !types.IsCode(err, types.CodeOrderTerminal) {
		t.Errorf("fail after settle error = %v, want ORDER_TERMINAL", err)
	}
	if got := balanceOf(t, e, alice.ID); got != 40_000 {
		t.Errorf("balance = %d, want 40000", got)
	}

	failed, err := e.RequestWithdrawal(ctx, alice.ID, 5_000, invoice)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if err := e.FailWithdrawal(ctx, failed.Txn.ID, "no route"); err != nil {
		t.Fatalf("FailWithdrawal: %v", err)
	}
	if got := balanceOf(t, e, alice.ID); got != 40_000 {
		t.Errorf("balance after failed withdrawal = %d, want 40000 restored", got)
	}
	if got := findTxn(t, e, alice.ID, failed.Txn.ID); got.Status != types.TxnFailed {
		t.Errorf("txn status = %s, want failed", got.Status)
	}
	if err := e.FailWithdrawal(ctx, failed.Txn.ID, "no route"); err != nil {
		t.Errorf("second fail: %v", err)
	}
	if err := e.SettleWithdrawal(ctx, failed.Txn.ID, "p"); !types.IsCode(err, types.CodeOrderTerminal) {
		t.Errorf("settle after fail error = %v, want ORDER_TERMINAL", err)
	}
	if got := balanceOf(t, e, alice.ID); got != 40_000 {
		t.Errorf("balance after retries = %d, want 40000", got)
	}

	// Only withdrawal rows qualify.
	deposit, _, err := e.CreditDeposit(ctx, alice.ID, 100, "ref:1")
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if err := e.SettleWithdrawal(ctx, deposit.ID, "p"); !types.IsCode(err, types.CodeNotFound) {
		t.Errorf("settle deposit row error = %v, want NOT_FOUND", err)
	}
	if err := e.SettleWithdrawal(ctx, "no-such-txn", "p"); !types.IsCode(err, types.CodeNotFound) {
		t.Errorf("settle unknown txn error = %v, want NOT_FOUND", err)
	}
}

func TestAdminAdjust(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 1000)
	ctx := context.Background()

	if _, err := e.AdminAdjust(ctx, alice.ID, alice.ID, 500, "self-serve"); !types.IsCode(err, types.CodeNotOwner) {
		t.Errorf("non-admin adjust error = %v, want NOT_OWNER", err)
	}
	if _, err := e.AdminAdjust(ctx, admin.ID, alice.ID, 0, "nothing"); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Errorf("zero delta error = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := e.AdminAdjust(ctx, admin.ID, alice.ID, 500, ""); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Errorf("missing reason error = %v, want INVALID_ARGUMENT", err)
	}

	txn, err := e.AdminAdjust(ctx, admin.ID, alice.ID, 500, "support credit")
	if err != nil {
		t.Fatalf("AdminAdjust credit: %v", err)
	}
	if txn.Type != types.TxnAdminAdjust || txn.AmountSats != 500 {
		t.Errorf("txn = %s %d, want admin_adjust +500", txn.Type, txn.AmountSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 1500 {
		t.Errorf("balance = %d, want 1500", got)
	}

	txn, err = e.AdminAdjust(ctx, admin.ID, alice.ID, -700, "chargeback")
	if err != nil {
		t.Fatalf("AdminAdjust debit: %v", err)
	}
	if txn.AmountSats != -700 {
		t.Errorf("txn amount = %d, want -700", txn.AmountSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 800 {
		t.Errorf("balance = %d, want 800", got)
	}

	if _, err := e.AdminAdjust(ctx, admin.ID, alice.ID, -5000, "too deep"); !types.IsCode(err, types.CodeInsufficientFunds) {
		t.Errorf("overdraw adjust error = %v, want INSUFFICIENT_FUNDS", err)
	}
}
