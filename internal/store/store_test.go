package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"satsbook/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 1, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUser(t *testing.T, s *Store, username string) *types.User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), username, false, false)
	if err != nil {
		t.Fatalf("EnsureUser(%s): %v", username, err)
	}
	return u
}

func mustCredit(t *testing.T, s *Store, userID string, amount int64) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := s.Credit(tx, userID, amount, types.TxnDeposit, "seed", "")
		return err
	})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func mustMarket(t *testing.T, s *Store, title string) *types.Market {
	t.Helper()
	m := &types.Market{
		ID:        s.NewID(),
		Title:     title,
		Type:      types.MarketEvent,
		Status:    types.MarketOpen,
		CreatedAt: time.Now().UTC(),
	}
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertMarket(tx, m)
	})
	if err != nil {
		t.Fatalf("InsertMarket: %v", err)
	}
	return m
}

func TestEnsureUserIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	a, err := s.EnsureUser(context.Background(), "alice", false, false)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	b, err := s.EnsureUser(context.Background(), "alice", false, false)
	if err != nil {
		t.Fatalf("EnsureUser second call: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("second EnsureUser minted a new ID: %s != %s", a.ID, b.ID)
	}
}

func TestLedgerCreditDebit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	u := mustUser(t, s, "alice")
	ctx := context.Background()

	mustCredit(t, s, u.ID, 5000)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.Debit(tx, u.ID, 1500, types.TxnOrderPlaced, "ord1", "")
		return err
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.BalanceSats != 3500 {
		t.Errorf("BalanceSats = %d, want 3500", got.BalanceSats)
	}

	txns, err := s.TransactionsByUser(ctx, u.ID, 10)
	if err != nil {
		t.Fatalf("TransactionsByUser: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("len(txns) = %d, want 2", len(txns))
	}
	// Newest first: the debit, then the deposit.
	if txns[0].AmountSats != -1500 || txns[0].BalanceAfterSats != 3500 {
		t.Errorf("debit row = %+v, want amount -1500 after 3500", txns[0])
	}
	if txns[1].AmountSats != 5000 || txns[1].BalanceAfterSats != 5000 {
		t.Errorf("deposit row = %+v, want amount 5000 after 5000", txns[1])
	}
}

func TestDebitInsufficientFundsLeavesNothing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	u := mustUser(t, s, "alice")
	ctx := context.Background()

	mustCredit(t, s, u.ID, 1000)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.Debit(tx, u.ID, 2500, types.TxnOrderPlaced, "ord1", "")
		return err
	})
	if !types.IsCode(err, types.CodeInsufficientFunds) {
		t.Fatalf("Debit error = %v, want INSUFFICIENT_FUNDS", err)
	}
	var te *types.Error
	if !errors.As(err, &te) || te.RequiredSats != 2500 || te.AvailableSats != 1000 {
		t.Errorf("error amounts = %+v, want required 2500 available 1000", te)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if got.BalanceSats != 1000 {
		t.Errorf("BalanceSats after failed debit = %d, want 1000", got.BalanceSats)
	}
	txns, _ := s.TransactionsByUser(ctx, u.ID, 10)
	if len(txns) != 1 {
		t.Errorf("len(txns) = %d, want 1 (only the deposit)", len(txns))
	}
}

func TestFindDeposit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	u := mustUser(t, s, "alice")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.Credit(tx, u.ID, 1000, types.TxnDeposit, "invoice-abc", "")
		return err
	})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		found, err := s.FindDeposit(tx, u.ID, "invoice-abc")
		if err != nil {
			return err
		}
		if found == nil || found.AmountSats != 1000 {
			t.Errorf("FindDeposit(invoice-abc) = %+v, want the 1000 sat credit", found)
		}
		missing, err := s.FindDeposit(tx, u.ID, "invoice-xyz")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("FindDeposit(invoice-xyz) = %+v, want nil", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("FindDeposit: %v", err)
	}
}

func TestCrossingOrdersPriceThenTime(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	u := mustUser(t, s, "alice")
	m := mustMarket(t, s, "test market")
	ctx := context.Background()

	place := func(price int) string {
		id := s.NewID()
		now := time.Now().UTC()
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.InsertOrder(tx, &types.Order{
				ID: id, MarketID: m.ID, UserID: u.ID, Side: types.SideNo,
				PriceCents: price, AmountSats: 1000,
				ReservedSats: types.CostSats(1000, price),
				Status:       types.OrderOpen, CreatedAt: now, UpdatedAt: now,
			})
		})
		if err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
		return id
	}

	first40 := place(40)
	at45 := place(45)
	second40 := place(40)
	place(30) // below the cross threshold, must not appear

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		got, err := s.CrossingOrders(tx, m.ID, types.SideNo, 40)
		if err != nil {
			return err
		}
		want := []string{at45, first40, second40}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, o := range got {
			if o.ID != want[i] {
				t.Errorf("order[%d] = %s, want %s", i, o.ID, want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CrossingOrders: %v", err)
	}
}

func TestMakerAtRisk(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	bot := mustUser(t, s, "housebot")
	m1 := mustMarket(t, s, "m1")
	m2 := mustMarket(t, s, "m2")
	ctx := context.Background()

	addBet := func(marketID string, side types.Side, amount int64) {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.InsertBet(tx, &types.Bet{
				ID: s.NewID(), MarketID: marketID, UserID: bot.ID,
				CounterpartyUserID: "cp", Side: side, PriceCents: 50,
				AmountSats: amount, CostSats: types.CostSats(amount, 50),
				Result: types.BetPending, TakerOrderID: "t", MakerOrderID: "m",
				CreatedAt: time.Now().UTC(),
			})
		})
		if err != nil {
			t.Fatalf("InsertBet: %v", err)
		}
	}

	// m1: yes 4000 vs no 1000 -> 4000 at risk. m2: no 2500 only -> 2500.
	addBet(m1.ID, types.SideYes, 4000)
	addBet(m1.ID, types.SideNo, 1000)
	addBet(m2.ID, types.SideNo, 2500)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		got, err := s.MakerAtRisk(tx, bot.ID)
		if err != nil {
			return err
		}
		if got != 6500 {
			t.Errorf("MakerAtRisk = %d, want 6500", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("MakerAtRisk: %v", err)
	}
}

func TestReplaceCurve(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	points := []types.CurvePoint{
		{MarketType: types.MarketEvent, PriceCents: 30, WeightSats: 5000},
		{MarketType: types.MarketEvent, PriceCents: 40, WeightSats: 3000},
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReplaceCurve(tx, types.MarketEvent, points)
	})
	if err != nil {
		t.Fatalf("ReplaceCurve: %v", err)
	}

	// Replacing again drops the old rungs.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReplaceCurve(tx, types.MarketEvent, points[:1])
	})
	if err != nil {
		t.Fatalf("ReplaceCurve second call: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		got, err := s.CurvePoints(tx, types.MarketEvent)
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].PriceCents != 30 || got[0].WeightSats != 5000 {
			t.Errorf("CurvePoints = %+v, want single 30/5000 rung", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CurvePoints: %v", err)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	u := mustUser(t, s, "alice")
	ctx := context.Background()

	mustCredit(t, s, u.ID, 10_000)

	var txnID string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		txn, err := s.DebitWithdrawal(tx, u.ID, 4000, "lnbc-invoice", types.WithdrawalInstant)
		if err != nil {
			return err
		}
		txnID = txn.ID
		return nil
	})
	if err != nil {
		t.Fatalf("DebitWithdrawal: %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if got.BalanceSats != 6000 {
		t.Errorf("balance after withdrawal hold = %d, want 6000", got.BalanceSats)
	}

	pending, err := s.PendingWithdrawals(ctx, 10)
	if err != nil {
		t.Fatalf("PendingWithdrawals: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != txnID {
		t.Fatalf("PendingWithdrawals = %+v, want the new row", pending)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetTransactionStatus(tx, txnID, types.TxnCompleted, "preimage:fee0")
	})
	if err != nil {
		t.Fatalf("SetTransactionStatus: %v", err)
	}

	pending, _ = s.PendingWithdrawals(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("PendingWithdrawals after settle = %+v, want empty", pending)
	}
}
