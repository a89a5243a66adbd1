package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"satsbook/internal/book"
	"satsbook/internal/config"
	"satsbook/internal/metrics"
	"satsbook/internal/store"
	"satsbook/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 1, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var cfg config.Config
	cfg.Exchange.InstantWithdrawalMaxSats = 100_000
	cfg.Exchange.AdminUsername = "admin"
	return New(cfg, st, book.NewSet(), metrics.New(prometheus.NewRegistry()), testLogger())
}

func seedAccount(t *testing.T, e *Engine, username string, sats int64, isAdmin, isBot bool) *types.User {
	t.Helper()
	u, err := e.store.EnsureUser(context.Background(), username, isAdmin, isBot)
	if err != nil {
		t.Fatalf("EnsureUser(%s): %v", username, err)
	}
	if sats > 0 {
		err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
			_, err := e.store.Credit(tx, u.ID, sats, types.TxnDeposit, "seed-"+username, "")
			return err
		})
		if err != nil {
			t.Fatalf("seed %s: %v", username, err)
		}
	}
	return u
}

func seedUser(t *testing.T, e *Engine, username string, sats int64) *types.User {
	t.Helper()
	return seedAccount(t, e, username, sats, false, false)
}

func seedAdmin(t *testing.T, e *Engine) *types.User {
	t.Helper()
	return seedAccount(t, e, "admin", 0, true, false)
}

func seedMarket(t *testing.T, e *Engine, title string) *types.Market {
	t.Helper()
	m := &types.Market{
		ID:        e.store.NewID(),
		Title:     title,
		Type:      types.MarketEvent,
		Status:    types.MarketOpen,
		CreatedAt: time.Now().UTC(),
	}
	err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return e.store.InsertMarket(tx, m)
	})
	if err != nil {
		t.Fatalf("InsertMarket: %v", err)
	}
	return m
}

func setMarketStatus(t *testing.T, e *Engine, marketID string, status types.MarketStatus) {
	t.Helper()
	err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return e.store.SetMarketStatus(tx, marketID, status)
	})
	if err != nil {
		t.Fatalf("SetMarketStatus: %v", err)
	}
}

func balanceOf(t *testing.T, e *Engine, userID string) int64 {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.BalanceSats
}

func mustPlace(t *testing.T, e *Engine, userID, marketID string, side types.Side, price int, amount int64) *types.PlaceOrderResult {
	t.Helper()
	res, err := e.PlaceOrder(context.Background(), userID, marketID, side, price, amount)
	if err != nil {
		t.Fatalf("PlaceOrder(%s %s %d@%d): %v", userID, side, amount, price, err)
	}
	return res
}

// checkConserved verifies that no sats were minted or burned: every sat
// seeded into the exchange is either in a balance, reserved by a resting
// order, or locked as the face of a matched pair.
func checkConserved(t *testing.T, e *Engine, seeded int64) {
	t.Helper()
	balances, reserves, face, err := e.store.LedgerAudit(context.Background())
	if err != nil {
		t.Fatalf("LedgerAudit: %v", err)
	}
	if got := balances + reserves + face; got != seeded {
		t.Fatalf("conservation broke: balances %d + reserves %d + face %d = %d, want %d",
			balances, reserves, face, got, seeded)
	}
}

func drainEvents(e *Engine) []string {
	var kinds []string
	for {
		select {
		case evt := <-e.events:
			kinds = append(kinds, evt.Type)
		default:
			return kinds
		}
	}
}

func drainNotices(e *Engine) []MakerNotice {
	var out []MakerNotice
	for {
		select {
		case n := <-e.makerNotices:
			out = append(out, n)
		default:
			return out
		}
	}
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}
