package engine

import (
	"context"
	"testing"

	"satsbook/pkg/types"
)

func TestCreateMarketValidation(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 0)
	ctx := context.Background()

	if _, err := e.CreateMarket(ctx, alice.ID, "nope", types.MarketEvent, "", "", false); !types.IsCode(err, types.CodeNotOwner) {
		t.Errorf("non-admin create error = %v, want NOT_OWNER", err)
	}
	if _, err := e.CreateMarket(ctx, admin.ID, "   ", types.MarketEvent, "", "", false); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Errorf("blank title error = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := e.CreateMarket(ctx, admin.ID, "ok", types.MarketType("parlay"), "", "", false); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Errorf("bad type error = %v, want INVALID_ARGUMENT", err)
	}

	m, err := e.CreateMarket(ctx, admin.ID, "  carlsen wins round 4  ", types.MarketWinner, "gm-1", "event-1", true)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if m.Title != "carlsen wins round 4" {
		t.Errorf("Title = %q, want trimmed", m.Title)
	}
	if m.Status != types.MarketOpen || !m.BotEnabled {
		t.Errorf("market = %s bot %v, want open with maker enabled", m.Status, m.BotEnabled)
	}
	if m.GrandmasterID != "gm-1" || m.EventID != "event-1" {
		t.Errorf("refs = %q/%q, want gm-1/event-1", m.GrandmasterID, m.EventID)
	}

	open, err := e.ListMarkets(ctx, types.MarketOpen)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(open) != 1 || open[0].ID != m.ID {
		t.Errorf("open markets = %+v, want just the new one", open)
	}
}

func TestHaltOnlyOpenMarkets(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 0)
	m := seedMarket(t, e, "halt market")
	ctx := context.Background()

	if _, err := e.HaltMarket(ctx, alice.ID, m.ID); !types.IsCode(err, types.CodeNotOwner) {
		t.Errorf("non-admin halt error = %v, want NOT_OWNER", err)
	}

	halted, err := e.HaltMarket(ctx, admin.ID, m.ID)
	if err != nil {
		t.Fatalf("HaltMarket: %v", err)
	}
	if halted.Status != types.MarketPendingResolution {
		t.Errorf("Status = %s, want pending_resolution", halted.Status)
	}

	if _, err := e.HaltMarket(ctx, admin.ID, m.ID); !types.IsCode(err, types.CodeMarketUnavailable) {
		t.Errorf("second halt error = %v, want MARKET_UNAVAILABLE", err)
	}
}

func TestCancelMarketRefundsRestingOrders(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	m := seedMarket(t, e, "void market")
	ctx := context.Background()

	mustPlace(t, e, alice.ID, m.ID, types.SideYes, 30, 2000) // 600
	mustPlace(t, e, bob.ID, m.ID, types.SideNo, 30, 4000)    // 1200

	res, err := e.CancelMarket(ctx, admin.ID, m.ID)
	if err != nil {
		t.Fatalf("CancelMarket: %v", err)
	}
	if res.Cancelled != 2 || res.RefundSats != 1800 {
		t.Errorf("cancelled/refund = %d/%d, want 2/1800", res.Cancelled, res.RefundSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 10_000 {
		t.Errorf("alice balance = %d, want full refund", got)
	}
	if got := balanceOf(t, e, bob.ID); got != 10_000 {
		t.Errorf("bob balance = %d, want full refund", got)
	}

	market, err := e.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if market.Status != types.MarketCancelled {
		t.Errorf("Status = %s, want cancelled", market.Status)
	}

	snap, err := e.GetOrderBook(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.Yes)+len(snap.No) != 0 {
		t.Errorf("book = %+v, want cleared", snap)
	}

	checkConserved(t, e, 20_000)
}

func TestCancelMarketBlocksAfterTrades(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	m := seedMarket(t, e, "traded market")
	ctx := context.Background()

	mustPlace(t, e, bob.ID, m.ID, types.SideNo, 40, 1000)
	mustPlace(t, e, alice.ID, m.ID, types.SideYes, 60, 1000)

	_, err := e.CancelMarket(ctx, admin.ID, m.ID)
	if !types.IsCode(err, types.CodeMarketUnavailable) {
		t.Fatalf("CancelMarket with pending bets error = %v, want MARKET_UNAVAILABLE", err)
	}

	market, err := e.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if market.Status != types.MarketOpen {
		t.Errorf("Status = %s, want still open", market.Status)
	}
}

// TestBotDisablePullsMakerQuotes flips maker quoting off for one market
// and checks only the house maker's resting orders are withdrawn.
func TestBotDisablePullsMakerQuotes(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	admin := seedAdmin(t, e)
	alice := seedUser(t, e, "alice", 10_000)
	housebot := seedAccount(t, e, "housebot", 10_000, false, true)
	ctx := context.Background()

	err := e.store.SeedMakerState(ctx, types.BotConfig{
		UserID:           housebot.ID,
		IsActive:         true,
		MaxLossSats:      1_000_000,
		ThresholdPercent: 10,
		GlobalMultiplier: 1.0,
	})
	if err != nil {
		t.Fatalf("SeedMakerState: %v", err)
	}

	m, err := e.CreateMarket(ctx, admin.ID, "quoted market", types.MarketEvent, "", "", true)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	mustPlace(t, e, housebot.ID, m.ID, types.SideNo, 40, 5000) // 2000 reserved
	mustPlace(t, e, alice.ID, m.ID, types.SideYes, 30, 1000)   // rests, no cross

	updated, err := e.SetMarketBotEnabled(ctx, admin.ID, m.ID, false)
	if err != nil {
		t.Fatalf("SetMarketBotEnabled: %v", err)
	}
	if updated.BotEnabled {
		t.Error("BotEnabled still true after disable")
	}

	snap, err := e.GetOrderBook(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.No) != 0 {
		t.Errorf("No side = %+v, want maker quotes pulled", snap.No)
	}
	if len(snap.Yes) != 1 || snap.Yes[0].AmountSats != 1000 {
		t.Errorf("Yes side = %+v, want alice's order untouched", snap.Yes)
	}
	if got := balanceOf(t, e, housebot.ID); got != 10_000 {
		t.Errorf("housebot balance = %d, want reserve returned", got)
	}

	if _, err := e.SetMarketBotEnabled(ctx, alice.ID, m.ID, true); !types.IsCode(err, types.CodeNotOwner) {
		t.Errorf("non-admin flip error = %v, want NOT_OWNER", err)
	}

	checkConserved(t, e, 20_000)
}
