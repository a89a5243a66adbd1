package engine

import (
	"context"
	"sync"
	"testing"

	"satsbook/pkg/types"
)

func TestPlaceOrderValidation(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 100_000)
	m := seedMarket(t, e, "validation market")
	ctx := context.Background()

	rejects := []struct {
		name   string
		side   types.Side
		price  int
		amount int64
		code   types.Code
	}{
		{"unknown side", types.Side("maybe"), 50, 1000, types.CodeInvalidSide},
		{"price zero", types.SideYes, 0, 1000, types.CodeInvalidPrice},
		{"price hundred", types.SideYes, 100, 1000, types.CodeInvalidPrice},
		{"price negative", types.SideNo, -5, 1000, types.CodeInvalidPrice},
		{"amount below minimum", types.SideYes, 50, types.MinOrderSats - 1, types.CodeAmountTooSmall},
		{"amount zero", types.SideYes, 50, 0, types.CodeAmountTooSmall},
	}
	for _, tc := range rejects {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.PlaceOrder(ctx, alice.ID, m.ID, tc.side, tc.price, tc.amount)
			if !types.IsCode(err, tc.code) {
				t.Fatalf("PlaceOrder error = %v, want %s", err, tc.code)
			}
		})
	}

	// Boundary values that must be accepted.
	for _, tc := range []struct {
		name   string
		side   types.Side
		price  int
		amount int64
	}{
		{"price one", types.SideYes, 1, 1000},
		{"price ninety-nine", types.SideNo, 99, 1000},
		{"minimum amount", types.SideYes, 50, types.MinOrderSats},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.PlaceOrder(ctx, alice.ID, m.ID, tc.side, tc.price, tc.amount)
			if err != nil {
				t.Fatalf("PlaceOrder: %v", err)
			}
			if res.Order.Status != types.OrderOpen {
				t.Errorf("Status = %s, want open", res.Order.Status)
			}
		})
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 500)
	m := seedMarket(t, e, "funds market")

	_, err := e.PlaceOrder(context.Background(), alice.ID, m.ID, types.SideYes, 60, 5000)
	if !types.IsCode(err, types.CodeInsufficientFunds) {
		t.Fatalf("PlaceOrder error = %v, want INSUFFICIENT_FUNDS", err)
	}
	if got := balanceOf(t, e, alice.ID); got != 500 {
		t.Errorf("balance after rejected order = %d, want 500", got)
	}
}

func TestPlaceOrderRejectsClosedMarkets(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	ctx := context.Background()

	for _, status := range []types.MarketStatus{
		types.MarketPendingResolution,
		types.MarketResolved,
		types.MarketCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			m := seedMarket(t, e, "market "+string(status))
			setMarketStatus(t, e, m.ID, status)

			_, err := e.PlaceOrder(ctx, alice.ID, m.ID, types.SideYes, 50, 1000)
			if !types.IsCode(err, types.CodeMarketUnavailable) {
				t.Fatalf("PlaceOrder on %s market error = %v, want MARKET_UNAVAILABLE", status, err)
			}
		})
	}

	t.Run("unknown market", func(t *testing.T) {
		_, err := e.PlaceOrder(ctx, alice.ID, "no-such-market", types.SideYes, 50, 1000)
		if !types.IsCode(err, types.CodeNotFound) {
			t.Fatalf("PlaceOrder error = %v, want NOT_FOUND", err)
		}
	})
}

func TestPlaceOrderReservesAndRests(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	m := seedMarket(t, e, "resting market")

	res := mustPlace(t, e, alice.ID, m.ID, types.SideYes, 60, 5000)

	if res.Order.Status != types.OrderOpen {
		t.Errorf("Status = %s, want open", res.Order.Status)
	}
	if len(res.Fills) != 0 || res.RefundSats != 0 {
		t.Errorf("fills = %d refund = %d, want none on an empty book", len(res.Fills), res.RefundSats)
	}
	if res.Order.ReservedSats != 3000 {
		t.Errorf("ReservedSats = %d, want 3000", res.Order.ReservedSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 7000 {
		t.Errorf("balance = %d, want 7000", got)
	}

	snap, err := e.GetOrderBook(context.Background(), m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.Yes) != 1 || snap.Yes[0].PriceCents != 60 || snap.Yes[0].AmountSats != 5000 {
		t.Errorf("Yes side = %+v, want one level 5000@60", snap.Yes)
	}
	if len(snap.No) != 0 {
		t.Errorf("No side = %+v, want empty", snap.No)
	}

	kinds := drainEvents(e)
	if countKind(kinds, "order") != 1 || countKind(kinds, "book") != 1 {
		t.Errorf("events = %v, want one order and one book event", kinds)
	}

	checkConserved(t, e, 10_000)
}

// TestSweepPriceThenTime walks the matching priority end to end: a taker
// crosses the most aggressive resting price first and, within one price,
// the oldest order. A fill at a better price than the taker's limit
// refunds the unspent reservation.
func TestSweepPriceThenTime(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	carol := seedUser(t, e, "carol", 10_000)
	dave := seedUser(t, e, "dave", 10_000)
	erin := seedUser(t, e, "erin", 10_000)
	m := seedMarket(t, e, "priority market")
	ctx := context.Background()

	mustPlace(t, e, bob.ID, m.ID, types.SideNo, 40, 5000)   // oldest at 40
	mustPlace(t, e, carol.ID, m.ID, types.SideNo, 40, 3000) // younger at 40
	mustPlace(t, e, dave.ID, m.ID, types.SideNo, 45, 5000)  // best price
	drainEvents(e)

	// YES 5000@60 reserves 3000 and crosses NO@45 first: the fill runs at
	// taker price 55, costing 2750, so 250 comes back.
	res := mustPlace(t, e, alice.ID, m.ID, types.SideYes, 60, 5000)
	if res.Order.Status != types.OrderFilled {
		t.Fatalf("taker status = %s, want filled", res.Order.Status)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	f := res.Fills[0]
	if f.MakerUserID != dave.ID || f.MakerPrice != 45 || f.TakerPrice != 55 {
		t.Errorf("fill = %+v, want dave's NO@45 at taker price 55", f)
	}
	if f.AmountSats != 5000 || f.TakerCostSats != 2750 {
		t.Errorf("fill amount/cost = %d/%d, want 5000/2750", f.AmountSats, f.TakerCostSats)
	}
	if res.RefundSats != 250 {
		t.Errorf("RefundSats = %d, want 250", res.RefundSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 7250 {
		t.Errorf("alice balance = %d, want 7250", got)
	}
	if got := balanceOf(t, e, dave.ID); got != 7750 {
		t.Errorf("dave balance = %d, want 7750", got)
	}

	daveOrder, err := e.GetOrder(ctx, f.MakerOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if daveOrder.Status != types.OrderFilled || daveOrder.ReservedSats != 0 {
		t.Errorf("maker order status/reserve = %s/%d, want filled/0", daveOrder.Status, daveOrder.ReservedSats)
	}

	kinds := drainEvents(e)
	if countKind(kinds, "trade") != 1 {
		t.Errorf("events = %v, want one trade", kinds)
	}

	// A second taker sweeps the 40 level oldest first: bob's full 5000
	// before carol's 3000.
	res = mustPlace(t, e, erin.ID, m.ID, types.SideYes, 60, 8000)
	if res.Order.Status != types.OrderFilled {
		t.Fatalf("second taker status = %s, want filled", res.Order.Status)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}
	if res.Fills[0].MakerUserID != bob.ID || res.Fills[0].AmountSats != 5000 {
		t.Errorf("first fill = %+v, want bob's 5000", res.Fills[0])
	}
	if res.Fills[1].MakerUserID != carol.ID || res.Fills[1].AmountSats != 3000 {
		t.Errorf("second fill = %+v, want carol's 3000", res.Fills[1])
	}
	if res.RefundSats != 0 {
		t.Errorf("RefundSats = %d, want 0 at the limit price", res.RefundSats)
	}
	if got := balanceOf(t, e, erin.ID); got != 5200 {
		t.Errorf("erin balance = %d, want 5200", got)
	}

	snap, err := e.GetOrderBook(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.Yes) != 0 || len(snap.No) != 0 {
		t.Errorf("book = yes %+v no %+v, want both sides swept clean", snap.Yes, snap.No)
	}

	checkConserved(t, e, 50_000)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	m := seedMarket(t, e, "partial market")

	mustPlace(t, e, bob.ID, m.ID, types.SideNo, 40, 4000)

	res := mustPlace(t, e, alice.ID, m.ID, types.SideYes, 60, 10_000)
	if res.Order.Status != types.OrderPartial {
		t.Fatalf("status = %s, want partial", res.Order.Status)
	}
	if res.Order.FilledSats != 4000 || res.Order.RemainingSats() != 6000 {
		t.Errorf("filled/remaining = %d/%d, want 4000/6000", res.Order.FilledSats, res.Order.RemainingSats())
	}
	// 6000 reserved, 2400 spent on the fill, 3600 restated for the rest.
	if res.Order.ReservedSats != 3600 || res.RefundSats != 0 {
		t.Errorf("reserve/refund = %d/%d, want 3600/0", res.Order.ReservedSats, res.RefundSats)
	}
	if got := balanceOf(t, e, alice.ID); got != 4000 {
		t.Errorf("alice balance = %d, want 4000", got)
	}

	snap, err := e.GetOrderBook(context.Background(), m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.Yes) != 1 || snap.Yes[0].AmountSats != 6000 {
		t.Errorf("Yes side = %+v, want 6000 resting", snap.Yes)
	}
	if len(snap.No) != 0 {
		t.Errorf("No side = %+v, want empty", snap.No)
	}

	checkConserved(t, e, 20_000)
}

func TestSelfTradeSkipped(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	m := seedMarket(t, e, "self-trade market")
	ctx := context.Background()

	first := mustPlace(t, e, alice.ID, m.ID, types.SideNo, 40, 5000)

	// Alice's own YES would cross her NO; it must walk past it and rest.
	res := mustPlace(t, e, alice.ID, m.ID, types.SideYes, 60, 5000)
	if len(res.Fills) != 0 || res.Order.Status != types.OrderOpen {
		t.Fatalf("self-cross result = %d fills status %s, want 0 fills resting", len(res.Fills), res.Order.Status)
	}

	snap, err := e.GetOrderBook(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.Yes) != 1 || len(snap.No) != 1 {
		t.Fatalf("book = yes %+v no %+v, want both of alice's orders resting", snap.Yes, snap.No)
	}

	// A different user still matches her NO normally.
	res = mustPlace(t, e, bob.ID, m.ID, types.SideYes, 60, 5000)
	if len(res.Fills) != 1 || res.Fills[0].MakerUserID != alice.ID {
		t.Fatalf("fills = %+v, want one against alice", res.Fills)
	}

	yes, err := e.GetOrder(ctx, res.Fills[0].MakerOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if yes.ID == first.Order.ID {
		t.Errorf("bob matched alice's NO order id, not her YES")
	}

	checkConserved(t, e, 20_000)
}

func TestCrossMarketIsolation(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	alice := seedUser(t, e, "alice", 10_000)
	bob := seedUser(t, e, "bob", 10_000)
	m1 := seedMarket(t, e, "market one")
	m2 := seedMarket(t, e, "market two")
	ctx := context.Background()

	mustPlace(t, e, alice.ID, m1.ID, types.SideNo, 40, 5000)

	// Crossing price, wrong market: must rest, not match.
	res := mustPlace(t, e, bob.ID, m2.ID, types.SideYes, 60, 5000)
	if len(res.Fills) != 0 || res.Order.Status != types.OrderOpen {
		t.Fatalf("order in m2 matched m1 depth: %+v", res)
	}

	snap1, err := e.GetOrderBook(ctx, m1.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook(m1): %v", err)
	}
	snap2, err := e.GetOrderBook(ctx, m2.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook(m2): %v", err)
	}
	if len(snap1.No) != 1 || len(snap1.Yes) != 0 {
		t.Errorf("m1 book = %+v, want only alice's NO", snap1)
	}
	if len(snap2.Yes) != 1 || len(snap2.No) != 0 {
		t.Errorf("m2 book = %+v, want only bob's YES", snap2)
	}

	// Same price in the right market matches immediately.
	res = mustPlace(t, e, bob.ID, m1.ID, types.SideYes, 60, 5000)
	if len(res.Fills) != 1 || res.Fills[0].MakerUserID != alice.ID {
		t.Fatalf("fills in m1 = %+v, want one against alice", res.Fills)
	}

	checkConserved(t, e, 20_000)
}

// TestConcurrentPlacementsConserveSats hammers one market from many
// goroutines and verifies the ledger equation afterwards: whatever the
// interleaving, every seeded sat is in a balance, a reservation, or the
// face of a matched pair, and exactly one taker got the maker's depth.
func TestConcurrentPlacementsConserveSats(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	maker := seedUser(t, e, "maker", 10_000)
	m := seedMarket(t, e, "contended market")
	ctx := context.Background()

	mustPlace(t, e, maker.ID, m.ID, types.SideNo, 40, 10_000)

	const takers = 10
	users := make([]*types.User, takers)
	for i := range users {
		users[i] = seedUser(t, e, "taker-"+string(rune('a'+i)), 10_000)
	}

	results := make([]*types.PlaceOrderResult, takers)
	errs := make([]error, takers)
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			results[i], errs[i] = e.PlaceOrder(ctx, userID, m.ID, types.SideYes, 60, 10_000)
		}(i, u.ID)
	}
	wg.Wait()

	var filled, rested int64
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("taker %d: %v", i, errs[i])
		}
		filled += results[i].Order.FilledSats
		rested += results[i].Order.RemainingSats()
	}
	if filled != 10_000 {
		t.Errorf("total filled = %d, want exactly the maker's 10000", filled)
	}
	if rested != int64(takers-1)*10_000 {
		t.Errorf("total resting = %d, want %d", rested, (takers-1)*10_000)
	}

	snap, err := e.GetOrderBook(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(snap.No) != 0 {
		t.Errorf("No side = %+v, want swept clean", snap.No)
	}
	if len(snap.Yes) != 1 || snap.Yes[0].AmountSats != rested {
		t.Errorf("Yes side = %+v, want %d resting at one level", snap.Yes, rested)
	}

	checkConserved(t, e, int64(takers+1)*10_000)
}
