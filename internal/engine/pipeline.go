package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"satsbook/internal/api"
	"satsbook/pkg/types"
)

// depthDelta is one signed book change produced inside a transaction and
// replayed onto the mirror only after commit.
type depthDelta struct {
	side  types.Side
	price int
	delta int64
}

// applyDeltas replays committed depth changes onto the mirror and returns
// the new per-level totals for the stream.
func (e *Engine) applyDeltas(marketID string, deltas []depthDelta) []api.BookDelta {
	if len(deltas) == 0 {
		return nil
	}
	mirror := e.books.Get(marketID)
	out := make([]api.BookDelta, 0, len(deltas))
	for _, d := range deltas {
		mirror.Apply(d.side, d.price, d.delta)
		out = append(out, api.BookDelta{
			Side:       string(d.side),
			PriceCents: d.price,
			AmountSats: mirror.DepthAt(d.side, d.price),
		})
	}
	return out
}

// PlaceOrder runs the full placement pipeline: validate, reserve the
// order's cost, sweep the opposite side of the book, settle offsetting
// exposure, and rest whatever face is left at the limit price.
//
// The order's cost ceil(amount*price/100) is debited up front. Each fill
// executes at the resting order's price, so a taker crossing a cheaper
// level than its limit gets the difference refunded after the sweep.
func (e *Engine) PlaceOrder(ctx context.Context, userID, marketID string, side types.Side, priceCents int, amountSats int64) (*types.PlaceOrderResult, error) {
	if !side.Valid() {
		return nil, types.NewError(types.CodeInvalidSide, "side must be yes or no, got %q", side)
	}
	if !types.ValidPrice(priceCents) {
		return nil, types.NewError(types.CodeInvalidPrice, "price %d outside 1..99", priceCents)
	}
	if amountSats < types.MinOrderSats {
		return nil, types.NewError(types.CodeAmountTooSmall, "amount %d below minimum %d", amountSats, types.MinOrderSats)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	var (
		res    *types.PlaceOrderResult
		deltas []depthDelta
		events []api.Event
		notice *MakerNotice
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		// The closure reruns on a busy retry; start from scratch.
		res, deltas, events, notice = nil, nil, nil, nil

		market, err := e.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.AcceptsOrders() {
			return types.NewError(types.CodeMarketUnavailable, "market %s is %s", marketID, market.Status)
		}

		now := time.Now()
		cost := types.CostSats(amountSats, priceCents)
		order := &types.Order{
			ID:           e.store.NewID(),
			MarketID:     marketID,
			UserID:       userID,
			Side:         side,
			PriceCents:   priceCents,
			AmountSats:   amountSats,
			ReservedSats: cost,
			Status:       types.OrderOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := e.store.Debit(tx, userID, cost, types.TxnOrderPlaced, order.ID, ""); err != nil {
			return err
		}
		if err := e.store.InsertOrder(tx, order); err != nil {
			return err
		}

		fills, spent, err := e.match(tx, order, &deltas, &events)
		if err != nil {
			return err
		}

		// Restate the reserve for the unfilled remainder and refund the
		// rest. Fills at improved prices and ceiling rounding both leave
		// reservation unspent.
		remaining := order.RemainingSats()
		restReserve := int64(0)
		if remaining > 0 {
			restReserve = types.CostSats(remaining, priceCents)
		}
		refund := cost - spent - restReserve
		if refund < 0 {
			return types.Internal(fmt.Errorf("reserve underflow on order %s: reserved %d spent %d resting %d",
				order.ID, cost, spent, restReserve))
		}
		if refund > 0 {
			if _, err := e.store.Credit(tx, userID, refund, types.TxnOrderPlaced, order.ID, "price improvement"); err != nil {
				return err
			}
		}

		switch {
		case remaining == 0:
			order.Status = types.OrderFilled
		case order.FilledSats > 0:
			order.Status = types.OrderPartial
		}
		order.ReservedSats = restReserve
		if len(fills) > 0 {
			if err := e.store.UpdateOrderFill(tx, order.ID, order.FilledSats, restReserve, order.Status); err != nil {
				return err
			}
		}
		if remaining > 0 {
			deltas = append(deltas, depthDelta{side: side, price: priceCents, delta: remaining})
		}

		result := &types.PlaceOrderResult{Order: order, Fills: fills, RefundSats: refund}

		if len(fills) > 0 {
			settled, err := e.autoSettle(tx, marketID, userID, order.ID)
			if err != nil {
				return err
			}
			if settled != nil {
				result.AutoSettle = settled
				events = append(events, api.NewSettleEvent(marketID, userID, *settled))
			}

			notice, err = e.updateMakerExposure(tx, marketID)
			if err != nil {
				return err
			}
		}

		events = append(events, api.NewOrderEvent(order))
		res = result
		return nil
	})
	if err != nil {
		e.metrics.OrdersTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if levels := e.applyDeltas(marketID, deltas); len(levels) > 0 {
		e.emit(api.NewBookDeltaEvent(marketID, levels))
	}
	e.emitAll(events)
	e.notifyMaker(notice)

	e.metrics.OrdersTotal.WithLabelValues("placed").Inc()
	if n := len(res.Fills); n > 0 {
		var face int64
		for _, f := range res.Fills {
			face += f.AmountSats
		}
		e.metrics.FillsTotal.Add(float64(n))
		e.metrics.FillVolumeSats.Add(float64(face))
	}
	if res.AutoSettle != nil {
		e.metrics.AutoSettleSats.Add(float64(res.AutoSettle.PayoutSats))
	}

	e.logger.Info("order placed",
		"order", res.Order.ID,
		"market", marketID,
		"user", userID,
		"side", side,
		"price", priceCents,
		"amount", amountSats,
		"fills", len(res.Fills),
		"status", res.Order.Status,
	)
	return res, nil
}

// match sweeps resting opposite-side orders that cross the taker: a YES at
// p crosses a NO at q when p+q >= 100, and symmetrically. Sweep order is
// best price first, oldest first within a price. Each fill executes at the
// resting order's price: the taker pays ceil(fill*(100-q)/100) and the
// maker's share is the exact complement, so the pair's costs always sum to
// the face value.
//
// Returns the fills and the taker's total spend. Mutates taker fill
// progress in memory; the caller persists it.
func (e *Engine) match(tx *sql.Tx, taker *types.Order, deltas *[]depthDelta, events *[]api.Event) ([]types.Fill, int64, error) {
	makers, err := e.store.CrossingOrders(tx, taker.MarketID, taker.Side.Opposite(), 100-taker.PriceCents)
	if err != nil {
		return nil, 0, err
	}

	var (
		fills []types.Fill
		spent int64
	)
	for _, maker := range makers {
		remaining := taker.RemainingSats()
		if remaining == 0 {
			break
		}
		if maker.UserID == taker.UserID {
			// Never match a user against their own resting order.
			continue
		}

		fillSats := min(remaining, maker.RemainingSats())
		takerPrice := 100 - maker.PriceCents
		takerCost := types.CostSats(fillSats, takerPrice)
		makerCost := fillSats - takerCost
		if makerCost < 0 || maker.ReservedSats < makerCost {
			return nil, 0, types.Internal(fmt.Errorf("fill cost split broke on maker %s: fill %d taker cost %d reserve %d",
				maker.ID, fillSats, takerCost, maker.ReservedSats))
		}

		now := time.Now()
		takerBet := &types.Bet{
			ID:                 e.store.NewID(),
			MarketID:           taker.MarketID,
			UserID:             taker.UserID,
			CounterpartyUserID: maker.UserID,
			Side:               taker.Side,
			PriceCents:         takerPrice,
			AmountSats:         fillSats,
			CostSats:           takerCost,
			Result:             types.BetPending,
			TakerOrderID:       taker.ID,
			MakerOrderID:       maker.ID,
			CreatedAt:          now,
		}
		makerBet := &types.Bet{
			ID:                 e.store.NewID(),
			MarketID:           taker.MarketID,
			UserID:             maker.UserID,
			CounterpartyUserID: taker.UserID,
			Side:               maker.Side,
			PriceCents:         maker.PriceCents,
			AmountSats:         fillSats,
			CostSats:           makerCost,
			Result:             types.BetPending,
			TakerOrderID:       taker.ID,
			MakerOrderID:       maker.ID,
			CreatedAt:          now,
		}
		if err := e.store.InsertBet(tx, takerBet); err != nil {
			return nil, 0, err
		}
		if err := e.store.InsertBet(tx, makerBet); err != nil {
			return nil, 0, err
		}

		maker.FilledSats += fillSats
		makerReserve := maker.ReservedSats - makerCost
		makerStatus := types.OrderPartial
		if maker.RemainingSats() == 0 {
			makerStatus = types.OrderFilled
			// Ceiling rounding can leave a few sats of the maker's
			// reservation unspent once the order is done; hand them back.
			if makerReserve > 0 {
				if _, err := e.store.Credit(tx, maker.UserID, makerReserve, types.TxnOrderPlaced, maker.ID, "reserve remainder"); err != nil {
					return nil, 0, err
				}
				makerReserve = 0
			}
		}
		if err := e.store.UpdateOrderFill(tx, maker.ID, maker.FilledSats, makerReserve, makerStatus); err != nil {
			return nil, 0, err
		}
		maker.ReservedSats = makerReserve
		maker.Status = makerStatus

		taker.FilledSats += fillSats
		spent += takerCost
		fills = append(fills, types.Fill{
			MakerOrderID:  maker.ID,
			MakerUserID:   maker.UserID,
			AmountSats:    fillSats,
			TakerPrice:    takerPrice,
			MakerPrice:    maker.PriceCents,
			TakerCostSats: takerCost,
		})
		*deltas = append(*deltas, depthDelta{side: maker.Side, price: maker.PriceCents, delta: -fillSats})
		*events = append(*events, api.NewTradeEvent(taker.MarketID, taker.ID, taker.Side, fills[len(fills)-1]))
	}
	return fills, spent, nil
}
