package engine

import (
	"context"
	"database/sql"

	"satsbook/internal/api"
	"satsbook/pkg/types"
)

// CancelOrder pulls a resting order and refunds its live reserve. Only the
// owner may cancel; terminal orders fail with ORDER_TERMINAL and a second
// cancel of the same order therefore cannot double-refund.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*types.CancelResult, error) {
	// Pre-read outside the lock just to learn the market.
	peek, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockMarket(peek.MarketID)
	defer unlock()

	var (
		res    *types.CancelResult
		deltas []depthDelta
	)
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, deltas = nil, nil

		order, err := e.store.GetOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return types.NewError(types.CodeNotOwner, "order %s belongs to another user", orderID)
		}
		if order.Status.Terminal() {
			return types.NewError(types.CodeOrderTerminal, "order %s is already %s", orderID, order.Status)
		}

		refund := order.ReservedSats
		if err := e.store.CancelOrderRow(tx, order.ID); err != nil {
			return err
		}
		if refund > 0 {
			if _, err := e.store.Credit(tx, userID, refund, types.TxnOrderCancelled, order.ID, ""); err != nil {
				return err
			}
		}

		if remaining := order.RemainingSats(); remaining > 0 {
			deltas = append(deltas, depthDelta{side: order.Side, price: order.PriceCents, delta: -remaining})
		}
		order.Status = types.OrderCancelled
		order.ReservedSats = 0
		res = &types.CancelResult{Order: order, RefundSats: refund}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if levels := e.applyDeltas(peek.MarketID, deltas); len(levels) > 0 {
		e.emit(api.NewBookDeltaEvent(peek.MarketID, levels))
	}
	e.emit(api.NewOrderEvent(res.Order))
	e.metrics.CancelsTotal.Inc()

	e.logger.Info("order cancelled",
		"order", orderID, "market", peek.MarketID, "user", userID, "refund", res.RefundSats)
	return res, nil
}

// CancelAllOrders pulls every resting order a user has, optionally scoped
// to one market, in a single commit. Partial fills keep their bets; only
// the live reserves come back.
func (e *Engine) CancelAllOrders(ctx context.Context, userID, marketID string) (*types.CancelAllResult, error) {
	// Learn which markets we will touch so their locks can be taken in
	// sorted order before the transaction opens.
	resting, err := e.store.RestingOrdersCtx(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if len(resting) == 0 {
		return &types.CancelAllResult{}, nil
	}
	markets := make([]string, 0, len(resting))
	inScope := make(map[string]bool, len(resting))
	for _, o := range resting {
		markets = append(markets, o.MarketID)
		inScope[o.MarketID] = true
	}
	unlock := e.lockMarkets(markets)
	defer unlock()

	var (
		res       *types.CancelAllResult
		deltas    map[string][]depthDelta
		cancelled []*types.Order
	)
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, deltas, cancelled = nil, make(map[string][]depthDelta), nil

		// Re-read inside the transaction; some may have filled or been
		// cancelled since the peek.
		orders, err := e.store.RestingOrders(tx, userID, marketID)
		if err != nil {
			return err
		}

		var refunded int64
		for _, order := range orders {
			if !inScope[order.MarketID] {
				// Placed after the peek; its market lock is not held.
				continue
			}
			refund := order.ReservedSats
			if err := e.store.CancelOrderRow(tx, order.ID); err != nil {
				return err
			}
			if refund > 0 {
				if _, err := e.store.Credit(tx, userID, refund, types.TxnOrderCancelled, order.ID, ""); err != nil {
					return err
				}
			}
			if remaining := order.RemainingSats(); remaining > 0 {
				deltas[order.MarketID] = append(deltas[order.MarketID],
					depthDelta{side: order.Side, price: order.PriceCents, delta: -remaining})
			}
			order.Status = types.OrderCancelled
			order.ReservedSats = 0
			refunded += refund
			cancelled = append(cancelled, order)
		}
		res = &types.CancelAllResult{Cancelled: len(cancelled), RefundSats: refunded}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, ds := range deltas {
		if levels := e.applyDeltas(id, ds); len(levels) > 0 {
			e.emit(api.NewBookDeltaEvent(id, levels))
		}
	}
	for _, order := range cancelled {
		e.emit(api.NewOrderEvent(order))
	}
	e.metrics.CancelsTotal.Add(float64(res.Cancelled))

	e.logger.Info("orders cancelled",
		"user", userID, "market", marketID, "count", res.Cancelled, "refund", res.RefundSats)
	return res, nil
}
