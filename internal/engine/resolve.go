package engine

import (
	"context"
	"database/sql"
	"time"

	"satsbook/internal/api"
	"satsbook/pkg/types"
)

// ResolveMarket settles a market to the winning side. Winning bets pay
// their face value, losing bets get a zero-amount receipt, and every
// resting order is cancelled with its reserve refunded, all in one commit.
// Only admins resolve; markets must be open or pending resolution.
func (e *Engine) ResolveMarket(ctx context.Context, adminID, marketID string, winning types.Side, notes string) (*types.ResolveResult, error) {
	if !winning.Valid() {
		return nil, types.NewError(types.CodeInvalidSide, "winning side must be yes or no, got %q", winning)
	}
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	var (
		res    *types.ResolveResult
		notice *MakerNotice
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, notice = nil, nil

		market, err := e.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.Resolvable() {
			return types.NewError(types.CodeMarketUnavailable, "market %s is %s", marketID, market.Status)
		}

		bets, err := e.store.PendingBetsByMarket(tx, marketID)
		if err != nil {
			return err
		}
		var won, lost int
		var paid int64
		for _, b := range bets {
			if b.Side == winning {
				if err := e.store.SetBetResult(tx, b.ID, types.BetWon); err != nil {
					return err
				}
				// Bets auto-settled down to zero face are inert; flip the
				// result but pay nothing.
				if b.AmountSats > 0 {
					if _, err := e.store.Credit(tx, b.UserID, b.AmountSats, types.TxnBetWon, b.ID, ""); err != nil {
						return err
					}
					paid += b.AmountSats
				}
				won++
			} else {
				if err := e.store.SetBetResult(tx, b.ID, types.BetLost); err != nil {
					return err
				}
				if b.AmountSats > 0 {
					if _, err := e.store.RecordLoss(tx, b.UserID, b.ID); err != nil {
						return err
					}
				}
				lost++
			}
		}

		orders, err := e.store.RestingOrdersByMarket(tx, marketID)
		if err != nil {
			return err
		}
		var refunded int64
		for _, o := range orders {
			if err := e.store.CancelOrderRow(tx, o.ID); err != nil {
				return err
			}
			if o.ReservedSats > 0 {
				if _, err := e.store.Credit(tx, o.UserID, o.ReservedSats, types.TxnOrderCancelled, o.ID, "market resolved"); err != nil {
					return err
				}
				refunded += o.ReservedSats
			}
		}

		if err := e.store.MarkResolved(tx, marketID, winning, notes, time.Now()); err != nil {
			return err
		}

		if len(bets) > 0 {
			notice, err = e.updateMakerExposure(tx, marketID)
			if err != nil {
				return err
			}
		}

		res = &types.ResolveResult{
			MarketID:        marketID,
			WinningSide:     winning,
			BetsWon:         won,
			BetsLost:        lost,
			PaidOutSats:     paid,
			OrdersCancelled: len(orders),
			RefundSats:      refunded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.books.Get(marketID).Clear()
	e.emit(api.NewResolutionEvent(*res))
	e.notifyMaker(notice)
	e.metrics.ResolutionsTotal.Inc()
	e.metrics.CancelsTotal.Add(float64(res.OrdersCancelled))

	e.logger.Info("market resolved",
		"market", marketID,
		"winning", winning,
		"bets_won", res.BetsWon,
		"bets_lost", res.BetsLost,
		"paid_sats", res.PaidOutSats,
		"orders_cancelled", res.OrdersCancelled,
	)
	return res, nil
}
