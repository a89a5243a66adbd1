package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"satsbook/internal/api"
	"satsbook/pkg/types"
)

// CreateMarket opens a new binary market. Admin only.
func (e *Engine) CreateMarket(ctx context.Context, adminID, title string, typ types.MarketType, grandmasterID, eventID string, botEnabled bool) (*types.Market, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "market title is required")
	}
	if !typ.Valid() {
		return nil, types.NewError(types.CodeInvalidArgument, "market type must be event, attendance or winner, got %q", typ)
	}

	market := &types.Market{
		ID:            e.store.NewID(),
		Title:         strings.TrimSpace(title),
		Type:          typ,
		Status:        types.MarketOpen,
		GrandmasterID: grandmasterID,
		EventID:       eventID,
		BotEnabled:    botEnabled,
		CreatedAt:     time.Now(),
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.InsertMarket(tx, market)
	})
	if err != nil {
		return nil, err
	}

	e.books.Get(market.ID) // warm the mirror
	e.logger.Info("market created",
		"market", market.ID, "title", market.Title, "type", typ, "bot_enabled", botEnabled)
	return market, nil
}

// HaltMarket moves an open market to pending_resolution. New orders are
// rejected from the commit on; resting orders stay on the book until the
// market resolves or is voided.
func (e *Engine) HaltMarket(ctx context.Context, adminID, marketID string) (*types.Market, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	var market *types.Market
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := e.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		if m.Status != types.MarketOpen {
			return types.NewError(types.CodeMarketUnavailable, "market %s is %s", marketID, m.Status)
		}
		if err := e.store.SetMarketStatus(tx, marketID, types.MarketPendingResolution); err != nil {
			return err
		}
		m.Status = types.MarketPendingResolution
		market = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("market halted", "market", marketID)
	return market, nil
}

// CancelMarket voids a market that never traded: resting orders are
// cancelled with their reserves refunded and the market closes as
// cancelled. A market holding pending bets cannot be voided, because a
// fair unwind of matched bets does not exist once offset settlement has
// paid out; resolve it instead.
func (e *Engine) CancelMarket(ctx context.Context, adminID, marketID string) (*types.CancelAllResult, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	var res *types.CancelAllResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		res = nil

		m, err := e.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		if m.Status != types.MarketOpen && m.Status != types.MarketPendingResolution {
			return types.NewError(types.CodeMarketUnavailable, "market %s is %s", marketID, m.Status)
		}
		pending, err := e.store.CountPendingBets(tx, marketID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return types.NewError(types.CodeMarketUnavailable,
				"market %s has %d pending bets, resolve instead", marketID, pending)
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
				if _, err := e.store.Credit(tx, o.UserID, o.ReservedSats, types.TxnOrderCancelled, o.ID, "market cancelled"); err != nil {
					return err
				}
				refunded += o.ReservedSats
			}
		}
		if err := e.store.SetMarketStatus(tx, marketID, types.MarketCancelled); err != nil {
			return err
		}
		res = &types.CancelAllResult{Cancelled: len(orders), RefundSats: refunded}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.books.Get(marketID).Clear()
	e.metrics.CancelsTotal.Add(float64(res.Cancelled))
	e.logger.Info("market cancelled",
		"market", marketID, "orders_cancelled", res.Cancelled, "refund", res.RefundSats)
	return res, nil
}

// SetMarketBotEnabled flips house maker quoting for one market. Disabling
// also pulls the maker's resting orders there so stale quotes cannot fill
// after the flag is off.
func (e *Engine) SetMarketBotEnabled(ctx context.Context, adminID, marketID string, enabled bool) (*types.Market, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	var (
		market *types.Market
		deltas []depthDelta
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		market, deltas = nil, nil

		m, err := e.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		if m.Status != types.MarketOpen && m.Status != types.MarketPendingResolution {
			return types.NewError(types.CodeMarketUnavailable, "market %s is %s", marketID, m.Status)
		}
		if err := e.store.SetMarketBotEnabled(tx, marketID, enabled); err != nil {
			return err
		}
		m.BotEnabled = enabled

		if !enabled {
			cfg, err := e.store.GetBotConfig(tx)
			if types.IsCode(err, types.CodeNotFound) {
				market = m
				return nil
			}
			if err != nil {
				return err
			}
			orders, err := e.store.RestingOrders(tx, cfg.UserID, marketID)
			if err != nil {
				return err
			}
			for _, o := range orders {
				if err := e.store.CancelOrderRow(tx, o.ID); err != nil {
					return err
				}
				if o.ReservedSats > 0 {
					if _, err := e.store.Credit(tx, cfg.UserID, o.ReservedSats, types.TxnOrderCancelled, o.ID, "maker withdrawn"); err != nil {
						return err
					}
				}
				if remaining := o.RemainingSats(); remaining > 0 {
					deltas = append(deltas, depthDelta{side: o.Side, price: o.PriceCents, delta: -remaining})
				}
			}
		}
		market = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	if levels := e.applyDeltas(marketID, deltas); len(levels) > 0 {
		e.emit(api.NewBookDeltaEvent(marketID, levels))
	}
	e.logger.Info("market maker flag set", "market", marketID, "enabled", enabled)
	return market, nil
}

// requireAdmin loads the user and checks the admin bit.
func (e *Engine) requireAdmin(ctx context.Context, userID string) error {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsAdmin {
		return types.NewError(types.CodeNotOwner, "operation requires an admin")
	}
	return nil
}
