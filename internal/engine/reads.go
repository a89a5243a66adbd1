package engine

import (
	"context"
	"time"

	"satsbook/internal/api"
	"satsbook/pkg/types"
)

// Read-side pass-throughs. The API layer sees the exchange only through
// Engine, never the store, so the transaction and locking discipline stays
// in one place.

// EnsureUser returns the account for a username, creating it on first use.
func (e *Engine) EnsureUser(ctx context.Context, username string) (*types.User, error) {
	return e.store.EnsureUser(ctx, username, false, false)
}

func (e *Engine) GetUser(ctx context.Context, id string) (*types.User, error) {
	return e.store.GetUser(ctx, id)
}

func (e *Engine) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	return e.store.GetUserByUsername(ctx, username)
}

func (e *Engine) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	return e.store.GetMarket(ctx, id)
}

// ListMarkets returns markets newest first, optionally filtered by status.
func (e *Engine) ListMarkets(ctx context.Context, status types.MarketStatus) ([]*types.Market, error) {
	return e.store.ListMarkets(ctx, status)
}

func (e *Engine) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	return e.store.GetOrder(ctx, id)
}

// OrdersOf lists a user's orders newest first.
func (e *Engine) OrdersOf(ctx context.Context, userID string, limit int) ([]*types.Order, error) {
	return e.store.OrdersByUser(ctx, userID, limit)
}

// RestingOrdersOf lists a user's open and partial orders, oldest first,
// optionally scoped to one market.
func (e *Engine) RestingOrdersOf(ctx context.Context, userID, marketID string) ([]*types.Order, error) {
	return e.store.RestingOrdersCtx(ctx, userID, marketID)
}

// BetsOf lists a user's bets newest first.
func (e *Engine) BetsOf(ctx context.Context, userID string, limit int) ([]*types.Bet, error) {
	return e.store.BetsByUser(ctx, userID, limit)
}

// TransactionsOf lists a user's ledger rows newest first.
func (e *Engine) TransactionsOf(ctx context.Context, userID string, limit int) ([]*types.Transaction, error) {
	return e.store.TransactionsByUser(ctx, userID, limit)
}

// GetPositions returns the user's aggregate pending stake per market.
func (e *Engine) GetPositions(ctx context.Context, userID string) ([]types.Position, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.Positions(ctx, userID)
}

// GetOrderBook returns mirrored depth, best price first on both sides.
// depth <= 0 returns every level.
func (e *Engine) GetOrderBook(ctx context.Context, marketID string, depth int) (*types.BookSnapshot, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	snap := e.books.Get(marketID).Snapshot(depth)
	return &snap, nil
}

// Stats summarizes exchange state for the dashboard.
func (e *Engine) Stats(ctx context.Context) (api.StatsSnapshot, error) {
	markets, err := e.store.ListMarkets(ctx, "")
	if err != nil {
		return api.StatsSnapshot{}, err
	}

	snap := api.StatsSnapshot{GeneratedAt: time.Now()}
	for _, m := range markets {
		switch m.Status {
		case types.MarketOpen:
			snap.OpenMarkets++
		case types.MarketPendingResolution:
			snap.PendingMarkets++
		case types.MarketResolved:
			snap.ResolvedMarkets++
		}
	}

	if cfg, err := e.store.GetBotConfigCtx(ctx); err == nil {
		snap.MakerActive = cfg.IsActive
		if exp, err := e.store.GetBotExposureCtx(ctx); err == nil {
			snap.MakerExposureSats = exp.TotalAtRiskSats
			snap.MakerTier = exp.CurrentTier
		}
	} else if !types.IsCode(err, types.CodeNotFound) {
		return api.StatsSnapshot{}, err
	}

	balances, reserves, face, err := e.store.LedgerAudit(ctx)
	if err != nil {
		return api.StatsSnapshot{}, err
	}
	snap.TotalBalanceSats = balances
	snap.RestingReserveSats = reserves
	snap.PendingFaceSats = face
	return snap, nil
}
