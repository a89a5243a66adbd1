package bot

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/errgroup"

	"satsbook/internal/risk"
	"satsbook/pkg/types"
)

// quoteIntent is one placement the plan wants: face amount at a YES price.
type quoteIntent struct {
	priceCents int
	amountSats int64
}

// quotePlan is the diff between the book the maker has and the book the
// curve wants, computed from a single store snapshot.
type quotePlan struct {
	cancel []string // order IDs, oldest first
	place  []quoteIntent

	exposureBefore int64
	tier           int
	pullback       float64
}

// ReconcileAll requotes every open maker-enabled market. Markets reconcile
// concurrently, bounded by the configured parallelism; per-market commits
// still serialize inside the engine. Holding mu keeps two full passes
// (deploy, tier change, config edit) from interleaving.
func (b *Bot) ReconcileAll(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconcileAll(ctx, reason)
}

func (b *Bot) reconcileAll(ctx context.Context, reason string) error {
	cfg, err := b.store.GetBotConfigCtx(ctx)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		b.logger.Debug("maker inactive, skipping pass", "reason", reason)
		return nil
	}

	markets, err := b.store.MakerMarkets(ctx)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)
	for _, m := range markets {
		g.Go(func() error {
			return b.reconcileMarket(gctx, m.ID, reason)
		})
	}
	return g.Wait()
}

// ReconcileMarket requotes one market. Exported for the admin surface;
// override edits only need to touch the market they changed.
func (b *Bot) ReconcileMarket(ctx context.Context, marketID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconcileMarket(ctx, marketID, reason)
}

// reconcileMarket gathers a plan from one snapshot, then walks it through
// the normal engine pipeline: cancels refund the maker's reserves, new
// quotes reserve like any user order. An INSUFFICIENT_FUNDS placement is
// logged and skipped — the maker's balance is its ultimate cap, and a
// short balance at one price must not starve the rest of the pass.
func (b *Bot) reconcileMarket(ctx context.Context, marketID, reason string) error {
	var (
		plan  quotePlan
		maker string
	)
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		cfg, err := b.store.GetBotConfig(tx)
		if err != nil {
			return err
		}
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		market, err := b.store.GetMarketTx(tx, marketID)
		if err != nil {
			return err
		}
		override, err := b.store.GetOverride(tx, marketID)
		if err != nil {
			return err
		}
		points, err := b.store.CurvePoints(tx, market.Type)
		if err != nil {
			return err
		}
		resting, err := b.store.RestingOrders(tx, cfg.UserID, marketID)
		if err != nil {
			return err
		}
		maker = cfg.UserID
		plan = buildPlan(cfg, exp, market, override, points, resting)
		return nil
	})
	if err != nil {
		return err
	}
	if len(plan.cancel) == 0 && len(plan.place) == 0 {
		return nil
	}

	cancelled, placed := b.execute(ctx, maker, marketID, plan)
	b.metrics.MakerReconciles.Inc()

	after, err := b.store.GetBotExposureCtx(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("market reconciled",
		"market", marketID, "reason", reason, "cancelled", cancelled, "placed", placed,
		"pullback", plan.pullback, "at_risk", after.TotalAtRiskSats)

	return b.logActivity(ctx, types.ActivityEntry{
		Action:         types.BotActionReconcile,
		MarketID:       marketID,
		ExposureBefore: plan.exposureBefore,
		ExposureAfter:  after.TotalAtRiskSats,
		TierBefore:     plan.tier,
		TierAfter:      after.CurrentTier,
		Detail:         fmt.Sprintf("reason=%s cancelled=%d placed=%d pullback=%.2f", reason, cancelled, placed, plan.pullback),
	})
}

// execute runs the plan's cancels then its placements, one engine commit
// each. Races with concurrent fills are expected: an order that filled
// since the snapshot cancels as ORDER_TERMINAL and is simply skipped.
func (b *Bot) execute(ctx context.Context, maker, marketID string, plan quotePlan) (cancelled, placed int) {
	for _, id := range plan.cancel {
		if _, err := b.eng.CancelOrder(ctx, maker, id); err != nil {
			if types.IsCode(err, types.CodeOrderTerminal) {
				continue
			}
			b.logger.Warn("quote cancel failed", "market", marketID, "order", id, "error", err)
			continue
		}
		cancelled++
	}

	for _, q := range plan.place {
		_, err := b.eng.PlaceOrder(ctx, maker, marketID, types.SideYes, q.priceCents, q.amountSats)
		if err != nil {
			switch {
			case types.IsCode(err, types.CodeInsufficientFunds):
				b.logger.Warn("maker balance exhausted",
					"market", marketID, "price", q.priceCents, "amount", q.amountSats, "error", err)
			case types.IsCode(err, types.CodeMarketUnavailable):
				// Market halted or resolved since the snapshot; the
				// rest of this market's plan is moot.
				b.logger.Info("market closed mid-pass", "market", marketID)
				return cancelled, placed
			default:
				b.logger.Error("quote placement failed",
					"market", marketID, "price", q.priceCents, "amount", q.amountSats, "error", err)
			}
			continue
		}
		placed++
		b.metrics.MakerOrdersPlaced.Inc()
	}
	return cancelled, placed
}

// buildPlan diffs the maker's resting YES quotes against the curve targets.
//
// Target at price p is weight·G·mult·pullback floored to whole sats. When
// the maker is over target at a price the oldest orders go first, whole
// orders only; the pipeline has no partial cancel, so an overshoot is
// patched by placing the shortfall back. Orders at prices the curve no
// longer names are cancelled outright — a curve edit must not leave stale
// quotes behind.
//
// An inactive maker, a non-open market, a cleared bot_enabled flag or a
// disable override all collapse the plan to "cancel everything".
func buildPlan(cfg *types.BotConfig, exp *types.BotExposure, market *types.Market,
	override *types.MarketOverride, points []types.CurvePoint, resting []*types.Order) quotePlan {

	plan := quotePlan{
		exposureBefore: exp.TotalAtRiskSats,
		tier:           exp.CurrentTier,
		pullback:       risk.Pullback(exp.TotalAtRiskSats, cfg.MaxLossSats),
	}

	quoting := cfg.IsActive &&
		market.Status == types.MarketOpen &&
		market.BotEnabled &&
		(override == nil || override.Type != types.OverrideDisable)
	if !quoting {
		for _, o := range resting {
			plan.cancel = append(plan.cancel, o.ID)
		}
		return plan
	}

	mult := 1.0
	if override != nil && override.Type == types.OverrideScale {
		mult = override.Multiplier
	}

	onCurve := make(map[int]bool, len(points))
	for _, pt := range points {
		onCurve[pt.PriceCents] = true
	}

	// Group the maker's live YES quotes by price, oldest first within a
	// price (resting is sorted by id). Anything off-curve or on the NO
	// side is stale and goes.
	byPrice := make(map[int][]*types.Order)
	for _, o := range resting {
		if o.Side != types.SideYes || !onCurve[o.PriceCents] {
			plan.cancel = append(plan.cancel, o.ID)
			continue
		}
		byPrice[o.PriceCents] = append(byPrice[o.PriceCents], o)
	}

	for _, pt := range points {
		target := risk.Target(pt.WeightSats, cfg.GlobalMultiplier, mult, plan.pullback)

		var current int64
		for _, o := range byPrice[pt.PriceCents] {
			current += o.RemainingSats()
		}

		if current > target {
			for _, o := range byPrice[pt.PriceCents] {
				if current <= target {
					break
				}
				plan.cancel = append(plan.cancel, o.ID)
				current -= o.RemainingSats()
			}
		}
		if diff := target - current; diff >= types.MinOrderSats {
			plan.place = append(plan.place, quoteIntent{priceCents: pt.PriceCents, amountSats: diff})
		}
	}
	return plan
}
