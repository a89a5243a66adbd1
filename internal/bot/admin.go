package bot

import (
	"context"
	"database/sql"
	"fmt"

	"satsbook/internal/risk"
	"satsbook/pkg/types"
)

// Deploy activates the maker and quotes every open enabled market.
// Idempotent: deploying an active maker just re-runs the pass, which is
// how an operator forces a full requote.
func (b *Bot) Deploy(ctx context.Context, adminID string) (*types.MakerStatus, error) {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		cfg, err := b.store.GetBotConfig(tx)
		if err != nil {
			return err
		}
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		cfg.IsActive = true
		if err := b.store.UpdateBotConfig(tx, cfg); err != nil {
			return err
		}
		return b.store.AppendActivity(tx, types.ActivityEntry{
			Action:         types.BotActionDeploy,
			ExposureBefore: exp.TotalAtRiskSats,
			ExposureAfter:  exp.TotalAtRiskSats,
			TierBefore:     exp.CurrentTier,
			TierAfter:      exp.CurrentTier,
			Detail:         "by " + adminID,
		})
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("maker deployed", "admin", adminID)

	if err := b.reconcileAll(ctx, "deploy"); err != nil {
		return nil, err
	}
	return b.status(ctx)
}

// Withdraw deactivates the maker and pulls every quote it has resting,
// across all markets. Reserved costs come back to the maker's balance;
// filled bets stay pending and resolve with their markets.
func (b *Bot) Withdraw(ctx context.Context, adminID string) (*types.MakerStatus, error) {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var maker string
	var exp *types.BotExposure
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		cfg, err := b.store.GetBotConfig(tx)
		if err != nil {
			return err
		}
		exp, err = b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		cfg.IsActive = false
		maker = cfg.UserID
		return b.store.UpdateBotConfig(tx, cfg)
	})
	if err != nil {
		return nil, err
	}

	res, err := b.eng.CancelAllOrders(ctx, maker, "")
	if err != nil {
		return nil, err
	}
	b.logger.Info("maker withdrawn",
		"admin", adminID, "cancelled", res.Cancelled, "refund", res.RefundSats)

	err = b.logActivity(ctx, types.ActivityEntry{
		Action:         types.BotActionWithdraw,
		ExposureBefore: exp.TotalAtRiskSats,
		ExposureAfter:  exp.TotalAtRiskSats,
		TierBefore:     exp.CurrentTier,
		TierAfter:      exp.CurrentTier,
		Detail:         fmt.Sprintf("by %s cancelled=%d refund=%d", adminID, res.Cancelled, res.RefundSats),
	})
	if err != nil {
		return nil, err
	}
	return b.status(ctx)
}

// SetConfig rewrites the maker's risk knobs. The stored tier is recomputed
// against the new cap so the next exposure notice compares like with like.
// An active maker requotes immediately; targets everywhere may change.
func (b *Bot) SetConfig(ctx context.Context, adminID string, maxLossSats int64, thresholdPct int, globalMult float64) (*types.BotConfig, error) {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if maxLossSats <= 0 {
		return nil, types.NewError(types.CodeInvalidArgument, "max_loss_sats must be positive, got %d", maxLossSats)
	}
	if thresholdPct <= 0 || thresholdPct > 100 {
		return nil, types.NewError(types.CodeInvalidArgument, "threshold_percent must be in 1..100, got %d", thresholdPct)
	}
	if globalMult <= 0 {
		return nil, types.NewError(types.CodeInvalidArgument, "global_multiplier must be positive, got %g", globalMult)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var cfg *types.BotConfig
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		cfg, err = b.store.GetBotConfig(tx)
		if err != nil {
			return err
		}
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		cfg.MaxLossSats = maxLossSats
		cfg.ThresholdPercent = thresholdPct
		cfg.GlobalMultiplier = globalMult
		if err := b.store.UpdateBotConfig(tx, cfg); err != nil {
			return err
		}
		tier := risk.Tier(exp.TotalAtRiskSats, maxLossSats, thresholdPct)
		if err := b.store.SetBotExposure(tx, exp.TotalAtRiskSats, tier); err != nil {
			return err
		}
		return b.store.AppendActivity(tx, types.ActivityEntry{
			Action:         types.BotActionConfig,
			ExposureBefore: exp.TotalAtRiskSats,
			ExposureAfter:  exp.TotalAtRiskSats,
			TierBefore:     exp.CurrentTier,
			TierAfter:      tier,
			Detail:         fmt.Sprintf("by %s max_loss=%d threshold=%d mult=%g", adminID, maxLossSats, thresholdPct, globalMult),
		})
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("maker config updated",
		"admin", adminID, "max_loss", maxLossSats, "threshold_pct", thresholdPct, "global_mult", globalMult)

	if cfg.IsActive {
		if err := b.reconcileAll(ctx, "config"); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SetOverride scales or disables the maker on one market.
func (b *Bot) SetOverride(ctx context.Context, adminID, marketID string, typ types.OverrideType, multiplier float64) error {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	switch typ {
	case types.OverrideScale:
		if multiplier <= 0 {
			return types.NewError(types.CodeInvalidArgument, "scale override needs a positive multiplier, got %g", multiplier)
		}
	case types.OverrideDisable:
		multiplier = 0
	default:
		return types.NewError(types.CodeInvalidArgument, "unknown override type %q", typ)
	}
	if _, err := b.store.GetMarket(ctx, marketID); err != nil {
		return err
	}

	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		err = b.store.UpsertOverride(tx, types.MarketOverride{
			MarketID:   marketID,
			Type:       typ,
			Multiplier: multiplier,
		})
		if err != nil {
			return err
		}
		return b.store.AppendActivity(tx, types.ActivityEntry{
			Action:         types.BotActionOverride,
			MarketID:       marketID,
			ExposureBefore: exp.TotalAtRiskSats,
			ExposureAfter:  exp.TotalAtRiskSats,
			TierBefore:     exp.CurrentTier,
			TierAfter:      exp.CurrentTier,
			Detail:         fmt.Sprintf("by %s type=%s mult=%g", adminID, typ, multiplier),
		})
	})
	if err != nil {
		return err
	}
	b.logger.Info("market override set", "admin", adminID, "market", marketID, "type", typ, "mult", multiplier)

	return b.ReconcileMarket(ctx, marketID, "override")
}

// ClearOverride removes a market's override and requotes it at curve scale.
func (b *Bot) ClearOverride(ctx context.Context, adminID, marketID string) error {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		if err := b.store.DeleteOverride(tx, marketID); err != nil {
			return err
		}
		return b.store.AppendActivity(tx, types.ActivityEntry{
			Action:         types.BotActionOverride,
			MarketID:       marketID,
			ExposureBefore: exp.TotalAtRiskSats,
			ExposureAfter:  exp.TotalAtRiskSats,
			TierBefore:     exp.CurrentTier,
			TierAfter:      exp.CurrentTier,
			Detail:         "by " + adminID + " cleared",
		})
	})
	if err != nil {
		return err
	}
	b.logger.Info("market override cleared", "admin", adminID, "market", marketID)

	return b.ReconcileMarket(ctx, marketID, "override")
}

// SetCurve replaces the buy curve for one market type. Prices must be
// unique and inside the valid band; an empty point list clears the curve,
// which pulls the maker's quotes from markets of that type on the next
// pass.
func (b *Bot) SetCurve(ctx context.Context, adminID string, marketType types.MarketType, points []types.CurvePoint) error {
	if err := b.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if !marketType.Valid() {
		return types.NewError(types.CodeInvalidArgument, "unknown market type %q", marketType)
	}
	seen := make(map[int]bool, len(points))
	for _, pt := range points {
		if pt.PriceCents < types.MinPriceCents || pt.PriceCents > types.MaxPriceCents {
			return types.NewError(types.CodeInvalidPrice,
				"curve price %d out of range [%d, %d]", pt.PriceCents, types.MinPriceCents, types.MaxPriceCents)
		}
		if pt.WeightSats <= 0 {
			return types.NewError(types.CodeInvalidArgument, "curve weight at price %d must be positive", pt.PriceCents)
		}
		if seen[pt.PriceCents] {
			return types.NewError(types.CodeInvalidArgument, "duplicate curve price %d", pt.PriceCents)
		}
		seen[pt.PriceCents] = true
	}

	var active bool
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		cfg, err := b.store.GetBotConfig(tx)
		if err != nil {
			return err
		}
		exp, err := b.store.GetBotExposure(tx)
		if err != nil {
			return err
		}
		active = cfg.IsActive
		if err := b.store.ReplaceCurve(tx, marketType, points); err != nil {
			return err
		}
		return b.store.AppendActivity(tx, types.ActivityEntry{
			Action:         types.BotActionCurve,
			ExposureBefore: exp.TotalAtRiskSats,
			ExposureAfter:  exp.TotalAtRiskSats,
			TierBefore:     exp.CurrentTier,
			TierAfter:      exp.CurrentTier,
			Detail:         fmt.Sprintf("by %s type=%s points=%d", adminID, marketType, len(points)),
		})
	})
	if err != nil {
		return err
	}
	b.logger.Info("buy curve replaced", "admin", adminID, "type", marketType, "points", len(points))

	if active {
		return b.ReconcileAll(ctx, "curve")
	}
	return nil
}

// Curve returns the buy curve for one market type.
func (b *Bot) Curve(ctx context.Context, marketType types.MarketType) ([]types.CurvePoint, error) {
	if !marketType.Valid() {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown market type %q", marketType)
	}
	var points []types.CurvePoint
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		points, err = b.store.CurvePoints(tx, marketType)
		return err
	})
	return points, err
}

// Activity returns the maker's latest audit rows, newest first.
func (b *Bot) Activity(ctx context.Context, limit int) ([]types.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return b.store.RecentActivity(ctx, limit)
}

// GetStatus reports the maker's config, exposure and current pullback.
func (b *Bot) GetStatus(ctx context.Context) (*types.MakerStatus, error) {
	return b.status(ctx)
}

func (b *Bot) status(ctx context.Context) (*types.MakerStatus, error) {
	cfg, err := b.store.GetBotConfigCtx(ctx)
	if err != nil {
		return nil, err
	}
	exp, err := b.store.GetBotExposureCtx(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := b.store.ListOverrides(ctx)
	if err != nil {
		return nil, err
	}
	markets, err := b.store.MakerMarkets(ctx)
	if err != nil {
		return nil, err
	}
	return &types.MakerStatus{
		Config:        *cfg,
		Exposure:      *exp,
		PullbackRatio: risk.Pullback(exp.TotalAtRiskSats, cfg.MaxLossSats),
		MarketsQuoted: len(markets),
		Overrides:     overrides,
	}, nil
}
