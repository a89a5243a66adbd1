// Package bot runs the house market maker: a regular exchange account that
// keeps passive YES quotes resting on every enabled market, sized by a
// per-market-type buy curve and pulled back as its at-risk exposure climbs
// toward a hard loss cap.
//
// All risk state lives in the store (bot_config, bot_exposure, overrides,
// buy curves); the engine recomputes exposure inside every commit that
// touches the maker's bets and pushes a notice when the tier moved. The
// loop here only decides WHEN to requote — the math is pkg risk, the money
// movement is the ordinary engine pipeline, so the maker can never bypass
// balance checks or matching rules.
//
// Quote placement is deliberately not atomic with the trigger: a pass
// gathers a plan from one store snapshot, then cancels and places through
// the engine one commit at a time. A plan gone stale mid-pass is harmless —
// the commit that invalidated it raised another notice.
package bot

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"satsbook/internal/config"
	"satsbook/internal/engine"
	"satsbook/internal/metrics"
	"satsbook/internal/store"
	"satsbook/pkg/types"
)

// Bot is the house maker. Safe for concurrent use; full reconciliation
// passes serialize on mu so a deploy and a tier-change pass cannot
// interleave their cancels and placements.
type Bot struct {
	cfg     config.MakerConfig
	store   *store.Store
	eng     *engine.Engine
	metrics *metrics.Collector
	logger  *slog.Logger

	mu sync.Mutex
}

// New wires the maker onto the engine it trades through.
func New(cfg config.Config, st *store.Store, eng *engine.Engine, mets *metrics.Collector, logger *slog.Logger) *Bot {
	return &Bot{
		cfg:     cfg.Maker,
		store:   st,
		eng:     eng,
		metrics: mets,
		logger:  logger.With("component", "maker"),
	}
}

// Seed creates the maker's user account and the persisted config and
// exposure singletons if this is the first boot. The file config only
// supplies first-boot defaults; afterwards the store rows are the truth
// and survive restarts with whatever the operator set.
func (b *Bot) Seed(ctx context.Context) (*types.User, error) {
	user, err := b.store.EnsureUser(ctx, b.cfg.Username, false, true)
	if err != nil {
		return nil, err
	}
	err = b.store.SeedMakerState(ctx, types.BotConfig{
		UserID:           user.ID,
		IsActive:         false,
		MaxLossSats:      b.cfg.MaxLossSats,
		ThresholdPercent: b.cfg.ThresholdPercent,
		GlobalMultiplier: b.cfg.GlobalMultiplier,
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("maker seeded", "user", user.ID, "username", user.Username)
	return user, nil
}

// Run consumes exposure notices from the engine until ctx is cancelled.
// Only a tier change requotes; sub-tier exposure drift is ignored so small
// fills do not thrash the book. Blocks; run it on its own goroutine.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("maker loop started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("maker loop stopped")
			return
		case n := <-b.eng.MakerNotices():
			if !n.TierChanged() {
				continue
			}
			b.onTierChange(ctx, n)
		}
	}
}

// onTierChange records the crossing and requotes every market. The notice
// only says the tier moved; the pass re-reads config and exposure from the
// store, so notices dropped under load cost nothing but latency.
func (b *Bot) onTierChange(ctx context.Context, n engine.MakerNotice) {
	b.logger.Info("exposure tier changed",
		"market", n.MarketID, "at_risk", n.AtRiskSats, "tier", n.Tier, "prev_tier", n.PrevTier)

	if err := b.logActivity(ctx, types.ActivityEntry{
		Action:         types.BotActionTierChange,
		MarketID:       n.MarketID,
		ExposureBefore: n.AtRiskSats,
		ExposureAfter:  n.AtRiskSats,
		TierBefore:     n.PrevTier,
		TierAfter:      n.Tier,
	}); err != nil {
		b.logger.Error("activity log append failed", "error", err)
	}

	if err := b.ReconcileAll(ctx, "tier_change"); err != nil {
		b.logger.Error("tier-change reconciliation failed", "error", err)
	}
}

// logActivity appends one audit row in its own small commit.
func (b *Bot) logActivity(ctx context.Context, e types.ActivityEntry) error {
	return b.store.WithTx(ctx, func(tx *sql.Tx) error {
		return b.store.AppendActivity(tx, e)
	})
}

// requireAdmin loads the user and checks the admin bit.
func (b *Bot) requireAdmin(ctx context.Context, userID string) error {
	u, err := b.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsAdmin {
		return types.NewError(types.CodeNotOwner, "operation requires an admin")
	}
	return nil
}
