package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"satsbook/pkg/types"
)

// The house maker's state is four small tables: a singleton config row, a
// singleton exposure row, per-market overrides and per-type buy curves.
// Config and exposure are re-read inside every reconciliation so that an
// operator edit in one process is honoured by the next commit in another.

// SeedMakerState inserts the config and exposure singletons if absent.
// Called once at boot with file-config defaults; later edits happen through
// UpdateBotConfig and survive restarts.
func (s *Store) SeedMakerState(ctx context.Context, cfg types.BotConfig) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := millis(time.Now())
		_, err := tx.Exec(
			`INSERT INTO bot_config (id, user_id, is_active, max_loss_sats, threshold_percent, global_multiplier, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			cfg.UserID, cfg.IsActive, cfg.MaxLossSats, cfg.ThresholdPercent, cfg.GlobalMultiplier, now,
		)
		if err != nil {
			return fmt.Errorf("seed bot_config: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO bot_exposure (id, total_at_risk_sats, current_tier, updated_at)
			 VALUES (1, 0, 0, ?)
			 ON CONFLICT (id) DO NOTHING`,
			now,
		)
		if err != nil {
			return fmt.Errorf("seed bot_exposure: %w", err)
		}
		return nil
	})
}

// GetBotConfig reads the maker's config row inside a transaction.
func (s *Store) GetBotConfig(tx *sql.Tx) (*types.BotConfig, error) {
	var c types.BotConfig
	var updated int64
	err := tx.QueryRow(
		"SELECT user_id, is_active, max_loss_sats, threshold_percent, global_multiplier, updated_at FROM bot_config WHERE id = 1",
	).Scan(&c.UserID, &c.IsActive, &c.MaxLossSats, &c.ThresholdPercent, &c.GlobalMultiplier, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "maker config not seeded")
	}
	if err != nil {
		return nil, fmt.Errorf("get bot config: %w", err)
	}
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// GetBotConfigCtx reads the maker's config row outside a transaction.
func (s *Store) GetBotConfigCtx(ctx context.Context) (*types.BotConfig, error) {
	var c *types.BotConfig
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.GetBotConfig(tx)
		return err
	})
	return c, err
}

// UpdateBotConfig rewrites the maker's config row.
func (s *Store) UpdateBotConfig(tx *sql.Tx, c *types.BotConfig) error {
	res, err := tx.Exec(
		`UPDATE bot_config SET user_id = ?, is_active = ?, max_loss_sats = ?,
			threshold_percent = ?, global_multiplier = ?, updated_at = ?
		 WHERE id = 1`,
		c.UserID, c.IsActive, c.MaxLossSats, c.ThresholdPercent, c.GlobalMultiplier, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("update bot config: %w", err)
	}
	return requireRow(res, "bot_config", "1")
}

// GetBotExposure reads the maker's exposure row inside a transaction.
func (s *Store) GetBotExposure(tx *sql.Tx) (*types.BotExposure, error) {
	var e types.BotExposure
	var updated int64
	err := tx.QueryRow(
		"SELECT total_at_risk_sats, current_tier, updated_at FROM bot_exposure WHERE id = 1",
	).Scan(&e.TotalAtRiskSats, &e.CurrentTier, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "maker exposure not seeded")
	}
	if err != nil {
		return nil, fmt.Errorf("get bot exposure: %w", err)
	}
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

// GetBotExposureCtx reads the maker's exposure row outside a transaction.
func (s *Store) GetBotExposureCtx(ctx context.Context) (*types.BotExposure, error) {
	var e *types.BotExposure
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = s.GetBotExposure(tx)
		return err
	})
	return e, err
}

// SetBotExposure rewrites the exposure singleton.
func (s *Store) SetBotExposure(tx *sql.Tx, totalAtRisk int64, tier int) error {
	res, err := tx.Exec(
		"UPDATE bot_exposure SET total_at_risk_sats = ?, current_tier = ?, updated_at = ? WHERE id = 1",
		totalAtRisk, tier, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set bot exposure: %w", err)
	}
	return requireRow(res, "bot_exposure", "1")
}

// GetOverride returns the maker override for a market, or nil if none.
func (s *Store) GetOverride(tx *sql.Tx, marketID string) (*types.MarketOverride, error) {
	var o types.MarketOverride
	var updated int64
	err := tx.QueryRow(
		"SELECT market_id, type, multiplier, updated_at FROM bot_market_overrides WHERE market_id = ?",
		marketID,
	).Scan(&o.MarketID, &o.Type, &o.Multiplier, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}

// ListOverrides returns every live maker override.
func (s *Store) ListOverrides(ctx context.Context) ([]types.MarketOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT market_id, type, multiplier, updated_at FROM bot_market_overrides ORDER BY market_id")
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []types.MarketOverride
	for rows.Next() {
		var o types.MarketOverride
		var updated int64
		if err := rows.Scan(&o.MarketID, &o.Type, &o.Multiplier, &updated); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.UpdatedAt = fromMillis(updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertOverride writes or replaces a market override.
func (s *Store) UpsertOverride(tx *sql.Tx, o types.MarketOverride) error {
	_, err := tx.Exec(
		`INSERT INTO bot_market_overrides (market_id, type, multiplier, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (market_id) DO UPDATE SET type = excluded.type,
			multiplier = excluded.multiplier, updated_at = excluded.updated_at`,
		o.MarketID, o.Type, o.Multiplier, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	return nil
}

// DeleteOverride removes a market override, restoring default sizing.
func (s *Store) DeleteOverride(tx *sql.Tx, marketID string) error {
	_, err := tx.Exec("DELETE FROM bot_market_overrides WHERE market_id = ?", marketID)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

// CurvePoints returns the buy curve for one market type, lowest price first.
func (s *Store) CurvePoints(tx *sql.Tx, marketType types.MarketType) ([]types.CurvePoint, error) {
	rows, err := tx.Query(
		"SELECT market_type, price_cents, weight_sats FROM bot_buy_curves WHERE market_type = ? ORDER BY price_cents ASC",
		marketType,
	)
	if err != nil {
		return nil, fmt.Errorf("curve points: %w", err)
	}
	defer rows.Close()

	var out []types.CurvePoint
	for rows.Next() {
		var p types.CurvePoint
		if err := rows.Scan(&p.MarketType, &p.PriceCents, &p.WeightSats); err != nil {
			return nil, fmt.Errorf("scan curve point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceCurve swaps the whole buy curve for one market type.
func (s *Store) ReplaceCurve(tx *sql.Tx, marketType types.MarketType, points []types.CurvePoint) error {
	if _, err := tx.Exec("DELETE FROM bot_buy_curves WHERE market_type = ?", marketType); err != nil {
		return fmt.Errorf("clear curve: %w", err)
	}
	for _, p := range points {
		_, err := tx.Exec(
			"INSERT INTO bot_buy_curves (market_type, price_cents, weight_sats) VALUES (?, ?, ?)",
			marketType, p.PriceCents, p.WeightSats,
		)
		if err != nil {
			return fmt.Errorf("insert curve point %d: %w", p.PriceCents, err)
		}
	}
	return nil
}

// AppendActivity writes one audit row for the maker.
func (s *Store) AppendActivity(tx *sql.Tx, e types.ActivityEntry) error {
	if e.ID == "" {
		e.ID = s.NewID()
	}
	_, err := tx.Exec(
		`INSERT INTO bot_activity_log (id, action, market_id, exposure_before_sats, exposure_after_sats,
			tier_before, tier_after, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.MarketID, e.ExposureBefore, e.ExposureAfter,
		e.TierBefore, e.TierAfter, e.Detail, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// RecentActivity lists the maker's latest audit rows, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]types.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, market_id, exposure_before_sats, exposure_after_sats,
			tier_before, tier_after, detail, created_at
		 FROM bot_activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityEntry
	for rows.Next() {
		var e types.ActivityEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Action, &e.MarketID, &e.ExposureBefore, &e.ExposureAfter,
			&e.TierBefore, &e.TierAfter, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
