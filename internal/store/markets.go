package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"satsbook/pkg/types"
)

const marketCols = "id, title, type, status, grandmaster_id, event_id, bot_enabled, winning_side, resolution_notes, resolved_at, created_at"

func scanMarket(row scanner) (*types.Market, error) {
	var m types.Market
	var created int64
	var resolved sql.NullInt64
	if err := row.Scan(&m.ID, &m.Title, &m.Type, &m.Status, &m.GrandmasterID,
		&m.EventID, &m.BotEnabled, &m.WinningSide, &m.ResolutionNotes, &resolved, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	if resolved.Valid {
		t := fromMillis(resolved.Int64)
		m.ResolvedAt = &t
	}
	return &m, nil
}

// InsertMarket writes a new market row.
func (s *Store) InsertMarket(tx *sql.Tx, m *types.Market) error {
	_, err := tx.Exec(
		`INSERT INTO markets (id, title, type, status, grandmaster_id, event_id, bot_enabled, winning_side, resolution_notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?)`,
		m.ID, m.Title, m.Type, m.Status, m.GrandmasterID, m.EventID, m.BotEnabled, millis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	return nil
}

// GetMarket fetches a market by ID.
func (s *Store) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+marketCols+" FROM markets WHERE id = ?", id)
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "market %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

// GetMarketTx fetches a market by ID inside a transaction.
func (s *Store) GetMarketTx(tx *sql.Tx, id string) (*types.Market, error) {
	row := tx.QueryRow("SELECT "+marketCols+" FROM markets WHERE id = ?", id)
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "market %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns markets, optionally filtered by status. Newest first.
func (s *Store) ListMarkets(ctx context.Context, status types.MarketStatus) ([]*types.Market, error) {
	query := "SELECT " + marketCols + " FROM markets"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []*types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MakerMarkets returns every open market the house maker should quote.
func (s *Store) MakerMarkets(ctx context.Context) ([]*types.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+marketCols+" FROM markets WHERE status = ? AND bot_enabled = 1 ORDER BY id ASC",
		types.MarketOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("maker markets: %w", err)
	}
	defer rows.Close()

	var out []*types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMarketStatus moves a market to a new lifecycle status.
func (s *Store) SetMarketStatus(tx *sql.Tx, id string, status types.MarketStatus) error {
	res, err := tx.Exec("UPDATE markets SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update market %s: %w", id, err)
	}
	return requireRow(res, "market", id)
}

// SetMarketBotEnabled flips whether the house maker quotes this market.
func (s *Store) SetMarketBotEnabled(tx *sql.Tx, id string, enabled bool) error {
	res, err := tx.Exec("UPDATE markets SET bot_enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("update market %s: %w", id, err)
	}
	return requireRow(res, "market", id)
}

// MarkResolved stamps the market resolved with the winning side.
func (s *Store) MarkResolved(tx *sql.Tx, id string, winning types.Side, notes string, at time.Time) error {
	res, err := tx.Exec(
		"UPDATE markets SET status = ?, winning_side = ?, resolution_notes = ?, resolved_at = ? WHERE id = ?",
		types.MarketResolved, winning, notes, millis(at), id,
	)
	if err != nil {
		return fmt.Errorf("resolve market %s: %w", id, err)
	}
	return requireRow(res, "market", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return types.NewError(types.CodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}
