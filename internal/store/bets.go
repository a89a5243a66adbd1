package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"satsbook/pkg/types"
)

const betCols = "id, market_id, user_id, counterparty_user_id, side, price_cents, amount_sats, cost_sats, result, taker_order_id, maker_order_id, created_at"

func scanBet(row scanner) (*types.Bet, error) {
	var b types.Bet
	var created int64
	if err := row.Scan(&b.ID, &b.MarketID, &b.UserID, &b.CounterpartyUserID, &b.Side,
		&b.PriceCents, &b.AmountSats, &b.CostSats, &b.Result, &b.TakerOrderID, &b.MakerOrderID, &created); err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(created)
	return &b, nil
}

// InsertBet writes one side of a matched trade.
func (s *Store) InsertBet(tx *sql.Tx, b *types.Bet) error {
	_, err := tx.Exec(
		"INSERT INTO bets ("+betCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.ID, b.MarketID, b.UserID, b.CounterpartyUserID, b.Side, b.PriceCents,
		b.AmountSats, b.CostSats, b.Result, b.TakerOrderID, b.MakerOrderID, millis(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

// GetBet fetches a bet by ID.
func (s *Store) GetBet(ctx context.Context, id string) (*types.Bet, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+betCols+" FROM bets WHERE id = ?", id)
	b, err := scanBet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "bet %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

// PendingFaceSums returns the user's pending face value per side in one
// market. The auto-settle check needs only these two numbers.
func (s *Store) PendingFaceSums(tx *sql.Tx, marketID, userID string) (yes, no int64, err error) {
	err = tx.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END), 0)
		 FROM bets WHERE market_id = ? AND user_id = ? AND result = ?`,
		types.SideYes, types.SideNo, marketID, userID, types.BetPending,
	).Scan(&yes, &no)
	if err != nil {
		return 0, 0, fmt.Errorf("pending face sums: %w", err)
	}
	return yes, no, nil
}

// PendingBetsFIFO returns the user's pending bets on one side of a market
// with face remaining, oldest first, for auto-settle reduction.
func (s *Store) PendingBetsFIFO(tx *sql.Tx, marketID, userID string, side types.Side) ([]*types.Bet, error) {
	rows, err := tx.Query(
		"SELECT "+betCols+` FROM bets
		 WHERE market_id = ? AND user_id = ? AND side = ? AND result = ? AND amount_sats > 0
		 ORDER BY id ASC`,
		marketID, userID, side, types.BetPending,
	)
	if err != nil {
		return nil, fmt.Errorf("pending bets fifo: %w", err)
	}
	defer rows.Close()
	return collectBets(rows)
}

// ReduceBet shrinks a pending bet after auto-settle extinguished part of
// its face. Cost is restated for the remaining stake.
func (s *Store) ReduceBet(tx *sql.Tx, id string, newAmount, newCost int64) error {
	res, err := tx.Exec("UPDATE bets SET amount_sats = ?, cost_sats = ? WHERE id = ?", newAmount, newCost, id)
	if err != nil {
		return fmt.Errorf("reduce bet %s: %w", id, err)
	}
	return requireRow(res, "bet", id)
}

// SetBetResult settles one bet.
func (s *Store) SetBetResult(tx *sql.Tx, id string, result types.BetResult) error {
	res, err := tx.Exec("UPDATE bets SET result = ? WHERE id = ?", result, id)
	if err != nil {
		return fmt.Errorf("set bet result %s: %w", id, err)
	}
	return requireRow(res, "bet", id)
}

// PendingBetsByMarket returns every unsettled bet in a market, oldest
// first, for resolution.
func (s *Store) PendingBetsByMarket(tx *sql.Tx, marketID string) ([]*types.Bet, error) {
	rows, err := tx.Query(
		"SELECT "+betCols+" FROM bets WHERE market_id = ? AND result = ? ORDER BY id ASC",
		marketID, types.BetPending,
	)
	if err != nil {
		return nil, fmt.Errorf("pending bets by market: %w", err)
	}
	defer rows.Close()
	return collectBets(rows)
}

// CountPendingBets returns how many unsettled bets a market holds.
func (s *Store) CountPendingBets(tx *sql.Tx, marketID string) (int, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM bets WHERE market_id = ? AND result = ?",
		marketID, types.BetPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending bets: %w", err)
	}
	return n, nil
}

// BetsByUser lists a user's bets, newest first.
func (s *Store) BetsByUser(ctx context.Context, userID string, limit int) ([]*types.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+betCols+" FROM bets WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("bets by user: %w", err)
	}
	defer rows.Close()
	return collectBets(rows)
}

// Positions aggregates a user's pending stake per market.
func (s *Store) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id,
			COALESCE(SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = ? THEN cost_sats ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = ? THEN cost_sats ELSE 0 END), 0),
			COUNT(*)
		 FROM bets WHERE user_id = ? AND result = ? AND amount_sats > 0
		 GROUP BY market_id ORDER BY market_id`,
		types.SideYes, types.SideNo, types.SideYes, types.SideNo, userID, types.BetPending,
	)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		if err := rows.Scan(&p.MarketID, &p.YesFaceSats, &p.NoFaceSats,
			&p.YesCostSats, &p.NoCostSats, &p.PendingCount); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MakerAtRisk recomputes the house maker's total exposure: per market, the
// larger of its pending YES and NO face, summed over all markets. One side
// of each market is guaranteed to pay back, so only the larger side can be
// lost.
func (s *Store) MakerAtRisk(tx *sql.Tx, makerUserID string) (int64, error) {
	var total int64
	err := tx.QueryRow(
		`SELECT COALESCE(SUM(at_risk), 0) FROM (
			SELECT MAX(
				SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END),
				SUM(CASE WHEN side = ? THEN amount_sats ELSE 0 END)
			) AS at_risk
			FROM bets WHERE user_id = ? AND result = ?
			GROUP BY market_id
		)`,
		types.SideYes, types.SideNo, makerUserID, types.BetPending,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("maker at risk: %w", err)
	}
	return total, nil
}

func collectBets(rows *sql.Rows) ([]*types.Bet, error) {
	var out []*types.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
