package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"satsbook/pkg/types"
)

const orderCols = "id, market_id, user_id, side, price_cents, amount_sats, filled_sats, reserved_sats, status, created_at, updated_at"

func scanOrder(row scanner) (*types.Order, error) {
	var o types.Order
	var created, updated int64
	if err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.PriceCents,
		&o.AmountSats, &o.FilledSats, &o.ReservedSats, &o.Status, &created, &updated); err != nil {
		return nil, err
	}
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}

// InsertOrder writes a new order row.
func (s *Store) InsertOrder(tx *sql.Tx, o *types.Order) error {
	_, err := tx.Exec(
		"INSERT INTO orders ("+orderCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.MarketID, o.UserID, o.Side, o.PriceCents, o.AmountSats,
		o.FilledSats, o.ReservedSats, o.Status, millis(o.CreatedAt), millis(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder fetches an order by ID.
func (s *Store) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+orderCols+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// GetOrderTx fetches an order by ID inside a transaction.
func (s *Store) GetOrderTx(tx *sql.Tx, id string) (*types.Order, error) {
	row := tx.QueryRow("SELECT "+orderCols+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// CrossingOrders returns resting orders on makerSide priced at or above
// minPrice, best price first and oldest first within a price. IDs are
// time-ordered, so "ORDER BY id" is strict arrival order.
func (s *Store) CrossingOrders(tx *sql.Tx, marketID string, makerSide types.Side, minPrice int) ([]*types.Order, error) {
	rows, err := tx.Query(
		"SELECT "+orderCols+` FROM orders
		 WHERE market_id = ? AND side = ? AND status IN (?, ?) AND price_cents >= ?
		 ORDER BY price_cents DESC, id ASC`,
		marketID, makerSide, types.OrderOpen, types.OrderPartial, minPrice,
	)
	if err != nil {
		return nil, fmt.Errorf("crossing orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// UpdateOrderFill rewrites an order's fill progress, live reserve and
// status after matching.
func (s *Store) UpdateOrderFill(tx *sql.Tx, id string, filled, reserved int64, status types.OrderStatus) error {
	res, err := tx.Exec(
		"UPDATE orders SET filled_sats = ?, reserved_sats = ?, status = ?, updated_at = ? WHERE id = ?",
		filled, reserved, status, millis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	return requireRow(res, "order", id)
}

// CancelOrderRow marks an order cancelled and zeroes its reserve.
func (s *Store) CancelOrderRow(tx *sql.Tx, id string) error {
	res, err := tx.Exec(
		"UPDATE orders SET status = ?, reserved_sats = 0, updated_at = ? WHERE id = ?",
		types.OrderCancelled, millis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return requireRow(res, "order", id)
}

// RestingOrders returns a user's open and partial orders, oldest first.
// Pass marketID "" for all markets.
func (s *Store) RestingOrders(tx *sql.Tx, userID, marketID string) ([]*types.Order, error) {
	query := "SELECT " + orderCols + " FROM orders WHERE user_id = ? AND status IN (?, ?)"
	args := []any{userID, types.OrderOpen, types.OrderPartial}
	if marketID != "" {
		query += " AND market_id = ?"
		args = append(args, marketID)
	}
	query += " ORDER BY id ASC"

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("resting orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// RestingOrdersCtx is RestingOrders outside a transaction, for read paths.
func (s *Store) RestingOrdersCtx(ctx context.Context, userID, marketID string) ([]*types.Order, error) {
	query := "SELECT " + orderCols + " FROM orders WHERE user_id = ? AND status IN (?, ?)"
	args := []any{userID, types.OrderOpen, types.OrderPartial}
	if marketID != "" {
		query += " AND market_id = ?"
		args = append(args, marketID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resting orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// RestingOrdersByMarket returns every live order in one market, used when a
// resolution sweeps the book.
func (s *Store) RestingOrdersByMarket(tx *sql.Tx, marketID string) ([]*types.Order, error) {
	rows, err := tx.Query(
		"SELECT "+orderCols+" FROM orders WHERE market_id = ? AND status IN (?, ?) ORDER BY id ASC",
		marketID, types.OrderOpen, types.OrderPartial,
	)
	if err != nil {
		return nil, fmt.Errorf("resting orders by market: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// OrdersByUser lists a user's orders in any status, newest first.
func (s *Store) OrdersByUser(ctx context.Context, userID string, limit int) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderCols+" FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("orders by user: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ReservedByUser sums the live reserves of a user's resting orders.
func (s *Store) ReservedByUser(tx *sql.Tx, userID string) (int64, error) {
	var sum int64
	err := tx.QueryRow(
		"SELECT COALESCE(SUM(reserved_sats), 0) FROM orders WHERE user_id = ? AND status IN (?, ?)",
		userID, types.OrderOpen, types.OrderPartial,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("reserved by user: %w", err)
	}
	return sum, nil
}

// BookLevel is one aggregated depth row from the order table.
type BookLevel struct {
	MarketID   string
	Side       types.Side
	PriceCents int
	AmountSats int64
}

// OpenLevels aggregates resting face value per (market, side, price) for
// rebuilding the in-memory depth mirror at boot. Pass marketID "" for all
// markets.
func (s *Store) OpenLevels(ctx context.Context, marketID string) ([]BookLevel, error) {
	query := `SELECT market_id, side, price_cents, SUM(amount_sats - filled_sats)
		FROM orders WHERE status IN (?, ?)`
	args := []any{types.OrderOpen, types.OrderPartial}
	if marketID != "" {
		query += " AND market_id = ?"
		args = append(args, marketID)
	}
	query += " GROUP BY market_id, side, price_cents ORDER BY market_id, side, price_cents DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("open levels: %w", err)
	}
	defer rows.Close()

	var out []BookLevel
	for rows.Next() {
		var l BookLevel
		if err := rows.Scan(&l.MarketID, &l.Side, &l.PriceCents, &l.AmountSats); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func collectOrders(rows *sql.Rows) ([]*types.Order, error) {
	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
