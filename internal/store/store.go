// Package store persists all exchange state in a single SQLite database.
//
// The database is the source of truth: balances, markets, orders, bets, the
// transaction ledger and the house maker's risk state all live here, and
// every multi-step operation runs inside one transaction so a crash can
// never leave money half-moved. The pool is pinned to one connection, which
// makes SQLite's writer lock the global serialization point; WithTx retries
// a handful of times if an outside process holds the file busy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "modernc.org/sqlite"

	"satsbook/pkg/types"
)

const (
	busyRetries = 5
	busyBackoff = 25 * time.Millisecond
)

// Store wraps the SQLite handle and the ID generator. Snowflake IDs are
// time-ordered, so "ORDER BY id" is creation order for rows minted by this
// process.
type Store struct {
	db        *sql.DB
	ids       *snowflake.Node
	logger    *slog.Logger
	txRetries atomic.Uint64
}

// Open opens (creating if needed) the database at path and applies the
// schema. nodeID must be in [0, 1023]; it namespaces snowflake IDs when
// several processes share a database.
func Open(path string, nodeID int64, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite allows a single writer, and funneling reads
	// through the same connection keeps every operation serializable.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snowflake node: %w", err)
	}

	s := &Store{
		db:     db,
		ids:    node,
		logger: logger.With("component", "store"),
	}
	s.logger.Info("store opened", "path", path)
	return s, nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID mints a time-ordered unique ID.
func (s *Store) NewID() string {
	return s.ids.Generate().String()
}

// TxRetries reports how many transactions hit a busy database since the
// process started.
func (s *Store) TxRetries() uint64 {
	return s.txRetries.Load()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. A busy database is retried up to busyRetries times before the
// caller sees SERVICE_BUSY; every other error passes through unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		s.txRetries.Add(1)
		s.logger.Warn("database busy, retrying", "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff * time.Duration(attempt)):
		}
	}
	return types.NewError(types.CodeServiceBusy, "storage busy after %d attempts", busyRetries)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// scanner lets row helpers accept both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	balance_sats INTEGER NOT NULL DEFAULT 0 CHECK (balance_sats >= 0),
	is_admin     INTEGER NOT NULL DEFAULT 0,
	is_bot       INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'open',
	grandmaster_id TEXT NOT NULL DEFAULT '',
	event_id       TEXT NOT NULL DEFAULT '',
	bot_enabled    INTEGER NOT NULL DEFAULT 0,
	winning_side   TEXT NOT NULL DEFAULT '',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_at    INTEGER,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	market_id     TEXT NOT NULL REFERENCES markets(id),
	user_id       TEXT NOT NULL REFERENCES users(id),
	side          TEXT NOT NULL,
	price_cents   INTEGER NOT NULL CHECK (price_cents BETWEEN 1 AND 99),
	amount_sats   INTEGER NOT NULL CHECK (amount_sats > 0),
	filled_sats   INTEGER NOT NULL DEFAULT 0,
	reserved_sats INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'open',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(market_id, side, status, price_cents);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, status);

CREATE TABLE IF NOT EXISTS bets (
	id                   TEXT PRIMARY KEY,
	market_id            TEXT NOT NULL REFERENCES markets(id),
	user_id              TEXT NOT NULL REFERENCES users(id),
	counterparty_user_id TEXT NOT NULL,
	side                 TEXT NOT NULL,
	price_cents          INTEGER NOT NULL,
	amount_sats          INTEGER NOT NULL CHECK (amount_sats >= 0),
	cost_sats            INTEGER NOT NULL,
	result               TEXT NOT NULL DEFAULT 'pending',
	taker_order_id       TEXT NOT NULL,
	maker_order_id       TEXT NOT NULL,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id, result);
CREATE INDEX IF NOT EXISTS idx_bets_user ON bets(user_id, result, market_id);

CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	type               TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'completed',
	amount_sats        INTEGER NOT NULL,
	balance_after_sats INTEGER NOT NULL,
	reference_id       TEXT NOT NULL DEFAULT '',
	decision           TEXT NOT NULL DEFAULT '',
	detail             TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txns_user ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_txns_ref ON transactions(type, reference_id);

CREATE TABLE IF NOT EXISTS bot_config (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	user_id           TEXT NOT NULL,
	is_active         INTEGER NOT NULL DEFAULT 0,
	max_loss_sats     INTEGER NOT NULL,
	threshold_percent INTEGER NOT NULL,
	global_multiplier REAL NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_exposure (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	total_at_risk_sats INTEGER NOT NULL DEFAULT 0,
	current_tier       INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_market_overrides (
	market_id  TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	multiplier REAL NOT NULL DEFAULT 1.0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_buy_curves (
	market_type TEXT NOT NULL,
	price_cents INTEGER NOT NULL CHECK (price_cents BETWEEN 1 AND 99),
	weight_sats INTEGER NOT NULL CHECK (weight_sats >= 0),
	PRIMARY KEY (market_type, price_cents)
);

CREATE TABLE IF NOT EXISTS bot_activity_log (
	id                   TEXT PRIMARY KEY,
	action               TEXT NOT NULL,
	market_id            TEXT NOT NULL DEFAULT '',
	exposure_before_sats INTEGER NOT NULL DEFAULT 0,
	exposure_after_sats  INTEGER NOT NULL DEFAULT 0,
	tier_before          INTEGER NOT NULL DEFAULT 0,
	tier_after           INTEGER NOT NULL DEFAULT 0,
	detail               TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bot_activity_time ON bot_activity_log(created_at);
`
