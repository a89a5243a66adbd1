package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"satsbook/pkg/types"
)

const userCols = "id, username, balance_sats, is_admin, is_bot, created_at"

func scanUser(row scanner) (*types.User, error) {
	var u types.User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.BalanceSats, &u.IsAdmin, &u.IsBot, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// EnsureUser returns the user with the given username, creating the account
// with a zero balance if it does not exist. Safe to call repeatedly.
func (s *Store) EnsureUser(ctx context.Context, username string, isAdmin, isBot bool) (*types.User, error) {
	var u *types.User
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = s.ensureUserTx(tx, username, isAdmin, isBot)
		return err
	})
	return u, err
}

func (s *Store) ensureUserTx(tx *sql.Tx, username string, isAdmin, isBot bool) (*types.User, error) {
	row := tx.QueryRow("SELECT "+userCols+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup user %s: %w", username, err)
	}

	now := time.Now()
	u = &types.User{
		ID:        s.NewID(),
		Username:  username,
		IsAdmin:   isAdmin,
		IsBot:     isBot,
		CreatedAt: now.UTC(),
	}
	_, err = tx.Exec(
		"INSERT INTO users (id, username, balance_sats, is_admin, is_bot, created_at) VALUES (?, ?, 0, ?, ?, ?)",
		u.ID, u.Username, u.IsAdmin, u.IsBot, millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user %s: %w", username, err)
	}
	return u, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// GetUserTx fetches a user by ID inside a transaction.
func (s *Store) GetUserTx(tx *sql.Tx, id string) (*types.User, error) {
	row := tx.QueryRow("SELECT "+userCols+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "user %s not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return u, nil
}
