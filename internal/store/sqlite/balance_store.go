package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// BalanceStore implements domain.BalanceStore on SQLite.
type BalanceStore struct {
	db *sql.DB
}

// NewBalanceStore creates a BalanceStore on an open database.
func NewBalanceStore(d *DB) *BalanceStore {
	return &BalanceStore{db: d.db}
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

// Get returns the user's balance, 0 when unknown.
func (s *BalanceStore) Get(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: get balance %s: %w", userID, err)
	}
	return balance, nil
}

// Adjust atomically adds delta to the user's balance.
func (s *BalanceStore) Adjust(ctx context.Context, userID string, delta int64) error {
	return adjustBalance(ctx, s.db, userID, delta)
}

// List returns every balance ordered by amount descending, then user id.
func (s *BalanceStore) List(ctx context.Context) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, balance, updated_at FROM balances ORDER BY balance DESC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		var b domain.Balance
		var updated int64
		if err := rows.Scan(&b.UserID, &b.Amount, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan balance: %w", err)
		}
		b.UpdatedAt = fromNanos(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func adjustBalance(ctx context.Context, q querier, userID string, delta int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		     balance = balance + excluded.balance,
		     updated_at = excluded.updated_at`,
		userID, delta, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: adjust balance %s by %d: %w", userID, delta, err)
	}
	return nil
}

// debit subtracts amount unless that would take the balance below floor.
// A non-positive amount is a refund and is not guarded.
func debit(ctx context.Context, q querier, userID string, amount, floor int64) error {
	if amount <= 0 {
		return adjustBalance(ctx, q, userID, -amount)
	}
	now := toNanos(time.Now())
	if _, err := q.ExecContext(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT (user_id) DO NOTHING`,
		userID, now); err != nil {
		return fmt.Errorf("sqlite: ensure balance %s: %w", userID, err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE balances SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance - ? >= ?`,
		amount, now, userID, amount, floor)
	if err != nil {
		return fmt.Errorf("sqlite: debit %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: debit %s by %d: %w", userID, amount, domain.ErrBalanceFloorExceeded)
	}
	return nil
}
