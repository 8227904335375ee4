package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Get returns the user's balance, 0 when the user has none yet.
func (s *BalanceStore) Get(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: get balance %s: %w", userID, err)
	}
	return balance, nil
}

// Adjust atomically adds delta to the user's balance, creating the row if
// needed.
func (s *BalanceStore) Adjust(ctx context.Context, userID string, delta int64) error {
	return adjustBalance(ctx, s.pool, userID, delta)
}

// List returns every balance, highest first.
func (s *BalanceStore) List(ctx context.Context) ([]domain.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance, updated_at FROM balances ORDER BY balance DESC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.UserID, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return out, nil
}

func adjustBalance(ctx context.Context, e execer, userID string, delta int64) error {
	const query = `
		INSERT INTO balances (user_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = balances.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`
	if _, err := e.Exec(ctx, query, userID, delta, time.Now().UTC()); err != nil {
		return fmt.Errorf("postgres: adjust balance %s by %d: %w", userID, delta, err)
	}
	return nil
}
