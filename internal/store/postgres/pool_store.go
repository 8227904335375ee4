package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL. Wager entries live
// in their own table keyed by (pool_id, bettor_id) so concurrent bettors never
// overwrite each other.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

var _ domain.PoolStore = (*PoolStore)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const poolSelectCols = `id, subject_id, info, status, outcome_won, created_at, settled_at`

const wagerSelectCols = `pool_id, bettor_id, amount, predicted_win, placed_at, canceled, cancel_reason, version`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var p domain.Pool
	var status string
	if err := row.Scan(&p.ID, &p.SubjectID, &p.Info, &status, &p.OutcomeWon, &p.CreatedAt, &p.SettledAt); err != nil {
		return domain.Pool{}, err
	}
	p.Status = domain.PoolStatus(status)
	p.Wagers = make(map[string]domain.Wager)
	return p, nil
}

func scanWager(row pgx.Row) (string, domain.Wager, error) {
	var poolID string
	var w domain.Wager
	err := row.Scan(&poolID, &w.BettorID, &w.Amount, &w.PredictedWin, &w.PlacedAt, &w.Canceled, &w.CancelReason, &w.Version)
	return poolID, w, err
}

// Create inserts a new open pool. The partial unique index on open pools per
// subject turns a concurrent creation into ErrAlreadyExists.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (id, subject_id, info, status, created_at)
		VALUES ($1, $2, $3, 'open', $4)
		ON CONFLICT DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, p.ID, p.SubjectID, p.Info, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create pool %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create pool %s for %s: %w", p.ID, p.SubjectID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID returns the pool with all of its wager entries.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	return getPool(ctx, s.pool, id)
}

// FindOpenBySubject returns the subject's open pool or ErrNotFound.
func (s *PoolStore) FindOpenBySubject(ctx context.Context, subjectID string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE subject_id = $1 AND status = 'open'`, subjectID)
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: find open pool for %s: %w", subjectID, err)
	}
	if err := loadWagers(ctx, s.pool, []*domain.Pool{&p}); err != nil {
		return domain.Pool{}, err
	}
	return p, nil
}

// ListOpenBySubjects returns the open pools of the given subjects.
func (s *PoolStore) ListOpenBySubjects(ctx context.Context, subjectIDs []string) ([]domain.Pool, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	return s.listPools(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE status = 'open' AND subject_id = ANY($1) ORDER BY created_at, id`,
		subjectIDs)
}

// ListOpen returns open pools, optionally only those with a wager placed at
// or after opts.Since.
func (s *PoolStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolSelectCols + ` FROM pools p WHERE status = 'open'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM wagers w WHERE w.pool_id = p.id AND w.placed_at >= $%d)", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY created_at, id"
	query, args = paginate(query, args, argIdx, opts)
	return s.listPools(ctx, query, args...)
}

// ListSettled returns settled pools filtered on settled_at.
func (s *PoolStore) ListSettled(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolSelectCols + ` FROM pools WHERE status = 'settled'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND settled_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND settled_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY settled_at, id"
	query, args = paginate(query, args, argIdx, opts)
	return s.listPools(ctx, query, args...)
}

func paginate(query string, args []any, argIdx int, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

func (s *PoolStore) listPools(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}

	ptrs := make([]*domain.Pool, len(pools))
	for i := range pools {
		ptrs[i] = &pools[i]
	}
	if err := loadWagers(ctx, s.pool, ptrs); err != nil {
		return nil, err
	}
	return pools, nil
}

// ApplyWager inserts or replaces the bettor's entry and debits the balance in
// one transaction. The pool row is share-locked so a concurrent settlement
// either sees this wager or makes it fail with ErrPoolClosed.
func (s *PoolStore) ApplyWager(ctx context.Context, w domain.WagerWrite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOpenPool(ctx, tx, w.PoolID); err != nil {
		return err
	}

	wg := w.Wager
	if w.ExpectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO wagers (pool_id, bettor_id, amount, predicted_win, placed_at, version)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (pool_id, bettor_id) DO NOTHING`,
			w.PoolID, wg.BettorID, wg.Amount, wg.PredictedWin, wg.PlacedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert wager %s/%s: %w", w.PoolID, wg.BettorID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: insert wager %s/%s: %w", w.PoolID, wg.BettorID, domain.ErrStoreConflict)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE wagers SET amount = $3, predicted_win = $4, placed_at = $5,
				canceled = FALSE, cancel_reason = '', version = version + 1
			WHERE pool_id = $1 AND bettor_id = $2 AND version = $6`,
			w.PoolID, wg.BettorID, wg.Amount, wg.PredictedWin, wg.PlacedAt, w.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("postgres: replace wager %s/%s: %w", w.PoolID, wg.BettorID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: replace wager %s/%s v%d: %w", w.PoolID, wg.BettorID, w.ExpectedVersion, domain.ErrStoreConflict)
		}
	}

	if err := debit(ctx, tx, wg.BettorID, w.Debit, w.Floor); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit wager: %w", err)
	}
	return nil
}

// CancelWager marks the entry canceled and refunds its stake.
func (s *PoolStore) CancelWager(ctx context.Context, c domain.WagerCancel) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOpenPool(ctx, tx, c.PoolID); err != nil {
		return 0, err
	}

	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE wagers SET canceled = TRUE, cancel_reason = $3, version = version + 1
		WHERE pool_id = $1 AND bettor_id = $2 AND version = $4 AND NOT canceled
		RETURNING amount`,
		c.PoolID, c.BettorID, c.Reason, c.ExpectedVersion).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("postgres: cancel wager %s/%s v%d: %w", c.PoolID, c.BettorID, c.ExpectedVersion, domain.ErrStoreConflict)
		}
		return 0, fmt.Errorf("postgres: cancel wager %s/%s: %w", c.PoolID, c.BettorID, err)
	}

	if err := adjustBalance(ctx, tx, c.BettorID, amount); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit cancel: %w", err)
	}
	return amount, nil
}

// Settle freezes the pool. Violating wagers still live at that instant are
// canceled and refunded in the same transaction.
func (s *PoolStore) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE pools SET status = 'settled', outcome_won = $2, settled_at = $3
		WHERE id = $1 AND status = 'open'`,
		req.PoolID, req.OutcomeWon, req.SettledAt)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("postgres: settle pool %s: %w", req.PoolID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getPool(ctx, tx, req.PoolID); err != nil {
			return domain.SettleResult{}, err
		}
		return domain.SettleResult{}, fmt.Errorf("postgres: settle pool %s: %w", req.PoolID, domain.ErrPoolClosed)
	}

	participants := req.Participants
	if participants == nil {
		participants = []string{}
	}
	rows, err := tx.Query(ctx, `
		UPDATE wagers SET canceled = TRUE, version = version + 1,
			cancel_reason = CASE WHEN bettor_id = ANY($3) THEN 'participant' ELSE 'late' END
		WHERE pool_id = $1 AND NOT canceled AND (placed_at > $2 OR bettor_id = ANY($3))
		RETURNING `+wagerSelectCols,
		req.PoolID, req.Cutoff, participants)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("postgres: cancel late wagers %s: %w", req.PoolID, err)
	}
	var late []domain.Wager
	for rows.Next() {
		_, w, err := scanWager(rows)
		if err != nil {
			rows.Close()
			return domain.SettleResult{}, fmt.Errorf("postgres: scan late wager: %w", err)
		}
		late = append(late, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.SettleResult{}, fmt.Errorf("postgres: cancel late wagers rows: %w", err)
	}

	for _, w := range late {
		if err := adjustBalance(ctx, tx, w.BettorID, w.Amount); err != nil {
			return domain.SettleResult{}, err
		}
	}

	p, err := getPool(ctx, tx, req.PoolID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.SettleResult{}, fmt.Errorf("postgres: commit settle: %w", err)
	}
	return domain.SettleResult{Pool: p, LateCanceled: late}, nil
}

func lockOpenPool(ctx context.Context, tx pgx.Tx, poolID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM pools WHERE id = $1 FOR SHARE`, poolID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: pool %s: %w", poolID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: lock pool %s: %w", poolID, err)
	}
	if domain.PoolStatus(status) != domain.PoolStatusOpen {
		return fmt.Errorf("postgres: pool %s: %w", poolID, domain.ErrPoolClosed)
	}
	return nil
}

func getPool(ctx context.Context, q querier, id string) (domain.Pool, error) {
	p, err := scanPool(q.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, fmt.Errorf("postgres: pool %s: %w", id, domain.ErrNotFound)
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	if err := loadWagers(ctx, q, []*domain.Pool{&p}); err != nil {
		return domain.Pool{}, err
	}
	return p, nil
}

func loadWagers(ctx context.Context, q querier, pools []*domain.Pool) error {
	if len(pools) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Pool, len(pools))
	ids := make([]string, 0, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := q.Query(ctx, `SELECT `+wagerSelectCols+` FROM wagers WHERE pool_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load wagers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		poolID, w, err := scanWager(rows)
		if err != nil {
			return fmt.Errorf("postgres: scan wager: %w", err)
		}
		if p, ok := byID[poolID]; ok {
			p.Wagers[w.BettorID] = w
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load wagers rows: %w", err)
	}
	return nil
}

// debit subtracts amount from the user's balance unless that would take it
// below floor. A non-positive amount is a refund and is never guarded.
func debit(ctx context.Context, tx pgx.Tx, userID string, amount, floor int64) error {
	if amount <= 0 {
		return adjustBalance(ctx, tx, userID, -amount)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("postgres: ensure balance %s: %w", userID, err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE balances SET balance = balance - $2, updated_at = $4
		WHERE user_id = $1 AND balance - $2 >= $3`,
		userID, amount, floor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s by %d: %w", userID, amount, domain.ErrBalanceFloorExceeded)
	}
	return nil
}

