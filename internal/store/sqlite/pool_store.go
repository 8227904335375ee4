package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// PoolStore implements domain.PoolStore on SQLite.
type PoolStore struct {
	db *sql.DB
}

// NewPoolStore creates a PoolStore on an open database.
func NewPoolStore(d *DB) *PoolStore {
	return &PoolStore{db: d.db}
}

var _ domain.PoolStore = (*PoolStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const poolCols = `id, subject_id, info, status, outcome_won, created_at, settled_at`

const wagerCols = `pool_id, bettor_id, amount, predicted_win, placed_at, canceled, cancel_reason, version`

func scanPool(row rowScanner) (domain.Pool, error) {
	var (
		p         domain.Pool
		status    string
		outcome   sql.NullBool
		createdAt int64
		settledAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.SubjectID, &p.Info, &status, &outcome, &createdAt, &settledAt); err != nil {
		return domain.Pool{}, err
	}
	p.Status = domain.PoolStatus(status)
	p.CreatedAt = fromNanos(createdAt)
	if outcome.Valid {
		won := outcome.Bool
		p.OutcomeWon = &won
	}
	if settledAt.Valid {
		t := fromNanos(settledAt.Int64)
		p.SettledAt = &t
	}
	p.Wagers = make(map[string]domain.Wager)
	return p, nil
}

func scanWager(row rowScanner) (string, domain.Wager, error) {
	var (
		poolID   string
		w        domain.Wager
		placedAt int64
	)
	err := row.Scan(&poolID, &w.BettorID, &w.Amount, &w.PredictedWin, &placedAt, &w.Canceled, &w.CancelReason, &w.Version)
	w.PlacedAt = fromNanos(placedAt)
	return poolID, w, err
}

// Create inserts a new open pool; a second open pool for the same subject
// violates the partial unique index and yields ErrAlreadyExists.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (id, subject_id, info, status, created_at) VALUES (?, ?, ?, 'open', ?)
		 ON CONFLICT DO NOTHING`,
		p.ID, p.SubjectID, p.Info, toNanos(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create pool %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: create pool %s for %s: %w", p.ID, p.SubjectID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID returns the pool with all of its wager entries.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	return getPool(ctx, s.db, id)
}

// FindOpenBySubject returns the subject's open pool or ErrNotFound.
func (s *PoolStore) FindOpenBySubject(ctx context.Context, subjectID string) (domain.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx,
		`SELECT `+poolCols+` FROM pools WHERE subject_id = ? AND status = 'open'`, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("sqlite: find open pool for %s: %w", subjectID, err)
	}
	if err := loadWagers(ctx, s.db, []*domain.Pool{&p}); err != nil {
		return domain.Pool{}, err
	}
	return p, nil
}

// ListOpenBySubjects returns the open pools of the given subjects.
func (s *PoolStore) ListOpenBySubjects(ctx context.Context, subjectIDs []string) ([]domain.Pool, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + poolCols + ` FROM pools WHERE status = 'open' AND subject_id IN (` +
		placeholders(len(subjectIDs)) + `) ORDER BY created_at, id`
	return s.listPools(ctx, query, stringArgs(subjectIDs)...)
}

// ListOpen returns open pools, optionally only those with a wager placed at
// or after opts.Since.
func (s *PoolStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolCols + ` FROM pools p WHERE status = 'open'`
	var args []any
	if opts.Since != nil {
		query += ` AND EXISTS (SELECT 1 FROM wagers w WHERE w.pool_id = p.id AND w.placed_at >= ?)`
		args = append(args, toNanos(*opts.Since))
	}
	query += ` ORDER BY created_at, id`
	query, args = paginate(query, args, opts)
	return s.listPools(ctx, query, args...)
}

// ListSettled returns settled pools filtered on settled_at.
func (s *PoolStore) ListSettled(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolCols + ` FROM pools WHERE status = 'settled'`
	var args []any
	if opts.Since != nil {
		query += ` AND settled_at >= ?`
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND settled_at < ?`
		args = append(args, toNanos(*opts.Until))
	}
	query += ` ORDER BY settled_at, id`
	query, args = paginate(query, args, opts)
	return s.listPools(ctx, query, args...)
}

func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}
	return query, args
}

func (s *PoolStore) listPools(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pools: %w", err)
	}
	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	// Release the single connection before loading wagers.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list pools rows: %w", err)
	}

	ptrs := make([]*domain.Pool, len(pools))
	for i := range pools {
		ptrs[i] = &pools[i]
	}
	if err := loadWagers(ctx, s.db, ptrs); err != nil {
		return nil, err
	}
	return pools, nil
}

// ApplyWager inserts or replaces the bettor's entry and debits the balance in
// one transaction.
func (s *PoolStore) ApplyWager(ctx context.Context, w domain.WagerWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := requireOpen(ctx, tx, w.PoolID); err != nil {
		return err
	}

	wg := w.Wager
	var res sql.Result
	if w.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO wagers (pool_id, bettor_id, amount, predicted_win, placed_at, version)
			 VALUES (?, ?, ?, ?, ?, 1) ON CONFLICT (pool_id, bettor_id) DO NOTHING`,
			w.PoolID, wg.BettorID, wg.Amount, wg.PredictedWin, toNanos(wg.PlacedAt))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE wagers SET amount = ?, predicted_win = ?, placed_at = ?,
			     canceled = 0, cancel_reason = '', version = version + 1
			 WHERE pool_id = ? AND bettor_id = ? AND version = ?`,
			wg.Amount, wg.PredictedWin, toNanos(wg.PlacedAt), w.PoolID, wg.BettorID, w.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("sqlite: write wager %s/%s: %w", w.PoolID, wg.BettorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: write wager %s/%s v%d: %w", w.PoolID, wg.BettorID, w.ExpectedVersion, domain.ErrStoreConflict)
	}

	if err := debit(ctx, tx, wg.BettorID, w.Debit, w.Floor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit wager: %w", err)
	}
	return nil
}

// CancelWager marks the entry canceled and refunds its stake.
func (s *PoolStore) CancelWager(ctx context.Context, c domain.WagerCancel) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := requireOpen(ctx, tx, c.PoolID); err != nil {
		return 0, err
	}

	var amount int64
	err = tx.QueryRowContext(ctx,
		`UPDATE wagers SET canceled = 1, cancel_reason = ?, version = version + 1
		 WHERE pool_id = ? AND bettor_id = ? AND version = ? AND canceled = 0
		 RETURNING amount`,
		c.Reason, c.PoolID, c.BettorID, c.ExpectedVersion).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("sqlite: cancel wager %s/%s v%d: %w", c.PoolID, c.BettorID, c.ExpectedVersion, domain.ErrStoreConflict)
		}
		return 0, fmt.Errorf("sqlite: cancel wager %s/%s: %w", c.PoolID, c.BettorID, err)
	}
	if err := adjustBalance(ctx, tx, c.BettorID, amount); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit cancel: %w", err)
	}
	return amount, nil
}

// Settle freezes the pool, canceling and refunding wagers that are late or
// placed by a participant.
func (s *PoolStore) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pools SET status = 'settled', outcome_won = ?, settled_at = ? WHERE id = ? AND status = 'open'`,
		req.OutcomeWon, toNanos(req.SettledAt), req.PoolID)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("sqlite: settle pool %s: %w", req.PoolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getPool(ctx, tx, req.PoolID); err != nil {
			return domain.SettleResult{}, err
		}
		return domain.SettleResult{}, fmt.Errorf("sqlite: settle pool %s: %w", req.PoolID, domain.ErrPoolClosed)
	}

	reason := `'late'`
	cond := `placed_at > ?`
	args := []any{}
	if len(req.Participants) > 0 {
		in := `bettor_id IN (` + placeholders(len(req.Participants)) + `)`
		reason = `CASE WHEN ` + in + ` THEN 'participant' ELSE 'late' END`
		cond = `(placed_at > ? OR ` + in + `)`
		args = append(args, stringArgs(req.Participants)...)
	}
	args = append(args, req.PoolID, toNanos(req.Cutoff))
	args = append(args, stringArgs(req.Participants)...)

	rows, err := tx.QueryContext(ctx,
		`UPDATE wagers SET canceled = 1, version = version + 1, cancel_reason = `+reason+`
		 WHERE pool_id = ? AND canceled = 0 AND `+cond+`
		 RETURNING `+wagerCols,
		args...)
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("sqlite: cancel late wagers %s: %w", req.PoolID, err)
	}
	var late []domain.Wager
	for rows.Next() {
		_, w, err := scanWager(rows)
		if err != nil {
			rows.Close()
			return domain.SettleResult{}, fmt.Errorf("sqlite: scan late wager: %w", err)
		}
		late = append(late, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.SettleResult{}, fmt.Errorf("sqlite: cancel late wagers rows: %w", err)
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
	if err := tx.Commit(); err != nil {
		return domain.SettleResult{}, fmt.Errorf("sqlite: commit settle: %w", err)
	}
	return domain.SettleResult{Pool: p, LateCanceled: late}, nil
}

func requireOpen(ctx context.Context, q querier, poolID string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM pools WHERE id = ?`, poolID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: pool %s: %w", poolID, domain.ErrNotFound)
		}
		return fmt.Errorf("sqlite: pool status %s: %w", poolID, err)
	}
	if domain.PoolStatus(status) != domain.PoolStatusOpen {
		return fmt.Errorf("sqlite: pool %s: %w", poolID, domain.ErrPoolClosed)
	}
	return nil
}

func getPool(ctx context.Context, q querier, id string) (domain.Pool, error) {
	p, err := scanPool(q.QueryRowContext(ctx, `SELECT `+poolCols+` FROM pools WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pool{}, fmt.Errorf("sqlite: pool %s: %w", id, domain.ErrNotFound)
		}
		return domain.Pool{}, fmt.Errorf("sqlite: get pool %s: %w", id, err)
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

	rows, err := q.QueryContext(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE pool_id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("sqlite: load wagers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		poolID, w, err := scanWager(rows)
		if err != nil {
			return fmt.Errorf("sqlite: scan wager: %w", err)
		}
		if p, ok := byID[poolID]; ok {
			p.Wagers[w.BettorID] = w
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: load wagers rows: %w", err)
	}
	return nil
}
