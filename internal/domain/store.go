package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WagerWrite is a conditional per-entry wager write. ExpectedVersion is the
// Version of the entry the caller read (0 when it saw no entry). Debit is
// subtracted from the bettor's balance in the same transaction and must not
// take it below Floor.
type WagerWrite struct {
	PoolID          string
	Wager           Wager
	ExpectedVersion int64
	Debit           int64
	Floor           int64
}

// WagerCancel is a conditional cancellation of a live wager. The full stake
// is refunded in the same transaction.
type WagerCancel struct {
	PoolID          string
	BettorID        string
	ExpectedVersion int64
	Reason          string
}

// SettleRequest closes a pool. Wagers placed after Cutoff or by one of the
// Participants that are still live when the pool is frozen are canceled and
// refunded inside the same transaction.
type SettleRequest struct {
	PoolID       string
	OutcomeWon   bool
	Cutoff       time.Time
	Participants []string
	SettledAt    time.Time
}

// SettleResult is the frozen pool plus any wagers the store had to cancel
// while freezing it.
type SettleResult struct {
	Pool         Pool
	LateCanceled []Wager
}

// PoolStore persists pools and their wager entries.
type PoolStore interface {
	// Create inserts a new open pool. It returns ErrAlreadyExists when the
	// subject already has an open pool.
	Create(ctx context.Context, pool Pool) error
	GetByID(ctx context.Context, id string) (Pool, error)
	FindOpenBySubject(ctx context.Context, subjectID string) (Pool, error)
	ListOpenBySubjects(ctx context.Context, subjectIDs []string) ([]Pool, error)
	// ListOpen returns open pools. When opts.Since is set only pools with at
	// least one wager placed at or after it are returned.
	ListOpen(ctx context.Context, opts ListOpts) ([]Pool, error)
	// ListSettled returns settled pools, filtered on settled_at.
	ListSettled(ctx context.Context, opts ListOpts) ([]Pool, error)

	// ApplyWager inserts or replaces a wager entry. It returns ErrPoolClosed
	// if the pool is no longer open, ErrStoreConflict if the entry changed
	// since it was read and ErrBalanceFloorExceeded if the debit would break
	// the floor. Nothing is written on error.
	ApplyWager(ctx context.Context, w WagerWrite) error
	// CancelWager marks a live wager canceled and refunds it, returning the
	// refunded amount.
	CancelWager(ctx context.Context, c WagerCancel) (int64, error)
	// Settle marks an open pool settled and returns the frozen wager set.
	// It returns ErrPoolClosed if the pool was already settled.
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
}

// BalanceStore persists per-user credit balances.
type BalanceStore interface {
	// Get returns the user's balance, 0 for unknown users.
	Get(ctx context.Context, userID string) (int64, error)
	// Adjust atomically adds delta to the user's balance.
	Adjust(ctx context.Context, userID string, delta int64) error
	// List returns every known balance, highest first, ties by user id.
	List(ctx context.Context) ([]Balance, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Orphaned ledger entries are
// recorded here for manual reconciliation.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Audit events.
const (
	AuditPoolCreated   = "pool_created"
	AuditWagerPlaced   = "wager_placed"
	AuditWagerCanceled = "wager_canceled"
	AuditPoolSettled   = "pool_settled"
	AuditLedgerOrphan  = "ledger_orphan"
	AuditCreditFailed  = "credit_failed"
	AuditPoolsArchived = "pools_archived"
	AuditOrphanedPool  = "orphaned_pool"
)
