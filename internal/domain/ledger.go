package domain

import "context"

// LedgerClient is the narrow contract to the authoritative append-only
// ledger. Every call blocks until the record is durable and returns an error
// wrapping ErrLedgerUnavailable when it is not. Records cannot be retracted.
type LedgerClient interface {
	// CreatePool records a new pool and returns the ledger-assigned id.
	CreatePool(ctx context.Context, info string) (string, error)
	// RecordWager records a placement. Re-placing for the same bettor
	// supersedes the earlier record.
	RecordWager(ctx context.Context, poolID, bettorID string, predictedWin bool, amount int64) error
	RecordCancellation(ctx context.Context, poolID, bettorID string) error
	RecordSettlement(ctx context.Context, poolID string, outcomeWon bool) error
}
