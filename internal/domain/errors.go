package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidMaxAge        = errors.New("invalid max age")
	ErrStakeTooLarge        = errors.New("stake too large")
	ErrBalanceFloorExceeded = errors.New("balance floor exceeded")
	ErrSelfWagerForbidden   = errors.New("self wager forbidden")
	ErrPoolClosed           = errors.New("pool closed")
	ErrNoSuchWager          = errors.New("no such wager")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
	ErrStoreConflict        = errors.New("store conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrLockHeld             = errors.New("lock already held")
)

// reasons holds the short, user-facing text for each error kind. Nothing
// here may leak internal identifiers.
var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidAmount, "amount must be a positive whole number"},
	{ErrInvalidMaxAge, "max_age_days must be a non-negative integer"},
	{ErrStakeTooLarge, "stake exceeds the house limit"},
	{ErrBalanceFloorExceeded, "not enough credits for this wager"},
	{ErrSelfWagerForbidden, "you cannot bet on your own game"},
	{ErrPoolClosed, "betting on this game is closed"},
	{ErrNoSuchWager, "you have no bet on this game"},
	{ErrNotFound, "no such game"},
	{ErrRateLimited, "too many requests, slow down"},
	{ErrUnauthorized, "unauthorized"},
	{ErrLedgerUnavailable, "the betting ledger is unavailable, try again later"},
	{ErrStoreConflict, "the betting ledger is busy, try again later"},
}

// Reason maps err to a short human-readable reason suitable for the chat
// front end. Unknown errors map to a generic message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "something went wrong"
}
