package domain

import (
	"sort"
	"time"
)

// PoolStatus tracks whether a pool still accepts wagers.
type PoolStatus string

const (
	PoolStatusOpen    PoolStatus = "open"
	PoolStatusSettled PoolStatus = "settled"
)

// Cancel reasons recorded on a canceled wager.
const (
	CancelReasonUser        = "user"
	CancelReasonLate        = "late"
	CancelReasonParticipant = "participant"
)

// Pool holds every wager on the next outcome of one subject.
type Pool struct {
	ID         string
	SubjectID  string
	Info       string
	Status     PoolStatus
	OutcomeWon *bool
	Wagers     map[string]Wager // keyed by bettor id
	CreatedAt  time.Time
	SettledAt  *time.Time
}

// Wager is one bettor's stake within a pool.
type Wager struct {
	BettorID     string
	Amount       int64
	PredictedWin bool
	PlacedAt     time.Time
	Canceled     bool
	CancelReason string
	Version      int64 // optimistic concurrency token, 0 = not yet stored
}

// IsOpen reports whether the pool still accepts wagers.
func (p Pool) IsOpen() bool {
	return p.Status == PoolStatusOpen
}

// LiveWager returns the bettor's non-canceled wager, if any.
func (p Pool) LiveWager(bettorID string) (Wager, bool) {
	w, ok := p.Wagers[bettorID]
	if !ok || w.Canceled {
		return Wager{}, false
	}
	return w, true
}

// SortedWagers returns the pool's wagers ordered by placement time, then
// bettor id.
func (p Pool) SortedWagers() []Wager {
	out := make([]Wager, 0, len(p.Wagers))
	for _, w := range p.Wagers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].PlacedAt.Before(out[j].PlacedAt)
		}
		return out[i].BettorID < out[j].BettorID
	})
	return out
}

// LastWagerAt returns the most recent placement time across all entries, or
// the zero time when the pool has no wagers.
func (p Pool) LastWagerAt() time.Time {
	var last time.Time
	for _, w := range p.Wagers {
		if w.PlacedAt.After(last) {
			last = w.PlacedAt
		}
	}
	return last
}

// PoolInfo is the human-readable description recorded on the ledger when a
// pool is created.
func PoolInfo(subjectID string) string {
	return subjectID + "'s next game"
}
