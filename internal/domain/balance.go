package domain

import (
	"sort"
	"time"
)

// Balance is a user's running credit balance. It may be negative down to
// the configured floor.
type Balance struct {
	UserID    string
	Amount    int64
	UpdatedAt time.Time
}

// SortBalances orders balances by amount descending, breaking ties by user
// id so listings are reproducible.
func SortBalances(bs []Balance) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Amount != bs[j].Amount {
			return bs[i].Amount > bs[j].Amount
		}
		return bs[i].UserID < bs[j].UserID
	})
}
