package domain

import "time"

// WagerSummary is the notifier-facing view of a single wager.
type WagerSummary struct {
	BettorID string `json:"bettor_id"`
	Amount   int64  `json:"amount"`
	Payout   int64  `json:"payout,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SettlementEvent is emitted once per settled pool.
type SettlementEvent struct {
	PoolID        string         `json:"pool_id"`
	SubjectID     string         `json:"subject_id"`
	OutcomeWon    bool           `json:"outcome_won"`
	SettledAt     time.Time      `json:"settled_at"`
	Winners       []WagerSummary `json:"winners"`
	Losers        []WagerSummary `json:"losers"`
	Canceled      []WagerSummary `json:"canceled"`
	FailedCredits []WagerSummary `json:"failed_credits,omitempty"`
	TotalPayout   int64          `json:"total_payout"`
}

// WagerEvent is published whenever a wager is placed or canceled.
type WagerEvent struct {
	Type         string    `json:"type"` // "placed" or "canceled"
	PoolID       string    `json:"pool_id"`
	SubjectID    string    `json:"subject_id"`
	BettorID     string    `json:"bettor_id"`
	Amount       int64     `json:"amount"`
	PredictedWin bool      `json:"predicted_win"`
	At           time.Time `json:"at"`
}

// Signal bus channels carrying ledger events.
const (
	ChannelSettlements = "settlements"
	ChannelWagers      = "wagers"
)

// Payout multiplier applied to winning stakes. Odds are fixed.
const PayoutMultiplier = 2
