package notify

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// SettlementTitle is the one-line headline for a settled pool.
func SettlementTitle(ev domain.SettlementEvent) string {
	result := "lost"
	if ev.OutcomeWon {
		result = "won"
	}
	return fmt.Sprintf("Bets settled: %s %s", ev.SubjectID, result)
}

// FormatSettlement renders who won, who lost and who was refunded.
func FormatSettlement(ev domain.SettlementEvent) string {
	var b strings.Builder
	if len(ev.Winners)+len(ev.Losers)+len(ev.Canceled) == 0 {
		b.WriteString("No bets were placed.\n")
	}
	writeGroup(&b, "Winners", ev.Winners, func(w domain.WagerSummary) string {
		return fmt.Sprintf("%s +%d", w.BettorID, w.Payout)
	})
	writeGroup(&b, "Losers", ev.Losers, func(w domain.WagerSummary) string {
		return fmt.Sprintf("%s -%d", w.BettorID, w.Amount)
	})
	writeGroup(&b, "Refunded", ev.Canceled, func(w domain.WagerSummary) string {
		if w.Reason == "" {
			return fmt.Sprintf("%s %d", w.BettorID, w.Amount)
		}
		return fmt.Sprintf("%s %d (%s)", w.BettorID, w.Amount, w.Reason)
	})
	if len(ev.Winners) > 0 {
		fmt.Fprintf(&b, "Total paid: %d\n", ev.TotalPayout)
	}
	writeGroup(&b, "Credit pending", ev.FailedCredits, func(w domain.WagerSummary) string {
		return fmt.Sprintf("%s %d", w.BettorID, w.Payout)
	})
	return strings.TrimRight(b.String(), "\n")
}

func writeGroup(b *strings.Builder, label string, ws []domain.WagerSummary, item func(domain.WagerSummary) string) {
	if len(ws) == 0 {
		return
	}
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = item(w)
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(parts, ", "))
}

// RenderLeaderboard writes balances as a ranked table. A positive limit
// keeps only the top entries. balances must already be sorted.
func RenderLeaderboard(w io.Writer, balances []domain.Balance, limit int) error {
	if limit > 0 && len(balances) > limit {
		balances = balances[:limit]
	}
	table := tablewriter.NewWriter(w)
	table.Header("#", "User", "Credits")
	for i, b := range balances {
		if err := table.Append(fmt.Sprintf("%d", i+1), b.UserID, fmt.Sprintf("%d", b.Amount)); err != nil {
			return fmt.Errorf("notify: leaderboard row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("notify: render leaderboard: %w", err)
	}
	return nil
}

// LeaderboardText renders the leaderboard into a string.
func LeaderboardText(balances []domain.Balance, limit int) (string, error) {
	var buf bytes.Buffer
	if err := RenderLeaderboard(&buf, balances, limit); err != nil {
		return "", err
	}
	return buf.String(), nil
}
