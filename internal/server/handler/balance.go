package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/notify"
)

// BalanceReader reads credit balances.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListBalances(ctx context.Context) ([]domain.Balance, error)
}

// BalanceHandler serves balances and the leaderboard.
type BalanceHandler struct {
	balances BalanceReader
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(balances BalanceReader, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{balances: balances, logger: logger}
}

type balanceView struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// List returns every balance, highest first. format=table renders a text
// leaderboard; limit keeps the top N.
// GET /api/balances?format=table&limit=10
func (h *BalanceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	list, err := h.balances.ListBalances(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list balances", err)
		return
	}

	if r.URL.Query().Get("format") == "table" {
		text, err := notify.LeaderboardText(list, limit)
		if err != nil {
			writeDomainError(w, r, h.logger, "render leaderboard", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(text))
		return
	}

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	views := make([]balanceView, 0, len(list))
	for _, b := range list {
		views = append(views, balanceView{UserID: b.UserID, Balance: b.Amount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": views})
}

// Get returns one user's balance; unknown users have 0.
// GET /api/balances/{user}
func (h *BalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	b, err := h.balances.GetBalance(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{UserID: user, Balance: b})
}
