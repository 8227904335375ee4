package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/service"
)

// Settler settles pools when a match ends.
type Settler interface {
	SettlePoolsForSubjects(ctx context.Context, req service.SettlementRequest) ([]domain.SettlementEvent, error)
}

// SettlementHandler receives match results.
type SettlementHandler struct {
	settler Settler
	logger  *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settler Settler, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settler: settler, logger: logger}
}

type settleRequest struct {
	SubjectIDs     []string  `json:"subject_ids"`
	OutcomeWon     bool      `json:"outcome_won"`
	MatchStartedAt time.Time `json:"match_started_at"`
}

// Settle resolves the open pools of every subject in a finished match.
// Pools that settled are returned even when others failed.
// POST /api/settlements
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.SubjectIDs) == 0 || req.MatchStartedAt.IsZero() {
		writeError(w, http.StatusBadRequest, "subject_ids and match_started_at are required")
		return
	}

	events, err := h.settler.SettlePoolsForSubjects(r.Context(), service.SettlementRequest{
		SubjectIDs:     req.SubjectIDs,
		OutcomeWon:     req.OutcomeWon,
		MatchStartedAt: req.MatchStartedAt,
	})
	if err != nil && len(events) == 0 {
		writeDomainError(w, r, h.logger, "settle", err)
		return
	}
	if events == nil {
		events = []domain.SettlementEvent{}
	}
	body := map[string]any{"settled": events}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: settle partially failed",
			slog.Int("settled", len(events)),
			slog.String("error", err.Error()),
		)
		body["error"] = domain.Reason(err)
	}
	writeJSON(w, http.StatusOK, body)
}
