package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/service"
)

// BetService is what the bet endpoints need from the ledger.
type BetService interface {
	Bet(ctx context.Context, req service.BetRequest) (domain.Pool, domain.Wager, error)
	PlaceWager(ctx context.Context, req service.PlaceWagerRequest) (domain.Wager, error)
	CancelWager(ctx context.Context, poolID, bettorID string) (domain.Wager, error)
}

// BetHandler serves wager placement and cancellation.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logger}
}

type betRequest struct {
	BettorID     string `json:"bettor_id"`
	SubjectID    string `json:"subject_id"`
	Amount       int64  `json:"amount"`
	PredictedWin bool   `json:"predicted_win"`
}

type wagerRequest struct {
	BettorID     string `json:"bettor_id"`
	Amount       int64  `json:"amount"`
	PredictedWin bool   `json:"predicted_win"`
}

type betResponse struct {
	PoolID    string    `json:"pool_id"`
	SubjectID string    `json:"subject_id"`
	Wager     wagerView `json:"wager"`
}

// Bet places a wager on a subject's next game, opening a pool if needed.
// POST /api/bets
func (h *BetHandler) Bet(w http.ResponseWriter, r *http.Request) {
	var req betRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BettorID == "" || req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "bettor_id and subject_id are required")
		return
	}

	pool, wager, err := h.bets.Bet(r.Context(), service.BetRequest{
		BettorID:     req.BettorID,
		SubjectID:    req.SubjectID,
		Amount:       req.Amount,
		PredictedWin: req.PredictedWin,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, betResponse{
		PoolID:    pool.ID,
		SubjectID: pool.SubjectID,
		Wager:     toWagerView(wager),
	})
}

// PlaceWager places or replaces a wager on a known pool.
// POST /api/pools/{id}/wagers
func (h *BetHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	poolID := r.PathValue("id")
	var req wagerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BettorID == "" {
		writeError(w, http.StatusBadRequest, "bettor_id is required")
		return
	}

	wager, err := h.bets.PlaceWager(r.Context(), service.PlaceWagerRequest{
		PoolID:       poolID,
		BettorID:     req.BettorID,
		Amount:       req.Amount,
		PredictedWin: req.PredictedWin,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	writeJSON(w, http.StatusCreated, betResponse{PoolID: poolID, Wager: toWagerView(wager)})
}

// CancelWager cancels the bettor's wager and refunds it.
// DELETE /api/pools/{id}/wagers/{bettor}
func (h *BetHandler) CancelWager(w http.ResponseWriter, r *http.Request) {
	poolID, bettor := r.PathValue("id"), r.PathValue("bettor")
	wager, err := h.bets.CancelWager(r.Context(), poolID, bettor)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel wager", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":   poolID,
		"bettor_id": bettor,
		"refunded":  wager.Amount,
	})
}
