package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidMaxAge):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStakeTooLarge),
		errors.Is(err, domain.ErrBalanceFloorExceeded),
		errors.Is(err, domain.ErrSelfWagerForbidden):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPoolClosed), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoSuchWager), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrLedgerUnavailable), errors.Is(err, domain.ErrStoreConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError answers with the short user-facing reason for err. Only
// server-side failures are logged; the detail never reaches the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, domain.Reason(err))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type wagerView struct {
	BettorID     string    `json:"bettor_id"`
	Amount       int64     `json:"amount"`
	PredictedWin bool      `json:"predicted_win"`
	PlacedAt     time.Time `json:"placed_at"`
	Canceled     bool      `json:"canceled,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
}

type poolView struct {
	ID         string      `json:"id"`
	SubjectID  string      `json:"subject_id"`
	Info       string      `json:"info"`
	Status     string      `json:"status"`
	OutcomeWon *bool       `json:"outcome_won,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	SettledAt  *time.Time  `json:"settled_at,omitempty"`
	Wagers     []wagerView `json:"wagers"`
}

func toWagerView(w domain.Wager) wagerView {
	return wagerView{
		BettorID:     w.BettorID,
		Amount:       w.Amount,
		PredictedWin: w.PredictedWin,
		PlacedAt:     w.PlacedAt,
		Canceled:     w.Canceled,
		CancelReason: w.CancelReason,
	}
}

func toPoolView(p domain.Pool) poolView {
	v := poolView{
		ID:         p.ID,
		SubjectID:  p.SubjectID,
		Info:       p.Info,
		Status:     string(p.Status),
		OutcomeWon: p.OutcomeWon,
		CreatedAt:  p.CreatedAt,
		SettledAt:  p.SettledAt,
		Wagers:     []wagerView{},
	}
	for _, w := range p.SortedWagers() {
		v.Wagers = append(v.Wagers, toWagerView(w))
	}
	return v
}
