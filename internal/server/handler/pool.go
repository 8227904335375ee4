package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// PoolReader reads pools.
type PoolReader interface {
	GetPool(ctx context.Context, poolID string) (domain.Pool, error)
	ListOpenPools(ctx context.Context, maxAgeDays int) ([]domain.Pool, error)
}

// PoolHandler serves pool listings.
type PoolHandler struct {
	pools  PoolReader
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolReader, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pools: pools, logger: logger}
}

// ListOpen lists open pools with recent activity. max_age_days=0 lists all.
// GET /api/pools?max_age_days=N
func (h *PoolHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(r, "max_age_days", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, domain.Reason(domain.ErrInvalidMaxAge))
		return
	}
	pools, err := h.pools.ListOpenPools(r.Context(), days)
	if err != nil {
		writeDomainError(w, r, h.logger, "list pools", err)
		return
	}
	views := make([]poolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, toPoolView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": views})
}

// Get returns one pool with every wager entry.
// GET /api/pools/{id}
func (h *PoolHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.pools.GetPool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolView(p))
}
