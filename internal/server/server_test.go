package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/server"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/service"
	"github.com/alanyoungcy/betledger/internal/store/sqlite"
)

const (
	apiKey = "test-key"
	secret = "watcher-secret"
)

type countingLedger struct {
	mu  sync.Mutex
	seq int
}

func (l *countingLedger) CreatePool(context.Context, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return strconv.Itoa(l.seq), nil
}

func (l *countingLedger) RecordWager(context.Context, string, string, bool, int64) error { return nil }

func (l *countingLedger) RecordCancellation(context.Context, string, string) error { return nil }

func (l *countingLedger) RecordSettlement(context.Context, string, bool) error { return nil }

type countingLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	limit int
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key]++
	return c.seen[key] <= c.limit, nil
}

type testAPI struct {
	handler http.Handler
	signer  *crypto.RequestSigner
}

func newTestAPI(t *testing.T, extras server.Extras, health map[string]handler.Checker) *testAPI {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewBetService(
		sqlite.NewPoolStore(db), sqlite.NewBalanceStore(db), &countingLedger{}, sqlite.NewAuditStore(db),
		service.BetConfig{BalanceFloor: -100, HouseLiquidity: 1000},
		logger,
	)
	signer := crypto.NewRequestSigner(secret, time.Minute)
	if extras.Signer == nil {
		extras.Signer = signer
	}
	if health == nil {
		health = map[string]handler.Checker{"store": db.Ping}
	}
	srv := server.NewServer(server.Config{APIKey: apiKey, RateLimit: 100, RateWindow: time.Minute}, server.Handlers{
		Health:      handler.NewHealthHandler(health, logger),
		Bets:        handler.NewBetHandler(svc, logger),
		Pools:       handler.NewPoolHandler(svc, logger),
		Settlements: handler.NewSettlementHandler(svc, logger),
		Balances:    handler.NewBalanceHandler(svc, logger),
	}, extras, logger)
	return &testAPI{handler: srv.Handler(), signer: signer}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var out map[string]any
	if bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (a *testAPI) signed(t *testing.T, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return a.do(t, http.MethodPost, path, json.RawMessage(raw), a.signer.Headers(http.MethodPost, path, raw))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health needs no token")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	down := newTestAPI(t, server.Extras{}, map[string]handler.Checker{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec, body := down.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []any{"redis"}, body["failing"])
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	req.Header.Set("X-API-Key", apiKey)
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBetLifecycle(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)

	rec, body := api.do(t, http.MethodPost, "/api/bets", map[string]any{
		"bettor_id": "u1", "subject_id": "alice", "amount": 10, "predicted_win": true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	poolID := body["pool_id"].(string)
	assert.Equal(t, "alice", body["subject_id"])

	rec, _ = api.do(t, http.MethodPost, "/api/pools/"+poolID+"/wagers", map[string]any{
		"bettor_id": "u2", "amount": 5, "predicted_win": false,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body = api.do(t, http.MethodGet, "/api/pools/"+poolID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", body["status"])
	assert.Len(t, body["wagers"], 2)

	rec, body = api.do(t, http.MethodGet, "/api/pools?max_age_days=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["pools"], 1)

	rec, body = api.do(t, http.MethodDelete, "/api/pools/"+poolID+"/wagers/u2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), body["refunded"])

	rec, body = api.do(t, http.MethodGet, "/api/balances/u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(-10), body["balance"])

	rec, body = api.do(t, http.MethodGet, "/api/balances/ghost", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["balance"])

	rec, body = api.signed(t, "/api/settlements", map[string]any{
		"subject_ids":      []string{"alice"},
		"outcome_won":      true,
		"match_started_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := body["settled"].([]any)
	require.Len(t, settled, 1)
	assert.Equal(t, float64(20), settled[0].(map[string]any)["total_payout"])

	rec, body = api.do(t, http.MethodGet, "/api/balances", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := body["balances"].([]any)[0].(map[string]any)
	assert.Equal(t, "u1", first["user_id"])
	assert.Equal(t, float64(10), first["balance"])

	rec, _ = api.do(t, http.MethodGet, "/api/balances?format=table&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "u1")

	rec, body = api.do(t, http.MethodPost, "/api/pools/"+poolID+"/wagers", map[string]any{
		"bettor_id": "u3", "amount": 5,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "betting on this game is closed", body["error"])
}

func TestErrorStatuses(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		reason string
	}{
		{"zero amount", http.MethodPost, "/api/bets", map[string]any{"bettor_id": "u1", "subject_id": "alice", "amount": 0}, http.StatusBadRequest, "amount must be a positive whole number"},
		{"own game", http.MethodPost, "/api/bets", map[string]any{"bettor_id": "alice", "subject_id": "alice", "amount": 5}, http.StatusUnprocessableEntity, "you cannot bet on your own game"},
		{"over cap", http.MethodPost, "/api/bets", map[string]any{"bettor_id": "u1", "subject_id": "alice", "amount": 251}, http.StatusUnprocessableEntity, "stake exceeds the house limit"},
		{"below floor", http.MethodPost, "/api/bets", map[string]any{"bettor_id": "u1", "subject_id": "alice", "amount": 101}, http.StatusUnprocessableEntity, "not enough credits for this wager"},
		{"unknown field", http.MethodPost, "/api/bets", map[string]any{"bettor": "u1"}, http.StatusBadRequest, ""},
		{"missing bettor", http.MethodPost, "/api/bets", map[string]any{"subject_id": "alice", "amount": 5}, http.StatusBadRequest, "bettor_id and subject_id are required"},
		{"unknown pool", http.MethodGet, "/api/pools/999", nil, http.StatusNotFound, "no such game"},
		{"no wager", http.MethodDelete, "/api/pools/999/wagers/u1", nil, http.StatusNotFound, "no such game"},
		{"bad max age", http.MethodGet, "/api/pools?max_age_days=-2", nil, http.StatusBadRequest, "max_age_days must be a non-negative integer"},
		{"non-numeric max age", http.MethodGet, "/api/pools?max_age_days=week", nil, http.StatusBadRequest, "max_age_days must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.reason != "" {
				assert.Equal(t, tt.reason, body["error"])
			}
		})
	}
}

func TestSettlementRequiresSignature(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)
	body := map[string]any{
		"subject_ids":      []string{"alice"},
		"outcome_won":      true,
		"match_started_at": time.Now().UTC().Format(time.RFC3339),
	}

	rec, resp := api.do(t, http.MethodPost, "/api/settlements", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing request signature", resp["error"])

	forged := crypto.NewRequestSigner("wrong", time.Minute)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec, resp = api.do(t, http.MethodPost, "/api/settlements", json.RawMessage(raw), forged.Headers(http.MethodPost, "/api/settlements", raw))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid request signature", resp["error"])

	rec, resp = api.signed(t, "/api/settlements", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp["settled"])

	rec, _ = api.signed(t, "/api/settlements", map[string]any{"subject_ids": []string{"alice"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{seen: map[string]int{}, limit: 2}
	api := newTestAPI(t, server.Extras{Limiter: limiter}, nil)

	for range 2 {
		rec, _ := api.do(t, http.MethodGet, "/api/balances", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := api.do(t, http.MethodGet, "/api/balances", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "too many requests, slow down", body["error"])
	assert.Contains(t, limiter.seen, "ratelimit:api:key:"+apiKey)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, server.Extras{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/bets", nil)
	req.Header.Set("Origin", "https://chat.example")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
