package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/service"
	"github.com/alanyoungcy/betledger/internal/store/sqlite"
)

var errDiskFull = errors.New("disk full")

// fakeLedger hands out sequential pool ids and records every call in order.
type fakeLedger struct {
	mu    sync.Mutex
	seq   int
	calls []string
	fail  map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seq: 100, fail: map[string]error{}}
}

func (l *fakeLedger) failOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[op] = err
}

func (l *fakeLedger) record(op string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[op]; err != nil {
		return err
	}
	l.calls = append(l.calls, op+fmt.Sprint(args...))
	return nil
}

func (l *fakeLedger) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

func (l *fakeLedger) CreatePool(_ context.Context, info string) (string, error) {
	l.mu.Lock()
	if err := l.fail["create"]; err != nil {
		l.mu.Unlock()
		return "", err
	}
	l.seq++
	id := strconv.Itoa(l.seq)
	l.calls = append(l.calls, "create:"+id)
	l.mu.Unlock()
	return id, nil
}

func (l *fakeLedger) RecordWager(_ context.Context, poolID, bettorID string, predictedWin bool, amount int64) error {
	return l.record("wager:", poolID, "/", bettorID)
}

func (l *fakeLedger) RecordCancellation(_ context.Context, poolID, bettorID string) error {
	return l.record("cancel:", poolID, "/", bettorID)
}

func (l *fakeLedger) RecordSettlement(_ context.Context, poolID string, outcomeWon bool) error {
	return l.record("settle:", poolID)
}

// flakyPools injects conflicts and failures in front of a real store.
type flakyPools struct {
	*sqlite.PoolStore

	mu        sync.Mutex
	conflicts int
	applyErr  error
}

func (f *flakyPools) ApplyWager(ctx context.Context, w domain.WagerWrite) error {
	f.mu.Lock()
	if f.applyErr != nil {
		err := f.applyErr
		f.mu.Unlock()
		return err
	}
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return domain.ErrStoreConflict
	}
	f.mu.Unlock()
	return f.PoolStore.ApplyWager(ctx, w)
}

// flakyBalances fails credits for selected users.
type flakyBalances struct {
	*sqlite.BalanceStore
	failFor map[string]bool
}

func (f *flakyBalances) Adjust(ctx context.Context, userID string, delta int64) error {
	if f.failFor[userID] {
		return errDiskFull
	}
	return f.BalanceStore.Adjust(ctx, userID, delta)
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streams: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testConfig = service.BetConfig{
	BalanceFloor:    -100,
	HouseLiquidity:  1000,
	MaxStoreRetries: 3,
}

type harness struct {
	svc      *service.BetService
	pools    *flakyPools
	balances *flakyBalances
	audit    *sqlite.AuditStore
	ledger   *fakeLedger
	bus      *fakeBus
	locks    *fakeLocks
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		pools:    &flakyPools{PoolStore: sqlite.NewPoolStore(db)},
		balances: &flakyBalances{BalanceStore: sqlite.NewBalanceStore(db), failFor: map[string]bool{}},
		audit:    sqlite.NewAuditStore(db),
		ledger:   newFakeLedger(),
		bus:      newFakeBus(),
		locks:    &fakeLocks{held: map[string]bool{}},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = service.NewBetService(h.pools, h.balances, h.ledger, h.audit, testConfig, logger).
		WithSignalBus(h.bus).
		WithLockManager(h.locks).
		WithClock(h.clock.Now)
	return h
}

func (h *harness) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := h.svc.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (h *harness) bet(t *testing.T, bettor, subject string, amount int64, win bool) domain.Pool {
	t.Helper()
	pool, _, err := h.svc.Bet(context.Background(), service.BetRequest{
		BettorID: bettor, SubjectID: subject, Amount: amount, PredictedWin: win,
	})
	require.NoError(t, err)
	return pool
}

func (h *harness) auditEvents(t *testing.T, event string) []domain.AuditEntry {
	t.Helper()
	all, err := h.audit.List(context.Background(), domain.ListOpts{Limit: 1000})
	require.NoError(t, err)
	var out []domain.AuditEntry
	for _, e := range all {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
