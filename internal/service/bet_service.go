package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// BetConfig holds the house rules.
type BetConfig struct {
	BalanceFloor      int64
	HouseLiquidity    int64
	MaxStoreRetries   int
	SettleConcurrency int
	SettleLockTTL     time.Duration
}

// StakeCap is the largest single stake the house accepts.
func (c BetConfig) StakeCap() int64 {
	return c.HouseLiquidity / 4
}

// PlaceWagerRequest places or replaces a wager on a known pool.
type PlaceWagerRequest struct {
	PoolID       string
	BettorID     string
	Amount       int64
	PredictedWin bool
}

// BetRequest places a wager on a subject's next game, opening the pool if
// needed.
type BetRequest struct {
	BettorID     string
	SubjectID    string
	Amount       int64
	PredictedWin bool
}

// BetService is the bet ledger. It writes every event to the authoritative
// ledger before mirroring it into the pool and balance stores, so the mirror
// never claims an event the ledger lacks.
type BetService struct {
	pools    domain.PoolStore
	balances domain.BalanceStore
	ledger   domain.LedgerClient
	audit    domain.AuditStore
	bus      domain.SignalBus
	locks    domain.LockManager
	cfg      BetConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewBetService creates a BetService.
func NewBetService(
	pools domain.PoolStore,
	balances domain.BalanceStore,
	ledger domain.LedgerClient,
	audit domain.AuditStore,
	cfg BetConfig,
	logger *slog.Logger,
) *BetService {
	if cfg.MaxStoreRetries <= 0 {
		cfg.MaxStoreRetries = 3
	}
	if cfg.SettleConcurrency <= 0 {
		cfg.SettleConcurrency = 8
	}
	if cfg.SettleLockTTL <= 0 {
		cfg.SettleLockTTL = 2 * time.Minute
	}
	return &BetService{
		pools:    pools,
		balances: balances,
		ledger:   ledger,
		audit:    audit,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "bet_service")),
	}
}

// WithSignalBus publishes wager and settlement events on bus.
func (s *BetService) WithSignalBus(bus domain.SignalBus) *BetService {
	s.bus = bus
	return s
}

// WithLockManager guards each pool settlement with a distributed lock.
func (s *BetService) WithLockManager(locks domain.LockManager) *BetService {
	s.locks = locks
	return s
}

// WithClock overrides the time source.
func (s *BetService) WithClock(now func() time.Time) *BetService {
	s.now = now
	return s
}

// Config returns the house rules in effect.
func (s *BetService) Config() BetConfig {
	return s.cfg
}

// GetOrCreateOpenPool returns the subject's open pool, creating one on the
// ledger and in the store if there is none. A concurrent creator wins: its
// pool is returned and ours is left orphaned on the ledger.
func (s *BetService) GetOrCreateOpenPool(ctx context.Context, subjectID string) (domain.Pool, error) {
	pool, err := s.pools.FindOpenBySubject(ctx, subjectID)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Pool{}, fmt.Errorf("bet_service: find open pool: %w", err)
	}

	info := domain.PoolInfo(subjectID)
	id, err := s.ledger.CreatePool(ctx, info)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("bet_service: create pool: %w", ledgerErr(err))
	}

	pool = domain.Pool{
		ID:        id,
		SubjectID: subjectID,
		Info:      info,
		Status:    domain.PoolStatusOpen,
		Wagers:    map[string]domain.Wager{},
		CreatedAt: s.now(),
	}
	err = s.pools.Create(ctx, pool)
	switch {
	case err == nil:
		s.auditLog(ctx, domain.AuditPoolCreated, map[string]any{"pool_id": id, "subject_id": subjectID})
		s.logger.InfoContext(ctx, "bet_service: pool created",
			slog.String("pool_id", id),
			slog.String("subject_id", subjectID),
		)
		return pool, nil
	case errors.Is(err, domain.ErrAlreadyExists):
		s.auditLog(ctx, domain.AuditOrphanedPool, map[string]any{"pool_id": id, "subject_id": subjectID})
		theirs, ferr := s.pools.FindOpenBySubject(ctx, subjectID)
		if ferr != nil {
			return domain.Pool{}, fmt.Errorf("bet_service: re-read open pool: %w", ferr)
		}
		return theirs, nil
	default:
		s.recordOrphan(ctx, "create_pool", map[string]any{"pool_id": id, "subject_id": subjectID}, err)
		return domain.Pool{}, fmt.Errorf("bet_service: persist pool: %w", err)
	}
}

// Bet validates the request, resolves the subject's open pool and places
// the wager on it.
func (s *BetService) Bet(ctx context.Context, req BetRequest) (domain.Pool, domain.Wager, error) {
	if err := s.validateStake(req.Amount); err != nil {
		return domain.Pool{}, domain.Wager{}, err
	}
	if req.BettorID == req.SubjectID {
		return domain.Pool{}, domain.Wager{}, domain.ErrSelfWagerForbidden
	}

	pool, err := s.pools.FindOpenBySubject(ctx, req.SubjectID)
	if errors.Is(err, domain.ErrNotFound) {
		// No pool means no existing stake, so the whole amount is the debit.
		// Checking now avoids opening a pool for a bet that cannot stand.
		if err := s.checkFloor(ctx, req.BettorID, req.Amount); err != nil {
			return domain.Pool{}, domain.Wager{}, err
		}
		pool, err = s.GetOrCreateOpenPool(ctx, req.SubjectID)
	}
	if err != nil {
		return domain.Pool{}, domain.Wager{}, fmt.Errorf("bet_service: resolve pool: %w", err)
	}

	w, err := s.PlaceWager(ctx, PlaceWagerRequest{
		PoolID:       pool.ID,
		BettorID:     req.BettorID,
		Amount:       req.Amount,
		PredictedWin: req.PredictedWin,
	})
	if err != nil {
		return pool, domain.Wager{}, err
	}
	pool.Wagers[w.BettorID] = w
	return pool, w, nil
}

// PlaceWager places the bettor's wager on an open pool, or replaces their
// live wager there. A replacement moves the balance by the difference
// between the stakes.
func (s *BetService) PlaceWager(ctx context.Context, req PlaceWagerRequest) (domain.Wager, error) {
	if err := s.validateStake(req.Amount); err != nil {
		return domain.Wager{}, err
	}

	pool, err := s.pools.GetByID(ctx, req.PoolID)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("bet_service: get pool: %w", err)
	}
	if !pool.IsOpen() {
		return domain.Wager{}, domain.ErrPoolClosed
	}
	if req.BettorID == pool.SubjectID {
		return domain.Wager{}, domain.ErrSelfWagerForbidden
	}

	debit, expected := planWager(pool, req.BettorID, req.Amount)
	if err := s.checkFloor(ctx, req.BettorID, debit); err != nil {
		return domain.Wager{}, err
	}

	if err := s.ledger.RecordWager(ctx, pool.ID, req.BettorID, req.PredictedWin, req.Amount); err != nil {
		return domain.Wager{}, fmt.Errorf("bet_service: record wager: %w", ledgerErr(err))
	}

	orphan := map[string]any{
		"pool_id":       pool.ID,
		"bettor_id":     req.BettorID,
		"amount":        req.Amount,
		"predicted_win": req.PredictedWin,
	}

	var w domain.Wager
	err = s.retryConflicts(ctx, func(attempt int) error {
		if attempt > 0 {
			fresh, err := s.pools.GetByID(ctx, pool.ID)
			if err != nil {
				return err
			}
			if !fresh.IsOpen() {
				return domain.ErrPoolClosed
			}
			debit, expected = planWager(fresh, req.BettorID, req.Amount)
		}
		w = domain.Wager{
			BettorID:     req.BettorID,
			Amount:       req.Amount,
			PredictedWin: req.PredictedWin,
			PlacedAt:     s.now(),
		}
		return s.pools.ApplyWager(ctx, domain.WagerWrite{
			PoolID:          pool.ID,
			Wager:           w,
			ExpectedVersion: expected,
			Debit:           debit,
			Floor:           s.cfg.BalanceFloor,
		})
	})
	if err != nil {
		s.recordOrphan(ctx, "place_wager", orphan, err)
		return domain.Wager{}, fmt.Errorf("bet_service: apply wager: %w", err)
	}
	w.Version = expected + 1

	s.publishWager(ctx, "placed", pool, w)
	s.auditLog(ctx, domain.AuditWagerPlaced, map[string]any{
		"pool_id":       pool.ID,
		"bettor_id":     w.BettorID,
		"amount":        w.Amount,
		"debit":         debit,
		"predicted_win": w.PredictedWin,
	})
	s.logger.InfoContext(ctx, "bet_service: wager placed",
		slog.String("pool_id", pool.ID),
		slog.String("bettor_id", w.BettorID),
		slog.Int64("amount", w.Amount),
		slog.Int64("debit", debit),
	)
	return w, nil
}

// CancelWager cancels the bettor's live wager on an open pool and refunds
// the full stake. The entry is kept, marked canceled.
func (s *BetService) CancelWager(ctx context.Context, poolID, bettorID string) (domain.Wager, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("bet_service: get pool: %w", err)
	}
	return s.cancel(ctx, pool, bettorID, domain.CancelReasonUser)
}

func (s *BetService) cancel(ctx context.Context, pool domain.Pool, bettorID, reason string) (domain.Wager, error) {
	if !pool.IsOpen() {
		return domain.Wager{}, domain.ErrPoolClosed
	}
	w, ok := pool.LiveWager(bettorID)
	if !ok {
		return domain.Wager{}, domain.ErrNoSuchWager
	}

	if err := s.ledger.RecordCancellation(ctx, pool.ID, bettorID); err != nil {
		return domain.Wager{}, fmt.Errorf("bet_service: record cancellation: %w", ledgerErr(err))
	}

	var refund int64
	err := s.retryConflicts(ctx, func(attempt int) error {
		if attempt > 0 {
			fresh, err := s.pools.GetByID(ctx, pool.ID)
			if err != nil {
				return err
			}
			if !fresh.IsOpen() {
				return domain.ErrPoolClosed
			}
			if w, ok = fresh.LiveWager(bettorID); !ok {
				return domain.ErrNoSuchWager
			}
		}
		var err error
		refund, err = s.pools.CancelWager(ctx, domain.WagerCancel{
			PoolID:          pool.ID,
			BettorID:        bettorID,
			ExpectedVersion: w.Version,
			Reason:          reason,
		})
		return err
	})
	if err != nil {
		s.recordOrphan(ctx, "cancel_wager", map[string]any{
			"pool_id": pool.ID, "bettor_id": bettorID, "reason": reason,
		}, err)
		return domain.Wager{}, fmt.Errorf("bet_service: cancel wager: %w", err)
	}

	w.Canceled = true
	w.CancelReason = reason
	w.Amount = refund
	w.Version++

	s.publishWager(ctx, "canceled", pool, w)
	s.auditLog(ctx, domain.AuditWagerCanceled, map[string]any{
		"pool_id":   pool.ID,
		"bettor_id": bettorID,
		"refund":    refund,
		"reason":    reason,
	})
	s.logger.InfoContext(ctx, "bet_service: wager canceled",
		slog.String("pool_id", pool.ID),
		slog.String("bettor_id", bettorID),
		slog.String("reason", reason),
		slog.Int64("refund", refund),
	)
	return w, nil
}

// GetBalance returns the user's balance; unknown users have 0.
func (s *BetService) GetBalance(ctx context.Context, userID string) (int64, error) {
	b, err := s.balances.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("bet_service: get balance: %w", err)
	}
	return b, nil
}

// ListBalances returns every balance, highest first, ties by user id.
func (s *BetService) ListBalances(ctx context.Context) ([]domain.Balance, error) {
	bs, err := s.balances.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("bet_service: list balances: %w", err)
	}
	domain.SortBalances(bs)
	return bs, nil
}

// ListOpenPools returns open pools with a wager placed in the last
// maxAgeDays days. Zero returns every open pool.
func (s *BetService) ListOpenPools(ctx context.Context, maxAgeDays int) ([]domain.Pool, error) {
	if maxAgeDays < 0 {
		return nil, fmt.Errorf("bet_service: max age %d days: %w", maxAgeDays, domain.ErrInvalidMaxAge)
	}
	var opts domain.ListOpts
	if maxAgeDays > 0 {
		since := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
		opts.Since = &since
	}
	pools, err := s.pools.ListOpen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("bet_service: list open pools: %w", err)
	}
	return pools, nil
}

// GetPool returns a pool with every wager entry.
func (s *BetService) GetPool(ctx context.Context, poolID string) (domain.Pool, error) {
	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("bet_service: get pool: %w", err)
	}
	return p, nil
}

func (s *BetService) validateStake(amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if amount > s.cfg.StakeCap() {
		return domain.ErrStakeTooLarge
	}
	return nil
}

func (s *BetService) checkFloor(ctx context.Context, userID string, debit int64) error {
	if debit <= 0 {
		return nil
	}
	balance, err := s.balances.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("bet_service: get balance: %w", err)
	}
	if balance-debit < s.cfg.BalanceFloor {
		return domain.ErrBalanceFloorExceeded
	}
	return nil
}

// planWager returns how much placing amount debits the bettor and the entry
// version the write must find (0 for none).
func planWager(pool domain.Pool, bettorID string, amount int64) (debit, expected int64) {
	existing, ok := pool.Wagers[bettorID]
	if !ok {
		return amount, 0
	}
	if existing.Canceled {
		return amount, existing.Version
	}
	return amount - existing.Amount, existing.Version
}

// retryConflicts runs fn until it stops returning ErrStoreConflict, at most
// MaxStoreRetries+1 times. Exhaustion is reported as ErrLedgerUnavailable.
func (s *BetService) retryConflicts(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxStoreRetries; attempt++ {
		err = fn(attempt)
		if !errors.Is(err, domain.ErrStoreConflict) {
			return err
		}
		s.logger.DebugContext(ctx, "bet_service: store conflict, retrying",
			slog.Int("attempt", attempt+1),
		)
	}
	return fmt.Errorf("%w: gave up after %d store conflicts: %w", domain.ErrLedgerUnavailable, s.cfg.MaxStoreRetries+1, err)
}

// ledgerErr makes sure a ledger failure carries ErrLedgerUnavailable.
func ledgerErr(err error) error {
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}

// recordOrphan logs a ledger record that has no mirror counterpart. These
// are reconciled by hand.
func (s *BetService) recordOrphan(ctx context.Context, op string, detail map[string]any, cause error) {
	s.logger.ErrorContext(ctx, "bet_service: ledger entry orphaned",
		slog.String("op", op),
		slog.Any("detail", detail),
		slog.String("error", cause.Error()),
	)
	d := make(map[string]any, len(detail)+2)
	for k, v := range detail {
		d[k] = v
	}
	d["op"] = op
	d["error"] = cause.Error()
	s.auditLog(ctx, domain.AuditLedgerOrphan, d)
}

func (s *BetService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	// The entry must land even if the caller has gone away.
	if err := s.audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		s.logger.WarnContext(ctx, "bet_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *BetService) publishWager(ctx context.Context, kind string, pool domain.Pool, w domain.Wager) {
	s.publish(ctx, domain.ChannelWagers, domain.WagerEvent{
		Type:         kind,
		PoolID:       pool.ID,
		SubjectID:    pool.SubjectID,
		BettorID:     w.BettorID,
		Amount:       w.Amount,
		PredictedWin: w.PredictedWin,
		At:           s.now(),
	})
}

func (s *BetService) publish(ctx context.Context, channel string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.WarnContext(ctx, "bet_service: marshal event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "bet_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
