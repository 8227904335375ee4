package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// SettlementStream is the durable stream settlement events are appended to
// for notifiers that must not miss one.
const SettlementStream = "stream:settlements"

// SettlementRequest resolves the next game of each subject.
type SettlementRequest struct {
	SubjectIDs     []string
	OutcomeWon     bool
	MatchStartedAt time.Time
}

// SettlePoolsForSubjects settles the open pool of every subject. Wagers
// placed after the match started, and wagers by anyone playing in it, are
// canceled and refunded first. Each winner is credited twice their stake.
// Subjects without an open pool are skipped, so repeating a settlement is a
// no-op. Pools that fail are reported in the joined error while the others
// still settle.
func (s *BetService) SettlePoolsForSubjects(ctx context.Context, req SettlementRequest) ([]domain.SettlementEvent, error) {
	subjects := dedupe(req.SubjectIDs)
	pools, err := s.pools.ListOpenBySubjects(ctx, subjects)
	if err != nil {
		return nil, fmt.Errorf("bet_service: list pools to settle: %w", err)
	}

	var (
		events []domain.SettlementEvent
		errs   []error
	)
	for _, pool := range pools {
		ev, err := s.settlePool(ctx, pool, subjects, req)
		switch {
		case err == nil:
			events = append(events, ev)
		case errors.Is(err, domain.ErrPoolClosed), errors.Is(err, domain.ErrLockHeld):
			s.logger.InfoContext(ctx, "bet_service: pool already being settled",
				slog.String("pool_id", pool.ID),
				slog.String("reason", err.Error()),
			)
		default:
			errs = append(errs, fmt.Errorf("pool %s: %w", pool.ID, err))
		}
	}
	if len(errs) > 0 {
		return events, fmt.Errorf("bet_service: settle: %w", errors.Join(errs...))
	}
	return events, nil
}

func (s *BetService) settlePool(ctx context.Context, pool domain.Pool, participants []string, req SettlementRequest) (domain.SettlementEvent, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:"+pool.ID, s.cfg.SettleLockTTL)
		if err != nil {
			return domain.SettlementEvent{}, err
		}
		defer unlock()

		// Another runner may have finished while we waited.
		if pool, err = s.pools.GetByID(ctx, pool.ID); err != nil {
			return domain.SettlementEvent{}, err
		}
		if !pool.IsOpen() {
			return domain.SettlementEvent{}, domain.ErrPoolClosed
		}
	}

	isParticipant := make(map[string]bool, len(participants))
	for _, p := range participants {
		isParticipant[p] = true
	}

	for _, w := range pool.SortedWagers() {
		if w.Canceled {
			continue
		}
		reason := ""
		switch {
		case isParticipant[w.BettorID]:
			reason = domain.CancelReasonParticipant
		case w.PlacedAt.After(req.MatchStartedAt):
			reason = domain.CancelReasonLate
		}
		if reason == "" {
			continue
		}
		if _, err := s.cancel(ctx, pool, w.BettorID, reason); err != nil && !errors.Is(err, domain.ErrNoSuchWager) {
			return domain.SettlementEvent{}, fmt.Errorf("auto-cancel %s: %w", w.BettorID, err)
		}
	}

	if err := s.ledger.RecordSettlement(ctx, pool.ID, req.OutcomeWon); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("record settlement: %w", ledgerErr(err))
	}

	res, err := s.pools.Settle(ctx, domain.SettleRequest{
		PoolID:       pool.ID,
		OutcomeWon:   req.OutcomeWon,
		Cutoff:       req.MatchStartedAt,
		Participants: participants,
		SettledAt:    s.now(),
	})
	if err != nil {
		s.recordOrphan(ctx, "settle", map[string]any{"pool_id": pool.ID, "outcome_won": req.OutcomeWon}, err)
		return domain.SettlementEvent{}, fmt.Errorf("freeze pool: %w", err)
	}

	// Wagers that slipped in between the auto-cancel pass and the freeze were
	// refunded by the store; the ledger hears about them after the fact.
	for _, w := range res.LateCanceled {
		if err := s.ledger.RecordCancellation(ctx, pool.ID, w.BettorID); err != nil {
			s.recordOrphan(ctx, "late_cancel", map[string]any{
				"pool_id": pool.ID, "bettor_id": w.BettorID, "amount": w.Amount, "mirror_only": true,
			}, err)
		}
	}

	ev := s.payOut(ctx, res.Pool, req.OutcomeWon)

	s.publish(ctx, domain.ChannelSettlements, ev)
	s.appendSettlement(ctx, ev)
	s.auditLog(ctx, domain.AuditPoolSettled, map[string]any{
		"pool_id":      ev.PoolID,
		"subject_id":   ev.SubjectID,
		"outcome_won":  ev.OutcomeWon,
		"winners":      len(ev.Winners),
		"losers":       len(ev.Losers),
		"canceled":     len(ev.Canceled),
		"total_payout": ev.TotalPayout,
		"failed":       len(ev.FailedCredits),
	})
	s.logger.InfoContext(ctx, "bet_service: pool settled",
		slog.String("pool_id", ev.PoolID),
		slog.String("subject_id", ev.SubjectID),
		slog.Bool("outcome_won", ev.OutcomeWon),
		slog.Int("winners", len(ev.Winners)),
		slog.Int64("total_payout", ev.TotalPayout),
	)
	return ev, nil
}

// payOut credits every winner of a frozen pool concurrently and builds the
// settlement event. A failed credit is reported, never retried here.
func (s *BetService) payOut(ctx context.Context, pool domain.Pool, outcomeWon bool) domain.SettlementEvent {
	ev := domain.SettlementEvent{
		PoolID:     pool.ID,
		SubjectID:  pool.SubjectID,
		OutcomeWon: outcomeWon,
		SettledAt:  s.now(),
		Winners:    []domain.WagerSummary{},
		Losers:     []domain.WagerSummary{},
		Canceled:   []domain.WagerSummary{},
	}
	if pool.SettledAt != nil {
		ev.SettledAt = *pool.SettledAt
	}

	var winners []domain.Wager
	for _, w := range pool.SortedWagers() {
		switch {
		case w.Canceled:
			ev.Canceled = append(ev.Canceled, domain.WagerSummary{BettorID: w.BettorID, Amount: w.Amount, Reason: w.CancelReason})
		case w.PredictedWin == outcomeWon:
			winners = append(winners, w)
		default:
			ev.Losers = append(ev.Losers, domain.WagerSummary{BettorID: w.BettorID, Amount: w.Amount})
		}
	}

	var (
		mu     sync.Mutex
		failed = map[string]error{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SettleConcurrency)
	for _, w := range winners {
		g.Go(func() error {
			if err := s.balances.Adjust(gctx, w.BettorID, domain.PayoutMultiplier*w.Amount); err != nil {
				mu.Lock()
				failed[w.BettorID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range winners {
		payout := domain.PayoutMultiplier * w.Amount
		sum := domain.WagerSummary{BettorID: w.BettorID, Amount: w.Amount, Payout: payout}
		ev.Winners = append(ev.Winners, sum)
		if err, ok := failed[w.BettorID]; ok {
			sum.Reason = err.Error()
			ev.FailedCredits = append(ev.FailedCredits, sum)
			s.logger.ErrorContext(ctx, "bet_service: payout credit failed",
				slog.String("pool_id", pool.ID),
				slog.String("bettor_id", w.BettorID),
				slog.Int64("payout", payout),
				slog.String("error", err.Error()),
			)
			s.auditLog(ctx, domain.AuditCreditFailed, map[string]any{
				"pool_id": pool.ID, "bettor_id": w.BettorID, "payout": payout, "error": err.Error(),
			})
			continue
		}
		ev.TotalPayout += payout
	}
	return ev
}

func (s *BetService) appendSettlement(ctx context.Context, ev domain.SettlementEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "bet_service: marshal settlement failed",
			slog.String("pool_id", ev.PoolID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.StreamAppend(ctx, SettlementStream, payload); err != nil {
		s.logger.WarnContext(ctx, "bet_service: stream append failed",
			slog.String("pool_id", ev.PoolID),
			slog.String("error", err.Error()),
		)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
