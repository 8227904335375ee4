package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// SettlementRelay tails the settlement stream and announces each event.
// It keeps its own cursor, so a relay started with a stored id resumes
// without repeating or skipping announcements.
type SettlementRelay struct {
	bus      domain.SignalBus
	notifier *Notifier
	stream   string
	lastID   string
	batch    int
	idle     time.Duration
	logger   *slog.Logger
}

// NewSettlementRelay creates a relay reading stream from new entries on.
func NewSettlementRelay(bus domain.SignalBus, notifier *Notifier, stream string, logger *slog.Logger) *SettlementRelay {
	return &SettlementRelay{
		bus:      bus,
		notifier: notifier,
		stream:   stream,
		lastID:   "$",
		batch:    50,
		idle:     time.Second,
		logger:   logger.With(slog.String("component", "settlement_relay")),
	}
}

// WithStartID resumes after the given stream id. "0" replays everything.
func (r *SettlementRelay) WithStartID(id string) *SettlementRelay {
	r.lastID = id
	return r
}

// WithIdleWait sets the pause between empty reads.
func (r *SettlementRelay) WithIdleWait(d time.Duration) *SettlementRelay {
	r.idle = d
	return r
}

// LastID is the id of the last entry handled.
func (r *SettlementRelay) LastID() string {
	return r.lastID
}

// Run polls the stream until ctx is done.
func (r *SettlementRelay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "settlement_relay: started", slog.String("stream", r.stream))
	for {
		n, err := r.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.WarnContext(ctx, "settlement_relay: read failed", slog.String("error", err.Error()))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.idle):
		}
	}
}

// Poll reads one batch and announces it, returning how many entries were
// consumed. Undecodable entries are skipped. The cursor only moves past an
// entry once its announcement went out.
func (r *SettlementRelay) Poll(ctx context.Context) (int, error) {
	msgs, err := r.bus.StreamRead(ctx, r.stream, r.lastID, r.batch)
	if err != nil {
		return 0, fmt.Errorf("settlement_relay: read %s: %w", r.stream, err)
	}
	for i, m := range msgs {
		var ev domain.SettlementEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			r.logger.WarnContext(ctx, "settlement_relay: skipping bad entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			r.lastID = m.ID
			continue
		}
		if err := r.notifier.Notify(ctx, EventSettlement, SettlementTitle(ev), FormatSettlement(ev)); err != nil {
			return i, fmt.Errorf("settlement_relay: announce pool %s: %w", ev.PoolID, err)
		}
		r.lastID = m.ID
	}
	return len(msgs), nil
}
