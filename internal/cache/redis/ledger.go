package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// Ledger event types written to the ledger stream.
const (
	LedgerEventPoolCreated  = "pool_created"
	LedgerEventWager        = "wager"
	LedgerEventCancellation = "cancellation"
	LedgerEventSettlement   = "settlement"
)

// createPoolLua allocates the next pool id and appends the creation record
// in one step, so an id is never handed out without its record.
const createPoolLua = `
local id = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], '*',
    'type', 'pool_created', 'pool_id', tostring(id), 'info', ARGV[1], 'at', ARGV[2])
return id
`

// settleLua appends the settlement record at most once per pool. A repeat
// call is acknowledged without a second record.
const settleLua = `
if redis.call('SET', KEYS[1], ARGV[2], 'NX') == false then
    return 0
end
redis.call('XADD', KEYS[2], '*',
    'type', 'settlement', 'pool_id', ARGV[1], 'outcome_won', ARGV[2], 'at', ARGV[3])
return 1
`

// StreamLedger implements domain.LedgerClient as an append-only Redis
// stream. It serves single-node deployments that have no contract ledger.
// The stream is never trimmed.
type StreamLedger struct {
	c        *Client
	stream   string
	createSc *redis.Script
	settleSc *redis.Script
}

// NewStreamLedger creates a ledger writing to the named stream.
func NewStreamLedger(c *Client, stream string) *StreamLedger {
	if stream == "" {
		stream = "ledger:events"
	}
	return &StreamLedger{
		c:        c,
		stream:   stream,
		createSc: redis.NewScript(createPoolLua),
		settleSc: redis.NewScript(settleLua),
	}
}

var _ domain.LedgerClient = (*StreamLedger)(nil)

// CreatePool records a new pool and returns its sequence number as the id.
func (l *StreamLedger) CreatePool(ctx context.Context, info string) (string, error) {
	id, err := l.createSc.Run(ctx, l.c.rdb,
		[]string{l.c.Key("ledger:pool_seq"), l.c.Key(l.stream)},
		info, now(),
	).Int64()
	if err != nil {
		return "", fmt.Errorf("redis ledger: create pool: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// RecordWager appends a wager record.
func (l *StreamLedger) RecordWager(ctx context.Context, poolID, bettorID string, predictedWin bool, amount int64) error {
	return l.append(ctx, LedgerEventWager, map[string]any{
		"pool_id":       poolID,
		"bettor_id":     bettorID,
		"predicted_win": strconv.FormatBool(predictedWin),
		"amount":        amount,
	})
}

// RecordCancellation appends a cancellation record.
func (l *StreamLedger) RecordCancellation(ctx context.Context, poolID, bettorID string) error {
	return l.append(ctx, LedgerEventCancellation, map[string]any{
		"pool_id":   poolID,
		"bettor_id": bettorID,
	})
}

// RecordSettlement appends the settlement record once per pool.
func (l *StreamLedger) RecordSettlement(ctx context.Context, poolID string, outcomeWon bool) error {
	err := l.settleSc.Run(ctx, l.c.rdb,
		[]string{l.c.Key("ledger:settled:" + poolID), l.c.Key(l.stream)},
		poolID, strconv.FormatBool(outcomeWon), now(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis ledger: settle %s: %w: %w", poolID, domain.ErrLedgerUnavailable, err)
	}
	return nil
}

func (l *StreamLedger) append(ctx context.Context, eventType string, fields map[string]any) error {
	values := map[string]any{"type": eventType, "at": now()}
	for k, v := range fields {
		values[k] = v
	}
	err := l.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.c.Key(l.stream),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis ledger: append %s: %w: %w", eventType, domain.ErrLedgerUnavailable, err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
