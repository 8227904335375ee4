package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/cache/redis"
	"github.com/alanyoungcy/betledger/internal/domain"
)

const prefix = "test:"

func newClient(t *testing.T) (*redis.Client, *goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := redis.NewFromRedis(rdb, prefix)
	t.Cleanup(func() { _ = c.Close() })
	return c, rdb, mr
}

func readStream(t *testing.T, rdb *goredis.Client, stream string) []goredis.XMessage {
	t.Helper()
	msgs, err := rdb.XRange(context.Background(), stream, "-", "+").Result()
	require.NoError(t, err)
	return msgs
}

func TestStreamLedger_CreatePoolSequentialIDs(t *testing.T) {
	c, rdb, mr := newClient(t)
	l := redis.NewStreamLedger(c, "stream:ledger")
	ctx := context.Background()

	id, err := l.CreatePool(ctx, "alice's next game")
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	id, err = l.CreatePool(ctx, "bob's next game")
	require.NoError(t, err)
	assert.Equal(t, "2", id)

	seq, err := mr.Get(prefix + "ledger:pool_seq")
	require.NoError(t, err)
	assert.Equal(t, "2", seq)

	msgs := readStream(t, rdb, prefix+"stream:ledger")
	require.Len(t, msgs, 2)
	assert.Equal(t, redis.LedgerEventPoolCreated, msgs[0].Values["type"])
	assert.Equal(t, "1", msgs[0].Values["pool_id"])
	assert.Equal(t, "alice's next game", msgs[0].Values["info"])
	assert.Equal(t, "2", msgs[1].Values["pool_id"])
}

func TestStreamLedger_SettleRecordedOnce(t *testing.T) {
	c, rdb, _ := newClient(t)
	l := redis.NewStreamLedger(c, "stream:ledger")
	ctx := context.Background()

	require.NoError(t, l.RecordSettlement(ctx, "4", true))
	require.NoError(t, l.RecordSettlement(ctx, "4", false))

	msgs := readStream(t, rdb, prefix+"stream:ledger")
	require.Len(t, msgs, 1)
	assert.Equal(t, redis.LedgerEventSettlement, msgs[0].Values["type"])
	assert.Equal(t, "4", msgs[0].Values["pool_id"])
	assert.Equal(t, "true", msgs[0].Values["outcome_won"])

	require.NoError(t, l.RecordSettlement(ctx, "5", false))
	assert.Len(t, readStream(t, rdb, prefix+"stream:ledger"), 2)
}

func TestStreamLedger_WagersAndCancellationsAppend(t *testing.T) {
	c, rdb, mr := newClient(t)
	l := redis.NewStreamLedger(c, "")
	ctx := context.Background()

	require.NoError(t, l.RecordWager(ctx, "1", "u1", true, 25))
	require.NoError(t, l.RecordWager(ctx, "1", "u1", false, 30))
	require.NoError(t, l.RecordCancellation(ctx, "1", "u1"))

	assert.False(t, mr.Exists("ledger:events"))
	msgs := readStream(t, rdb, prefix+"ledger:events")
	require.Len(t, msgs, 3)
	assert.Equal(t, redis.LedgerEventWager, msgs[0].Values["type"])
	assert.Equal(t, "u1", msgs[0].Values["bettor_id"])
	assert.Equal(t, "true", msgs[0].Values["predicted_win"])
	assert.Equal(t, "25", msgs[0].Values["amount"])
	assert.Equal(t, "30", msgs[1].Values["amount"])
	assert.Equal(t, redis.LedgerEventCancellation, msgs[2].Values["type"])
}

func TestStreamLedger_UnavailableWhenRedisDown(t *testing.T) {
	c, _, mr := newClient(t)
	l := redis.NewStreamLedger(c, "stream:ledger")
	mr.Close()

	_, err := l.CreatePool(context.Background(), "info")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	err = l.RecordSettlement(context.Background(), "1", true)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestClient_KeyAppliesPrefix(t *testing.T) {
	c, _, _ := newClient(t)
	assert.Equal(t, "test:lock:settle:1", c.Key("lock:settle:1"))
	require.NoError(t, c.Ping(context.Background()))
}
