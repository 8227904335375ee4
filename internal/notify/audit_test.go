package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/notify"
)

type memAudit struct {
	events []string
	err    error
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return m.err
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestAlertingAuditStore(t *testing.T) {
	inner := &memAudit{}
	rec := &recordingSender{name: "rec"}
	store := notify.NewAlertingAuditStore(inner, notify.NewNotifier([]notify.Sender{rec}, nil, discard()), discard())
	ctx := context.Background()

	require.NoError(t, store.Log(ctx, domain.AuditWagerPlaced, map[string]any{"pool_id": "7"}))
	assert.Empty(t, rec.titles)

	require.NoError(t, store.Log(ctx, domain.AuditLedgerOrphan, map[string]any{
		"op": "place_wager", "pool_id": "7", "bettor_id": "u1",
	}))
	assert.Equal(t, []string{domain.AuditWagerPlaced, domain.AuditLedgerOrphan}, inner.events)
	assert.Equal(t, []string{"Ledger orphan: place_wager"}, rec.titles)
	assert.Equal(t, "bettor_id: u1\nop: place_wager\npool_id: 7", rec.bodies[0])
}

func TestAlertingAuditStore_StoreErrorStillAlerts(t *testing.T) {
	inner := &memAudit{err: errors.New("disk full")}
	rec := &recordingSender{name: "rec"}
	store := notify.NewAlertingAuditStore(inner, notify.NewNotifier([]notify.Sender{rec}, nil, discard()), discard())

	err := store.Log(context.Background(), domain.AuditLedgerOrphan, map[string]any{"op": "settle"})
	assert.EqualError(t, err, "disk full")
	assert.Len(t, rec.titles, 1)

	failing := &recordingSender{name: "bad", err: errors.New("offline")}
	quiet := notify.NewAlertingAuditStore(&memAudit{}, notify.NewNotifier([]notify.Sender{failing}, nil, discard()), discard())
	assert.NoError(t, quiet.Log(context.Background(), domain.AuditLedgerOrphan, map[string]any{"op": "settle"}))
}
