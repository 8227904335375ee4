package s3blob_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/betledger/internal/blob/s3"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/store/sqlite"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type fixture struct {
	pools *sqlite.PoolStore
	audit *sqlite.AuditStore
	blobs *memBlobs
	arch  *s3blob.PoolArchiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		pools: sqlite.NewPoolStore(db),
		audit: sqlite.NewAuditStore(db),
		blobs: newMemBlobs(),
	}
	f.arch = s3blob.NewPoolArchiver(f.pools, f.blobs, f.blobs, f.audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// settled creates a pool for subject with one wager by u1 and settles it at.
func (f *fixture) settled(t *testing.T, id, subject string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pools.Create(ctx, domain.Pool{
		ID: id, SubjectID: subject, Info: domain.PoolInfo(subject), CreatedAt: at.Add(-time.Hour),
	}))
	require.NoError(t, f.pools.ApplyWager(ctx, domain.WagerWrite{
		PoolID: id,
		Wager:  domain.Wager{BettorID: "u1", Amount: 10, PredictedWin: true, PlacedAt: at.Add(-30 * time.Minute)},
		Debit:  10,
		Floor:  -100,
	}))
	_, err := f.pools.Settle(ctx, domain.SettleRequest{
		PoolID: id, OutcomeWon: true, Cutoff: at.Add(-10 * time.Minute), SettledAt: at,
	})
	require.NoError(t, err)
}

func readLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestArchivePath(t *testing.T) {
	day := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "archive/pools/2026/03/04.jsonl", s3blob.ArchivePath(day))
}

func TestPoolArchiver_GroupsByDayAndSkipsToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	f.settled(t, "1", "alice", day1)
	f.settled(t, "2", "bob", day1.Add(2*time.Hour))
	f.settled(t, "3", "carol", day1.Add(24*time.Hour))
	f.settled(t, "4", "dave", day1.Add(48*time.Hour))

	// Cutoff falls on day 3, so its pool stays behind.
	n, err := f.arch.ArchiveSettled(ctx, day1.Add(48*time.Hour+time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	objs, err := f.blobs.List(ctx, "archive/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "archive/pools/2026/03/01.jsonl", objs[0].Path)
	assert.Equal(t, "archive/pools/2026/03/02.jsonl", objs[1].Path)
	assert.Equal(t, "application/x-ndjson", f.blobs.types[objs[0].Path])

	recs := readLines(t, f.blobs.objects[objs[0].Path])
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0]["id"])
	assert.Equal(t, "alice", recs[0]["subject_id"])
	assert.Equal(t, true, recs[0]["outcome_won"])
	wagers := recs[0]["wagers"].([]any)
	require.Len(t, wagers, 1)
	assert.Equal(t, "u1", wagers[0].(map[string]any)["bettor_id"])

	// The store still holds every pool.
	p, err := f.pools.GetByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusSettled, p.Status)

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	var archived int
	for _, e := range entries {
		if e.Event == domain.AuditPoolsArchived {
			archived++
		}
	}
	assert.Equal(t, 1, archived)
}

func TestPoolArchiver_RerunSkipsArchivedDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	f.settled(t, "1", "alice", day1)

	n, err := f.arch.ArchiveSettled(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	first := f.blobs.objects["archive/pools/2026/03/01.jsonl"]

	f.settled(t, "2", "bob", day1.Add(24*time.Hour))
	n, err = f.arch.ArchiveSettled(ctx, day1.Add(72*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, first, f.blobs.objects["archive/pools/2026/03/01.jsonl"])
	assert.Contains(t, f.blobs.objects, "archive/pools/2026/03/02.jsonl")

	n, err = f.arch.ArchiveSettled(ctx, day1.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoolArchiver_NothingToArchive(t *testing.T) {
	f := newFixture(t)
	n, err := f.arch.ArchiveSettled(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.blobs.objects)
}
