package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/notify"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
	bodies []string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifier_FiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{rec}, []string{" settlement "}, discard())

	require.NoError(t, n.Notify(context.Background(), notify.EventSettlement, "t", "m"))
	require.NoError(t, n.Notify(context.Background(), notify.EventLeaderboard, "t", "m"))
	assert.Len(t, rec.titles, 1)
	assert.True(t, n.Enabled(notify.EventSettlement))
	assert.False(t, n.Enabled(notify.EventLedgerOrphan))

	all := notify.NewNotifier([]notify.Sender{rec}, nil, discard())
	assert.True(t, all.Enabled(notify.EventLedgerOrphan))

	none := notify.NewNotifier(nil, nil, discard())
	assert.False(t, none.Enabled(notify.EventSettlement))
}

func TestNotifier_OneFailingSenderDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := notify.NewNotifier([]notify.Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), notify.EventSettlement, "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"title"}, good.titles)
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := notify.NewDiscordSender(srv.URL).WithHTTPClient(srv.Client())
	require.NoError(t, d.Send(context.Background(), "Bets settled", "Winners: u1 +20"))
	assert.Equal(t, "**Bets settled**\nWinners: u1 +20", got["content"])
	assert.Equal(t, "betledger", got["username"])
	assert.Equal(t, "discord", d.Name())
}

func TestDiscordSender_TruncatesAndReportsStatus(t *testing.T) {
	var content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]string
		_ = json.NewDecoder(r.Body).Decode(&p)
		content = p["content"]
		if strings.HasPrefix(content, "**fail**") {
			http.Error(w, "bad webhook", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := notify.NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "long", strings.Repeat("x", 5000)))
	assert.Len(t, content, 2000)
	assert.True(t, strings.HasSuffix(content, "..."))

	err := d.Send(context.Background(), "fail", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestTelegramSender(t *testing.T) {
	var (
		path string
		msg  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		if strings.Contains(msg["text"], "reject") {
			_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := notify.NewTelegramSender("123:abc", "-100").WithAPIBase(srv.URL + "/")
	require.NoError(t, tg.Send(context.Background(), "alice <won>", "u1 +20"))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", msg["chat_id"])
	assert.Equal(t, "HTML", msg["parse_mode"])
	assert.Equal(t, "<b>alice &lt;won&gt;</b>\n<pre>u1 +20</pre>", msg["text"])

	err := tg.Send(context.Background(), "t", "reject")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestFormatSettlement(t *testing.T) {
	ev := domain.SettlementEvent{
		SubjectID:  "alice",
		OutcomeWon: true,
		Winners: []domain.WagerSummary{
			{BettorID: "u1", Amount: 10, Payout: 20},
			{BettorID: "u3", Amount: 7, Payout: 14},
		},
		Losers:        []domain.WagerSummary{{BettorID: "u2", Amount: 5}},
		Canceled:      []domain.WagerSummary{{BettorID: "late", Amount: 30, Reason: domain.CancelReasonLate}},
		FailedCredits: []domain.WagerSummary{{BettorID: "u3", Amount: 7, Payout: 14}},
		TotalPayout:   20,
	}

	assert.Equal(t, "Bets settled: alice won", notify.SettlementTitle(ev))
	assert.Equal(t, strings.Join([]string{
		"Winners: u1 +20, u3 +14",
		"Losers: u2 -5",
		"Refunded: late 30 (late)",
		"Total paid: 20",
		"Credit pending: u3 14",
	}, "\n"), notify.FormatSettlement(ev))

	empty := domain.SettlementEvent{SubjectID: "bob"}
	assert.Equal(t, "Bets settled: bob lost", notify.SettlementTitle(empty))
	assert.Equal(t, "No bets were placed.", notify.FormatSettlement(empty))
}

func TestLeaderboardText(t *testing.T) {
	balances := []domain.Balance{
		{UserID: "erin", Amount: 90},
		{UserID: "bob", Amount: 40},
		{UserID: "dave", Amount: -20},
	}
	out, err := notify.LeaderboardText(balances, 2)
	require.NoError(t, err)
	assert.Contains(t, out, "erin")
	assert.Contains(t, out, "90")
	assert.Contains(t, out, "bob")
	assert.NotContains(t, out, "dave")
	assert.Less(t, strings.Index(out, "erin"), strings.Index(out, "bob"))
}

type streamBus struct {
	entries []domain.StreamMessage
	reads   []string
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *streamBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *streamBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.reads = append(b.reads, lastID)
	var out []domain.StreamMessage
	after := lastID == "0"
	for _, e := range b.entries {
		if after && len(out) < count {
			out = append(out, e)
		}
		if e.ID == lastID {
			after = true
		}
	}
	return out, nil
}

func TestSettlementRelay_AnnouncesAndAdvances(t *testing.T) {
	payload, err := json.Marshal(domain.SettlementEvent{
		PoolID: "7", SubjectID: "alice", OutcomeWon: true,
		Winners:     []domain.WagerSummary{{BettorID: "u1", Amount: 10, Payout: 20}},
		TotalPayout: 20,
	})
	require.NoError(t, err)
	bus := &streamBus{entries: []domain.StreamMessage{
		{ID: "1-0", Payload: payload},
		{ID: "2-0", Payload: []byte("not json")},
	}}
	rec := &recordingSender{name: "rec"}
	relay := notify.NewSettlementRelay(bus, notify.NewNotifier([]notify.Sender{rec}, nil, discard()), "stream:settlements", discard()).
		WithStartID("0")

	n, err := relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "2-0", relay.LastID())
	assert.Equal(t, []string{"Bets settled: alice won"}, rec.titles)
	assert.Contains(t, rec.bodies[0], "u1 +20")

	n, err = relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"0", "2-0"}, bus.reads)
}

func TestSettlementRelay_FailedAnnouncementIsRetried(t *testing.T) {
	payload, err := json.Marshal(domain.SettlementEvent{PoolID: "7", SubjectID: "alice"})
	require.NoError(t, err)
	bus := &streamBus{entries: []domain.StreamMessage{{ID: "1-0", Payload: payload}}}
	rec := &recordingSender{name: "rec", err: errors.New("offline")}
	relay := notify.NewSettlementRelay(bus, notify.NewNotifier([]notify.Sender{rec}, nil, discard()), "s", discard()).
		WithStartID("0")

	_, err = relay.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, "0", relay.LastID())

	rec.err = nil
	n, err := relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "1-0", relay.LastID())
}
