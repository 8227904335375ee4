package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

const archivePageSize = 200

// SettledPoolSource is the slice of domain.PoolStore the archiver reads.
type SettledPoolSource interface {
	ListSettled(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error)
}

// archivedWager and archivedPool are the JSONL record layout.
type archivedWager struct {
	BettorID     string    `json:"bettor_id"`
	Amount       int64     `json:"amount"`
	PredictedWin bool      `json:"predicted_win"`
	PlacedAt     time.Time `json:"placed_at"`
	Canceled     bool      `json:"canceled,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
}

type archivedPool struct {
	ID         string          `json:"id"`
	SubjectID  string          `json:"subject_id"`
	Info       string          `json:"info"`
	OutcomeWon *bool           `json:"outcome_won"`
	CreatedAt  time.Time       `json:"created_at"`
	SettledAt  time.Time       `json:"settled_at"`
	Wagers     []archivedWager `json:"wagers"`
}

// PoolArchiver implements domain.Archiver. Settled pools are grouped by UTC
// settlement day and written to archive/pools/YYYY/MM/DD.jsonl, one pool per
// line. Days already present in the bucket are skipped, so reruns are safe.
// Nothing is removed from the store.
type PoolArchiver struct {
	pools  SettledPoolSource
	reader domain.BlobReader
	writer domain.BlobWriter
	audit  domain.AuditStore
	logger *slog.Logger
}

var _ domain.Archiver = (*PoolArchiver)(nil)

// NewPoolArchiver creates a PoolArchiver.
func NewPoolArchiver(pools SettledPoolSource, reader domain.BlobReader, writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *PoolArchiver {
	return &PoolArchiver{
		pools:  pools,
		reader: reader,
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePath returns the object key holding pools settled on day.
func ArchivePath(day time.Time) string {
	return fmt.Sprintf("archive/pools/%s.jsonl", day.UTC().Format("2006/01/02"))
}

// ArchiveSettled copies every pool settled before the start of before's UTC
// day and returns how many pools were written. Partial days are never
// archived.
func (a *PoolArchiver) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Truncate(24 * time.Hour)

	days := make(map[string][]domain.Pool)
	var order []string
	for offset := 0; ; offset += archivePageSize {
		page, err := a.pools.ListSettled(ctx, domain.ListOpts{
			Until:  &cutoff,
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: list settled pools: %w", err)
		}
		for _, p := range page {
			if p.SettledAt == nil {
				continue
			}
			key := ArchivePath(*p.SettledAt)
			if _, ok := days[key]; !ok {
				order = append(order, key)
			}
			days[key] = append(days[key], p)
		}
		if len(page) < archivePageSize {
			break
		}
	}

	var total int64
	var written []string
	for _, path := range order {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return total, fmt.Errorf("s3blob: check %s: %w", path, err)
		}
		if exists {
			a.logger.Debug("archiver: day already archived", slog.String("path", path))
			continue
		}

		data, err := marshalPools(days[path])
		if err != nil {
			return total, err
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: write %s: %w", path, err)
		}
		total += int64(len(days[path]))
		written = append(written, path)
		a.logger.Info("archiver: day archived",
			slog.String("path", path),
			slog.Int("pools", len(days[path])),
		)
	}

	if len(written) > 0 {
		if err := a.audit.Log(ctx, domain.AuditPoolsArchived, map[string]any{
			"before": cutoff.Format(time.RFC3339),
			"pools":  total,
			"paths":  written,
		}); err != nil {
			a.logger.Warn("archiver: audit failed", slog.String("error", err.Error()))
		}
	}
	return total, nil
}

func marshalPools(pools []domain.Pool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range pools {
		rec := archivedPool{
			ID:         p.ID,
			SubjectID:  p.SubjectID,
			Info:       p.Info,
			OutcomeWon: p.OutcomeWon,
			CreatedAt:  p.CreatedAt.UTC(),
			SettledAt:  p.SettledAt.UTC(),
			Wagers:     make([]archivedWager, 0, len(p.Wagers)),
		}
		for _, w := range p.SortedWagers() {
			rec.Wagers = append(rec.Wagers, archivedWager{
				BettorID:     w.BettorID,
				Amount:       w.Amount,
				PredictedWin: w.PredictedWin,
				PlacedAt:     w.PlacedAt.UTC(),
				Canceled:     w.Canceled,
				CancelReason: w.CancelReason,
			})
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("s3blob: encode pool %s: %w", p.ID, err)
		}
	}
	return buf.Bytes(), nil
}
