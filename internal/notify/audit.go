package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// AlertingAuditStore forwards every entry to the wrapped store and raises a
// notification for ledger orphans, which need manual reconciliation.
type AlertingAuditStore struct {
	domain.AuditStore
	notifier *Notifier
	logger   *slog.Logger
}

var _ domain.AuditStore = (*AlertingAuditStore)(nil)

// NewAlertingAuditStore wraps store.
func NewAlertingAuditStore(store domain.AuditStore, notifier *Notifier, logger *slog.Logger) *AlertingAuditStore {
	return &AlertingAuditStore{
		AuditStore: store,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "audit_alerts")),
	}
}

// Log records the entry, then alerts on orphans. Alert failures are logged
// and never fail the write.
func (s *AlertingAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	err := s.AuditStore.Log(ctx, event, detail)
	if event != domain.AuditLedgerOrphan || !s.notifier.Enabled(EventLedgerOrphan) {
		return err
	}
	title := fmt.Sprintf("Ledger orphan: %v", detail["op"])
	if nerr := s.notifier.Notify(ctx, EventLedgerOrphan, title, FormatDetail(detail)); nerr != nil {
		s.logger.WarnContext(ctx, "audit_alerts: notify failed", slog.String("error", nerr.Error()))
	}
	return err
}

// FormatDetail renders an audit detail map as sorted "key: value" lines.
func FormatDetail(detail map[string]any) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, detail[k]))
	}
	return strings.Join(lines, "\n")
}
