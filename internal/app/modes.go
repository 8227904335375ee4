package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/notify"
	"github.com/alanyoungcy/betledger/internal/server"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/server/ws"
	"github.com/alanyoungcy/betledger/internal/service"
)

// ServerMode serves the HTTP API. With Redis it also streams events over
// WebSocket and announces settlements; with archiving enabled it copies
// settled pools to S3 on a timer.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	checks := make(map[string]handler.Checker, len(deps.Checks))
	for name, fn := range deps.Checks {
		checks[name] = fn
	}
	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(checks, a.logger),
		Bets:        handler.NewBetHandler(deps.Bets, a.logger),
		Pools:       handler.NewPoolHandler(deps.Bets, a.logger),
		Settlements: handler.NewSettlementHandler(deps.Bets, a.logger),
		Balances:    handler.NewBalanceHandler(deps.Bets, a.logger),
	}

	extras := server.Extras{Limiter: deps.RateLimiter}
	if a.cfg.Server.SigningSecret != "" {
		extras.Signer = crypto.NewRequestSigner(a.cfg.Server.SigningSecret, a.cfg.Server.SignatureMaxAge.Duration)
	} else {
		a.logger.WarnContext(ctx, "app: settlement requests are not signed")
	}

	if deps.SignalBus != nil {
		if a.cfg.Server.WebSocket {
			hub := ws.NewHub(deps.SignalBus, a.logger)
			extras.Hub = hub
			g.Go(func() error { return hub.Run(ctx) })
		}
		if deps.Notifier.Enabled(notify.EventSettlement) {
			relay := notify.NewSettlementRelay(deps.SignalBus, deps.Notifier, service.SettlementStream, a.logger)
			g.Go(func() error { return relay.Run(ctx) })
		}
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, extras, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// ArchiveMode archives settled pools once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: s3 is not configured")
	}
	_, err := a.archiveOnce(ctx, deps)
	return err
}

// LeaderboardMode prints the balance leaderboard and posts it to the
// notification channels that accept it.
func (a *App) LeaderboardMode(ctx context.Context, deps *Dependencies) error {
	balances, err := deps.Bets.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("leaderboard mode: %w", err)
	}
	limit := a.cfg.Notify.LeaderboardSize
	if err := notify.RenderLeaderboard(os.Stdout, balances, limit); err != nil {
		return fmt.Errorf("leaderboard mode: render: %w", err)
	}

	if !deps.Notifier.Enabled(notify.EventLeaderboard) {
		return nil
	}
	text, err := notify.LeaderboardText(balances, limit)
	if err != nil {
		return fmt.Errorf("leaderboard mode: render: %w", err)
	}
	if err := deps.Notifier.Notify(ctx, notify.EventLeaderboard, "Leaderboard", text); err != nil {
		return fmt.Errorf("leaderboard mode: notify: %w", err)
	}
	return nil
}

func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		if _, err := a.archiveOnce(ctx, deps); err != nil {
			a.logger.ErrorContext(ctx, "app: archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) (int64, error) {
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	n, err := deps.Archiver.ArchiveSettled(ctx, before)
	if err != nil {
		return n, fmt.Errorf("archive: %w", err)
	}
	a.logger.InfoContext(ctx, "app: archive run complete",
		slog.Int64("pools", n),
		slog.Time("before", before),
	)
	return n, nil
}
