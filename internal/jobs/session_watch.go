package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"schoolpass/tagging/internal/config"
	"schoolpass/tagging/internal/metrics"
)

type SessionCounter interface {
	SessionCounts(ctx context.Context, staleBefore time.Time) (open int64, stale int64, err error)
}

// StartSessionWatch periodically publishes how many sessions are checked in
// and how many have sat past the checkout threshold. Read-only: stale
// sessions are closed by the classifier on the user's next scan, never here.
func StartSessionWatch(ctx context.Context, cfg config.Config, counter SessionCounter, log *zap.Logger) {
	if !cfg.SessionWatchEnabled {
		return
	}
	if counter == nil {
		log.Info("session watch disabled: no session store configured")
		return
	}
	interval := cfg.SessionWatchInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				staleBefore := time.Now().UTC().Add(-cfg.CheckoutThreshold)
				tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				open, stale, err := counter.SessionCounts(tickCtx, staleBefore)
				cancel()
				if err != nil {
					log.Warn("session watch tick failed", zap.Error(err))
					continue
				}
				metrics.OpenSessions.Set(float64(open))
				metrics.StaleSessions.Set(float64(stale))
				if stale > 0 {
					log.Warn("sessions past checkout threshold",
						zap.Int64("open", open),
						zap.Int64("stale", stale))
				}
			}
		}
	}()
}
