package engine

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Run drives the rescan loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RescanInterval)
	defer ticker.Stop()

	e.logger.Info("rescan_loop_started", "interval", e.cfg.RescanInterval.String())
	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rescan_loop_stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick scans active requests once. Requests older than the request
// timeout that no attempt is working on are timed out; the rest get an
// attempt unless one is already running.
func (e *Engine) Tick(ctx context.Context) {
	observability.RescanTicks.Inc()
	reqs, err := e.store.ListRequestsByState(ctx, models.RequestActive)
	if err != nil {
		observability.RescanErrors.Inc()
		e.logger.Error("rescan_list_failed", "error", err)
		return
	}
	now := e.now()
	for _, r := range reqs {
		if now.Sub(r.ActivatedAt()) > e.cfg.RequestTimeout && !e.guard.Contains(r.ID) {
			if _, err := e.timeoutRequest(ctx, r.ID, models.ReasonStale); err != nil {
				e.logger.Warn("stale_timeout_failed", "request_id", r.ID, "error", err)
			}
			continue
		}
		if e.guard.TryAcquire(r.ID) {
			e.launch(r)
		}
	}
}
