package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// resolve commits winner as the request's worker. The request document
// decides races: only the call that moves it out of active proceeds.
// Steps after the commit are logged on failure and never rolled back.
func (e *Engine) resolve(ctx context.Context, a *attempt, winner *models.Notification) error {
	req := a.req
	now := e.now()
	_, err := e.store.UpdateRequest(ctx, req.ID, func(r *models.Request) error {
		if r.State != models.RequestActive {
			return store.ErrAborted
		}
		r.State = models.RequestAccepted
		r.AcceptedWorkerID = winner.WorkerID
		r.AcceptedAt = &now
		return nil
	})
	if errors.Is(err, store.ErrAborted) {
		// Someone else decided this request. Offer timers stay armed and
		// expire whatever is still active.
		observability.ResolutionsAborted.Inc()
		e.logger.Info("resolution_aborted", "request_id", req.ID, "worker_id", winner.WorkerID)
		return nil
	}
	if err != nil {
		e.abandon(ctx, a)
		return fmt.Errorf("commit acceptance: %w", err)
	}
	a.stopTimers()
	observability.RequestsAccepted.Inc()
	observability.AcceptLatency.Observe(now.Sub(a.started).Seconds())
	e.logger.Info("acceptance_committed", "request_id", req.ID, "worker_id", winner.WorkerID)

	e.attachWorker(ctx, req.ID, winner, now)
	e.settleOffers(ctx, a, winner)
	e.assignWorkers(ctx, a, winner)

	e.streams.Start(req.ID, winner.WorkerID, req.Pickup)
	e.publish(events.Event{Type: events.TypeAccepted, RequestID: req.ID, WorkerID: winner.WorkerID, At: now})
	return nil
}

// attachWorker embeds the winner's current profile into the request.
func (e *Engine) attachWorker(ctx context.Context, requestID string, winner *models.Notification, now time.Time) {
	snap := winner.Worker.Clone()
	snap.WorkerID = winner.WorkerID
	if p, err := e.store.GetWorkerProfile(ctx, winner.WorkerID); err == nil {
		snap.DisplayName = p.DisplayName
		if p.Location != nil {
			loc := *p.Location
			snap.Location = &loc
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("winner_profile_read_failed", "request_id", requestID, "worker_id", winner.WorkerID, "error", err)
	}
	snap.AssignedAt = &now
	_, err := e.store.UpdateRequest(ctx, requestID, func(r *models.Request) error {
		if r.AcceptedWorkerID != winner.WorkerID {
			return store.ErrAborted
		}
		r.Worker = snap
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAborted) {
		e.logger.Warn("attach_worker_failed", "request_id", requestID, "worker_id", winner.WorkerID, "error", err)
	}
}

// settleOffers writes the winner and every losing offer in one batch.
// A second offer that also reached accepted is downgraded to filled.
func (e *Engine) settleOffers(ctx context.Context, a *attempt, winner *models.Notification) {
	current, err := e.store.ListNotifications(ctx, a.req.ID)
	if err != nil {
		e.logger.Warn("settle_offers_read_failed", "request_id", a.req.ID, "error", err)
		return
	}
	updates := []store.NotificationUpdate{{ID: winner.ID, State: models.NotificationAccepted}}
	for _, n := range current {
		if n.ID == winner.ID || !a.owns(n.ID) {
			continue
		}
		switch {
		case n.State == models.NotificationActive:
		case n.State == models.NotificationAccepted && n.WorkerID != winner.WorkerID:
		default:
			continue
		}
		updates = append(updates, store.NotificationUpdate{ID: n.ID, State: models.NotificationFilled})
	}
	if err := e.store.SetNotificationStates(ctx, updates); err != nil {
		e.logger.Warn("settle_offers_failed", "request_id", a.req.ID, "error", err)
	}
}

// assignWorkers moves the winner to pickup and every other candidate of
// this attempt back to idle.
func (e *Engine) assignWorkers(ctx context.Context, a *attempt, winner *models.Notification) {
	ride := a.req.Ride()
	err := e.store.PutWorkerStatus(ctx, &models.WorkerStatus{
		WorkerID:  winner.WorkerID,
		State:     models.WorkerPickup,
		RequestID: a.req.ID,
		Ride:      &ride,
	})
	if err != nil {
		e.logger.Warn("assign_winner_failed", "request_id", a.req.ID, "worker_id", winner.WorkerID, "error", err)
	}
	for _, n := range a.snapshot() {
		if n.WorkerID == winner.WorkerID {
			continue
		}
		e.releaseWorker(ctx, n.WorkerID, a.req.ID)
	}
}
