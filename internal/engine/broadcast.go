package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

var errFeedClosed = errors.New("notification feed closed")

// attempt tracks what one broadcast created so it can be torn down.
type attempt struct {
	req     *models.Request
	started time.Time

	mu     sync.Mutex
	offers []*models.Notification
	timers []*time.Timer
}

func (a *attempt) add(n *models.Notification, t *time.Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offers = append(a.offers, n)
	a.timers = append(a.timers, t)
}

func (a *attempt) owns(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.offers {
		if n.ID == id {
			return true
		}
	}
	return false
}

func (a *attempt) snapshot() []*models.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.Notification(nil), a.offers...)
}

func (a *attempt) stopTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.timers {
		t.Stop()
	}
}

// broadcast offers req to every candidate at once and waits for the first
// acceptance or the whole-request deadline.
func (e *Engine) broadcast(ctx context.Context, req *models.Request, cands []matcher.Candidate) error {
	a := &attempt{req: req, started: e.now()}
	ride := req.Ride()

	var last time.Time
	for _, c := range cands {
		claimed, err := e.claimWorker(ctx, c.WorkerID, ride)
		if err != nil {
			e.abandon(ctx, a)
			return err
		}
		if !claimed {
			e.logger.Debug("candidate_no_longer_idle", "request_id", req.ID, "worker_id", c.WorkerID)
			continue
		}
		created := e.now()
		if !created.After(last) {
			created = last.Add(time.Microsecond)
		}
		last = created
		n := &models.Notification{
			ID:        e.newID(),
			RequestID: req.ID,
			WorkerID:  c.WorkerID,
			State:     models.NotificationActive,
			CreatedAt: created,
			Ride:      ride,
			Worker:    c.Snapshot(),
		}
		if err := e.store.CreateNotification(ctx, n); err != nil {
			e.releaseWorker(ctx, c.WorkerID, req.ID)
			e.abandon(ctx, a)
			return fmt.Errorf("create notification for %s: %w", c.WorkerID, err)
		}
		observability.NotificationsCreated.Inc()
		a.add(n, time.AfterFunc(e.cfg.PerCandidateTimeout, func() { e.expireOffer(n) }))
	}

	offers := a.snapshot()
	if len(offers) == 0 {
		e.logger.Info("no_candidates", "request_id", req.ID, "reason", "all candidates claimed elsewhere")
		_, err := e.timeoutRequest(ctx, req.ID, models.ReasonNoIdleWorkers)
		return err
	}
	e.logger.Info("broadcast", "request_id", req.ID, "candidates", len(offers))

	remaining := e.cfg.RequestTimeout - e.now().Sub(a.started)
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	feed, err := e.store.WatchNotifications(watchCtx, req.ID)
	if err != nil {
		e.abandon(ctx, a)
		return fmt.Errorf("watch notifications: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx, a)
			return ctx.Err()
		case <-deadline.C:
			a.stopTimers()
			return e.expireRequest(ctx, a)
		case list, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					e.shutdown(ctx, a)
					return ctx.Err()
				}
				e.abandon(ctx, a)
				return errFeedClosed
			}
			winner := firstAccepted(a, list)
			if winner == nil {
				continue
			}
			return e.resolve(ctx, a, winner)
		}
	}
}

// claimWorker moves an idle worker to requested. It reports false when the
// worker was offered something else since selection.
func (e *Engine) claimWorker(ctx context.Context, workerID string, ride models.RideSnapshot) (bool, error) {
	_, err := e.store.UpdateWorkerStatus(ctx, workerID, func(st *models.WorkerStatus) error {
		if st.State != models.WorkerIdle && st.State != "" {
			return store.ErrAborted
		}
		st.State = models.WorkerRequested
		st.RequestID = ride.RequestID
		st.Ride = &ride
		return nil
	})
	if errors.Is(err, store.ErrAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim worker %s: %w", workerID, err)
	}
	return true, nil
}

// firstAccepted returns the earliest accepted offer from this attempt.
// Notifications left from earlier cycles of the same request are ignored.
func firstAccepted(a *attempt, list []*models.Notification) *models.Notification {
	var winner *models.Notification
	for _, n := range list {
		if n.State != models.NotificationAccepted || !a.owns(n.ID) {
			continue
		}
		if winner == nil || acceptedBefore(n, winner) {
			winner = n
		}
	}
	return winner
}

func acceptedBefore(a, b *models.Notification) bool {
	if a.AcceptedAt == nil || b.AcceptedAt == nil {
		return a.AcceptedAt != nil
	}
	return a.AcceptedAt.Before(*b.AcceptedAt)
}

// expireOffer is the per-candidate timer: an offer still active flips to
// timeout and its worker goes back to idle.
func (e *Engine) expireOffer(n *models.Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("offer_timer_panic", "notification_id", n.ID, "error", rec)
		}
	}()
	if e.expireIfActive(e.ctx, n) {
		observability.NotificationsExpired.Inc()
		e.logger.Debug("offer_timeout", "request_id", n.RequestID, "worker_id", n.WorkerID, "notification_id", n.ID)
	}
}

// expireIfActive reports whether it moved n from active to timeout.
func (e *Engine) expireIfActive(ctx context.Context, n *models.Notification) bool {
	now := e.now()
	_, err := e.store.UpdateNotification(ctx, n.ID, func(cur *models.Notification) error {
		if cur.State != models.NotificationActive {
			return store.ErrAborted
		}
		cur.Transition(models.NotificationTimeout, now)
		return nil
	})
	if errors.Is(err, store.ErrAborted) {
		return false
	}
	if err != nil {
		e.logger.Warn("expire_offer_failed", "request_id", n.RequestID, "notification_id", n.ID, "error", err)
		return false
	}
	e.releaseWorker(ctx, n.WorkerID, n.RequestID)
	return true
}

// expireRequest handles the whole-request deadline.
func (e *Engine) expireRequest(ctx context.Context, a *attempt) error {
	committed, err := e.timeoutRequest(ctx, a.req.ID, models.ReasonNoAcceptance)
	if err != nil {
		e.abandon(ctx, a)
		return err
	}
	if !committed {
		e.logger.Info("request_already_resolved", "request_id", a.req.ID)
	}
	e.sweep(ctx, a)
	return nil
}

// sweep times out every offer of a that is still active.
func (e *Engine) sweep(ctx context.Context, a *attempt) {
	for _, n := range a.snapshot() {
		e.expireIfActive(ctx, n)
	}
}

// abandon tears an attempt down after a failure. The request stays active
// so the next rescan tick starts over with fresh offers.
func (e *Engine) abandon(ctx context.Context, a *attempt) {
	a.stopTimers()
	e.sweep(ctx, a)
}

// shutdown abandons a after ctx was cancelled, so claimed workers are not
// left in requested across a restart.
func (e *Engine) shutdown(ctx context.Context, a *attempt) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	e.abandon(cleanup, a)
}
