// Package fleet implements the writes a worker's app performs: answering
// offers, moving through pickup and riding, and reporting its location.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

var (
	// ErrNotActive means the offer was already answered, expired or filled.
	ErrNotActive = errors.New("notification is not active")
	// ErrWrongState means the worker or request is not in the state the
	// action needs.
	ErrWrongState = errors.New("wrong state for this action")
)

type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "fleet"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WorkerView pairs a profile with its current status.
type WorkerView struct {
	Profile *models.WorkerProfile `json:"profile"`
	Status  *models.WorkerStatus  `json:"status"`
}

// Accept answers an active offer. The dispatch engine decides whether the
// acceptance wins; the worker moves to pickup optimistically.
func (s *Service) Accept(ctx context.Context, workerID, notificationID string) (*models.Notification, error) {
	now := s.now()
	n, err := s.store.UpdateNotification(ctx, notificationID, func(n *models.Notification) error {
		if n.WorkerID != workerID {
			return store.ErrNotFound
		}
		if n.State != models.NotificationActive {
			return ErrNotActive
		}
		n.Transition(models.NotificationAccepted, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", notificationID, err)
	}
	ride := n.Ride
	err = s.store.PutWorkerStatus(ctx, &models.WorkerStatus{
		WorkerID:  workerID,
		State:     models.WorkerPickup,
		RequestID: n.RequestID,
		Ride:      &ride,
	})
	if err != nil {
		return nil, fmt.Errorf("set worker %s pickup: %w", workerID, err)
	}
	s.logger.Info("offer_accepted", "worker_id", workerID, "request_id", n.RequestID, "notification_id", n.ID)
	return n, nil
}

func (s *Service) Reject(ctx context.Context, workerID, notificationID string) (*models.Notification, error) {
	now := s.now()
	n, err := s.store.UpdateNotification(ctx, notificationID, func(n *models.Notification) error {
		if n.WorkerID != workerID {
			return store.ErrNotFound
		}
		if n.State != models.NotificationActive {
			return ErrNotActive
		}
		n.Transition(models.NotificationRejected, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", notificationID, err)
	}
	if err := s.releaseFrom(ctx, workerID, n.RequestID); err != nil {
		return nil, err
	}
	s.logger.Info("offer_rejected", "worker_id", workerID, "request_id", n.RequestID, "notification_id", n.ID)
	return n, nil
}

// ConfirmPickup starts the ride: request, worker and offer all move to
// riding.
func (s *Service) ConfirmPickup(ctx context.Context, workerID string) (*models.Request, error) {
	st, err := s.statusIn(ctx, workerID, models.WorkerPickup)
	if err != nil {
		return nil, err
	}
	req, err := s.store.UpdateRequest(ctx, st.RequestID, func(r *models.Request) error {
		if r.State != models.RequestAccepted || r.AcceptedWorkerID != workerID {
			return ErrWrongState
		}
		r.State = models.RequestRiding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start ride %s: %w", st.RequestID, err)
	}
	_, err = s.store.UpdateWorkerStatus(ctx, workerID, func(cur *models.WorkerStatus) error {
		cur.State = models.WorkerRiding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set worker %s riding: %w", workerID, err)
	}
	s.moveOffer(ctx, workerID, req.ID, models.NotificationAccepted, models.NotificationRiding)
	s.logger.Info("pickup_confirmed", "worker_id", workerID, "request_id", req.ID)
	return req, nil
}

// CancelPickup backs a worker out of an accepted ride. The request goes
// back to active with a fresh activation time so it is matched again.
func (s *Service) CancelPickup(ctx context.Context, workerID string) (*models.Request, error) {
	st, err := s.statusIn(ctx, workerID, models.WorkerPickup)
	if err != nil {
		return nil, err
	}
	now := s.now()
	req, err := s.store.UpdateRequest(ctx, st.RequestID, func(r *models.Request) error {
		if r.State != models.RequestAccepted || r.AcceptedWorkerID != workerID {
			return ErrWrongState
		}
		r.State = models.RequestActive
		r.ReactivatedAt = &now
		r.AcceptedWorkerID = ""
		r.AcceptedAt = nil
		r.Worker = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrWrongState) {
		return nil, fmt.Errorf("reactivate %s: %w", st.RequestID, err)
	}
	if err := s.releaseFrom(ctx, workerID, st.RequestID); err != nil {
		return nil, err
	}
	s.moveOffer(ctx, workerID, st.RequestID, models.NotificationAccepted, models.NotificationCancelled)
	if req == nil {
		// The worker lost the race for this request; only its own state
		// needed clearing.
		return s.store.GetRequest(ctx, st.RequestID)
	}
	s.logger.Info("pickup_cancelled", "worker_id", workerID, "request_id", req.ID)
	return req, nil
}

// Complete ends the ride with the legs the worker's app measured.
func (s *Service) Complete(ctx context.Context, workerID string, pickup, riding models.Leg) (*models.Request, error) {
	st, err := s.statusIn(ctx, workerID, models.WorkerRiding)
	if err != nil {
		return nil, err
	}
	now := s.now()
	req, err := s.store.UpdateRequest(ctx, st.RequestID, func(r *models.Request) error {
		if r.State != models.RequestRiding || r.AcceptedWorkerID != workerID {
			return ErrWrongState
		}
		r.State = models.RequestDropOff
		r.CompletedAt = &now
		r.Metrics = &models.RideMetrics{
			Pickup: pickup,
			Riding: riding,
			Total: models.Leg{
				TimeMs:         pickup.TimeMs + riding.TimeMs,
				DistanceMeters: pickup.DistanceMeters + riding.DistanceMeters,
			},
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", st.RequestID, err)
	}
	if err := s.releaseFrom(ctx, workerID, req.ID); err != nil {
		return nil, err
	}
	s.moveOffer(ctx, workerID, req.ID, models.NotificationRiding, models.NotificationComplete)
	s.logger.Info("ride_completed", "worker_id", workerID, "request_id", req.ID)
	return req, nil
}

// ReportLocation records the worker's position, creating its profile on
// first report. An empty name keeps the stored one.
func (s *Service) ReportLocation(ctx context.Context, workerID, name string, at models.Coord) (*models.WorkerProfile, error) {
	if workerID == "" {
		return nil, fmt.Errorf("report location: missing worker id")
	}
	if err := geo.Validate(at); err != nil {
		return nil, err
	}
	now := s.now()
	return s.store.UpdateWorkerProfile(ctx, workerID, func(p *models.WorkerProfile) error {
		if name != "" {
			p.DisplayName = name
		}
		loc := at
		p.Location = &loc
		p.LocationUpdatedAt = now
		return nil
	})
}

// ActiveNotifications lists the worker's open offers, newest first.
func (s *Service) ActiveNotifications(ctx context.Context, workerID string) ([]*models.Notification, error) {
	all, err := s.store.ListOpenWorkerNotifications(ctx, workerID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Notification, 0, len(all))
	for _, n := range all {
		if n.State == models.NotificationActive {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActiveWorkers lists workers whose location was refreshed within window.
func (s *Service) ActiveWorkers(ctx context.Context, window time.Duration) ([]WorkerView, error) {
	profiles, err := s.store.ListWorkerProfiles(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := s.store.ListWorkerStatuses(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.WorkerStatus, len(statuses))
	for _, st := range statuses {
		byID[st.WorkerID] = st
	}
	now := s.now()
	out := make([]WorkerView, 0, len(profiles))
	for _, p := range profiles {
		if !p.Fresh(now, window) {
			continue
		}
		st := byID[p.ID]
		if st == nil {
			st = models.IdleStatus(p.ID)
		}
		out = append(out, WorkerView{Profile: p, Status: st})
	}
	return out, nil
}

func (s *Service) statusIn(ctx context.Context, workerID string, want models.WorkerState) (*models.WorkerStatus, error) {
	st, err := s.store.GetWorkerStatus(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		st, err = models.IdleStatus(workerID), nil
	}
	if err != nil {
		return nil, err
	}
	if st.State != want || st.RequestID == "" {
		return nil, fmt.Errorf("worker %s is %s: %w", workerID, st.State, ErrWrongState)
	}
	return st, nil
}

// releaseFrom sets the worker idle if it is still tied to requestID.
func (s *Service) releaseFrom(ctx context.Context, workerID, requestID string) error {
	_, err := s.store.UpdateWorkerStatus(ctx, workerID, func(st *models.WorkerStatus) error {
		if st.RequestID != requestID {
			return store.ErrAborted
		}
		st.State = models.WorkerIdle
		st.RequestID = ""
		st.Ride = nil
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAborted) {
		return fmt.Errorf("release worker %s: %w", workerID, err)
	}
	return nil
}

// moveOffer transitions the worker's latest offer for requestID from one
// state to another. A missing offer is logged, not fatal.
func (s *Service) moveOffer(ctx context.Context, workerID, requestID string, from, to models.NotificationState) {
	all, err := s.store.ListOpenWorkerNotifications(ctx, workerID)
	if err != nil {
		s.logger.Warn("offer_lookup_failed", "worker_id", workerID, "request_id", requestID, "error", err)
		return
	}
	var target *models.Notification
	for _, n := range all {
		if n.RequestID == requestID && n.State == from {
			target = n
		}
	}
	if target == nil {
		s.logger.Warn("offer_not_found", "worker_id", workerID, "request_id", requestID, "state", from)
		return
	}
	now := s.now()
	_, err = s.store.UpdateNotification(ctx, target.ID, func(n *models.Notification) error {
		if n.State != from {
			return store.ErrAborted
		}
		n.Transition(to, now)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAborted) {
		s.logger.Warn("offer_update_failed", "worker_id", workerID, "notification_id", target.ID, "error", err)
	}
}
