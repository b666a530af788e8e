// Package memory is an in-process store.Store. It backs tests and
// single-instance deployments that run without Redis.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

// Store keeps cloned documents in maps guarded by one lock. Mutate
// callbacks run with the lock held and must not call back into the store.
type Store struct {
	mu            sync.RWMutex
	requests      map[string]*models.Request
	profiles      map[string]*models.WorkerProfile
	statuses      map[string]*models.WorkerStatus
	notifications map[string]*models.Notification

	profileFeed      *feed[*models.WorkerProfile]
	statusFeed       *feed[*models.WorkerStatus]
	notificationFeed *feed[[]*models.Notification]

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		requests:         make(map[string]*models.Request),
		profiles:         make(map[string]*models.WorkerProfile),
		statuses:         make(map[string]*models.WorkerStatus),
		notifications:    make(map[string]*models.Notification),
		profileFeed:      newFeed[*models.WorkerProfile](),
		statusFeed:       newFeed[*models.WorkerStatus](),
		notificationFeed: newFeed[[]*models.Notification](),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Requests

func (s *Store) CreateRequest(_ context.Context, r *models.Request) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("create request: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := r.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.requests[r.ID] = cp
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) ListRequestsByState(_ context.Context, state models.RequestState) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range s.requests {
		if r.State == state {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateRequest(_ context.Context, id string, mutate func(r *models.Request) error) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cur.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	cp.UpdatedAt = s.now()
	s.requests[id] = cp
	return cp.Clone(), nil
}

// Workers

func (s *Store) GetWorkerProfile(_ context.Context, id string) (*models.WorkerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) ListWorkerProfiles(context.Context) ([]*models.WorkerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkerProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateWorkerProfile(_ context.Context, id string, mutate func(p *models.WorkerProfile) error) (*models.WorkerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.profiles[id].Clone()
	if cp == nil {
		cp = &models.WorkerProfile{ID: id}
	}
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	s.profiles[id] = cp
	s.profileFeed.publish(id, func() *models.WorkerProfile { return cp.Clone() })
	return cp.Clone(), nil
}

func (s *Store) WatchWorkerProfile(ctx context.Context, id string) (<-chan *models.WorkerProfile, error) {
	ch := make(chan *models.WorkerProfile, 1)
	s.mu.Lock()
	s.profileFeed.add(id, ch)
	offer(ch, s.profiles[id].Clone())
	s.mu.Unlock()
	go s.closeOnDone(ctx, func() {
		s.profileFeed.remove(id, ch)
		close(ch)
	})
	return ch, nil
}

func (s *Store) GetWorkerStatus(_ context.Context, workerID string) (*models.WorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) ListWorkerStatuses(context.Context) ([]*models.WorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkerStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) PutWorkerStatus(_ context.Context, st *models.WorkerStatus) error {
	if st == nil || st.WorkerID == "" {
		return fmt.Errorf("put worker status: missing worker id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st.Clone()
	cp.UpdatedAt = s.now()
	s.putStatusLocked(cp)
	return nil
}

func (s *Store) UpdateWorkerStatus(_ context.Context, workerID string, mutate func(st *models.WorkerStatus) error) (*models.WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.statuses[workerID].Clone()
	if cp == nil {
		cp = models.IdleStatus(workerID)
	}
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.WorkerID = workerID
	cp.UpdatedAt = s.now()
	s.putStatusLocked(cp)
	return cp.Clone(), nil
}

func (s *Store) putStatusLocked(st *models.WorkerStatus) {
	s.statuses[st.WorkerID] = st
	s.statusFeed.publish(st.WorkerID, func() *models.WorkerStatus { return st.Clone() })
}

func (s *Store) WatchWorkerStatus(ctx context.Context, workerID string) (<-chan *models.WorkerStatus, error) {
	ch := make(chan *models.WorkerStatus, 1)
	s.mu.Lock()
	s.statusFeed.add(workerID, ch)
	cur := s.statuses[workerID].Clone()
	if cur == nil {
		cur = models.IdleStatus(workerID)
	}
	offer(ch, cur)
	s.mu.Unlock()
	go s.closeOnDone(ctx, func() {
		s.statusFeed.remove(workerID, ch)
		close(ch)
	})
	return ch, nil
}

// Notifications

func (s *Store) CreateNotification(_ context.Context, n *models.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("create notification: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.notifications[n.ID] = n.Clone()
	s.publishNotificationsLocked(n.RequestID)
	return nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *Store) ListNotifications(_ context.Context, requestID string) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notificationsLocked(func(n *models.Notification) bool { return n.RequestID == requestID }), nil
}

func (s *Store) ListOpenWorkerNotifications(_ context.Context, workerID string) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notificationsLocked(func(n *models.Notification) bool { return n.WorkerID == workerID && n.State.Open() }), nil
}

func (s *Store) UpdateNotification(_ context.Context, id string, mutate func(n *models.Notification) error) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cur.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	s.notifications[id] = cp
	s.publishNotificationsLocked(cp.RequestID)
	return cp.Clone(), nil
}

func (s *Store) SetNotificationStates(_ context.Context, updates []store.NotificationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if _, ok := s.notifications[u.ID]; !ok {
			return fmt.Errorf("notification %s: %w", u.ID, store.ErrNotFound)
		}
	}
	now := s.now()
	touched := make(map[string]struct{})
	for _, u := range updates {
		cp := s.notifications[u.ID].Clone()
		cp.Transition(u.State, now)
		s.notifications[u.ID] = cp
		touched[cp.RequestID] = struct{}{}
	}
	for requestID := range touched {
		s.publishNotificationsLocked(requestID)
	}
	return nil
}

func (s *Store) WatchNotifications(ctx context.Context, requestID string) (<-chan []*models.Notification, error) {
	ch := make(chan []*models.Notification, 1)
	s.mu.Lock()
	s.notificationFeed.add(requestID, ch)
	offer(ch, s.notificationsLocked(func(n *models.Notification) bool { return n.RequestID == requestID }))
	s.mu.Unlock()
	go s.closeOnDone(ctx, func() {
		s.notificationFeed.remove(requestID, ch)
		close(ch)
	})
	return ch, nil
}

func (s *Store) publishNotificationsLocked(requestID string) {
	if !s.notificationFeed.has(requestID) {
		return
	}
	s.notificationFeed.publish(requestID, func() []*models.Notification {
		return s.notificationsLocked(func(n *models.Notification) bool { return n.RequestID == requestID })
	})
}

// notificationsLocked returns matching notifications oldest first.
func (s *Store) notificationsLocked(match func(n *models.Notification) bool) []*models.Notification {
	out := make([]*models.Notification, 0)
	for _, n := range s.notifications {
		if match(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) closeOnDone(ctx context.Context, cleanup func()) {
	<-ctx.Done()
	s.mu.Lock()
	cleanup()
	s.mu.Unlock()
}
