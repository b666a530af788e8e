// Package redis implements store.Store on Redis. Documents are JSON
// strings, collections are tracked with ID Sets, transactions use
// WATCH/MULTI with bounded retries, and watchers follow per-document
// pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

const defaultMaxRetries = 16

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keys = keys{prefix: prefix}
		}
	}
}

// WithMaxRetries bounds optimistic transaction retries before ErrConflict.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

type Store struct {
	client     goredis.UniversalClient
	logger     *slog.Logger
	keys       keys
	maxRetries int
	now        func() time.Time
}

// New wraps client. Close closes it.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		logger:     slog.Default(),
		keys:       keys{prefix: DefaultKeyPrefix},
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewFromAddr dials a single Redis node.
func NewFromAddr(addr, password string, opts ...Option) *Store {
	return New(goredis.NewClient(&goredis.Options{Addr: addr, Password: password}), opts...)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getDoc[T any](ctx context.Context, c getter, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// loadAll fetches the documents at keys, skipping ones that disappeared.
func loadAll[T any](ctx context.Context, c goredis.Cmdable, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return []*T{}, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]*T, 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) members(ctx context.Context, setKey string, docKey func(string) string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = docKey(id)
	}
	return out, nil
}

// transact runs fn under WATCH on keys, retrying when another client
// touched them before EXEC.
func (s *Store) transact(ctx context.Context, fn func(tx *goredis.Tx) error, watched ...string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, watched...)
		if errors.Is(err, goredis.TxFailedErr) {
			s.logger.Debug("redis_tx_retry", "attempt", attempt+1, "keys", watched)
			continue
		}
		return err
	}
	return store.ErrConflict
}

// absent fails with ErrAlreadyExists when key is set. Called under WATCH
// so a concurrent create aborts the EXEC.
func absent(ctx context.Context, tx *goredis.Tx, key string) error {
	n, err := tx.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists %s: %w", key, err)
	}
	if n > 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) notify(ctx context.Context, channel string) {
	if err := s.client.Publish(ctx, channel, "1").Err(); err != nil {
		s.logger.Warn("redis_publish_failed", "channel", channel, "error", err)
	}
}

// Requests

func (s *Store) CreateRequest(ctx context.Context, r *models.Request) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("create request: missing id")
	}
	cp := r.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	key := s.keys.request(cp.ID)
	return s.transact(ctx, func(tx *goredis.Tx) error {
		if err := absent(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keys.requestsByState(cp.State), cp.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return nil
	}, key)
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return getDoc[models.Request](ctx, s.client, s.keys.request(id))
}

func (s *Store) ListRequestsByState(ctx context.Context, state models.RequestState) ([]*models.Request, error) {
	keys, err := s.members(ctx, s.keys.requestsByState(state), s.keys.request)
	if err != nil {
		return nil, err
	}
	all, err := loadAll[models.Request](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Request, 0, len(all))
	for _, r := range all {
		if r.State == state {
			out = append(out, r)
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

func (s *Store) UpdateRequest(ctx context.Context, id string, mutate func(r *models.Request) error) (*models.Request, error) {
	key := s.keys.request(id)
	var out *models.Request
	err := s.transact(ctx, func(tx *goredis.Tx) error {
		cur, err := getDoc[models.Request](ctx, tx, key)
		if err != nil {
			return err
		}
		prev := cur.State
		if err := mutate(cur); err != nil {
			return err
		}
		cur.ID = id
		cur.UpdatedAt = s.now()
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev != cur.State {
				pipe.SRem(ctx, s.keys.requestsByState(prev), id)
			}
			pipe.SAdd(ctx, s.keys.requestsByState(cur.State), id)
			return nil
		})
		out = cur
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Workers

func (s *Store) GetWorkerProfile(ctx context.Context, id string) (*models.WorkerProfile, error) {
	return getDoc[models.WorkerProfile](ctx, s.client, s.keys.profile(id))
}

func (s *Store) ListWorkerProfiles(ctx context.Context) ([]*models.WorkerProfile, error) {
	keys, err := s.members(ctx, s.keys.profileIDs(), s.keys.profile)
	if err != nil {
		return nil, err
	}
	out, err := loadAll[models.WorkerProfile](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateWorkerProfile(ctx context.Context, id string, mutate func(p *models.WorkerProfile) error) (*models.WorkerProfile, error) {
	key := s.keys.profile(id)
	var out *models.WorkerProfile
	err := s.transact(ctx, func(tx *goredis.Tx) error {
		cur, err := getDoc[models.WorkerProfile](ctx, tx, key)
		if errors.Is(err, store.ErrNotFound) {
			cur, err = &models.WorkerProfile{ID: id}, nil
		}
		if err != nil {
			return err
		}
		if err := mutate(cur); err != nil {
			return err
		}
		cur.ID = id
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keys.profileIDs(), id)
			return nil
		})
		out = cur
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, s.keys.profileChannel(id))
	return out, nil
}

func (s *Store) WatchWorkerProfile(ctx context.Context, id string) (<-chan *models.WorkerProfile, error) {
	return watch(ctx, s, s.keys.profileChannel(id), func(ctx context.Context) (*models.WorkerProfile, error) {
		p, err := s.GetWorkerProfile(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return p, err
	})
}

func (s *Store) GetWorkerStatus(ctx context.Context, workerID string) (*models.WorkerStatus, error) {
	return getDoc[models.WorkerStatus](ctx, s.client, s.keys.status(workerID))
}

func (s *Store) ListWorkerStatuses(ctx context.Context) ([]*models.WorkerStatus, error) {
	keys, err := s.members(ctx, s.keys.statusIDs(), s.keys.status)
	if err != nil {
		return nil, err
	}
	out, err := loadAll[models.WorkerStatus](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) PutWorkerStatus(ctx context.Context, st *models.WorkerStatus) error {
	if st == nil || st.WorkerID == "" {
		return fmt.Errorf("put worker status: missing worker id")
	}
	cp := st.Clone()
	cp.UpdatedAt = s.now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.keys.status(cp.WorkerID), data, 0)
		pipe.SAdd(ctx, s.keys.statusIDs(), cp.WorkerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put worker status: %w", err)
	}
	s.notify(ctx, s.keys.statusChannel(cp.WorkerID))
	return nil
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, mutate func(st *models.WorkerStatus) error) (*models.WorkerStatus, error) {
	key := s.keys.status(workerID)
	var out *models.WorkerStatus
	err := s.transact(ctx, func(tx *goredis.Tx) error {
		cur, err := getDoc[models.WorkerStatus](ctx, tx, key)
		if errors.Is(err, store.ErrNotFound) {
			cur, err = models.IdleStatus(workerID), nil
		}
		if err != nil {
			return err
		}
		if err := mutate(cur); err != nil {
			return err
		}
		cur.WorkerID = workerID
		cur.UpdatedAt = s.now()
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keys.statusIDs(), workerID)
			return nil
		})
		out = cur
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, s.keys.statusChannel(workerID))
	return out, nil
}

func (s *Store) WatchWorkerStatus(ctx context.Context, workerID string) (<-chan *models.WorkerStatus, error) {
	return watch(ctx, s, s.keys.statusChannel(workerID), func(ctx context.Context) (*models.WorkerStatus, error) {
		st, err := s.GetWorkerStatus(ctx, workerID)
		if errors.Is(err, store.ErrNotFound) {
			return models.IdleStatus(workerID), nil
		}
		return st, err
	})
}

// Notifications

func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("create notification: missing id")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := s.keys.notification(n.ID)
	err = s.transact(ctx, func(tx *goredis.Tx) error {
		if err := absent(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keys.notificationsByRequest(n.RequestID), n.ID)
			s.indexOpen(ctx, pipe, n)
			return nil
		})
		if err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		return nil
	}, key)
	if err != nil {
		return err
	}
	s.notify(ctx, s.keys.notificationsChannel(n.RequestID))
	return nil
}

// indexOpen keeps n's membership in its worker's open set in step with
// its state.
func (s *Store) indexOpen(ctx context.Context, pipe goredis.Pipeliner, n *models.Notification) {
	if n.WorkerID == "" {
		return
	}
	if n.State.Open() {
		pipe.SAdd(ctx, s.keys.openNotificationsByWorker(n.WorkerID), n.ID)
		return
	}
	pipe.SRem(ctx, s.keys.openNotificationsByWorker(n.WorkerID), n.ID)
}

func (s *Store) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	return getDoc[models.Notification](ctx, s.client, s.keys.notification(id))
}

func (s *Store) ListNotifications(ctx context.Context, requestID string) ([]*models.Notification, error) {
	return s.listNotifications(ctx, s.keys.notificationsByRequest(requestID))
}

func (s *Store) ListOpenWorkerNotifications(ctx context.Context, workerID string) ([]*models.Notification, error) {
	list, err := s.listNotifications(ctx, s.keys.openNotificationsByWorker(workerID))
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, n := range list {
		if n.State.Open() {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) listNotifications(ctx context.Context, index string) ([]*models.Notification, error) {
	keys, err := s.members(ctx, index, s.keys.notification)
	if err != nil {
		return nil, err
	}
	out, err := loadAll[models.Notification](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateNotification(ctx context.Context, id string, mutate func(n *models.Notification) error) (*models.Notification, error) {
	key := s.keys.notification(id)
	var out *models.Notification
	err := s.transact(ctx, func(tx *goredis.Tx) error {
		cur, err := getDoc[models.Notification](ctx, tx, key)
		if err != nil {
			return err
		}
		if err := mutate(cur); err != nil {
			return err
		}
		cur.ID = id
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.indexOpen(ctx, pipe, cur)
			return nil
		})
		out = cur
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, s.keys.notificationsChannel(out.RequestID))
	return out, nil
}

func (s *Store) SetNotificationStates(ctx context.Context, updates []store.NotificationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	watched := make([]string, len(updates))
	for i, u := range updates {
		watched[i] = s.keys.notification(u.ID)
	}
	touched := make(map[string]struct{})
	err := s.transact(ctx, func(tx *goredis.Tx) error {
		now := s.now()
		docs := make([][]byte, len(updates))
		cur := make([]*models.Notification, len(updates))
		clear(touched)
		for i, u := range updates {
			n, err := getDoc[models.Notification](ctx, tx, watched[i])
			if err != nil {
				return fmt.Errorf("notification %s: %w", u.ID, err)
			}
			n.Transition(u.State, now)
			if docs[i], err = json.Marshal(n); err != nil {
				return fmt.Errorf("encode notification: %w", err)
			}
			cur[i] = n
			touched[n.RequestID] = struct{}{}
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i := range updates {
				pipe.Set(ctx, watched[i], docs[i], 0)
				s.indexOpen(ctx, pipe, cur[i])
			}
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return err
	}
	for requestID := range touched {
		s.notify(ctx, s.keys.notificationsChannel(requestID))
	}
	return nil
}

func (s *Store) WatchNotifications(ctx context.Context, requestID string) (<-chan []*models.Notification, error) {
	return watch(ctx, s, s.keys.notificationsChannel(requestID), func(ctx context.Context) ([]*models.Notification, error) {
		return s.ListNotifications(ctx, requestID)
	})
}
