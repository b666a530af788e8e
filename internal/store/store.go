// Package store defines the document store contract the dispatch engine
// consumes. Each collection has its own interface; a backend implements
// all of them.
//
// Update methods are atomic read-modify-write transactions: the mutate
// callback receives a private copy of the current document, and returning
// ErrAborted (or any other error) discards the change. Backends retry
// internally on optimistic-concurrency contention.
//
// Watch methods deliver the current snapshot first and then one snapshot
// per change. Delivery is latest-wins: a slow reader may skip intermediate
// snapshots but always observes the most recent one. The channel is closed
// when ctx is cancelled.
package store

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrAborted is returned from a mutate callback to abandon a transaction
	// whose precondition no longer holds.
	ErrAborted = errors.New("store: transaction aborted")
	// ErrConflict means contention retries were exhausted.
	ErrConflict = errors.New("store: too much contention")
)

type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequestsByState(ctx context.Context, state models.RequestState) ([]*models.Request, error)
	UpdateRequest(ctx context.Context, id string, mutate func(r *models.Request) error) (*models.Request, error)
}

type WorkerStore interface {
	GetWorkerProfile(ctx context.Context, id string) (*models.WorkerProfile, error)
	ListWorkerProfiles(ctx context.Context) ([]*models.WorkerProfile, error)
	// UpdateWorkerProfile upserts; mutate sees a zero profile with ID set
	// when none exists.
	UpdateWorkerProfile(ctx context.Context, id string, mutate func(p *models.WorkerProfile) error) (*models.WorkerProfile, error)
	WatchWorkerProfile(ctx context.Context, id string) (<-chan *models.WorkerProfile, error)

	GetWorkerStatus(ctx context.Context, workerID string) (*models.WorkerStatus, error)
	ListWorkerStatuses(ctx context.Context) ([]*models.WorkerStatus, error)
	PutWorkerStatus(ctx context.Context, s *models.WorkerStatus) error
	// UpdateWorkerStatus upserts; mutate sees an idle status when none exists.
	UpdateWorkerStatus(ctx context.Context, workerID string, mutate func(s *models.WorkerStatus) error) (*models.WorkerStatus, error)
	WatchWorkerStatus(ctx context.Context, workerID string) (<-chan *models.WorkerStatus, error)
}

// NotificationUpdate is one entry of a batched state write.
type NotificationUpdate struct {
	ID    string
	State models.NotificationState
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, requestID string) ([]*models.Notification, error)
	// ListOpenWorkerNotifications returns the worker's notifications whose
	// state is Open, oldest first.
	ListOpenWorkerNotifications(ctx context.Context, workerID string) ([]*models.Notification, error)
	UpdateNotification(ctx context.Context, id string, mutate func(n *models.Notification) error) (*models.Notification, error)
	// SetNotificationStates applies all updates in one atomic batch.
	SetNotificationStates(ctx context.Context, updates []NotificationUpdate) error
	WatchNotifications(ctx context.Context, requestID string) (<-chan []*models.Notification, error)
}

// Store is the composite interface a backend satisfies.
type Store interface {
	RequestStore
	WorkerStore
	NotificationStore

	Ping(ctx context.Context) error
	Close() error
}
