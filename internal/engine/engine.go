// Package engine matches ride requests to idle workers. A rescan loop
// discovers active requests and launches one matching attempt per request;
// each attempt broadcasts offers to every idle worker, races per-offer and
// whole-request timers against the first acceptance, and commits a single
// winner through a conditional store transaction. Accepted requests get a
// distance stream that follows the worker back to the pickup point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

const publishTimeout = 2 * time.Second

type Config struct {
	PerCandidateTimeout time.Duration
	RequestTimeout      time.Duration
	RescanInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerCandidateTimeout: 10 * time.Second,
		RequestTimeout:      60 * time.Second,
		RescanInterval:      3 * time.Second,
	}
}

// Selector ranks idle workers for a pickup point.
type Selector interface {
	Candidates(ctx context.Context, pickup models.Coord) ([]matcher.Candidate, error)
}

// Notifier pushes messages to the connections registered for a request.
type Notifier interface {
	Send(requestID string, msg any) (int, error)
	Count(requestID string) int
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

type Engine struct {
	cfg      Config
	store    store.Store
	selector Selector
	conns    Notifier
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	guard   *Guard
	streams *Streamer

	// ctx scopes every background task; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, st store.Store, sel Selector, conns Notifier, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		selector: sel,
		conns:    conns,
		events:   events.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		guard:    NewGuard(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "engine")
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.streams = newStreamer(e.ctx, st, conns, e.logger, &e.wg)
	return e
}

func (e *Engine) Guard() *Guard { return e.guard }

func (e *Engine) Streams() *Streamer { return e.streams }

// Close stops every matching attempt and stream and waits for them.
// Requests left active are picked up again by the next process to run.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// launch runs one matching attempt in the background. The guard entry for
// req is released on every exit path, including panics.
func (e *Engine) launch(req *models.Request) {
	observability.MatchingAttempts.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.guard.Release(req.ID)
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("matching_attempt_panic", "request_id", req.ID, "error", rec)
			}
		}()
		if err := e.match(e.ctx, req); err != nil && e.ctx.Err() == nil {
			e.logger.Error("matching_attempt_failed", "request_id", req.ID, "error", err)
		}
	}()
}

func (e *Engine) match(ctx context.Context, req *models.Request) error {
	e.logger.Info("matching_start", "request_id", req.ID)
	cands, err := e.selector.Candidates(ctx, req.Pickup)
	if err != nil {
		return fmt.Errorf("select candidates: %w", err)
	}
	if len(cands) == 0 {
		e.logger.Info("no_candidates", "request_id", req.ID)
		_, err := e.timeoutRequest(ctx, req.ID, models.ReasonNoIdleWorkers)
		return err
	}
	return e.broadcast(ctx, req, cands)
}

// timeoutRequest moves an active request to timeout and reports whether
// this call made the change. Registered clients are told no worker was
// found.
func (e *Engine) timeoutRequest(ctx context.Context, requestID, reason string) (bool, error) {
	now := e.now()
	_, err := e.store.UpdateRequest(ctx, requestID, func(r *models.Request) error {
		if r.State != models.RequestActive {
			return store.ErrAborted
		}
		r.State = models.RequestTimeout
		r.TimedOutAt = &now
		r.TimeoutReason = reason
		return nil
	})
	if errors.Is(err, store.ErrAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark request %s timeout: %w", requestID, err)
	}
	observability.RequestsTimedOut.WithLabelValues(reason).Inc()
	e.logger.Info("request_timeout", "request_id", requestID, "reason", reason)
	e.push(requestID, "no_worker", dispatch.NoWorkerMessage)
	e.publish(events.Event{Type: events.TypeTimeout, RequestID: requestID, Reason: reason, At: now})
	return true, nil
}

// releaseWorker resets a worker to idle, but only while its status still
// points at requestID.
func (e *Engine) releaseWorker(ctx context.Context, workerID, requestID string) {
	_, err := e.store.UpdateWorkerStatus(ctx, workerID, func(st *models.WorkerStatus) error {
		if st.RequestID != requestID {
			return store.ErrAborted
		}
		st.State = models.WorkerIdle
		st.RequestID = ""
		st.Ride = nil
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAborted) {
		e.logger.Warn("release_worker_failed", "request_id", requestID, "worker_id", workerID, "error", err)
	}
}

func (e *Engine) push(requestID, kind string, msg any) {
	n, err := e.conns.Send(requestID, msg)
	if err != nil {
		e.logger.Debug("push_skipped", "request_id", requestID, "kind", kind, "error", err)
		return
	}
	observability.Pushes.WithLabelValues(kind).Add(float64(n))
	e.logger.Debug("push_sent", "request_id", requestID, "kind", kind, "connections", n)
}

func (e *Engine) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(e.ctx, publishTimeout)
	defer cancel()
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event_publish_failed", "request_id", ev.RequestID, "type", ev.Type, "error", err)
	}
}
