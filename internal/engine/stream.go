package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// Streamer pushes the winning worker's distance to the pickup point to the
// request's clients until the worker arrives, leaves pickup, or nobody is
// listening.
type Streamer struct {
	base   context.Context
	store  store.WorkerStore
	conns  Notifier
	logger *slog.Logger
	wg     *sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	requestID string
	workerID  string
	pickup    models.Coord
	cancel    context.CancelFunc
}

func newStreamer(base context.Context, st store.WorkerStore, conns Notifier, logger *slog.Logger, wg *sync.WaitGroup) *Streamer {
	return &Streamer{
		base:    base,
		store:   st,
		conns:   conns,
		logger:  logger,
		wg:      wg,
		streams: make(map[string]*stream),
	}
}

// Start begins streaming for requestID. It reports false when a stream
// already exists, no client is registered, or the subscriptions fail.
func (s *Streamer) Start(requestID, workerID string, pickup models.Coord) bool {
	if s.conns.Count(requestID) == 0 {
		s.logger.Debug("stream_skipped", "request_id", requestID, "reason", "no connections")
		return false
	}
	s.mu.Lock()
	if _, ok := s.streams[requestID]; ok {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.base)
	st := &stream{requestID: requestID, workerID: workerID, pickup: pickup, cancel: cancel}
	s.streams[requestID] = st
	observability.DistanceStreams.Inc()
	s.mu.Unlock()

	locations, err := s.store.WatchWorkerProfile(ctx, workerID)
	if err != nil {
		s.logger.Warn("stream_subscribe_failed", "request_id", requestID, "worker_id", workerID, "error", err)
		s.stop(st)
		return false
	}
	statuses, err := s.store.WatchWorkerStatus(ctx, workerID)
	if err != nil {
		s.logger.Warn("stream_subscribe_failed", "request_id", requestID, "worker_id", workerID, "error", err)
		s.stop(st)
		return false
	}

	s.logger.Info("stream_begin", "request_id", requestID, "worker_id", workerID)
	s.wg.Add(1)
	go s.run(ctx, st, locations, statuses)
	return true
}

// Stop tears down the stream for requestID, if any.
func (s *Streamer) Stop(requestID string) {
	s.mu.Lock()
	st := s.streams[requestID]
	s.mu.Unlock()
	if st != nil {
		s.stop(st)
	}
}

func (s *Streamer) Active(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[requestID]
	return ok
}

func (s *Streamer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// stop removes st only if it is still the registered stream for its
// request, so a late teardown never kills a newer stream.
func (s *Streamer) stop(st *stream) {
	s.mu.Lock()
	cur, ok := s.streams[st.requestID]
	if ok && cur == st {
		delete(s.streams, st.requestID)
		observability.DistanceStreams.Dec()
	}
	s.mu.Unlock()
	st.cancel()
	if ok && cur == st {
		s.logger.Info("stream_stop", "request_id", st.requestID, "worker_id", st.workerID)
	}
}

func (s *Streamer) run(ctx context.Context, st *stream, locations <-chan *models.WorkerProfile, statuses <-chan *models.WorkerStatus) {
	defer s.wg.Done()
	defer s.stop(st)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("stream_panic", "request_id", st.requestID, "error", rec)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-locations:
			if !ok {
				return
			}
			if p == nil || p.Location == nil {
				if s.conns.Count(st.requestID) == 0 {
					return
				}
				continue
			}
			d := geo.DistanceMeters(*p.Location, st.pickup)
			if !s.send(st, "distance", dispatch.DistanceMessage(d)) {
				return
			}
		case status, ok := <-statuses:
			if !ok {
				return
			}
			if status.RequestID == st.requestID {
				switch status.State {
				case models.WorkerPickup:
					continue
				case models.WorkerRiding:
					s.send(st, "arrived", dispatch.ArrivedMessage)
				}
			}
			return
		}
	}
}

// send reports false once no client is registered for the request.
func (s *Streamer) send(st *stream, kind string, msg any) bool {
	n, err := s.conns.Send(st.requestID, msg)
	if errors.Is(err, dispatch.ErrNoSession) {
		s.logger.Debug("stream_no_listeners", "request_id", st.requestID)
		return false
	}
	observability.Pushes.WithLabelValues(kind).Add(float64(n))
	return true
}
