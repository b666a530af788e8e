package dispatch

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNoSession is returned when no connection is registered for a request.
var ErrNoSession = errors.New("no ws session")

// Conn is one client connection that can receive push messages.
type Conn interface {
	ID() string
	Send(msg any) error
}

// Registry maps request IDs to the connections that submitted them, and
// back. It is process-local: entries live from submission until the
// connection closes.
type Registry struct {
	mu        sync.RWMutex
	byRequest map[string]map[string]Conn
	byConn    map[string]map[string]struct{}
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byRequest: make(map[string]map[string]Conn),
		byConn:    make(map[string]map[string]struct{}),
		logger:    logger,
	}
}

func (r *Registry) Register(requestID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byRequest[requestID]
	if !ok {
		conns = make(map[string]Conn)
		r.byRequest[requestID] = conns
	}
	conns[c.ID()] = c
	reqs, ok := r.byConn[c.ID()]
	if !ok {
		reqs = make(map[string]struct{})
		r.byConn[c.ID()] = reqs
	}
	reqs[requestID] = struct{}{}
}

// Unregister removes c from every request it was registered for and
// returns the request IDs left with no connections.
func (r *Registry) Unregister(c Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := r.byConn[c.ID()]
	delete(r.byConn, c.ID())
	var orphaned []string
	for requestID := range reqs {
		conns := r.byRequest[requestID]
		delete(conns, c.ID())
		if len(conns) == 0 {
			delete(r.byRequest, requestID)
			orphaned = append(orphaned, requestID)
		}
	}
	return orphaned
}

func (r *Registry) Count(requestID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRequest[requestID])
}

// Send pushes msg to every connection registered for requestID and reports
// how many writes succeeded. Failed connections stay registered until their
// read loop notices the close and unregisters them.
func (r *Registry) Send(requestID string, msg any) (int, error) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byRequest[requestID]))
	for _, c := range r.byRequest[requestID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	if len(conns) == 0 {
		return 0, ErrNoSession
	}
	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			r.logger.Warn("ws_send_failed", "request_id", requestID, "conn_id", c.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}
