// Package ingest feeds worker location reports from message brokers into
// the worker profile store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrInvalidUpdate marks a message that can never be written.
var ErrInvalidUpdate = errors.New("invalid location update")

// LocationUpdate is the payload workers publish.
type LocationUpdate struct {
	WorkerID string  `json:"worker_id"`
	Name     string  `json:"name,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// LocationWriter persists one report. fleet.Service satisfies it.
type LocationWriter interface {
	ReportLocation(ctx context.Context, workerID, name string, at models.Coord) (*models.WorkerProfile, error)
}

type Handler struct {
	writer   LocationWriter
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewHandler(w LocationWriter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{writer: w, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Handle decodes payload and writes it, retrying store failures.
// fallbackWorkerID is used when the payload carries no worker_id, e.g.
// when the ID is part of the topic.
func (h *Handler) Handle(ctx context.Context, source, fallbackWorkerID string, payload []byte) error {
	u, err := decode(payload, fallbackWorkerID)
	if err != nil {
		observability.LocationsIngested.WithLabelValues(source, "invalid").Inc()
		return err
	}
	if err := writeWithRetry(ctx, h.writer, u, h.attempts, h.delay); err != nil {
		observability.LocationsIngested.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("write location for %s: %w", u.WorkerID, err)
	}
	observability.LocationsIngested.WithLabelValues(source, "ok").Inc()
	return nil
}

func decode(payload []byte, fallbackWorkerID string) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.WorkerID == "" {
		u.WorkerID = fallbackWorkerID
	}
	if u.WorkerID == "" {
		return u, fmt.Errorf("%w: missing worker_id", ErrInvalidUpdate)
	}
	if err := geo.Validate(models.Coord{Lat: u.Lat, Lng: u.Lng}); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return u, nil
}

// writeWithRetry doubles delay after each failed attempt.
func writeWithRetry(ctx context.Context, w LocationWriter, u LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = w.ReportLocation(ctx, u.WorkerID, u.Name, models.Coord{Lat: u.Lat, Lng: u.Lng}); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
