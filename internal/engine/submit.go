package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidPayload     = errors.New("invalid JSON payload")
	ErrInvalidLocation    = errors.New("invalid location")
	ErrInvalidDestination = errors.New("invalid destination")
)

// Submission is a validated inbound ride request.
type Submission struct {
	Pickup      models.Coord
	Destination models.Coord
	// Meta holds every field other than location, destination and
	// timestamp, untouched.
	Meta map[string]any
}

// ParseSubmission decodes a client message. The client timestamp is
// dropped; the server clock decides creation time.
func ParseSubmission(data []byte) (Submission, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Submission{}, ErrInvalidPayload
	}
	var (
		sub Submission
		err error
	)
	if sub.Pickup, err = parseCoord(fields["location"]); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if sub.Destination, err = parseCoord(fields["destination"]); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	for k, raw := range fields {
		switch k {
		case "location", "destination", "timestamp":
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Submission{}, ErrInvalidPayload
		}
		if sub.Meta == nil {
			sub.Meta = make(map[string]any)
		}
		sub.Meta[k] = v
	}
	return sub, nil
}

func parseCoord(raw json.RawMessage) (models.Coord, error) {
	if len(raw) == 0 {
		return models.Coord{}, errors.New("missing")
	}
	var c struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.Coord{}, errors.New("not a lat/lng object")
	}
	if c.Lat == nil || c.Lng == nil {
		return models.Coord{}, errors.New("lat and lng are required")
	}
	coord := models.Coord{Lat: *c.Lat, Lng: *c.Lng}
	if err := geo.Validate(coord); err != nil {
		return models.Coord{}, err
	}
	return coord, nil
}

// Submit persists a new active request. Matching starts on the next
// rescan tick.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*models.Request, error) {
	now := e.now()
	r := &models.Request{
		ID:          e.newID(),
		State:       models.RequestActive,
		Pickup:      sub.Pickup,
		Destination: sub.Destination,
		CreatedAt:   now,
		Meta:        sub.Meta,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	observability.RequestsSubmitted.Inc()
	e.logger.Info("request_received", "request_id", r.ID,
		"pickup_lat", r.Pickup.Lat, "pickup_lng", r.Pickup.Lng,
		"destination_lat", r.Destination.Lat, "destination_lng", r.Destination.Lng)
	return r, nil
}
