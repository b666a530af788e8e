// Package events publishes dispatch outcomes to downstream systems.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeAccepted Type = "accepted"
	TypeTimeout  Type = "timeout"
)

// Event is one terminal matching outcome for a request.
type Event struct {
	Type      Type      `json:"type"`
	RequestID string    `json:"request_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Multi fans an event out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
