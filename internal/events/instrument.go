package events

import (
	"context"

	"github.com/example/ride-dispatch/internal/observability"
)

type instrumented struct {
	sink string
	next Publisher
}

// Instrument counts publish results for p under the given sink label.
func Instrument(sink string, p Publisher) Publisher {
	return &instrumented{sink: sink, next: p}
}

func (i *instrumented) Publish(ctx context.Context, e Event) error {
	err := i.next.Publish(ctx, e)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.EventsPublished.WithLabelValues(i.sink, result).Inc()
	return err
}

func (i *instrumented) Close() error { return i.next.Close() }
