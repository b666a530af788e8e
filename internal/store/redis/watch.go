package redis

import (
	"context"
	"fmt"
)

// watch subscribes to channel, then delivers read's result once up front
// and again after every change message. Subscribing before the first read
// means no change between the two is missed.
func watch[T any](ctx context.Context, s *Store, channel string, read func(context.Context) (T, error)) (<-chan T, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	first, err := read(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan T, 1)
	out <- first
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				v, err := read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warn("redis_watch_read_failed", "channel", channel, "error", err)
					continue
				}
				replace(out, v)
			}
		}
	}()
	return out, nil
}

// replace drops an undelivered value in favour of v. The caller must be
// the channel's only sender.
func replace[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
