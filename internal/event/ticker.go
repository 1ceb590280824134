package event

import (
	"context"
	"errors"
	"time"
)

// Ticker publishes a Tick every interval until ctx ends or the bus closes.
func Ticker(ctx context.Context, pub Publisher, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("tick interval must be positive")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := pub.Publish(ctx, Event{Payload: Tick{}}); err != nil {
				if errors.Is(err, ErrBusClosed) || ctx.Err() != nil {
					return nil
				}

				return err
			}
		}
	}
}
