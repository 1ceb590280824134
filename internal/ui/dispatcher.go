package ui

import (
	"context"
	"log/slog"
)

// dispatcher runs commands one at a time, in the order they were queued, so
// the renderer never waits on the supervisor.
type dispatcher struct {
	queue  chan func(context.Context) error
	logger *slog.Logger
}

func newDispatcher(ctx context.Context, size int, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		queue:  make(chan func(context.Context) error, size),
		logger: logger,
	}

	go d.loop(ctx)

	return d
}

// enqueue adds op without blocking. It reports false when the queue is full.
func (d *dispatcher) enqueue(op func(context.Context) error) bool {
	select {
	case d.queue <- op:
		return true
	default:
		return false
	}
}

func (d *dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-d.queue:
			// Rejections are reported on the bus by the supervisor.
			if err := op(ctx); err != nil {
				d.logger.Debug("command failed", slog.String("error", err.Error()))
			}
		}
	}
}
