package event

import (
	"context"
	"log/slog"
)

// Hook observes drained events. Hooks run in the consumer goroutine and must
// not block.
type Hook interface {
	HandleEvent(ev Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(Event)

// HandleEvent implements Hook.
func (f HookFunc) HandleEvent(ev Event) { f(ev) }

// Hooks fans each event out to a list of observers in registration order.
type Hooks []Hook

// Run passes every event of batch to every hook.
func (h Hooks) Run(batch []Event) {
	if len(h) == 0 {
		return
	}

	for _, ev := range batch {
		for _, hook := range h {
			hook.HandleEvent(ev)
		}
	}
}

// LogHook writes lifecycle events to logger at debug level. Output lines are
// skipped.
func LogHook(logger *slog.Logger) Hook {
	return HookFunc(func(ev Event) {
		switch p := ev.Payload.(type) {
		case StateChanged:
			logger.LogAttrs(context.Background(), slog.LevelDebug, "process state changed",
				slog.String("event.type", "process.state"),
				slog.Uint64("event.seq", ev.Seq),
				slog.String("process.name", p.Process),
				slog.String("process.state.old", p.Old.String()),
				slog.String("process.state.new", p.New.String()),
			)
		case UserCommand:
			attrs := []slog.Attr{
				slog.String("event.type", "command."+string(p.Command)),
				slog.Uint64("event.seq", ev.Seq),
				slog.String("process.name", p.Target),
			}
			if p.Err != nil {
				attrs = append(attrs, slog.String("error", p.Err.Error()))
			}

			logger.LogAttrs(context.Background(), slog.LevelDebug, "command processed", attrs...)
		case StreamClosed:
			logger.LogAttrs(context.Background(), slog.LevelDebug, "stream closed",
				slog.String("event.type", "process.stream.closed"),
				slog.String("process.name", p.Process),
				slog.String("process.stream", p.Stream.String()),
			)
		case Signal:
			logger.LogAttrs(context.Background(), slog.LevelInfo, "signal received",
				slog.String("event.type", "procmux.signal"),
				slog.String("signal", p.Signal.String()),
			)
		}
	})
}
