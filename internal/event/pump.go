package event

import "context"

// Consumer is the receiving side of a Bus.
type Consumer interface {
	Drain() []Event
	Ready() <-chan struct{}
}

// Pump runs hooks over every event src receives until ctx ends. It keeps
// producers from blocking while no renderer consumes the bus.
func Pump(ctx context.Context, src Consumer, hooks Hooks) {
	for {
		hooks.Run(src.Drain())

		select {
		case <-ctx.Done():
			return
		case <-src.Ready():
		}
	}
}
