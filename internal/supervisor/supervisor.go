// Package supervisor runs the process table.
//
// A single goroutine (Run) owns every process state. Public operations send
// a request to that goroutine and wait for its reply, so state transitions
// are totally ordered and each one is published to the event bus as it
// happens. Output readers and exit waiters run in their own goroutines and
// report back over channels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/observability"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/state"
)

// Status is a point-in-time view of one process.
type Status struct {
	Name           string
	State          state.State
	Restarts       int
	RestartPending bool
}

// Supervisor starts, stops and restarts a fixed set of processes.
type Supervisor struct {
	cfg    config
	pub    event.Publisher
	logger *slog.Logger
	tracer trace.Tracer

	order   []string
	specs   map[string]procfile.Spec
	entries map[string]*entry

	requests chan request
	exits    chan exitMsg
	timers   chan timerMsg
	stopped  chan struct{}
	started  atomic.Bool

	watchers *watchers

	// busy counts processes that are live or about to be; it is written by
	// the supervisor goroutine and read by Settled. pendingStarts counts
	// background starts that have not issued their Start yet.
	busy          atomic.Int32
	pendingStarts atomic.Int32

	// Owned by the supervisor goroutine.
	runCtx       context.Context
	shuttingDown bool
}

type request struct {
	op    func(ctx context.Context) error
	reply chan error
}

// New creates a supervisor for specs, publishing to pub. Specs must have
// unique names; procfile.Load guarantees that.
func New(specs []procfile.Spec, pub event.Publisher, opts ...Option) (*Supervisor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Supervisor{
		cfg:      cfg,
		pub:      pub,
		logger:   cfg.logger.With(slog.String("component", "supervisor")),
		tracer:   observability.Tracer("procmux.supervisor"),
		specs:    make(map[string]procfile.Spec, len(specs)),
		entries:  make(map[string]*entry, len(specs)),
		requests: make(chan request),
		exits:    make(chan exitMsg),
		timers:   make(chan timerMsg),
		stopped:  make(chan struct{}),
		watchers: newWatchers(),
	}

	for _, spec := range specs {
		if _, dup := s.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate process name %q", spec.Name)
		}

		s.order = append(s.order, spec.Name)
		s.specs[spec.Name] = spec
		s.entries[spec.Name] = &entry{spec: spec}
	}

	return s, nil
}

// Specs returns the process specs in file order.
func (s *Supervisor) Specs() []procfile.Spec {
	out := make([]procfile.Spec, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.specs[name])
	}

	return out
}

// Run owns the process table until ctx ends. Processes still alive when it
// returns are killed; use a Coordinator for an orderly shutdown first.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}

	s.runCtx = ctx
	defer close(s.stopped)

	for {
		select {
		case req := <-s.requests:
			req.reply <- req.op(ctx)
		case msg := <-s.exits:
			s.handleExit(ctx, msg)
		case msg := <-s.timers:
			s.handleTimer(ctx, msg)
		case <-ctx.Done():
			s.abandon()
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopped
}

// Start spawns name. It fails with ErrAlreadyRunning while an instance is
// live and returns the spawn error if the process could not be started.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	return s.command(ctx, event.CommandStart, name, func(ctx context.Context) error {
		return s.start(ctx, name)
	})
}

// Stop asks name to stop, escalating to SIGKILL after its grace period.
// Stopping a process that is already stopping is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.command(ctx, event.CommandStop, name, func(ctx context.Context) error {
		return s.stop(ctx, name)
	})
}

// Restart stops name if it is live and starts it again once the old
// instance has ended.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.command(ctx, event.CommandRestart, name, func(ctx context.Context) error {
		return s.restart(ctx, name)
	})
}

// SendInput queues p for the stdin of a running process.
func (s *Supervisor) SendInput(ctx context.Context, name string, p []byte) error {
	return s.command(ctx, event.CommandInput, name, func(context.Context) error {
		e, err := s.lookup(name)
		if err != nil {
			return err
		}

		if e.state.Kind != state.Running {
			return fmt.Errorf("%w: %s", ErrNotRunning, name)
		}

		return e.handle.WriteStdin(p)
	})
}

// Resize sets the window size of every PTY process and of future spawns.
func (s *Supervisor) Resize(ctx context.Context, rows, cols uint16) error {
	return s.call(ctx, func(context.Context) error {
		s.cfg.rows, s.cfg.cols = rows, cols

		for _, name := range s.order {
			if h := s.entries[name].handle; h != nil {
				if err := h.Resize(rows, cols); err != nil {
					s.logger.Debug("resize failed", slog.String("process.name", name), slog.String("error", err.Error()))
				}
			}
		}

		return nil
	})
}

// Snapshot returns the status of every process in file order.
func (s *Supervisor) Snapshot(ctx context.Context) ([]Status, error) {
	var out []Status

	err := s.call(ctx, func(context.Context) error {
		out = make([]Status, 0, len(s.order))
		for _, name := range s.order {
			out = append(out, s.entries[name].status())
		}

		return nil
	})

	return out, err
}

// Settled reports whether nothing is running and nothing is scheduled to
// start: every process is not started or ended with no restart pending.
// It does not block on the supervisor goroutine.
func (s *Supervisor) Settled() bool {
	return s.busy.Load() == 0 && s.pendingStarts.Load() == 0
}

func (s *Supervisor) command(ctx context.Context, kind event.CommandKind, target string, op func(context.Context) error) error {
	return s.call(ctx, func(loopCtx context.Context) error {
		err := op(loopCtx)
		s.publish(loopCtx, event.UserCommand{Command: kind, Target: target, Err: err})

		return err
	})
}

func (s *Supervisor) call(ctx context.Context, op func(context.Context) error) error {
	req := request{op: op, reply: make(chan error, 1)}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

func (s *Supervisor) publish(ctx context.Context, payload event.Payload) {
	if _, err := s.pub.Publish(ctx, event.Event{Payload: payload}); err != nil {
		if errors.Is(err, event.ErrBusClosed) || ctx.Err() != nil {
			return
		}

		s.logger.Warn("publish failed",
			slog.String("event.type", "supervisor.publish.failed"),
			slog.String("event.kind", payload.Kind()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Supervisor) lookup(name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}

	return e, nil
}

func (s *Supervisor) grace(spec procfile.Spec) time.Duration {
	if spec.GracePeriod > 0 {
		return spec.GracePeriod
	}

	return s.cfg.grace
}

// abandon kills whatever is still alive when Run exits.
func (s *Supervisor) abandon() {
	for _, name := range s.order {
		e := s.entries[name]
		stopTimer(&e.restartTimer)
		stopTimer(&e.killTimer)

		if e.handle != nil {
			s.logger.Warn("killing process left running at exit",
				slog.String("event.type", "process.abandoned"),
				slog.String("process.name", name),
				slog.Int("process.pid", e.handle.PID()),
			)
			_ = e.handle.Signal(proc.Forceful)
		}
	}
}
