package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/state"
)

// entry is the supervisor goroutine's record for one process.
type entry struct {
	spec   procfile.Spec
	state  state.State
	handle *proc.Handle

	// instance increments on every successful spawn; exit and timer
	// messages for older instances are ignored.
	instance  uint64
	spawns    int
	attempt   int
	startedAt time.Time

	explicitStop   bool
	pendingStart   bool
	restartPending bool
	forced         bool

	restartTimer *time.Timer
	killTimer    *time.Timer

	// terminal is closed after the current instance's terminal state has
	// been published.
	terminal chan struct{}
}

func (e *entry) restarts() int {
	return max(e.spawns-1, 0)
}

func (e *entry) status() Status {
	return Status{
		Name:           e.spec.Name,
		State:          e.state,
		Restarts:       e.restarts(),
		RestartPending: e.restartPending || e.pendingStart,
	}
}

type exitMsg struct {
	name     string
	instance uint64
	result   proc.TerminationResult
}

type timerKind int

const (
	timerKill timerKind = iota
	timerRestart
)

type timerMsg struct {
	kind     timerKind
	name     string
	instance uint64
}

func (s *Supervisor) start(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}

	if s.shuttingDown {
		return ErrShuttingDown
	}

	if e.state.Live() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	s.cancelRestart(e)

	return s.spawn(ctx, e)
}

func (s *Supervisor) stop(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}

	switch {
	case e.state.Kind == state.Stopping:
		e.explicitStop = true
		e.pendingStart = false

		return nil
	case e.state.Kind == state.Running:
		e.explicitStop = true
		s.beginStop(ctx, e, time.Now().Add(s.grace(e.spec)))

		return nil
	case e.restartPending:
		// Stopping a crash-looping process cancels its next attempt.
		s.cancelRestart(e)
		s.transition(ctx, e, e.state)

		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
}

func (s *Supervisor) restart(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}

	if s.shuttingDown {
		return ErrShuttingDown
	}

	switch e.state.Kind {
	case state.Running:
		s.cancelRestart(e)
		e.explicitStop = true
		e.pendingStart = true
		s.beginStop(ctx, e, time.Now().Add(s.grace(e.spec)))

		return nil
	case state.Stopping:
		e.pendingStart = true
		s.updateBusy()

		return nil
	case state.Starting:
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	default:
		s.cancelRestart(e)
		return s.spawn(ctx, e)
	}
}

func (s *Supervisor) spawn(ctx context.Context, e *entry) error {
	name := e.spec.Name

	ctx, span := s.tracer.Start(ctx, "process.start",
		trace.WithAttributes(
			attribute.String("process.name", name),
			attribute.Int("process.attempt", e.spawns+1),
		),
	)
	defer span.End()

	e.explicitStop = false
	e.forced = false
	e.spawns++
	e.terminal = make(chan struct{})

	s.transition(ctx, e, state.State{Kind: state.Starting})

	if s.cfg.spawnHook != nil {
		s.cfg.spawnHook(e.spec, e.spawns)
	}

	h, err := proc.Spawn(proc.Options{
		Name:       name,
		Command:    e.spec.Command,
		Args:       e.spec.Args,
		Dir:        e.spec.Dir,
		Env:        e.spec.Env,
		StopSignal: e.spec.StopSignal,
		PTY:        e.spec.PTY,
		Rows:       s.cfg.rows,
		Cols:       s.cfg.cols,
		StdinQueue: s.cfg.stdinQueue,
	})
	if err != nil {
		s.logger.Warn("process failed to start",
			slog.String("event.type", "process.spawn.failed"),
			slog.String("process.name", name),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		s.transition(ctx, e, state.NewSpawnFailed(err))

		return err
	}

	e.instance++
	e.handle = h
	e.startedAt = h.StartedAt()

	span.SetAttributes(attribute.Int("process.pid", h.PID()))
	s.logger.Info("process started",
		slog.String("event.type", "process.spawned"),
		slog.String("process.name", name),
		slog.Int("process.pid", h.PID()),
		slog.Int("process.attempt", e.spawns),
	)

	s.transition(ctx, e, state.NewRunning(h.PID()))
	s.attach(name, e.instance, h)

	return nil
}

// beginStop moves a running process to Stopping and arms the escalation timer.
func (s *Supervisor) beginStop(ctx context.Context, e *entry, deadline time.Time) {
	h := e.handle
	name := e.spec.Name

	s.transition(ctx, e, state.NewStopping(h.PID(), deadline))

	if err := h.Signal(proc.Graceful); err != nil {
		s.logger.Warn("stop signal failed",
			slog.String("event.type", "process.stop.signal_failed"),
			slog.String("process.name", name),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("process stopping",
		slog.String("event.type", "process.stopping"),
		slog.String("process.name", name),
		slog.Time("process.stop.deadline", deadline),
	)

	instance := e.instance
	stopTimer(&e.killTimer)
	e.killTimer = time.AfterFunc(time.Until(deadline), func() {
		s.fire(timerMsg{kind: timerKill, name: name, instance: instance})
	})
}

// escalate sends SIGKILL to a process that outlived its deadline.
func (s *Supervisor) escalate(e *entry) {
	if e.handle == nil || e.forced {
		return
	}

	e.forced = true

	s.logger.Warn("process did not stop within its grace period",
		slog.String("event.type", "process.stop.escalated"),
		slog.String("process.name", e.spec.Name),
		slog.Int("process.pid", e.handle.PID()),
	)

	if err := e.handle.Signal(proc.Forceful); err != nil {
		s.logger.Warn("kill failed",
			slog.String("event.type", "process.kill.failed"),
			slog.String("process.name", e.spec.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Supervisor) handleExit(ctx context.Context, msg exitMsg) {
	e, ok := s.entries[msg.name]
	if !ok || e.handle == nil || msg.instance != e.instance {
		return
	}

	stopTimer(&e.killTimer)
	e.handle = nil

	next := msg.result.State()
	ranFor := time.Since(e.startedAt)

	s.logger.Info("process ended",
		slog.String("event.type", "process.exited"),
		slog.String("process.name", e.spec.Name),
		slog.String("process.state", next.String()),
		slog.Duration("process.uptime", ranFor),
	)

	restartNow := e.pendingStart && !s.shuttingDown
	if !restartNow {
		e.pendingStart = false

		if !e.explicitStop && !s.shuttingDown && e.spec.Restart.ShouldRestart(next.Failed()) {
			s.scheduleRestart(e, ranFor)
		}
	}

	s.transition(ctx, e, next)

	if restartNow {
		e.pendingStart = false
		_ = s.spawn(ctx, e)
	}
}

func (s *Supervisor) scheduleRestart(e *entry, ranFor time.Duration) {
	if ranFor >= s.cfg.resetAfter {
		e.attempt = 0
	}

	e.attempt++
	delay := Backoff(s.cfg.backoff, s.cfg.maxBackoff, e.attempt)
	e.restartPending = true

	name := e.spec.Name
	instance := e.instance

	stopTimer(&e.restartTimer)
	e.restartTimer = time.AfterFunc(delay, func() {
		s.fire(timerMsg{kind: timerRestart, name: name, instance: instance})
	})

	s.logger.Info("restart scheduled",
		slog.String("event.type", "process.restart.scheduled"),
		slog.String("process.name", name),
		slog.Duration("process.restart.delay", delay),
		slog.Int("process.restart.attempt", e.attempt),
	)
}

func (s *Supervisor) cancelRestart(e *entry) {
	stopTimer(&e.restartTimer)
	e.restartPending = false
}

func (s *Supervisor) handleTimer(ctx context.Context, msg timerMsg) {
	e, ok := s.entries[msg.name]
	if !ok || msg.instance != e.instance {
		return
	}

	switch msg.kind {
	case timerKill:
		if e.state.Kind == state.Stopping {
			s.escalate(e)
		}
	case timerRestart:
		if !e.restartPending || s.shuttingDown || !e.state.Terminal() {
			return
		}

		e.restartPending = false
		e.restartTimer = nil
		_ = s.spawn(ctx, e)
	}
}

// transition records next as the state of e and publishes the change.
func (s *Supervisor) transition(ctx context.Context, e *entry, next state.State) {
	old := e.state
	e.state = next

	s.publish(ctx, event.StateChanged{
		Process:        e.spec.Name,
		Old:            old,
		New:            next,
		Restarts:       e.restarts(),
		RestartPending: e.restartPending || e.pendingStart,
	})

	// Settled must not report true before the change is on the bus.
	s.updateBusy()

	switch {
	case next.Kind == state.Running:
		s.watchers.running(e.spec.Name)
	case next.Terminal():
		s.watchers.ended(e.spec.Name)

		if e.terminal != nil {
			close(e.terminal)
			e.terminal = nil
		}
	}
}

func (s *Supervisor) updateBusy() {
	var n int32

	for _, e := range s.entries {
		if e.state.Live() || e.restartPending || e.pendingStart {
			n++
		}
	}

	s.busy.Store(n)
}

// fire delivers a timer message unless the supervisor has stopped.
func (s *Supervisor) fire(msg timerMsg) {
	select {
	case s.timers <- msg:
	case <-s.stopped:
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
