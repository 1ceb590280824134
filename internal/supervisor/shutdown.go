package supervisor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/observability"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/state"
)

// ShutdownReport lists the processes a shutdown had to stop.
type ShutdownReport struct {
	// Stopped ended within their grace period.
	Stopped []string
	// Forced were killed with SIGKILL after their deadline.
	Forced []string
}

// Clean reports whether every process stopped without being killed.
func (r ShutdownReport) Clean() bool {
	return len(r.Forced) == 0
}

type shutdownTarget struct {
	name     string
	instance uint64
	pid      int
	deadline time.Time
	terminal <-chan struct{}
}

// Coordinator stops every process of a Supervisor so that none outlives
// procmux.
type Coordinator struct {
	sup    *Supervisor
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCoordinator returns a coordinator for sup.
func NewCoordinator(sup *Supervisor) *Coordinator {
	return &Coordinator{
		sup:    sup,
		logger: sup.cfg.logger.With(slog.String("component", "shutdown")),
		tracer: observability.Tracer("procmux.supervisor"),
	}
}

// Shutdown rejects further starts, cancels pending restarts and stops every
// live process with one shared deadline, then kills whatever remains. It
// returns once every process has ended. ctx only bounds the hand-off to the
// supervisor goroutine; once processes are signalled Shutdown waits for
// them regardless.
func (c *Coordinator) Shutdown(ctx context.Context) (ShutdownReport, error) {
	ctx, span := c.tracer.Start(ctx, "supervisor.shutdown")
	defer span.End()

	start := time.Now()

	targets, err := c.sup.beginShutdown(ctx)
	if err != nil {
		return ShutdownReport{}, err
	}

	span.SetAttributes(attribute.Int("shutdown.process_count", len(targets)))
	c.logger.Info("shutting down",
		slog.String("event.type", "supervisor.shutdown.start"),
		slog.Int("shutdown.process_count", len(targets)),
	)

	waitCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			c.await(waitCtx, t)
			return nil
		})
	}

	_ = g.Wait()

	report, err := c.sup.shutdownReport(waitCtx, targets)
	if err != nil {
		return report, err
	}

	span.SetAttributes(attribute.Int("shutdown.forced_count", len(report.Forced)))
	c.logger.Info("shutdown complete",
		slog.String("event.type", "supervisor.shutdown.complete"),
		slog.Any("shutdown.stopped", report.Stopped),
		slog.Any("shutdown.forced", report.Forced),
		slog.Duration("shutdown.duration", time.Since(start)),
	)

	return report, nil
}

// await waits for one process to end, killing it at its deadline.
func (c *Coordinator) await(ctx context.Context, t shutdownTarget) {
	timer := time.NewTimer(time.Until(t.deadline))
	defer timer.Stop()

	select {
	case <-t.terminal:
	case <-c.sup.stopped:
		return
	case <-timer.C:
		if err := c.sup.forceKill(ctx, t.name, t.instance); err != nil {
			c.logger.Warn("force kill failed",
				slog.String("process.name", t.name),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-t.terminal:
		case <-c.sup.stopped:
			return
		}
	}

	// Descendants that ignored the stop signal may outlive the leader.
	if proc.GroupAlive(t.pid) {
		c.logger.Warn("killing leftover process group",
			slog.String("event.type", "process.group.killed"),
			slog.String("process.name", t.name),
			slog.Int("process.pgid", t.pid),
		)

		_ = proc.KillGroup(t.pid)
	}
}

// beginShutdown switches the supervisor into shutdown and signals every
// running process. It returns the processes to wait for.
func (s *Supervisor) beginShutdown(ctx context.Context) ([]shutdownTarget, error) {
	var targets []shutdownTarget

	err := s.command(ctx, event.CommandShutdown, "", func(ctx context.Context) error {
		s.shuttingDown = true

		now := time.Now()

		var longest time.Duration
		for _, name := range s.order {
			if e := s.entries[name]; e.state.Live() {
				longest = max(longest, s.grace(e.spec))
			}
		}

		shared := now.Add(longest)

		for _, name := range s.order {
			e := s.entries[name]

			if e.restartPending || e.pendingStart {
				s.cancelRestart(e)
				e.pendingStart = false
				s.transition(ctx, e, e.state)
			}

			switch e.state.Kind {
			case state.Running:
				deadline := now.Add(s.grace(e.spec))
				if deadline.After(shared) {
					deadline = shared
				}

				terminal := e.terminal
				s.beginStop(ctx, e, deadline)
				targets = append(targets, shutdownTarget{
					name:     name,
					instance: e.instance,
					pid:      e.state.PID,
					deadline: deadline,
					terminal: terminal,
				})
			case state.Stopping:
				targets = append(targets, shutdownTarget{
					name:     name,
					instance: e.instance,
					pid:      e.state.PID,
					deadline: e.state.Deadline,
					terminal: e.terminal,
				})
			}
		}

		return nil
	})

	return targets, err
}

func (s *Supervisor) forceKill(ctx context.Context, name string, instance uint64) error {
	return s.call(ctx, func(context.Context) error {
		e, err := s.lookup(name)
		if err != nil {
			return err
		}

		if e.instance == instance && e.state.Kind == state.Stopping {
			s.escalate(e)
		}

		return nil
	})
}

func (s *Supervisor) shutdownReport(ctx context.Context, targets []shutdownTarget) (ShutdownReport, error) {
	var report ShutdownReport

	err := s.call(ctx, func(context.Context) error {
		for _, t := range targets {
			if s.entries[t.name].forced {
				report.Forced = append(report.Forced, t.name)
			} else {
				report.Stopped = append(report.Stopped, t.name)
			}
		}

		return nil
	})

	return report, err
}
