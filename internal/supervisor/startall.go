package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/procfile"
)

// StartAll starts every autostart process in file order. Processes listed
// with After wait in the background until each dependency is ready: it
// printed its ready pattern, or it is running when it has none. A failed
// spawn never prevents the others from starting; the failures are joined
// into the returned error, along with processes skipped because they wait on
// one that has autostart disabled.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var autostart []procfile.Spec

	for _, name := range s.order {
		if spec := s.specs[name]; spec.Autostart {
			autostart = append(autostart, spec)
		}
	}

	var errs []error

	// A dependency that never starts on its own would hold its dependents
	// back forever, and theirs in turn.
	blocked := s.blockedStarts()
	waiting := autostart[:0:0]

	for _, spec := range autostart {
		if dep, ok := blocked[spec.Name]; ok {
			err := fmt.Errorf("%w: %s will not start on its own", ErrDependencyFailed, dep)

			s.logger.Warn("not starting process",
				slog.String("event.type", "process.dependency.failed"),
				slog.String("process.name", spec.Name),
				slog.String("process.dependency", dep),
				slog.String("error", err.Error()),
			)
			s.publish(ctx, event.UserCommand{Command: event.CommandStart, Target: spec.Name, Err: err})

			errs = append(errs, fmt.Errorf("%s: %w", spec.Name, err))

			continue
		}

		waiting = append(waiting, spec)
	}

	// Watchers are registered before anything starts so no ready line is missed.
	ready := make(map[string]*watcher)

	for _, spec := range waiting {
		for _, dep := range spec.After {
			if _, ok := ready[dep]; !ok {
				ready[dep] = s.watchers.add(dep, s.specs[dep].ReadyPattern)
			}
		}
	}

	for _, spec := range waiting {
		if len(spec.After) > 0 {
			deps := make([]*watcher, 0, len(spec.After))
			for _, dep := range spec.After {
				deps = append(deps, ready[dep])
			}

			s.pendingStarts.Add(1)

			go s.startAfter(ctx, spec, deps)

			continue
		}

		if err := s.Start(ctx, spec.Name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// blockedStarts maps each autostart process that waits, directly or through
// other processes, on one with autostart disabled to the dependency that
// holds it back.
func (s *Supervisor) blockedStarts() map[string]string {
	blocked := make(map[string]string)

	for changed := true; changed; {
		changed = false

		for _, name := range s.order {
			spec := s.specs[name]
			if !spec.Autostart {
				continue
			}

			if _, ok := blocked[name]; ok {
				continue
			}

			for _, dep := range spec.After {
				_, depBlocked := blocked[dep]
				if !s.specs[dep].Autostart || depBlocked {
					blocked[name] = dep
					changed = true

					break
				}
			}
		}
	}

	return blocked
}

// StartAllAsync runs StartAll on its own goroutine and returns at once, so
// the caller can begin consuming the bus while processes start. Settled
// reports false until it has finished. The channel receives StartAll's error.
func (s *Supervisor) StartAllAsync(ctx context.Context) <-chan error {
	errc := make(chan error, 1)

	s.pendingStarts.Add(1)

	go func() {
		defer s.pendingStarts.Add(-1)

		errc <- s.StartAll(ctx)
	}()

	return errc
}

func (s *Supervisor) startAfter(ctx context.Context, spec procfile.Spec, deps []*watcher) {
	defer s.pendingStarts.Add(-1)

	for i, w := range deps {
		if err := w.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			err = fmt.Errorf("%w: %s: %w", ErrDependencyFailed, spec.After[i], err)

			s.logger.Warn("not starting process",
				slog.String("event.type", "process.dependency.failed"),
				slog.String("process.name", spec.Name),
				slog.String("process.dependency", spec.After[i]),
				slog.String("error", err.Error()),
			)
			s.publish(ctx, event.UserCommand{Command: event.CommandStart, Target: spec.Name, Err: err})

			return
		}
	}

	if err := s.Start(ctx, spec.Name); err != nil {
		s.logger.Debug("dependent start failed",
			slog.String("process.name", spec.Name),
			slog.String("error", err.Error()),
		)
	}
}
