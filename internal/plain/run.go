package plain

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/output"
	"github.com/tstat/process-muxer/internal/supervisor"
)

const defaultPollInterval = 50 * time.Millisecond

// Source is the consumer side of the event bus.
type Source interface {
	Drain() []event.Event
	Ready() <-chan struct{}
}

// Settler reports whether every process has ended for good.
type Settler interface {
	Settled() bool
}

// Shutdowner stops every process.
type Shutdowner interface {
	Shutdown(ctx context.Context) (supervisor.ShutdownReport, error)
}

// Options configures Run.
type Options struct {
	Source     Source
	Supervisor Settler
	Shutdowner Shutdowner
	// Hooks run after the printer for every drained event.
	Hooks event.Hooks

	Out   io.Writer
	Names []string
	Color bool
	// Status shows a spinner on stderr while shutting down. Optional.
	Status *output.Writer

	PollInterval time.Duration
}

// Result is what Run leaves behind.
type Result struct {
	// ShutdownDone is set when Run carried a shutdown to completion.
	ShutdownDone bool
	Report       supervisor.ShutdownReport
	Err          error
}

type shutdownResult struct {
	report supervisor.ShutdownReport
	err    error
}

// Run prints events until every process has ended with nothing left to
// restart, or until a signal event arrives and the shutdown it starts has
// finished. When it returns without Result.ShutdownDone the caller must
// shut the supervisor down itself.
func Run(ctx context.Context, opts Options) (Result, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	printer := NewPrinter(opts.Out, opts.Names, opts.Color)
	hooks := append(event.Hooks{printer}, opts.Hooks...)

	drain := func() (signalled bool) {
		batch := opts.Source.Drain()
		hooks.Run(batch)

		for _, ev := range batch {
			if _, ok := ev.Payload.(event.Signal); ok {
				signalled = true
			}
		}

		return signalled
	}

	poll := time.NewTicker(interval)
	defer poll.Stop()

	var (
		done    chan shutdownResult
		spinner *output.Spinner
		ctxDone = ctx.Done()
	)

	for {
		if drain() && done == nil {
			done = make(chan shutdownResult, 1)

			if opts.Status != nil {
				spinner = opts.Status.Spinner("Stopping processes")
				spinner.Start()
			}

			go func() {
				report, err := opts.Shutdowner.Shutdown(ctx)
				done <- shutdownResult{report: report, err: err}
			}()
		}

		// Transitions are published before Settled changes, so one more
		// drain sees the last of them.
		if done == nil && opts.Supervisor.Settled() {
			drain()
			return Result{}, printer.Err()
		}

		select {
		case <-opts.Source.Ready():
		case <-poll.C:
		case res := <-done:
			drain()

			if spinner != nil {
				finishSpinner(spinner, res)
			}

			return Result{ShutdownDone: true, Report: res.report, Err: res.err}, printer.Err()
		case <-ctxDone:
			if done == nil {
				drain()
				return Result{}, printer.Err()
			}

			// Keep draining until the shutdown in flight completes.
			ctxDone = nil
		}
	}
}

func finishSpinner(s *output.Spinner, res shutdownResult) {
	switch {
	case res.err != nil:
		s.StopWithFailure(fmt.Sprintf("Shutdown failed: %v", res.err))
	case !res.report.Clean():
		s.StopWithWarning("Killed after the grace period: " + strings.Join(res.report.Forced, ", "))
	default:
		s.StopWithSuccess("Stopped all processes")
	}
}
