package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tstat/process-muxer/internal/config"
	clierrors "github.com/tstat/process-muxer/internal/errors"
	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/observability"
	"github.com/tstat/process-muxer/internal/output"
	"github.com/tstat/process-muxer/internal/plain"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/recorder"
	"github.com/tstat/process-muxer/internal/supervisor"
	"github.com/tstat/process-muxer/internal/ui"
)

type runOptions struct {
	file        string
	plain       bool
	only        []string
	gracePeriod time.Duration
	bufferLines int
	recordDir   string
	noAutostart bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the processes and show their output",
		Long: `Start every autostart process from the process file and show their output.
On a terminal this opens the full-screen UI; otherwise, or with --plain, each
output line is printed with its process name. Quitting, or SIGINT, SIGTERM or
SIGHUP, stops every process before procmux exits.`,
		Example: `  procmux run
  procmux run -f dev.toml --only api,worker
  procmux run --plain --record-dir ./recordings`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			if !cmd.Flags().Changed("grace-period") {
				opts.gracePeriod = cfg.GracePeriod()
			}

			if !cmd.Flags().Changed("buffer-lines") {
				opts.bufferLines = cfg.BufferLines()
			}

			return runProcesses(cmd.Context(), cfg, &opts)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Process file (default: procmux.yaml)")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Print prefixed output instead of the interactive UI")
	cmd.Flags().StringSliceVar(&opts.only, "only", nil, "Run only these processes (comma-separated)")
	cmd.Flags().DurationVar(&opts.gracePeriod, "grace-period", config.DefaultGracePeriod, "Time between the stop signal and SIGKILL")
	cmd.Flags().IntVar(&opts.bufferLines, "buffer-lines", config.DefaultBufferLines, "Scrollback lines kept per process")
	cmd.Flags().StringVar(&opts.recordDir, "record-dir", "", "Record every event to this directory")
	cmd.Flags().BoolVar(&opts.noAutostart, "no-autostart", false, "Start nothing; start processes from the UI")

	return cmd
}

func runProcesses(ctx context.Context, cfg *config.Config, opts *runOptions) error {
	out := output.FromContext(ctx)
	logger := observability.FromContext(ctx).With(slog.String("component", "cli"))

	path := resolveProcessFile(cfg, opts.file)

	specs, err := loadProcessFile(path)
	if err != nil {
		return err
	}

	specs, err = selectProcesses(specs, opts.only)
	if err != nil {
		return err
	}

	bus, err := event.NewBus(cfg.BusCapacity())
	if err != nil {
		return clierrors.Wrap(clierrors.ExitConfig, "Invalid bus_capacity setting", err).
			WithHint("Run 'procmux config set bus_capacity 4096'")
	}

	interactive := !opts.plain && out.Terminal().InteractiveEnabled()

	processes := make([]ui.Process, 0, len(specs))
	names := make([]string, 0, len(specs))

	for _, s := range specs {
		lines := s.BufferLines
		if lines <= 0 {
			lines = opts.bufferLines
		}

		processes = append(processes, ui.Process{Name: s.Name, PTY: s.PTY, BufferLines: lines})
		names = append(names, s.Name)
	}

	ctx, span := observability.StartRun(ctx, path, names)
	defer span.End()

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithGracePeriod(opts.gracePeriod),
		supervisor.WithBackoff(cfg.RestartBackoff(), cfg.RestartMaxBackoff(), cfg.RestartResetAfter()),
		supervisor.WithDrainTimeout(cfg.DrainTimeout()),
		supervisor.WithStdinQueue(cfg.StdinQueue()),
		supervisor.WithMaxLineBytes(cfg.MaxLineBytes()),
		supervisor.WithSpawnHook(func(spec procfile.Spec, attempt int) {
			logger.Debug("spawning process",
				slog.String("event.type", "process.spawn.attempt"),
				slog.String("process.name", spec.Name),
				slog.Int("process.attempt", attempt),
			)
		}),
	}

	if interactive {
		vm := ui.NewViewModel(processInfos(processes))
		rows, cols := ui.OutputSize(vm, out.Terminal().Width, out.Terminal().Height)
		supOpts = append(supOpts, supervisor.WithPTYSize(uint16(rows), uint16(cols))) //nolint:gosec // bounded by terminal size
	}

	sup, err := supervisor.New(specs, bus, supOpts...)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitConfig, "Failed to set up processes", err)
	}

	supCtx, stopSupervisor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSupervisor()

	go func() {
		_ = sup.Run(supCtx)
	}()

	go func() {
		if err := event.Ticker(supCtx, bus, cfg.TickInterval()); err != nil {
			logger.Warn("ticker stopped", slog.String("error", err.Error()))
		}
	}()

	stopSignals := forwardSignals(supCtx, bus, logger)
	defer stopSignals()

	hooks := event.Hooks{event.LogHook(logger)}

	var rec *recorder.Recorder
	if opts.recordDir != "" {
		rec, err = recorder.New(recorder.Options{
			SessionID: sessionIDFromContext(ctx),
			Dir:       opts.recordDir,
			Processes: names,
			Logger:    logger,
		})
		if err != nil {
			return clierrors.Wrap(clierrors.ExitGeneral, "Failed to start recording", err).
				WithHint("Check that --record-dir is writable")
		}

		hooks = append(hooks, rec)
	}

	// Processes start while the renderer already consumes the bus, so early
	// output cannot stall the remaining spawns.
	if !opts.noAutostart {
		started := sup.StartAllAsync(supCtx)

		go func() {
			if err := <-started; err != nil {
				// Spawn failures also arrive as Crashed states; the rest keep running.
				logger.Warn("some processes failed to start", slog.String("error", err.Error()))
			}
		}()
	}

	coordinator := supervisor.NewCoordinator(sup)

	var (
		result    shutdownOutcome
		renderErr error
	)

	if interactive {
		res, uiErr := ui.Run(ctx, ui.Options{
			Processes:     processes,
			Source:        bus,
			Controller:    sup,
			Shutdowner:    coordinator,
			Hooks:         hooks,
			FrameInterval: cfg.FrameInterval(),
			Logger:        logger,
		})
		result = shutdownOutcome{done: res.ShutdownDone, report: res.Report, err: res.Err}

		if uiErr != nil {
			renderErr = clierrors.TerminalRequired(uiErr)
		}
	} else {
		res, plainErr := plain.Run(ctx, plain.Options{
			Source:     bus,
			Supervisor: sup,
			Shutdowner: coordinator,
			Hooks:      hooks,
			Out:        out.Out,
			Names:      names,
			Color:      out.ColorEnabled(),
			Status:     out,
		})
		result = shutdownOutcome{done: res.ShutdownDone, report: res.Report, err: res.Err}

		if plainErr != nil {
			renderErr = fmt.Errorf("write output: %w", plainErr)
		}
	}

	// The renderer is gone; keep the bus moving until every producer stopped.
	stopPump := startPump(bus, hooks)

	if !result.done {
		result.report, result.err = coordinator.Shutdown(context.WithoutCancel(ctx))
	}

	stopSupervisor()
	<-sup.Done()

	stopPump()
	bus.Close()
	hooks.Run(bus.Drain())

	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Warn("recording incomplete", slog.String("error", err.Error()))
		} else if !interactive {
			out.Muted("Recorded session to %s", rec.Dir())
		}
	}

	switch {
	case renderErr != nil:
		return renderErr
	case result.err != nil:
		return fmt.Errorf("shut down processes: %w", result.err)
	case !result.report.Clean():
		return clierrors.ShutdownForced(result.report.Forced)
	}

	return nil
}

type shutdownOutcome struct {
	done   bool
	report supervisor.ShutdownReport
	err    error
}

func processInfos(processes []ui.Process) []ui.ProcessInfo {
	infos := make([]ui.ProcessInfo, len(processes))
	for i, p := range processes {
		infos[i] = ui.ProcessInfo{Name: p.Name, PTY: p.PTY}
	}

	return infos
}

// startPump runs hooks over the bus on a new goroutine. The returned func
// stops it and waits for it to exit.
func startPump(src event.Consumer, hooks event.Hooks) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		event.Pump(ctx, src, hooks)
	}()

	return func() {
		cancel()
		<-done
	}
}

// forwardSignals publishes SIGINT, SIGTERM and SIGHUP to the bus until ctx
// ends. The consumer turns them into a shutdown.
func forwardSignals(ctx context.Context, pub event.Publisher, logger *slog.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if _, err := pub.Publish(ctx, event.Event{Payload: event.Signal{Signal: sig}}); err != nil {
					logger.Debug("signal not delivered", slog.String("signal", sig.String()), slog.String("error", err.Error()))
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
	}
}
