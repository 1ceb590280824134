// Package ui is the interactive renderer: a bubbletea program that drains the
// event bus once per frame, folds events into a ViewModel and per-process
// output buffers, and turns key presses into supervisor commands.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/supervisor"
)

const (
	defaultFrameInterval = 50 * time.Millisecond
	defaultQueueSize     = 256
)

// Source is the consumer side of the event bus.
type Source interface {
	Drain() []event.Event
}

// Controller receives operator commands.
type Controller interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	SendInput(ctx context.Context, name string, p []byte) error
	Resize(ctx context.Context, rows, cols uint16) error
}

// Shutdowner stops every process.
type Shutdowner interface {
	Shutdown(ctx context.Context) (supervisor.ShutdownReport, error)
}

// Process describes one supervised process to the renderer.
type Process struct {
	Name        string
	PTY         bool
	BufferLines int
}

// Options configures the renderer.
type Options struct {
	Processes  []Process
	Source     Source
	Controller Controller
	Shutdowner Shutdowner
	// Hooks observe every drained event before it is rendered.
	Hooks         event.Hooks
	FrameInterval time.Duration
	QueueSize     int
	Logger        *slog.Logger

	Input  io.Reader
	Output io.Writer
}

// Result is what the renderer leaves behind.
type Result struct {
	// ShutdownDone is set when the renderer ran the shutdown to completion.
	ShutdownDone bool
	Report       supervisor.ShutdownReport
	Err          error
}

type frameMsg time.Time

type shutdownDoneMsg struct {
	report supervisor.ShutdownReport
	err    error
}

// Model is the bubbletea model.
type Model struct {
	ctx      context.Context
	opts     Options
	keys     keyMap
	vm       ViewModel
	buffers  map[string]*outbuf.Buffer
	dispatch *dispatcher
	spinner  spinner.Model
	logger   *slog.Logger

	shutdownRequested bool
	result            Result
}

// NewModel builds a model. Commands run on a dispatcher goroutine bound to
// ctx.
func NewModel(ctx context.Context, opts Options) Model {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = defaultFrameInterval
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger = logger.With(slog.String("component", "ui"))

	infos := make([]ProcessInfo, len(opts.Processes))
	buffers := make(map[string]*outbuf.Buffer, len(opts.Processes))

	for i, p := range opts.Processes {
		infos[i] = ProcessInfo{Name: p.Name, PTY: p.PTY}
		buffers[p.Name] = outbuf.New(p.BufferLines)
	}

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot

	return Model{
		ctx:      ctx,
		opts:     opts,
		keys:     defaultKeyMap(),
		vm:       NewViewModel(infos),
		buffers:  buffers,
		dispatch: newDispatcher(ctx, opts.QueueSize, logger),
		spinner:  spin,
		logger:   logger,
	}
}

// ViewModel returns the current view model.
func (m Model) ViewModel() ViewModel {
	return m.vm
}

// Buffer returns the output buffer of name.
func (m Model) Buffer(name string) *outbuf.Buffer {
	return m.buffers[name]
}

// Result returns the shutdown outcome once the program has quit.
func (m Model) Result() Result {
	return m.result
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return frameCmd(m.opts.FrameInterval)
}

func frameCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(at time.Time) tea.Msg {
		return frameMsg(at)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vm.Width = msg.Width
		m.vm.Height = msg.Height

		rows, cols := OutputSize(m.vm, msg.Width, msg.Height)
		m.enqueue(func(ctx context.Context) error {
			return m.opts.Controller.Resize(ctx, uint16(rows), uint16(cols)) //nolint:gosec // bounded by terminal size
		})

		return m, nil

	case frameMsg:
		cmd := m.drain()
		return m, tea.Batch(cmd, frameCmd(m.opts.FrameInterval))

	case shutdownDoneMsg:
		// Terminal states are on the bus before Shutdown returns.
		m.drain()
		m.result = Result{ShutdownDone: true, Report: msg.report, Err: msg.err}

		return m, tea.Quit

	case spinner.TickMsg:
		if !m.shutdownRequested {
			return m, nil
		}

		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd

	case tea.KeyMsg:
		if m.vm.Mode == ModePassthrough {
			return m.updatePassthrough(msg)
		}

		return m.updateNormal(msg)
	}

	return m, nil
}

// drain folds every queued event into the model. It returns a command when
// an event asks for shutdown.
func (m *Model) drain() tea.Cmd {
	batch := m.opts.Source.Drain()
	if len(batch) == 0 {
		return nil
	}

	m.opts.Hooks.Run(batch)

	var cmd tea.Cmd

	for _, ev := range batch {
		switch p := ev.Payload.(type) {
		case event.Output:
			buf, ok := m.buffers[p.Process]
			if !ok {
				buf = outbuf.New(0)
				m.buffers[p.Process] = buf
			}

			buf.Append(p.Line)
		case event.Signal:
			if c := m.startShutdown(); c != nil {
				cmd = c
			}
		}

		m.vm = m.vm.Apply(ev)
	}

	return cmd
}

func (m *Model) startShutdown() tea.Cmd {
	if m.shutdownRequested {
		return nil
	}

	m.shutdownRequested = true
	m.vm.ShuttingDown = true
	m.vm.Mode = ModeNormal
	m.vm = m.vm.WithStatus("stopping all processes", false)

	shutdowner := m.opts.Shutdowner
	ctx := m.ctx

	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		report, err := shutdowner.Shutdown(ctx)
		return shutdownDoneMsg{report: report, err: err}
	})
}

func (m Model) updateNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	row, hasRow := m.vm.Current()

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, m.startShutdown()
	case key.Matches(msg, m.keys.Up, m.keys.Prev):
		m.vm = m.vm.Select(-1)
	case key.Matches(msg, m.keys.Down, m.keys.Next):
		m.vm = m.vm.Select(1)
	case !hasRow:
		return m, nil
	case key.Matches(msg, m.keys.Start):
		m.command(event.CommandStart, row.Name, m.opts.Controller.Start)
	case key.Matches(msg, m.keys.Stop):
		m.command(event.CommandStop, row.Name, m.opts.Controller.Stop)
	case key.Matches(msg, m.keys.Restart):
		m.command(event.CommandRestart, row.Name, m.opts.Controller.Restart)
	case key.Matches(msg, m.keys.Passthrough):
		m.vm.Mode = ModePassthrough
		m.vm = m.vm.WithStatus("sending keys to "+row.Name, false)
	case key.Matches(msg, m.keys.PageUp):
		m.vm = m.vm.ScrollBy(m.page(), m.maxScroll(row.Name))
	case key.Matches(msg, m.keys.PageDown):
		m.vm = m.vm.ScrollBy(-m.page(), m.maxScroll(row.Name))
	case key.Matches(msg, m.keys.Top):
		top := m.maxScroll(row.Name)
		m.vm = m.vm.ScrollBy(top, top)
	case key.Matches(msg, m.keys.Bottom):
		m.vm = m.vm.ScrollBy(-row.Scroll, 0)
	case key.Matches(msg, m.keys.Follow):
		m.vm = m.vm.ToggleFollow()
	case key.Matches(msg, m.keys.Clear):
		if buf := m.buffers[row.Name]; buf != nil {
			buf.Reset()
		}

		m.vm = m.vm.ClearSelected()
	}

	return m, nil
}

func (m Model) updatePassthrough(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Leave) {
		m.vm.Mode = ModeNormal
		m.vm = m.vm.WithStatus("", false)

		return m, nil
	}

	row, ok := m.vm.Current()
	if !ok {
		return m, nil
	}

	if p, ok := keyBytes(msg, row.PTY); ok {
		name := row.Name
		m.enqueue(func(ctx context.Context) error {
			return m.opts.Controller.SendInput(ctx, name, p)
		})
	}

	return m, nil
}

func (m *Model) command(kind event.CommandKind, name string, op func(context.Context, string) error) {
	m.enqueue(func(ctx context.Context) error {
		if err := op(ctx, name); err != nil {
			return fmt.Errorf("%s %s: %w", kind, name, err)
		}

		return nil
	})
}

func (m *Model) enqueue(op func(context.Context) error) {
	if !m.dispatch.enqueue(op) {
		m.vm = m.vm.WithStatus("command queue full, try again", true)
	}
}

func (m Model) page() int {
	rows, _ := OutputSize(m.vm, m.vm.Width, m.vm.Height)
	return max(rows-1, 1)
}

func (m Model) maxScroll(name string) int {
	buf := m.buffers[name]
	if buf == nil {
		return 0
	}

	rows, _ := OutputSize(m.vm, m.vm.Width, m.vm.Height)

	return max(buf.Len()-rows, 0)
}

// View implements tea.Model.
func (m Model) View() string {
	if m.vm.Width == 0 {
		return "starting procmux..."
	}

	vm := m.vm
	if m.shutdownRequested && !m.result.ShutdownDone {
		vm.Activity = m.spinner.View()
	}

	return Render(vm, m.buffers, vm.Width, vm.Height)
}

// Run shows the interactive UI until the operator quits or a signal event
// arrives, and the resulting shutdown has finished. If Run returns without
// Result.ShutdownDone the caller must shut the supervisor down itself.
func Run(ctx context.Context, opts Options) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progOpts := []tea.ProgramOption{
		tea.WithAltScreen(),
		tea.WithoutSignalHandler(),
		tea.WithContext(ctx),
	}

	if opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(opts.Input))
	}

	if opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Output))
	}

	final, err := tea.NewProgram(NewModel(ctx, opts), progOpts...).Run()

	m, _ := final.(Model)

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return m.result, fmt.Errorf("run terminal UI: %w", err)
	}

	return m.result, nil
}
