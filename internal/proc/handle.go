//go:build unix

package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tstat/process-muxer/internal/state"
)

// Stdin errors.
var (
	ErrBrokenPipe = errors.New("stdin closed")
	ErrStdinFull  = errors.New("stdin queue full")
)

// SignalKind selects how a process is asked to stop.
type SignalKind int

// Signal kinds.
const (
	// Graceful sends the configured stop signal.
	Graceful SignalKind = iota
	// Forceful sends SIGKILL.
	Forceful
)

// TerminationResult is the OS-reported outcome of a process.
type TerminationResult struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
}

// State maps the result to its terminal lifecycle state.
func (r TerminationResult) State() state.State {
	if r.Signaled {
		return state.NewKilled(r.Signal)
	}

	return state.NewExited(r.Code)
}

type handleFiles struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *os.File
	pty    *os.File
}

// Handle is one spawned process.
type Handle struct {
	name       string
	cmd        *exec.Cmd
	pid        int
	pgid       int
	stopSignal syscall.Signal
	startedAt  time.Time

	files  handleFiles
	stdinQ chan []byte
	broken atomic.Bool

	done   chan struct{}
	result TerminationResult

	closeOnce sync.Once
}

func newHandle(cmd *exec.Cmd, opts Options, files handleFiles) *Handle {
	queue := opts.StdinQueue
	if queue <= 0 {
		queue = DefaultStdinQueue
	}

	stopSignal := opts.StopSignal
	if stopSignal == 0 {
		stopSignal = syscall.SIGTERM
	}

	pid := cmd.Process.Pid

	h := &Handle{
		name:       opts.Name,
		cmd:        cmd,
		pid:        pid,
		pgid:       pid,
		stopSignal: stopSignal,
		startedAt:  time.Now(),
		files:      files,
		stdinQ:     make(chan []byte, queue),
		done:       make(chan struct{}),
	}

	if pgid, err := syscall.Getpgid(pid); err == nil {
		h.pgid = pgid
	}

	go h.wait()
	go h.writeStdin()

	return h
}

// Name returns the process name the handle was spawned for.
func (h *Handle) Name() string { return h.name }

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Stdout returns the stdout stream. It reaches EOF once every writer closed.
func (h *Handle) Stdout() io.Reader { return h.files.stdout }

// Stderr returns the stderr stream, or nil in PTY mode.
func (h *Handle) Stderr() io.Reader {
	if h.files.stderr == nil {
		return nil
	}

	return h.files.stderr
}

// Done is closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the termination result. It is valid after Done is closed.
func (h *Handle) Result() TerminationResult {
	<-h.done
	return h.result
}

// Wait blocks until the process is reaped or ctx ends.
func (h *Handle) Wait(ctx context.Context) (TerminationResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return TerminationResult{}, ctx.Err()
	}
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// WriteStdin queues p for the process stdin without blocking. It fails with
// ErrStdinFull when the queue is full and ErrBrokenPipe once stdin is gone.
func (h *Handle) WriteStdin(p []byte) error {
	if h.broken.Load() || h.Exited() {
		return ErrBrokenPipe
	}

	select {
	case h.stdinQ <- bytes.Clone(p):
		return nil
	default:
		return ErrStdinFull
	}
}

// Signal asks the process group to stop. It returns immediately; a process
// that is already gone is not an error.
func (h *Handle) Signal(kind SignalKind) error {
	sig := h.stopSignal
	if kind == Forceful {
		sig = syscall.SIGKILL
	}

	return sendSignal(h.pid, h.pgid, sig, h.Exited())
}

// Resize changes the PTY window size. It is a no-op without a PTY.
func (h *Handle) Resize(rows, cols uint16) error {
	if h.files.pty == nil || rows == 0 || cols == 0 {
		return nil
	}

	return pty.Setsize(h.files.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close releases the parent's file descriptors. Readers blocked on Stdout or
// Stderr return an error. It is safe to call more than once.
func (h *Handle) Close() error {
	var errs []error

	h.closeOnce.Do(func() {
		h.broken.Store(true)

		if h.files.pty != nil {
			errs = appendCloseErr(errs, h.files.pty)
			return
		}

		errs = appendCloseErr(errs, h.files.stdin)
		if f, ok := h.files.stdout.(*os.File); ok {
			errs = appendCloseErr(errs, f)
		}

		if h.files.stderr != nil {
			errs = appendCloseErr(errs, h.files.stderr)
		}
	})

	return errors.Join(errs...)
}

func (h *Handle) wait() {
	_ = h.cmd.Wait()

	h.result = resultFrom(h.cmd.ProcessState)
	h.broken.Store(true)

	if h.files.pty == nil {
		// Unblocks a stdin writer stuck on a full pipe.
		_ = h.files.stdin.Close()
	}

	close(h.done)
}

func (h *Handle) writeStdin() {
	for {
		select {
		case chunk := <-h.stdinQ:
			if _, err := h.files.stdin.Write(chunk); err != nil {
				h.broken.Store(true)
				return
			}
		case <-h.done:
			return
		}
	}
}

func resultFrom(ps *os.ProcessState) TerminationResult {
	if ps == nil {
		return TerminationResult{Code: -1}
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return TerminationResult{Code: -1, Signal: ws.Signal(), Signaled: true}
	}

	return TerminationResult{Code: ps.ExitCode()}
}

func appendCloseErr(errs []error, c io.Closer) []error {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return append(errs, err)
	}

	return errs
}
