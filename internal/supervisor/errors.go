package supervisor

import (
	"errors"

	"github.com/tstat/process-muxer/internal/proc"
)

// Command errors. They are wrapped with the process name; match them with
// errors.Is.
var (
	ErrAlreadyRunning   = errors.New("process already running")
	ErrNotRunning       = errors.New("process not running")
	ErrUnknownProcess   = errors.New("unknown process")
	ErrShuttingDown     = errors.New("shutting down")
	ErrUnexpectedExit   = errors.New("process ended before becoming ready")
	ErrDependencyFailed = errors.New("dependency did not become ready")
	ErrStopped          = errors.New("supervisor stopped")
)

// Errors surfaced unchanged from the process handle.
var (
	ErrSpawnFailed = proc.ErrSpawnFailed
	ErrBrokenPipe  = proc.ErrBrokenPipe
	ErrStdinFull   = proc.ErrStdinFull
)
