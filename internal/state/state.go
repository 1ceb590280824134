// Package state defines the lifecycle state of a supervised process.
package state

import (
	"fmt"
	"syscall"
	"time"
)

// Kind is the lifecycle phase of a process.
type Kind uint8

// Lifecycle phases.
const (
	NotStarted Kind = iota
	Starting
	Running
	Stopping
	Exited
	Crashed
)

// String returns the lower-case phase name.
func (k Kind) String() string {
	switch k {
	case NotStarted:
		return "not started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// State is a lifecycle phase plus the data that phase carries.
// Only the fields relevant to Kind are set.
type State struct {
	Kind Kind
	// PID is set for Running and kept while Stopping.
	PID int
	// Deadline is set for Stopping.
	Deadline time.Time
	// Code is set for Exited.
	Code int
	// Signal is set for Crashed when the process was killed by a signal.
	Signal syscall.Signal
	// SpawnErr is set for Crashed when the process never started.
	SpawnErr error
}

// NewRunning returns a Running state for pid.
func NewRunning(pid int) State {
	return State{Kind: Running, PID: pid}
}

// NewStopping returns a Stopping state for pid with the given deadline.
func NewStopping(pid int, deadline time.Time) State {
	return State{Kind: Stopping, PID: pid, Deadline: deadline}
}

// NewExited returns an Exited state with the given exit code.
func NewExited(code int) State {
	return State{Kind: Exited, Code: code}
}

// NewKilled returns a Crashed state for a process killed by sig.
func NewKilled(sig syscall.Signal) State {
	return State{Kind: Crashed, Signal: sig}
}

// NewSpawnFailed returns a Crashed state for a process that could not be spawned.
func NewSpawnFailed(err error) State {
	return State{Kind: Crashed, SpawnErr: err}
}

// Live reports whether an instance exists or is being created.
func (s State) Live() bool {
	return s.Kind == Starting || s.Kind == Running || s.Kind == Stopping
}

// Terminal reports whether the last instance has ended.
func (s State) Terminal() bool {
	return s.Kind == Exited || s.Kind == Crashed
}

// Failed reports whether the state counts as a failure for restart policies.
func (s State) Failed() bool {
	switch s.Kind {
	case Exited:
		return s.Code != 0
	case Crashed:
		return true
	default:
		return false
	}
}

// String renders the state for status lines and logs.
func (s State) String() string {
	switch s.Kind {
	case Running:
		return fmt.Sprintf("running (pid %d)", s.PID)
	case Stopping:
		return fmt.Sprintf("stopping (pid %d)", s.PID)
	case Exited:
		return fmt.Sprintf("exited with %d", s.Code)
	case Crashed:
		if s.SpawnErr != nil {
			return fmt.Sprintf("failed to start: %v", s.SpawnErr)
		}

		return fmt.Sprintf("killed by %s", SignalName(s.Signal))
	default:
		return s.Kind.String()
	}
}

// SignalName returns the conventional SIG-prefixed name for sig.
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGUSR1:
		return "SIGUSR1"
	case syscall.SIGUSR2:
		return "SIGUSR2"
	default:
		return fmt.Sprintf("signal %d", int(sig))
	}
}
