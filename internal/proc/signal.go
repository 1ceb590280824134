//go:build unix

package proc

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendSignal signals the process group, falling back to the pid when the
// group is unknown. ESRCH counts as delivered. Once the leader has been
// reaped its pid may be reused, so only the group is signalled.
func sendSignal(pid, pgid int, sig syscall.Signal, reaped bool) error {
	if pgid > 0 {
		err := unix.Kill(-pgid, sig)
		if err == nil || errors.Is(err, unix.ESRCH) {
			return nil
		}

		if reaped {
			return err
		}
	}

	if pid <= 0 || reaped {
		return nil
	}

	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	return nil
}

// Alive reports whether a process with pid exists. A zombie that has not
// been reaped still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// GroupAlive reports whether any process remains in process group pgid.
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}

	err := unix.Kill(-pgid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// KillGroup sends SIGKILL to every process left in group pgid.
func KillGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	return nil
}
