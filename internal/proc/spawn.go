//go:build unix

// Package proc owns one operating-system process: spawning it in its own
// process group, feeding its stdin, exposing its output streams, signalling
// it and observing its termination exactly once.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// ErrSpawnFailed matches every *SpawnError via errors.Is.
var ErrSpawnFailed = errors.New("spawn failed")

// SpawnError reports why a process could not be started.
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Process, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrSpawnFailed) match.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawnFailed
}

// Defaults for Options fields left zero.
const (
	DefaultStdinQueue = 64
	DefaultRows       = 24
	DefaultCols       = 80
)

// Options describe the process to spawn.
type Options struct {
	// Name identifies the process in errors.
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env entries override the inherited environment.
	Env map[string]string

	// StopSignal is sent by Signal(Graceful). Zero selects SIGTERM.
	StopSignal syscall.Signal

	// PTY runs the process under a pseudo-terminal. Stdout and stderr are
	// merged and Stderr returns nil.
	PTY  bool
	Rows uint16
	Cols uint16

	// StdinQueue bounds the number of pending stdin chunks.
	StdinQueue int
}

// Spawn starts a process described by opts. The returned handle is live:
// its waiter goroutine resolves Done when the process terminates.
func Spawn(opts Options) (*Handle, error) {
	path, err := resolve(opts.Command, opts.Dir)
	if err != nil {
		return nil, &SpawnError{Process: opts.Name, Err: err}
	}

	cmd := exec.Command(path, opts.Args...) //nolint:gosec // command comes from the operator's process file
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(os.Environ(), opts.Env, opts.PTY)

	var h *Handle
	if opts.PTY {
		h, err = startPTY(cmd, opts)
	} else {
		h, err = startPipes(cmd, opts)
	}

	if err != nil {
		return nil, &SpawnError{Process: opts.Name, Err: err}
	}

	return h, nil
}

func startPipes(cmd *exec.Cmd, opts Options) (*Handle, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()

	// The child holds its own copies; the parent keeps only its ends.
	closeAll(stdinR, stdoutW, stderrW)

	if startErr != nil {
		closeAll(stdinW, stdoutR, stderrR)
		return nil, annotateStartError(startErr, cmd.Path)
	}

	return newHandle(cmd, opts, handleFiles{
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}), nil
}

func startPTY(cmd *exec.Cmd, opts Options) (*Handle, error) {
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = DefaultRows
	}

	if cols == 0 {
		cols = DefaultCols
	}

	// pty.StartWithSize sets Setsid and Setctty; the session leader is the
	// process group leader.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, annotateStartError(err, cmd.Path)
	}

	return newHandle(cmd, opts, handleFiles{
		stdin:  ptmx,
		stdout: ptyReader{f: ptmx},
		pty:    ptmx,
	}), nil
}

// resolve finds the executable for command. Commands containing a path
// separator are taken relative to dir.
func resolve(command, dir string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", errors.New("empty command")
	}

	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("working directory: %w", err)
		}

		if !info.IsDir() {
			return "", fmt.Errorf("working directory %s is not a directory", dir)
		}
	}

	if !strings.Contains(command, string(filepath.Separator)) {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", err
		}

		return path, nil
	}

	path := command
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s: %w", path, os.ErrPermission)
	}

	return path, nil
}

func buildEnv(base []string, overrides map[string]string, withPTY bool) []string {
	env := slices.Clone(base)

	if withPTY {
		if _, ok := overrides["TERM"]; !ok && os.Getenv("TERM") == "" {
			env = append(env, "TERM=xterm-256color")
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		// The override replaces any inherited value.
		env = slices.DeleteFunc(env, func(kv string) bool {
			return strings.HasPrefix(kv, k+"=")
		})
		env = append(env, k+"="+overrides[k])
	}

	return env
}

func annotateStartError(err error, binaryPath string) error {
	if !errors.Is(err, syscall.EPERM) {
		return err
	}

	return fmt.Errorf(
		"%w (EPERM starting %q; check executable permissions and noexec mounts)",
		err,
		binaryPath,
	)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// ptyReader reports the EIO a Linux PTY master returns after the child side
// closes as io.EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}

	return n, err
}
