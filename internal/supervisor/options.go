package supervisor

import (
	"log/slog"
	"time"

	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/procfile"
)

// Defaults used when an option is not given.
const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultBackoff      = time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultResetAfter   = 10 * time.Second
	DefaultDrainTimeout = 500 * time.Millisecond
)

// SpawnHook runs in the supervisor goroutine right before a process is
// spawned. attempt counts spawns of that process, starting at 1.
type SpawnHook func(spec procfile.Spec, attempt int)

type config struct {
	grace        time.Duration
	backoff      time.Duration
	maxBackoff   time.Duration
	resetAfter   time.Duration
	drainTimeout time.Duration
	stdinQueue   int
	maxLineBytes int
	rows, cols   uint16
	logger       *slog.Logger
	spawnHook    SpawnHook
}

func defaultConfig() config {
	return config{
		grace:        DefaultGracePeriod,
		backoff:      DefaultBackoff,
		maxBackoff:   DefaultMaxBackoff,
		resetAfter:   DefaultResetAfter,
		drainTimeout: DefaultDrainTimeout,
		stdinQueue:   proc.DefaultStdinQueue,
		maxLineBytes: outbuf.DefaultMaxLineBytes,
		logger:       slog.Default(),
	}
}

// Option configures a Supervisor.
type Option func(*config)

// WithLogger sets the logger. Records carry component=supervisor.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGracePeriod sets the stop grace period for specs without an override.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithBackoff configures automatic restarts: the first delay, the cap, and
// how long an instance must run before the delay resets.
func WithBackoff(base, maxDelay, resetAfter time.Duration) Option {
	return func(c *config) {
		if base > 0 {
			c.backoff = base
		}

		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}

		if resetAfter > 0 {
			c.resetAfter = resetAfter
		}
	}
}

// WithDrainTimeout bounds how long a termination report waits for the
// output streams to reach EOF.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithStdinQueue sets the per-process stdin queue length.
func WithStdinQueue(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.stdinQueue = n
		}
	}
}

// WithMaxLineBytes sets the length at which output lines are split.
func WithMaxLineBytes(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxLineBytes = n
		}
	}
}

// WithPTYSize sets the initial window size for PTY processes.
func WithPTYSize(rows, cols uint16) Option {
	return func(c *config) {
		c.rows, c.cols = rows, cols
	}
}

// WithSpawnHook registers a hook called before every spawn.
func WithSpawnHook(hook SpawnHook) Option {
	return func(c *config) {
		c.spawnHook = hook
	}
}

// Backoff returns the delay before restart attempt n (1-based):
// base doubled n-1 times, capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}

		d *= 2
	}

	return min(d, maxDelay)
}
