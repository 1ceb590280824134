package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/state"
)

func TestHelloExitsCleanlyWithOutputFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("hello", "echo hello; exit 0")})

	if err := h.sup.Start(h.ctx(), "hello"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	final := h.waitTerminal("hello")
	if final.Kind != state.Exited || final.Code != 0 {
		t.Fatalf("final state = %v, want exited with 0", final)
	}

	var outputSeq, exitSeq uint64

	for _, ev := range h.snapshot() {
		switch p := ev.Payload.(type) {
		case event.Output:
			if p.Process == "hello" && p.Line.Text == "hello" {
				outputSeq = ev.Seq
			}
		case event.StateChanged:
			if p.New.Terminal() {
				exitSeq = ev.Seq
			}
		}
	}

	if outputSeq == 0 || outputSeq > exitSeq {
		t.Fatalf("output seq = %d, exit seq = %d, want output before exit", outputSeq, exitSeq)
	}

	changes := h.changes("hello")
	checkTransitions(t, changes)

	kinds := make([]state.Kind, 0, len(changes))
	for _, c := range changes {
		kinds = append(kinds, c.New.Kind)
	}

	want := []state.Kind{state.Starting, state.Running, state.Exited}
	if len(kinds) != len(want) {
		t.Fatalf("transitions = %v, want %v", kinds, want)
	}

	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", kinds, want)
		}
	}
}

func TestAllOutputPrecedesTerminalState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("count", "i=1; while [ $i -le 200 ]; do echo line$i; i=$((i+1)); done; printf tail")})

	if err := h.sup.Start(h.ctx(), "count"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitTerminal("count")

	var lines []string

	for _, ev := range h.snapshot() {
		switch p := ev.Payload.(type) {
		case event.Output:
			lines = append(lines, p.Line.Text)
		case event.StateChanged:
			if p.New.Terminal() && len(lines) != 201 {
				t.Fatalf("terminal state after %d lines, want 201", len(lines))
			}
		}
	}

	if lines[0] != "line1" || lines[199] != "line200" || lines[200] != "tail" {
		t.Fatalf("lines out of order: first %q, 200th %q, last %q", lines[0], lines[199], lines[200])
	}
}

func TestStopBeforeDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("sleeper", "exec sleep 30")})

	if err := h.sup.Start(h.ctx(), "sleeper"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	running := h.waitRunning("sleeper")

	start := time.Now()
	if err := h.sup.Stop(h.ctx(), "sleeper"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	final := h.waitTerminal("sleeper")
	if final.Kind != state.Crashed || final.Signal != syscall.SIGTERM {
		t.Fatalf("final state = %v, want killed by SIGTERM", final)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %v, want well before the 2s grace period", elapsed)
	}

	if proc.Alive(running.PID) {
		t.Fatalf("pid %d still alive after stop", running.PID)
	}
}

func TestStopEscalatesAfterGracePeriod(t *testing.T) {
	t.Parallel()

	spec := shSpec("stubborn", "trap '' TERM; echo ready; while :; do sleep 1; done")
	spec.GracePeriod = 200 * time.Millisecond

	h := newHarness(t, []procfile.Spec{spec})

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "stubborn"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitFor("ready line", func(evs []event.Event) bool {
		for _, ev := range evs {
			if out, ok := ev.Payload.(event.Output); ok && out.Line.Text == "ready" {
				return true
			}
		}

		return false
	})

	if err := h.sup.Stop(ctx, "stubborn"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A second stop while stopping is a no-op.
	if err := h.sup.Stop(ctx, "stubborn"); err != nil {
		t.Fatalf("second Stop() error = %v, want nil", err)
	}

	final := h.waitTerminal("stubborn")
	if final.Kind != state.Crashed || final.Signal != syscall.SIGKILL {
		t.Fatalf("final state = %v, want killed by SIGKILL", final)
	}

	if got := countKind(h.changes("stubborn"), state.Stopping); got != 1 {
		t.Fatalf("Stopping transitions = %d, want 1", got)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("sleeper", "exec sleep 30")})

	ctx := h.ctx()

	if err := h.sup.Start(ctx, "nope"); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("Start(nope) error = %v, want ErrUnknownProcess", err)
	}

	if err := h.sup.Stop(ctx, "sleeper"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop() before start error = %v, want ErrNotRunning", err)
	}

	if err := h.sup.SendInput(ctx, "sleeper", []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendInput() before start error = %v, want ErrNotRunning", err)
	}

	if err := h.sup.Start(ctx, "sleeper"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := h.sup.Start(ctx, "sleeper"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	if got := countKind(h.changes("sleeper"), state.Starting); got != 1 {
		t.Fatalf("Starting transitions = %d, want 1", got)
	}

	h.waitFor("rejected start command", func(evs []event.Event) bool {
		for _, ev := range evs {
			if uc, ok := ev.Payload.(event.UserCommand); ok && uc.Command == event.CommandStart && uc.Target == "sleeper" && errors.Is(uc.Err, ErrAlreadyRunning) {
				return true
			}
		}

		return false
	})
}

func TestSendInputToExitedProcess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("quick", "exit 0")})

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "quick"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitTerminal("quick")
	before := len(h.changes("quick"))

	if err := h.sup.SendInput(ctx, "quick", []byte("hello\n")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendInput() error = %v, want ErrNotRunning", err)
	}

	// The rejected command is published; no state change follows it.
	h.waitFor("input command", func(evs []event.Event) bool {
		for _, ev := range evs {
			if uc, ok := ev.Payload.(event.UserCommand); ok && uc.Command == event.CommandInput {
				return true
			}
		}

		return false
	})

	if after := len(h.changes("quick")); after != before {
		t.Fatalf("StateChanged count = %d after SendInput, want %d", after, before)
	}
}

func TestSendInputReachesProcess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("echo", "read line; echo \"got $line\"")})

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "echo"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := h.sup.SendInput(ctx, "echo", []byte("ping\n")); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}

	h.waitFor("echoed input", func(evs []event.Event) bool {
		for _, ev := range evs {
			if out, ok := ev.Payload.(event.Output); ok && out.Line.Text == "got ping" {
				return true
			}
		}

		return false
	})
}

func TestRestartRunningProcess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("svc", "exec sleep 30")})

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "svc"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	first := h.waitRunning("svc")

	if err := h.sup.Restart(ctx, "svc"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	h.waitFor("second instance running", func([]event.Event) bool {
		return countKind(h.changes("svc"), state.Running) == 2
	})

	changes := h.changes("svc")
	checkTransitions(t, changes)

	last := changes[len(changes)-1]
	if last.New.PID == first.PID || last.Restarts != 1 {
		t.Fatalf("after restart: %+v, want a new pid and 1 restart", last)
	}

	if proc.Alive(first.PID) {
		t.Fatalf("old pid %d still alive after restart", first.PID)
	}

	statuses, err := h.sup.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if statuses[0].State.Kind != state.Running || statuses[0].Restarts != 1 {
		t.Fatalf("Snapshot() = %+v", statuses)
	}
}

func TestRestartNotStartedStartsNow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("svc", "exec sleep 30")})

	if err := h.sup.Restart(h.ctx(), "svc"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	h.waitRunning("svc")
}

func TestNoDoubleSpawnUnderRandomCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("svc", "exec sleep 30")})

	ctx := h.ctx()
	rng := rand.New(rand.NewPCG(1, 2))

	for range 40 {
		switch rng.IntN(3) {
		case 0:
			_ = h.sup.Start(ctx, "svc")
		case 1:
			_ = h.sup.Stop(ctx, "svc")
		case 2:
			_ = h.sup.Restart(ctx, "svc")
		}

		time.Sleep(time.Duration(rng.IntN(5)) * time.Millisecond)
	}

	_ = h.sup.Stop(ctx, "svc")

	h.waitFor("settled", func([]event.Event) bool { return h.sup.Settled() })

	changes := h.changes("svc")
	checkTransitions(t, changes)

	// Between two Starting transitions the previous instance must have ended.
	live := false

	for i, c := range changes {
		if c.New.Kind == state.Starting {
			if live {
				t.Fatalf("change %d: Starting while an instance is live", i)
			}

			live = true
		}

		if c.New.Terminal() {
			live = false
		}
	}
}

func TestOnFailureRestartsWithBackoff(t *testing.T) {
	t.Parallel()

	spec := shSpec("flaky", "exit 1")
	spec.Restart = procfile.RestartOnFailure

	h := newHarness(t, []procfile.Spec{spec}, WithBackoff(20*time.Millisecond, 80*time.Millisecond, time.Minute))

	if err := h.sup.Start(h.ctx(), "flaky"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitFor("three runs", func([]event.Event) bool {
		return countKind(h.changes("flaky"), state.Running) >= 3
	})

	changes := h.changes("flaky")
	checkTransitions(t, changes)

	var sawPending bool

	for _, c := range changes {
		if c.New.Kind == state.Exited && c.RestartPending {
			sawPending = true
		}
	}

	if !sawPending {
		t.Fatal("no Exited transition announced a pending restart")
	}

	if err := h.sup.Stop(h.ctx(), "flaky"); err != nil && !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestRestartPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		policy  procfile.RestartPolicy
		restart bool
	}{
		{name: "never after failure", script: "exit 1", policy: procfile.RestartNever, restart: false},
		{name: "on-failure after success", script: "exit 0", policy: procfile.RestartOnFailure, restart: false},
		{name: "on-failure after signal", script: "kill -TERM $$", policy: procfile.RestartOnFailure, restart: true},
		{name: "always after success", script: "exit 0", policy: procfile.RestartAlways, restart: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			spec := shSpec("p", tt.script)
			spec.Restart = tt.policy

			h := newHarness(t, []procfile.Spec{spec}, WithBackoff(10*time.Millisecond, 10*time.Millisecond, time.Minute))

			if err := h.sup.Start(h.ctx(), "p"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			h.waitTerminal("p")

			if tt.restart {
				h.waitFor("restart", func([]event.Event) bool {
					return countKind(h.changes("p"), state.Starting) >= 2
				})

				return
			}

			time.Sleep(200 * time.Millisecond)

			if got := countKind(h.changes("p"), state.Starting); got != 1 {
				t.Fatalf("Starting transitions = %d, want 1", got)
			}

			if !h.sup.Settled() {
				t.Fatal("Settled() = false, want true")
			}
		})
	}
}

func TestExplicitStopSuppressesRestart(t *testing.T) {
	t.Parallel()

	spec := shSpec("svc", "exec sleep 30")
	spec.Restart = procfile.RestartAlways

	h := newHarness(t, []procfile.Spec{spec}, WithBackoff(10*time.Millisecond, 10*time.Millisecond, time.Minute))

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "svc"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitRunning("svc")

	if err := h.sup.Stop(ctx, "svc"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	h.waitTerminal("svc")
	time.Sleep(150 * time.Millisecond)

	if got := countKind(h.changes("svc"), state.Starting); got != 1 {
		t.Fatalf("Starting transitions = %d, want 1", got)
	}
}

func TestSpawnFailureIsCrashedAndNotRestarted(t *testing.T) {
	t.Parallel()

	spec := procfile.Spec{
		Name:      "ghost",
		Command:   "procmux-no-such-binary",
		Restart:   procfile.RestartAlways,
		Autostart: true,
	}

	var hookCalls atomic.Int32

	h := newHarness(t, []procfile.Spec{spec},
		WithBackoff(10*time.Millisecond, 10*time.Millisecond, time.Minute),
		WithSpawnHook(func(procfile.Spec, int) { hookCalls.Add(1) }),
	)

	err := h.sup.Start(h.ctx(), "ghost")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Start() error = %v, want ErrSpawnFailed", err)
	}

	final := h.waitTerminal("ghost")
	if final.Kind != state.Crashed || final.SpawnErr == nil {
		t.Fatalf("final state = %v, want crashed with spawn error", final)
	}

	time.Sleep(100 * time.Millisecond)

	changes := h.changes("ghost")
	checkTransitions(t, changes)

	if got := countKind(changes, state.Starting); got != 1 {
		t.Fatalf("Starting transitions = %d, want 1", got)
	}

	if hookCalls.Load() != 1 {
		t.Fatalf("spawn hook calls = %d, want 1", hookCalls.Load())
	}
}

func TestWaitForMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{
		shSpec("server", "echo booting; sleep 0.1; echo listening on 8080; exec sleep 30"),
		shSpec("dies", "sleep 0.2; echo bye"),
	})

	ctx := h.ctx()

	matched := make(chan error, 1)
	go func() {
		matched <- h.sup.WaitForMatch(ctx, "server", regexp.MustCompile(`listening on \d+`))
	}()

	unexpected := make(chan error, 1)
	go func() {
		unexpected <- h.sup.WaitForMatch(ctx, "dies", regexp.MustCompile("never printed"))
	}()

	// Registration happens before the processes start.
	time.Sleep(20 * time.Millisecond)

	for _, name := range []string{"server", "dies"} {
		if err := h.sup.Start(ctx, name); err != nil {
			t.Fatalf("Start(%s) error = %v", name, err)
		}
	}

	if err := <-matched; err != nil {
		t.Fatalf("WaitForMatch(server) error = %v", err)
	}

	if err := <-unexpected; !errors.Is(err, ErrUnexpectedExit) {
		t.Fatalf("WaitForMatch(dies) error = %v, want ErrUnexpectedExit", err)
	}

	if err := h.sup.WaitForMatch(ctx, "nope", regexp.MustCompile("x")); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("WaitForMatch(nope) error = %v, want ErrUnknownProcess", err)
	}
}

func TestStartAllHonorsReadiness(t *testing.T) {
	t.Parallel()

	db := shSpec("db", "sleep 0.2; echo database ready; exec sleep 30")
	db.ReadyPattern = regexp.MustCompile("ready")

	api := shSpec("api", "exec sleep 30")
	api.After = []string{"db"}

	web := shSpec("web", "exec sleep 30")
	web.After = []string{"api"}

	manual := shSpec("manual", "exec sleep 30")
	manual.Autostart = false

	h := newHarness(t, []procfile.Spec{web, api, db, manual})

	if err := h.sup.StartAll(h.ctx()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	h.waitRunning("web")

	seqOf := func(pred func(event.Event) bool) uint64 {
		for _, ev := range h.snapshot() {
			if pred(ev) {
				return ev.Seq
			}
		}

		return 0
	}

	ready := seqOf(func(ev event.Event) bool {
		out, ok := ev.Payload.(event.Output)
		return ok && out.Process == "db" && out.Line.Text == "database ready"
	})

	starting := func(name string) func(event.Event) bool {
		return func(ev event.Event) bool {
			sc, ok := ev.Payload.(event.StateChanged)
			return ok && sc.Process == name && sc.New.Kind == state.Starting
		}
	}

	apiStart := seqOf(starting("api"))
	webStart := seqOf(starting("web"))

	if ready == 0 || apiStart < ready || webStart < apiStart {
		t.Fatalf("seq ready=%d api=%d web=%d, want db ready before api before web", ready, apiStart, webStart)
	}

	if got := len(h.changes("manual")); got != 0 {
		t.Fatalf("manual process changed state %d times, want 0", got)
	}
}

func TestStartAllSkipsDependentsOfFailedProcess(t *testing.T) {
	t.Parallel()

	db := shSpec("db", "exit 1")
	db.ReadyPattern = regexp.MustCompile("ready")

	api := shSpec("api", "exec sleep 30")
	api.After = []string{"db"}

	h := newHarness(t, []procfile.Spec{db, api})

	if err := h.sup.StartAll(h.ctx()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	h.waitFor("dependency failure", func(evs []event.Event) bool {
		for _, ev := range evs {
			if uc, ok := ev.Payload.(event.UserCommand); ok && uc.Target == "api" && errors.Is(uc.Err, ErrDependencyFailed) {
				return true
			}
		}

		return false
	})

	h.waitFor("settled", func([]event.Event) bool { return h.sup.Settled() })

	if got := len(h.changes("api")); got != 0 {
		t.Fatalf("api changed state %d times, want 0", got)
	}
}

func TestStartAllIsolatesSpawnFailures(t *testing.T) {
	t.Parallel()

	bad := procfile.Spec{Name: "bad", Command: "procmux-no-such-binary", Autostart: true}

	h := newHarness(t, []procfile.Spec{bad, shSpec("good", "exec sleep 30")})

	err := h.sup.StartAll(h.ctx())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("StartAll() error = %v, want ErrSpawnFailed", err)
	}

	h.waitRunning("good")
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 60, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.attempt), func(t *testing.T) {
			if got := Backoff(time.Second, 30*time.Second, tt.attempt); got != tt.want {
				t.Fatalf("Backoff(1s, 30s, %d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	if got := Backoff(0, time.Second, 3); got != 0 {
		t.Fatalf("Backoff(0, 1s, 3) = %v, want 0", got)
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	bus, _ := event.NewBus(1)

	if _, err := New([]procfile.Spec{shSpec("a", "true"), shSpec("a", "true")}, bus); err == nil {
		t.Fatal("New() error = nil, want duplicate name error")
	}
}

func TestOperationsAfterRunStops(t *testing.T) {
	t.Parallel()

	bus, _ := event.NewBus(16)

	sup, err := New([]procfile.Spec{shSpec("a", "true")}, bus)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sup.Run(ctx) }()

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if err := sup.Start(context.Background(), "a"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() after Run returned error = %v, want ErrStopped", err)
	}

	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("second Run() error = nil, want error")
	}
}
