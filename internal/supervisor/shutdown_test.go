package supervisor

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/proc"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/state"
)

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()

	stubborn := shSpec("stubborn", "trap '' TERM; echo ready; while :; do sleep 1; done")
	stubborn.GracePeriod = 300 * time.Millisecond

	h := newHarness(t, []procfile.Spec{
		shSpec("polite", "exec sleep 30"),
		stubborn,
		shSpec("idle", "exit 0"),
	})

	ctx := h.ctx()

	for _, name := range []string{"polite", "stubborn"} {
		if err := h.sup.Start(ctx, name); err != nil {
			t.Fatalf("Start(%s) error = %v", name, err)
		}
	}

	h.waitFor("stubborn ready", func(evs []event.Event) bool {
		for _, ev := range evs {
			if out, ok := ev.Payload.(event.Output); ok && out.Process == "stubborn" && out.Line.Text == "ready" {
				return true
			}
		}

		return false
	})

	pids := map[string]int{}

	statuses, err := h.sup.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	for _, st := range statuses {
		if st.State.Kind == state.Running {
			pids[st.Name] = st.State.PID
		}
	}

	report, err := NewCoordinator(h.sup).Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if !slices.Equal(report.Stopped, []string{"polite"}) || !slices.Equal(report.Forced, []string{"stubborn"}) {
		t.Fatalf("Shutdown() report = %+v, want polite stopped and stubborn forced", report)
	}

	if report.Clean() {
		t.Fatal("Clean() = true, want false")
	}

	for name, pid := range pids {
		if proc.Alive(pid) {
			t.Fatalf("%s (pid %d) alive after shutdown", name, pid)
		}
	}

	if !h.sup.Settled() {
		t.Fatal("Settled() = false after shutdown")
	}

	if err := h.sup.Start(ctx, "idle"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start() during shutdown error = %v, want ErrShuttingDown", err)
	}

	if err := h.sup.Restart(ctx, "polite"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Restart() during shutdown error = %v, want ErrShuttingDown", err)
	}

	if got := len(h.changes("idle")); got != 0 {
		t.Fatalf("idle changed state %d times, want 0", got)
	}
}

func TestShutdownCancelsPendingRestart(t *testing.T) {
	t.Parallel()

	spec := shSpec("flaky", "exit 1")
	spec.Restart = procfile.RestartAlways

	h := newHarness(t, []procfile.Spec{spec}, WithBackoff(time.Hour, time.Hour, time.Minute))

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "flaky"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.waitFor("restart pending", func([]event.Event) bool {
		changes := h.changes("flaky")
		return len(changes) > 0 && changes[len(changes)-1].RestartPending
	})

	if h.sup.Settled() {
		t.Fatal("Settled() = true with a restart pending")
	}

	report, err := NewCoordinator(h.sup).Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if len(report.Stopped)+len(report.Forced) != 0 {
		t.Fatalf("Shutdown() report = %+v, want nothing to stop", report)
	}

	changes := h.changes("flaky")
	if last := changes[len(changes)-1]; last.RestartPending {
		t.Fatalf("last change %+v still has a restart pending", last)
	}

	if !h.sup.Settled() {
		t.Fatal("Settled() = false after shutdown")
	}
}

func TestShutdownKillsLeftoverGroupMembers(t *testing.T) {
	t.Parallel()

	// The child ignores TERM and outlives its parent shell.
	spec := shSpec("parent", "(trap '' TERM; exec sleep 30) & echo $!; wait")
	h := newHarness(t, []procfile.Spec{spec})

	ctx := h.ctx()
	if err := h.sup.Start(ctx, "parent"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	running := h.waitRunning("parent")

	h.waitFor("child pid", func(evs []event.Event) bool {
		for _, ev := range evs {
			if _, ok := ev.Payload.(event.Output); ok {
				return true
			}
		}

		return false
	})

	if _, err := NewCoordinator(h.sup).Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for proc.GroupAlive(running.PID) {
		if time.Now().After(deadline) {
			t.Fatalf("process group %d alive after shutdown", running.PID)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownWithNothingRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []procfile.Spec{shSpec("a", "true")})

	report, err := NewCoordinator(h.sup).Shutdown(h.ctx())
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if !report.Clean() || len(report.Stopped) != 0 {
		t.Fatalf("Shutdown() report = %+v, want empty", report)
	}
}
