package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/procfile"
	"github.com/tstat/process-muxer/internal/state"
)

const waitTimeout = 10 * time.Second

func shSpec(name, script string) procfile.Spec {
	return procfile.Spec{
		Name:      name,
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Restart:   procfile.RestartNever,
		Autostart: true,
	}
}

// harness runs a supervisor against a real bus and records every event.
type harness struct {
	t   *testing.T
	sup *Supervisor
	bus *event.Bus

	mu     sync.Mutex
	events []event.Event
}

func newHarness(t *testing.T, specs []procfile.Spec, opts ...Option) *harness {
	t.Helper()

	bus, err := event.NewBus(1024)
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}

	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGracePeriod(2 * time.Second),
		WithDrainTimeout(200 * time.Millisecond),
	}, opts...)

	sup, err := New(specs, bus, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h := &harness{t: t, sup: sup, bus: bus}

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(runDone)
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)

		for {
			batch := bus.Drain()
			if len(batch) > 0 {
				h.mu.Lock()
				h.events = append(h.events, batch...)
				h.mu.Unlock()
			}

			if err := bus.Wait(context.Background()); err != nil {
				h.mu.Lock()
				h.events = append(h.events, bus.Drain()...)
				h.mu.Unlock()

				return
			}
		}
	}()

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), waitTimeout)
		defer shutdownCancel()

		_, _ = NewCoordinator(sup).Shutdown(shutdownCtx)
		cancel()
		<-runDone
		bus.Close()
		<-consumerDone
	})

	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	h.t.Cleanup(cancel)

	return ctx
}

func (h *harness) snapshot() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]event.Event, len(h.events))
	copy(out, h.events)

	return out
}

// changes returns the StateChanged payloads recorded for name.
func (h *harness) changes(name string) []event.StateChanged {
	var out []event.StateChanged

	for _, ev := range h.snapshot() {
		if sc, ok := ev.Payload.(event.StateChanged); ok && sc.Process == name {
			out = append(out, sc)
		}
	}

	return out
}

// waitFor polls the recorded events until cond holds.
func (h *harness) waitFor(desc string, cond func([]event.Event) bool) []event.Event {
	h.t.Helper()

	deadline := time.Now().Add(waitTimeout)

	for {
		evs := h.snapshot()
		if cond(evs) {
			return evs
		}

		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; recorded %d events", desc, len(evs))
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// waitState waits until name reaches a state matching pred and returns it.
func (h *harness) waitState(name string, desc string, pred func(state.State) bool) state.State {
	h.t.Helper()

	var got state.State

	h.waitFor(name+" "+desc, func(evs []event.Event) bool {
		for _, ev := range evs {
			if sc, ok := ev.Payload.(event.StateChanged); ok && sc.Process == name && pred(sc.New) {
				got = sc.New
				return true
			}
		}

		return false
	})

	return got
}

func (h *harness) waitTerminal(name string) state.State {
	h.t.Helper()
	return h.waitState(name, "terminal", state.State.Terminal)
}

func (h *harness) waitRunning(name string) state.State {
	h.t.Helper()
	return h.waitState(name, "running", func(s state.State) bool { return s.Kind == state.Running })
}

func countKind(changes []event.StateChanged, kind state.Kind) int {
	var n int

	for _, c := range changes {
		if c.New.Kind == kind && c.Old.Kind != kind {
			n++
		}
	}

	return n
}

// checkTransitions asserts the recorded state stream for name is continuous
// and only takes legal steps.
func checkTransitions(t *testing.T, changes []event.StateChanged) {
	t.Helper()

	legal := map[state.Kind][]state.Kind{
		state.NotStarted: {state.Starting},
		state.Starting:   {state.Running, state.Crashed},
		state.Running:    {state.Stopping, state.Exited, state.Crashed},
		state.Stopping:   {state.Exited, state.Crashed},
		state.Exited:     {state.Starting},
		state.Crashed:    {state.Starting},
	}

	prev := state.State{}

	for i, c := range changes {
		if c.Old.Kind != prev.Kind {
			t.Fatalf("change %d: Old = %v, want previous New %v", i, c.Old.Kind, prev.Kind)
		}

		if c.Old.Kind != c.New.Kind {
			ok := false
			for _, next := range legal[c.Old.Kind] {
				ok = ok || next == c.New.Kind
			}

			if !ok {
				t.Fatalf("change %d: illegal transition %v -> %v", i, c.Old.Kind, c.New.Kind)
			}
		}

		prev = c.New
	}
}
