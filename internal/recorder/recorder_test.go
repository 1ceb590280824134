package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/state"
)

func output(seq uint64, process, text string) event.Event {
	return event.Event{
		Seq:  seq,
		Time: time.Now(),
		Payload: event.Output{
			Process: process,
			Line:    outbuf.Line{Process: process, Stream: outbuf.Stdout, Text: text},
		},
	}
}

func TestRecorderWritesPerProcessFiles(t *testing.T) {
	tmp := t.TempDir()

	r, err := New(Options{SessionID: "s-1", Dir: tmp, Processes: []string{"api", "web"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.HandleEvent(event.Event{Seq: 1, Payload: event.StateChanged{
		Process: "api",
		New:     state.NewRunning(42),
	}})
	r.HandleEvent(output(2, "api", "listening"))
	r.HandleEvent(output(3, "web", "compiled"))
	r.HandleEvent(output(4, "ghost", "ignored"))
	r.HandleEvent(event.Event{Seq: 5, Payload: event.UserCommand{
		Command: event.CommandStop,
		Target:  "api",
		Err:     errors.New("process not running"),
	}})
	r.HandleEvent(event.Event{Seq: 6, Payload: event.Tick{}})

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs, err := ReadRecords(tmp, "s-1", "api")
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}

	if len(recs) != 3 {
		t.Fatalf("ReadRecords(api) len = %d, want 3", len(recs))
	}

	if recs[0].Kind != "state" || recs[0].State != "running" || recs[0].Detail != "running (pid 42)" {
		t.Fatalf("record 0 = %+v", recs[0])
	}

	if recs[1].Text != "listening" || recs[1].Stream != "stdout" || recs[1].Seq != 2 {
		t.Fatalf("record 1 = %+v", recs[1])
	}

	if recs[2].Command != "stop" || recs[2].Error != "process not running" {
		t.Fatalf("record 2 = %+v", recs[2])
	}

	names, err := RecordedProcesses(tmp, "s-1")
	if err != nil {
		t.Fatalf("RecordedProcesses() error = %v", err)
	}

	if len(names) != 2 || names[0] != "api" || names[1] != "web" {
		t.Fatalf("RecordedProcesses() = %v, want [api web]", names)
	}
}

func TestListSessions(t *testing.T) {
	tmp := t.TempDir()

	for _, id := range []string{"first", "second"} {
		r, err := New(Options{SessionID: id, Dir: tmp})
		if err != nil {
			t.Fatalf("New(%s) error = %v", id, err)
		}

		if err := r.Close(); err != nil {
			t.Fatalf("Close(%s) error = %v", id, err)
		}

		time.Sleep(5 * time.Millisecond)
	}

	// Directories without metadata are not sessions.
	if err := os.Mkdir(filepath.Join(tmp, "stray"), 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	list, err := ListSessions(tmp)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}

	if len(list) != 2 || list[0].SessionID != "second" || list[1].SessionID != "first" {
		t.Fatalf("ListSessions() = %+v, want [second first]", list)
	}

	if list[0].ClosedAt == nil {
		t.Fatal("closed session has no ClosedAt")
	}

	missing, err := ListSessions(filepath.Join(tmp, "missing"))
	if err != nil || missing != nil {
		t.Fatalf("ListSessions(missing) = %v, %v, want nil, nil", missing, err)
	}
}

func TestInvalidNames(t *testing.T) {
	tmp := t.TempDir()

	for _, id := range []string{"", "../escape", "a/b"} {
		if _, err := New(Options{SessionID: id, Dir: tmp}); err == nil {
			t.Errorf("New(%q) error = nil, want error", id)
		}
	}

	if _, err := ReadRecords(tmp, "s-1", "../api"); err == nil {
		t.Error("ReadRecords(../api) error = nil, want error")
	}
}

func TestFlushMakesOutputVisible(t *testing.T) {
	tmp := t.TempDir()

	r, err := New(Options{SessionID: "live", Dir: tmp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Cleanup(func() { _ = r.Close() })

	r.HandleEvent(output(1, "api", "buffered"))

	if err := r.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	recs, err := ReadRecords(tmp, "live", "api")
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}

	if len(recs) != 1 || recs[0].Text != "buffered" {
		t.Fatalf("ReadRecords() = %+v", recs)
	}

	if r.Err() != nil {
		t.Fatalf("Err() = %v, want nil", r.Err())
	}
}
