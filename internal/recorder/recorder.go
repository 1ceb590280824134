// Package recorder writes a session's events to disk as one NDJSON file per
// process, so a run can be inspected after procmux exits.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/paths"
)

const (
	metaFileName  = "meta.json"
	fileExtension = ".ndjson"
)

// Record is one line of a process recording.
type Record struct {
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Stream  string    `json:"stream,omitempty"`
	Text    string    `json:"text,omitempty"`
	Partial bool      `json:"partial,omitempty"`
	State   string    `json:"state,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Command string    `json:"command,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Meta stores session metadata for discovery.
type Meta struct {
	SessionID string     `json:"sessionId"`
	StartedAt time.Time  `json:"startedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	Processes []string   `json:"processes"`
}

// Options controls where a recording is written.
type Options struct {
	SessionID string
	// Dir is the parent of the session directory; paths.RecordingsDir when empty.
	Dir       string
	Processes []string
	Logger    *slog.Logger
}

// Recorder is an event.Hook that appends every process event to
// <dir>/<session>/<process>.ndjson. It runs in the consumer goroutine;
// the mutex only guards against a concurrent Close.
type Recorder struct {
	mu sync.Mutex

	sessionID string
	dir       string
	startedAt time.Time
	processes []string
	logger    *slog.Logger

	files   map[string]*os.File
	writers map[string]*bufio.Writer

	err    error
	closed bool
}

var _ event.Hook = (*Recorder)(nil)

// New creates the session directory and its metadata file.
func New(opts Options) (*Recorder, error) {
	if err := validateSessionID(opts.SessionID); err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		var err error

		dir, err = paths.RecordingsDir()
		if err != nil {
			return nil, fmt.Errorf("resolve recordings directory: %w", err)
		}
	}

	sessionDir := filepath.Join(dir, opts.SessionID)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		sessionID: opts.SessionID,
		dir:       sessionDir,
		startedAt: time.Now().UTC(),
		processes: append([]string(nil), opts.Processes...),
		logger:    logger.With(slog.String("component", "recorder")),
		files:     make(map[string]*os.File),
		writers:   make(map[string]*bufio.Writer),
	}

	if err := r.writeMeta(nil); err != nil {
		return nil, err
	}

	return r, nil
}

// Dir returns the session directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// HandleEvent records ev if it concerns one of the session's processes. Write failures stop the
// recording; they are logged once and reported by Err and Close.
func (r *Recorder) HandleEvent(ev event.Event) {
	process, rec, ok := toRecord(ev)
	if !ok || (len(r.processes) > 0 && !slices.Contains(r.processes, process)) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}

	if err := r.writeLocked(process, rec); err != nil {
		r.err = err
		r.logger.Warn("recording stopped",
			slog.String("event.type", "recorder.write.failed"),
			slog.String("process.name", process),
			slog.String("error", err.Error()),
		)
	}
}

// Flush writes buffered records of every process to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, w := range r.writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Err returns the first write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// Close flushes and closes every file and stamps the metadata.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	var errs []error
	if r.err != nil {
		errs = append(errs, r.err)
	}

	for name, w := range r.writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", name, err))
		}
	}

	for name, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	now := time.Now().UTC()
	if err := r.writeMeta(&now); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Recorder) writeLocked(process string, rec Record) error {
	w, err := r.writerLocked(process)
	if err != nil {
		return err
	}

	line, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	// State changes are rare; flushing them keeps a crashed session readable.
	if rec.Kind != (event.Output{}).Kind() {
		return w.Flush()
	}

	return nil
}

func (r *Recorder) writerLocked(process string) (*bufio.Writer, error) {
	if w, ok := r.writers[process]; ok {
		return w, nil
	}

	if err := validateName(process); err != nil {
		return nil, err
	}

	path := filepath.Join(r.dir, process+fileExtension)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // name validated above
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	w := bufio.NewWriterSize(f, 64*1024)
	r.files[process] = f
	r.writers[process] = w

	return w, nil
}

func (r *Recorder) writeMeta(closedAt *time.Time) error {
	data, err := json.Marshal(&Meta{
		SessionID: r.sessionID,
		StartedAt: r.startedAt,
		ClosedAt:  closedAt,
		Processes: r.processes,
	})
	if err != nil {
		return fmt.Errorf("marshal recording meta: %w", err)
	}

	if err := os.WriteFile(filepath.Join(r.dir, metaFileName), data, 0o600); err != nil {
		return fmt.Errorf("write recording meta: %w", err)
	}

	return nil
}

func toRecord(ev event.Event) (string, Record, bool) {
	rec := Record{Seq: ev.Seq, TS: ev.Time.UTC(), Kind: ev.Kind()}

	switch p := ev.Payload.(type) {
	case event.Output:
		rec.Stream = p.Line.Stream.String()
		rec.Text = p.Line.Text
		rec.Partial = p.Line.Partial

		return p.Process, rec, true
	case event.StateChanged:
		rec.State = p.New.Kind.String()
		rec.Detail = p.New.String()

		return p.Process, rec, true
	case event.StreamClosed:
		rec.Stream = p.Stream.String()

		return p.Process, rec, true
	case event.UserCommand:
		if p.Target == "" {
			return "", rec, false
		}

		rec.Command = string(p.Command)
		if p.Err != nil {
			rec.Error = p.Err.Error()
		}

		return p.Target, rec, true
	default:
		return "", rec, false
	}
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	if err := validateName(sessionID); err != nil {
		return errors.New("invalid session id")
	}

	return nil
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid recording name %q", name)
	}

	return nil
}
