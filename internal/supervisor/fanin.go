package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/proc"
)

const readChunk = 32 * 1024

// attach starts the output readers and the exit waiter for a new instance.
func (s *Supervisor) attach(name string, instance uint64, h *proc.Handle) {
	ctx := s.runCtx

	var readers sync.WaitGroup

	streams := []struct {
		stream outbuf.Stream
		r      io.Reader
	}{
		{outbuf.Stdout, h.Stdout()},
		{outbuf.Stderr, h.Stderr()},
	}

	for _, st := range streams {
		if st.r == nil {
			continue
		}

		readers.Add(1)

		go func() {
			defer readers.Done()
			s.readStream(ctx, name, st.stream, st.r)
		}()
	}

	go s.awaitExit(name, instance, h, &readers)
}

// readStream publishes every line of r until EOF. Publishing blocks while
// the bus is full, which in turn stalls the child once its pipe fills.
func (s *Supervisor) readStream(ctx context.Context, name string, stream outbuf.Stream, r io.Reader) {
	dec := outbuf.NewDecoder(name, stream, s.cfg.maxLineBytes)
	buf := make([]byte, readChunk)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range dec.Write(buf[:n]) {
				s.emitLine(ctx, line)
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output stream ended with error",
					slog.String("process.name", name),
					slog.String("process.stream", stream.String()),
					slog.String("error", err.Error()),
				)
			}

			break
		}
	}

	if line, ok := dec.Flush(); ok {
		s.emitLine(ctx, line)
	}

	s.publish(ctx, event.StreamClosed{Process: name, Stream: stream})
}

func (s *Supervisor) emitLine(ctx context.Context, line outbuf.Line) {
	s.publish(ctx, event.Output{Process: line.Process, Line: line})
	s.watchers.line(line.Process, line.Text)
}

// awaitExit reports the termination of h once its output has drained, so
// the last lines of a process are published before its terminal state.
func (s *Supervisor) awaitExit(name string, instance uint64, h *proc.Handle, readers *sync.WaitGroup) {
	<-h.Done()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.cfg.drainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Debug("output still open after exit",
			slog.String("event.type", "process.drain.timeout"),
			slog.String("process.name", name),
		)
	}
	timer.Stop()

	// Unblocks readers held open by descendants that outlived the process.
	if err := h.Close(); err != nil {
		s.logger.Debug("close process handle", slog.String("process.name", name), slog.String("error", err.Error()))
	}

	select {
	case s.exits <- exitMsg{name: name, instance: instance, result: h.Result()}:
	case <-s.stopped:
	}
}
