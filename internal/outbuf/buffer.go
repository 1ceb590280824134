// Package outbuf holds decoded child output.
//
// A Buffer is a bounded, append-only ring of Lines for one process. Once the
// configured capacity is reached every append evicts the oldest line, so
// memory stays bounded no matter how much a child writes.
//
// Buffers are not safe for concurrent use; each one is owned by exactly one
// goroutine (the renderer loop).
package outbuf

import "time"

// DefaultCapacity is the number of lines kept per process when no override is set.
const DefaultCapacity = 5000

// Stream identifies which child pipe a line came from.
type Stream uint8

// Stream values.
const (
	Stdout Stream = iota
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Line is one decoded line of child output. Lines are immutable once built.
type Line struct {
	Time    time.Time
	Process string
	Stream  Stream
	Text    string
	// Partial is set when the line was flushed at EOF without a terminator.
	Partial bool
}

// Buffer is a FIFO ring of Lines with a fixed capacity.
type Buffer struct {
	lines   []Line
	start   int
	count   int
	evicted uint64
}

// New returns an empty buffer holding at most capacity lines.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Buffer{lines: make([]Line, capacity)}
}

// Cap returns the maximum number of lines kept.
func (b *Buffer) Cap() int {
	return len(b.lines)
}

// Len returns the number of lines currently stored.
func (b *Buffer) Len() int {
	return b.count
}

// Evicted returns how many lines have been dropped to respect the capacity.
func (b *Buffer) Evicted() uint64 {
	return b.evicted
}

// Append stores line, evicting the oldest line when the buffer is full.
func (b *Buffer) Append(line Line) {
	capacity := len(b.lines)

	if b.count < capacity {
		b.lines[(b.start+b.count)%capacity] = line
		b.count++

		return
	}

	b.lines[b.start] = line
	b.start = (b.start + 1) % capacity
	b.evicted++
}

// At returns the i-th stored line, oldest first. It panics when i is out of range.
func (b *Buffer) At(i int) Line {
	if i < 0 || i >= b.count {
		panic("outbuf: index out of range")
	}

	return b.lines[(b.start+i)%len(b.lines)]
}

// Slice copies the lines in [from, to) oldest first. Bounds are clamped.
func (b *Buffer) Slice(from, to int) []Line {
	from = max(from, 0)
	to = min(to, b.count)

	if from >= to {
		return nil
	}

	out := make([]Line, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.At(i))
	}

	return out
}

// Tail returns up to n most recent lines, oldest first.
func (b *Buffer) Tail(n int) []Line {
	return b.Slice(b.count-n, b.count)
}

// Lines returns a copy of every stored line, oldest first.
func (b *Buffer) Lines() []Line {
	return b.Slice(0, b.count)
}

// Reset drops every stored line. The eviction counter is kept.
func (b *Buffer) Reset() {
	clear(b.lines)
	b.start = 0
	b.count = 0
}
