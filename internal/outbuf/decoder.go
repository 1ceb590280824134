package outbuf

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxLineBytes bounds a single line before it is split.
const DefaultMaxLineBytes = 64 * 1024

// Decoder turns raw byte chunks from one stream into Lines.
//
// Lines are split on '\n'; a trailing '\r' is removed. Lines longer than the
// configured maximum are emitted in pieces rather than dropped. Invalid UTF-8
// is replaced with U+FFFD. Flush emits whatever is left after EOF.
type Decoder struct {
	process  string
	stream   Stream
	maxBytes int
	now      func() time.Time

	pending []byte
}

// NewDecoder creates a decoder for the given process stream.
// A non-positive maxLineBytes selects DefaultMaxLineBytes.
func NewDecoder(process string, stream Stream, maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}

	return &Decoder{
		process:  process,
		stream:   stream,
		maxBytes: maxLineBytes,
		now:      time.Now,
	}
}

// Write feeds a chunk and returns the complete lines it produced.
func (d *Decoder) Write(chunk []byte) []Line {
	var out []Line

	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			d.pending = append(d.pending, chunk...)
			chunk = nil

			break
		}

		d.pending = append(d.pending, chunk[:idx]...)
		chunk = chunk[idx+1:]

		out = d.appendOverlong(out)
		out = append(out, d.build(bytes.TrimSuffix(d.pending, []byte{'\r'}), false))
		d.pending = d.pending[:0]
	}

	return d.appendOverlong(out)
}

// Flush returns the buffered partial line, if any, and resets the decoder.
func (d *Decoder) Flush() (Line, bool) {
	if len(d.pending) == 0 {
		return Line{}, false
	}

	line := d.build(bytes.TrimSuffix(d.pending, []byte{'\r'}), true)
	d.pending = d.pending[:0]

	return line, true
}

// appendOverlong splits pending data that exceeds the line limit.
func (d *Decoder) appendOverlong(out []Line) []Line {
	for len(d.pending) > d.maxBytes {
		cut := d.maxBytes
		// Avoid splitting a multi-byte rune in two.
		for cut > 0 && !utf8.RuneStart(d.pending[cut]) {
			cut--
		}

		if cut == 0 {
			cut = d.maxBytes
		}

		out = append(out, d.build(d.pending[:cut], false))
		d.pending = append(d.pending[:0], d.pending[cut:]...)
	}

	return out
}

func (d *Decoder) build(raw []byte, partial bool) Line {
	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	return Line{
		Time:    d.now(),
		Process: d.process,
		Stream:  d.stream,
		Text:    text,
		Partial: partial,
	}
}
