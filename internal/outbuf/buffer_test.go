package outbuf

import (
	"fmt"
	"testing"
)

func line(text string) Line {
	return Line{Process: "p", Stream: Stdout, Text: text}
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}

	return out
}

func TestBufferKeepsLastCapacityLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		appends  int
		want     []string
		evicted  uint64
	}{
		{name: "empty", capacity: 3, appends: 0, want: []string{}, evicted: 0},
		{name: "under capacity", capacity: 3, appends: 2, want: []string{"0", "1"}, evicted: 0},
		{name: "exactly full", capacity: 3, appends: 3, want: []string{"0", "1", "2"}, evicted: 0},
		{name: "wrapped once", capacity: 3, appends: 4, want: []string{"1", "2", "3"}, evicted: 1},
		{name: "wrapped many", capacity: 3, appends: 10, want: []string{"7", "8", "9"}, evicted: 7},
		{name: "capacity one", capacity: 1, appends: 5, want: []string{"4"}, evicted: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := New(tt.capacity)
			for i := range tt.appends {
				b.Append(line(fmt.Sprint(i)))

				if b.Len() > b.Cap() {
					t.Fatalf("Len() = %d exceeds Cap() = %d", b.Len(), b.Cap())
				}
			}

			got := texts(b.Lines())
			if len(got) != len(tt.want) {
				t.Fatalf("Lines() = %v, want %v", got, tt.want)
			}

			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Lines() = %v, want %v", got, tt.want)
				}
			}

			if b.Evicted() != tt.evicted {
				t.Fatalf("Evicted() = %d, want %d", b.Evicted(), tt.evicted)
			}
		})
	}
}

func TestBufferDefaultCapacity(t *testing.T) {
	t.Parallel()

	if got := New(0).Cap(); got != DefaultCapacity {
		t.Fatalf("New(0).Cap() = %d, want %d", got, DefaultCapacity)
	}

	if got := New(-4).Cap(); got != DefaultCapacity {
		t.Fatalf("New(-4).Cap() = %d, want %d", got, DefaultCapacity)
	}
}

func TestBufferTailAndSlice(t *testing.T) {
	t.Parallel()

	b := New(4)
	for i := range 6 {
		b.Append(line(fmt.Sprint(i)))
	}

	if got := texts(b.Tail(2)); fmt.Sprint(got) != "[4 5]" {
		t.Fatalf("Tail(2) = %v, want [4 5]", got)
	}

	if got := texts(b.Tail(10)); fmt.Sprint(got) != "[2 3 4 5]" {
		t.Fatalf("Tail(10) = %v, want [2 3 4 5]", got)
	}

	if got := texts(b.Slice(1, 3)); fmt.Sprint(got) != "[3 4]" {
		t.Fatalf("Slice(1, 3) = %v, want [3 4]", got)
	}

	if got := b.Slice(3, 1); got != nil {
		t.Fatalf("Slice(3, 1) = %v, want nil", got)
	}
}

func TestBufferStoredLinesAreNotMutated(t *testing.T) {
	t.Parallel()

	b := New(2)
	b.Append(line("a"))

	got := b.Lines()
	got[0].Text = "changed"

	if b.At(0).Text != "a" {
		t.Fatalf("At(0).Text = %q, want %q", b.At(0).Text, "a")
	}
}

func TestBufferReset(t *testing.T) {
	t.Parallel()

	b := New(2)
	b.Append(line("a"))
	b.Append(line("b"))
	b.Append(line("c"))
	b.Reset()

	if b.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", b.Len())
	}

	if b.Evicted() != 1 {
		t.Fatalf("Evicted() after Reset = %d, want 1", b.Evicted())
	}

	b.Append(line("d"))

	if got := texts(b.Lines()); fmt.Sprint(got) != "[d]" {
		t.Fatalf("Lines() = %v, want [d]", got)
	}
}

func TestStreamString(t *testing.T) {
	t.Parallel()

	if Stdout.String() != "stdout" || Stderr.String() != "stderr" {
		t.Fatalf("Stream.String() = %q/%q", Stdout.String(), Stderr.String())
	}
}
