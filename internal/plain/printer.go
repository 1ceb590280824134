// Package plain renders the event stream as prefixed lines for terminals
// that cannot host the interactive UI, or when it was turned off.
package plain

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/tstat/process-muxer/internal/ansi"
	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/output"
	"github.com/tstat/process-muxer/internal/state"
)

// Printer writes one line per output line, state change and rejected
// command. It implements event.Hook.
type Printer struct {
	out    io.Writer
	color  bool
	width  int
	colors map[string]*color.Color
	dim    *color.Color
	err    error
}

// NewPrinter returns a printer for the named processes. Names are padded to
// a common width; each gets a color from the process palette when color is
// on. Child escape sequences are stripped when it is off.
func NewPrinter(out io.Writer, names []string, colorOn bool) *Printer {
	p := &Printer{
		out:    out,
		color:  colorOn,
		colors: make(map[string]*color.Color, len(names)),
		dim:    color.New(color.FgHiBlack),
	}

	if colorOn {
		p.dim.EnableColor()
	}

	for i, name := range names {
		p.width = max(p.width, ansi.Width(name))

		c := output.ProcessColor(i)
		if colorOn {
			c.EnableColor()
		}

		p.colors[name] = c
	}

	return p
}

// Err returns the first write error.
func (p *Printer) Err() error {
	return p.err
}

// HandleEvent implements event.Hook.
func (p *Printer) HandleEvent(ev event.Event) {
	switch e := ev.Payload.(type) {
	case event.Output:
		text := e.Line.Text
		if !p.color {
			text = ansi.Strip(text)
		}

		p.line(e.Process, text)
	case event.StateChanged:
		if e.New.Kind == state.Starting {
			return
		}

		msg := e.New.String()
		if e.RestartPending {
			msg += ", restart pending"
		}

		p.line(e.Process, p.muted(msg))
	case event.UserCommand:
		if e.Err != nil {
			p.line(e.Target, p.muted(fmt.Sprintf("%s failed: %v", e.Command, e.Err)))
		}
	case event.Signal:
		p.write(p.muted(fmt.Sprintf("procmux: received %v, stopping processes", e.Signal)) + "\n")
	}
}

func (p *Printer) line(name, text string) {
	pad := strings.Repeat(" ", max(p.width-ansi.Width(name), 0))
	prefix := "[" + name + "]"

	if c, ok := p.colors[name]; ok && p.color {
		prefix = c.Sprint(prefix)
	}

	p.write(prefix + pad + " " + text + "\n")
}

func (p *Printer) muted(s string) string {
	if !p.color {
		return s
	}

	return p.dim.Sprint(s)
}

func (p *Printer) write(s string) {
	if p.err != nil {
		return
	}

	if _, err := io.WriteString(p.out, s); err != nil {
		p.err = fmt.Errorf("write output: %w", err)
	}
}
