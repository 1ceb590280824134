package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"

	"github.com/tstat/process-muxer/internal/ansi"
	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/state"
)

const (
	minWidth        = 30
	minHeight       = 4
	minSidebarWidth = 14
)

var (
	accent    = lipgloss.Color("#50E3C2")
	warn      = lipgloss.Color("#F6AE2D")
	danger    = lipgloss.Color("#FF6B6B")
	muted     = lipgloss.Color("#8CA1AE")
	separator = lipgloss.Color("#2D6A80")

	titleStyle    = lipgloss.NewStyle().Foreground(accent).Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
	rowStyle      = lipgloss.NewStyle()
	mutedStyle    = lipgloss.NewStyle().Foreground(muted)
	stderrStyle   = lipgloss.NewStyle().Foreground(danger)
	sepStyle      = lipgloss.NewStyle().Foreground(separator)
	headerStyle   = lipgloss.NewStyle().Bold(true)
	barStyle      = lipgloss.NewStyle().Reverse(true)
	barErrStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true).Reverse(true)

	glyphStyles = map[state.Kind]lipgloss.Style{
		state.NotStarted: lipgloss.NewStyle().Foreground(muted),
		state.Starting:   lipgloss.NewStyle().Foreground(warn),
		state.Running:    lipgloss.NewStyle().Foreground(accent),
		state.Stopping:   lipgloss.NewStyle().Foreground(warn),
		state.Exited:     lipgloss.NewStyle().Foreground(muted),
		state.Crashed:    lipgloss.NewStyle().Foreground(danger),
	}
)

type layout struct {
	sidebar int
	pane    int
	// output is the number of output lines below the pane header.
	output int
}

func computeLayout(vm ViewModel, width, height int) layout {
	nameWidth := 0
	for _, r := range vm.Rows {
		nameWidth = max(nameWidth, ansi.Width(r.Name))
	}

	// marker, glyph and a restart badge around the name
	side := min(max(nameWidth+10, minSidebarWidth), width/3)

	return layout{
		sidebar: side,
		pane:    width - side - 1,
		output:  height - 2,
	}
}

// OutputSize returns the rows and columns available to process output in a
// frame of the given size. PTY processes are resized to it.
func OutputSize(vm ViewModel, width, height int) (rows, cols int) {
	l := computeLayout(vm, width, height)
	return max(l.output, 1), max(l.pane, 1)
}

// Render draws one frame: a process list on the left, the selected
// process's output on the right and a status bar. The result has exactly
// height lines of width cells.
func Render(vm ViewModel, buffers map[string]*outbuf.Buffer, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}

	if width < minWidth || height < minHeight {
		lines := make([]string, height)
		for i := range lines {
			lines[i] = strings.Repeat(" ", width)
		}

		lines[0] = ansi.Fit("terminal too small", width)

		return strings.Join(lines, "\n")
	}

	l := computeLayout(vm, width, height)
	body := height - 1

	side := renderSidebar(vm, l.sidebar, body)
	pane := renderPane(vm, buffers, l.pane, body)
	sep := sepStyle.Render("│")

	lines := make([]string, 0, height)
	for i := range body {
		lines = append(lines, side[i]+sep+pane[i])
	}

	lines = append(lines, renderStatusBar(vm, width))

	return strings.Join(lines, "\n")
}

func renderSidebar(vm ViewModel, width, height int) []string {
	lines := make([]string, 0, height)
	lines = append(lines, titleStyle.Render(ansi.Fit(" procmux", width)))

	for i, r := range vm.Rows {
		if len(lines) == height {
			break
		}

		lines = append(lines, renderRow(r, i == vm.Selected, width))
	}

	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}

	return lines
}

func renderRow(r Row, selected bool, width int) string {
	marker := "  "
	style := rowStyle

	if selected {
		marker = "› "
		style = selectedStyle
	}

	badge := ""
	if r.Restarts > 0 {
		badge = fmt.Sprintf(" ↻%d", r.Restarts)
	}

	if r.Unread > 0 && !selected {
		badge += " •"
	}

	nameWidth := width - ansi.Width(marker) - 2 - ansi.Width(badge)
	if nameWidth < 0 {
		badge = ""
		nameWidth = width - ansi.Width(marker) - 2
	}

	name := ansi.Fit(ansi.Truncate(r.Name, nameWidth, "…"), max(nameWidth, 0))

	glyph := glyphStyles[r.State.Kind].Render(stateGlyph(r.State))

	return style.Render(marker) + glyph + " " + style.Render(name) + mutedStyle.Render(badge)
}

func stateGlyph(s state.State) string {
	switch s.Kind {
	case state.Running:
		return "●"
	case state.Starting, state.Stopping:
		return "◐"
	case state.Exited:
		if s.Code != 0 {
			return "✗"
		}

		return "■"
	case state.Crashed:
		return "✗"
	default:
		return "○"
	}
}

func renderPane(vm ViewModel, buffers map[string]*outbuf.Buffer, width, height int) []string {
	lines := make([]string, 0, height)

	row, ok := vm.Current()
	if !ok {
		for len(lines) < height {
			lines = append(lines, strings.Repeat(" ", width))
		}

		return lines
	}

	lines = append(lines, headerStyle.Render(ansi.Fit(" "+paneTitle(row, vm.Follow), width)))

	area := height - 1
	buf := buffers[row.Name]

	if buf != nil {
		end := buf.Len() - min(row.Scroll, max(buf.Len()-area, 0))
		for _, line := range buf.Slice(end-area, end) {
			text := ansi.Fit(" "+ansi.Clean(line.Text), width)
			if line.Stream == outbuf.Stderr {
				text = stderrStyle.Render(text)
			}

			lines = append(lines, text)
		}
	}

	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}

	return lines
}

func paneTitle(r Row, follow bool) string {
	parts := []string{r.Name, r.State.String()}

	if r.RestartPending {
		parts = append(parts, "restart pending")
	}

	if r.LastExit != nil && !r.State.Terminal() {
		parts = append(parts, "last "+r.LastExit.String())
	}

	switch {
	case r.Scroll > 0:
		parts = append(parts, fmt.Sprintf("scrolled %d", r.Scroll))
	case !follow:
		parts = append(parts, "paused")
	}

	return strings.Join(parts, " · ")
}

func renderStatusBar(vm ViewModel, width int) string {
	label := "NORMAL"
	bindings := defaultKeyMap().ShortHelp()

	switch {
	case vm.ShuttingDown:
		label = "STOPPING"
	case vm.Mode == ModePassthrough:
		label = "INPUT"
		bindings = defaultKeyMap().passthroughHelp()
	}

	left := " " + label
	if vm.Activity != "" {
		left += " " + vm.Activity
	}

	if vm.Status != "" {
		left += "  " + vm.Status
	}

	h := help.New()
	h.ShortSeparator = "  "
	hints := ansi.Strip(h.ShortHelpView(bindings)) + " "

	style := barStyle
	if vm.StatusErr {
		style = barErrStyle
	}

	if gap := width - ansi.Width(left) - ansi.Width(hints); gap >= 2 {
		return style.Render(left + strings.Repeat(" ", gap) + hints)
	}

	return style.Render(ansi.Fit(left, width))
}
