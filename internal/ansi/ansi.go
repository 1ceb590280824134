// Package ansi prepares child output for display in a fixed-width cell grid.
package ansi

import (
	"strings"

	xansi "github.com/charmbracelet/x/ansi"
)

const tabWidth = 8

// Strip removes ANSI escape sequences from a string.
func Strip(s string) string {
	return xansi.Strip(s)
}

// Clean makes s safe to draw: escape sequences are removed, tabs are expanded
// to the next multiple of eight cells and other control characters are
// dropped.
func Clean(s string) string {
	s = xansi.Strip(s)

	if !strings.ContainsFunc(s, isControl) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	col := 0

	for _, r := range s {
		switch {
		case r == '\t':
			n := tabWidth - col%tabWidth
			b.WriteString(strings.Repeat(" ", n))
			col += n
		case isControl(r):
		default:
			b.WriteRune(r)
			col += xansi.StringWidth(string(r))
		}
	}

	return b.String()
}

// Width returns the number of cells s occupies, ignoring escape sequences.
func Width(s string) int {
	return xansi.StringWidth(s)
}

// Truncate cuts s to at most width cells, ending with tail when cut.
func Truncate(s string, width int, tail string) string {
	if width <= 0 {
		return ""
	}

	return xansi.Truncate(s, width, tail)
}

// Fit truncates or right-pads s to exactly width cells.
func Fit(s string, width int) string {
	if width <= 0 {
		return ""
	}

	s = Truncate(s, width, "")
	if pad := width - Width(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}

	return s
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0)
}
