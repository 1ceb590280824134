package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestKeyBytes(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.KeyMsg
		pty  bool
		want string
		ok   bool
	}{
		{name: "runes", msg: tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hé")}, want: "hé", ok: true},
		{name: "space", msg: tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}, want: " ", ok: true},
		{name: "enter on pipe", msg: tea.KeyMsg{Type: tea.KeyEnter}, want: "\n", ok: true},
		{name: "enter on pty", msg: tea.KeyMsg{Type: tea.KeyEnter}, pty: true, want: "\r", ok: true},
		{name: "tab", msg: tea.KeyMsg{Type: tea.KeyTab}, want: "\t", ok: true},
		{name: "backspace", msg: tea.KeyMsg{Type: tea.KeyBackspace}, want: "\x7f", ok: true},
		{name: "ctrl+c", msg: tea.KeyMsg{Type: tea.KeyCtrlC}, want: "\x03", ok: true},
		{name: "ctrl+d", msg: tea.KeyMsg{Type: tea.KeyCtrlD}, want: "\x04", ok: true},
		{name: "escape", msg: tea.KeyMsg{Type: tea.KeyEsc}, want: "\x1b", ok: true},
		{name: "arrow", msg: tea.KeyMsg{Type: tea.KeyUp}, want: "\x1b[A", ok: true},
		{name: "alt rune", msg: tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b"), Alt: true}, want: "\x1bb", ok: true},
		{name: "function key", msg: tea.KeyMsg{Type: tea.KeyF5}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := keyBytes(tt.msg, tt.pty)
			if ok != tt.ok {
				t.Fatalf("keyBytes() ok = %v, want %v", ok, tt.ok)
			}

			if string(got) != tt.want {
				t.Fatalf("keyBytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShortHelpCoversCommands(t *testing.T) {
	keys := defaultKeyMap()

	if got := len(keys.ShortHelp()); got != 6 {
		t.Fatalf("ShortHelp() len = %d, want 6", got)
	}

	total := 0
	for _, group := range keys.FullHelp() {
		total += len(group)
	}

	if total != 15 {
		t.Fatalf("FullHelp() bindings = %d, want 15", total)
	}
}
