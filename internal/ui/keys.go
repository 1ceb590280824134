package ui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

type keyMap struct {
	Up          key.Binding
	Down        key.Binding
	Next        key.Binding
	Prev        key.Binding
	Start       key.Binding
	Stop        key.Binding
	Restart     key.Binding
	Passthrough key.Binding
	PageUp      key.Binding
	PageDown    key.Binding
	Top         key.Binding
	Bottom      key.Binding
	Follow      key.Binding
	Clear       key.Binding
	Quit        key.Binding
	Leave       key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:          key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:        key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Next:        key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next")),
		Prev:        key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev")),
		Start:       key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
		Stop:        key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
		Restart:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restart")),
		Passthrough: key.NewBinding(key.WithKeys("i", "enter"), key.WithHelp("i", "input")),
		PageUp:      key.NewBinding(key.WithKeys("pgup", "ctrl+u"), key.WithHelp("pgup", "scroll up")),
		PageDown:    key.NewBinding(key.WithKeys("pgdown", "ctrl+d"), key.WithHelp("pgdn", "scroll down")),
		Top:         key.NewBinding(key.WithKeys("home", "g"), key.WithHelp("home", "top")),
		Bottom:      key.NewBinding(key.WithKeys("end", "G"), key.WithHelp("end", "bottom")),
		Follow:      key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "follow")),
		Clear:       key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
		Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Leave:       key.NewBinding(key.WithKeys("ctrl+]"), key.WithHelp("ctrl+]", "leave input mode")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.Restart, k.Passthrough, k.Follow, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Next, k.Prev},
		{k.Start, k.Stop, k.Restart, k.Passthrough},
		{k.PageUp, k.PageDown, k.Top, k.Bottom, k.Follow, k.Clear},
		{k.Quit},
	}
}

func (k keyMap) passthroughHelp() []key.Binding {
	return []key.Binding{k.Leave}
}

// keyBytes returns the bytes a terminal would send for msg. Enter is a
// carriage return for processes on a PTY and a newline for pipes.
func keyBytes(msg tea.KeyMsg, pty bool) ([]byte, bool) {
	var out []byte

	switch msg.Type {
	case tea.KeyRunes:
		out = []byte(string(msg.Runes))
	case tea.KeySpace:
		out = []byte{' '}
	case tea.KeyEnter:
		if pty {
			out = []byte{'\r'}
		} else {
			out = []byte{'\n'}
		}
	case tea.KeyUp:
		out = []byte("\x1b[A")
	case tea.KeyDown:
		out = []byte("\x1b[B")
	case tea.KeyRight:
		out = []byte("\x1b[C")
	case tea.KeyLeft:
		out = []byte("\x1b[D")
	case tea.KeyHome:
		out = []byte("\x1b[H")
	case tea.KeyEnd:
		out = []byte("\x1b[F")
	case tea.KeyPgUp:
		out = []byte("\x1b[5~")
	case tea.KeyPgDown:
		out = []byte("\x1b[6~")
	case tea.KeyDelete:
		out = []byte("\x1b[3~")
	case tea.KeyShiftTab:
		out = []byte("\x1b[Z")
	default:
		// Control keys carry their byte value as the key type.
		if msg.Type >= 0 && (msg.Type < 0x20 || msg.Type == 0x7f) {
			out = []byte{byte(msg.Type)}
		}
	}

	if len(out) == 0 {
		return nil, false
	}

	if msg.Alt {
		out = append([]byte{0x1b}, out...)
	}

	return out, true
}
