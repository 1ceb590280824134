package ui

import (
	"fmt"
	"slices"
	"time"

	"github.com/tstat/process-muxer/internal/event"
	"github.com/tstat/process-muxer/internal/state"
)

// Mode selects how key presses are interpreted.
type Mode uint8

// Input modes.
const (
	ModeNormal Mode = iota
	// ModePassthrough forwards keys to the selected process.
	ModePassthrough
)

// Row is the renderer's view of one process.
type Row struct {
	Name           string
	PTY            bool
	State          state.State
	Since          time.Time
	Restarts       int
	RestartPending bool
	// LastExit is the most recent terminal state, kept across restarts.
	LastExit *state.State
	// Scroll is the distance in lines from the bottom of the buffer.
	Scroll int
	// Unread counts lines received while the row was not selected.
	Unread int
}

// ViewModel is everything the renderer draws apart from output lines.
// Methods return an updated copy; a ViewModel is never changed in place.
type ViewModel struct {
	Rows     []Row
	Selected int
	Follow   bool
	Mode     Mode

	Status    string
	StatusErr bool
	// Activity is drawn before the status, e.g. a spinner frame.
	Activity string

	ShuttingDown bool
	Width        int
	Height       int
	LastSeq      uint64
	Now          time.Time
}

// ProcessInfo describes a row at startup.
type ProcessInfo struct {
	Name string
	PTY  bool
}

// NewViewModel returns a view model with one NotStarted row per process.
func NewViewModel(processes []ProcessInfo) ViewModel {
	rows := make([]Row, len(processes))
	for i, p := range processes {
		rows[i] = Row{Name: p.Name, PTY: p.PTY}
	}

	return ViewModel{Rows: rows, Follow: true}
}

// Apply folds ev into the view model.
func (vm ViewModel) Apply(ev event.Event) ViewModel {
	if ev.Seq > vm.LastSeq {
		vm.LastSeq = ev.Seq
	}

	switch p := ev.Payload.(type) {
	case event.Output:
		vm = vm.updateRow(p.Process, func(r *Row, selected bool) {
			if !selected {
				r.Unread++
			}

			// Keep a scrolled view on the same lines.
			if !vm.Follow || r.Scroll > 0 {
				r.Scroll++
			}
		})
	case event.StateChanged:
		vm = vm.updateRow(p.Process, func(r *Row, _ bool) {
			r.State = p.New
			r.Since = ev.Time
			r.Restarts = p.Restarts
			r.RestartPending = p.RestartPending

			if p.New.Terminal() {
				last := p.New
				r.LastExit = &last
			}
		})
	case event.UserCommand:
		switch {
		case p.Err != nil:
			vm.Status = fmt.Sprintf("%s %s: %v", p.Command, p.Target, p.Err)
			vm.StatusErr = true
		case p.Command == event.CommandShutdown:
			vm.ShuttingDown = true
			vm.Status = "stopping all processes"
			vm.StatusErr = false
		case p.Command != event.CommandInput:
			vm.Status = fmt.Sprintf("%s %s", p.Command, p.Target)
			vm.StatusErr = false
		}
	case event.Signal:
		vm.ShuttingDown = true
		vm.Status = fmt.Sprintf("received %v, stopping all processes", p.Signal)
		vm.StatusErr = false
	case event.Tick:
		vm.Now = ev.Time
	}

	return vm
}

func (vm ViewModel) updateRow(name string, fn func(r *Row, selected bool)) ViewModel {
	i := vm.index(name)
	if i < 0 {
		return vm
	}

	vm.Rows = slices.Clone(vm.Rows)
	fn(&vm.Rows[i], i == vm.Selected)

	return vm
}

func (vm ViewModel) index(name string) int {
	return slices.IndexFunc(vm.Rows, func(r Row) bool { return r.Name == name })
}

// Current returns the selected row.
func (vm ViewModel) Current() (Row, bool) {
	if vm.Selected < 0 || vm.Selected >= len(vm.Rows) {
		return Row{}, false
	}

	return vm.Rows[vm.Selected], true
}

// Select moves the selection by delta, wrapping around, and clears the
// unread count of the newly selected row.
func (vm ViewModel) Select(delta int) ViewModel {
	n := len(vm.Rows)
	if n == 0 {
		return vm
	}

	vm.Selected = ((vm.Selected+delta)%n + n) % n
	vm.Rows = slices.Clone(vm.Rows)
	vm.Rows[vm.Selected].Unread = 0

	return vm
}

// ScrollBy moves the selected row's view by delta lines (positive is
// towards older output) within [0, maxScroll]. Scrolling away from the
// bottom leaves follow mode; reaching it again re-enters it.
func (vm ViewModel) ScrollBy(delta, maxScroll int) ViewModel {
	if _, ok := vm.Current(); !ok {
		return vm
	}

	vm.Rows = slices.Clone(vm.Rows)
	r := &vm.Rows[vm.Selected]
	r.Scroll = min(max(r.Scroll+delta, 0), max(maxScroll, 0))
	vm.Follow = r.Scroll == 0

	return vm
}

// ToggleFollow switches follow mode. Entering it jumps to the bottom.
func (vm ViewModel) ToggleFollow() ViewModel {
	vm.Follow = !vm.Follow
	if vm.Follow {
		return vm.ScrollBy(-1<<30, 0)
	}

	return vm
}

// ClearSelected resets the selected row's scroll and unread counters.
func (vm ViewModel) ClearSelected() ViewModel {
	if _, ok := vm.Current(); !ok {
		return vm
	}

	vm.Rows = slices.Clone(vm.Rows)
	vm.Rows[vm.Selected].Scroll = 0
	vm.Rows[vm.Selected].Unread = 0

	return vm
}

// WithStatus sets the status line.
func (vm ViewModel) WithStatus(msg string, isErr bool) ViewModel {
	vm.Status = msg
	vm.StatusErr = isErr

	return vm
}
