// Package event carries every state change in procmux from its producers
// (output readers, the supervisor, the ticker, the signal handler) to the
// single consumer that renders them.
package event

import (
	"os"
	"time"

	"github.com/tstat/process-muxer/internal/outbuf"
	"github.com/tstat/process-muxer/internal/state"
)

// Event is one message on the bus. Seq and Time are assigned at publish.
type Event struct {
	Seq     uint64
	Time    time.Time
	Payload Payload
}

// Kind returns the payload kind, or "" for an empty event.
func (e Event) Kind() string {
	if e.Payload == nil {
		return ""
	}

	return e.Payload.Kind()
}

// Payload is implemented by every event kind.
type Payload interface {
	Kind() string
}

// Output is one decoded line from a child process.
type Output struct {
	Process string
	Line    outbuf.Line
}

// Kind implements Payload.
func (Output) Kind() string { return "output" }

// StateChanged records a lifecycle transition.
type StateChanged struct {
	Process string
	Old     state.State
	New     state.State
	// Restarts is the number of restarts of this process so far.
	Restarts int
	// RestartPending is set when an automatic restart has been scheduled.
	RestartPending bool
}

// Kind implements Payload.
func (StateChanged) Kind() string { return "state" }

// CommandKind names an operator command.
type CommandKind string

// Operator commands.
const (
	CommandStart    CommandKind = "start"
	CommandStop     CommandKind = "stop"
	CommandRestart  CommandKind = "restart"
	CommandInput    CommandKind = "input"
	CommandShutdown CommandKind = "shutdown"
)

// UserCommand reports a command the supervisor processed. Err is nil when
// the command was accepted.
type UserCommand struct {
	Command CommandKind
	Target  string
	Err     error
}

// Kind implements Payload.
func (UserCommand) Kind() string { return "command" }

// Tick is published periodically so consumers can refresh time-based views.
type Tick struct{}

// Kind implements Payload.
func (Tick) Kind() string { return "tick" }

// StreamClosed reports that a child output stream reached EOF.
type StreamClosed struct {
	Process string
	Stream  outbuf.Stream
}

// Kind implements Payload.
func (StreamClosed) Kind() string { return "stream_closed" }

// Signal reports a signal delivered to procmux itself.
type Signal struct {
	Signal os.Signal
}

// Kind implements Payload.
func (Signal) Kind() string { return "signal" }
