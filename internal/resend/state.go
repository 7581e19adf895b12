package resend

import (
	"fmt"
	"time"
)

// State is one of the four lifecycle phases of a connection (spec §4.F).
type State int

const (
	Connecting State = iota
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// stateTimeouts holds the idle timeout associated with each State.
type stateTimeouts struct {
	connecting   time.Duration
	connected    time.Duration
	disconnectin time.Duration
	disconnected time.Duration
}

func (t stateTimeouts) forState(s State) time.Duration {
	switch s {
	case Connecting:
		return t.connecting
	case Disconnecting:
		return t.disconnectin
	case Disconnected:
		return t.disconnected
	default: // Connected
		return t.connected
	}
}

// stateMachine tracks the current connection State and the deadline for the
// idle timer associated with it.
type stateMachine struct {
	timeouts stateTimeouts
	state    State
	lastSend time.Time
}

func newStateMachine(timeouts stateTimeouts, now time.Time) *stateMachine {
	return &stateMachine{timeouts: timeouts, state: Connecting, lastSend: now}
}

// idleTimeout returns the idle timeout associated with the current state.
func (m *stateMachine) idleTimeout() time.Duration {
	return m.timeouts.forState(m.state)
}

// set transitions to a new state, resetting the idle timer (spec §4.F:
// "Each transition resets last_send := now and arms the state timer").
func (m *stateMachine) set(state State, now time.Time) {
	m.state = state
	m.lastSend = now
}

// noteSend records that a packet was just submitted to the send queue,
// which also counts as activity for the idle timer (spec §4.C: "last_send"
// is touched on submit).
func (m *stateMachine) noteSend(now time.Time) {
	m.lastSend = now
}

// expired reports whether the idle timer for the current state has fired.
func (m *stateMachine) expired(now time.Time) bool {
	return now.Sub(m.lastSend) >= m.idleTimeout()
}
