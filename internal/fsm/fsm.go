// Package fsm implements the command server's state machine: the set of
// legal state transitions and, per state, which incoming message types
// are admissible. This is the Go-native equivalent of
// SE_(is_valid_transition)/SE_(msg_can_be_handled) in se_command_server.c.
package fsm

import "github.com/taintlab/segrind/internal/constants"

// State is one state of the command server.
type State int

const (
	Invalid State = iota
	WaitForStart
	Start
	WaitForTarget
	WaitForCmd
	Fuzzing
	Executing
	Exit
	ReportError
	SettingCtx
	WaitingToExecute

	// GettingInitState has the same admissible messages and outgoing
	// transitions as Executing, but no other state has a valid transition
	// into it and the server never enters it. It names the mode in which the
	// forked child snapshots initial register state and exits rather than
	// loading InitialState and running the target.
	GettingInitState
)

var stateNames = map[State]string{
	Invalid:          "SERVER_INVALID",
	WaitForStart:     "SERVER_WAIT_FOR_START",
	Start:            "SERVER_START",
	WaitForTarget:    "SERVER_WAIT_FOR_TARGET",
	WaitForCmd:       "SERVER_WAIT_FOR_CMD",
	Fuzzing:          "SERVER_FUZZING",
	Executing:        "SERVER_EXECUTING",
	Exit:             "SERVER_EXIT",
	ReportError:      "SERVER_REPORT_ERROR",
	SettingCtx:       "SERVER_SETTING_CTX",
	WaitingToExecute: "SERVER_WAITING_TO_EXECUTE",
	GettingInitState: "SERVER_GETTING_INIT_STATE",
}

// String renders the state the way the original's server_state_str does,
// for log messages.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "SERVER_INVALID"
}

// IsValidTransition reports whether moving from current to next is legal.
// Any state may transition to itself or to Exit; beyond that the table
// below mirrors is_valid_transition exactly.
func IsValidTransition(current, next State) bool {
	if next == current || next == Exit {
		return true
	}

	switch current {
	case WaitForStart:
		return next == Start
	case Start:
		return next == WaitForTarget
	case WaitForTarget:
		return next == WaitForCmd
	case WaitForCmd:
		return next == Fuzzing || next == SettingCtx
	case Fuzzing, SettingCtx:
		return next == WaitForCmd || next == WaitingToExecute
	case WaitingToExecute:
		return next == WaitForCmd || next == Executing
	case Executing, GettingInitState:
		return next == WaitForCmd || next == ReportError
	case ReportError:
		return next == WaitForCmd
	default:
		return false
	}
}

// MsgCanBeHandled reports whether a message of tag can be processed while
// the server is in state s. EXIT is always admissible, mirroring the
// original's "we always want to be able to exit" rule.
func MsgCanBeHandled(s State, tag constants.MessageTag) bool {
	if tag == constants.MsgExit {
		return true
	}

	switch s {
	case WaitForStart, WaitForTarget:
		return tag == constants.MsgSetTarget || tag == constants.MsgSetSOTarget
	case WaitForCmd:
		return tag == constants.MsgSetTarget || tag == constants.MsgSetSOTarget ||
			tag == constants.MsgFuzz || tag == constants.MsgSetContext || tag == constants.MsgReset
	case Fuzzing, Executing, ReportError, SettingCtx, GettingInitState:
		return tag == constants.MsgReset
	case WaitingToExecute:
		return tag == constants.MsgReset || tag == constants.MsgExecute
	default:
		return false
	}
}
