package segrind

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/taintlab/segrind/internal/fsm"
)

// Error represents a structured segrind error with server-state context and
// errno mapping, the Go-native equivalent of the teacher's Error type,
// reshaped around a command-server session instead of a block device.
type Error struct {
	Op    string        // Operation that failed (e.g., "SET_TARGET", "FUZZ")
	State fsm.State      // Server state the failure occurred in (fsm.Invalid if not applicable)
	Code  ErrorCode
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.State != fsm.Invalid {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("segrind: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("segrind: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, mirroring
// se_command_server.h's error reasons. The code stays on the Go side: the
// FAIL message the server sends to the driver carries only the message text.
type ErrorCode string

const (
	ErrCodeInvalidTransition ErrorCode = "invalid state transition"
	ErrCodeInadmissibleMsg   ErrorCode = "message not admissible in current state"
	ErrCodeTargetNotFound    ErrorCode = "target function not found"
	ErrCodeForkFailed        ErrorCode = "fork failed"
	ErrCodeChildTimeout      ErrorCode = "child execution timed out"
	ErrCodeChildCrashed      ErrorCode = "child crashed unexpectedly"
	ErrCodeInvalidIOVec      ErrorCode = "malformed IOVec payload"
	ErrCodeWireError         ErrorCode = "wire protocol error"
	ErrCodeHostError         ErrorCode = "host framework error"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// NewError creates a structured error with no server-state context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewStateError creates a structured error tagged with the server state it
// occurred in.
func NewStateError(op string, state fsm.State, code ErrorCode, msg string) *Error {
	return &Error{Op: op, State: state, Code: code, Msg: msg}
}

// WrapError wraps an existing error with segrind context, mapping syscall
// errnos to error codes the way the teacher's WrapError maps kernel errno
// to UblkErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if se, ok := inner.(*Error); ok {
		return &Error{Op: op, State: se.State, Code: se.Code, Errno: se.Errno, Msg: se.Msg, Inner: se.Inner}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}

	return &Error{Op: op, Code: ErrCodeHostError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ESRCH, syscall.ECHILD:
		return ErrCodeChildCrashed
	case syscall.ETIMEDOUT:
		return ErrCodeChildTimeout
	case syscall.EAGAIN, syscall.ENOMEM:
		return ErrCodeForkFailed
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	default:
		return ErrCodeHostError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
