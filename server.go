package segrind

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/fsm"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/logging"
	"github.com/taintlab/segrind/internal/wire"
)

// Server is the command server: a single-threaded event loop that accepts
// commands from a driver over a pipe, supervises at most one forked
// executor child at a time, and reports results back. The Go-native
// equivalent of se_command_server.c's server loop.
type Server struct {
	opts ServerOptions

	host    hostapi.HostFramework
	logger  *logging.Logger
	metrics *Metrics

	state      fsm.State
	mainAddr   uintptr
	targetSym  hostapi.Symbol
	haveTarget bool

	current        *iovec.IOVec
	driverSupplied bool

	childPID int
}

// NewServer builds a Server from opts. A host framework is mandatory.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Host == nil {
		return nil, NewError("NEW_SERVER", ErrCodeInvalidParameters, "ServerOptions.Host is required")
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	if opts.Observer == nil {
		// Default to an observer backed by this server's own Metrics, so
		// Metrics() reflects activity out of the box; a caller that wants
		// a different sink (or none at all, via NoOpObserver) still can.
		opts.Observer = NewMetricsObserver(metrics)
	}

	return &Server{
		opts:    opts,
		host:    opts.Host,
		logger:  logger,
		metrics: metrics,
		state:   fsm.WaitForStart,
	}, nil
}

// Metrics returns the server's metrics instance.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Run resolves main, announces readiness, and drives the event loop on the
// command pipe until an EXIT command is handled or the pipe closes.
func (s *Server) Run() error {
	main, err := s.host.LookupSymbol("main")
	if err != nil {
		return WrapError("RUN", err)
	}
	s.mainAddr = main.Addr

	if err := wire.Write(s.opts.CommandWriteFD, wire.Message{Tag: constants.MsgReady}); err != nil {
		return WrapError("RUN", err)
	}
	s.transition(fsm.WaitForTarget)

	pollFDs := []unix.PollFd{{Fd: int32(s.opts.CommandReadFD), Events: unix.POLLIN}}

	for s.state != fsm.Exit {
		n, err := unix.Poll(pollFDs, DefaultPollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return WrapError("RUN", err)
		}
		if n == 0 {
			continue
		}
		if pollFDs[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			continue
		}

		msg, err := wire.Read(s.opts.CommandReadFD)
		if err != nil {
			if err == wire.ErrClosed {
				return nil
			}
			return WrapError("RUN", err)
		}

		if err := s.handleCommand(msg); err != nil {
			s.logger.Error("command handling failed", "tag", msg.Tag.String(), "err", err)
		}
	}

	return nil
}

func (s *Server) transition(next fsm.State) {
	if !fsm.IsValidTransition(s.state, next) {
		s.logger.Warn("illegal state transition attempted", "from", s.state.String(), "to", next.String())
		return
	}
	s.state = next
}

func (s *Server) handleCommand(msg wire.Message) error {
	if err := wire.Write(s.opts.CommandWriteFD, wire.Message{Tag: constants.MsgAck}); err != nil {
		return WrapError("HANDLE_COMMAND", err)
	}

	if !fsm.MsgCanBeHandled(s.state, msg.Tag) {
		return s.fail("HANDLE_COMMAND", ErrCodeInadmissibleMsg,
			fmt.Sprintf("%s not admissible in state %s", msg.Tag.String(), s.state.String()))
	}

	s.opts.Observer.ObserveCommand(msg.Tag.String())

	switch msg.Tag {
	case constants.MsgSetTarget, constants.MsgSetSOTarget:
		return s.handleSetTarget(msg)
	case constants.MsgFuzz:
		return s.handleFuzz()
	case constants.MsgSetContext:
		return s.handleSetContext()
	case constants.MsgReset:
		return s.handleReset()
	case constants.MsgExecute:
		return s.handleExecute()
	case constants.MsgExit:
		return s.handleExit()
	default:
		return s.fail("HANDLE_COMMAND", ErrCodeInadmissibleMsg, "unrecognized message tag")
	}
}

func (s *Server) handleSetTarget(msg wire.Message) error {
	name := string(msg.Payload)
	sym, err := s.host.LookupSymbol(name)
	if err != nil {
		return s.fail("SET_TGT", ErrCodeTargetNotFound, fmt.Sprintf("target %q not found", name))
	}
	s.targetSym = sym
	s.haveTarget = true
	s.transition(fsm.WaitForCmd)
	return s.ok(nil)
}

func (s *Server) handleFuzz() error {
	s.transition(fsm.Fuzzing)
	regs, err := s.host.ReadRegisters(s.executorThread())
	if err != nil {
		return s.fail("FUZZ", ErrCodeHostError, "failed to read executor registers")
	}

	iv := iovec.New()
	iv.RandomSeed = iovec.SeedFromPID(os.Getpid(), os.Getppid())
	iv.InitialState.RegisterState = snapshotRegisters(regs)
	randomizeFirstArgRegister(iv)

	s.current = iv
	s.driverSupplied = false
	s.transition(fsm.WaitingToExecute)
	return s.ok(nil)
}

// snapshotRegisters captures the guest's current general-purpose registers
// as the IOVec's initial register state, the Go-native equivalent of the
// original's register snapshot into a fresh ProgramState.
func snapshotRegisters(regs hostapi.GuestState) []iovec.RegisterValue {
	const wordSize = 8
	n := len(regs.Raw) / wordSize
	out := make([]iovec.RegisterValue, 0, n)
	for i := 0; i < n; i++ {
		off := i * wordSize
		var v uint64
		for b := 0; b < wordSize; b++ {
			v |= uint64(regs.Raw[off+b]) << (8 * b)
		}
		out = append(out, iovec.RegisterValue{GuestStateOffset: int32(off), Value: v})
	}
	return out
}

// randomizeFirstArgRegister mutates the IOVec's first tracked register
// (the target's first argument, by calling convention offset 0 in this
// minimal layout) to a value derived from the IOVec's seed by a fixed
// multiplicative hash.
func randomizeFirstArgRegister(iv *iovec.IOVec) {
	if len(iv.InitialState.RegisterState) == 0 {
		return
	}
	iv.InitialState.RegisterState[0].Value = uint64(iv.RandomSeed)*2654435761 + 1
}

// handleSetContext marks the current IOVec as driver-supplied rather than
// fuzzed and returns to WAIT_FOR_CMD. The command's payload is not decoded,
// and the flag stays in the server: the executor child is not told about
// it and handles a driver-supplied IOVec the same way as a fuzzed one.
func (s *Server) handleSetContext() error {
	s.transition(fsm.SettingCtx)
	s.driverSupplied = true
	s.transition(fsm.WaitForCmd)
	return s.ok(nil)
}

// handleReset discards the in-flight IOVec, mirroring RESET's role of
// returning to WAIT_FOR_CMD without disturbing a previously set target.
func (s *Server) handleReset() error {
	s.current = nil
	s.driverSupplied = false
	s.transition(fsm.WaitForCmd)
	return s.ok(nil)
}

func (s *Server) handleExit() error {
	if s.childPID != 0 {
		_ = unix.Kill(s.childPID, unix.SIGKILL)
		s.childPID = 0
	}
	s.transition(fsm.Exit)
	return nil
}

func (s *Server) executorThread() hostapi.ThreadID {
	return 0
}

func (s *Server) ok(payload []byte) error {
	return wire.Write(s.opts.CommandWriteFD, wire.Message{Tag: constants.MsgOK, Payload: payload})
}

func (s *Server) fail(op string, code ErrorCode, msg string) error {
	serr := NewStateError(op, s.state, code, msg)
	s.transition(fsm.ReportError)
	s.transition(fsm.WaitForCmd)
	if werr := wire.Write(s.opts.CommandWriteFD, wire.Message{Tag: constants.MsgFail, Payload: []byte(msg)}); werr != nil {
		return WrapError(op, werr)
	}
	return serr
}

// handleExecute forks an executor child over a fresh pipe pair and
// supervises it with waitForChild, mirroring se_command_server.c's EXECUTE
// handling: the parent closes its copy of the write end and waits for a
// terminal message on the read end, while the child runs ExecutorRun (the
// seam a real deployment's forked child calls into to continue into
// instrumented guest execution) and reports its own outcome on its copy of
// the write end.
func (s *Server) handleExecute() error {
	if !s.haveTarget || s.current == nil {
		return s.fail("EXECUTE", ErrCodeInvalidParameters, "no target or IOVec set before EXECUTE")
	}

	s.transition(fsm.Executing)
	sid := sessionID()
	s.logger.Debug("starting EXECUTE", "session", sid, "target", s.targetSym.Name)

	execR, execW, err := pipe2()
	if err != nil {
		return s.fail("EXECUTE", ErrCodeForkFailed, "failed to create executor pipe")
	}

	// childExecW is a dup of the executor pipe's write end, independently
	// closeable from the parent's own copy. A real fork already gives
	// parent and child distinct fd-table entries over the same open file
	// description; duplicating here makes that true even under a
	// HostFramework that simulates the child in-process (e.g. on a
	// goroutine) rather than with a genuine address-space split, so the
	// parent closing its end below can never invalidate the child's.
	childExecW, err := unix.Dup(execW)
	if err != nil {
		_ = unix.Close(execR)
		_ = unix.Close(execW)
		return s.fail("EXECUTE", ErrCodeForkFailed, "failed to duplicate executor pipe")
	}

	target, mainAddr, iv, executorRun := s.targetSym, s.mainAddr, s.current, s.opts.ExecutorRun

	pid, err := s.host.Fork(func() {
		if executorRun != nil {
			executorRun(target, mainAddr, iv, childExecW)
		}
		_ = unix.Close(childExecW)
	})
	if err != nil {
		_ = unix.Close(execR)
		_ = unix.Close(execW)
		_ = unix.Close(childExecW)
		return s.fail("EXECUTE", ErrCodeForkFailed, "fork failed")
	}

	_ = unix.Close(execW)
	s.childPID = pid

	start := time.Now()
	outcome, failMsg := s.waitForChild(execR)
	_ = unix.Close(execR)
	s.childPID = 0

	s.opts.Observer.ObserveExecute(uint64(time.Since(start).Nanoseconds()), outcome)

	s.transition(fsm.WaitForCmd)

	if failMsg != "" {
		return s.fail("EXECUTE", outcomeErrorCode(outcome), failMsg)
	}
	return nil
}

func outcomeErrorCode(o ExecuteOutcome) ErrorCode {
	switch o {
	case OutcomeTimeout:
		return ErrCodeChildTimeout
	case OutcomeFault:
		return ErrCodeChildCrashed
	default:
		return ErrCodeHostError
	}
}

// waitForChild polls the executor pipe in executorPollInterval slices up
// to MaxDuration. On a readable event it forwards the executor's terminal
// message verbatim to the driver pipe and returns the resulting outcome;
// on timeout or an unexpected close it kills the child if still alive and
// reports a FAIL instead.
func (s *Server) waitForChild(execR int) (ExecuteOutcome, string) {
	deadline := time.Now().Add(s.opts.MaxDuration)
	fds := []unix.PollFd{{Fd: int32(execR), Events: unix.POLLIN}}

	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		slice := executorPollInterval
		if remaining < slice {
			slice = remaining
		}

		n, err := unix.Poll(fds, int(slice.Milliseconds()))
		if err != nil && err != unix.EINTR {
			s.killChild()
			return OutcomeFailure, "Executor poll failed"
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			msg, err := wire.Read(execR)
			if err != nil {
				s.killChild()
				return OutcomeFailure, "Executor pipe closed unexpectedly"
			}
			if err := wire.Write(s.opts.CommandWriteFD, msg); err != nil {
				return OutcomeFailure, "failed to forward executor message"
			}
			s.reapChild()
			return outcomeForTag(msg.Tag), ""
		}

		if fds[0].Revents&unix.POLLHUP != 0 {
			s.killChild()
			return OutcomeFailure, "Executor closed pipe with no data"
		}
	}

	s.killChild()
	return OutcomeTimeout, "Child timed out"
}

func outcomeForTag(tag constants.MessageTag) ExecuteOutcome {
	switch tag {
	case constants.MsgOK, constants.MsgCoverage:
		return OutcomeSuccess
	case constants.MsgNewAlloc:
		return OutcomeFault
	default:
		return OutcomeFailure
	}
}

// reapChild collects the now-exited child via waitpid(WNOHANG), matching
// wait_for_child's bookkeeping after a successful read.
func (s *Server) reapChild() {
	if s.childPID == 0 {
		return
	}
	var ws unix.WaitStatus
	_, _ = unix.Wait4(s.childPID, &ws, unix.WNOHANG, nil)
}

// killChild checks whether the child has already exited via waitpid
// (WNOHANG); if not, it SIGKILLs it, mirroring wait_for_child's
// timeout-path cleanup.
func (s *Server) killChild() {
	if s.childPID == 0 {
		return
	}
	var ws unix.WaitStatus
	pid, _ := unix.Wait4(s.childPID, &ws, unix.WNOHANG, nil)
	if pid != s.childPID {
		_ = unix.Kill(s.childPID, unix.SIGKILL)
		_, _ = unix.Wait4(s.childPID, &ws, 0, nil)
	}
}

func pipe2() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// sessionID returns a fresh identifier for one EXECUTE round-trip, used
// only for log correlation.
func sessionID() string {
	return uuid.New().String()
}
