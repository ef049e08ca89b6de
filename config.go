package segrind

import (
	"time"

	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/logging"
)

// ExecutorRunFunc is what the forked executor child calls into after
// EXECUTE returns in the child branch: it drives the host's block
// translation through a BlockRewriter, jumps to the target, and reports a
// terminal message on executorWriteFD. A real deployment wires this to
// internal/executor; tests can wire a stub that writes directly.
type ExecutorRunFunc func(target hostapi.Symbol, mainAddr uintptr, iv *iovec.IOVec, executorWriteFD int)

// ServerOptions configures a Server, analogous to the teacher's Options for
// device creation.
type ServerOptions struct {
	// Host provides the symbol/register/fork/disassembly collaborators the
	// server and executor rely on. If nil, NewServer returns an error: a
	// host framework is mandatory, there is no no-op default.
	Host hostapi.HostFramework

	// MaxDuration bounds how long wait_for_child waits for the executor
	// before declaring it hung and killing it.
	MaxDuration time.Duration

	// Logger receives debug/info messages. If nil, logging.Default() is used.
	Logger *logging.Logger

	// Observer receives metrics events. If nil, NewServer uses an observer
	// that records into the server's own Metrics.
	Observer Observer

	// CommandReadFD/CommandWriteFD are the file descriptors the server reads
	// commands from and writes command-pipe replies to. The executor pipe
	// is not configured here; the server creates a fresh one for each
	// EXECUTE. Tests typically wire
	// these to os.Pipe() ends; a real deployment wires them to the
	// driver-facing pipe pair set up by the process that forked the server.
	CommandReadFD  int
	CommandWriteFD int

	// ExecutorRun is invoked in the forked child during EXECUTE. If nil,
	// the child returns immediately without running any target code --
	// useful for tests that only want to exercise the server's own fork
	// and wait_for_child bookkeeping.
	ExecutorRun ExecutorRunFunc
}

// DefaultServerOptions returns sensible defaults given a host framework.
// Observer is left nil so NewServer wires its default metrics-backed
// observer; pass an explicit Observer (e.g. &NoOpObserver{}) to opt out.
func DefaultServerOptions(host hostapi.HostFramework) ServerOptions {
	return ServerOptions{
		Host:        host,
		MaxDuration: DefaultMaxDuration,
	}
}
