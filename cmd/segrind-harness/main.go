// Command segrind-harness is the command-server process a driver forks and
// attaches to a target pid: it reads SET_TGT/FUZZ/SET_CTX/RESET/EXECUTE/EXIT
// commands off an inherited pipe and reports results back over another, the
// Go-native equivalent of the original's se_main.c entry point and the
// teacher's cmd/ublk-mem/main.go flag/logging/signal scaffolding.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taintlab/segrind"
	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/executor"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/logging"
	"github.com/taintlab/segrind/internal/wire"
)

func main() {
	var (
		pid         = flag.Int("pid", 0, "pid of the already-running target process to attach to")
		cmdReadFD   = flag.Int("cmd-read-fd", 3, "fd the driver writes commands to (inherited)")
		cmdWriteFD  = flag.Int("cmd-write-fd", 4, "fd the driver reads replies from (inherited)")
		maxDuration = flag.Duration("max-duration", segrind.DefaultMaxDuration, "how long to wait for a forked executor before killing it")
		verbose     = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	if *pid <= 0 {
		fmt.Fprintln(os.Stderr, "segrind-harness: -pid is required")
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	host := hostapi.NewPtraceHost(*pid)

	opts := segrind.DefaultServerOptions(host)
	opts.CommandReadFD = *cmdReadFD
	opts.CommandWriteFD = *cmdWriteFD
	opts.MaxDuration = *maxDuration
	opts.Logger = logger
	opts.ExecutorRun = runExecutor(host, logger)

	server, err := segrind.NewServer(opts)
	if err != nil {
		logger.Error("failed to build server", "err", err)
		os.Exit(1)
	}

	logger.Info("segrind-harness starting", "pid", *pid, "max_duration", maxDuration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run() }()

	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("server exited with error", "err", err)
			os.Exit(1)
		}
		logger.Info("server exited cleanly")
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}
}

// runExecutor builds the ExecutorRunFunc the forked child calls into: it
// drives internal/executor.Run against host, reporting any wiring failure
// (most commonly hostapi.ErrNotSupported, since PtraceHost carries no real
// disassembler) on the executor pipe so the parent's wait_for_child doesn't
// hang waiting for a message that will never come.
func runExecutor(host hostapi.HostFramework, logger *logging.Logger) segrind.ExecutorRunFunc {
	return func(target hostapi.Symbol, mainAddr uintptr, iv *iovec.IOVec, executorWriteFD int) {
		if err := executor.Run(host, 0, mainAddr, target, false, iv, executorWriteFD); err != nil {
			logger.Error("executor failed to start", "target", target.Name, "err", err)
			_ = wire.Write(executorWriteFD, wire.Message{
				Tag:     constants.MsgFail,
				Payload: []byte("executor failed to start: " + err.Error()),
			})
		}
	}
}
