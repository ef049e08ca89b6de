package segrind

import (
	"time"

	"github.com/taintlab/segrind/internal/constants"
)

// Re-exported tunables for public API callers that don't want to import
// internal/constants directly.
const (
	DefaultMaxDuration = constants.DefaultMaxDuration
)

// DefaultPollTimeout is passed as the ms argument to unix.Poll in Run's
// wait for the next command on the command pipe; -1 means block until the
// pipe is readable or hung up, matching unix.Poll's own convention.
const DefaultPollTimeout = -1

// executorPollInterval bounds how often wait_for_child re-checks the
// executor pipe when driving MaxDuration in fixed slices.
const executorPollInterval = 50 * time.Millisecond
