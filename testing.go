package segrind

import (
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/ir"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/taint"
)

// TestHost is an in-process HostFramework a caller outside this module can
// build and populate without a real traced process: register symbols and
// blocks, seed register state, then pass it to DefaultServerOptions. This
// is the segrind analogue of the teacher's testing.go MockBackend --
// exported methods promoted from the embedded MockHost (AddSymbol,
// AddBlock, SetRegisters, SetForkResult, CallCounts, ...) are usable
// directly on the value this returns.
type TestHost struct {
	*hostapi.MockHost
}

// NewTestHost returns an empty TestHost ready for a test to populate.
func NewTestHost() *TestHost {
	return &TestHost{MockHost: hostapi.NewMockHost()}
}

// NewTestIOVec returns an empty IOVec seeded with seed, ready for a test to
// populate with register and address-space state before a FUZZ/EXECUTE
// round trip.
func NewTestIOVec(seed uint32) *iovec.IOVec {
	iv := iovec.New()
	iv.RandomSeed = seed
	return iv
}

// NewTestBlock builds a minimal recorded block starting at addr, for
// registering against a TestHost with AddBlock. The first statement is
// always an IMark at addr, matching how every real recorded block begins.
func NewTestBlock(addr, end uintptr, stmts ...ir.Stmt) ir.Block {
	all := append([]ir.Stmt{{Kind: ir.StmtIMark, Addr: addr}}, stmts...)
	return ir.Block{Start: addr, End: end, Stmts: all}
}

// NewTestTrace builds a RecordedState trace from a list of instruction
// pointers, for driving the taint engine's Propagate in isolation. Per the
// engine's trace-boundary convention, the last pc given should be a
// trailing sentinel with no statements of its own -- the fault is resolved
// against the entry immediately before it, not the sentinel itself.
func NewTestTrace(pcs ...uintptr) []taint.RecordedState {
	trace := make([]taint.RecordedState, len(pcs))
	for i, pc := range pcs {
		trace[i] = taint.RecordedState{PC: pc}
	}
	return trace
}
