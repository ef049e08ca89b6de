// Package executor implements the executor child's IR rewriting and
// dirty-call logic: redirecting the program's startup path from main to a
// chosen target function, recording execution state as the target runs,
// and reporting success/failure back to the command server over the
// executor pipe. This is the Go-native equivalent of the rewriting and
// dirty-call logic in se_main.c.
//
// All of client_running, main_replaced, target_called, the recursive call
// count, and the in-flight IOVec live on *ExecutorContext rather than as
// package globals, per SPEC_FULL.md's design note -- every dirty-call
// equivalent below takes a *ExecutorContext instead of reading mutable
// package state, which also makes them independently testable.
package executor

import (
	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/ir"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/taint"
	"github.com/taintlab/segrind/internal/wire"
)

// Context holds every piece of state the original kept as globals across
// jump_to_target_function, record_current_state, maybe_report_success, the
// SIGSEGV handler, and the syscall observer.
type Context struct {
	Host hostapi.HostFramework
	TID  hostapi.ThreadID

	MainAddr         uintptr
	Target           hostapi.Symbol
	GettingInitState bool

	ClientRunning bool
	MainReplaced  bool
	TargetCalled  bool

	RecursiveCallCount int

	IOVec *iovec.IOVec

	// Trace is the ordered sequence of recorded program states, the
	// Go-native program_states array fix_address_space walks.
	Trace []taint.RecordedState

	// blocks indexes every block the host has handed us by its address
	// range's start, so the taint engine's BlockLookup can resolve a
	// recorded PC back to the block that contains it.
	blocks map[uintptr]ir.Block

	CoverageRequested bool
	coveragePCs       map[uintptr]bool

	ObservedSyscalls map[uint64]bool

	ExecutorWriteFD int
}

// Run wires a fresh Context's BlockRewriter, fault catcher, and syscall
// hook into host, the Go-native equivalent of the executor child
// installing its dirty-call helpers and SIGSEGV handler before letting the
// guest run. It returns once installation is complete; the host drives
// actual block translation, fault delivery, and syscall observation from
// there, invoking the registered callbacks as they occur. A host without a
// real disassembler/DBI layer (PtraceHost) reports hostapi.ErrNotSupported
// from RegisterBlockTranslation, since there is nothing for a block
// rewriter to hook into without one.
func Run(host hostapi.HostFramework, tid hostapi.ThreadID, mainAddr uintptr, target hostapi.Symbol, gettingInitState bool, iv *iovec.IOVec, executorWriteFD int) error {
	ctx := NewContext(host, tid, executorWriteFD, mainAddr, target, gettingInitState, iv)
	rewriter := NewBlockRewriter(ctx)

	if err := host.RegisterBlockTranslation(rewriter.RewriteBlock); err != nil {
		return err
	}
	if err := host.InstallFaultCatcher(func(_ hostapi.ThreadID, signal int, faultAddr uintptr) {
		ctx.HandleFault(signal, faultAddr)
	}); err != nil {
		return err
	}
	if err := host.RegisterSyscallHook(func(_ hostapi.ThreadID, sysno int64, _ [6]uintptr, before bool) {
		ctx.ObserveSyscall(sysno, before)
	}); err != nil {
		return err
	}
	return nil
}

// NewContext builds a fresh executor context for one EXECUTE invocation.
func NewContext(host hostapi.HostFramework, tid hostapi.ThreadID, writeFD int, mainAddr uintptr, target hostapi.Symbol, gettingInitState bool, iv *iovec.IOVec) *Context {
	return &Context{
		Host:             host,
		TID:              tid,
		MainAddr:         mainAddr,
		Target:           target,
		GettingInitState: gettingInitState,
		ClientRunning:    true,
		IOVec:            iv,
		blocks:           make(map[uintptr]ir.Block),
		coveragePCs:      make(map[uintptr]bool),
		ObservedSyscalls: make(map[uint64]bool),
		ExecutorWriteFD:  writeFD,
	}
}

// BlockLookup adapts Context's block index to taint.BlockLookup, for
// running the taint engine over the recorded trace after a fault.
func (c *Context) BlockLookup(pc uintptr) (ir.Block, bool) {
	for _, b := range c.blocks {
		if pc >= b.Start && pc <= b.End {
			return b, true
		}
	}
	return ir.Block{}, false
}

// BlockRewriter drives the two instrumentation phases over each block the
// host hands to its block-translation callback.
type BlockRewriter struct {
	ctx *Context
}

// NewBlockRewriter builds a rewriter bound to ctx.
func NewBlockRewriter(ctx *Context) *BlockRewriter {
	return &BlockRewriter{ctx: ctx}
}

// RewriteBlock runs Phase A (replace_main_reference) or Phase B
// (instrument_target) over block, selecting the phase by ctx.MainReplaced
// exactly as the original selects by the main_replaced global, then
// indexes the block so later taint propagation can find it by address.
func (r *BlockRewriter) RewriteBlock(block ir.Block) ir.Block {
	if !r.ctx.MainReplaced {
		r.replaceMainReference(&block)
	} else {
		r.instrumentTarget(&block)
	}
	r.ctx.blocks[block.Start] = block
	return block
}

// replaceMainReference is Phase A: scan for a Put whose data is a constant
// equal to main_addr and rewrite it to target_func_addr, redirecting the
// program's normal startup transfer of control to main into a transfer to
// the chosen target instead.
func (r *BlockRewriter) replaceMainReference(block *ir.Block) {
	for i := range block.Stmts {
		stmt := &block.Stmts[i]
		if stmt.Kind != ir.StmtPut || stmt.PutData == nil {
			continue
		}
		if stmt.PutData.Kind == ir.ExprConst && stmt.PutData.ConstVal == r.ctx.MainAddr {
			stmt.PutData.ConstVal = r.ctx.Target.Addr
			r.ctx.MainReplaced = true
			return
		}
	}
}

// instrumentTarget is Phase B: walk the block's IMarks in order, deciding
// at each one whether to invoke jump_to_target_function,
// maybe_report_success, or record_current_state, and honoring a trailing
// non-fall-through Exit inside the target by reporting success first.
func (r *BlockRewriter) instrumentTarget(block *ir.Block) {
	marks := block.IMarks()
	for i, addr := range marks {
		isLast := i == len(marks)-1
		inTarget := addr >= r.ctx.Target.Addr && addr < r.ctx.Target.Addr+r.ctx.Target.Size

		switch {
		case addr == r.ctx.Target.Addr:
			r.JumpToTargetFunction()
		case inTarget && isLast && blockEndsInReturn(block):
			r.MaybeReportSuccess()
		default:
			r.RecordCurrentState(addr)
		}
	}

	if len(block.Stmts) > 0 {
		last := block.Stmts[len(block.Stmts)-1]
		if last.Kind == ir.StmtExit && last.ExitJumpKind != ir.JumpBoring {
			if inTargetRange(r.ctx, block.Start) {
				r.MaybeReportSuccess()
			}
		}
	}
}

func blockEndsInReturn(block *ir.Block) bool {
	if len(block.Stmts) == 0 {
		return false
	}
	last := block.Stmts[len(block.Stmts)-1]
	return last.Kind == ir.StmtExit && last.ExitJumpKind == ir.JumpRet
}

func inTargetRange(ctx *Context, addr uintptr) bool {
	return addr >= ctx.Target.Addr && addr < ctx.Target.Addr+ctx.Target.Size
}

// JumpToTargetFunction is the dirty call inserted at the target's entry
// IMark. On the first call it either snapshots initial register state (in
// getting-initial-state mode) or loads the fuzzed/supplied IOVec's
// register_state into the guest; on recursive re-entry it only bumps the
// recursion counter and records state.
func (c *Context) JumpToTargetFunction() {
	if !c.TargetCalled {
		if c.GettingInitState {
			c.snapshotInitialState()
			return
		}

		regs, err := c.Host.ReadRegisters(c.TID)
		if err == nil {
			for _, rv := range c.IOVec.InitialState.RegisterState {
				writeRegisterValue(&regs, rv)
			}
			_ = c.Host.WriteRegisters(c.TID, regs)
		}

		c.TargetCalled = true
		c.RecordCurrentState(c.Target.Addr)
		return
	}

	c.RecursiveCallCount++
	c.RecordCurrentState(c.Target.Addr)
}

// snapshotInitialState serves SERVER_GETTING_INIT_STATE: read the guest's
// architectural register state and send it back verbatim as OK(state),
// rather than running the target -- the caller uses this snapshot to seed
// a later FUZZ/SET_CTX round's register_state.
func (c *Context) snapshotInitialState() {
	regs, err := c.Host.ReadRegisters(c.TID)
	if err != nil {
		c.sendFail("failed to read registers for initial state snapshot")
		return
	}
	c.sendOK(append([]byte(nil), regs.Raw...))
}

// writeRegisterValue places rv.Value at rv.GuestStateOffset within regs.Raw.
func writeRegisterValue(regs *hostapi.GuestState, rv iovec.RegisterValue) {
	off := int(rv.GuestStateOffset)
	if off < 0 || off+8 > len(regs.Raw) {
		return
	}
	for i := 0; i < 8; i++ {
		regs.Raw[off+i] = byte(rv.Value >> (8 * i))
	}
}

// RecordCurrentState is the dirty call inserted at every other IMark of an
// instrumented block: iff the client is still running and both rewrite
// phases have taken effect, snapshot the guest's instruction pointer into
// the trace.
func (c *Context) RecordCurrentState(addr uintptr) {
	if !c.ClientRunning || !c.MainReplaced || !c.TargetCalled {
		return
	}
	c.Trace = append(c.Trace, taint.RecordedState{PC: addr})
	if c.CoverageRequested {
		c.coveragePCs[addr] = true
	}
}

// MaybeReportSuccess is the dirty call inserted at the target's return
// point (and before any non-fall-through Exit inside it). It decrements
// the recursion counter; only the outermost return actually reports.
func (c *Context) MaybeReportSuccess() {
	if c.RecursiveCallCount > 0 {
		c.RecursiveCallCount--
		return
	}

	if c.IOVec != nil {
		regs, err := c.Host.ReadRegisters(c.TID)
		if err == nil {
			fillExpectedState(c.IOVec, regs)
		}
		for sysno := range c.ObservedSyscalls {
			c.IOVec.SystemCalls.Add(sysno)
		}
	}

	if c.CoverageRequested {
		c.sendCoverage()
		c.cleanupAndExit()
		return
	}

	c.sendOK(iovec.Encode(c.IOVec))
	c.cleanupAndExit()
}

// fillExpectedState records the target's raw return value (the bytes at
// the architecture's return-register offset) into iv.ReturnValue, and
// overwrites iv.InitialState.RegisterState with a fresh snapshot of the
// guest's live registers at the return point -- the way
// maybe_report_success captures rax/x0 plus the rest of the architectural
// state before handing the IOVec back to the command server as the
// baseline a replay is judged against.
func fillExpectedState(iv *iovec.IOVec, regs hostapi.GuestState) {
	const returnRegisterOffset = 0
	const returnRegisterSize = 8
	if len(regs.Raw) >= returnRegisterOffset+returnRegisterSize {
		iv.ReturnValue = iovec.ReturnValue{
			Value: append([]byte(nil), regs.Raw[returnRegisterOffset:returnRegisterOffset+returnRegisterSize]...),
		}
	}
	iv.InitialState.RegisterState = snapshotLiveRegisters(regs)
}

// snapshotLiveRegisters captures every guest-state word in regs as a
// RegisterValue, the internal/executor counterpart to the command server's
// own register-snapshot helper used when building a fresh IOVec for FUZZ.
func snapshotLiveRegisters(regs hostapi.GuestState) []iovec.RegisterValue {
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

// HandleFault is the SIGSEGV handler: on a fault while the client is
// running and the target has been called, if an IOVec is present, run the
// taint engine over the recorded trace and report the pointer locations it
// implicates via NEW_ALLOC; with no IOVec, report a plain FAIL. The Context
// does not record whether its IOVec was fuzzed or driver-supplied, so both
// kinds take the taint path.
func (c *Context) HandleFault(signal int, faultAddr uintptr) {
	if !c.ClientRunning || !c.TargetCalled {
		c.cleanupAndExit()
		return
	}

	if c.IOVec == nil {
		c.sendFail("fault with no active IOVec")
		c.cleanupAndExit()
		return
	}

	eng := &taint.Engine{InstructionPointerOffset: c.Host.InstructionPointerOffset()}
	c.Trace = append(c.Trace, taint.RecordedState{PC: faultAddr})

	result, err := eng.Propagate(c.Trace, c.BlockLookup)
	if err != nil {
		c.sendFail("taint propagation failed: " + err.Error())
		c.cleanupAndExit()
		return
	}

	c.sendNewAlloc(faultAddr, result)
	c.cleanupAndExit()
}

// ObserveSyscall is the syscall-observer dirty call: once the target has
// been called, record every syscall number seen on entry.
func (c *Context) ObserveSyscall(sysno int64, before bool) {
	if !before || !c.TargetCalled {
		return
	}
	c.ObservedSyscalls[uint64(sysno)] = true
}

func (c *Context) cleanupAndExit() {
	c.ClientRunning = false
}

func (c *Context) sendOK(payload []byte) {
	_ = wire.Write(c.ExecutorWriteFD, wire.Message{Tag: constants.MsgOK, Payload: payload})
}

func (c *Context) sendFail(msg string) {
	_ = wire.Write(c.ExecutorWriteFD, wire.Message{Tag: constants.MsgFail, Payload: []byte(msg)})
}

func (c *Context) sendCoverage() {
	pcs := make([]byte, 0, len(c.coveragePCs)*8)
	for pc := range c.coveragePCs {
		for i := 0; i < 8; i++ {
			pcs = append(pcs, byte(uint64(pc)>>(8*i)))
		}
	}
	_ = wire.Write(c.ExecutorWriteFD, wire.Message{Tag: constants.MsgCoverage, Payload: pcs})
}

// location kind tags distinguishing a tainted guest register from a
// tainted IR temporary within a serialized NEW_ALLOC location entry.
const (
	locationKindRegister byte = 0
	locationKindTemp     byte = 1
)

// sendNewAlloc serializes fix_address_space's result as
// [tainted_address][count][location]*: the single distinguished address
// suspected of being a pointer (the faulting address itself), then every
// tainted register and temporary found during the backward walk, each
// tagged so the driver can tell a register offset from a temp id.
func (c *Context) sendNewAlloc(taintedAddr uintptr, result taint.Result) {
	count := len(result.Registers) + len(result.Temps)
	payload := make([]byte, 0, 8+4+count*5)

	for i := 0; i < 8; i++ {
		payload = append(payload, byte(uint64(taintedAddr)>>(8*i)))
	}
	for i := 0; i < 4; i++ {
		payload = append(payload, byte(uint32(count)>>(8*i)))
	}
	for _, r := range result.Registers {
		payload = append(payload, locationKindRegister)
		payload = append(payload,
			byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}
	for _, t := range result.Temps {
		payload = append(payload, locationKindTemp)
		payload = append(payload,
			byte(t), byte(t>>8), byte(t>>16), byte(t>>24))
	}

	_ = wire.Write(c.ExecutorWriteFD, wire.Message{Tag: constants.MsgNewAlloc, Payload: payload})
}
