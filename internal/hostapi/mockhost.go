package hostapi

import (
	"fmt"
	"sync"

	"github.com/taintlab/segrind/internal/ir"
)

// MockHost is a fully in-process HostFramework implementation for testing
// the command server, executor, and taint engine without a real traced
// process. It tracks every call for test assertions, following the same
// call-counting mock pattern the teacher uses for its backend interface.
type MockHost struct {
	mu sync.RWMutex

	Mem *FakeMemory

	symbols map[string]Symbol
	blocks  map[uintptr]ir.Block
	regs    map[ThreadID]GuestState

	dirtyCalls       map[uintptr]DirtyCallFunc
	faultHandler     FaultHandlerFunc
	syscallHook      SyscallHookFunc
	blockTranslation BlockTranslationFunc

	forkPID  int
	forkErr  error
	nextFork int

	lookupCalls      int
	readRegsCalls    int
	writeRegsCalls   int
	forkCalls        int
	validCalls       int
	disassembleCalls int
}

// NewMockHost returns an empty MockHost ready for a test to populate.
func NewMockHost() *MockHost {
	return &MockHost{
		Mem:      NewFakeMemory(),
		symbols:  make(map[string]Symbol),
		blocks:   make(map[uintptr]ir.Block),
		regs:     make(map[ThreadID]GuestState),
		nextFork: 1000,
	}
}

// AddSymbol registers a resolvable symbol for LookupSymbol.
func (h *MockHost) AddSymbol(sym Symbol) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbols[sym.Name] = sym
}

// AddBlock registers a pre-disassembled block for DisassembleBlock.
func (h *MockHost) AddBlock(b ir.Block) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[b.Start] = b
}

// SetRegisters seeds tid's register state for ReadRegisters.
func (h *MockHost) SetRegisters(tid ThreadID, state GuestState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[tid] = state
}

// SetForkResult configures what the next Fork call returns.
func (h *MockHost) SetForkResult(pid int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forkPID, h.forkErr = pid, err
}

func (h *MockHost) LookupSymbol(name string) (Symbol, error) {
	h.mu.Lock()
	h.lookupCalls++
	sym, ok := h.symbols[name]
	h.mu.Unlock()
	if !ok {
		return Symbol{}, fmt.Errorf("hostapi: symbol %q not found", name)
	}
	return sym, nil
}

func (h *MockHost) ReadRegisters(tid ThreadID) (GuestState, error) {
	h.mu.Lock()
	h.readRegsCalls++
	state, ok := h.regs[tid]
	h.mu.Unlock()
	if !ok {
		return GuestState{}, fmt.Errorf("hostapi: no registers recorded for tid %d", tid)
	}
	return state, nil
}

func (h *MockHost) WriteRegisters(tid ThreadID, state GuestState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeRegsCalls++
	h.regs[tid] = state
	return nil
}

// Fork simulates fork(2) without an actual OS process split: it runs
// childFn on its own goroutine (standing in for the child's address
// space) and immediately returns a synthetic pid to the caller, which
// always plays the parent. Tests that need to observe the child's writes
// synchronize through the pipe childFn itself writes to, the same way a
// real parent only learns what its child did by reading its pipe.
func (h *MockHost) Fork(childFn func()) (int, error) {
	h.mu.Lock()
	h.forkCalls++
	if h.forkErr != nil {
		err := h.forkErr
		h.mu.Unlock()
		return 0, err
	}
	pid := h.forkPID
	if pid == 0 {
		pid = h.nextFork
		h.nextFork++
	}
	h.mu.Unlock()

	if childFn != nil {
		go childFn()
	}
	return pid, nil
}

func (h *MockHost) AddressValidForClient(addr uintptr, prot Protection) bool {
	h.mu.Lock()
	h.validCalls++
	h.mu.Unlock()
	return h.Mem.Valid(addr, prot)
}

func (h *MockHost) DisassembleBlock(addr uintptr) (ir.Block, error) {
	h.mu.Lock()
	h.disassembleCalls++
	b, ok := h.blocks[addr]
	h.mu.Unlock()
	if !ok {
		return ir.Block{}, fmt.Errorf("hostapi: no block registered at 0x%x", addr)
	}
	return b, nil
}

func (h *MockHost) RegisterBlockTranslation(fn BlockTranslationFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blockTranslation = fn
	return nil
}

// TranslateBlock simulates the host disassembling the block registered at
// addr and running it through the registered block-translation hook, the
// way a real host would before installing a block's translation.
func (h *MockHost) TranslateBlock(addr uintptr) (ir.Block, bool) {
	h.mu.Lock()
	b, ok := h.blocks[addr]
	fn := h.blockTranslation
	h.mu.Unlock()
	if !ok {
		return ir.Block{}, false
	}
	if fn != nil {
		b = fn(b)
		h.mu.Lock()
		h.blocks[b.Start] = b
		h.mu.Unlock()
	}
	return b, true
}

func (h *MockHost) RegisterDirtyCall(addr uintptr, fn DirtyCallFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirtyCalls == nil {
		h.dirtyCalls = make(map[uintptr]DirtyCallFunc)
	}
	h.dirtyCalls[addr] = fn
	return nil
}

// InvokeDirtyCall runs the callback registered at addr, if any, simulating
// the host reaching that instrumentation point during execution.
func (h *MockHost) InvokeDirtyCall(addr uintptr, tid ThreadID, regs *GuestState) bool {
	h.mu.RLock()
	fn, ok := h.dirtyCalls[addr]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	fn(tid, regs)
	return true
}

func (h *MockHost) InstallFaultCatcher(fn FaultHandlerFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faultHandler = fn
	return nil
}

// RaiseFault simulates the host's fault catcher observing a signal.
func (h *MockHost) RaiseFault(tid ThreadID, signal int, faultAddr uintptr) bool {
	h.mu.RLock()
	fn := h.faultHandler
	h.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(tid, signal, faultAddr)
	return true
}

func (h *MockHost) RegisterSyscallHook(fn SyscallHookFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syscallHook = fn
	return nil
}

// ObserveSyscall simulates the host's syscall hook firing.
func (h *MockHost) ObserveSyscall(tid ThreadID, sysno int64, args [6]uintptr, before bool) bool {
	h.mu.RLock()
	fn := h.syscallHook
	h.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(tid, sysno, args, before)
	return true
}

func (h *MockHost) InstructionPointerOffset() int { return 0 }

func (h *MockHost) GuestStateSize() int { return 8 }

// CallCounts returns how many times each HostFramework method was invoked,
// for test assertions.
func (h *MockHost) CallCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"lookup_symbol":     h.lookupCalls,
		"read_registers":    h.readRegsCalls,
		"write_registers":   h.writeRegsCalls,
		"fork":              h.forkCalls,
		"address_valid":     h.validCalls,
		"disassemble_block": h.disassembleCalls,
	}
}

var _ HostFramework = (*MockHost)(nil)
