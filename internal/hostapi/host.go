// Package hostapi defines the seam between the harness and the dynamic
// translation / process-control host it runs under. A real deployment
// sits on top of a binary translation framework (the role Valgrind plays
// for the original tool); this module never assumes one exists. Every
// capability a disassembler, debugger, or DBI host would normally provide
// is bundled into the HostFramework interface below, and anything this
// module implements on its own is a best-effort default -- not a
// replacement for a real one.
package hostapi

import "github.com/taintlab/segrind/internal/ir"

// ThreadID identifies a traced OS thread within the guest process.
type ThreadID int32

// Symbol is a resolved guest symbol: a name bound to an address and size.
type Symbol struct {
	Name string
	Addr uintptr
	Size uintptr
}

// Protection mirrors mprotect-style page protection bits, used by
// AddressValidForClient to report what kind of access a range supports.
type Protection uint8

const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
	ProtExec  Protection = 1 << 2
)

// GuestState is an opaque snapshot of the traced process's general-purpose
// register file, in host-native layout. There are no typed accessors;
// callers that need individual registers decode them from Raw.
type GuestState struct {
	Raw []byte
}

// DirtyCallFunc is a callback the host invokes at a specific point in a
// translated block -- the Go-native equivalent of a VEX "dirty helper
// call". regs lets the callback observe and mutate guest registers in
// place before translated code resumes.
type DirtyCallFunc func(tid ThreadID, regs *GuestState)

// FaultHandlerFunc is invoked when the host's fault catcher observes the
// guest receiving SIGSEGV/SIGBUS. faultAddr is the faulting address, if
// the host could recover one.
type FaultHandlerFunc func(tid ThreadID, signal int, faultAddr uintptr)

// SyscallHookFunc observes a syscall the guest is about to make (before =
// true) or has just completed (before = false).
type SyscallHookFunc func(tid ThreadID, sysno int64, args [6]uintptr, before bool)

// BlockTranslationFunc rewrites a freshly disassembled block before the
// host installs its translation, the seam a block rewriter hooks into to
// add its own dirty calls as each block is first translated.
type BlockTranslationFunc func(ir.Block) ir.Block

// HostFramework bundles every capability spec.md designates a host
// collaborator: symbol resolution, register access, process control,
// address-space queries, disassembly, and instrumentation hooks.
type HostFramework interface {
	// LookupSymbol resolves name (e.g. "main" or a user-provided target
	// function name) to its address and size in the guest image.
	LookupSymbol(name string) (Symbol, error)

	// ReadRegisters captures the current register file of tid.
	ReadRegisters(tid ThreadID) (GuestState, error)

	// WriteRegisters installs regs as tid's register file.
	WriteRegisters(tid ThreadID, regs GuestState) error

	// Fork forks the guest process. In the parent it returns the child's
	// pid and never calls childFn. In the child it calls childFn and does
	// not return to the caller at all -- fork(2) semantics collapsed into
	// a single call so that callers never have to branch on a returned
	// pid == 0 themselves, which would be unsafe to do generically in a
	// multi-goroutine Go process anyway. childFn is expected to end the
	// child process itself (by exiting, execing into guest code, or
	// otherwise never returning); implementations treat a childFn that
	// does return as a bug and terminate the child regardless.
	Fork(childFn func()) (pid int, err error)

	// AddressValidForClient reports whether addr is mapped with at least
	// the given protection in the guest's address space, the Go-native
	// equivalent of VG_(am_is_valid_for_client).
	AddressValidForClient(addr uintptr, prot Protection) bool

	// DisassembleBlock decodes the guest instructions starting at addr
	// into the minimal recorded-IR representation the taint engine and
	// block rewriter operate over.
	DisassembleBlock(addr uintptr) (ir.Block, error)

	// RegisterBlockTranslation arranges for fn to rewrite every block the
	// host translates, before installing it -- the callback a BlockRewriter
	// registers to drive its two instrumentation phases.
	RegisterBlockTranslation(fn BlockTranslationFunc) error

	// RegisterDirtyCall arranges for fn to run when execution reaches
	// addr, before the original instruction there executes.
	RegisterDirtyCall(addr uintptr, fn DirtyCallFunc) error

	// InstallFaultCatcher arranges for fn to run when the guest receives
	// a fault signal, in place of the guest's own (or the default)
	// handler.
	InstallFaultCatcher(fn FaultHandlerFunc) error

	// RegisterSyscallHook arranges for fn to observe every syscall the
	// guest makes.
	RegisterSyscallHook(fn SyscallHookFunc) error

	// InstructionPointerOffset returns the byte offset of the
	// instruction-pointer field within a GuestState's Raw buffer for this
	// architecture.
	InstructionPointerOffset() int

	// GuestStateSize returns the size in bytes of a GuestState's Raw
	// buffer for this architecture.
	GuestStateSize() int
}
