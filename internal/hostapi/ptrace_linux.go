//go:build linux && amd64

package hostapi

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/taintlab/segrind/internal/ir"
)

// PtraceHost is the default Linux/amd64 HostFramework. It traces a single
// guest process with ptrace(2). Real DBI capabilities this module cannot
// provide on its own -- disassembly, dirty-call injection, fault catching,
// syscall hooking, symbol resolution -- report ErrNotSupported; callers
// that need those supply their own HostFramework (see SPEC_FULL.md §6).
//
// ptrace requires every PTRACE_* call for a given tracee to originate from
// the same OS thread that attached it. PtraceHost owns a dedicated
// goroutine pinned with runtime.LockOSThread and dispatches every ptrace
// operation through it via a function channel -- the same shape as the
// debugger-server command pattern in the retrieval pack, where a single
// ptraceRun goroutine serializes all ptrace access for a traced process.
type PtraceHost struct {
	pid ThreadID
	fc  chan func() error
	ec  chan error
}

// ErrNotSupported is returned by HostFramework methods PtraceHost cannot
// back without a real disassembler/DBI framework.
var ErrNotSupported = fmt.Errorf("hostapi: not supported by the default ptrace host")

// NewPtraceHost attaches to pid and starts its dedicated ptrace goroutine.
func NewPtraceHost(pid int) *PtraceHost {
	h := &PtraceHost{
		pid: ThreadID(pid),
		fc:  make(chan func() error),
		ec:  make(chan error),
	}
	go h.run()
	// Attach from the dispatcher thread so it becomes the tracer. An attach
	// failure is not returned here; it surfaces as an error from the first
	// register access.
	_ = h.do(func() error {
		if err := unix.PtraceAttach(pid); err != nil {
			return err
		}
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		return err
	})
	return h
}

// run is the OS-thread-pinned ptrace dispatcher. All PTRACE_* syscalls for
// h.pid happen on this goroutine for the lifetime of the host.
func (h *PtraceHost) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range h.fc {
		h.ec <- fn()
	}
}

// do runs fn on the ptrace goroutine and waits for its result.
func (h *PtraceHost) do(fn func() error) error {
	h.fc <- fn
	return <-h.ec
}

func (h *PtraceHost) LookupSymbol(name string) (Symbol, error) {
	return Symbol{}, fmt.Errorf("hostapi: LookupSymbol(%q): %w", name, ErrNotSupported)
}

func (h *PtraceHost) ReadRegisters(tid ThreadID) (GuestState, error) {
	var regs unix.PtraceRegs
	err := h.do(func() error { return unix.PtraceGetRegs(int(tid), &regs) })
	if err != nil {
		return GuestState{}, fmt.Errorf("hostapi: PtraceGetRegs: %w", err)
	}
	raw := make([]byte, unsafe.Sizeof(regs))
	copy(raw, (*(*[unsafe.Sizeof(unix.PtraceRegs{})]byte)(unsafe.Pointer(&regs)))[:])
	return GuestState{Raw: raw}, nil
}

func (h *PtraceHost) WriteRegisters(tid ThreadID, state GuestState) error {
	var regs unix.PtraceRegs
	if len(state.Raw) != int(unsafe.Sizeof(regs)) {
		return fmt.Errorf("hostapi: WriteRegisters: expected %d bytes, got %d", unsafe.Sizeof(regs), len(state.Raw))
	}
	copy((*(*[unsafe.Sizeof(unix.PtraceRegs{})]byte)(unsafe.Pointer(&regs)))[:], state.Raw)
	err := h.do(func() error { return unix.PtraceSetRegs(int(tid), &regs) })
	if err != nil {
		return fmt.Errorf("hostapi: PtraceSetRegs: %w", err)
	}
	return nil
}

// Fork forks the calling harness process via the raw fork syscall and
// runs childFn in the child; the traced process h.pid is not forked. The
// raw syscall is used instead of os/exec because childFn keeps running
// inside the forked image itself rather than exec'ing a new binary.
func (h *PtraceHost) Fork(childFn func()) (int, error) {
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("hostapi: fork: %w", errno)
	}
	if pid == 0 {
		childFn()
		unix.Exit(1) // childFn must not return; this is a safety net, not the intended path.
	}
	return int(pid), nil
}

// AddressValidForClient reports whether addr falls in a mapping described
// by /proc/pid/maps with at least the requested protection -- the
// Go-native stand-in for VG_(am_is_valid_for_client), which consults the
// host's own address-space manager rather than the kernel's view.
func (h *PtraceHost) AddressValidForClient(addr uintptr, prot Protection) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", h.pid))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if uintptr(lo) <= addr && addr < uintptr(hi) {
			perms := fields[1]
			return permsSatisfy(perms, prot)
		}
	}
	return false
}

func permsSatisfy(perms string, prot Protection) bool {
	if prot.has(ProtRead) && (len(perms) < 1 || perms[0] != 'r') {
		return false
	}
	if prot.has(ProtWrite) && (len(perms) < 2 || perms[1] != 'w') {
		return false
	}
	if prot.has(ProtExec) && (len(perms) < 3 || perms[2] != 'x') {
		return false
	}
	return true
}

func (p Protection) has(bit Protection) bool { return p&bit != 0 }

func (h *PtraceHost) DisassembleBlock(addr uintptr) (ir.Block, error) {
	return ir.Block{}, fmt.Errorf("hostapi: DisassembleBlock(0x%x): %w", addr, ErrNotSupported)
}

func (h *PtraceHost) RegisterBlockTranslation(fn BlockTranslationFunc) error {
	return fmt.Errorf("hostapi: RegisterBlockTranslation: %w", ErrNotSupported)
}

func (h *PtraceHost) RegisterDirtyCall(addr uintptr, fn DirtyCallFunc) error {
	return fmt.Errorf("hostapi: RegisterDirtyCall: %w", ErrNotSupported)
}

func (h *PtraceHost) InstallFaultCatcher(fn FaultHandlerFunc) error {
	return fmt.Errorf("hostapi: InstallFaultCatcher: %w", ErrNotSupported)
}

func (h *PtraceHost) RegisterSyscallHook(fn SyscallHookFunc) error {
	return fmt.Errorf("hostapi: RegisterSyscallHook: %w", ErrNotSupported)
}

func (h *PtraceHost) InstructionPointerOffset() int {
	return int(unsafe.Offsetof(unix.PtraceRegs{}.Rip))
}

func (h *PtraceHost) GuestStateSize() int {
	return int(unsafe.Sizeof(unix.PtraceRegs{}))
}

var _ HostFramework = (*PtraceHost)(nil)
