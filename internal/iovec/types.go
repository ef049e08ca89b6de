// Package iovec implements the serializable fuzzed/replayed program state
// exchanged between the command server and the executor: register values,
// tracked address ranges, the expected post-execution memory image, the
// observed return value, and the set of syscalls a run makes.
// This is the Go-native equivalent of se_io_vec.c/se_io_vec.h.
package iovec

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/taintlab/segrind/internal/rangemap"
)

// RegisterValue is one tracked guest register: its offset into the guest
// state, its current value, and whether that value is a pointer.
type RegisterValue struct {
	GuestStateOffset int32
	Value            uint64
	IsPtr            bool
}

// ProgramState is the address-space view carried alongside a register set:
// which byte ranges are allocated objects (AddressState, tagged with
// constants.RegionTag bits) and which of those bytes are themselves pointer
// members into another allocation (PointerMemberLocations).
type ProgramState struct {
	RegisterState         []RegisterValue
	AddressState          *rangemap.Map[uint64]
	PointerMemberLocations *rangemap.Map[uint64]
}

// NewProgramState returns an empty ProgramState with initialized range
// maps, ready to be populated by a fuzzer or a recorded trace.
func NewProgramState() *ProgramState {
	return &ProgramState{
		AddressState:           rangemap.New[uint64](),
		PointerMemberLocations: rangemap.New[uint64](),
	}
}

// ReturnValue is the observed or expected result of calling the target
// function: raw bytes plus whether the value should be interpreted as a
// pointer.
type ReturnValue struct {
	Value []byte
	IsPtr bool
}

// Arch identifies the host instruction-set architecture an IOVec was
// captured under, the Go-native equivalent of VexArch.
type Arch uint32

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

// Endness identifies host byte order, the Go-native equivalent of
// VexEndness.
type Endness uint32

const (
	EndnessLittle Endness = iota
	EndnessBig
)

// IOVec bundles everything needed to set up and judge one fuzzed or
// replayed execution of a target function.
type IOVec struct {
	HostArch    Arch
	HostEndness Endness
	RandomSeed  uint32

	InitialState  *ProgramState
	ExpectedState *rangemap.Map[uint64]
	ReturnValue   ReturnValue
	SystemCalls   mapset.Set
}

// New returns an empty IOVec with every nested collection initialized,
// mirroring create_io_vec's zero-and-allocate pattern.
func New() *IOVec {
	return &IOVec{
		HostArch:      ArchAMD64,
		HostEndness:   EndnessLittle,
		InitialState:  NewProgramState(),
		ExpectedState: rangemap.New[uint64](),
		SystemCalls:   mapset.NewSet(),
	}
}

// SeedFromPID derives the fuzz random seed the same way the command
// server does: (pid << 9) ^ ppid, giving each forked executor a distinct
// but reproducible stream.
func SeedFromPID(pid, ppid int) uint32 {
	return uint32(pid)<<9 ^ uint32(ppid)
}
