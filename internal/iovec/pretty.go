package iovec

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"

	"github.com/taintlab/segrind/internal/rangemap"
)

var (
	ptrColor    = color.New(color.FgGreen)
	scalarColor = color.New(color.FgYellow)
	headerColor = color.New(color.FgCyan, color.Bold)
)

const banner = "================================================================================"

// PrettyPrint renders v in the same shape as ppIOVec: a banner, the
// headline scalars, the system call set, the initial program state, and
// the expected post-execution byte ranges. Pointer-tagged values are
// colorized so a terminal reader can spot them without reading the is_ptr
// column.
func PrettyPrint(w io.Writer, v *IOVec) {
	headerColor.Fprintln(w, banner)
	fmt.Fprintf(w, "host_arch:    %d\n", v.HostArch)
	fmt.Fprintf(w, "host_endness: %d\n", v.HostEndness)
	fmt.Fprintf(w, "random_seed:  %d\n", v.RandomSeed)

	if len(v.ReturnValue.Value) > 0 {
		marker := scalarColor.Sprint("X")
		if v.ReturnValue.IsPtr {
			marker = ptrColor.Sprint("O")
		}
		fmt.Fprintf(w, "return_value: % x %s\n", v.ReturnValue.Value, marker)
	} else {
		fmt.Fprintln(w, "return_value: (nil)")
	}

	fmt.Fprint(w, "system_calls: ")
	for _, s := range v.SystemCalls.ToSlice() {
		fmt.Fprintf(w, "%d ", s)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Initial State:")
	PrettyPrintProgramState(w, v.InitialState)

	fmt.Fprintln(w, "Expected State:")
	v.ExpectedState.Each(func(r rangemap.Range, val uint64) {
		fmt.Fprintf(w, "\t[ 0x%x -- 0x%x ] = 0x%02x\n", r.Min, r.Max, byte(val))
	})
	headerColor.Fprintln(w, banner)
}

// PrettyPrintProgramState renders one ProgramState in the same shape as
// ppProgramState: allocated address ranges, pointer member locations, and
// the register file.
func PrettyPrintProgramState(w io.Writer, ps *ProgramState) {
	fmt.Fprintln(w, "Allocated addresses:")
	ps.AddressState.Each(func(r rangemap.Range, val uint64) {
		fmt.Fprintf(w, "\t0x%016x -- 0x%016x = %d\n", r.Min, r.Max, val)
	})

	fmt.Fprintln(w, "pointer_member_locations:")
	ps.PointerMemberLocations.Each(func(r rangemap.Range, val uint64) {
		if val > 0 {
			marker := ptrColor.Sprint("->")
			fmt.Fprintf(w, "\t0x%x %s 0x%x\n", r.Min, marker, val)
		}
	})

	fmt.Fprintln(w, "register_state:")
	for _, reg := range ps.RegisterState {
		marker := scalarColor.Sprint("X")
		if reg.IsPtr {
			marker = ptrColor.Sprint("O")
		}
		fmt.Fprintf(w, "\t%d\t= 0x%016x %s\n", reg.GuestStateOffset, reg.Value, marker)
	}
}

// DebugDump returns a deep, field-by-field dump of v for debug-level
// logging, using go-spew the way a Go program reaches for it instead of
// hand-rolling a recursive printer.
func DebugDump(v *IOVec) string {
	return spew.Sdump(v)
}
