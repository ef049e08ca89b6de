package iovec

import (
	"encoding/binary"

	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/hostapi"
)

// ReturnValuesSame compares two return values the way the original does:
// pointer-ness must match exactly, and non-pointer values only need to
// agree in sign (negative/zero/positive), not bit-for-bit -- a target
// returning -1 vs -17 both signal "failure" and should be treated the
// same by a fuzzer that doesn't know the function's exact contract.
func ReturnValuesSame(a, b ReturnValue) bool {
	if a.IsPtr != b.IsPtr {
		return false
	}
	if a.IsPtr {
		return true
	}
	return sign(a.Value) == sign(b.Value)
}

func sign(buf []byte) int {
	v := int64(binary.LittleEndian.Uint64(padTo8(buf)))
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

func padTo8(buf []byte) []byte {
	if len(buf) >= 8 {
		return buf[:8]
	}
	out := make([]byte, 8)
	copy(out, buf)
	return out
}

// CurrentStateMatchesExpected walks io_vec's tracked address state and
// confirms the live memory image still matches what was recorded, the way
// current_state_matches_expected does: return values must agree in sign
// (ReturnValuesSame) and the syscall sets must be equal, then every tracked byte range is either byte-compared
// against ExpectedState (plain data) or, if tagged AllocatedSubPtr,
// revalidated as a live pointer via the host's address-space query rather
// than byte-compared (a pointer's target address is allowed to move
// between runs; only its validity matters).
//
// readByte reads one live byte of guest memory at addr; readPtr reads one
// guest-word-sized pointer value at addr. Both are supplied by the
// executor, which has access to the traced process's memory.
func CurrentStateMatchesExpected(
	v *IOVec,
	observedReturn ReturnValue,
	observedSyscalls []uint64,
	host hostapi.HostFramework,
	readByte func(addr uintptr) (byte, bool),
	readPtr func(addr uintptr) (uintptr, bool),
) bool {
	if !ReturnValuesSame(v.ReturnValue, observedReturn) {
		return false
	}

	want := v.SystemCalls
	if want.Cardinality() != len(observedSyscalls) {
		return false
	}
	for _, s := range observedSyscalls {
		if !want.Contains(s) {
			return false
		}
	}

	inObj := false

	n := v.InitialState.AddressState.Len()
	for i := 0; i < n; i++ {
		r, tag64 := v.InitialState.AddressState.At(i)
		tag := constants.RegionTag(tag64)

		if tag.Has(constants.ObjStart) {
			inObj = true
		}
		if !tag.Has(constants.ObjAllocated) {
			inObj = false
		}

		switch {
		case inObj && !tag.Has(constants.AllocatedSubPtr):
			for addr := r.Min; addr < r.Max; addr++ {
				expected, ok := v.ExpectedState.Lookup(addr)
				if !ok {
					return false
				}
				got, ok := readByte(addr)
				if !ok || got != byte(expected) {
					return false
				}
			}
		case inObj && tag.Has(constants.AllocatedSubPtr):
			// This range holds a pointer member rather than plain data: its
			// target address is allowed to move between runs, so instead of
			// byte-comparing against the recorded value we only check that
			// it still points somewhere valid in the live address space.
			ptrVal, ok := readPtr(r.Min)
			if !ok {
				return false
			}
			valid := host.AddressValidForClient(ptrVal, hostapi.ProtRead) ||
				host.AddressValidForClient(ptrVal, hostapi.ProtWrite) ||
				host.AddressValidForClient(ptrVal, hostapi.ProtExec)
			if !valid {
				return false
			}
		}

		if tag.Has(constants.ObjEnd) {
			inObj = false
		}
	}

	return true
}
