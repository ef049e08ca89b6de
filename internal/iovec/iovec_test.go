package iovec

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/rangemap"
)

func sampleIOVec() *IOVec {
	v := New()
	v.RandomSeed = 0xdeadbeef
	v.InitialState.RegisterState = []RegisterValue{
		{GuestStateOffset: 16, Value: 0x1000, IsPtr: true},
		{GuestStateOffset: 24, Value: 42, IsPtr: false},
	}
	v.InitialState.AddressState.Bind(rangemap.Range{Min: 0x1000, Max: 0x1010}, uint64(constants.ObjStart|constants.ObjAllocated|constants.ObjEnd))
	v.InitialState.PointerMemberLocations.Bind(rangemap.Range{Min: 0x1000, Max: 0x1008}, 0x2000)
	v.ExpectedState.Bind(rangemap.Range{Min: 0x1000, Max: 0x1001}, 0xAB)
	v.ReturnValue = ReturnValue{Value: []byte{1, 0, 0, 0, 0, 0, 0, 0}, IsPtr: false}
	v.SystemCalls.Add(uint64(0))  // read
	v.SystemCalls.Add(uint64(1))  // write
	v.SystemCalls.Add(uint64(60)) // exit
	return v
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleIOVec()
	data := Encode(want)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	opts := cmp.Options{
		cmp.Comparer(func(a, b *rangemap.Map[uint64]) bool {
			if a.Len() != b.Len() {
				return false
			}
			for i := 0; i < a.Len(); i++ {
				ra, va := a.At(i)
				rb, vb := b.At(i)
				if ra != rb || va != vb {
					return false
				}
			}
			return true
		}),
	}

	if diff := cmp.Diff(want.HostArch, got.HostArch); diff != "" {
		t.Errorf("HostArch mismatch: %s", diff)
	}
	if diff := cmp.Diff(want.RandomSeed, got.RandomSeed); diff != "" {
		t.Errorf("RandomSeed mismatch: %s", diff)
	}
	if diff := cmp.Diff(want.InitialState.RegisterState, got.InitialState.RegisterState, opts); diff != "" {
		t.Errorf("RegisterState mismatch: %s", diff)
	}
	if diff := cmp.Diff(want.ReturnValue, got.ReturnValue, opts); diff != "" {
		t.Errorf("ReturnValue mismatch: %s", diff)
	}
	if got.InitialState.AddressState.Len() != want.InitialState.AddressState.Len() {
		t.Errorf("AddressState length mismatch: got %d want %d", got.InitialState.AddressState.Len(), want.InitialState.AddressState.Len())
	}
	if got.SystemCalls.Cardinality() != want.SystemCalls.Cardinality() {
		t.Errorf("SystemCalls cardinality mismatch: got %d want %d", got.SystemCalls.Cardinality(), want.SystemCalls.Cardinality())
	}
}

func TestReturnValuesSameSignOnly(t *testing.T) {
	neg1 := ReturnValue{Value: i64Bytes(-1), IsPtr: false}
	neg17 := ReturnValue{Value: i64Bytes(-17), IsPtr: false}
	pos1 := ReturnValue{Value: i64Bytes(1), IsPtr: false}
	zero := ReturnValue{Value: i64Bytes(0), IsPtr: false}

	if !ReturnValuesSame(neg1, neg17) {
		t.Error("expected two negative values to be considered the same")
	}
	if ReturnValuesSame(neg1, pos1) {
		t.Error("expected negative and positive to differ")
	}
	if ReturnValuesSame(zero, neg1) {
		t.Error("expected zero and nonzero to differ")
	}
	ptrA := ReturnValue{Value: i64Bytes(100), IsPtr: true}
	ptrB := ReturnValue{Value: i64Bytes(999), IsPtr: true}
	if !ReturnValuesSame(ptrA, ptrB) {
		t.Error("expected two pointer return values to be considered the same regardless of address")
	}
	if ReturnValuesSame(ptrA, pos1) {
		t.Error("expected IsPtr mismatch to fail")
	}
}

func i64Bytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func TestCurrentStateMatchesExpectedPlainData(t *testing.T) {
	v := New()
	v.InitialState.AddressState.Bind(rangemap.Range{Min: 0x1000, Max: 0x1004}, uint64(constants.ObjStart|constants.ObjAllocated|constants.ObjEnd))
	v.ExpectedState.Bind(rangemap.Range{Min: 0x1000, Max: 0x1001}, 0xAA)
	v.ExpectedState.Bind(rangemap.Range{Min: 0x1001, Max: 0x1002}, 0xBB)
	v.ExpectedState.Bind(rangemap.Range{Min: 0x1002, Max: 0x1003}, 0xCC)
	v.ExpectedState.Bind(rangemap.Range{Min: 0x1003, Max: 0x1004}, 0xDD)
	v.ReturnValue = ReturnValue{Value: i64Bytes(0), IsPtr: false}

	live := map[uintptr]byte{0x1000: 0xAA, 0x1001: 0xBB, 0x1002: 0xCC, 0x1003: 0xDD}
	readByte := func(addr uintptr) (byte, bool) { b, ok := live[addr]; return b, ok }
	readPtr := func(addr uintptr) (uintptr, bool) { return 0, false }

	host := hostapi.NewMockHost()

	ok := CurrentStateMatchesExpected(v, ReturnValue{Value: i64Bytes(0), IsPtr: false}, nil, host, readByte, readPtr)
	if !ok {
		t.Fatal("expected matching state to pass")
	}

	live[0x1002] = 0xFF
	ok = CurrentStateMatchesExpected(v, ReturnValue{Value: i64Bytes(0), IsPtr: false}, nil, host, readByte, readPtr)
	if ok {
		t.Fatal("expected corrupted byte to fail the check")
	}
}

func TestCurrentStateMatchesExpectedSubPointer(t *testing.T) {
	v := New()
	v.InitialState.AddressState.Bind(rangemap.Range{Min: 0x2000, Max: 0x2008}, uint64(constants.ObjStart|constants.ObjAllocated|constants.AllocatedSubPtr|constants.ObjEnd))
	v.ReturnValue = ReturnValue{Value: i64Bytes(0), IsPtr: false}

	host := hostapi.NewMockHost()
	host.Mem.Map(0x3000, 16, hostapi.ProtRead|hostapi.ProtWrite)

	readPtr := func(addr uintptr) (uintptr, bool) { return 0x3000, true }
	readByte := func(addr uintptr) (byte, bool) { return 0, false }

	ok := CurrentStateMatchesExpected(v, ReturnValue{Value: i64Bytes(0), IsPtr: false}, nil, host, readByte, readPtr)
	if !ok {
		t.Fatal("expected valid pointer target to pass")
	}

	readPtrInvalid := func(addr uintptr) (uintptr, bool) { return 0x9999, true }
	ok = CurrentStateMatchesExpected(v, ReturnValue{Value: i64Bytes(0), IsPtr: false}, nil, host, readByte, readPtrInvalid)
	if ok {
		t.Fatal("expected dangling pointer to fail the check")
	}
}

func TestTranslateToHostCopiesState(t *testing.T) {
	original := sampleIOVec()
	host := New()
	host.InitialState.RegisterState = make([]RegisterValue, len(original.InitialState.RegisterState))

	TranslateToHost(original, host)

	if host.RandomSeed != original.RandomSeed {
		t.Errorf("RandomSeed not copied")
	}
	if host.InitialState.AddressState.Len() != original.InitialState.AddressState.Len() {
		t.Errorf("AddressState not copied")
	}
	if host.SystemCalls.Cardinality() != original.SystemCalls.Cardinality() {
		t.Errorf("SystemCalls not copied")
	}

	// Mutating original afterward must not affect host (deep copy).
	original.InitialState.AddressState.Bind(rangemap.Range{Min: 0x9000, Max: 0x9010}, 1)
	if host.InitialState.AddressState.Len() == original.InitialState.AddressState.Len() {
		t.Errorf("expected host AddressState to be independent of later mutation to original")
	}
}
