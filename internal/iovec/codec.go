package iovec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/taintlab/segrind/internal/rangemap"
)

// wire field order, fixed to match se_io_vec.c's write_io_vec_to_buf /
// read_io_vec_from_buf exactly:
//
//	host_arch (u32) | host_endness (u32) | random_seed (u32)
//	register_state: count (u64) | { offset (i32), value (u64), is_ptr (u8) } * count
//	address_state:  count (u32) | { min (u64), max (u64), val (u64) } * count
//	pointer_member_locations: count (u32) | { min, max, val } * count
//	expected_state: count (u32) | { min, max, val } * count
//	return_value:   len (u64) | bytes[len] | is_ptr (u8)
//	system_calls:   count (i64) | value (u64) * count

// Encode serializes v into the exact byte layout the executor and command
// server exchange over the wire package's frames.
func Encode(v *IOVec) []byte {
	var buf bytes.Buffer

	writeU32(&buf, uint32(v.HostArch))
	writeU32(&buf, uint32(v.HostEndness))
	writeU32(&buf, v.RandomSeed)

	writeU64(&buf, uint64(len(v.InitialState.RegisterState)))
	for _, r := range v.InitialState.RegisterState {
		writeI32(&buf, r.GuestStateOffset)
		writeU64(&buf, r.Value)
		writeBool(&buf, r.IsPtr)
	}

	encodeRangeMap(&buf, v.InitialState.AddressState)
	encodeRangeMap(&buf, v.InitialState.PointerMemberLocations)
	encodeRangeMap(&buf, v.ExpectedState)

	writeU64(&buf, uint64(len(v.ReturnValue.Value)))
	buf.Write(v.ReturnValue.Value)
	writeBool(&buf, v.ReturnValue.IsPtr)

	syscalls := v.SystemCalls.ToSlice()
	writeI64(&buf, int64(len(syscalls)))
	for _, s := range syscalls {
		writeU64(&buf, uint64(s.(uint64)))
	}

	return buf.Bytes()
}

// Decode parses the byte layout Encode produces.
func Decode(data []byte) (*IOVec, error) {
	r := bytes.NewReader(data)
	v := New()

	var arch, endness uint32
	if err := readU32(r, &arch); err != nil {
		return nil, fmt.Errorf("iovec: host_arch: %w", err)
	}
	if err := readU32(r, &endness); err != nil {
		return nil, fmt.Errorf("iovec: host_endness: %w", err)
	}
	v.HostArch, v.HostEndness = Arch(arch), Endness(endness)

	if err := readU32(r, &v.RandomSeed); err != nil {
		return nil, fmt.Errorf("iovec: random_seed: %w", err)
	}

	var regCount uint64
	if err := readU64(r, &regCount); err != nil {
		return nil, fmt.Errorf("iovec: register_state count: %w", err)
	}
	v.InitialState.RegisterState = make([]RegisterValue, 0, regCount)
	for i := uint64(0); i < regCount; i++ {
		var reg RegisterValue
		if err := readI32(r, &reg.GuestStateOffset); err != nil {
			return nil, fmt.Errorf("iovec: register[%d] offset: %w", i, err)
		}
		if err := readU64(r, &reg.Value); err != nil {
			return nil, fmt.Errorf("iovec: register[%d] value: %w", i, err)
		}
		if err := readBool(r, &reg.IsPtr); err != nil {
			return nil, fmt.Errorf("iovec: register[%d] is_ptr: %w", i, err)
		}
		v.InitialState.RegisterState = append(v.InitialState.RegisterState, reg)
	}

	var err error
	if v.InitialState.AddressState, err = decodeRangeMap(r); err != nil {
		return nil, fmt.Errorf("iovec: address_state: %w", err)
	}
	if v.InitialState.PointerMemberLocations, err = decodeRangeMap(r); err != nil {
		return nil, fmt.Errorf("iovec: pointer_member_locations: %w", err)
	}
	if v.ExpectedState, err = decodeRangeMap(r); err != nil {
		return nil, fmt.Errorf("iovec: expected_state: %w", err)
	}

	var retLen uint64
	if err := readU64(r, &retLen); err != nil {
		return nil, fmt.Errorf("iovec: return_value len: %w", err)
	}
	v.ReturnValue.Value = make([]byte, retLen)
	if retLen > 0 {
		if _, err := r.Read(v.ReturnValue.Value); err != nil {
			return nil, fmt.Errorf("iovec: return_value bytes: %w", err)
		}
	}
	if err := readBool(r, &v.ReturnValue.IsPtr); err != nil {
		return nil, fmt.Errorf("iovec: return_value is_ptr: %w", err)
	}

	var syscallCount int64
	if err := readI64(r, &syscallCount); err != nil {
		return nil, fmt.Errorf("iovec: system_calls count: %w", err)
	}
	for i := int64(0); i < syscallCount; i++ {
		var s uint64
		if err := readU64(r, &s); err != nil {
			return nil, fmt.Errorf("iovec: system_calls[%d]: %w", i, err)
		}
		v.SystemCalls.Add(s)
	}

	return v, nil
}

func encodeRangeMap(buf *bytes.Buffer, m *rangemap.Map[uint64]) {
	writeU32(buf, uint32(m.Len()))
	m.Each(func(r rangemap.Range, val uint64) {
		writeU64(buf, uint64(r.Min))
		writeU64(buf, uint64(r.Max))
		writeU64(buf, val)
	})
}

func decodeRangeMap(r *bytes.Reader) (*rangemap.Map[uint64], error) {
	var count uint32
	if err := readU32(r, &count); err != nil {
		return nil, err
	}
	m := rangemap.New[uint64]()
	for i := uint32(0); i < count; i++ {
		var min, max, val uint64
		if err := readU64(r, &min); err != nil {
			return nil, err
		}
		if err := readU64(r, &max); err != nil {
			return nil, err
		}
		if err := readU64(r, &val); err != nil {
			return nil, err
		}
		m.Bind(rangemap.Range{Min: uintptr(min), Max: uintptr(max)}, val)
	}
	return m, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI32(buf *bytes.Buffer, v int32) { writeU32(buf, uint32(v)) }

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) { writeU64(buf, uint64(v)) }

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readU32(r *bytes.Reader, out *uint32) error {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint32(tmp[:])
	return nil
}

func readI32(r *bytes.Reader, out *int32) error {
	var v uint32
	if err := readU32(r, &v); err != nil {
		return err
	}
	*out = int32(v)
	return nil
}

func readU64(r *bytes.Reader, out *uint64) error {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint64(tmp[:])
	return nil
}

func readI64(r *bytes.Reader, out *int64) error {
	var v uint64
	if err := readU64(r, &v); err != nil {
		return err
	}
	*out = int64(v)
	return nil
}

func readBool(r *bytes.Reader, out *bool) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b != 0
	return nil
}
