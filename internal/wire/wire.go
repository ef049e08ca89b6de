// Package wire implements the frame codec and pipe I/O used on both the
// commander<->executor command pipe and the executor<->commander result
// pipe. Every frame is [tag: 1 byte][length: 4 bytes little-endian]
// [payload: length bytes], matching the original's write_to_commander /
// read_from_commander / read_from_executor framing over plain fds.
//
// Field-by-field binary.LittleEndian marshaling is used throughout this
// module rather than unsafe/reflection-based struct copying: this is a
// long-lived on-disk/on-wire protocol between two processes potentially
// built by different toolchains, and explicit marshaling keeps that
// protocol stable across Go versions and struct layout changes the way
// the teacher's unsafe fallback could not (see DESIGN.md).
package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/taintlab/segrind/internal/constants"
)

// Message is one frame of the command/executor protocol.
type Message struct {
	Tag     constants.MessageTag
	Payload []byte
}

const headerSize = 1 + 4 // tag + length

// Write sends msg on fd, retrying on short writes and EINTR, matching the
// original's write_to_commander loop semantics.
func Write(fd int, msg Message) error {
	header := make([]byte, headerSize)
	header[0] = byte(msg.Tag)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(msg.Payload)))

	if err := writeFull(fd, header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(msg.Payload) > 0 {
		if err := writeFull(fd, msg.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wire: write returned 0 with %d bytes remaining", len(buf))
		}
		buf = buf[n:]
	}
	return nil
}

// ErrClosed is returned by Read when the peer closed its end of the pipe
// before any bytes of a new frame arrived -- the original's "POLLHUP with
// no data" case, which the command server treats as an implicit FAIL.
var ErrClosed = fmt.Errorf("wire: peer closed pipe")

// Read receives one frame from fd, retrying on EINTR and on short reads.
// Payload buffers below the top pool bucket are drawn from the shared
// frame pool; callers that want to release a payload back to the pool may
// call Release.
func Read(fd int) (Message, error) {
	header := make([]byte, headerSize)
	n, err := readFull(fd, header)
	if err != nil {
		return Message{}, fmt.Errorf("wire: read header: %w", err)
	}
	if n == 0 {
		return Message{}, ErrClosed
	}
	if n < headerSize {
		return Message{}, fmt.Errorf("wire: truncated header (%d of %d bytes)", n, headerSize)
	}

	tag := constants.MessageTag(header[0])
	length := binary.LittleEndian.Uint32(header[1:5])

	payload := getBuffer(length)
	if length > 0 {
		pn, err := readFull(fd, payload)
		if err != nil {
			return Message{}, fmt.Errorf("wire: read payload: %w", err)
		}
		if uint32(pn) < length {
			return Message{}, fmt.Errorf("wire: truncated payload (%d of %d bytes)", pn, length)
		}
	}

	return Message{Tag: tag, Payload: payload}, nil
}

// Release returns msg's payload buffer to the shared pool. Callers that
// retain a reference to the payload past this call must not call it.
func Release(msg Message) {
	if msg.Payload != nil {
		putBuffer(msg.Payload)
	}
}

// readFull reads exactly len(buf) bytes, or returns the partial count read
// before EOF/closed-pipe. A return of (0, nil) signals the peer closed the
// pipe before sending anything, distinguished from a genuine error.
func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}
