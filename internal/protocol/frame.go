package protocol

import (
	"encoding/binary"
	"io"
)

// ReadFrame reads one complete length-prefixed frame from r and returns its
// payload (opcode byte included). It blocks until a full frame has arrived
// or r returns an error. A length prefix over MaxPayloadLen is a
// ProtocolViolation; a short read surfaces the error from io.ReadFull
// (io.EOF if the stream ended before the first byte of the part being read,
// io.ErrUnexpectedEOF if it ended part-way through, or a transport error),
// never a silent partial payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxPayloadLen {
		return nil, ProtocolViolation("declared frame length exceeds maximum")
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
