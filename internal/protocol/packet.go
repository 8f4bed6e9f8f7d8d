package protocol

import (
	"encoding/binary"
	"io"
)

// Writer builds one packet's payload: an opcode byte followed by typed
// fields, all big-endian. Call Frame (or WriteFrame) once the payload is
// complete to obtain the length-prefixed frame ready for the wire.
type Writer struct {
	buf []byte
}

// NewWriter starts a packet payload with the given opcode as its first byte.
func NewWriter(op Opcode) *Writer {
	w := &Writer{buf: make([]byte, 0, 32)}
	w.buf = append(w.buf, byte(op))
	return w
}

func (w *Writer) PutUint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) PutInt8(v int8) *Writer {
	return w.PutUint8(uint8(v))
}

func (w *Writer) PutBool(v bool) *Writer {
	if v {
		return w.PutUint8(1)
	}
	return w.PutUint8(0)
}

func (w *Writer) PutUint16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) PutInt32(v int32) *Writer {
	return w.PutUint32(uint32(v))
}

func (w *Writer) PutUint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) PutUint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) PutString(s string) *Writer {
	w.PutUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// Payload returns the raw payload bytes (opcode + fields), unframed.
func (w *Writer) Payload() []byte {
	return w.buf
}

// Frame returns the length-prefixed wire frame: u16 big-endian length
// followed by the payload.
func (w *Writer) Frame() ([]byte, error) {
	if len(w.buf) > MaxPayloadLen {
		return nil, ProtocolViolation("payload exceeds maximum frame length")
	}
	out := make([]byte, 2+len(w.buf))
	binary.BigEndian.PutUint16(out, uint16(len(w.buf)))
	copy(out[2:], w.buf)
	return out, nil
}

// WriteFrame frames the payload and writes it to w in one Write call.
func (w *Writer) WriteFrame(dst io.Writer) error {
	frame, err := w.Frame()
	if err != nil {
		return err
	}
	_, err = dst.Write(frame)
	return err
}

// Reader extracts typed fields from a packet payload in order, failing with
// ErrMalformedPacket the moment the cursor would overrun the buffer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a payload (opcode byte included) for typed extraction.
// Call Opcode first to consume the leading opcode byte.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return MalformedPacket("unexpected end of packet")
	}
	return nil
}

// Opcode reads the leading opcode byte.
func (r *Reader) Opcode() (Opcode, error) {
	v, err := r.Uint8()
	return Opcode(v), err
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Int8() (int8, error) {
	v, err := r.Uint8()
	return int8(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) String() (string, error) {
	n, err := r.Uint16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// Remaining reports how many unread bytes remain in the payload. A correctly
// framed packet with unexpected trailing bytes is still a ProtocolViolation
// at the caller's discretion (e.g. a controller array of the wrong arity).
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}
