package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTripFields(t *testing.T) {
	w := NewWriter(OpMessage)
	w.PutInt32(-1)
	w.PutString("hello relay")
	w.PutUint8(7)
	w.PutBool(true)
	w.PutUint64(1234567890)

	r := NewReader(w.Payload())
	op, err := r.Opcode()
	if err != nil || op != OpMessage {
		t.Fatalf("opcode = %v, %v; want OpMessage, nil", op, err)
	}
	sender, err := r.Int32()
	if err != nil || sender != -1 {
		t.Fatalf("sender = %v, %v; want -1, nil", sender, err)
	}
	text, err := r.String()
	if err != nil || text != "hello relay" {
		t.Fatalf("text = %q, %v; want %q, nil", text, err, "hello relay")
	}
	b, err := r.Uint8()
	if err != nil || b != 7 {
		t.Fatalf("uint8 = %v, %v; want 7, nil", b, err)
	}
	flag, err := r.Bool()
	if err != nil || !flag {
		t.Fatalf("bool = %v, %v; want true, nil", flag, err)
	}
	ts, err := r.Uint64()
	if err != nil || ts != 1234567890 {
		t.Fatalf("uint64 = %v, %v; want 1234567890, nil", ts, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("remaining = %d; want 0", r.Remaining())
	}
}

func TestReaderOverrunIsMalformed(t *testing.T) {
	w := NewWriter(OpLag)
	w.PutUint8(3)
	r := NewReader(w.Payload())
	if _, err := r.Opcode(); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	if _, err := r.Uint8(); err != nil {
		t.Fatalf("uint8: %v", err)
	}
	if _, err := r.Uint32(); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket on overrun, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	w := NewWriter(OpPing)
	w.PutUint64(42)
	frame, err := w.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	payload, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(payload, w.Payload()) {
		t.Fatalf("payload = %x; want %x", payload, w.Payload())
	}
}

func TestFrameSequenceConcatenated(t *testing.T) {
	w1 := NewWriter(OpPing)
	w1.PutUint64(1)
	w2 := NewWriter(OpPong)
	w2.PutUint64(2)

	f1, _ := w1.Frame()
	f2, _ := w2.Frame()

	var buf bytes.Buffer
	buf.Write(f1)
	buf.Write(f2)

	p1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	p2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if !bytes.Equal(p1, w1.Payload()) || !bytes.Equal(p2, w2.Payload()) {
		t.Fatal("frames decoded out of order or corrupted")
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF after both frames consumed, got %v", err)
	}
}

func TestMaxLengthPrefixWithTruncatedPayloadIsError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF}) // declares 65535 bytes, supplies 1
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}
