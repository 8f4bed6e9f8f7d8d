package relay

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/simple64/netplay-relay/internal/protocol"
)

// blockingConn is a net.Conn fake whose first Write blocks until the test
// releases it, so a second Send can be queued while that write is still in
// flight. It also tracks how many writes overlap, to catch a regression
// that lets drainLoop start two writes concurrently.
type blockingConn struct {
	mu     sync.Mutex
	writes [][]byte

	released     chan struct{}
	writeEntered chan struct{}

	inFlight    int32
	maxInFlight int32
}

func newBlockingConn() *blockingConn {
	return &blockingConn{
		released:     make(chan struct{}),
		writeEntered: make(chan struct{}, 1),
	}
}

func (c *blockingConn) Write(p []byte) (int, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&c.inFlight, -1)

	buf := append([]byte(nil), p...)

	c.mu.Lock()
	first := len(c.writes) == 0
	c.writes = append(c.writes, buf)
	c.mu.Unlock()

	if first {
		c.writeEntered <- struct{}{}
		<-c.released
	}
	return len(p), nil
}

func (c *blockingConn) allWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *blockingConn) Read([]byte) (int, error)         { return 0, errors.New("not implemented") }
func (c *blockingConn) Close() error                     { return nil }
func (c *blockingConn) LocalAddr() net.Addr              { return nil }
func (c *blockingConn) RemoteAddr() net.Addr             { return nil }
func (c *blockingConn) SetDeadline(time.Time) error      { return nil }
func (c *blockingConn) SetReadDeadline(time.Time) error  { return nil }
func (c *blockingConn) SetWriteDeadline(time.Time) error { return nil }

// TestSendCoalescesWritesWhileOneIsInFlight asserts that a Send arriving
// while a write is already in flight must not start a second concurrent
// write, and its bytes must reach the wire in order once the first write
// completes.
func TestSendCoalescesWritesWhileOneIsInFlight(t *testing.T) {
	fc := newBlockingConn()
	conn := NewConnection(fc, logr.Discard())

	w1 := protocol.NewWriter(protocol.OpPing)
	w1.PutUint64(1)
	frame1, err := w1.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	if err := conn.Send(w1, true); err != nil {
		t.Fatalf("Send 1: %v", err)
	}

	select {
	case <-fc.writeEntered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first write to start")
	}

	w2 := protocol.NewWriter(protocol.OpPong)
	w2.PutUint64(2)
	frame2, err := w2.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	// Second Send arrives while the first write is still blocked in flight.
	// It must be appended to the buffer, not start a concurrent write.
	if err := conn.Send(w2, true); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	if atomic.LoadInt32(&fc.inFlight) != 1 {
		t.Fatalf("expected exactly one write in flight, got %d", fc.inFlight)
	}

	close(fc.released)

	deadline := time.After(time.Second)
	for {
		conn.mu.Lock()
		done := !conn.writing && len(conn.outBuf) == 0
		conn.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for drain to finish")
		case <-time.After(time.Millisecond):
		}
	}

	if max := atomic.LoadInt32(&fc.maxInFlight); max > 1 {
		t.Fatalf("observed %d writes in flight at once; want at most 1", max)
	}

	writes := fc.allWrites()
	if len(writes) != 2 {
		t.Fatalf("expected exactly 2 write syscalls (one in flight + one coalesced catch-up), got %d", len(writes))
	}
	if !bytes.Equal(writes[0], frame1) {
		t.Fatalf("first write = %x; want %x", writes[0], frame1)
	}
	if !bytes.Equal(writes[1], frame2) {
		t.Fatalf("second write = %x; want %x", writes[1], frame2)
	}
}
