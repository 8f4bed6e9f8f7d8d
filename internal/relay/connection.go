package relay

import (
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/simple64/netplay-relay/internal/protocol"
)

// Connection owns one TCP peer socket. It exposes a read loop that decodes
// one framed packet at a time and a coalescing write buffer: concurrent
// Send calls between writes are merged into a single write syscall's worth
// of bytes, and at most one write is ever in flight.
//
// The output buffer is guarded by its own mutex rather than any
// server-wide lock, since it's the one piece of connection state that
// legitimately gets touched from more than one goroutine (the relay loop
// and, for the websocket bridge, the bridge's own handler). Everything
// else the relay cares about stays owned by the single event-loop
// goroutine.
type Connection struct {
	conn   net.Conn
	logger logr.Logger

	mu      sync.Mutex
	outBuf  []byte
	writing bool
	closed  bool

	onWriteError func(error)
}

// NewConnection wraps conn, enabling TCP_NODELAY when possible: netplay
// input packets are small and latency-sensitive, so Nagle's algorithm
// buffering them for a peer ack would add jitter we don't want.
func NewConnection(conn net.Conn, logger logr.Logger) *Connection {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Connection{conn: conn, logger: logger}
}

// OnWriteError registers a callback invoked (from the write goroutine) each
// time a write fails with anything other than the closed-connection error.
// The callback must be safe to call from any
// goroutine; it is expected to forward the failure onto the relay loop's
// event channel rather than touch server state directly.
func (c *Connection) OnWriteError(fn func(error)) {
	c.mu.Lock()
	c.onWriteError = fn
	c.mu.Unlock()
}

// ReadFrame reads exactly one framed payload. Callers (the per-session read
// loop goroutine) call this in a tight loop, which is what makes "only one
// read may be outstanding" hold: the next read is never issued until the
// previous one's payload has been fully received and handed off.
func (c *Connection) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(c.conn)
}

// Send appends the framed packet to the output buffer. If flush is true and
// no write is currently in flight, a write of the entire buffer is started
// as one operation; if the buffer grows again before that write completes,
// the writer immediately starts another write covering what's left. This is
// the write-coalescing invariant: any number of Sends between writes share
// one syscall's worth of bytes, in call order.
func (c *Connection) Send(w *protocol.Writer, flush bool) error {
	frame, err := w.Frame()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.outBuf = append(c.outBuf, frame...)
	shouldWrite := flush && !c.writing
	if shouldWrite {
		c.writing = true
	}
	c.mu.Unlock()

	if shouldWrite {
		go c.drainLoop()
	}
	return nil
}

// Flush forces a write of any pending buffered bytes, starting one if none
// is already in flight.
func (c *Connection) Flush() {
	c.mu.Lock()
	if c.writing || len(c.outBuf) == 0 || c.closed {
		c.mu.Unlock()
		return
	}
	c.writing = true
	c.mu.Unlock()

	go c.drainLoop()
}

// drainLoop writes the entire pending buffer in one Write call, then checks
// whether more bytes arrived while that write was in flight; if so it loops
// to write those too, without ever allowing two writes to overlap.
func (c *Connection) drainLoop() {
	for {
		c.mu.Lock()
		pending := c.outBuf
		c.outBuf = nil
		c.mu.Unlock()

		if len(pending) > 0 {
			if _, err := c.conn.Write(pending); err != nil {
				c.mu.Lock()
				cb := c.onWriteError
				c.mu.Unlock()
				if cb != nil && !isConnClosed(err) {
					cb(err)
				}
				c.mu.Lock()
				c.writing = false
				c.mu.Unlock()
				return
			}
		}

		c.mu.Lock()
		if len(c.outBuf) == 0 {
			c.writing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// Close closes the underlying socket. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr exposes the peer address for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
