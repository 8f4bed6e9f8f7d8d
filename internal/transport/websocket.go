package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/net/websocket"
)

// Bridge serves emulator clients that cannot open a raw TCP socket —
// browser-hosted or proxied clients — over WebSocket. It hands each
// accepted connection to onConn exactly as the TCP accept loop hands one
// off: the same length-prefixed internal/protocol byte stream travels
// inside binary WS messages (one message may carry several coalesced
// frames), so the bytes match the TCP path exactly.
type Bridge struct {
	logger logr.Logger
	server *http.Server
}

// NewBridge constructs (without starting) a WebSocket listener on addr.
// onConn is called once per accepted connection and must not block for the
// connection's whole lifetime — it should hand the conn off (e.g. to a
// relay server's accept path) and return quickly.
func NewBridge(addr string, onConn func(net.Conn), logger logr.Logger) *Bridge {
	mux := http.NewServeMux()
	mux.Handle("/", websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		bc := &bridgeConn{Conn: ws, closed: make(chan struct{})}
		onConn(bc)
		<-bc.closed
	}))

	return &Bridge{
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  0, // connections are long-lived; the relay itself has no per-op timeouts
			WriteTimeout: 0,
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns nil on a clean shutdown, matching internal/admin.Server.Start.
func (b *Bridge) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.server.Shutdown(shutdownCtx)
	}()

	b.logger.Info("websocket bridge starting", "addr", b.server.Addr)
	err := b.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// bridgeConn wraps a *websocket.Conn with a close-notification channel, so
// the handler goroutine above can block until whatever owns the connection
// (a relay.Session) actually closes it, instead of returning immediately
// and having net/http tear the socket down out from under an in-flight
// read loop.
type bridgeConn struct {
	*websocket.Conn
	closed chan struct{}
	once   sync.Once
}

func (c *bridgeConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}
