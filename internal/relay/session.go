package relay

import (
	"github.com/go-logr/logr"

	"github.com/simple64/netplay-relay/internal/controller"
	"github.com/simple64/netplay-relay/internal/protocol"
)

// sessionState is the per-peer protocol state machine: a session moves
// HANDSHAKE -> LOBBY once it has declared a name and controller layout,
// LOBBY -> PLAYING once any session sends START, and any of these states
// can end in CLOSED on disconnect or protocol violation.
type sessionState int

const (
	stateHandshake sessionState = iota
	stateLobby
	statePlaying
	stateClosed
)

// Session is one connected peer: its identity, declared name, local
// controller layout, measured latency, reported fps, and protocol state.
type Session struct {
	ID   uint32
	Name string

	controllers   [controller.MaxPlayers]controller.Controller
	controllerMap controller.Map

	latency latencyWindow
	fps     int32

	isPlayer bool
	state    sessionState

	// gotName and gotControllers track handshake progress: the session
	// advances to LOBBY the instant both have been received, regardless of
	// which arrived first.
	gotName        bool
	gotControllers bool

	conn   *Connection
	logger logr.Logger
}

// newSession constructs a session in HANDSHAKE state. The caller is
// responsible for sending the protocol version immediately after accept, so
// a client with a mismatched version can close before doing anything else.
func newSession(id uint32, conn *Connection, logger logr.Logger) *Session {
	s := &Session{
		ID:            id,
		controllerMap: controller.NewMap(),
		fps:           -1,
		state:         stateHandshake,
		conn:          conn,
		logger:        logger.WithValues("session", id),
	}
	return s
}

// LocalControllers implements controller.Owner.
func (s *Session) LocalControllers() [controller.MaxPlayers]controller.Controller {
	return s.controllers
}

// SetMap implements controller.Owner.
func (s *Session) SetMap(m controller.Map) {
	s.controllerMap = m
}

// IsPlayer reports whether this session owns at least one netplay slot.
func (s *Session) IsPlayer() bool { return s.isPlayer }

// MinimumLatency returns the smallest recent round-trip sample, or -1.
func (s *Session) MinimumLatency() int32 { return s.latency.minimum() }

// Latency returns the most recent round-trip sample, or -1.
func (s *Session) Latency() int32 { return s.latency.latest() }

// FPS returns the last FPS the client reported, or -1 if none yet.
func (s *Session) FPS() int32 { return s.fps }

// --- outbound helpers, one per opcode this session can receive ---

func (s *Session) sendProtocolVersion() {
	w := protocol.NewWriter(protocol.OpProtocolVersion)
	w.PutUint32(protocol.ProtocolVersion)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendJoin(id uint32, name string) {
	w := protocol.NewWriter(protocol.OpJoin)
	w.PutUint32(id)
	w.PutString(name)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendPing(timestampMs uint64) {
	w := protocol.NewWriter(protocol.OpPing)
	w.PutUint64(timestampMs)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendLatencyTable(ids []uint32, latencies []int32) {
	w := protocol.NewWriter(protocol.OpLatency)
	for i := range ids {
		w.PutUint32(ids[i])
		w.PutInt32(latencies[i])
	}
	_ = s.conn.Send(w, true)
}

func (s *Session) sendName(id uint32, name string) {
	w := protocol.NewWriter(protocol.OpName)
	w.PutUint32(id)
	w.PutString(name)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendMessage(sender int32, text string) {
	w := protocol.NewWriter(protocol.OpMessage)
	w.PutInt32(sender)
	w.PutString(text)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendLag(frames uint8) {
	w := protocol.NewWriter(protocol.OpLag)
	w.PutUint8(frames)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendControllers(sessionID uint32, controllers [controller.MaxPlayers]controller.Controller, l2n [controller.MaxPlayers]int8) {
	w := protocol.NewWriter(protocol.OpControllers)
	w.PutUint32(sessionID)
	for _, c := range controllers {
		w.PutUint8(c.Plugin)
		w.PutBool(c.Present)
		w.PutUint8(c.RawData)
	}
	for _, l := range l2n {
		w.PutInt8(l)
	}
	_ = s.conn.Send(w, true)
}

func (s *Session) sendNetplayControllers(controllers [controller.MaxPlayers]controller.Controller) {
	w := protocol.NewWriter(protocol.OpNetplayControllers)
	for _, c := range controllers {
		w.PutUint8(c.Plugin)
		w.PutBool(c.Present)
		w.PutUint8(c.RawData)
	}
	_ = s.conn.Send(w, true)
}

func (s *Session) sendStart() {
	w := protocol.NewWriter(protocol.OpStart)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendInput(port uint8, bits uint32) {
	w := protocol.NewWriter(protocol.OpInput)
	w.PutUint8(port)
	w.PutUint32(bits)
	_ = s.conn.Send(w, true)
}

func (s *Session) sendQuit(id uint32) {
	w := protocol.NewWriter(protocol.OpQuit)
	w.PutUint32(id)
	_ = s.conn.Send(w, true)
}

// close releases the underlying socket. Idempotent via Connection.Close.
func (s *Session) close() {
	s.state = stateClosed
	_ = s.conn.Close()
}
