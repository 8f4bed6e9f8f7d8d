// Package relay implements the session registry, controller-slot allocator,
// fan-out rules, lag controller, and tick loop described by the relay
// protocol: the server side of a netplay session.
package relay

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/simple64/netplay-relay/internal/controller"
	"github.com/simple64/netplay-relay/internal/protocol"
	"github.com/simple64/netplay-relay/internal/telemetry"
	"github.com/simple64/netplay-relay/internal/transport"
)

// Server holds all relay state: the session registry (insertion order is
// semantically significant — see controller.Allocate and getFPS), the
// process-wide netplay controller slots, the current lag setting, and
// whether the game has started. Every field here is mutated only from the
// single goroutine running Run; that is the entire concurrency story.
type Server struct {
	logger logr.Logger

	nextID uint32

	// pending holds sessions still in HANDSHAKE, keyed by id. A session
	// moves from pending into the registry the instant it completes the
	// handshake (onSessionJoined), never before.
	pending map[uint32]*Session

	// sessionsOrder is the insertion-ordered registry of joined sessions.
	// byID mirrors it for O(1) lookup. Both are only ever mutated together.
	sessionsOrder []*Session
	byID          map[uint32]*Session

	netplayControllers [controller.MaxPlayers]controller.Controller
	lag                uint8
	autolag            bool
	started            bool

	startTime time.Time

	listener net.Listener

	// tel is the optional MQTT lifecycle publisher. A nil *telemetry.Publisher
	// is valid and every method on it is a no-op, so this field never needs a
	// nil check at the call sites below.
	tel *telemetry.Publisher

	events chan event
	done   chan struct{}
	closed bool
	once   sync.Once
}

// NewServer constructs a Server. autolag sets the initial automatic lag
// controller state; SetAutolag (driven by internal/config's reload watcher)
// can change it at runtime, and the change applies from the next tick on,
// whether or not the game has started.
func NewServer(logger logr.Logger, autolag bool) *Server {
	return &Server{
		logger:    logger,
		pending:   make(map[uint32]*Session),
		byID:      make(map[uint32]*Session),
		autolag:   autolag,
		startTime: time.Now(),
		events:    make(chan event, 256),
		done:      make(chan struct{}),
	}
}

// Open binds the listening socket via internal/transport (IPv6 dual-stack
// preferred, IPv4 fallback). It returns the bound port (useful when port 0
// was requested) and starts the accept loop and tick timer.
func (s *Server) Open(port int) (uint16, error) {
	ln, actualPort, err := transport.Listen(port)
	if err != nil {
		return 0, err
	}
	s.listener = ln

	go s.acceptLoop()
	go s.tickLoop()

	s.tel.PublishServerStarted(actualPort)

	return actualPort, nil
}

// SetTelemetry attaches the optional MQTT lifecycle publisher. It must be
// called before Run starts processing events (there is no synchronization
// with the owning goroutine); main.go wires it immediately after
// NewServer, before Open.
func (s *Server) SetTelemetry(tel *telemetry.Publisher) {
	s.tel = tel
}

// AcceptConn registers a freshly accepted connection — TCP from the main
// listener, or WebSocket via internal/transport.Bridge — as a new session
// in HANDSHAKE state. Safe to call from any goroutine.
func (s *Server) AcceptConn(conn net.Conn) {
	c := NewConnection(conn, s.logger)
	s.postEvent(acceptEvent{conn: c})
}

// SetAutolag toggles the automatic lag controller at runtime, wired to
// internal/config's hot-reload watcher. Safe to call from any goroutine;
// the actual mutation happens on the owning goroutine via the event
// channel, same as every other piece of server state.
func (s *Server) SetAutolag(v bool) {
	s.postEvent(setAutolagEvent{value: v})
}

// Run is the cooperative event loop: the single goroutine that owns all
// server and session state. It returns when ctx is cancelled or Close has
// been requested and fully processed.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case ev := <-s.events:
			s.handle(ev)
			if s.closed {
				return nil
			}
		}
	}
}

func (s *Server) handle(ev event) {
	switch e := ev.(type) {
	case acceptEvent:
		s.handleAccept(e.conn)
	case packetEvent:
		s.handlePacket(e.sessionID, e.payload)
	case sessionErrorEvent:
		s.handleSessionError(e.sessionID, e.err)
	case tickEvent:
		s.handleTick()
	case acceptErrorEvent:
		s.logger.Error(e.err, "accept loop stopped")
	case snapshotRequest:
		e.reply <- s.buildSnapshot()
	case setAutolagEvent:
		s.autolag = e.value
	}
}

// Close idempotently tears the server down: stops the tick loop, closes the
// acceptor, and closes every session (joined or still handshaking). It
// reads the registry and sets closed, so it is called only on the Run
// goroutine: by Run when ctx is cancelled, and by onSessionQuit when a
// player quits mid-game.
func (s *Server) Close() {
	s.once.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		close(s.done)
		for _, sess := range s.pending {
			sess.close()
		}
		for _, sess := range s.sessionsOrder {
			sess.close()
		}
		s.closed = true
	})
}

func (s *Server) nowMs() uint64 {
	return uint64(time.Since(s.startTime).Milliseconds())
}

// --- accept & read loops (the goroutines that feed the event channel) ---

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.postEvent(acceptErrorEvent{err: err})
			return
		}
		s.AcceptConn(conn)
	}
}

func (s *Server) postEvent(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Server) readLoop(id uint32, conn *Connection) {
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			s.postEvent(sessionErrorEvent{sessionID: id, err: TransportError(err)})
			return
		}
		s.postEvent(packetEvent{sessionID: id, payload: payload})
	}
}

func (s *Server) tickLoop() {
	deadline := time.Now().Truncate(time.Second).Add(time.Second)
	for {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-timer.C:
			s.postEvent(tickEvent{})
			deadline = deadline.Add(time.Second)
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// --- event handlers (run only on the owning goroutine) ---

func (s *Server) handleAccept(conn *Connection) {
	id := s.nextID
	s.nextID++

	sess := newSession(id, conn, s.logger)
	s.pending[id] = sess

	conn.OnWriteError(func(err error) {
		s.postEvent(sessionErrorEvent{sessionID: id, err: TransportError(err)})
	})

	go s.readLoop(id, conn)

	sess.sendProtocolVersion()
}

func (s *Server) lookupSession(id uint32) *Session {
	if sess, ok := s.pending[id]; ok {
		return sess
	}
	if sess, ok := s.byID[id]; ok {
		return sess
	}
	return nil
}

func (s *Server) handleSessionError(id uint32, err error) {
	sess := s.lookupSession(id)
	if sess == nil {
		return
	}
	if !isConnClosed(err) {
		s.logger.Error(err, "session transport error", "session", id)
	}
	s.terminate(sess)
}

func (s *Server) handlePacket(id uint32, payload []byte) {
	sess := s.lookupSession(id)
	if sess == nil {
		return // stale event for an already-closed session
	}

	r := protocol.NewReader(payload)
	op, err := r.Opcode()
	if err != nil {
		s.terminate(sess)
		return
	}

	if err := s.dispatch(sess, op, r); err != nil {
		s.logger.Error(err, "protocol violation", "session", sess.ID, "opcode", op.String())
		s.terminate(sess)
	}
}

func (s *Server) dispatch(sess *Session, op protocol.Opcode, r *protocol.Reader) error {
	switch sess.state {
	case stateHandshake:
		return s.dispatchHandshake(sess, op, r)
	case stateLobby:
		return s.dispatchLobby(sess, op, r)
	case statePlaying:
		return s.dispatchPlaying(sess, op, r)
	default:
		return protocol.ProtocolViolation("packet received on closed session")
	}
}

func (s *Server) dispatchHandshake(sess *Session, op protocol.Opcode, r *protocol.Reader) error {
	switch op {
	case protocol.OpName:
		name, err := r.String()
		if err != nil {
			return err
		}
		sess.Name = name
		sess.gotName = true
	case protocol.OpControllers:
		cs, err := parseClientControllers(r)
		if err != nil {
			return err
		}
		sess.controllers = cs
		sess.gotControllers = true
	default:
		return protocol.ProtocolViolation("expected NAME/CONTROLLERS during handshake")
	}

	if sess.gotName && sess.gotControllers {
		if s.started {
			return protocol.ProtocolViolation("game already in progress")
		}
		sess.state = stateLobby
		s.onSessionJoined(sess)
	}
	return nil
}

func (s *Server) dispatchLobby(sess *Session, op protocol.Opcode, r *protocol.Reader) error {
	switch op {
	case protocol.OpName:
		name, err := r.String()
		if err != nil {
			return err
		}
		sess.Name = name
		s.broadcastName(sess.ID, name)
	case protocol.OpMessage:
		if _, err := r.Int32(); err != nil {
			return err
		}
		text, err := r.String()
		if err != nil {
			return err
		}
		s.sendMessage(int32(sess.ID), text)
	case protocol.OpLag:
		frames, err := r.Uint8()
		if err != nil {
			return err
		}
		s.sendLag(int32(sess.ID), frames)
	case protocol.OpControllers:
		cs, err := parseClientControllers(r)
		if err != nil {
			return err
		}
		sess.controllers = cs
		s.updateControllers()
	case protocol.OpStart:
		s.sendStartGame()
	case protocol.OpPong:
		if err := s.recordPong(sess, r); err != nil {
			return err
		}
	case protocol.OpFPS:
		fps, err := r.Int32()
		if err != nil {
			return err
		}
		sess.fps = fps
	default:
		return protocol.ProtocolViolation("unexpected opcode in LOBBY")
	}
	return nil
}

func (s *Server) dispatchPlaying(sess *Session, op protocol.Opcode, r *protocol.Reader) error {
	switch op {
	case protocol.OpMessage:
		if _, err := r.Int32(); err != nil {
			return err
		}
		text, err := r.String()
		if err != nil {
			return err
		}
		s.sendMessage(int32(sess.ID), text)
	case protocol.OpLag:
		frames, err := r.Uint8()
		if err != nil {
			return err
		}
		s.sendLag(int32(sess.ID), frames)
	case protocol.OpInput:
		port, err := r.Uint8()
		if err != nil {
			return err
		}
		bits, err := r.Uint32()
		if err != nil {
			return err
		}
		s.sendInput(sess.ID, port, bits)
	case protocol.OpPong:
		if err := s.recordPong(sess, r); err != nil {
			return err
		}
	case protocol.OpFPS:
		fps, err := r.Int32()
		if err != nil {
			return err
		}
		sess.fps = fps
	default:
		return protocol.ProtocolViolation("unexpected opcode in PLAYING")
	}
	return nil
}

func (s *Server) recordPong(sess *Session, r *protocol.Reader) error {
	ts, err := r.Uint64()
	if err != nil {
		return err
	}
	now := s.nowMs()
	var sample int32
	if now >= ts {
		sample = int32(now - ts)
	}
	sess.latency.add(sample)
	return nil
}

func parseClientControllers(r *protocol.Reader) ([controller.MaxPlayers]controller.Controller, error) {
	var cs [controller.MaxPlayers]controller.Controller
	for i := 0; i < controller.MaxPlayers; i++ {
		plugin, err := r.Uint8()
		if err != nil {
			return cs, err
		}
		present, err := r.Bool()
		if err != nil {
			return cs, err
		}
		raw, err := r.Uint8()
		if err != nil {
			return cs, err
		}
		cs[i] = controller.Controller{Plugin: plugin, Present: present, RawData: raw}
	}
	if r.Remaining() != 0 {
		return cs, protocol.ProtocolViolation("controller array has wrong arity")
	}
	return cs, nil
}

// --- session lifecycle ---

// terminate ends a session regardless of which state it was in: closes its
// socket, and if it had joined the registry, routes through onSessionQuit;
// a still-handshaking session is simply dropped (it was never broadcast to
// anyone, so there's nothing to announce).
func (s *Server) terminate(sess *Session) {
	if sess.state == stateClosed {
		return
	}
	sess.close()
	if _, ok := s.pending[sess.ID]; ok {
		delete(s.pending, sess.ID)
		return
	}
	s.onSessionQuit(sess)
}

// onSessionJoined finishes a session's handshake: existing peers learn of
// the new session before it's inserted into the registry, then the new
// session learns of everyone (itself included, since insertion already
// happened), then receives its first ping and the current lag.
func (s *Server) onSessionJoined(newSess *Session) {
	for _, e := range s.sessionsOrder {
		e.sendJoin(newSess.ID, newSess.Name)
	}

	delete(s.pending, newSess.ID)
	s.sessionsOrder = append(s.sessionsOrder, newSess)
	s.byID[newSess.ID] = newSess

	for _, e := range s.sessionsOrder {
		newSess.sendJoin(e.ID, e.Name)
	}

	newSess.sendPing(s.nowMs())
	newSess.sendLag(s.lag)
	newSess.sendMessage(-1, fmt.Sprintf("The server set the lag to %d", s.lag))

	s.updateControllers()

	s.tel.PublishSessionJoined(newSess.ID, newSess.Name)
}

// onSessionQuit removes sess and notifies everyone still connected. The
// broadcast loop also covers sess itself, since the registry isn't pruned
// until after it runs; when reached through terminate, sess's connection
// is already closed and that one send is dropped. A player
// quitting after the game has started tears down the whole server instead
// of being removed, since there's no way to repack controller slots or
// resync state mid-match; removal before start just drops the slot and
// repacks normally.
func (s *Server) onSessionQuit(sess *Session) {
	if _, ok := s.byID[sess.ID]; !ok {
		return
	}

	for _, other := range s.sessionsOrder {
		other.sendQuit(sess.ID)
	}
	s.tel.PublishSessionQuit(sess.ID)

	if sess.isPlayer && s.started {
		s.Close()
		return
	}

	s.removeFromRegistry(sess.ID)
	if !s.started {
		s.updateControllers()
	}
}

func (s *Server) removeFromRegistry(id uint32) {
	delete(s.byID, id)
	for i, sess := range s.sessionsOrder {
		if sess.ID == id {
			s.sessionsOrder = append(s.sessionsOrder[:i], s.sessionsOrder[i+1:]...)
			break
		}
	}
}

// --- controller allocation ---

func (s *Server) updateControllers() {
	owners := make([]controller.Owner, len(s.sessionsOrder))
	for i, sess := range s.sessionsOrder {
		owners[i] = sess
	}
	s.netplayControllers = controller.Allocate(owners)

	for _, sess := range s.sessionsOrder {
		sess.sendNetplayControllers(s.netplayControllers)
	}
	for _, subject := range s.sessionsOrder {
		for _, recipient := range s.sessionsOrder {
			recipient.sendControllers(subject.ID, subject.controllers, subject.controllerMap.LocalToNetplay)
		}
	}

	s.recomputePlayerFlags()
}

func (s *Server) recomputePlayerFlags() {
	for _, sess := range s.sessionsOrder {
		owns := false
		for _, n := range sess.controllerMap.LocalToNetplay {
			if n >= 0 {
				owns = true
				break
			}
		}
		sess.isPlayer = owns
	}
}

// --- fan-out & lag control ---

func (s *Server) broadcastName(id uint32, name string) {
	for _, sess := range s.sessionsOrder {
		sess.sendName(id, name)
	}
}

func (s *Server) sendMessage(sender int32, text string) {
	for _, sess := range s.sessionsOrder {
		if int32(sess.ID) != sender {
			sess.sendMessage(sender, text)
		}
	}
}

func (s *Server) sendInput(senderID uint32, port uint8, bits uint32) {
	for _, sess := range s.sessionsOrder {
		if sess.ID != senderID {
			sess.sendInput(port, bits)
		}
	}
}

// sendLag records the new lag, notifies every session except id (id == -1
// never matches a real session, so a server-initiated change reaches
// everyone), and appends a latency estimate to the chat notice whenever fps
// is known.
func (s *Server) sendLag(id int32, frames uint8) {
	s.lag = frames

	name := "The server"
	if id != -1 {
		if sess, ok := s.byID[uint32(id)]; ok {
			name = sess.Name
		}
	}
	message := fmt.Sprintf("%s set the lag to %d", name, frames)

	if fps := s.getFPS(); fps > 0 {
		ms := int(frames) * 1000 / int(fps)
		message += fmt.Sprintf(" (%d ms)", ms)
	}

	for _, sess := range s.sessionsOrder {
		if int32(sess.ID) != id {
			sess.sendLag(frames)
			sess.sendMessage(-1, message)
		}
	}

	s.tel.PublishLagChanged(frames, id == -1)
}

func (s *Server) getFPS() int32 {
	for _, sess := range s.sessionsOrder {
		if sess.isPlayer {
			return sess.fps
		}
	}
	return -1
}

// getTotalLatency sums the two largest minimum-latency samples among player
// sessions, the pessimistic estimate the auto-lag controller reacts to.
func (s *Server) getTotalLatency() int32 {
	maxLatency := int32(-1)
	secondMax := int32(-1)
	for _, sess := range s.sessionsOrder {
		if !sess.isPlayer {
			continue
		}
		lat := sess.MinimumLatency()
		if lat > secondMax {
			secondMax = lat
		}
		if secondMax > maxLatency {
			maxLatency, secondMax = secondMax, maxLatency
		}
	}
	if secondMax >= 0 {
		return maxLatency + secondMax
	}
	return -1
}

func (s *Server) autoAdjustLag() {
	fps := s.getFPS()
	if fps <= 0 {
		return
	}
	latency := s.getTotalLatency()
	if latency < 0 {
		return
	}

	ideal := int(math.Ceil(float64(latency) * float64(fps) / 1000.0))
	if ideal > 255 {
		ideal = 255
	}

	if ideal < int(s.lag) {
		s.sendLag(-1, s.lag-1)
	} else if ideal > int(s.lag) {
		s.sendLag(-1, s.lag+1)
	}
}

func (s *Server) sendStartGame() {
	if s.started {
		return
	}
	s.started = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, sess := range s.sessionsOrder {
		sess.state = statePlaying
		sess.sendStart()
	}

	players := 0
	for _, sess := range s.sessionsOrder {
		if sess.isPlayer {
			players++
		}
	}
	s.tel.PublishGameStarted(players)
}

func (s *Server) broadcastLatencies() {
	ids := make([]uint32, len(s.sessionsOrder))
	lats := make([]int32, len(s.sessionsOrder))
	for i, sess := range s.sessionsOrder {
		ids[i] = sess.ID
		lats[i] = sess.Latency()
	}
	for _, sess := range s.sessionsOrder {
		sess.sendLatencyTable(ids, lats)
	}
}

func (s *Server) handleTick() {
	s.broadcastLatencies()
	now := s.nowMs()
	for _, sess := range s.sessionsOrder {
		sess.sendPing(now)
	}
	if s.autolag {
		s.autoAdjustLag()
	}
}

// --- read-only accessors for internal/admin, internal/cli, internal/telemetry ---

// Snapshot is a point-in-time, read-only view of server state safe to hand
// to the admin HTTP handler, the MQTT publisher, or the CLI table — all of
// which run on their own goroutines and must never touch Server fields
// directly.
type Snapshot struct {
	Sessions  []SessionInfo
	Lag       uint8
	Autolag   bool
	Started   bool
	UptimeSec float64
}

// SessionInfo is one row of a Snapshot.
type SessionInfo struct {
	ID       uint32
	Name     string
	IsPlayer bool
	Latency  int32
	FPS      int32
}

// snapshotRequest carries a response channel through the event loop so a
// snapshot is always computed on the owning goroutine, never racing with
// registry mutation.
type snapshotRequest struct {
	reply chan Snapshot
}

func (snapshotRequest) isEvent() {}

// Snapshot blocks until the event loop has computed a consistent snapshot
// of server state. Safe to call from any goroutine (admin/cli/telemetry).
func (s *Server) Snapshot() Snapshot {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case s.events <- req:
	case <-s.done:
		return Snapshot{}
	}
	select {
	case snap := <-req.reply:
		return snap
	case <-s.done:
		return Snapshot{}
	}
}

func (s *Server) buildSnapshot() Snapshot {
	snap := Snapshot{
		Lag:       s.lag,
		Autolag:   s.autolag,
		Started:   s.started,
		UptimeSec: time.Since(s.startTime).Seconds(),
	}
	for _, sess := range s.sessionsOrder {
		snap.Sessions = append(snap.Sessions, SessionInfo{
			ID:       sess.ID,
			Name:     sess.Name,
			IsPlayer: sess.isPlayer,
			Latency:  sess.Latency(),
			FPS:      sess.FPS(),
		})
	}
	return snap
}
