// Package protocol implements the relay's wire format: a length-prefixed
// binary frame carrying one opcode-tagged message, as used by both the
// server and the emulator clients it talks to.
package protocol

// Opcode identifies the kind of message carried by a frame's payload.
type Opcode uint8

// Exact numeric values are this server's choice; clients must agree with
// this table, not derive it independently.
const (
	OpJoin               Opcode = 0x01 // S->C: id, name
	OpProtocolVersion    Opcode = 0x02 // S->C first: version
	OpPing               Opcode = 0x03 // bi: timestamp_ms
	OpPong               Opcode = 0x04 // C->S: echoed timestamp_ms
	OpLatency            Opcode = 0x05 // S->C: repeated {id, latency_ms}
	OpName               Opcode = 0x06 // bi: id (S->C only), name
	OpMessage            Opcode = 0x07 // bi: sender_id, text
	OpLag                Opcode = 0x08 // bi: frames
	OpControllers        Opcode = 0x09 // S->C: session_id, 4x controller, 4x local_to_netplay
	OpNetplayControllers Opcode = 0x0A // S->C: 4x controller
	OpStart              Opcode = 0x0B // S->C: none
	OpInput              Opcode = 0x0C // bi: port, input_bits
	OpFPS                Opcode = 0x0D // C->S: frames_per_second
	OpQuit               Opcode = 0x0E // S->C: id
)

// ProtocolVersion is sent to every client immediately after accept. A client
// reporting a different version must close the connection.
const ProtocolVersion uint32 = 1

// MaxPayloadLen is the largest payload accepted in a single frame. A length
// prefix beyond this is a ProtocolViolation, not a MalformedPacket.
const MaxPayloadLen = 65535

func (o Opcode) String() string {
	switch o {
	case OpJoin:
		return "JOIN"
	case OpProtocolVersion:
		return "PROTOCOL_VERSION"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpLatency:
		return "LATENCY"
	case OpName:
		return "NAME"
	case OpMessage:
		return "MESSAGE"
	case OpLag:
		return "LAG"
	case OpControllers:
		return "CONTROLLERS"
	case OpNetplayControllers:
		return "NETPLAY_CONTROLLERS"
	case OpStart:
		return "START"
	case OpInput:
		return "INPUT"
	case OpFPS:
		return "FPS"
	case OpQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}
