package protocol

import (
	"errors"
	"fmt"
)

// Message is implemented by every typed packet. Opcode is written by the
// caller (see Encode); EncodeTo and Decode handle only the fields after it.
type Message interface {
	Opcode() uint8
	EncodeTo(w *Writer)
	Decode(r *Reader)
}

// Client -> server opcodes
const (
	OpClientReady     = 0x47
	OpClientMove      = 0x5F
	OpClientAttack    = 0x44
	OpClientFarAttack = 0x7A
	OpClientCast      = 0x14
	OpClientChat      = 0x68
)

// Server -> client opcodes
const (
	OpServerHandshake  = 0xA1 // Unencrypted; carries the cipher seed
	OpServerMoveObject = 0x0A
	OpServerPosition   = 0x7B
	OpServerSpeed      = 0x29
	OpServerChat       = 0x4A
	OpServerDisconnect = 0x5B
)

// HandshakeKeySize is the size of the cipher seed following the opcode.
const HandshakeKeySize = 4

var ErrShortPacket = errors.New("packet shorter than its fixed fields")

// Packet is one decrypted frame body split into opcode and payload.
type Packet struct {
	Opcode  uint8
	Payload []byte
}

// ParsePacket splits a body. The payload aliases body.
func ParsePacket(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Packet{}, ErrEmptyBody
	}
	return Packet{Opcode: body[0], Payload: body[1:]}, nil
}

// Body reassembles opcode and payload.
func (p Packet) Body() []byte {
	body := make([]byte, 0, 1+len(p.Payload))
	body = append(body, p.Opcode)
	return append(body, p.Payload...)
}

// Encode serializes m into a padded body ready for the transport.
func Encode(m Message) []byte {
	w := NewWriter(m.Opcode())
	m.EncodeTo(w)
	return w.Finalize()
}

// MoveMessage asks the server to move the own character one cell.
type MoveMessage struct {
	X       uint16
	Y       uint16
	Heading uint8
}

func (m *MoveMessage) Opcode() uint8 { return OpClientMove }

func (m *MoveMessage) EncodeTo(w *Writer) {
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
	w.WriteU8(m.Heading)
}

func (m *MoveMessage) Decode(r *Reader) {
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
	m.Heading = r.ReadU8()
}

// AttackMessage is a melee attack on a target standing at X,Y.
type AttackMessage struct {
	TargetID int32
	X        uint16
	Y        uint16
}

func (m *AttackMessage) Opcode() uint8 { return OpClientAttack }

func (m *AttackMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.TargetID)
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
}

func (m *AttackMessage) Decode(r *Reader) {
	m.TargetID = r.ReadI32LE()
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
}

// FarAttackMessage is a ranged attack. Same layout as AttackMessage.
type FarAttackMessage struct {
	TargetID int32
	X        uint16
	Y        uint16
}

func (m *FarAttackMessage) Opcode() uint8 { return OpClientFarAttack }

func (m *FarAttackMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.TargetID)
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
}

func (m *FarAttackMessage) Decode(r *Reader) {
	m.TargetID = r.ReadI32LE()
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
}

// CastMessage casts SkillID, optionally on a target (TargetID 0 = none).
type CastMessage struct {
	SkillID  uint16
	TargetID int32
	X        uint16
	Y        uint16
}

func (m *CastMessage) Opcode() uint8 { return OpClientCast }

func (m *CastMessage) EncodeTo(w *Writer) {
	w.WriteU16LE(m.SkillID)
	w.WriteI32LE(m.TargetID)
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
}

func (m *CastMessage) Decode(r *Reader) {
	m.SkillID = r.ReadU16LE()
	m.TargetID = r.ReadI32LE()
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
}

// ChatMessage sends a line of text on a chat channel.
type ChatMessage struct {
	Channel uint8
	Text    string
}

func (m *ChatMessage) Opcode() uint8 { return OpClientChat }

func (m *ChatMessage) EncodeTo(w *Writer) {
	w.WriteU8(m.Channel)
	w.WriteString(m.Text)
}

func (m *ChatMessage) Decode(r *Reader) {
	m.Channel = r.ReadU8()
	m.Text = r.ReadString()
}

// ClientReadyMessage is the opcode-only reply to the handshake. The opcode
// is configurable because it differs between server builds.
type ClientReadyMessage struct {
	Op uint8
}

func (m *ClientReadyMessage) Opcode() uint8 {
	if m.Op == 0 {
		return OpClientReady
	}
	return m.Op
}

func (m *ClientReadyMessage) EncodeTo(w *Writer) {}

func (m *ClientReadyMessage) Decode(r *Reader) {}

// ServerPacket is the tagged union of decoded server packets.
type ServerPacket interface {
	Message
	isServerPacket()
}

// HandshakeMessage carries the cipher seed. Seed is the opaque block that
// follows the key; it is kept as-is and never interpreted.
type HandshakeMessage struct {
	Key  uint32
	Seed []byte
}

func (m *HandshakeMessage) Opcode() uint8 { return OpServerHandshake }

func (m *HandshakeMessage) EncodeTo(w *Writer) {
	w.WriteU32LE(m.Key)
	w.WriteBytes(m.Seed)
}

func (m *HandshakeMessage) Decode(r *Reader) {
	m.Key = r.ReadU32LE()
	m.Seed = r.Rest()
}

// MoveObjectMessage reports that an object stepped onto X,Y.
type MoveObjectMessage struct {
	ObjectID int32
	X        uint16
	Y        uint16
	Heading  uint8
}

func (m *MoveObjectMessage) Opcode() uint8 { return OpServerMoveObject }

func (m *MoveObjectMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.ObjectID)
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
	w.WriteU8(m.Heading)
}

func (m *MoveObjectMessage) Decode(r *Reader) {
	m.ObjectID = r.ReadI32LE()
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
	m.Heading = r.ReadU8()
}

// PositionMessage places the own character (login, teleport, correction).
type PositionMessage struct {
	ObjectID int32
	X        uint16
	Y        uint16
	MapID    uint16
	Heading  uint8
}

func (m *PositionMessage) Opcode() uint8 { return OpServerPosition }

func (m *PositionMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.ObjectID)
	w.WriteU16LE(m.X)
	w.WriteU16LE(m.Y)
	w.WriteU16LE(m.MapID)
	w.WriteU8(m.Heading)
}

func (m *PositionMessage) Decode(r *Reader) {
	m.ObjectID = r.ReadI32LE()
	m.X = r.ReadU16LE()
	m.Y = r.ReadU16LE()
	m.MapID = r.ReadU16LE()
	m.Heading = r.ReadU8()
}

// Speed effect kinds carried by SpeedMessage.
const (
	SpeedHaste uint8 = 1
	SpeedBrave uint8 = 2
	SpeedSlow  uint8 = 3
)

// SpeedMessage toggles a speed effect on an object.
type SpeedMessage struct {
	ObjectID    int32
	Kind        uint8
	Active      bool
	DurationSec uint16
}

func (m *SpeedMessage) Opcode() uint8 { return OpServerSpeed }

func (m *SpeedMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.ObjectID)
	w.WriteU8(m.Kind)
	if m.Active {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	w.WriteU16LE(m.DurationSec)
}

func (m *SpeedMessage) Decode(r *Reader) {
	m.ObjectID = r.ReadI32LE()
	m.Kind = r.ReadU8()
	m.Active = r.ReadU8() != 0
	m.DurationSec = r.ReadU16LE()
}

// ServerChatMessage is a chat line from another object or the server.
type ServerChatMessage struct {
	ObjectID int32
	Channel  uint8
	Text     string
}

func (m *ServerChatMessage) Opcode() uint8 { return OpServerChat }

func (m *ServerChatMessage) EncodeTo(w *Writer) {
	w.WriteI32LE(m.ObjectID)
	w.WriteU8(m.Channel)
	w.WriteString(m.Text)
}

func (m *ServerChatMessage) Decode(r *Reader) {
	m.ObjectID = r.ReadI32LE()
	m.Channel = r.ReadU8()
	m.Text = r.ReadString()
}

// DisconnectNotice is sent by the server right before it closes the socket.
type DisconnectNotice struct {
	Reason uint8
}

func (m *DisconnectNotice) Opcode() uint8 { return OpServerDisconnect }

func (m *DisconnectNotice) EncodeTo(w *Writer) {
	w.WriteU8(m.Reason)
}

func (m *DisconnectNotice) Decode(r *Reader) {
	m.Reason = r.ReadU8()
}

// UnknownPacket wraps an opcode this client has no schema for.
type UnknownPacket struct {
	Op      uint8
	Payload []byte
}

func (m *UnknownPacket) Opcode() uint8 { return m.Op }

func (m *UnknownPacket) EncodeTo(w *Writer) {
	w.WriteBytes(m.Payload)
}

func (m *UnknownPacket) Decode(r *Reader) {
	m.Payload = r.Rest()
}

func (*HandshakeMessage) isServerPacket()  {}
func (*MoveObjectMessage) isServerPacket() {}
func (*PositionMessage) isServerPacket()   {}
func (*SpeedMessage) isServerPacket()      {}
func (*ServerChatMessage) isServerPacket() {}
func (*DisconnectNotice) isServerPacket()  {}
func (*UnknownPacket) isServerPacket()     {}

// DecodeServerPacket maps a decrypted body to its typed packet. Unknown
// opcodes decode to *UnknownPacket rather than failing, since a fresh
// server build may add packets this client ignores.
func DecodeServerPacket(body []byte) (ServerPacket, error) {
	pkt, err := ParsePacket(body)
	if err != nil {
		return nil, err
	}

	var msg ServerPacket
	switch pkt.Opcode {
	case OpServerHandshake:
		if len(pkt.Payload) < HandshakeKeySize {
			return nil, fmt.Errorf("handshake: %w", ErrShortPacket)
		}
		msg = &HandshakeMessage{}
	case OpServerMoveObject:
		msg = &MoveObjectMessage{}
	case OpServerPosition:
		msg = &PositionMessage{}
	case OpServerSpeed:
		msg = &SpeedMessage{}
	case OpServerChat:
		msg = &ServerChatMessage{}
	case OpServerDisconnect:
		msg = &DisconnectNotice{}
	default:
		msg = &UnknownPacket{Op: pkt.Opcode}
	}

	msg.Decode(NewReader(pkt.Payload))
	return msg, nil
}

// DecodeClientPacket maps a decrypted client body to its typed message.
// readyOp is the client-ready opcode in use; unknown opcodes decode to
// *UnknownPacket.
func DecodeClientPacket(body []byte, readyOp uint8) (Message, error) {
	pkt, err := ParsePacket(body)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch pkt.Opcode {
	case readyOp:
		msg = &ClientReadyMessage{Op: readyOp}
	case OpClientMove:
		msg = &MoveMessage{}
	case OpClientAttack:
		msg = &AttackMessage{}
	case OpClientFarAttack:
		msg = &FarAttackMessage{}
	case OpClientCast:
		msg = &CastMessage{}
	case OpClientChat:
		msg = &ChatMessage{}
	default:
		msg = &UnknownPacket{Op: pkt.Opcode}
	}

	msg.Decode(NewReader(pkt.Payload))
	return msg, nil
}

// Compile-time checks
var (
	_ Message = (*MoveMessage)(nil)
	_ Message = (*AttackMessage)(nil)
	_ Message = (*FarAttackMessage)(nil)
	_ Message = (*CastMessage)(nil)
	_ Message = (*ChatMessage)(nil)
	_ Message = (*ClientReadyMessage)(nil)

	_ ServerPacket = (*HandshakeMessage)(nil)
	_ ServerPacket = (*MoveObjectMessage)(nil)
	_ ServerPacket = (*PositionMessage)(nil)
	_ ServerPacket = (*SpeedMessage)(nil)
	_ ServerPacket = (*ServerChatMessage)(nil)
	_ ServerPacket = (*DisconnectNotice)(nil)
	_ ServerPacket = (*UnknownPacket)(nil)
)
