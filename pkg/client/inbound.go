package client

import (
	"encoding/binary"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

// FrameKind classifies what Inbound.Next produced.
type FrameKind int

const (
	// FramePacket is a decrypted packet ready for dispatch.
	FramePacket FrameKind = iota
	// FrameHandshake is the unencrypted seed packet. The cipher has
	// already been initialized when it is returned.
	FrameHandshake
	// FrameSkipped is a body that could not be used (empty, or received
	// before the handshake).
	FrameSkipped
)

// InboundFrame is one unit of output from the inbound pipeline.
type InboundFrame struct {
	Kind     FrameKind
	Packet   protocol.Packet
	Key      uint32
	Resynced int
}

// HandshakeFunc installs the handshake key. It runs on the goroutine that
// drives Inbound and must initialize c before returning.
type HandshakeFunc func(c *cipher.Cipher, key uint32) error

// Inbound turns raw server bytes into decrypted packets: deframing, the
// handshake, then per-frame decryption. It is driven by a single goroutine.
type Inbound struct {
	deframer    protocol.Deframer
	cipher      *cipher.Cipher
	seed        []byte
	onHandshake HandshakeFunc
}

// NewInbound wraps c. A nil onHandshake just initializes the cipher, which
// is what offline replay needs.
func NewInbound(c *cipher.Cipher, onHandshake HandshakeFunc) *Inbound {
	if onHandshake == nil {
		onHandshake = func(c *cipher.Cipher, key uint32) error {
			c.Init(key)
			return nil
		}
	}
	return &Inbound{cipher: c, onHandshake: onHandshake}
}

// Feed appends bytes read from the stream.
func (in *Inbound) Feed(p []byte) {
	in.deframer.Feed(p)
}

// Next returns the next processed frame, or ok=false when more bytes are
// needed. Resynced is reported even when no frame is complete.
func (in *Inbound) Next() (InboundFrame, bool, error) {
	body, resynced, ok := in.deframer.Next()
	if !ok {
		return InboundFrame{Kind: FrameSkipped, Resynced: resynced}, false, nil
	}

	if !in.cipher.Initialized() {
		if len(body) < 1+protocol.HandshakeKeySize || body[0] != protocol.OpServerHandshake {
			return InboundFrame{Kind: FrameSkipped, Resynced: resynced}, true, nil
		}
		key := binary.LittleEndian.Uint32(body[1:])
		in.seed = append([]byte(nil), body[1+protocol.HandshakeKeySize:]...)
		if err := in.onHandshake(in.cipher, key); err != nil {
			return InboundFrame{Kind: FrameHandshake, Key: key, Resynced: resynced}, true, err
		}
		return InboundFrame{Kind: FrameHandshake, Key: key, Resynced: resynced}, true, nil
	}

	if len(body) == 0 {
		return InboundFrame{Kind: FrameSkipped, Resynced: resynced}, true, nil
	}
	in.cipher.Decrypt(body)
	pkt, _ := protocol.ParsePacket(body)
	return InboundFrame{Kind: FramePacket, Packet: pkt, Resynced: resynced}, true, nil
}

// Seed returns the opaque block that followed the handshake key.
func (in *Inbound) Seed() []byte {
	return in.seed
}

// Dropped returns the bytes discarded while resyncing.
func (in *Inbound) Dropped() uint64 {
	return in.deframer.Dropped()
}
