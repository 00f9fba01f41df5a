package worldsim

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

// SafeConn wraps a net.Conn with the server half of the cipher.
//
// A session's own loop and every other session's broadcasts write to the
// same socket. Encryption advances the encode schedule, so encrypt and
// write happen under one lock or the client sees bodies out of key order.
type SafeConn struct {
	conn   net.Conn
	cipher *cipher.Cipher
	mu     sync.Mutex // Protects writes to conn and the encode schedule
}

// NewSafeConn wraps conn. The cipher is installed by Handshake.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn, cipher: &cipher.Cipher{}}
}

// Handshake writes the unencrypted seed packet and initializes the cipher
// in one critical section.
func (sc *SafeConn) Handshake(key uint32, seed []byte) error {
	body := protocol.Encode(&protocol.HandshakeMessage{Key: key, Seed: seed})

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cipher.Init(key)
	return sc.writeFrameLocked(body)
}

// Send encodes, encrypts and writes one packet.
func (sc *SafeConn) Send(msg protocol.Message) error {
	body := protocol.Encode(msg)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cipher.Encrypt(body)
	return sc.writeFrameLocked(body)
}

// Read reads raw bytes. Only the session loop reads, so reads are not
// synchronized.
func (sc *SafeConn) Read(p []byte) (int, error) {
	return sc.conn.Read(p)
}

// Decrypt reverses the client's encryption in place. The decode schedule
// belongs to the reading goroutine alone.
func (sc *SafeConn) Decrypt(body []byte) {
	sc.cipher.Decrypt(body)
}

// SetReadDeadline bounds the next Read.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

func (sc *SafeConn) writeFrameLocked(body []byte) error {
	return protocol.EncodeFrame(sc.conn, body)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
