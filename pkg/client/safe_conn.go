package client

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

// safeConn wraps a net.Conn together with the outbound half of the cipher.
//
// Two goroutines write to the socket: the receive goroutine (client-ready
// reply to the handshake) and the main loop (every other send). Encryption
// advances the encode schedule, so encrypt-then-write must happen as one
// step under the same lock or the server sees bodies out of key order.
type safeConn struct {
	conn   net.Conn
	cipher *cipher.Cipher
	mu     sync.Mutex // Protects writes to conn and the encode schedule

	bytesSent *atomic.Uint64
}

func newSafeConn(conn net.Conn, c *cipher.Cipher, bytesSent *atomic.Uint64) *safeConn {
	return &safeConn{
		conn:      conn,
		cipher:    c,
		bytesSent: bytesSent,
	}
}

// writeBody encrypts a copy of body (when the cipher is ready) and writes
// it as one frame.
func (sc *safeConn) writeBody(body []byte) (int, error) {
	out := append([]byte(nil), body...)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cipher.Initialized() {
		sc.cipher.Encrypt(out)
	}
	return sc.writeFrameLocked(out)
}

// handshake initializes the cipher and writes the unencrypted client-ready
// body in one critical section, so no main-loop send can slip between them.
func (sc *safeConn) handshake(key uint32, ready []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cipher.Init(key)
	return sc.writeFrameLocked(ready)
}

func (sc *safeConn) writeFrameLocked(body []byte) (int, error) {
	frame, err := protocol.AppendFrame(nil, body)
	if err != nil {
		return 0, err
	}
	n, err := sc.conn.Write(frame)
	if n > 0 && sc.bytesSent != nil {
		sc.bytesSent.Add(uint64(n))
	}
	return n, err
}

// Close closes the underlying connection
func (sc *safeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *safeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
