package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

const testKey uint32 = 0x12345678

// newPipeConnection returns a Connection whose dialer hands out one end of
// a net.Pipe; the other end plays the server.
func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	c, err := NewConnection("127.0.0.1:2000")
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	c.dial = func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
		return clientSide, nil
	}
	t.Cleanup(func() {
		serverSide.Close()
		c.Close()
	})
	return c, serverSide
}

func handshakeFrame(key uint32, seed []byte) []byte {
	body := []byte{protocol.OpServerHandshake, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(body[1:], key)
	body = append(body, seed...)
	frame, _ := protocol.AppendFrame(nil, body)
	return frame
}

func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [2]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	total := int(binary.LittleEndian.Uint16(hdr[:]))
	require.GreaterOrEqual(t, total, protocol.MinFrameLength)
	body := make([]byte, total-protocol.LengthPrefixSize)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return append(hdr[:], body...)
}

func waitState(t *testing.T, c *Connection, want ConnectionState) ConnectionStateUpdate {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-c.StateChanges():
			if u.State == want {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
			return ConnectionStateUpdate{}
		}
	}
}

// connectAndHandshake drives a connection to StateConnected and returns
// the server's view of the cipher.
func connectAndHandshake(t *testing.T, c *Connection, server net.Conn) *cipher.Cipher {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateAwaitingHandshake)

	go func() {
		_, _ = server.Write(handshakeFrame(testKey, []byte{0xDE, 0xAD}))
	}()
	ready := readFrame(t, server)
	require.Equal(t, []byte{0x06, 0x00, protocol.OpClientReady, 0x00, 0x00, 0x00}, ready)
	waitState(t, c, StateConnected)
	return cipher.New(testKey)
}

func TestConnectionHandshake(t *testing.T) {
	c, server := newPipeConnection(t)
	metrics := NewMetrics()
	c.SetMetrics(metrics)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnecting, waitState(t, c, StateConnecting).State)
	waitState(t, c, StateAwaitingHandshake)
	assert.False(t, c.IsConnected())

	go func() {
		_, _ = server.Write(handshakeFrame(testKey, []byte{1, 2, 3}))
	}()

	// Exactly one unencrypted client-ready frame comes back.
	ready := readFrame(t, server)
	assert.Equal(t, []byte{0x06, 0x00, 0x47, 0x00, 0x00, 0x00}, ready)

	waitState(t, c, StateConnected)
	assert.True(t, c.IsConnected())
	assert.Equal(t, []byte{1, 2, 3}, c.HandshakeSeed())

	// The handshake is never delivered as a packet.
	select {
	case pkt := <-c.Incoming():
		t.Fatalf("unexpected packet 0x%02X", pkt.Opcode)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.handshakes))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.framesSent))
}

func TestConnectionCustomReadyOpcode(t *testing.T) {
	c, server := newPipeConnection(t)
	c.SetClientReadyOpcode(0x33)
	require.NoError(t, c.Connect(context.Background()))

	go func() {
		_, _ = server.Write(handshakeFrame(testKey, nil))
	}()
	assert.Equal(t, []byte{0x06, 0x00, 0x33, 0x00, 0x00, 0x00}, readFrame(t, server))
}

func TestConnectionReceiveDecrypts(t *testing.T) {
	c, server := newPipeConnection(t)
	serverCipher := connectAndHandshake(t, c, server)

	first := protocol.Encode(&protocol.MoveObjectMessage{ObjectID: 5, X: 100, Y: 200, Heading: 3})
	second := protocol.Encode(&protocol.DisconnectNotice{Reason: 1})
	var stream []byte
	for _, body := range [][]byte{first, second} {
		enc := append([]byte(nil), body...)
		serverCipher.Encrypt(enc)
		stream, _ = protocol.AppendFrame(stream, enc)
	}
	go func() {
		_, _ = server.Write(stream)
	}()

	for _, want := range [][]byte{first, second} {
		select {
		case pkt := <-c.Incoming():
			assert.Equal(t, want, pkt.Body())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for packet")
		}
	}
}

func TestConnectionSendEncrypts(t *testing.T) {
	c, server := newPipeConnection(t)
	serverCipher := connectAndHandshake(t, c, server)

	msg := &protocol.MoveMessage{X: 0x8010, Y: 0x8020, Heading: 2}
	body := protocol.Encode(msg)
	original := append([]byte(nil), body...)

	errCh := make(chan error, 1)
	go func() { errCh <- c.SendMessage(msg) }()

	frame := readFrame(t, server)
	require.NoError(t, <-errCh)
	require.Len(t, frame, len(body)+protocol.LengthPrefixSize)
	assert.Equal(t, uint16(len(frame)), binary.LittleEndian.Uint16(frame))

	wire := frame[protocol.LengthPrefixSize:]
	assert.NotEqual(t, original, wire)
	serverCipher.Decrypt(wire)
	assert.Equal(t, original, wire)
	assert.Equal(t, original, body, "caller's buffer must not be modified")
}

func TestConnectionResyncBeforeHandshake(t *testing.T) {
	c, server := newPipeConnection(t)
	metrics := NewMetrics()
	c.SetMetrics(metrics)
	require.NoError(t, c.Connect(context.Background()))

	// A 41 byte seed makes the frame 48 bytes long, so neither shifted
	// window over the garbage parses as a valid length.
	go func() {
		_, _ = server.Write(append([]byte{0xFF, 0xFF}, handshakeFrame(testKey, make([]byte, 41))...))
	}()
	readFrame(t, server)
	waitState(t, c, StateConnected)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.resyncBytes))
}

func TestConnectionDisconnect(t *testing.T) {
	t.Run("idempotent with a single disconnected event", func(t *testing.T) {
		c, server := newPipeConnection(t)
		connectAndHandshake(t, c, server)

		c.Disconnect()
		c.Disconnect()

		u := waitState(t, c, StateDisconnected)
		assert.Equal(t, DisconnectUserRequested, u.Reason)
		assert.NoError(t, u.Err)
		select {
		case extra := <-c.StateChanges():
			t.Fatalf("unexpected extra state %s", extra.State)
		case <-time.After(50 * time.Millisecond):
		}
		assert.ErrorIs(t, c.Send([]byte{1, 0, 0, 0}), ErrNotConnected)
	})

	t.Run("server close", func(t *testing.T) {
		c, server := newPipeConnection(t)
		connectAndHandshake(t, c, server)

		server.Close()
		u := waitState(t, c, StateDisconnected)
		assert.Equal(t, DisconnectServerDown, u.Reason)
		assert.Equal(t, DisconnectServerDown, c.LastDisconnectReason())
	})

	t.Run("reconnect after disconnect", func(t *testing.T) {
		c, server := newPipeConnection(t)
		connectAndHandshake(t, c, server)
		c.Disconnect()
		waitState(t, c, StateDisconnected)

		clientSide, serverSide := net.Pipe()
		defer serverSide.Close()
		c.dial = func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			return clientSide, nil
		}
		connectAndHandshake(t, c, serverSide)
		assert.True(t, c.IsConnected())
	})
}

func TestConnectionReconnectDropsQueuedPackets(t *testing.T) {
	c, server := newPipeConnection(t)
	serverCipher := connectAndHandshake(t, c, server)

	stale := protocol.Encode(&protocol.PositionMessage{ObjectID: 7, X: 111, Y: 222})
	serverCipher.Encrypt(stale)
	frame, _ := protocol.AppendFrame(nil, stale)
	go func() {
		_, _ = server.Write(frame)
	}()
	require.Eventually(t, func() bool { return len(c.incoming) == 1 }, 2*time.Second, time.Millisecond)

	server.Close()
	waitState(t, c, StateDisconnected)

	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()
	c.dial = func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
		return clientSide, nil
	}
	serverCipher = connectAndHandshake(t, c, serverSide)

	fresh := protocol.Encode(&protocol.MoveObjectMessage{ObjectID: 7, X: 300, Y: 400})
	enc := append([]byte(nil), fresh...)
	serverCipher.Encrypt(enc)
	frame, _ = protocol.AppendFrame(nil, enc)
	go func() {
		_, _ = serverSide.Write(frame)
	}()

	select {
	case pkt := <-c.Incoming():
		assert.Equal(t, fresh, pkt.Body(), "only the new link's packets are delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestConnectionSendNotConnected(t *testing.T) {
	c, err := NewConnection("localhost")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send([]byte{1, 2, 3, 4}), ErrNotConnected)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectionAlreadyConnected(t *testing.T) {
	c, _ := newPipeConnection(t)
	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectionCloseIsFinal(t *testing.T) {
	c, err := NewConnection("localhost")
	require.NoError(t, err)
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		display string
		kind    string
		wantErr bool
	}{
		{name: "bare host gets default port", input: "example.com", display: "example.com:2000", kind: "tcp"},
		{name: "host and port", input: "example.com:7000", display: "example.com:7000", kind: "tcp"},
		{name: "tcp scheme", input: "tcp://example.com:7001", display: "example.com:7001", kind: "tcp"},
		{name: "websocket", input: "ws://example.com", display: "ws://example.com:8080", kind: "websocket"},
		{name: "secure websocket", input: "wss://example.com:443", display: "wss://example.com:443", kind: "websocket"},
		{name: "ipv6", input: "[::1]", display: "[::1]:2000", kind: "tcp"},
		{name: "empty", input: "  ", wantErr: true},
		{name: "unknown scheme", input: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc, err := parseServerAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.display, dc.display)
			assert.Equal(t, tt.kind, dc.kind)
		})
	}
}
