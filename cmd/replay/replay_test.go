package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

const testKey = 0x12345678

// capture writes a synthetic Ethernet/IPv4/TCP trace.
type capture struct {
	t   *testing.T
	buf bytes.Buffer
	w   *pcapgo.Writer
	ts  time.Time

	clientIP, serverIP     net.IP
	clientPort, serverPort layers.TCPPort
	clientSeq, serverSeq   uint32
}

func newCapture(t *testing.T, serverPort uint16) *capture {
	c := &capture{
		t:          t,
		ts:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		clientIP:   net.IPv4(10, 0, 0, 2).To4(),
		serverIP:   net.IPv4(10, 0, 0, 1).To4(),
		clientPort: 51000,
		serverPort: layers.TCPPort(serverPort),
		clientSeq:  100,
		serverSeq:  5000,
	}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return c
}

func (c *capture) segment(fromServer bool, syn bool, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{Window: 65535, SYN: syn, ACK: !syn || fromServer, PSH: len(payload) > 0}

	seq := &c.clientSeq
	if fromServer {
		ip.SrcIP, ip.DstIP = c.serverIP, c.clientIP
		tcp.SrcPort, tcp.DstPort = c.serverPort, c.clientPort
		seq = &c.serverSeq
	} else {
		ip.SrcIP, ip.DstIP = c.clientIP, c.serverIP
		tcp.SrcPort, tcp.DstPort = c.clientPort, c.serverPort
	}
	tcp.Seq = *seq
	*seq += uint32(len(payload))
	if syn {
		*seq++
	}
	require.NoError(c.t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(c.t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))

	c.ts = c.ts.Add(10 * time.Millisecond)
	data := buf.Bytes()
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data))
}

func (c *capture) open() {
	c.segment(false, true, nil)
	c.segment(true, true, nil)
}

func frame(t *testing.T, body []byte) []byte {
	f, err := protocol.AppendFrame(nil, body)
	require.NoError(t, err)
	return f
}

func encrypted(t *testing.T, c *cipher.Cipher, m protocol.Message) []byte {
	body := protocol.Encode(m)
	c.Encrypt(body)
	return frame(t, body)
}

// session writes a handshake, two server packets, and the client's ready
// reply followed by one encrypted move.
func session(t *testing.T, c *capture) {
	c.open()
	server := cipher.New(testKey)
	cl := cipher.New(testKey)

	c.segment(true, false, frame(t, protocol.Encode(&protocol.HandshakeMessage{Key: testKey, Seed: []byte{9, 9, 9}})))
	c.segment(false, false, frame(t, protocol.Encode(&protocol.ClientReadyMessage{})))

	// Two frames in one segment, the second split across segments.
	pos := encrypted(t, server, &protocol.PositionMessage{ObjectID: 7, X: 32800, Y: 32768, MapID: 4, Heading: 2})
	unknown := encrypted(t, server, &protocol.UnknownPacket{Op: 0x99, Payload: []byte{1, 2, 3}})
	data := append(pos, unknown...)
	c.segment(true, false, data[:len(pos)+3])
	c.segment(true, false, data[len(pos)+3:])

	c.segment(false, false, encrypted(t, cl, &protocol.MoveMessage{X: 32801, Y: 32768, Heading: 2}))
}

func TestReplayServerSide(t *testing.T) {
	c := newCapture(t, 2000)
	session(t, c)

	var out bytes.Buffer
	r := newReplayer(&out, zap.NewNop(), 2000)
	require.NoError(t, r.replay(context.Background(), bytes.NewReader(c.buf.Bytes())))

	lines := splitLines(out.String())
	require.Len(t, lines, 3, out.String())
	assert.Contains(t, lines[0], "#1 S>C Handshake")
	assert.Contains(t, lines[0], "Key:0x12345678")
	assert.Contains(t, lines[0], "Seed:3 bytes")
	assert.Contains(t, lines[1], "Position")
	assert.Contains(t, lines[1], "ObjectID:7 X:32800 Y:32768 MapID:4 Heading:2")
	assert.Contains(t, lines[2], "Unknown(0x99)")

	assert.Equal(t, 1, r.stats.conversations)
	assert.Equal(t, uint64(2), r.stats.packets[serverToClient])
	assert.Equal(t, uint64(1), r.stats.unknown[serverToClient])
	assert.Zero(t, r.stats.packets[clientToServer])
}

func TestReplayBothSides(t *testing.T) {
	c := newCapture(t, 2000)
	session(t, c)

	var out bytes.Buffer
	r := newReplayer(&out, zap.NewNop(), 2000)
	r.clientSide = true
	require.NoError(t, r.replay(context.Background(), bytes.NewReader(c.buf.Bytes())))

	s := out.String()
	assert.Contains(t, s, "#1 C>S ClientReady")
	assert.Contains(t, s, "#1 C>S Move")
	assert.Contains(t, s, "X:32801 Y:32768 Heading:2")
	assert.Equal(t, 1, r.stats.conversations, "both halves share one conversation")
	assert.Equal(t, uint64(2), r.stats.packets[clientToServer])

	var summary bytes.Buffer
	r.summary(&summary)
	assert.Contains(t, summary.String(), "1 conversations, 2 server packets (1 unknown), 2 client packets (0 unknown)")
}

func TestReplayIgnoresOtherPorts(t *testing.T) {
	c := newCapture(t, 2001)
	session(t, c)

	var out bytes.Buffer
	r := newReplayer(&out, zap.NewNop(), 2000)
	r.clientSide = true
	require.NoError(t, r.replay(context.Background(), bytes.NewReader(c.buf.Bytes())))
	assert.Empty(t, out.String())
	assert.Zero(t, r.stats.conversations)
}

func TestReplayRejectsGarbage(t *testing.T) {
	r := newReplayer(&bytes.Buffer{}, zap.NewNop(), 2000)
	err := r.replay(context.Background(), bytes.NewReader([]byte("definitely not a capture file")))
	assert.Error(t, err)
}

func TestReplayCancelled(t *testing.T) {
	c := newCapture(t, 2000)
	session(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newReplayer(&bytes.Buffer{}, zap.NewNop(), 2000)
	assert.ErrorIs(t, r.replay(ctx, bytes.NewReader(c.buf.Bytes())), context.Canceled)
}

func TestClientStreamWithoutKey(t *testing.T) {
	var out bytes.Buffer
	r := newReplayer(&out, zap.NewNop(), 2000)
	s := &stream{r: r, conv: &conversation{id: 1}, dir: clientToServer}

	ready := frame(t, protocol.Encode(&protocol.ClientReadyMessage{}))
	move := encrypted(t, cipher.New(testKey), &protocol.MoveMessage{X: 1, Y: 2})
	s.feedClient(append(ready, move...), time.Time{})

	assert.Contains(t, out.String(), "ClientReady")
	assert.NotContains(t, out.String(), "Move")
	assert.Equal(t, uint64(1), r.stats.skipped)
}

func TestServerStreamResync(t *testing.T) {
	var out bytes.Buffer
	r := newReplayer(&out, zap.NewNop(), 2000)
	s := r.New(
		gopacket.NewFlow(layers.EndpointIPv4, net.IPv4(10, 0, 0, 1).To4(), net.IPv4(10, 0, 0, 2).To4()),
		gopacket.NewFlow(layers.EndpointTCPPort, []byte{0x07, 0xD0}, []byte{0xC7, 0x38}),
	).(*stream)

	// Two garbage bytes: each candidate length is out of range until the
	// real prefix lines up.
	hs := frame(t, protocol.Encode(&protocol.HandshakeMessage{Key: testKey, Seed: make([]byte, 28)}))
	require.Equal(t, byte(38), hs[0])
	data := append([]byte{0x01, 0x00}, hs...)
	s.feedServer(data, time.Time{})

	assert.Contains(t, out.String(), "Handshake")
	assert.Equal(t, uint64(2), r.stats.resynced)
	assert.True(t, s.conv.keyed)
	assert.Equal(t, uint32(testKey), s.conv.key)
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range bytes.Split([]byte(s), []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	return lines
}
