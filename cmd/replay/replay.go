package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/protocol"
)

type direction int

const (
	serverToClient direction = iota
	clientToServer
)

func (d direction) String() string {
	if d == serverToClient {
		return "S>C"
	}
	return "C>S"
}

// conversation is one TCP connection; both halves share the handshake key.
type conversation struct {
	id    int
	key   uint32
	keyed bool
}

// convKey identifies a conversation by its client->server flows.
type convKey struct {
	net, transport gopacket.Flow
}

type replayStats struct {
	conversations int
	packets       [2]uint64
	unknown       [2]uint64
	undecodable   uint64
	skipped       uint64
	resynced      uint64
	gaps          uint64
}

// replayer decodes captured world server traffic into one line per packet.
// tcpassembly calls back on the goroutine driving the assembler, so none
// of this state is locked.
type replayer struct {
	out        io.Writer
	log        *zap.Logger
	serverPort layers.TCPPort
	readyOp    uint8
	clientSide bool
	realtime   bool

	convs map[convKey]*conversation
	stats replayStats
}

func newReplayer(out io.Writer, log *zap.Logger, serverPort uint16) *replayer {
	return &replayer{
		out:        out,
		log:        log,
		serverPort: layers.TCPPort(serverPort),
		readyOp:    protocol.OpClientReady,
		convs:      make(map[convKey]*conversation),
	}
}

// openSource accepts pcapng and falls back to classic pcap.
func openSource(f io.ReadSeeker) (*gopacket.PacketSource, error) {
	if ng, err := pcapgo.NewNgReader(f, pcapgo.NgReaderOptions{}); err == nil {
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a pcap or pcapng capture: %w", err)
	}
	return gopacket.NewPacketSource(r, r.LinkType()), nil
}

// replay reads every packet from f and feeds TCP segments to the
// assembler. With realtime set it sleeps for the captured gaps.
func (r *replayer) replay(ctx context.Context, f io.ReadSeeker) error {
	source, err := openSource(f)
	if err != nil {
		return err
	}

	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(r))
	defer assembler.FlushAll()

	var prevTS time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, err := source.NextPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		ts := pkt.Metadata().CaptureInfo.Timestamp
		if r.realtime && !prevTS.IsZero() {
			if d := ts.Sub(prevTS); d > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
				}
			}
		}
		prevTS = ts

		netLayer := pkt.NetworkLayer()
		if netLayer == nil {
			continue
		}
		tcp, ok := pkt.TransportLayer().(*layers.TCP)
		if !ok {
			continue
		}
		assembler.AssembleWithTimestamp(netLayer.NetworkFlow(), tcp, ts)
	}
}

// New implements tcpassembly.StreamFactory.
func (r *replayer) New(netFlow, transport gopacket.Flow) tcpassembly.Stream {
	serverEnd := layers.NewTCPPortEndpoint(r.serverPort)

	var dir direction
	var key convKey
	switch {
	case transport.Src() == serverEnd:
		dir = serverToClient
		key = convKey{net: netFlow.Reverse(), transport: transport.Reverse()}
	case transport.Dst() == serverEnd:
		if !r.clientSide {
			return discardStream{}
		}
		dir = clientToServer
		key = convKey{net: netFlow, transport: transport}
	default:
		return discardStream{}
	}

	conv, ok := r.convs[key]
	if !ok {
		r.stats.conversations++
		conv = &conversation{id: r.stats.conversations}
		r.convs[key] = conv
		r.log.Debug("new conversation",
			zap.Int("id", conv.id),
			zap.String("client", fmt.Sprintf("%v:%v", key.net.Src(), key.transport.Src())))
	}

	s := &stream{r: r, conv: conv, dir: dir}
	if dir == serverToClient {
		s.in = client.NewInbound(&cipher.Cipher{}, nil)
	}
	return s
}

// stream decodes one direction of a conversation.
type stream struct {
	r    *replayer
	conv *conversation
	dir  direction

	in *client.Inbound // server side

	deframer protocol.Deframer // client side
	cipher   cipher.Cipher
	frames   int
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, ra := range rs {
		if ra.Skip > 0 {
			// Lost bytes desynchronize the cipher for the rest of the stream.
			s.r.stats.gaps++
			s.r.log.Warn("gap in capture",
				zap.Int("conversation", s.conv.id),
				zap.Stringer("direction", s.dir),
				zap.Int("bytes", ra.Skip))
		}
		if len(ra.Bytes) == 0 {
			continue
		}
		if s.dir == serverToClient {
			s.feedServer(ra.Bytes, ra.Seen)
		} else {
			s.feedClient(ra.Bytes, ra.Seen)
		}
	}
}

func (s *stream) ReassemblyComplete() {
	s.r.log.Debug("stream closed", zap.Int("conversation", s.conv.id), zap.Stringer("direction", s.dir))
}

func (s *stream) feedServer(p []byte, seen time.Time) {
	s.in.Feed(p)
	for {
		f, ok, err := s.in.Next()
		s.r.stats.resynced += uint64(f.Resynced)
		if err != nil {
			s.r.log.Warn("handshake failed", zap.Error(err))
		}
		if !ok {
			return
		}
		switch f.Kind {
		case client.FrameHandshake:
			s.conv.key, s.conv.keyed = f.Key, true
			s.r.line(seen, s, "Handshake", fmt.Sprintf("{Key:%#08x Seed:%d bytes}", f.Key, len(s.in.Seed())))
		case client.FrameSkipped:
			s.r.stats.skipped++
		case client.FramePacket:
			msg, err := protocol.DecodeServerPacket(f.Packet.Body())
			s.r.emit(seen, s, msg, err)
		}
	}
}

// feedClient decodes the client half. The first frame is the unencrypted
// ready reply; every later frame is encrypted with the same key schedule
// the server half starts from.
func (s *stream) feedClient(p []byte, seen time.Time) {
	s.deframer.Feed(p)
	for {
		body, resynced, ok := s.deframer.Next()
		s.r.stats.resynced += uint64(resynced)
		if !ok {
			return
		}
		s.frames++
		if s.frames > 1 {
			if !s.conv.keyed {
				s.r.stats.skipped++
				continue
			}
			if !s.cipher.Initialized() {
				s.cipher.Init(s.conv.key)
			}
			s.cipher.Decrypt(body)
		}
		msg, err := protocol.DecodeClientPacket(body, s.r.readyOp)
		s.r.emit(seen, s, msg, err)
	}
}

func (r *replayer) emit(seen time.Time, s *stream, msg protocol.Message, err error) {
	if err != nil {
		r.stats.undecodable++
		r.log.Debug("undecodable packet", zap.Int("conversation", s.conv.id), zap.Error(err))
		return
	}
	r.stats.packets[s.dir]++
	if u, ok := msg.(*protocol.UnknownPacket); ok {
		r.stats.unknown[s.dir]++
		r.line(seen, s, fmt.Sprintf("Unknown(%#02x)", u.Op), fmt.Sprintf("{%d bytes}", len(u.Payload)))
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(fmt.Sprintf("%T", msg), "*protocol."), "Message")
	r.line(seen, s, name, strings.TrimPrefix(fmt.Sprintf("%+v", msg), "&"))
}

func (r *replayer) line(seen time.Time, s *stream, name, fields string) {
	fmt.Fprintf(r.out, "%s #%d %s %-12s %s\n", seen.Format("15:04:05.000"), s.conv.id, s.dir, name, fields)
}

// summary writes the totals after a replay.
func (r *replayer) summary(w io.Writer) {
	st := r.stats
	fmt.Fprintf(w, "%s conversations, %s server packets (%s unknown), %s client packets (%s unknown)\n",
		humanize.Comma(int64(st.conversations)),
		humanize.Comma(int64(st.packets[serverToClient])),
		humanize.Comma(int64(st.unknown[serverToClient])),
		humanize.Comma(int64(st.packets[clientToServer])),
		humanize.Comma(int64(st.unknown[clientToServer])))
	fmt.Fprintf(w, "%s resynced, %s skipped frames, %s undecodable, %s gaps\n",
		humanize.Bytes(st.resynced),
		humanize.Comma(int64(st.skipped)),
		humanize.Comma(int64(st.undecodable)),
		humanize.Comma(int64(st.gaps)))
}

// discardStream drops traffic that is not world server traffic.
type discardStream struct{}

func (discardStream) Reassembled([]tcpassembly.Reassembly) {}
func (discardStream) ReassemblyComplete()                  {}
