package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aeolun/worldlink/pkg/cipher"
	"github.com/aeolun/worldlink/pkg/protocol"
)

// ConnectionState is the transport lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingHandshake // Socket open, cipher not yet seeded
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State  ConnectionState
	Reason DisconnectReason
	Err    error
}

// DisconnectReason indicates why a connection was lost
type DisconnectReason int

const (
	DisconnectUnknown       DisconnectReason = iota
	DisconnectError                          // Read/write error
	DisconnectServerDown                     // Server closed connection
	DisconnectUserRequested                  // Caller asked for it
	DisconnectHandshake                      // Client-ready reply could not be written
	DisconnectDesync                         // Caller detected a cipher desync
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectError:
		return "error"
	case DisconnectServerDown:
		return "server_down"
	case DisconnectUserRequested:
		return "user_requested"
	case DisconnectHandshake:
		return "handshake"
	case DisconnectDesync:
		return "desync"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("connection closed")
)

const (
	defaultTCPPort     = "2000"
	defaultHTTPPort    = "8080"
	defaultDialTimeout = 5 * time.Second
	readBufferSize     = 16 * 1024
	incomingQueueSize  = 256
)

// link is the per-socket state of one session. A new link (and a fresh
// cipher) is created on every Connect.
type link struct {
	id      uuid.UUID
	conn    *safeConn
	inbound *Inbound
	log     *zap.Logger
	done    chan struct{}
	exited  chan struct{} // closed when readLoop returns
}

// Connection is the framed, encrypted transport to the world server.
//
// One receive goroutine per link reads the socket, deframes, handles the
// handshake, decrypts and hands packets to Incoming(). Sends come from the
// caller's goroutine and are serialized by safeConn.
type Connection struct {
	addr           string // Display address with scheme (e.g., "ws://server:8080")
	rawAddr        string // Raw host:port without scheme
	connectionType string // "tcp" or "websocket"
	dial           func(ctx context.Context, timeout time.Duration) (net.Conn, error)
	dialTimeout    time.Duration
	readyOpcode    uint8

	mu        sync.RWMutex
	state     ConnectionState
	link      *link
	last      *link // most recent link, kept after it ends
	seed      []byte
	closed    bool
	chansDone bool

	lastDisconnectReason DisconnectReason

	// Channels for communication
	incoming    chan protocol.Packet
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger    *zap.Logger
	metrics   *Metrics
	resyncLog rate.Sometimes

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a new client connection
func NewConnection(addr string) (*Connection, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:           dc.display,
		rawAddr:        dc.raw,
		connectionType: dc.kind,
		dial:           dc.dial,
		dialTimeout:    defaultDialTimeout,
		readyOpcode:    protocol.OpClientReady,
		incoming:       make(chan protocol.Packet, incomingQueueSize),
		errors:         make(chan error, 10),
		stateChange:    make(chan ConnectionStateUpdate, 16),
		logger:         zap.NewNop(),
		resyncLog:      rate.Sometimes{First: 3, Interval: 5 * time.Second},
		shutdown:       make(chan struct{}),
	}, nil
}

// SetLogger sets the logger used for connection events.
func (c *Connection) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// SetMetrics attaches transport counters.
func (c *Connection) SetMetrics(m *Metrics) {
	c.metrics = m
}

// SetClientReadyOpcode overrides the opcode of the handshake reply.
func (c *Connection) SetClientReadyOpcode(op uint8) {
	if op != 0 {
		c.readyOpcode = op
	}
}

// SetDialTimeout bounds the TCP or WebSocket dial.
func (c *Connection) SetDialTimeout(d time.Duration) {
	if d > 0 {
		c.dialTimeout = d
	}
}

// Connect dials the server and starts the receive goroutine. It returns
// once the socket is open; the handshake completes asynchronously and is
// reported as StateConnected on StateChanges().
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	prev := c.last
	c.mu.Unlock()
	c.publishState(ConnectionStateUpdate{State: StateConnecting})

	if prev != nil {
		select {
		case <-prev.exited:
		case <-ctx.Done():
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			err := fmt.Errorf("connect %s: %w", c.addr, ctx.Err())
			c.publishState(ConnectionStateUpdate{State: StateDisconnected, Reason: DisconnectError, Err: err})
			return err
		}
		if n := c.discardIncoming(); n > 0 {
			prev.log.Debug("dropped packets from ended link", zap.Int("count", n))
		}
	}

	c.logger.Info("connecting", zap.String("addr", c.addr), zap.String("type", c.connectionType))
	raw, err := c.dial(ctx, c.dialTimeout)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		err = fmt.Errorf("connect %s: %w", c.addr, err)
		c.publishState(ConnectionStateUpdate{State: StateDisconnected, Reason: DisconnectError, Err: err})
		return err
	}

	id := uuid.New()
	ciph := &cipher.Cipher{}
	l := &link{
		id:   id,
		conn: newSafeConn(raw, ciph, &c.bytesSent),
		log:  c.logger.With(zap.String("session", id.String()), zap.String("addr", c.addr)),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	l.inbound = NewInbound(ciph, func(_ *cipher.Cipher, key uint32) error {
		return c.completeHandshake(l, key)
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		raw.Close()
		return ErrClosed
	}
	c.link = l
	c.last = l
	c.seed = nil
	c.state = StateAwaitingHandshake
	c.wg.Add(1)
	c.mu.Unlock()

	l.log.Info("socket open, awaiting handshake")
	c.publishState(ConnectionStateUpdate{State: StateAwaitingHandshake})

	go c.readLoop(l)
	return nil
}

// completeHandshake runs on the receive goroutine. The cipher is seeded and
// the unencrypted client-ready reply written before any further frame is
// read.
func (c *Connection) completeHandshake(l *link, key uint32) error {
	ready := protocol.Encode(&protocol.ClientReadyMessage{Op: c.readyOpcode})
	n, err := l.conn.handshake(key, ready)
	if err != nil {
		return fmt.Errorf("client ready: %w", err)
	}
	c.metrics.RecordFrameSent(n)
	c.metrics.RecordHandshake()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnected
	c.seed = append([]byte(nil), l.inbound.Seed()...)
	c.mu.Unlock()

	l.log.Info("handshake complete", zap.Int("seed_len", len(l.inbound.Seed())))
	c.publishState(ConnectionStateUpdate{State: StateConnected})
	return nil
}

// readLoop reads the socket until it fails or the link is torn down.
func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()
	defer close(l.exited)

	buf := make([]byte, readBufferSize)
	reader := &countingReader{r: l.conn.conn, counter: &c.bytesReceived}

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			c.metrics.RecordBytesReceived(n)
			l.inbound.Feed(buf[:n])
			if !c.drain(l) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.log.Info("connection closed by server (EOF)")
				c.disconnect(l, DisconnectServerDown, nil)
				return
			}
			c.disconnect(l, DisconnectError, fmt.Errorf("read error: %w", err))
			return
		}
	}
}

// discardIncoming empties the packet queue. Only called while no receive
// goroutine is running.
func (c *Connection) discardIncoming() int {
	n := 0
	for {
		select {
		case <-c.incoming:
			n++
		default:
			return n
		}
	}
}

// drain processes every complete frame buffered so far. It returns false
// when the loop must exit.
func (c *Connection) drain(l *link) bool {
	for {
		f, ok, err := l.inbound.Next()
		if f.Resynced > 0 {
			c.metrics.RecordResync(f.Resynced)
			c.resyncLog.Do(func() {
				l.log.Warn("invalid frame length, resynchronizing",
					zap.Int("dropped", f.Resynced),
					zap.Uint64("dropped_total", l.inbound.Dropped()))
			})
		}
		if err != nil {
			l.log.Error("handshake failed", zap.Error(err))
			c.disconnect(l, DisconnectHandshake, err)
			return false
		}
		if !ok {
			return true
		}

		switch f.Kind {
		case FramePacket:
			c.metrics.RecordFrameReceived()
			select {
			case c.incoming <- f.Packet:
			case <-l.done:
				return false
			case <-c.shutdown:
				return false
			}
		case FrameHandshake:
			l.log.Debug("handshake received", zap.Uint32("key", f.Key))
		case FrameSkipped:
			l.log.Debug("frame skipped")
		}
	}
}

// Disconnect closes the socket. Safe to call repeatedly and from any
// goroutine, including the receive goroutine; it never waits for it.
func (c *Connection) Disconnect() {
	c.DisconnectWithReason(DisconnectUserRequested)
}

// DisconnectWithReason is Disconnect with an explicit reason, used by the
// session when it detects a cipher desync.
func (c *Connection) DisconnectWithReason(reason DisconnectReason) {
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l != nil {
		c.disconnect(l, reason, nil)
	}
}

// disconnect tears down l if it is still the current link. Only the first
// caller for a link publishes StateDisconnected.
func (c *Connection) disconnect(l *link, reason DisconnectReason, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateDisconnected
	c.lastDisconnectReason = reason
	close(l.done)
	c.mu.Unlock()

	l.conn.Close()
	c.metrics.RecordDisconnect(reason)
	if cause != nil {
		l.log.Warn("disconnected", zap.Stringer("reason", reason), zap.Error(cause))
		c.publishError(cause)
	} else {
		l.log.Info("disconnected", zap.Stringer("reason", reason))
	}
	c.publishState(ConnectionStateUpdate{State: StateDisconnected, Reason: reason, Err: cause})
}

// Close shuts down the connection permanently. It must not be called from
// the receive goroutine.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return // Already closed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()

	c.mu.Lock()
	c.chansDone = true
	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
	c.mu.Unlock()
}

func (c *Connection) publishState(u ConnectionStateUpdate) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chansDone {
		return
	}
	select {
	case c.stateChange <- u:
	default:
		c.logger.Warn("state change dropped, channel full", zap.Stringer("state", u.State))
	}
}

func (c *Connection) publishError(err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chansDone {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

// Send encrypts and writes one packet body. The body is copied; the
// caller may reuse it.
func (c *Connection) Send(body []byte) error {
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		return ErrNotConnected
	}

	n, err := l.conn.writeBody(body)
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrEmptyBody) {
			return err
		}
		err = fmt.Errorf("write error: %w", err)
		c.disconnect(l, DisconnectError, err)
		return err
	}
	c.metrics.RecordFrameSent(n)
	if len(body) > 0 {
		l.log.Debug("→ SEND", zap.Uint8("op", body[0]), zap.Int("len", len(body)))
	}
	return nil
}

// SendMessage is a helper to send a typed client message
func (c *Connection) SendMessage(msg protocol.Message) error {
	return c.Send(protocol.Encode(msg))
}

// Incoming returns decrypted packets in arrival order.
func (c *Connection) Incoming() <-chan protocol.Packet {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the handshake has completed.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// HandshakeSeed returns the opaque block that followed the handshake key.
func (c *Connection) HandshakeSeed() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.seed...)
}

// LastDisconnectReason returns why the previous link ended.
func (c *Connection) LastDisconnectReason() DisconnectReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDisconnectReason
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetRawAddress returns the raw address without scheme
func (c *Connection) GetRawAddress() string {
	return c.rawAddr
}

// GetConnectionType returns "tcp" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string // Display address with scheme
	raw     string // Raw host:port without scheme
	kind    string
	dial    func(ctx context.Context, timeout time.Duration) (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}
		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		dial := func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", address)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				// Movement packets are tiny and latency bound.
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		}
		return &dialConfig{display: address, raw: address, kind: "tcp", dial: dial}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		dial := func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			return DialWebSocket(ctx, address, useTLS, timeout)
		}
		return &dialConfig{
			display: fmt.Sprintf("%s://%s", scheme, address),
			raw:     address,
			kind:    "websocket",
			dial:    dial,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && strings.Contains(addrErr.Err, "missing port") {
			return strings.Trim(hostPort, "[]"), defaultPort, nil
		}
		return "", "", fmt.Errorf("invalid server address %q: %w", hostPort, err)
	}
	if host == "" {
		return "", "", errors.New("missing host in server address")
	}
	if port == "" {
		port = defaultPort
	}
	return host, port, nil
}
