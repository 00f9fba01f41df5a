// Package worldsim is a small authoritative world server for exercising the
// client end to end: it performs the cipher handshake, places characters,
// enforces step distance and action cadence, and echoes movement to every
// connected client.
package worldsim

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/timing"
)

// DisconnectShutdown is the reason byte sent when the server stops.
const DisconnectShutdown uint8 = 1

// speedEffectSec is how long a chat-granted speed effect is advertised.
const speedEffectSec = 300

const readBufferSize = 4096

var (
	ErrNotReady      = errors.New("first frame after the handshake was not client-ready")
	ErrTooManyFromIP = errors.New("too many connections from this address")
)

// Server is the simulated world server.
type Server struct {
	cfg      Config
	log      *zap.Logger
	table    *timing.IntervalTable
	blocked  map[cell]bool
	sessions *SessionManager
	metrics  *Metrics

	gfx           uint16
	walkVariant   uint8
	attackVariant uint8
	readyOp       uint8

	listener net.Listener
	httpLn   net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	// newKey picks the handshake key; tests pin it.
	newKey func() uint32

	connMu   sync.Mutex // Protects closing and wg.Add
	closing  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer validates cfg and builds a server. table nil selects the
// built-in interval defaults.
func NewServer(cfg Config, table *timing.IntervalTable, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		table = timing.DefaultIntervalTable()
	}
	if log == nil {
		log = zap.NewNop()
	}
	blocked, err := cfg.blockedCells()
	if err != nil {
		return nil, err
	}
	weapon, err := timing.ParseWeapon(cfg.World.Weapon)
	if err != nil {
		return nil, err
	}
	walk, attack := timing.WeaponVariants(weapon)

	metrics := NewMetrics()
	return &Server{
		cfg:           cfg,
		log:           log,
		table:         table,
		blocked:       blocked,
		sessions:      NewSessionManager(metrics),
		metrics:       metrics,
		gfx:           uint16(cfg.World.Gfx),
		walkVariant:   walk,
		attackVariant: attack,
		readyOp:       uint8(cfg.Server.ClientReadyOpcode),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newKey:   rand.Uint32,
		shutdown: make(chan struct{}),
	}, nil
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start opens the configured listeners and returns once they accept.
func (s *Server) Start() error {
	if s.cfg.Server.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.Server.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.TCPAddr, err)
		}
		s.listener = ln
		s.log.Info("tcp listening", zap.String("addr", ln.Addr().String()))

		s.wg.Add(1)
		go s.acceptLoop()
	}

	if s.cfg.Server.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.HTTPAddr, err)
		}
		s.httpLn = ln
		s.httpSrv = &http.Server{Handler: s.httpMux(), ReadHeaderTimeout: 5 * time.Second}
		s.log.Info("http listening", zap.String("addr", ln.Addr().String()), zap.String("endpoints", "/ws, /metrics, /health"))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server error", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Addr returns the TCP listener address, or "" when TCP is disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Stop notifies clients, closes every connection and waits for the
// connection goroutines.
func (s *Server) Stop() error {
	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		return nil
	}
	s.closing = true
	close(s.shutdown)
	s.connMu.Unlock()

	s.log.Info("shutting down")
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	s.notifyClientsOfShutdown()
	s.sessions.CloseAll()
	s.wg.Wait()
	s.log.Info("shutdown complete")
	return nil
}

func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.ReadySessions()
	if len(sessions) == 0 {
		return
	}
	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.Send(&protocol.DisconnectNotice{Reason: DisconnectShutdown}); err == nil {
			sent++
		}
	}
	s.log.Info("shutdown notification sent", zap.Int("sent", sent), zap.Int("sessions", len(sessions)))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", zap.Error(err))
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		go s.handleConnection(conn, "tcp")
	}
}

// HandleWebSocket upgrades /ws and serves the same protocol over binary
// messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.handleConnection(client.NewWebSocketConn(ws), "websocket")
}

// handleConnection runs one connection to completion.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.connMu.Unlock()
	defer s.wg.Done()
	defer conn.Close()

	s.metrics.recordConnection(transport)

	if limit := s.cfg.Limits.MaxConnectionsPerIP; limit > 0 {
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.sessions.CountFromHost(host) >= limit {
			s.metrics.recordViolation("max_connections")
			s.log.Warn("connection refused", zap.String("remote", conn.RemoteAddr().String()), zap.Error(ErrTooManyFromIP))
			return
		}
	}

	state := timing.NewState(s.table, nil, s.cfg.Margins())
	sess := s.sessions.CreateSession(conn, transport, state, s.cfg.Limits.ChatPerMinute)
	defer s.removeSession(sess)

	// Stop may have run CloseAll before this session was registered.
	select {
	case <-s.shutdown:
		return
	default:
	}

	log := s.log.With(zap.String("session", sess.LogID), zap.Int32("object", sess.ObjectID))
	log.Debug("new connection", zap.String("remote", sess.RemoteAddr), zap.String("transport", transport))

	if err := sess.Conn.Handshake(s.newKey(), []byte("worldsim")); err != nil {
		log.Debug("handshake write failed", zap.Error(err))
		return
	}

	if err := s.messageLoop(sess, log); err != nil {
		log.Debug("connection closed", zap.Error(err))
	}
}

// messageLoop reads frames until the socket fails or the client breaks a
// protocol rule that ends the session.
func (s *Server) messageLoop(sess *Session, log *zap.Logger) error {
	buf := make([]byte, readBufferSize)
	var deframer protocol.Deframer
	idle := s.cfg.idleTimeout()

	for {
		if idle > 0 {
			_ = sess.Conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := sess.Conn.Read(buf)
		if n > 0 {
			deframer.Feed(buf[:n])
			for {
				body, resynced, ok := deframer.Next()
				if resynced > 0 {
					s.metrics.recordViolation("framing")
					log.Warn("invalid frame length, resynchronizing", zap.Int("dropped", resynced))
				}
				if !ok {
					break
				}
				if err := s.handleFrame(sess, body, log); err != nil {
					return err
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// handleFrame expects the unencrypted client-ready reply first and
// decrypts everything after it.
func (s *Server) handleFrame(sess *Session, body []byte, log *zap.Logger) error {
	if !sess.Ready() {
		if len(body) == 0 || body[0] != s.readyOp {
			s.metrics.recordViolation("handshake")
			return ErrNotReady
		}
		sess.markReady()
		s.metrics.setActive(s.sessions.CountReady())
		s.place(sess, log)
		return nil
	}

	sess.Conn.Decrypt(body)
	msg, err := protocol.DecodeClientPacket(body, s.readyOp)
	if err != nil {
		s.metrics.recordViolation("empty_packet")
		return nil
	}
	s.handleMessage(sess, msg, log)
	return nil
}

// place puts a new character on the spawn cell and introduces it to the
// characters already in the world.
func (s *Server) place(sess *Session, log *zap.Logger) {
	x, y := uint16(s.cfg.World.SpawnX), uint16(s.cfg.World.SpawnY)
	sess.setPosition(x, y, 0)

	err := sess.Conn.Send(&protocol.PositionMessage{
		ObjectID: sess.ObjectID,
		X:        x,
		Y:        y,
		MapID:    uint16(s.cfg.World.MapID),
	})
	if err != nil {
		log.Debug("placement failed", zap.Error(err))
		return
	}
	log.Info("character placed", zap.Uint16("x", x), zap.Uint16("y", y))

	for _, other := range s.sessions.ReadySessions() {
		if other.ID == sess.ID {
			continue
		}
		ox, oy, oh := other.Position()
		_ = sess.Conn.Send(&protocol.MoveObjectMessage{ObjectID: other.ObjectID, X: ox, Y: oy, Heading: oh})
		_ = other.Conn.Send(&protocol.MoveObjectMessage{ObjectID: sess.ObjectID, X: x, Y: y})
	}
}

func (s *Server) handleMessage(sess *Session, msg protocol.Message, log *zap.Logger) {
	switch m := msg.(type) {
	case *protocol.MoveMessage:
		s.metrics.recordPacket("move")
		s.handleMove(sess, m, log)
	case *protocol.AttackMessage:
		s.metrics.recordPacket("attack")
		s.checkCadence(sess, timing.Attack, s.attackVariant, log)
	case *protocol.FarAttackMessage:
		s.metrics.recordPacket("far_attack")
		s.checkCadence(sess, timing.Attack, s.attackVariant, log)
	case *protocol.CastMessage:
		s.metrics.recordPacket("cast")
		variant := timing.VariantSpellDirectional
		if m.TargetID == 0 {
			variant = timing.VariantSpellNonDirectional
		}
		s.checkCadence(sess, timing.Magic, variant, log)
	case *protocol.ChatMessage:
		s.metrics.recordPacket("chat")
		s.handleChat(sess, m, log)
	case *protocol.ClientReadyMessage:
		s.metrics.recordPacket("client_ready")
	default:
		s.metrics.recordPacket("unknown")
		s.metrics.recordViolation("unknown_opcode")
		log.Debug("unknown opcode", zap.Uint8("opcode", msg.Opcode()))
	}
}

// handleMove accepts a one-cell step onto an open cell once the walk
// cadence allows it. A rejected step is answered with the authoritative
// position.
func (s *Server) handleMove(sess *Session, m *protocol.MoveMessage, log *zap.Logger) {
	x, y, heading := sess.Position()
	dx, dy := int(m.X)-int(x), int(m.Y)-int(y)

	var rule string
	switch {
	case dx < -1 || dx > 1 || dy < -1 || dy > 1:
		rule = "step_distance"
	case dx == 0 && dy == 0:
		sess.setPosition(x, y, m.Heading)
		return
	case s.blocked[cell{m.X, m.Y}]:
		rule = "blocked"
	default:
		if ok, remaining := sess.gate.CanPerform(timing.Movement, s.gfx, s.walkVariant); !ok {
			rule = "movement_cadence"
			log.Debug("step too early", zap.Float64("remaining_ms", remaining))
		}
	}

	if rule != "" {
		s.metrics.recordViolation(rule)
		s.metrics.recordCorrection()
		_ = sess.Conn.Send(&protocol.PositionMessage{
			ObjectID: sess.ObjectID,
			X:        x,
			Y:        y,
			MapID:    uint16(s.cfg.World.MapID),
			Heading:  heading,
		})
		return
	}

	sess.gate.RecordPerformed(timing.Movement)
	sess.setPosition(m.X, m.Y, m.Heading)
	s.broadcast(&protocol.MoveObjectMessage{ObjectID: sess.ObjectID, X: m.X, Y: m.Y, Heading: m.Heading})
}

// checkCadence records an action or counts it as a violation. Actions have
// no visible effect in the simulator.
func (s *Server) checkCadence(sess *Session, c timing.Category, variant uint8, log *zap.Logger) {
	if ok, remaining := sess.gate.CanPerform(c, s.gfx, variant); !ok {
		s.metrics.recordViolation(c.String() + "_cadence")
		log.Debug("action too early", zap.Stringer("category", c), zap.Float64("remaining_ms", remaining))
		return
	}
	sess.gate.RecordPerformed(c)
}

// handleChat relays chat to everyone. Lines starting with '!' are commands
// for the simulator itself.
func (s *Server) handleChat(sess *Session, m *protocol.ChatMessage, log *zap.Logger) {
	if !sess.chat.Allow() {
		s.metrics.recordViolation("chat_rate")
		return
	}
	if strings.HasPrefix(m.Text, "!") {
		s.handleCommand(sess, strings.TrimSpace(m.Text[1:]), log)
		return
	}
	s.broadcast(&protocol.ServerChatMessage{ObjectID: sess.ObjectID, Channel: m.Channel, Text: m.Text})
}

func (s *Server) handleCommand(sess *Session, cmd string, log *zap.Logger) {
	buffs := sess.buffs()
	var kind uint8
	var active bool
	switch strings.ToLower(cmd) {
	case "haste":
		buffs.Haste = !buffs.Haste
		kind, active = protocol.SpeedHaste, buffs.Haste
	case "brave":
		buffs.Brave = !buffs.Brave
		kind, active = protocol.SpeedBrave, buffs.Brave
	case "slow":
		buffs.Slow = !buffs.Slow
		kind, active = protocol.SpeedSlow, buffs.Slow
	case "where":
		x, y, _ := sess.Position()
		_ = sess.Conn.Send(&protocol.ServerChatMessage{Text: fmt.Sprintf("%d,%d map %d", x, y, s.cfg.World.MapID)})
		return
	default:
		_ = sess.Conn.Send(&protocol.ServerChatMessage{Text: "unknown command: " + cmd})
		return
	}

	var duration uint16
	if active {
		duration = speedEffectSec
	}
	log.Info("speed effect", zap.Uint8("kind", kind), zap.Bool("active", active))
	s.broadcast(&protocol.SpeedMessage{ObjectID: sess.ObjectID, Kind: kind, Active: active, DurationSec: duration})
}

// broadcast sends msg to every session past the handshake, best effort.
func (s *Server) broadcast(msg protocol.Message) {
	for _, sess := range s.sessions.ReadySessions() {
		_ = sess.Conn.Send(msg)
	}
}

func (s *Server) removeSession(sess *Session) {
	if s.sessions.RemoveSession(sess.ID) {
		s.log.Debug("session removed", zap.String("session", sess.LogID))
	}
}
