package worldsim

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aeolun/worldlink/pkg/timing"
)

// objectIDBase keeps character ids clear of the small ids servers use for
// the world itself.
const objectIDBase = 1000

// Session represents an active client connection
type Session struct {
	ID         uint64
	ObjectID   int32
	LogID      string // Correlates log lines of this connection
	Conn       *SafeConn
	Transport  string
	RemoteAddr string

	mu      sync.RWMutex // Protects x, y, heading and ready
	x, y    uint16
	heading uint8
	ready   bool

	// Owned by the session's message loop.
	gate *timing.Gate
	chat *rate.Limiter
}

// Position returns the authoritative cell.
func (s *Session) Position() (x, y uint16, heading uint8) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.x, s.y, s.heading
}

func (s *Session) setPosition(x, y uint16, heading uint8) {
	s.mu.Lock()
	s.x, s.y, s.heading = x, y, heading
	s.mu.Unlock()
}

// Ready reports whether the client answered the handshake.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Session) markReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// buffs returns the speed effects the server applies to this character.
func (s *Session) buffs() *timing.Buffs {
	return &s.gate.State().Buffs
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
		metrics:  metrics,
	}
}

// CreateSession registers conn. state is the session's private timing
// state; chat limits chat lines per minute (0 disables the limit).
func (sm *SessionManager) CreateSession(conn net.Conn, transport string, state *timing.State, chatPerMinute int) *Session {
	id := atomic.AddUint64(&sm.nextID, 1) - 1

	limit := rate.Inf
	burst := 1
	if chatPerMinute > 0 {
		limit = rate.Limit(float64(chatPerMinute) / 60)
		burst = chatPerMinute
	}

	sess := &Session{
		ID:         id,
		ObjectID:   objectIDBase + int32(id),
		LogID:      uuid.NewString(),
		Conn:       NewSafeConn(conn),
		Transport:  transport,
		RemoteAddr: conn.RemoteAddr().String(),
		gate:       timing.NewGate(state),
		chat:       rate.NewLimiter(limit, burst),
	}

	sm.mu.Lock()
	sm.sessions[id] = sess
	sm.mu.Unlock()
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// RemoveSession forgets a session and reports whether it was present.
func (sm *SessionManager) RemoveSession(id uint64) bool {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		sm.metrics.setActive(sm.CountReady())
	}
	return ok
}

// GetAllSessions returns a snapshot of every session.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sess)
	}
	return out
}

// ReadySessions returns the sessions past the handshake.
func (sm *SessionManager) ReadySessions() []*Session {
	all := sm.GetAllSessions()
	out := all[:0]
	for _, sess := range all {
		if sess.Ready() {
			out = append(out, sess)
		}
	}
	return out
}

// CountReady counts sessions past the handshake.
func (sm *SessionManager) CountReady() int {
	return len(sm.ReadySessions())
}

// CountFromHost counts sessions whose remote address has host.
func (sm *SessionManager) CountFromHost(host string) int {
	n := 0
	for _, sess := range sm.GetAllSessions() {
		if h, _, err := net.SplitHostPort(sess.RemoteAddr); err == nil && h == host {
			n++
		}
	}
	return n
}

// CloseAll closes every connection; the message loops then exit on their
// own read errors.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}
