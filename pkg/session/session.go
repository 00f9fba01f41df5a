// Package session owns the client-side game state on the main loop: it
// drains decoded server packets, applies them to the timing state and the
// movement reconciler, and gates outgoing actions.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/timing"
)

// ActionOutcome is the result of an action request. Only OutcomeSent
// advances the category's cooldown.
type ActionOutcome int

const (
	OutcomeSent         ActionOutcome = iota // Written to the transport
	OutcomeCoolingDown                       // Gate denied; retry later
	OutcomeOutOfRange                        // Gate passed but the target is too far
	OutcomeNotConnected                      // Handshake not complete
	OutcomeSendFailed                        // Transport rejected the write
)

func (o ActionOutcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeCoolingDown:
		return "cooling_down"
	case OutcomeOutOfRange:
		return "out_of_range"
	case OutcomeNotConnected:
		return "not_connected"
	case OutcomeSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Default action ranges in cells (Chebyshev distance).
const (
	DefaultMeleeRange        = 1
	DefaultRangedRange       = 12
	DefaultCastRange         = 12
	DefaultMaxUnknownPackets = 8
)

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	MeleeRange  int
	RangedRange int
	CastRange   int

	// MaxUnknownPackets is how many undecodable packets in a row are taken
	// as a cipher desync. Negative disables the check.
	MaxUnknownPackets int

	Strictness float64
	Gfx        uint16
	Weapon     timing.Weapon
}

// Session is owned by the main loop. None of its methods are safe for
// concurrent use.
type Session struct {
	conn    client.ConnectionInterface
	timing  *timing.State
	gate    *timing.Gate
	walker  *movement.Reconciler
	log     *zap.Logger
	metrics *Metrics

	meleeRange  int32
	rangedRange int32
	castRange   int32
	maxUnknown  int

	gfx           uint16
	attackVariant uint8

	selfID  int32
	hasSelf bool
	mapID   uint16

	unknownStreak int

	// OnPacket, when set, sees every decoded packet after the session has
	// applied it.
	OnPacket func(protocol.ServerPacket)
}

// New builds a session over conn. The timing state is owned by the
// session from here on.
func New(conn client.ConnectionInterface, state *timing.State, opts Options) *Session {
	gate := timing.NewGate(state)
	s := &Session{
		conn:        conn,
		timing:      state,
		gate:        gate,
		walker:      movement.NewReconciler(gate, conn),
		log:         zap.NewNop(),
		meleeRange:  int32(orDefault(opts.MeleeRange, DefaultMeleeRange)),
		rangedRange: int32(orDefault(opts.RangedRange, DefaultRangedRange)),
		castRange:   int32(orDefault(opts.CastRange, DefaultCastRange)),
		maxUnknown:  orDefault(opts.MaxUnknownPackets, DefaultMaxUnknownPackets),
	}
	if opts.Strictness != 0 {
		s.walker.SetStrictness(opts.Strictness)
	}
	s.SetAppearance(opts.Gfx, opts.Weapon)
	return s
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// SetLogger sets the logger for the session and its reconciler.
func (s *Session) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	s.log = l
	s.walker.SetLogger(l.Named("movement"))
}

// SetMetrics attaches session counters.
func (s *Session) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetAppearance selects the interval rows used for walking and attacking.
func (s *Session) SetAppearance(gfx uint16, weapon timing.Weapon) {
	walk, attack := timing.WeaponVariants(weapon)
	s.gfx = gfx
	s.attackVariant = attack
	s.walker.SetAppearance(gfx, walk)
}

// Gate exposes the action gate, for cooldown display.
func (s *Session) Gate() *timing.Gate {
	return s.gate
}

// Walker exposes the movement reconciler.
func (s *Session) Walker() *movement.Reconciler {
	return s.walker
}

// SelfID returns the own object id once the server has placed the
// character.
func (s *Session) SelfID() (int32, bool) {
	return s.selfID, s.hasSelf
}

// MapID returns the map of the last placement.
func (s *Session) MapID() uint16 {
	return s.mapID
}

// Position returns the reconciler's position state.
func (s *Session) Position() movement.PositionState {
	return s.walker.Position()
}

// Seed restores a last known position before the server places the
// character.
func (s *Session) Seed(x, y int32) {
	s.walker.Seed(x, y)
}

// Reconnected clears per-link state. Call it as soon as a new link opens
// (StateAwaitingHandshake), before anything from that link is drained: the
// server forgets cooldowns and buffs with the old socket and will place the
// character again.
func (s *Session) Reconnected() {
	s.timing.ResetCooldowns()
	s.timing.Buffs = timing.Buffs{}
	s.walker.StopWalking()
	s.unknownStreak = 0
}

// Tick drains every packet already received and then advances walking by
// at most one step. No step is sent until the link has completed its
// handshake; the walk resumes where it was once it has.
func (s *Session) Tick() movement.StepResult {
	s.drain()
	if s.walker.Walking() && !s.conn.IsConnected() {
		return movement.StepWaiting
	}
	res := s.walker.Tick()
	s.metrics.recordStep(res)
	if res == movement.StepSendFailed {
		s.log.Warn("movement send failed, walking stopped")
	}
	return res
}

func (s *Session) drain() {
	in := s.conn.Incoming()
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return
			}
			s.HandlePacket(pkt)
		default:
			return
		}
	}
}

// HandlePacket applies one decrypted packet.
func (s *Session) HandlePacket(pkt protocol.Packet) {
	msg, err := protocol.DecodeServerPacket(pkt.Body())
	if err != nil {
		s.log.Debug("undecodable packet", zap.Uint8("op", pkt.Opcode), zap.Error(err))
		s.noteUnknown(pkt.Opcode)
		return
	}

	switch m := msg.(type) {
	case *protocol.PositionMessage:
		s.selfID, s.hasSelf = m.ObjectID, true
		s.mapID = m.MapID
		s.walker.Reset(int32(m.X), int32(m.Y), m.Heading)
		s.log.Info("placed",
			zap.Int32("object", m.ObjectID),
			zap.Uint16("map", m.MapID),
			zap.Uint16("x", m.X),
			zap.Uint16("y", m.Y))
	case *protocol.MoveObjectMessage:
		if s.isSelf(m.ObjectID) {
			s.walker.ConfirmPosition(int32(m.X), int32(m.Y), m.Heading)
		}
	case *protocol.SpeedMessage:
		if s.isSelf(m.ObjectID) {
			s.applySpeed(m)
		}
	case *protocol.DisconnectNotice:
		s.log.Warn("server is closing the connection", zap.Uint8("reason", m.Reason))
	case *protocol.ServerChatMessage:
		s.log.Debug("chat", zap.Int32("from", m.ObjectID), zap.String("text", m.Text))
	case *protocol.UnknownPacket:
		s.noteUnknown(m.Op)
		return
	}
	s.unknownStreak = 0

	if s.OnPacket != nil {
		s.OnPacket(msg)
	}
}

func (s *Session) isSelf(id int32) bool {
	return s.hasSelf && id == s.selfID
}

func (s *Session) applySpeed(m *protocol.SpeedMessage) {
	switch m.Kind {
	case protocol.SpeedHaste:
		s.timing.Buffs.Haste = m.Active
	case protocol.SpeedBrave:
		s.timing.Buffs.Brave = m.Active
	case protocol.SpeedSlow:
		s.timing.Buffs.Slow = m.Active
	default:
		return
	}
	s.log.Debug("speed effect",
		zap.Uint8("kind", m.Kind),
		zap.Bool("active", m.Active),
		zap.Uint16("duration_sec", m.DurationSec))
}

// noteUnknown counts consecutive undecodable packets. A long run of them
// means the decode key no longer matches the server's.
func (s *Session) noteUnknown(op uint8) {
	s.metrics.recordUnknown()
	s.unknownStreak++
	if s.maxUnknown < 0 || s.unknownStreak < s.maxUnknown {
		return
	}
	s.log.Error("cipher desync suspected, dropping connection",
		zap.Int("unknown_in_a_row", s.unknownStreak),
		zap.Uint8("last_op", op))
	s.unknownStreak = 0
	s.conn.DisconnectWithReason(client.DisconnectDesync)
}

// WalkTo starts walking toward x,y.
func (s *Session) WalkTo(x, y int32) {
	s.walker.WalkTo(x, y)
}

// StopWalking stops at the current predicted cell.
func (s *Session) StopWalking() {
	s.walker.StopWalking()
}

// Attack sends a melee attack if the cooldown allows and the target is in
// reach. retry is the suggested wait before asking again when the outcome
// is OutcomeCoolingDown.
func (s *Session) Attack(targetID int32, x, y uint16) (ActionOutcome, time.Duration) {
	return s.perform(timing.Attack, s.attackVariant, s.meleeRange, x, y,
		&protocol.AttackMessage{TargetID: targetID, X: x, Y: y})
}

// FarAttack is Attack for ranged weapons; it shares the attack cooldown.
func (s *Session) FarAttack(targetID int32, x, y uint16) (ActionOutcome, time.Duration) {
	return s.perform(timing.Attack, s.attackVariant, s.rangedRange, x, y,
		&protocol.FarAttackMessage{TargetID: targetID, X: x, Y: y})
}

// Cast casts skillID. With targetID 0 the spell is non-directional and no
// range check applies.
func (s *Session) Cast(skillID uint16, targetID int32, x, y uint16) (ActionOutcome, time.Duration) {
	msg := &protocol.CastMessage{SkillID: skillID, TargetID: targetID, X: x, Y: y}
	if targetID == 0 {
		return s.perform(timing.Magic, timing.VariantSpellNonDirectional, -1, x, y, msg)
	}
	return s.perform(timing.Magic, timing.VariantSpellDirectional, s.castRange, x, y, msg)
}

// Say sends a chat line. Chat is not cooled.
func (s *Session) Say(channel uint8, text string) error {
	return s.conn.SendMessage(&protocol.ChatMessage{Channel: channel, Text: text})
}

// perform is gate, range check, send, record, in that order. A gate pass
// followed by an aborted send leaves the cooldown untouched.
func (s *Session) perform(c timing.Category, variant uint8, reach int32, x, y uint16, msg protocol.Message) (ActionOutcome, time.Duration) {
	outcome, retry := s.tryPerform(c, variant, reach, x, y, msg)
	s.metrics.recordAction(c, outcome)
	return outcome, retry
}

func (s *Session) tryPerform(c timing.Category, variant uint8, reach int32, x, y uint16, msg protocol.Message) (ActionOutcome, time.Duration) {
	if !s.conn.IsConnected() {
		return OutcomeNotConnected, 0
	}

	ok, remaining := s.gate.CanPerform(c, s.gfx, variant)
	if !ok {
		retry := time.Duration(float64(timing.SmartRetryInterval(remaining)) * float64(time.Second))
		return OutcomeCoolingDown, retry
	}

	if reach >= 0 && chebyshev(s.walker.Position().Predicted, movement.Point{X: int32(x), Y: int32(y)}) > reach {
		return OutcomeOutOfRange, 0
	}

	if err := s.conn.SendMessage(msg); err != nil {
		s.log.Debug("action send failed", zap.Stringer("category", c), zap.Error(err))
		return OutcomeSendFailed, 0
	}
	s.gate.RecordPerformed(c)
	return OutcomeSent, 0
}

func chebyshev(a, b movement.Point) int32 {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return max(dx, dy)
}
