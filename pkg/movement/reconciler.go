package movement

import (
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/timing"
)

// DefaultStrictnessFactor keeps the step cadence slightly slower than the
// server's own interval so its overspeed check never trips.
const DefaultStrictnessFactor = 0.97

// Headings, clockwise from north.
const (
	HeadingN  uint8 = 0
	HeadingNE uint8 = 1
	HeadingE  uint8 = 2
	HeadingSE uint8 = 3
	HeadingS  uint8 = 4
	HeadingSW uint8 = 5
	HeadingW  uint8 = 6
	HeadingNW uint8 = 7
)

// headingDelta is the unit step for each heading.
var headingDelta = [8][2]int32{
	{0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1},
}

// StepResult is the outcome of one Tick.
type StepResult int

const (
	StepIdle      StepResult = iota // Not walking
	StepWaiting                     // Interval not yet elapsed
	StepCommitted                   // Move packet sent
	StepArrived                     // Target reached, walking stopped
	StepBlocked                     // No cell makes progress; nothing sent
	StepThrottled                   // Too soon after the previous send
	StepSendFailed                  // Transport refused the packet; walking stopped
)

func (r StepResult) String() string {
	switch r {
	case StepIdle:
		return "idle"
	case StepWaiting:
		return "waiting"
	case StepCommitted:
		return "committed"
	case StepArrived:
		return "arrived"
	case StepBlocked:
		return "blocked"
	case StepThrottled:
		return "throttled"
	case StepSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Sender is the part of the transport the reconciler needs.
type Sender interface {
	SendMessage(msg protocol.Message) error
}

// Point is a map cell.
type Point struct {
	X, Y int32
}

// PositionState is the own character's position as seen by the client.
type PositionState struct {
	Authoritative    Point
	HasAuthoritative bool
	Predicted        Point
	Target           Point
	Heading          uint8
}

// Reconciler walks the own character toward a target one cell at a time,
// predicting the position locally before the server's echo arrives. It is
// owned by the main loop and not safe for concurrent use.
type Reconciler struct {
	timing *timing.State
	gate   *timing.Gate
	sender Sender
	log    *zap.Logger

	// Walkable, when set, rejects candidate cells (map collision).
	Walkable func(x, y int32) bool

	strictness float64
	gfx        uint16
	variant    uint8

	pos     PositionState
	walking bool

	lastTick      time.Time
	accumulated   time.Duration
	lastSendAt    time.Time
	lastConfirmAt time.Time
}

// NewReconciler builds a reconciler that sends through sender and records
// movement cooldowns in gate.
func NewReconciler(gate *timing.Gate, sender Sender) *Reconciler {
	return &Reconciler{
		timing:     gate.State(),
		gate:       gate,
		sender:     sender,
		log:        zap.NewNop(),
		strictness: DefaultStrictnessFactor,
		variant:    timing.VariantWalk,
	}
}

// SetLogger sets the logger for step decisions.
func (r *Reconciler) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	r.log = l
}

// SetStrictness overrides the safety factor; values outside (0, 1] are
// ignored.
func (r *Reconciler) SetStrictness(f float64) {
	if f > 0 && f <= 1 {
		r.strictness = f
	}
}

// SetAppearance selects the interval table row used for walking.
func (r *Reconciler) SetAppearance(gfx uint16, walkVariant uint8) {
	r.gfx = gfx
	r.variant = walkVariant
}

// EffectiveInterval is the per-step interval after buffs and the
// strictness factor.
func (r *Reconciler) EffectiveInterval() time.Duration {
	ms := r.timing.AdjustedIntervalMs(timing.Movement, r.gfx, r.variant) / r.strictness
	return time.Duration(ms * float64(time.Millisecond))
}

// Position returns a copy of the position state.
func (r *Reconciler) Position() PositionState {
	return r.pos
}

// Walking reports whether a target is set.
func (r *Reconciler) Walking() bool {
	return r.walking
}

// WalkTo starts (or retargets) walking. The first Tick afterwards may
// step immediately.
func (r *Reconciler) WalkTo(x, y int32) {
	r.pos.Target = Point{X: x, Y: y}
	if !r.walking {
		r.walking = true
		r.lastTick = time.Time{}
		r.accumulated = r.EffectiveInterval()
	}
}

// StopWalking returns to idle. Positions are kept.
func (r *Reconciler) StopWalking() {
	r.walking = false
	r.pos.Target = Point{}
	r.accumulated = 0
	r.lastTick = time.Time{}
}

// ConfirmPosition applies a trusted movement echo from the server.
func (r *Reconciler) ConfirmPosition(x, y int32, heading uint8) {
	r.pos.Authoritative = Point{X: x, Y: y}
	r.pos.HasAuthoritative = true
	r.lastConfirmAt = r.timing.Now()
	if !r.walking {
		r.pos.Predicted = r.pos.Authoritative
		r.pos.Heading = heading & 7
	}
}

// Reset places the character unconditionally (login, teleport, server
// correction) and stops walking.
func (r *Reconciler) Reset(x, y int32, heading uint8) {
	p := Point{X: x, Y: y}
	r.StopWalking()
	r.pos.Authoritative = p
	r.pos.HasAuthoritative = true
	r.pos.Predicted = p
	r.pos.Heading = heading & 7
	r.lastConfirmAt = r.timing.Now()
}

// Seed sets a predicted position without marking it authoritative, used to
// restore the last known position before the server's placement arrives.
func (r *Reconciler) Seed(x, y int32) {
	if r.pos.HasAuthoritative {
		return
	}
	r.pos.Predicted = Point{X: x, Y: y}
}

// Tick advances walking by at most one cell.
func (r *Reconciler) Tick() StepResult {
	if !r.walking {
		return StepIdle
	}

	now := r.timing.Now()
	if !r.lastTick.IsZero() {
		r.accumulated += now.Sub(r.lastTick)
	}
	r.lastTick = now

	interval := r.EffectiveInterval()
	if r.accumulated < interval {
		return StepWaiting
	}

	base := r.base()
	if clamp(r.pos.Target.X-base.X) == 0 && clamp(r.pos.Target.Y-base.Y) == 0 {
		r.log.Debug("arrived", zap.Int32("x", base.X), zap.Int32("y", base.Y))
		r.pos.Predicted = base
		r.StopWalking()
		return StepArrived
	}

	next, heading, ok := r.chooseStep(base)
	if !ok {
		return StepBlocked
	}

	if !r.lastSendAt.IsZero() && now.Sub(r.lastSendAt) < interval {
		r.accumulated = 0
		return StepThrottled
	}

	msg := &protocol.MoveMessage{X: uint16(next.X), Y: uint16(next.Y), Heading: heading}
	if err := r.sender.SendMessage(msg); err != nil {
		r.log.Debug("move send failed, stopping", zap.Error(err))
		r.StopWalking()
		return StepSendFailed
	}
	r.gate.RecordPerformed(timing.Movement)
	r.lastSendAt = now
	r.accumulated = 0

	// Known-lossy heuristic: with no trusted echo for two intervals the
	// sent cell is taken as authoritative so the base cannot lag forever.
	// Server-side rejections that are never echoed become client drift.
	if r.lastConfirmAt.IsZero() || now.Sub(r.lastConfirmAt) >= 2*interval {
		r.pos.Authoritative = next
		r.pos.HasAuthoritative = true
	}

	r.pos.Predicted = next
	r.pos.Heading = heading
	return StepCommitted
}

// base is the position steps are computed from.
func (r *Reconciler) base() Point {
	if r.pos.HasAuthoritative {
		return r.pos.Authoritative
	}
	return r.pos.Predicted
}

// chooseStep picks the next cell from base, which is already the
// server-confirmed position when one is known. The direct step is tried
// first, then the two neighbouring headings as a forced step, as long as
// they still bring the character closer to the target.
func (r *Reconciler) chooseStep(base Point) (Point, uint8, bool) {
	target := r.pos.Target
	dx, dy := StepDelta(base, target)
	direct := ComputeHeading(dx, dy, r.pos.Heading)

	for _, h := range []uint8{direct, (direct + 1) & 7, (direct + 7) & 7} {
		d := headingDelta[h]
		next := Point{X: base.X + d[0], Y: base.Y + d[1]}
		if next == base || !r.walkable(next) {
			continue
		}
		if distSq(next, target) >= distSq(base, target) {
			continue
		}
		return next, h, true
	}
	return Point{}, 0, false
}

func (r *Reconciler) walkable(p Point) bool {
	if p.X < 0 || p.Y < 0 || p.X > 0xFFFF || p.Y > 0xFFFF {
		return false
	}
	return r.Walkable == nil || r.Walkable(p.X, p.Y)
}

// ComputeHeading maps a unit step to one of the 8 headings. A zero step
// keeps prev.
func ComputeHeading(dx, dy int32, prev uint8) uint8 {
	switch {
	case dy < 0:
		switch {
		case dx < 0:
			return HeadingNW
		case dx > 0:
			return HeadingNE
		default:
			return HeadingN
		}
	case dy > 0:
		switch {
		case dx < 0:
			return HeadingSW
		case dx > 0:
			return HeadingSE
		default:
			return HeadingS
		}
	default:
		switch {
		case dx < 0:
			return HeadingW
		case dx > 0:
			return HeadingE
		default:
			return prev & 7
		}
	}
}

// StepDelta returns the clamped single-cell step from base toward target.
func StepDelta(base, target Point) (dx, dy int32) {
	return clamp(target.X - base.X), clamp(target.Y - base.Y)
}

func clamp(v int32) int32 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

func distSq(a, b Point) int64 {
	dx, dy := int64(a.X-b.X), int64(a.Y-b.Y)
	return dx*dx + dy*dy
}
