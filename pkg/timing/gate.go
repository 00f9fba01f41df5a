package timing

import (
	"math"
)

// Gate decides whether an action may be sent now. It is advisory: a
// denial is not an error, callers skip the send and retry later.
type Gate struct {
	state *State
}

// NewGate returns a gate over s.
func NewGate(s *State) *Gate {
	return &Gate{state: s}
}

// State returns the timing state the gate reads.
func (g *Gate) State() *State {
	return g.state
}

// CanPerform reports whether an action of category c may be sent and, if
// not, how many milliseconds remain until it may.
//
// The remaining time is measured to the point where the gate would allow
// the action (effective cooldown minus tolerance), so waiting less than it
// never flips a denial into a pass. This is deliberately earlier than the
// full effective cooldown that CooldownProgress fills toward: the UI bar
// may still show a sliver when the gate already passes.
func (g *Gate) CanPerform(c Category, gfx uint16, variant uint8) (bool, float64) {
	effective, tolerance := g.effectiveCooldown(c, gfx, variant)

	ts := g.state.Timestamp(c)
	if ts.LastPerformedAt.IsZero() {
		return true, 0
	}

	elapsed := durationMs(g.state.Now().Sub(ts.LastPerformedAt))
	threshold := effective - tolerance
	if elapsed >= threshold {
		return true, 0
	}
	return false, threshold - elapsed
}

// RecordPerformed stamps c as performed now. Call it only after the
// action's packet was actually written to the transport.
func (g *Gate) RecordPerformed(c Category) {
	g.state.record(c)
}

// CooldownProgress returns 0..1 for UI feedback; 1 once the effective
// cooldown has elapsed or the action was never performed.
func (g *Gate) CooldownProgress(c Category, gfx uint16, variant uint8) float32 {
	ts := g.state.Timestamp(c)
	if ts.LastPerformedAt.IsZero() {
		return 1
	}
	effective, _ := g.effectiveCooldown(c, gfx, variant)
	if effective <= 0 {
		return 1
	}
	elapsed := durationMs(g.state.Now().Sub(ts.LastPerformedAt))
	if elapsed >= effective {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	return float32(elapsed / effective)
}

// effectiveCooldown returns the buff-adjusted interval minus the lead, and
// the tolerance, both in milliseconds.
func (g *Gate) effectiveCooldown(c Category, gfx uint16, variant uint8) (effective, tolerance float64) {
	adjusted := g.state.AdjustedIntervalMs(c, gfx, variant)
	tolerance, lead := g.state.marginsFor(c)
	return math.Max(0, adjusted-lead), tolerance
}

// Retry pacing thresholds.
const (
	frameInterval   = float32(1.0 / 60.0)
	nearRetry       = float32(0.033)
	retryFraction   = 0.25
	maxRetry        = 0.1
	nearThresholdMs = 50
	midThresholdMs  = 200
)

// SmartRetryInterval suggests how long, in seconds, a caller should wait
// before asking the gate again: one frame when the cooldown is about to
// expire, ~33ms when it is close, otherwise a quarter of the remaining
// time capped at 100ms.
func SmartRetryInterval(remainingMs float64) float32 {
	switch {
	case remainingMs < nearThresholdMs:
		return frameInterval
	case remainingMs < midThresholdMs:
		return nearRetry
	default:
		return float32(math.Min(remainingMs*retryFraction/1000, maxRetry))
	}
}
