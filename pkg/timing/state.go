package timing

import (
	"sync"
	"time"
)

// Clock abstracts time so gates and reconcilers can be driven by tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (monotonic reading included).
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a manual clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Buff multipliers applied to base intervals.
const (
	hasteMultiplier = 0.75
	braveMultiplier = 0.75
	slowMultiplier  = 0.75 // Divides
)

// Buffs are the speed effects currently on the own character.
type Buffs struct {
	Haste bool
	Brave bool
	Slow  bool
}

// Multiplier returns the factor applied to a base interval. Brave only
// speeds up attacks. Effects compose multiplicatively.
func (b Buffs) Multiplier(c Category) float64 {
	m := 1.0
	if b.Haste {
		m *= hasteMultiplier
	}
	if b.Brave && c == Attack {
		m *= braveMultiplier
	}
	if b.Slow {
		m /= slowMultiplier
	}
	return m
}

// Margins are the early-send allowances for movement and magic. Attack
// never gets any.
type Margins struct {
	MovementTolerance time.Duration
	MovementLead      time.Duration
	MagicTolerance    time.Duration
	MagicLead         time.Duration
}

// DefaultMargins returns 15ms tolerance and 10ms lead for movement and magic.
func DefaultMargins() Margins {
	return Margins{
		MovementTolerance: 15 * time.Millisecond,
		MovementLead:      10 * time.Millisecond,
		MagicTolerance:    15 * time.Millisecond,
		MagicLead:         10 * time.Millisecond,
	}
}

// ActionTimestamp is the per-category cooldown record.
type ActionTimestamp struct {
	LastPerformedAt      time.Time
	CachedBaseIntervalMs uint32
}

// State owns the interval table, buffs and cooldown timestamps. It belongs
// to the main loop; nothing in it is synchronized.
type State struct {
	Intervals *IntervalTable
	Buffs     Buffs

	clock      Clock
	margins    Margins
	timestamps [numCategories]ActionTimestamp
	lastLookup [numCategories]uint32
}

// NewState builds a timing state. Nil arguments select the built-in table
// and the system clock.
func NewState(table *IntervalTable, clock Clock, margins Margins) *State {
	if table == nil {
		table = DefaultIntervalTable()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &State{
		Intervals: table,
		clock:     clock,
		margins:   margins,
	}
}

// Now returns the state's clock reading.
func (s *State) Now() time.Time {
	return s.clock.Now()
}

// Clock returns the clock driving this state.
func (s *State) Clock() Clock {
	return s.clock
}

// marginsFor returns tolerance and lead in milliseconds for c.
func (s *State) marginsFor(c Category) (tolerance, lead float64) {
	switch c {
	case Movement:
		return durationMs(s.margins.MovementTolerance), durationMs(s.margins.MovementLead)
	case Magic:
		return durationMs(s.margins.MagicTolerance), durationMs(s.margins.MagicLead)
	default:
		return 0, 0
	}
}

// BaseInterval looks up the unadjusted interval in milliseconds.
func (s *State) BaseInterval(c Category, gfx uint16, variant uint8) uint32 {
	ms := s.Intervals.Lookup(c, gfx, variant)
	if c >= 0 && c < numCategories {
		s.lastLookup[c] = ms
	}
	return ms
}

// AdjustedIntervalMs is the base interval after buffs.
func (s *State) AdjustedIntervalMs(c Category, gfx uint16, variant uint8) float64 {
	return float64(s.BaseInterval(c, gfx, variant)) * s.Buffs.Multiplier(c)
}

// Timestamp returns the cooldown record for c.
func (s *State) Timestamp(c Category) ActionTimestamp {
	if c < 0 || c >= numCategories {
		return ActionTimestamp{}
	}
	return s.timestamps[c]
}

// record stamps c with the current time.
func (s *State) record(c Category) {
	if c < 0 || c >= numCategories {
		return
	}
	s.timestamps[c] = ActionTimestamp{
		LastPerformedAt:      s.clock.Now(),
		CachedBaseIntervalMs: s.lastLookup[c],
	}
}

// ResetCooldowns forgets every timestamp, as after a reconnect.
func (s *State) ResetCooldowns() {
	s.timestamps = [numCategories]ActionTimestamp{}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
