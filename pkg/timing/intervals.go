package timing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Category is an independently cooled action class.
type Category int

const (
	Movement Category = iota
	Attack
	Magic

	numCategories
)

func (c Category) String() string {
	switch c {
	case Movement:
		return "movement"
	case Attack:
		return "attack"
	case Magic:
		return "magic"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Action variants used as table keys. Walk and attack variants shift with
// the equipped weapon; see WeaponVariants.
const (
	VariantWalk                uint8 = 0
	VariantAttack              uint8 = 1
	VariantSpellDirectional    uint8 = 18
	VariantSpellNonDirectional uint8 = 19
)

// Weapon selects the walk/attack animation set.
type Weapon int

const (
	WeaponNone Weapon = iota
	WeaponSword
	WeaponAxe
	WeaponBow
	WeaponSpear
	WeaponStaff
	WeaponDagger
	WeaponTwoHandSword
	WeaponClaw
)

var weaponNames = map[string]Weapon{
	"none":           WeaponNone,
	"sword":          WeaponSword,
	"axe":            WeaponAxe,
	"bow":            WeaponBow,
	"spear":          WeaponSpear,
	"staff":          WeaponStaff,
	"dagger":         WeaponDagger,
	"two_hand_sword": WeaponTwoHandSword,
	"claw":           WeaponClaw,
}

// ParseWeapon maps a config name such as "two_hand_sword" to a Weapon. The
// empty string is WeaponNone.
func ParseWeapon(name string) (Weapon, error) {
	if name == "" {
		return WeaponNone, nil
	}
	w, ok := weaponNames[strings.ToLower(name)]
	if !ok {
		return WeaponNone, fmt.Errorf("unknown weapon %q", name)
	}
	return w, nil
}

// WeaponVariants returns the walk and attack variants for w.
func WeaponVariants(w Weapon) (walk, attack uint8) {
	switch w {
	case WeaponSword:
		return 4, 5
	case WeaponAxe:
		return 11, 12
	case WeaponBow:
		return 20, 21
	case WeaponSpear:
		return 24, 25
	case WeaponStaff:
		return 40, 41
	case WeaponDagger:
		return 46, 47
	case WeaponTwoHandSword:
		return 50, 51
	case WeaponClaw:
		return 58, 59
	default:
		return VariantWalk, VariantAttack
	}
}

// Hard per-category defaults, used when the table has no entry for the
// appearance at all.
const (
	DefaultMovementIntervalMs uint32 = 640
	DefaultAttackIntervalMs   uint32 = 840
	DefaultMagicIntervalMs    uint32 = 1000
)

func defaultIntervalMs(c Category) uint32 {
	switch c {
	case Attack:
		return DefaultAttackIntervalMs
	case Magic:
		return DefaultMagicIntervalMs
	default:
		return DefaultMovementIntervalMs
	}
}

type intervalKey struct {
	gfx     uint16
	variant uint8
}

// IntervalTable maps (appearance, action variant) to a base interval in
// milliseconds. It is owned by the main loop and not safe for concurrent
// mutation.
type IntervalTable struct {
	entries map[intervalKey]uint32
}

// NewIntervalTable returns an empty table.
func NewIntervalTable() *IntervalTable {
	return &IntervalTable{entries: make(map[intervalKey]uint32)}
}

// builtinIntervals covers the player appearances every server ships.
var builtinIntervals = []IntervalEntry{
	// Royal (male, female)
	{Gfx: 0, Action: 0, Ms: 640}, {Gfx: 0, Action: 1, Ms: 840},
	{Gfx: 0, Action: 4, Ms: 640}, {Gfx: 0, Action: 5, Ms: 840},
	{Gfx: 0, Action: 18, Ms: 1000}, {Gfx: 0, Action: 19, Ms: 1000},
	{Gfx: 1, Action: 0, Ms: 640}, {Gfx: 1, Action: 1, Ms: 840},
	{Gfx: 1, Action: 4, Ms: 640}, {Gfx: 1, Action: 5, Ms: 840},
	{Gfx: 1, Action: 18, Ms: 1000}, {Gfx: 1, Action: 19, Ms: 1000},
	// Knight
	{Gfx: 61, Action: 0, Ms: 640}, {Gfx: 61, Action: 1, Ms: 800},
	{Gfx: 61, Action: 4, Ms: 640}, {Gfx: 61, Action: 5, Ms: 800},
	{Gfx: 61, Action: 50, Ms: 640}, {Gfx: 61, Action: 51, Ms: 920},
	// Elf
	{Gfx: 138, Action: 0, Ms: 640}, {Gfx: 138, Action: 1, Ms: 840},
	{Gfx: 138, Action: 20, Ms: 640}, {Gfx: 138, Action: 21, Ms: 880},
	{Gfx: 138, Action: 18, Ms: 960}, {Gfx: 138, Action: 19, Ms: 960},
	// Wizard
	{Gfx: 734, Action: 0, Ms: 640}, {Gfx: 734, Action: 1, Ms: 880},
	{Gfx: 734, Action: 40, Ms: 640}, {Gfx: 734, Action: 41, Ms: 880},
	{Gfx: 734, Action: 18, Ms: 880}, {Gfx: 734, Action: 19, Ms: 880},
}

// DefaultIntervalTable returns a table seeded with the built-in entries.
func DefaultIntervalTable() *IntervalTable {
	t := NewIntervalTable()
	for _, e := range builtinIntervals {
		t.Set(e.Gfx, uint8(e.Action), e.Ms)
	}
	return t
}

// Set stores an interval. A zero ms removes the entry.
func (t *IntervalTable) Set(gfx uint16, variant uint8, ms uint32) {
	k := intervalKey{gfx: gfx, variant: variant}
	if ms == 0 {
		delete(t.entries, k)
		return
	}
	t.entries[k] = ms
}

// Get returns the exact entry, if any.
func (t *IntervalTable) Get(gfx uint16, variant uint8) (uint32, bool) {
	ms, ok := t.entries[intervalKey{gfx: gfx, variant: variant}]
	return ms, ok
}

// Len returns the number of entries.
func (t *IntervalTable) Len() int {
	return len(t.entries)
}

// Lookup resolves the base interval for a category. When the exact
// variant is missing it falls back to the category's default variant
// (attack 1, movement 0, magic 18 then 19) and finally to a hard default.
func (t *IntervalTable) Lookup(c Category, gfx uint16, variant uint8) uint32 {
	if ms, ok := t.Get(gfx, variant); ok {
		return ms
	}

	var fallbacks []uint8
	switch c {
	case Attack:
		fallbacks = []uint8{VariantAttack}
	case Magic:
		fallbacks = []uint8{VariantSpellDirectional, VariantSpellNonDirectional}
	default:
		fallbacks = []uint8{VariantWalk}
	}
	for _, v := range fallbacks {
		if ms, ok := t.Get(gfx, v); ok {
			return ms
		}
	}
	return defaultIntervalMs(c)
}

// IntervalEntry is one row of an interval file.
type IntervalEntry struct {
	Gfx    uint16 `toml:"gfx"`
	Action int    `toml:"action"`
	Ms     uint32 `toml:"ms"`
}

type intervalFile struct {
	Interval []IntervalEntry `toml:"interval"`
}

// Entries returns the table rows sorted by appearance then action.
func (t *IntervalTable) Entries() []IntervalEntry {
	out := make([]IntervalEntry, 0, len(t.entries))
	for k, ms := range t.entries {
		out = append(out, IntervalEntry{Gfx: k.gfx, Action: int(k.variant), Ms: ms})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gfx != out[j].Gfx {
			return out[i].Gfx < out[j].Gfx
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// LoadIntervalTable reads a TOML interval file on top of the built-in
// defaults:
//
//	[[interval]]
//	gfx = 61
//	action = 1
//	ms = 760
func LoadIntervalTable(path string) (*IntervalTable, error) {
	var f intervalFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse interval file: %w", err)
	}
	return buildIntervalTable(f, md)
}

// ParseIntervalTable is LoadIntervalTable for in-memory TOML.
func ParseIntervalTable(data string) (*IntervalTable, error) {
	var f intervalFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse interval table: %w", err)
	}
	return buildIntervalTable(f, md)
}

func buildIntervalTable(f intervalFile, md toml.MetaData) (*IntervalTable, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in interval table: %v", undecoded)
	}

	t := DefaultIntervalTable()
	for i, e := range f.Interval {
		if e.Action < 0 || e.Action > 255 {
			return nil, fmt.Errorf("interval %d: action %d out of range", i, e.Action)
		}
		t.Set(e.Gfx, uint8(e.Action), e.Ms)
	}
	return t, nil
}
