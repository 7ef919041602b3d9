// Package tier defines the storage tiers and the entry metadata shared by
// every lifecycle component.
//
// Tiers are ordered by hotness: Transient is the hottest, Archive the coldest.
// Entries only ever move one step at a time (Transient<->Staging<->Archive).
package tier

import (
	"fmt"
	"strings"
)

// Tier identifies one of the three storage tiers.
type Tier uint8

const (
	// Transient holds hot, short-lived records.
	Transient Tier = iota
	// Staging holds warm records.
	Staging
	// Archive holds cold records; by default they never expire.
	Archive
)

// Count is the number of tiers.
const Count = 3

// All lists the tiers hottest first.
var All = [Count]Tier{Transient, Staging, Archive}

var names = [Count]string{"transient", "staging", "archive"}

// String returns the lower-case tier name.
func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
	return names[t]
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t < Count }

// ParseTier parses a tier name (case-insensitive).
func ParseTier(s string) (Tier, error) {
	for i, n := range names {
		if strings.EqualFold(s, n) {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("tier: unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tier: cannot marshal invalid tier %d", uint8(t))
	}
	return []byte(names[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Hotter returns the adjacent hotter tier (promotion target).
// The second result is false for Transient.
func (t Tier) Hotter() (Tier, bool) {
	switch t {
	case Archive:
		return Staging, true
	case Staging:
		return Transient, true
	default:
		return t, false
	}
}

// Colder returns the adjacent colder tier (demotion target).
// The second result is false for Archive.
func (t Tier) Colder() (Tier, bool) {
	switch t {
	case Transient:
		return Staging, true
	case Staging:
		return Archive, true
	default:
		return t, false
	}
}

// Adjacent reports whether from->to is a legal single-step migration edge.
func Adjacent(from, to Tier) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	d := int(from) - int(to)
	return d == 1 || d == -1
}
