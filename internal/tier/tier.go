// Package tier holds the immutable tier policy: the closed set of tiers, their
// rank ordering, and the limits and features each one grants.
package tier

import (
	"strings"

	"github.com/smallbiznis/quotaguard/internal/apperror"
)

// Tier identifies a subscription level. Only the constants below are valid.
type Tier string

const (
	Anonymous  Tier = "anonymous"
	Free       Tier = "free"
	Starter    Tier = "starter"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

var ordered = []Tier{Anonymous, Free, Starter, Pro, Enterprise}

var ranks = map[Tier]int{
	Anonymous:  0,
	Free:       1,
	Starter:    2,
	Pro:        3,
	Enterprise: 4,
}

// All returns every tier in ascending rank.
func All() []Tier {
	out := make([]Tier, len(ordered))
	copy(out, ordered)
	return out
}

// Rank returns the ordinal of t, or -1 when t is not a known tier.
func (t Tier) Rank() int {
	rank, ok := ranks[t]
	if !ok {
		return -1
	}
	return rank
}

func (t Tier) Valid() bool {
	_, ok := ranks[t]
	return ok
}

// AtLeast reports whether t ranks at or above min. Unknown tiers never qualify.
func (t Tier) AtLeast(min Tier) bool {
	if !t.Valid() || !min.Valid() {
		return false
	}
	return t.Rank() >= min.Rank()
}

func (t Tier) String() string { return string(t) }

func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", apperror.NewValidation("tier", "invalid_tier", "unknown tier "+raw)
	}
	return t, nil
}

// Compare returns -1, 0 or 1 comparing the ranks of a and b.
func Compare(a, b Tier) int {
	ra, rb := a.Rank(), b.Rank()
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}
