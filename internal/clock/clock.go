package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedClock is returned when a vector does not have exactly one
// non-negative entry per group member.
var ErrMalformedClock = errors.New("malformed clock")

// VectorClock is a point-in-time vector of logical counters, one per
// ClockIndex.
type VectorClock []int64

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	if vc == nil {
		return nil
	}
	return append(VectorClock(make([]int64, 0, len(vc))), vc...)
}

// Validate checks that vc has exactly size entries and none is negative.
func (vc VectorClock) Validate(size int) error {
	if len(vc) != size {
		return fmt.Errorf("%w: got %d entries, want %d", ErrMalformedClock, len(vc), size)
	}
	for i, v := range vc {
		if v < 0 {
			return fmt.Errorf("%w: entry %d is negative (%d)", ErrMalformedClock, i, v)
		}
	}
	return nil
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates the clocks are concurrent (no causal relationship).
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

// String returns the string representation of CompareResult.
func (r CompareResult) String() string {
	switch r {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Concurrent:
		return "CONCURRENT"
	case Equal:
		return "EQUAL"
	default:
		return "UNKNOWN"
	}
}

// Compare compares two vector clocks and returns their relationship.
// Missing trailing entries are treated as zero.
// Returns:
//   - Equal: if all counters are equal
//   - Before: if this clock happened before other (all counters <=, at least one <)
//   - After: if this clock happened after other (all counters >=, at least one >)
//   - Concurrent: if neither dominates (some counters are greater, some are less)
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	n := len(vc)
	if len(other) > n {
		n = len(other)
	}

	var thisLess, thisGreater bool
	for i := 0; i < n; i++ {
		thisVal, otherVal := vc.at(i), other.at(i)
		if thisVal < otherVal {
			thisLess = true
		} else if thisVal > otherVal {
			thisGreater = true
		}
	}

	switch {
	case !thisLess && !thisGreater:
		return Equal
	case thisLess && !thisGreater:
		return Before
	case thisGreater && !thisLess:
		return After
	default:
		return Concurrent
	}
}

func (vc VectorClock) at(i int) int64 {
	if i < len(vc) {
		return vc[i]
	}
	return 0
}

// Equal checks if two vector clocks are equal.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for i := range vc {
		if vc[i] != other[i] {
			return false
		}
	}
	return true
}

// HappenedBefore reports whether vc causally precedes other.
func (vc VectorClock) HappenedBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// Dominates returns true if this clock dominates (happened after) the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// String returns a string representation of the vector clock, e.g. "[4 5 0]".
func (vc VectorClock) String() string {
	parts := make([]string, len(vc))
	for i, v := range vc {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Clock is the live, mutable clock of one group member.
// Thread-safe operations should be handled by the caller.
type Clock struct {
	self int
	vec  VectorClock
}

// New creates a zeroed clock for a group of size members, owned by the
// member at index self.
func New(size, self int) (*Clock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("clock size must be positive, got %d", size)
	}
	return NewFrom(self, make(VectorClock, size))
}

// NewFrom creates a clock owned by the member at index self, starting at
// initial. The initial vector is copied.
func NewFrom(self int, initial VectorClock) (*Clock, error) {
	if len(initial) == 0 {
		return nil, fmt.Errorf("%w: empty initial vector", ErrMalformedClock)
	}
	if err := initial.Validate(len(initial)); err != nil {
		return nil, err
	}
	if self < 0 || self >= len(initial) {
		return nil, fmt.Errorf("clock index %d out of range [0,%d)", self, len(initial))
	}
	return &Clock{self: self, vec: initial.Copy()}, nil
}

// Self returns the index of the owning member.
func (c *Clock) Self() int { return c.self }

// Size returns the number of members tracked.
func (c *Clock) Size() int { return len(c.vec) }

// Tick records a local event by advancing the owner's counter by one.
func (c *Clock) Tick() {
	c.vec[c.self]++
}

// Merge folds a received clock into this one: every entry becomes the
// point-wise maximum, then the owner's counter advances by one for the
// receive event. A remote vector of the wrong shape is rejected before any
// entry is touched.
func (c *Clock) Merge(remote VectorClock) error {
	if err := remote.Validate(len(c.vec)); err != nil {
		return err
	}
	for i, v := range remote {
		if c.vec[i] < v {
			c.vec[i] = v
		}
	}
	c.Tick()
	return nil
}

// Get returns the counter at index i, or 0 if out of range.
func (c *Clock) Get(i int) int64 {
	return c.vec.at(i)
}

// Snapshot returns a copy of the current vector.
func (c *Clock) Snapshot() VectorClock {
	return c.vec.Copy()
}
