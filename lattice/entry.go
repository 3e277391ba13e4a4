// Package lattice implements an anytime repairing search over a state lattice
// of (x, y, heading) cells connected by precomputed motion primitives. The
// search runs backward from the goal so that cost changes near the robot can
// be repaired incrementally between planning cycles.
package lattice

import "math"

// InfiniteCost marks an unvisited or unreachable entry.
const InfiniteCost = math.MaxInt32

// entryKey orders the open list. Lexicographic: k1 then k2.
type entryKey struct {
	k1 float64
	k2 float64
}

func (k entryKey) less(other entryKey) bool {
	if k.k1 != other.k1 {
		return k.k1 < other.k1
	}
	return k.k2 < other.k2
}

func (k entryKey) geq(other entryKey) bool {
	return !k.less(other)
}

// Entry is one lattice cell's search bookkeeping. A consistent entry has
// G == RHS; overconsistent G > RHS; underconsistent G < RHS.
type Entry struct {
	X     int
	Y     int
	Theta int

	G   int
	RHS int
	Key entryKey

	// BestNext points at the successor on the best known route to the goal.
	BestNext *Entry

	VisitedIteration int
	ClosedIteration  int

	heapIndex int
}

func (e *Entry) same(other *Entry) bool {
	return e.X == other.X && e.Y == other.Y && e.Theta == other.Theta
}

// computeKey refreshes the entry's priority for the given inflation factor
// and heuristic value.
func (e *Entry) computeKey(eps float64, h int) entryKey {
	m := e.G
	if e.RHS < m {
		m = e.RHS
	}
	if m >= InfiniteCost {
		e.Key = entryKey{k1: math.Inf(1), k2: math.Inf(1)}
	} else {
		e.Key = entryKey{k1: float64(m) + eps*float64(h), k2: float64(m)}
	}
	return e.Key
}
