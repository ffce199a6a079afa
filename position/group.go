package position

import (
	"math"

	"github.com/rustyeddy/pyramid/market"
)

// Admission is the outcome of an admission check.
type Admission int

const (
	Allowed Admission = iota
	RejectedMaxSteps
	RejectedNotAtBreakEven
	RejectedTooClose
)

func (a Admission) String() string {
	switch a {
	case Allowed:
		return "allowed"
	case RejectedMaxSteps:
		return "max_steps"
	case RejectedNotAtBreakEven:
		return "not_at_break_even"
	case RejectedTooClose:
		return "too_close"
	default:
		return "unknown"
	}
}

// Group is the derived view of the steps sharing an instrument and a
// direction, ordered by index. The steps are the ledger's own pointers.
type Group struct {
	Instrument string
	Direction  market.Direction
	Steps      []*TrackedStep
}

func (g *Group) Len() int {
	return len(g.Steps)
}

func (g *Group) Empty() bool {
	return len(g.Steps) == 0
}

// Highest returns the step with the largest index.
func (g *Group) Highest() (*TrackedStep, bool) {
	if len(g.Steps) == 0 {
		return nil, false
	}
	return g.Steps[len(g.Steps)-1], true
}

// NextIndex is the index a new step takes. Gaps left by removals are not
// reused.
func (g *Group) NextIndex() int {
	h, ok := g.Highest()
	if !ok {
		return 0
	}
	return h.Index + 1
}

// Below returns the step with the largest index under index.
func (g *Group) Below(index int) (*TrackedStep, bool) {
	var out *TrackedStep
	for _, s := range g.Steps {
		if s.Index < index {
			out = s
		}
	}
	return out, out != nil
}

// HigherThan returns every step with an index above index.
func (g *Group) HigherThan(index int) []*TrackedStep {
	var out []*TrackedStep
	for _, s := range g.Steps {
		if s.Index > index {
			out = append(out, s)
		}
	}
	return out
}

// Ceiling is the tightest bound a trailed stop of step index may reach:
// the nearest entry of any higher step. ok is false when no higher step
// exists.
func (g *Group) Ceiling(index int) (float64, bool) {
	higher := g.HigherThan(index)
	if len(higher) == 0 {
		return 0, false
	}
	bound := higher[0].Entry
	for _, s := range higher[1:] {
		if g.Direction == market.Long {
			bound = math.Min(bound, s.Entry)
		} else {
			bound = math.Max(bound, s.Entry)
		}
	}
	return bound, true
}

// Clamp keeps price from passing the ceiling of step index.
func (g *Group) Clamp(index int, price float64) float64 {
	bound, ok := g.Ceiling(index)
	if !ok {
		return price
	}
	if g.Direction.Improves(price, bound) {
		return bound
	}
	return price
}

// Admit checks whether a new step at candidateEntry may join the group.
// Checks run in order: step count, break-even of the highest step, then
// distance from the highest entry.
func (g *Group) Admit(candidateEntry, minDistance float64, maxSteps int) Admission {
	if len(g.Steps) >= maxSteps {
		return RejectedMaxSteps
	}
	h, ok := g.Highest()
	if !ok {
		return Allowed
	}
	if !h.BreakEvenApplied {
		return RejectedNotAtBreakEven
	}
	// A hair of slack so 120 pips measured in floats still counts as 120.
	if math.Abs(candidateEntry-h.Entry)+1e-9 < minDistance {
		return RejectedTooClose
	}
	return Allowed
}
