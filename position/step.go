// Package position tracks the open pyramid steps of one instrument.
package position

import (
	"time"

	"github.com/rustyeddy/pyramid/market"
)

// TrackedStep is one pyramid leg. Its protective state only moves forward:
// BreakEvenApplied, Locked and PartialTaken never reset, and Stop only
// moves in the protective direction.
type TrackedStep struct {
	ID         string
	Instrument string
	Direction  market.Direction
	Index      int

	Entry    float64
	Stop     float64
	Target   *float64
	Volume   float64
	OpenedAt time.Time

	BreakEvenApplied bool
	Locked           bool
	LockedAt         float64
	LastTrailingStop float64
	PartialTaken     bool
	SoftTarget       bool
}

// HasTarget reports whether the step carries a target.
func (s *TrackedStep) HasTarget() bool {
	return s.Target != nil
}

// TargetOr returns the target or def when absent.
func (s *TrackedStep) TargetOr(def float64) float64 {
	if s.Target == nil {
		return def
	}
	return *s.Target
}

// Improves reports whether price is a protective move of the current stop.
// A step without a stop accepts any price.
func (s *TrackedStep) Improves(price float64) bool {
	if s.Stop == 0 {
		return true
	}
	return s.Direction.Improves(price, s.Stop)
}

// AtOrBeyond reports whether the current stop already sits at or past price
// in the protective direction.
func (s *TrackedStep) AtOrBeyond(price float64) bool {
	return s.Stop != 0 && s.Direction.Beyond(s.Stop, price)
}

// ProfitDistance is the signed favourable move from entry to price.
func (s *TrackedStep) ProfitDistance(price float64) float64 {
	return float64(s.Direction.Sign()) * (price - s.Entry)
}

// Ahead returns price shifted by distance in the profit direction.
func (s *TrackedStep) Ahead(price, distance float64) float64 {
	return price + float64(s.Direction.Sign())*distance
}

// Reached reports whether price has hit the step's target.
func (s *TrackedStep) Reached(price float64) bool {
	return s.Target != nil && s.Direction.Beyond(price, *s.Target)
}

// ApplyStop records a stop accepted by the broker. Regressions are ignored.
func (s *TrackedStep) ApplyStop(price float64) bool {
	if !s.Improves(price) {
		return false
	}
	s.Stop = price
	return true
}

// PromoteBreakEven marks break-even and sets the trailing baseline.
func (s *TrackedStep) PromoteBreakEven(baseline float64) {
	s.BreakEvenApplied = true
	if s.LastTrailingStop == 0 || s.Direction.Improves(baseline, s.LastTrailingStop) {
		s.LastTrailingStop = baseline
	}
}

// Trail records an accepted trailing move.
func (s *TrackedStep) Trail(price float64) {
	if s.ApplyStop(price) {
		s.LastTrailingStop = price
	}
}

// Lock freezes the step at price.
func (s *TrackedStep) Lock(price float64) {
	s.ApplyStop(price)
	s.Locked = true
	s.LockedAt = s.Stop
	s.LastTrailingStop = s.Stop
}

// SetTarget replaces or clears the target.
func (s *TrackedStep) SetTarget(price *float64) {
	if price == nil {
		s.Target = nil
		return
	}
	v := *price
	s.Target = &v
}

// Float returns a pointer to v; handy for targets.
func Float(v float64) *float64 {
	return &v
}
