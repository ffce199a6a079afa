package position

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rustyeddy/pyramid/market"
)

var (
	ErrDuplicateTrade  = errors.New("trade already tracked")
	ErrDuplicateIndex  = errors.New("step index already used")
	ErrUnknownTrade    = errors.New("trade not tracked")
	ErrWrongInstrument = errors.New("step belongs to another instrument")
)

// Ledger maps trade id to TrackedStep for one instrument. It is not safe
// for concurrent use; the owning shard serialises access.
type Ledger struct {
	instrument string
	steps      map[string]*TrackedStep
}

func NewLedger(instrument string) *Ledger {
	return &Ledger{
		instrument: instrument,
		steps:      make(map[string]*TrackedStep),
	}
}

func (l *Ledger) Instrument() string {
	return l.instrument
}

// Add starts tracking s. Ids are unique, and so are indexes within a group.
func (l *Ledger) Add(s *TrackedStep) error {
	if s.Instrument != "" && s.Instrument != l.instrument {
		return fmt.Errorf("%w: %s", ErrWrongInstrument, s.Instrument)
	}
	if _, ok := l.steps[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, s.ID)
	}
	for _, o := range l.steps {
		if o.Direction == s.Direction && o.Index == s.Index {
			return fmt.Errorf("%w: %s step %d", ErrDuplicateIndex, s.Direction, s.Index)
		}
	}
	s.Instrument = l.instrument
	l.steps[s.ID] = s
	return nil
}

// Remove drops the step and returns it.
func (l *Ledger) Remove(id string) (*TrackedStep, bool) {
	s, ok := l.steps[id]
	if ok {
		delete(l.steps, id)
	}
	return s, ok
}

func (l *Ledger) Get(id string) (*TrackedStep, bool) {
	s, ok := l.steps[id]
	return s, ok
}

func (l *Ledger) Len() int {
	return len(l.steps)
}

// Steps returns every step ordered by direction then index.
func (l *Ledger) Steps() []*TrackedStep {
	out := make([]*TrackedStep, 0, len(l.steps))
	for _, s := range l.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction > out[j].Direction
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Group returns the view of all steps on side d.
func (l *Ledger) Group(d market.Direction) *Group {
	g := &Group{Instrument: l.instrument, Direction: d}
	for _, s := range l.Steps() {
		if s.Direction == d {
			g.Steps = append(g.Steps, s)
		}
	}
	return g
}
