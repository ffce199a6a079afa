// Package journal records closed trades, equity snapshots and step events.
package journal

import (
	"sync"
	"time"
)

// TradeRecord is one realised close. A partial close produces its own
// record with the closed volume.
type TradeRecord struct {
	RunID      string
	TradeID    string
	Instrument string
	Direction  string
	Step       int
	Units      float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Reason     string
}

type EquitySnapshot struct {
	RunID       string
	Time        time.Time
	Balance     float64
	Equity      float64
	MarginUsed  float64
	FreeMargin  float64
	MarginLevel float64
}

// EventKind names a protective or lifecycle decision on a step.
type EventKind string

const (
	EventOpen      EventKind = "open"
	EventBreakEven EventKind = "break_even"
	EventTrail     EventKind = "trail"
	EventPartial   EventKind = "partial"
	EventLock      EventKind = "lock"
	EventTarget    EventKind = "target"
	EventReversal  EventKind = "reversal"
	EventReconcile EventKind = "reconcile"
	EventClosed    EventKind = "closed"
)

// StepEvent is one decision applied to a pyramid step.
type StepEvent struct {
	RunID      string
	Time       time.Time
	Instrument string
	TradeID    string
	Direction  string
	Step       int
	Kind       EventKind
	Price      float64
	Volume     float64
	Detail     string
}

type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	RecordStep(StepEvent) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTrade(TradeRecord) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) RecordStep(StepEvent) error        { return nil }
func (Nop) Close() error                      { return nil }

// WithRun stamps runID on every record passed to j.
func WithRun(j Journal, runID string) Journal {
	return &runJournal{Journal: j, runID: runID}
}

type runJournal struct {
	Journal
	runID string
}

func (r *runJournal) RecordTrade(t TradeRecord) error {
	t.RunID = r.runID
	return r.Journal.RecordTrade(t)
}

func (r *runJournal) RecordEquity(e EquitySnapshot) error {
	e.RunID = r.runID
	return r.Journal.RecordEquity(e)
}

func (r *runJournal) RecordStep(s StepEvent) error {
	s.RunID = r.runID
	return r.Journal.RecordStep(s)
}

// Locked serialises every call to j so shards can share it.
func Locked(j Journal) Journal {
	return &lockedJournal{j: j}
}

type lockedJournal struct {
	mu sync.Mutex
	j  Journal
}

func (l *lockedJournal) RecordTrade(t TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.RecordTrade(t)
}

func (l *lockedJournal) RecordEquity(e EquitySnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.RecordEquity(e)
}

func (l *lockedJournal) RecordStep(s StepEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.RecordStep(s)
}

func (l *lockedJournal) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.Close()
}
