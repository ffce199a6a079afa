package protect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/metrics"
	"github.com/rustyeddy/pyramid/position"
)

// Market is the price state one evaluation runs against.
type Market struct {
	Tick    market.Tick
	LastBar market.Candle
	ATR     float64
}

// HasBar reports whether LastBar holds a closed bar. Until one arrives
// there is no extreme to trail from.
func (m Market) HasBar() bool {
	return m.LastBar.High > 0 && m.LastBar.Low > 0
}

// Result summarises one evaluation. Closed lists steps that left the
// broker entirely and must be dropped from the ledger by the caller.
type Result struct {
	Modified int
	Closed   []string
	Err      error
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

func WithJournal(j journal.Journal) Option {
	return func(e *Engine) {
		if j != nil {
			e.journal = j
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine applies protective rules to the groups of one instrument. It is
// not safe for concurrent use.
type Engine struct {
	cfg     Config
	meta    market.InstrumentMeta
	exec    broker.Executor
	log     *zap.Logger
	journal journal.Journal
	metrics *metrics.Metrics
}

func New(cfg Config, meta market.InstrumentMeta, exec broker.Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		meta:    meta,
		exec:    exec,
		log:     zap.NewNop(),
		journal: journal.Nop{},
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(zap.String("component", "protect"), zap.String("instrument", meta.Name))
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// BreakEvenPrice is entry moved past by the buffer, rounded to tick.
func (e *Engine) BreakEvenPrice(s *position.TrackedStep, spread float64) float64 {
	return e.meta.RoundToTick(s.Ahead(s.Entry, e.cfg.Buffer.Distance(e.meta, spread)))
}

// TrailCandidate is the group-wide trailing stop proposal for bar.
func (e *Engine) TrailCandidate(d market.Direction, bar market.Candle, atr float64) float64 {
	return e.meta.RoundToTick(bar.Extreme(d) - d.Sign()*atr*e.cfg.TrailingMultiplier)
}

// EvaluateGroup runs break-even, trailing and partial take-profit for one
// direction group on a price update.
func (e *Engine) EvaluateGroup(ctx context.Context, g *position.Group, m Market) Result {
	var res Result
	if g == nil || g.Empty() {
		return res
	}
	var errs []error
	price := m.Tick.Exit(g.Direction)

	for _, s := range g.Steps {
		ok, err := e.breakEven(ctx, s, price, m)
		if ok {
			res.Modified++
		}
		errs = appendErr(errs, err)
	}

	if e.cfg.TrailingEnabled && m.ATR > 0 && m.HasBar() {
		candidate := e.TrailCandidate(g.Direction, m.LastBar, m.ATR)
		for _, s := range g.Steps {
			ok, err := e.trail(ctx, g, s, candidate, m.Tick.Time)
			if ok {
				res.Modified++
			}
			errs = appendErr(errs, err)
		}
	}

	if e.cfg.PartialEnabled() {
		for _, s := range g.Steps {
			n, closed, err := e.partial(ctx, s, price, m)
			res.Modified += n
			if closed {
				res.Closed = append(res.Closed, s.ID)
			}
			errs = appendErr(errs, err)
		}
	}

	res.Err = errors.Join(errs...)
	return res
}

func (e *Engine) breakEven(ctx context.Context, s *position.TrackedStep, price float64, m Market) (bool, error) {
	if s.BreakEvenApplied || s.Locked || m.ATR <= 0 {
		return false, nil
	}
	if s.ProfitDistance(price) < m.ATR*e.cfg.BreakEvenMultiplier {
		return false, nil
	}
	candidate := e.BreakEvenPrice(s, m.Tick.Spread())
	if s.AtOrBeyond(candidate) {
		s.PromoteBreakEven(s.Stop)
		e.log.Info("break-even already covered by stop",
			zap.String("trade_id", s.ID), zap.Int("step", s.Index), zap.Float64("stop", s.Stop))
		e.event(journal.EventBreakEven, s, s.Stop, 0, "stop already past break-even", m.Tick.Time)
		return false, nil
	}
	if err := e.exec.ModifyStop(ctx, s.ID, candidate); err != nil {
		return false, e.failed("modify_stop", s, err)
	}
	s.ApplyStop(candidate)
	s.PromoteBreakEven(candidate)
	e.metrics.Modified(e.meta.Name, string(journal.EventBreakEven))
	e.log.Info("break-even",
		zap.String("trade_id", s.ID),
		zap.Int("step", s.Index),
		zap.Float64("stop", candidate),
		zap.Float64("profit_pips", e.meta.Pips(s.ProfitDistance(price))))
	e.event(journal.EventBreakEven, s, candidate, 0, "", m.Tick.Time)
	return true, nil
}

func (e *Engine) trail(ctx context.Context, g *position.Group, s *position.TrackedStep, candidate float64, at time.Time) (bool, error) {
	if s.Locked || !s.BreakEvenApplied || s.Stop == 0 {
		return false, nil
	}
	price := g.Clamp(s.Index, candidate)
	minMove := math.Max(e.meta.MinStopDistance(), e.meta.PipsToPrice(e.cfg.TrailingStepPips))
	if s.Direction.Sign()*(price-s.LastTrailingStop)+1e-9 < minMove {
		return false, nil
	}
	if !s.Improves(price) {
		return false, nil
	}
	if err := e.exec.ModifyStop(ctx, s.ID, price); err != nil {
		return false, e.failed("modify_stop", s, err)
	}
	s.Trail(price)
	e.metrics.Modified(e.meta.Name, string(journal.EventTrail))
	e.log.Info("trailing stop",
		zap.String("trade_id", s.ID), zap.Int("step", s.Index), zap.Float64("stop", price))
	e.event(journal.EventTrail, s, price, 0, "", at)
	return true, nil
}

// partial closes a share of a step whose soft target was reached, then
// moves what is left to break-even. It reports the number of accepted
// modifications and whether the whole step went away.
func (e *Engine) partial(ctx context.Context, s *position.TrackedStep, price float64, m Market) (int, bool, error) {
	if s.PartialTaken || !s.SoftTarget || !s.Reached(price) {
		return 0, false, nil
	}
	volume := e.PartialVolume(s.Volume)
	if volume <= 0 {
		return 0, false, nil
	}
	full := volume >= s.Volume
	req := volume
	if full {
		req = 0
	}
	if err := e.exec.Close(ctx, s.ID, req); err != nil {
		return 0, false, e.failed("close", s, err)
	}
	e.metrics.Modified(e.meta.Name, string(journal.EventPartial))
	e.log.Info("partial take-profit",
		zap.String("trade_id", s.ID),
		zap.Int("step", s.Index),
		zap.Float64("volume", volume),
		zap.Float64("price", price))
	e.event(journal.EventPartial, s, price, volume, fmt.Sprintf("target %.5f", s.TargetOr(0)), m.Tick.Time)
	if full {
		return 1, true, nil
	}

	s.Volume -= volume
	s.PartialTaken = true
	s.SetTarget(nil)
	if s.Locked {
		return 1, false, nil
	}

	be := e.BreakEvenPrice(s, m.Tick.Spread())
	if !s.Improves(be) {
		s.PromoteBreakEven(s.Stop)
		return 1, false, nil
	}
	if err := e.exec.ModifyStop(ctx, s.ID, be); err != nil {
		// The close went through; break-even is retried by the next tick.
		return 1, false, e.failed("modify_stop", s, err)
	}
	s.ApplyStop(be)
	s.PromoteBreakEven(be)
	e.metrics.Modified(e.meta.Name, string(journal.EventBreakEven))
	e.event(journal.EventBreakEven, s, be, 0, "after partial", m.Tick.Time)
	return 2, false, nil
}

// PartialVolume is the share of volume a partial take-profit closes,
// clamped to [minimum trade size, volume] and floored to the volume step.
func (e *Engine) PartialVolume(volume float64) float64 {
	v := volume * e.cfg.PartialTPPercent / 100
	v = math.Max(v, e.meta.MinimumTradeSize)
	v = math.Min(v, volume)
	return e.meta.NormalizeVolume(v)
}

// Lock freezes the step directly below newStep at newStep's entry. A lock
// price that would loosen the stop keeps the current stop and locks there.
// A step that is already locked keeps its snapshot.
func (e *Engine) Lock(ctx context.Context, g *position.Group, newStep *position.TrackedStep) error {
	prev, ok := g.Below(newStep.Index)
	if !ok || prev.Locked {
		return nil
	}
	price := e.meta.RoundToTick(newStep.Entry)
	if prev.Improves(price) {
		if err := e.exec.ModifyStop(ctx, prev.ID, price); err != nil {
			return e.failed("modify_stop", prev, err)
		}
	}
	prev.Lock(price)
	e.metrics.Modified(e.meta.Name, string(journal.EventLock))
	e.log.Info("step locked",
		zap.String("trade_id", prev.ID),
		zap.Int("step", prev.Index),
		zap.Int("by_step", newStep.Index),
		zap.Float64("stop", prev.LockedAt))
	e.event(journal.EventLock, prev, prev.LockedAt, 0, fmt.Sprintf("by step %d", newStep.Index), newStep.OpenedAt)
	return nil
}

// RemoveTargets clears the targets of every step below newStep when
// target removal is configured.
func (e *Engine) RemoveTargets(ctx context.Context, g *position.Group, newStep *position.TrackedStep) error {
	if !e.cfg.RemoveTargetsAfterPyramid {
		return nil
	}
	var errs []error
	for _, s := range g.Steps {
		if s.Index >= newStep.Index || !s.HasTarget() {
			continue
		}
		if !s.SoftTarget {
			if err := e.exec.ModifyTarget(ctx, s.ID, nil); err != nil {
				errs = append(errs, e.failed("modify_target", s, err))
				continue
			}
		}
		s.SetTarget(nil)
		e.metrics.Modified(e.meta.Name, string(journal.EventTarget))
		e.log.Info("target removed after pyramid",
			zap.String("trade_id", s.ID), zap.Int("step", s.Index))
		e.event(journal.EventTarget, s, 0, 0, "removed", newStep.OpenedAt)
	}
	return errors.Join(errs...)
}

// TrailTargets pulls each target toward price on bar close, never past it.
func (e *Engine) TrailTargets(ctx context.Context, g *position.Group, m Market) (int, error) {
	if !e.cfg.TargetTrailEnabled || m.ATR <= 0 || g == nil {
		return 0, nil
	}
	var (
		n    int
		errs []error
	)
	price := m.Tick.Exit(g.Direction)
	for _, s := range g.Steps {
		if !s.HasTarget() {
			continue
		}
		sign := s.Direction.Sign()
		next := e.meta.RoundToTick(price + sign*m.ATR*e.cfg.TargetTrailMultiplier)
		closer := sign*(*s.Target-next) > 0
		beyond := sign*(next-price) > 0
		if !closer || !beyond {
			continue
		}
		if !s.SoftTarget {
			if err := e.exec.ModifyTarget(ctx, s.ID, position.Float(next)); err != nil {
				errs = append(errs, e.failed("modify_target", s, err))
				continue
			}
		}
		s.SetTarget(position.Float(next))
		n++
		e.metrics.Modified(e.meta.Name, string(journal.EventTarget))
		e.log.Info("target trailed",
			zap.String("trade_id", s.ID), zap.Int("step", s.Index), zap.Float64("target", next))
		e.event(journal.EventTarget, s, next, 0, "trailed", m.Tick.Time)
	}
	return n, errors.Join(errs...)
}

func (e *Engine) failed(op string, s *position.TrackedStep, err error) error {
	e.metrics.ExecutionFailed(e.meta.Name, op)
	e.log.Warn("broker request failed",
		zap.String("op", op),
		zap.String("trade_id", s.ID),
		zap.Int("step", s.Index),
		zap.Error(err))
	return broker.Failed(op, s.ID, err)
}

func (e *Engine) event(kind journal.EventKind, s *position.TrackedStep, price, volume float64, detail string, at time.Time) {
	err := e.journal.RecordStep(journal.StepEvent{
		Time:       at,
		Instrument: s.Instrument,
		TradeID:    s.ID,
		Direction:  s.Direction.String(),
		Step:       s.Index,
		Kind:       kind,
		Price:      price,
		Volume:     volume,
		Detail:     detail,
	})
	if err != nil {
		e.log.Warn("journal step event", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
