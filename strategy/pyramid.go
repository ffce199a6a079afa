// Package strategy drives a pyramid on one instrument: reversal exits and
// new steps on bar close, protective evolution on every tick.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/metrics"
	"github.com/rustyeddy/pyramid/position"
	"github.com/rustyeddy/pyramid/protect"
	"github.com/rustyeddy/pyramid/risk"
	"github.com/rustyeddy/pyramid/signal"
)

// BarEvent is a closed bar together with the indicator readings as of its
// close and the quote at that moment.
type BarEvent struct {
	Candle   market.Candle
	Snapshot signal.Snapshot
	Tick     market.Tick
}

type Option func(*Pyramid)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pyramid) { p.log = logging.OrNop(l) }
}

func WithJournal(j journal.Journal) Option {
	return func(p *Pyramid) {
		if j != nil {
			p.journal = j
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pyramid) { p.metrics = m }
}

// Pyramid owns the ledger of one instrument. It is not safe for
// concurrent use; one goroutine feeds it bars, ticks and close notices.
type Pyramid struct {
	cfg     Config
	meta    market.InstrumentMeta
	exec    broker.Executor
	ledger  *position.Ledger
	protect *protect.Engine
	prices  *market.TickStore

	log     *zap.Logger
	journal journal.Journal
	metrics *metrics.Metrics

	ticks   int
	synced  bool
	recent  []market.Candle
	lastBar market.Candle
	atr     float64
}

func New(cfg Config, exec broker.Executor, opts ...Option) (*Pyramid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy config: %w", err)
	}
	meta, err := market.Lookup(cfg.Instrument)
	if err != nil {
		return nil, err
	}
	p := &Pyramid{
		cfg:     cfg,
		meta:    meta,
		exec:    exec,
		ledger:  position.NewLedger(cfg.Instrument),
		prices:  market.NewTickStore(),
		log:     zap.NewNop(),
		journal: journal.Nop{},
		synced:  cfg.SyncTicks == 0,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(zap.String("component", "strategy"), zap.String("instrument", cfg.Instrument))
	p.protect = protect.New(cfg.Protect, meta, exec,
		protect.WithLogger(p.log),
		protect.WithJournal(p.journal),
		protect.WithMetrics(p.metrics))
	return p, nil
}

func (p *Pyramid) Instrument() string {
	return p.cfg.Instrument
}

// Ledger exposes the tracked steps. Callers must stay on the owning
// goroutine.
func (p *Pyramid) Ledger() *position.Ledger {
	return p.ledger
}

// Synced reports whether the startup grace period is over.
func (p *Pyramid) Synced() bool {
	return p.synced
}

// OnTick runs the protective rules for both groups once the grace period
// has passed.
func (p *Pyramid) OnTick(ctx context.Context, t market.Tick) error {
	if t.Instrument != "" && t.Instrument != p.cfg.Instrument {
		return nil
	}
	t.Instrument = p.cfg.Instrument
	p.prices.Set(t)

	if !p.synced {
		p.ticks++
		if p.ticks >= p.cfg.SyncTicks {
			p.synced = true
			p.log.Info("position data synchronized", zap.Int("ticks", p.ticks))
		}
		return nil
	}

	m := protect.Market{Tick: t, LastBar: p.lastBar, ATR: p.atr}
	var errs []error
	for _, d := range []market.Direction{market.Long, market.Short} {
		g := p.ledger.Group(d)
		if g.Empty() {
			continue
		}
		res := p.protect.EvaluateGroup(ctx, g, m)
		for _, id := range res.Closed {
			p.drop(id, "partial closed the step", t)
		}
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// OnBar closes reversed steps, then looks for a new entry, then trails
// targets.
func (p *Pyramid) OnBar(ctx context.Context, ev BarEvent) error {
	p.remember(ev.Candle)
	if ev.Snapshot.ATR > 0 {
		p.atr = ev.Snapshot.ATR
	}
	if ev.Tick.Bid == 0 && ev.Tick.Ask == 0 {
		ev.Tick = market.Tick{Time: ev.Candle.Time, Bid: ev.Candle.Close, Ask: ev.Candle.Close}
	}
	ev.Tick.Instrument = p.cfg.Instrument
	p.prices.Set(ev.Tick)

	eval := signal.Evaluate(ev.Snapshot, p.cfg.Thresholds)
	var errs []error

	if err := p.closeReversals(ctx, eval, ev); err != nil {
		errs = append(errs, err)
	}

	if dir, ok := eval.Entry(); ok {
		if err := p.enter(ctx, dir, eval, ev); err != nil {
			errs = append(errs, err)
		}
	}

	m := protect.Market{Tick: ev.Tick, LastBar: ev.Candle, ATR: p.atr}
	for _, d := range []market.Direction{market.Long, market.Short} {
		if _, err := p.protect.TrailTargets(ctx, p.ledger.Group(d), m); err != nil {
			errs = append(errs, err)
		}
	}

	p.log.Info("bar closed",
		zap.Time("time", ev.Candle.Time),
		zap.Float64("close", ev.Candle.Close),
		zap.Stringer("bias", eval.Bias),
		zap.Stringer("higher_bias", eval.HigherBias),
		zap.String("buy", eval.Conditions(market.Long)),
		zap.String("sell", eval.Conditions(market.Short)),
		zap.Int("open_steps", p.ledger.Len()))
	return errors.Join(errs...)
}

// OnTradeClosed forgets a trade the broker reports gone.
func (p *Pyramid) OnTradeClosed(n broker.ClosedNotice) {
	if n.Instrument != "" && n.Instrument != p.cfg.Instrument {
		return
	}
	p.drop(n.TradeID, n.Reason, market.Tick{Time: n.Time, Bid: n.Price, Ask: n.Price})
}

func (p *Pyramid) drop(id, reason string, t market.Tick) {
	s, ok := p.ledger.Remove(id)
	if !ok {
		return
	}
	p.log.Info("step closed",
		zap.String("trade_id", id),
		zap.Stringer("direction", s.Direction),
		zap.Int("step", s.Index),
		zap.String("reason", reason))
	p.event(journal.EventClosed, s, t.Exit(s.Direction), s.Volume, reason, t)
	p.gauge()
}

func (p *Pyramid) closeReversals(ctx context.Context, eval signal.Evaluation, ev BarEvent) error {
	var errs []error
	for _, s := range p.ledger.Steps() {
		if !eval.ReversalAgainst(s.Direction) {
			continue
		}
		if err := p.exec.Close(ctx, s.ID, 0); err != nil {
			p.metrics.ExecutionFailed(p.cfg.Instrument, "close")
			p.log.Warn("reversal close failed",
				zap.String("trade_id", s.ID), zap.Int("step", s.Index), zap.Error(err))
			errs = append(errs, broker.Failed("close", s.ID, err))
			continue
		}
		p.ledger.Remove(s.ID)
		p.metrics.Reversal(p.cfg.Instrument, s.Direction.String())
		p.log.Info("trend reversed, step closed",
			zap.String("trade_id", s.ID),
			zap.Stringer("direction", s.Direction),
			zap.Int("step", s.Index))
		p.event(journal.EventReversal, s, ev.Tick.Exit(s.Direction), s.Volume, eval.Bias.String(), ev.Tick)
	}
	p.gauge()
	return errors.Join(errs...)
}

// Levels are the initial protective prices of a new step.
type Levels struct {
	Stop   float64
	Target float64
}

// InitialLevels places the stop at the wider of the ATR stop and the swing
// extreme less a buffer, and the target at the wider of the ATR target and
// the swing extreme plus the buffer. Both are rounded to tick.
func (p *Pyramid) InitialLevels(d market.Direction, entry, atr float64) Levels {
	buffer := atr * p.cfg.SwingBufferATR
	swing := p.swing(d, entry)
	var stop, target float64
	if d == market.Long {
		stop = math.Min(entry-atr*p.cfg.StopMultiplier, swing-buffer)
		target = math.Max(entry+atr*p.cfg.TargetMultiplier, swing+buffer)
	} else {
		stop = math.Max(entry+atr*p.cfg.StopMultiplier, swing+buffer)
		target = math.Min(entry-atr*p.cfg.TargetMultiplier, swing-buffer)
	}
	return Levels{Stop: p.meta.RoundToTick(stop), Target: p.meta.RoundToTick(target)}
}

// swing is the lowest low (Long) or highest high (Short) over the recent
// bars, or entry when none have been seen.
func (p *Pyramid) swing(d market.Direction, entry float64) float64 {
	if len(p.recent) == 0 {
		return entry
	}
	out := p.recent[0].Low
	if d == market.Short {
		out = p.recent[0].High
	}
	for _, c := range p.recent[1:] {
		if d == market.Long {
			out = math.Min(out, c.Low)
		} else {
			out = math.Max(out, c.High)
		}
	}
	return out
}

func (p *Pyramid) remember(c market.Candle) {
	p.lastBar = c
	p.recent = append(p.recent, c)
	if n := len(p.recent) - p.cfg.SwingLookback; n > 0 {
		p.recent = append(p.recent[:0], p.recent[n:]...)
	}
}

func (p *Pyramid) enter(ctx context.Context, d market.Direction, eval signal.Evaluation, ev BarEvent) error {
	g := p.ledger.Group(d)
	entry := ev.Tick.Entry(d)

	adm := g.Admit(entry, p.meta.PipsToPrice(p.cfg.MinDistancePips), p.cfg.MaxSteps)
	if adm != position.Allowed {
		p.metrics.AdmissionRejected(p.cfg.Instrument, adm.String())
		p.log.Info("entry skipped",
			zap.Stringer("direction", d),
			zap.Stringer("reason", adm),
			zap.Int("steps", g.Len()))
		return nil
	}
	if p.atr <= 0 {
		p.log.Info("entry skipped", zap.Stringer("direction", d), zap.String("reason", "no_volatility"))
		return nil
	}

	lv := p.InitialLevels(d, entry, p.atr)
	acct, err := p.exec.Account(ctx)
	if err != nil {
		p.metrics.ExecutionFailed(p.cfg.Instrument, "account")
		return broker.Failed("account", "", err)
	}
	q2a, err := market.QuoteToAccountRate(ctx, p.cfg.Instrument, acct.Currency, p.prices)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", p.cfg.Instrument, err)
	}
	volume, err := risk.Size(risk.Plan{
		Meta:           p.meta,
		Entry:          entry,
		Stop:           lv.Stop,
		RiskPercent:    p.cfg.RiskPercent,
		QuoteToAccount: q2a,
		Balance:        acct.Balance,
		FreeMargin:     acct.FreeMargin,
	}.Inputs())
	if errors.Is(err, risk.ErrBelowMinimum) {
		p.log.Info("entry skipped", zap.Stringer("direction", d), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	index := g.NextIndex()
	soft := p.cfg.Protect.PartialEnabled()
	req := broker.OpenRequest{
		Instrument: p.cfg.Instrument,
		Direction:  d,
		Volume:     volume,
		Stop:       lv.Stop,
		Label:      p.cfg.Label(),
		Comment:    position.StepTag(index),
	}
	if !soft {
		req.Target = position.Float(lv.Target)
	}
	fill, err := p.exec.Open(ctx, req)
	if err != nil {
		p.metrics.ExecutionFailed(p.cfg.Instrument, "open")
		p.log.Warn("open failed",
			zap.Stringer("direction", d), zap.Int("step", index), zap.Error(err))
		return broker.Failed("open", "", err)
	}

	s := &position.TrackedStep{
		ID:               fill.TradeID,
		Instrument:       p.cfg.Instrument,
		Direction:        d,
		Index:            index,
		Entry:            fill.Price,
		Stop:             lv.Stop,
		Target:           position.Float(lv.Target),
		Volume:           fill.Volume,
		OpenedAt:         fill.Time,
		LastTrailingStop: lv.Stop,
		SoftTarget:       soft,
	}
	if err := p.ledger.Add(s); err != nil {
		p.log.Error("tracking new step", zap.String("trade_id", fill.TradeID), zap.Error(err))
		return err
	}
	p.metrics.StepOpened(p.cfg.Instrument, d.String())
	p.gauge()

	setup := "pullback"
	if eval.Strong() {
		setup = "strong_continuation"
	}
	p.log.Info("entry",
		zap.String("trade_id", s.ID),
		zap.Stringer("direction", d),
		zap.Int("step", index),
		zap.String("setup", setup),
		zap.Float64("entry", s.Entry),
		zap.Float64("stop", s.Stop),
		zap.Float64("target", lv.Target),
		zap.Float64("volume", s.Volume),
		zap.Float64("risk_pct", risk.RiskPct(risk.PlannedRisk(s.Volume, s.Entry, s.Stop, q2a), acct.Balance)),
		zap.Float64("rr", risk.RR(s.Entry, s.Stop, lv.Target)))
	p.event(journal.EventOpen, s, s.Entry, s.Volume, setup, ev.Tick)

	if index == 0 {
		return nil
	}
	g = p.ledger.Group(d)
	return errors.Join(
		p.protect.Lock(ctx, g, s),
		p.protect.RemoveTargets(ctx, g, s),
	)
}

func (p *Pyramid) gauge() {
	for _, d := range []market.Direction{market.Long, market.Short} {
		p.metrics.SetOpenSteps(p.cfg.Instrument, d.String(), p.ledger.Group(d).Len())
	}
}

func (p *Pyramid) event(kind journal.EventKind, s *position.TrackedStep, price, volume float64, detail string, t market.Tick) {
	err := p.journal.RecordStep(journal.StepEvent{
		Time:       t.Time,
		Instrument: p.cfg.Instrument,
		TradeID:    s.ID,
		Direction:  s.Direction.String(),
		Step:       s.Index,
		Kind:       kind,
		Price:      price,
		Volume:     volume,
		Detail:     detail,
	})
	if err != nil {
		p.log.Warn("journal step event", zap.String("kind", string(kind)), zap.Error(err))
	}
}
