package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/internal/id"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/position"
	"github.com/rustyeddy/pyramid/signal"
)

// ReconcileReport counts what startup reconciliation did.
type ReconcileReport struct {
	Restored  int
	Closed    int
	Ambiguous int
	Bumped    int
}

// Reconcile rebuilds the ledger from the broker's open trades for this
// strategy's label. ev is the latest closed bar with its indicator state;
// its candle seeds trailing so restored steps trail from a real extreme.
// A zero ATR falls back to FallbackATRPips.
func (p *Pyramid) Reconcile(ctx context.Context, ev BarEvent) (ReconcileReport, error) {
	var rep ReconcileReport
	snap := ev.Snapshot
	if ev.Candle.High > 0 && ev.Candle.Low > 0 {
		p.lastBar = ev.Candle
	}

	open, err := p.exec.ListOpen(ctx, p.cfg.Label())
	if err != nil {
		p.metrics.ExecutionFailed(p.cfg.Instrument, "list_open")
		return rep, broker.Failed("list_open", "", err)
	}

	atr := snap.ATR
	if atr <= 0 {
		atr = p.atr
	}
	if atr <= 0 {
		atr = p.meta.PipsToPrice(p.cfg.FallbackATRPips)
	} else {
		p.atr = atr
	}
	eval := signal.Evaluate(snap, p.cfg.Thresholds)

	type candidate struct {
		rec   broker.TradeRecord
		index int
	}
	var cands []candidate
	for _, rec := range open {
		if rec.Instrument != p.cfg.Instrument {
			continue
		}
		index, ok := position.ParseStepTag(rec.Comment)
		if !ok {
			rep.Ambiguous++
			p.log.Warn("unrecognised step comment, treating as initial entry",
				zap.String("trade_id", rec.ID), zap.String("comment", rec.Comment))
		}
		cands = append(cands, candidate{rec: rec, index: index})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].index != cands[j].index {
			return cands[i].index < cands[j].index
		}
		return cands[i].rec.OpenedAt.Before(cands[j].rec.OpenedAt)
	})

	var errs []error
	for _, c := range cands {
		rec := c.rec
		if eval.ReversalAgainst(rec.Direction) {
			err := p.exec.Close(ctx, rec.ID, 0)
			if err == nil {
				rep.Closed++
				p.metrics.Reversal(p.cfg.Instrument, rec.Direction.String())
				p.log.Info("restored trade closed, trend is against it",
					zap.String("trade_id", rec.ID), zap.Stringer("direction", rec.Direction))
				continue
			}
			p.metrics.ExecutionFailed(p.cfg.Instrument, "close")
			errs = append(errs, broker.Failed("close", rec.ID, err))
		}

		s, err := p.restore(ctx, rec, c.index, atr)
		if err != nil {
			errs = append(errs, err)
		}
		if err := p.track(s, &rep); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Restored++
	}

	p.gauge()
	p.log.Info("positions restored",
		zap.Int("restored", rep.Restored),
		zap.Int("closed", rep.Closed),
		zap.Int("ambiguous", rep.Ambiguous))
	return rep, errors.Join(errs...)
}

// restore turns a broker record into a step, filling and pushing any
// missing stop or target. A failed push leaves the step with what the
// broker actually holds.
func (p *Pyramid) restore(ctx context.Context, rec broker.TradeRecord, index int, atr float64) (*position.TrackedStep, error) {
	d := rec.Direction
	soft := p.cfg.Protect.PartialEnabled()
	s := &position.TrackedStep{
		ID:         rec.ID,
		Instrument: p.cfg.Instrument,
		Direction:  d,
		Index:      index,
		Entry:      rec.Entry,
		Stop:       rec.Stop,
		Volume:     rec.Volume,
		OpenedAt:   rec.OpenedAt,
	}
	s.SetTarget(rec.Target)
	if s.OpenedAt.IsZero() {
		// Sim broker ids are ULIDs stamped at the fill.
		if t, err := id.Time(rec.ID); err == nil {
			s.OpenedAt = t
		}
	}

	var errs []error
	if rec.Stop == 0 {
		stop := p.meta.RoundToTick(rec.Entry - d.Sign()*atr*p.cfg.StopMultiplier)
		if err := p.exec.ModifyStop(ctx, rec.ID, stop); err != nil {
			p.metrics.ExecutionFailed(p.cfg.Instrument, "modify_stop")
			errs = append(errs, broker.Failed("modify_stop", rec.ID, err))
		} else {
			s.Stop = stop
		}
	}
	if rec.Target == nil {
		target := p.meta.RoundToTick(rec.Entry + d.Sign()*atr*p.cfg.TargetMultiplier)
		switch {
		case soft:
			s.SetTarget(&target)
			s.SoftTarget = true
		default:
			if err := p.exec.ModifyTarget(ctx, rec.ID, &target); err != nil {
				p.metrics.ExecutionFailed(p.cfg.Instrument, "modify_target")
				errs = append(errs, broker.Failed("modify_target", rec.ID, err))
			} else {
				s.SetTarget(&target)
			}
		}
	}

	s.LastTrailingStop = s.Stop
	if s.Stop != 0 && d.Sign()*(s.Stop-s.Entry) > 0 {
		s.BreakEvenApplied = true
	}
	return s, errors.Join(errs...)
}

// track adds s to the ledger, moving it above the group when its index is
// taken.
func (p *Pyramid) track(s *position.TrackedStep, rep *ReconcileReport) error {
	err := p.ledger.Add(s)
	if errors.Is(err, position.ErrDuplicateIndex) {
		from := s.Index
		s.Index = p.ledger.Group(s.Direction).NextIndex()
		rep.Bumped++
		p.log.Warn("step index collision, moved above the group",
			zap.String("trade_id", s.ID), zap.Int("from", from), zap.Int("to", s.Index))
		err = p.ledger.Add(s)
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", s.ID, err)
	}
	p.log.Info("step restored",
		zap.String("trade_id", s.ID),
		zap.Stringer("direction", s.Direction),
		zap.Int("step", s.Index),
		zap.Float64("stop", s.Stop),
		zap.Bool("break_even", s.BreakEvenApplied))
	p.event(journal.EventReconcile, s, s.Stop, s.Volume, "", market.Tick{Time: s.OpenedAt})
	return nil
}
