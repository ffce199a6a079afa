// Package backtest replays candle history through the pyramid strategy
// against the simulated broker.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/broker/sim"
	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/metrics"
	"github.com/rustyeddy/pyramid/strategy"
)

// EndReason is the close reason for trades still open when the data ends.
const EndReason = "EndOfReplay"

type Options struct {
	Account    broker.Account
	Timeframe  market.Timeframe
	SpreadPips float64
	Strategies []strategy.Config

	// Dataset and Config are stored with the run summary.
	Dataset string
	Config  []byte

	// Seed makes trade ids reproducible; 0 keeps the default.
	Seed int64

	// KeepOpen leaves trades open at the end instead of closing them.
	KeepOpen bool

	Journal journal.Journal
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type lane struct {
	pyramid    *strategy.Pyramid
	builder    *SnapshotBuilder
	spread     float64
	reconciled bool
}

// Session runs every configured instrument on one goroutine against a
// shared simulated account. Candles are merged by time so runs are
// deterministic.
type Session struct {
	opts    Options
	runID   string
	engine  *sim.Engine
	journal *collector
	lanes   map[string]*lane
	order   []string
	log     *zap.Logger

	pending []broker.ClosedNotice
}

func NewSession(opts Options) (*Session, error) {
	if len(opts.Strategies) == 0 {
		return nil, errors.New("backtest: at least one instrument is required")
	}
	if !opts.Timeframe.Supported() {
		return nil, fmt.Errorf("backtest: unsupported timeframe %s", opts.Timeframe)
	}
	if opts.Account.Balance <= 0 {
		return nil, errors.New("backtest: starting balance must be positive")
	}
	inner := opts.Journal
	if inner == nil {
		inner = journal.Nop{}
	}

	runID := uuid.NewString()
	s := &Session{
		opts:    opts,
		runID:   runID,
		journal: newCollector(journal.WithRun(inner, runID)),
		lanes:   make(map[string]*lane),
		log:     logging.OrNop(opts.Logger).With(zap.String("component", "backtest"), zap.String("run_id", runID)),
	}
	s.engine = sim.NewEngine(opts.Account, s.journal)
	if opts.Seed != 0 {
		s.engine.SetSeed(opts.Seed)
	}
	s.engine.SetTradeClosedListener(s)

	for _, cfg := range opts.Strategies {
		if _, dup := s.lanes[cfg.Instrument]; dup {
			return nil, fmt.Errorf("backtest: instrument %s listed twice", cfg.Instrument)
		}
		meta, err := market.Lookup(cfg.Instrument)
		if err != nil {
			return nil, err
		}
		p, err := strategy.New(cfg, s.engine,
			strategy.WithLogger(opts.Logger),
			strategy.WithJournal(s.journal),
			strategy.WithMetrics(opts.Metrics))
		if err != nil {
			return nil, err
		}
		s.lanes[cfg.Instrument] = &lane{
			pyramid: p,
			builder: NewSnapshotBuilder(opts.Timeframe, cfg.Thresholds.PullbackBars),
			spread:  meta.PipsToPrice(opts.SpreadPips),
		}
		s.order = append(s.order, cfg.Instrument)
	}
	return s, nil
}

func (s *Session) RunID() string {
	return s.runID
}

func (s *Session) Engine() *sim.Engine {
	return s.engine
}

// Pyramid returns the strategy trading instrument.
func (s *Session) Pyramid(instrument string) (*strategy.Pyramid, bool) {
	l, ok := s.lanes[instrument]
	if !ok {
		return nil, false
	}
	return l.pyramid, true
}

// OnTradeClosed queues broker notices; they are delivered after the tick
// that caused them.
func (s *Session) OnTradeClosed(n broker.ClosedNotice) {
	s.pending = append(s.pending, n)
}

func (s *Session) deliver() {
	for len(s.pending) > 0 {
		n := s.pending[0]
		s.pending = s.pending[1:]
		if l, ok := s.lanes[n.Instrument]; ok {
			l.pyramid.OnTradeClosed(n)
		}
	}
}

// Run replays candles (keyed by instrument) and returns the run summary.
// Broker rejections are logged and the replay carries on; data and
// accounting errors end it.
func (s *Session) Run(ctx context.Context, candles map[string][]market.Candle) (journal.BacktestRun, error) {
	bars, err := s.merge(candles)
	if err != nil {
		return journal.BacktestRun{}, err
	}

	run := journal.BacktestRun{
		RunID:        s.runID,
		Created:      time.Now().UTC(),
		Instrument:   strings.Join(s.order, ","),
		Timeframe:    s.opts.Timeframe.String(),
		Dataset:      s.opts.Dataset,
		Config:       s.opts.Config,
		StartBalance: s.opts.Account.Balance,
	}
	if len(bars) > 0 {
		run.Start = bars[0].Time
		run.End = bars[len(bars)-1].Time.Add(s.opts.Timeframe.Duration())
	}
	s.log.Info("backtest started",
		zap.String("instruments", run.Instrument),
		zap.String("timeframe", run.Timeframe),
		zap.Int("bars", len(bars)))

	for _, c := range bars {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if err := s.step(ctx, c); err != nil {
			return run, err
		}
	}

	if !s.opts.KeepOpen && len(bars) > 0 {
		if err := s.engine.CloseAll(ctx, EndReason); err != nil {
			return run, fmt.Errorf("close at end: %w", err)
		}
	}

	acct, err := s.engine.Account(ctx)
	if err != nil {
		return run, err
	}
	run.EndBalance = acct.Balance
	run.StepsOpened = s.journal.opened
	run.Derive(s.journal.trades, s.journal.equity)
	s.opts.Metrics.SetEquity(acct.Equity)

	s.log.Info("backtest finished",
		zap.Float64("net_pl", run.NetPL()),
		zap.Int("trades", run.Trades),
		zap.Int("steps", run.StepsOpened))
	return run, nil
}

// step plays one bar: its synthetic quotes first, then the bar close.
func (s *Session) step(ctx context.Context, c market.Candle) error {
	l := s.lanes[c.Instrument]
	ticks := PathTicks(c, s.opts.Timeframe, l.spread)
	for _, t := range ticks {
		if err := s.engine.UpdatePrice(ctx, t); err != nil {
			return fmt.Errorf("%s %s: %w", c.Instrument, t.Time.Format(time.RFC3339), err)
		}
		s.deliver()
		if err := l.pyramid.OnTick(ctx, t); err != nil {
			s.log.Warn("tick handling", zap.String("instrument", c.Instrument), zap.Error(err))
		}
	}

	snap, ready := l.builder.Add(c)
	if !ready {
		return nil
	}
	if !l.reconciled {
		l.reconciled = true
		if _, err := l.pyramid.Reconcile(ctx, strategy.BarEvent{Candle: c, Snapshot: snap}); err != nil {
			s.log.Warn("reconcile", zap.String("instrument", c.Instrument), zap.Error(err))
		}
	}
	err := l.pyramid.OnBar(ctx, strategy.BarEvent{
		Candle:   c,
		Snapshot: snap,
		Tick:     ticks[len(ticks)-1],
	})
	if err != nil {
		s.log.Warn("bar handling", zap.String("instrument", c.Instrument), zap.Error(err))
	}
	s.deliver()

	if acct, err := s.engine.Account(ctx); err == nil {
		s.opts.Metrics.SetEquity(acct.Equity)
	}
	return nil
}

func (s *Session) merge(candles map[string][]market.Candle) ([]market.Candle, error) {
	var out []market.Candle
	for inst, cs := range candles {
		if _, ok := s.lanes[inst]; !ok {
			return nil, fmt.Errorf("backtest: no strategy for %s", inst)
		}
		for _, c := range cs {
			c.Instrument = inst
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out, nil
}

// collector tees journal records into memory for the run summary.
type collector struct {
	journal.Journal
	trades []journal.TradeRecord
	equity []journal.EquitySnapshot
	opened int
}

func newCollector(j journal.Journal) *collector {
	return &collector{Journal: j}
}

func (c *collector) RecordTrade(t journal.TradeRecord) error {
	c.trades = append(c.trades, t)
	return c.Journal.RecordTrade(t)
}

func (c *collector) RecordEquity(e journal.EquitySnapshot) error {
	c.equity = append(c.equity, e)
	return c.Journal.RecordEquity(e)
}

func (c *collector) RecordStep(s journal.StepEvent) error {
	if s.Kind == journal.EventOpen {
		c.opened++
	}
	return c.Journal.RecordStep(s)
}
