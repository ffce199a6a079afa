// Package replay streams recorded quotes through the instrument-sharded
// runner against the simulated broker, the way a live feed would arrive.
// Bars are built from the quotes themselves.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/backtest"
	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/broker/sim"
	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/metrics"
	"github.com/rustyeddy/pyramid/runner"
	"github.com/rustyeddy/pyramid/strategy"
)

type Options struct {
	Account    broker.Account
	Timeframe  market.Timeframe
	Strategies []strategy.Config

	// Buffer is the per-instrument queue length.
	Buffer int

	// KeepOpen leaves trades open when the feed ends.
	KeepOpen bool

	Journal journal.Journal
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Summary describes a finished replay.
type Summary struct {
	Ticks   int
	Skipped int
	Bars    map[string]int
	Account broker.Account
}

type Replayer struct {
	opts   Options
	engine *sim.Engine
	runner *runner.Runner
	lanes  map[string]*lane
	log    *zap.Logger
}

func New(opts Options) (*Replayer, error) {
	if len(opts.Strategies) == 0 {
		return nil, errors.New("replay: at least one instrument is required")
	}
	if !opts.Timeframe.Supported() {
		return nil, fmt.Errorf("replay: unsupported timeframe %s", opts.Timeframe)
	}
	j := opts.Journal
	if j == nil {
		j = journal.Nop{}
	}
	j = journal.Locked(j)

	log := logging.OrNop(opts.Logger)
	r := &Replayer{
		opts:   opts,
		engine: sim.NewEngine(opts.Account, j),
		runner: runner.New(runner.WithLogger(log), runner.WithBuffer(opts.Buffer)),
		lanes:  make(map[string]*lane),
		log:    log.With(zap.String("component", "replay")),
	}
	r.engine.SetTradeClosedListener(r)

	for _, cfg := range opts.Strategies {
		p, err := strategy.New(cfg, r.engine,
			strategy.WithLogger(log),
			strategy.WithJournal(j),
			strategy.WithMetrics(opts.Metrics))
		if err != nil {
			return nil, err
		}
		l := &lane{
			pyramid: p,
			engine:  r.engine,
			bars:    backtest.NewAggregator(opts.Timeframe),
			snaps:   backtest.NewSnapshotBuilder(opts.Timeframe, cfg.Thresholds.PullbackBars),
			log:     r.log.With(zap.String("instrument", cfg.Instrument)),
		}
		if err := r.runner.Register(cfg.Instrument, l); err != nil {
			return nil, err
		}
		r.lanes[cfg.Instrument] = l
	}
	return r, nil
}

// OnTradeClosed routes a broker close notice. The broker calls it on the
// goroutine that moved the price. A notice raised while its own lane is
// updating the price is parked and handled before that lane's next
// strategy call; one raised by another shard, a liquidation, is queued on
// the owning shard.
func (r *Replayer) OnTradeClosed(n broker.ClosedNotice) {
	l, ok := r.lanes[n.Instrument]
	if !ok {
		r.log.Warn("close notice for unknown instrument",
			zap.String("trade_id", n.TradeID), zap.String("instrument", n.Instrument))
		return
	}
	if l.updating.Load() {
		l.park(n)
		return
	}
	r.runner.Notify(n)
}

func (r *Replayer) Engine() *sim.Engine {
	return r.engine
}

// Run feeds every quote to its instrument's shard and waits for the shards
// to drain. Quotes for instruments without a strategy are skipped.
func (r *Replayer) Run(ctx context.Context, feed TickFeed) (Summary, error) {
	sum := Summary{Bars: make(map[string]int)}
	if err := r.runner.Start(ctx); err != nil {
		return sum, err
	}

	var feedErr error
	for {
		t, ok, err := feed.Next()
		if err != nil {
			feedErr = err
			break
		}
		if !ok {
			break
		}
		if _, known := r.lanes[t.Instrument]; !known {
			sum.Skipped++
			continue
		}
		if err := r.runner.Submit(ctx, runner.Event{Instrument: t.Instrument, Tick: &t}); err != nil {
			feedErr = err
			break
		}
		sum.Ticks++
	}

	stopErr := r.runner.Stop()
	for _, l := range r.lanes {
		l.deliver()
	}
	if err := errors.Join(feedErr, stopErr); err != nil {
		return sum, err
	}

	if !r.opts.KeepOpen {
		if err := r.engine.CloseAll(ctx, backtest.EndReason); err != nil && !errors.Is(err, sim.ErrNoPrice) {
			return sum, fmt.Errorf("close at end: %w", err)
		}
	}

	for inst, l := range r.lanes {
		sum.Bars[inst] = l.closed
	}
	acct, err := r.engine.Account(ctx)
	if err != nil {
		return sum, err
	}
	sum.Account = acct
	r.opts.Metrics.SetEquity(acct.Equity)
	r.log.Info("replay finished",
		zap.Int("ticks", sum.Ticks),
		zap.Int("skipped", sum.Skipped),
		zap.Float64("balance", acct.Balance))
	return sum, nil
}

// lane is one instrument's shard handler. Apart from park, it is only
// touched by the runner goroutine that owns the instrument.
type lane struct {
	pyramid *strategy.Pyramid
	engine  *sim.Engine
	bars    *backtest.Aggregator
	snaps   *backtest.SnapshotBuilder
	log     *zap.Logger

	last       market.Tick
	closed     int
	reconciled bool

	updating atomic.Bool
	mu       sync.Mutex
	pending  []broker.ClosedNotice
}

// park queues a notice for delivery on the lane's goroutine.
func (l *lane) park(n broker.ClosedNotice) {
	l.mu.Lock()
	l.pending = append(l.pending, n)
	l.mu.Unlock()
}

// deliver hands parked notices to the strategy in the order the broker
// raised them.
func (l *lane) deliver() {
	l.mu.Lock()
	notices := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, n := range notices {
		l.pyramid.OnTradeClosed(n)
	}
}

func (l *lane) HandleEvent(ctx context.Context, ev runner.Event) error {
	l.deliver()
	switch {
	case ev.Closed != nil:
		l.pyramid.OnTradeClosed(*ev.Closed)
		return nil
	case ev.Tick != nil:
		return l.tick(ctx, *ev.Tick)
	case ev.Bar != nil:
		return l.pyramid.OnBar(ctx, *ev.Bar)
	}
	return nil
}

// tick closes the bar in progress when t opens a new one, then hands t to
// the broker and the strategy.
func (l *lane) tick(ctx context.Context, t market.Tick) error {
	quote := market.Candle{Instrument: t.Instrument, Time: t.Time, Open: t.Bid, High: t.Bid, Low: t.Bid, Close: t.Bid}
	var errs []error
	if bar, ok := l.bars.Add(quote); ok {
		errs = append(errs, l.bar(ctx, bar))
	}

	l.updating.Store(true)
	err := l.engine.UpdatePrice(ctx, t)
	l.updating.Store(false)
	if err != nil {
		return fmt.Errorf("%w: update price: %v", runner.ErrFatal, err)
	}
	l.deliver()
	l.last = t
	errs = append(errs, l.pyramid.OnTick(ctx, t))
	return errors.Join(errs...)
}

func (l *lane) bar(ctx context.Context, c market.Candle) error {
	l.closed++
	snap, ready := l.snaps.Add(c)
	if !ready {
		return nil
	}
	if !l.reconciled {
		l.reconciled = true
		rep, err := l.pyramid.Reconcile(ctx, strategy.BarEvent{Candle: c, Snapshot: snap})
		if err != nil {
			l.log.Warn("reconcile", zap.Error(err))
		}
		l.log.Debug("reconciled", zap.Int("restored", rep.Restored))
	}
	return l.pyramid.OnBar(ctx, strategy.BarEvent{Candle: c, Snapshot: snap, Tick: l.last})
}
