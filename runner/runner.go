// Package runner shards market events by instrument: each instrument gets
// one goroutine and one buffered channel, so its handler sees events
// strictly in submission order and never runs concurrently with itself.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/strategy"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrDuplicate         = errors.New("instrument already registered")
	ErrStarted           = errors.New("runner already started")
	ErrNotRunning        = errors.New("runner not running")

	// ErrFatal stops every shard when a handler returns an error wrapping
	// it. Other handler errors are logged and the shard carries on.
	ErrFatal = errors.New("fatal handler error")
)

// Event carries exactly one of Tick, Bar or Closed.
type Event struct {
	Instrument string
	Tick       *market.Tick
	Bar        *strategy.BarEvent
	Closed     *broker.ClosedNotice
}

func (e Event) kind() string {
	switch {
	case e.Tick != nil:
		return "tick"
	case e.Bar != nil:
		return "bar"
	case e.Closed != nil:
		return "closed"
	}
	return "empty"
}

type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PyramidHandler routes events to a strategy.Pyramid.
func PyramidHandler(p *strategy.Pyramid) Handler {
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		switch {
		case ev.Tick != nil:
			return p.OnTick(ctx, *ev.Tick)
		case ev.Bar != nil:
			return p.OnBar(ctx, *ev.Bar)
		case ev.Closed != nil:
			p.OnTradeClosed(*ev.Closed)
		}
		return nil
	})
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = logging.OrNop(l) }
}

// WithBuffer sets the per-instrument queue length.
func WithBuffer(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.buffer = n
		}
	}
}

type shard struct {
	instrument string
	handler    Handler
	events     chan Event
}

type Runner struct {
	mu      sync.RWMutex
	shards  map[string]*shard
	buffer  int
	log     *zap.Logger
	running bool
	stopped bool

	g   *errgroup.Group
	ctx context.Context
}

func New(opts ...Option) *Runner {
	r := &Runner{
		shards: make(map[string]*shard),
		buffer: 256,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(zap.String("component", "runner"))
	return r
}

// Register adds a handler for instrument. It must be called before Start.
func (r *Runner) Register(instrument string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return ErrStarted
	}
	if _, ok := r.shards[instrument]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, instrument)
	}
	r.shards[instrument] = &shard{
		instrument: instrument,
		handler:    h,
		events:     make(chan Event, r.buffer),
	}
	return nil
}

func (r *Runner) Instruments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.shards))
	for inst := range r.shards {
		out = append(out, inst)
	}
	return out
}

// Start launches one goroutine per registered instrument. Cancelling ctx
// stops them without draining their queues.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return ErrStarted
	}
	r.g, r.ctx = errgroup.WithContext(ctx)
	for _, s := range r.shards {
		s := s
		r.g.Go(func() error { return r.loop(r.ctx, s) })
	}
	r.running = true
	r.log.Info("runner started", zap.Int("instruments", len(r.shards)))
	return nil
}

func (r *Runner) loop(ctx context.Context, s *shard) error {
	log := r.log.With(zap.String("instrument", s.instrument))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			err := s.handler.HandleEvent(ctx, ev)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrFatal) {
				log.Error("shard stopped", zap.String("event", ev.kind()), zap.Error(err))
				return fmt.Errorf("%s: %w", s.instrument, err)
			}
			log.Warn("event handling failed", zap.String("event", ev.kind()), zap.Error(err))
		}
	}
}

// Submit queues ev on its instrument's shard, blocking while the queue is
// full.
func (r *Runner) Submit(ctx context.Context, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}
	s, ok := r.shards[ev.Instrument]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ev.Instrument)
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrNotRunning
	}
}

// Notify forwards a broker close notice to the owning shard without
// blocking the caller. Notices for unregistered instruments are dropped.
func (r *Runner) Notify(n broker.ClosedNotice) {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := r.Submit(ctx, Event{Instrument: n.Instrument, Closed: &n}); err != nil {
			r.log.Warn("close notice dropped", zap.String("trade_id", n.TradeID), zap.Error(err))
		}
	}()
}

// OnTradeClosed lets a Runner be a broker close listener.
func (r *Runner) OnTradeClosed(n broker.ClosedNotice) {
	r.Notify(n)
}

// Stop closes every queue, waits for the shards to drain and returns the
// first fatal handler error.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	r.stopped = true
	for _, s := range r.shards {
		close(s.events)
	}
	g := r.g
	r.mu.Unlock()

	err := g.Wait()
	r.log.Info("runner stopped", zap.Error(err))
	return err
}
