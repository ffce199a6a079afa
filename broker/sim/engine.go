// Package sim is a deterministic in-memory broker for backtests and tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/internal/id"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/position"
)

var (
	ErrNoPrice            = errors.New("no price")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrInvalidStop        = errors.New("invalid stop")
)

// TradeClosedListener is told about trades the engine closes on its own:
// stop loss, take profit and liquidation. Closes requested through Close
// are not reported.
type TradeClosedListener interface {
	OnTradeClosed(n broker.ClosedNotice)
}

type Engine struct {
	mu       sync.Mutex
	acct     broker.Account
	ticks    *market.TickStore
	trades   map[string]*Trade
	ids      *id.Generator
	journal  journal.Journal
	listener TradeClosedListener
}

var _ broker.Executor = (*Engine)(nil)

func NewEngine(acct broker.Account, j journal.Journal) *Engine {
	if j == nil {
		j = journal.Nop{}
	}
	if acct.Equity == 0 {
		acct.Equity = acct.Balance
	}
	if acct.FreeMargin == 0 {
		acct.FreeMargin = acct.Equity
	}
	return &Engine{
		acct:    acct,
		ticks:   market.NewTickStore(),
		trades:  make(map[string]*Trade),
		ids:     id.NewGenerator(0),
		journal: j,
	}
}

// SetSeed makes trade ids reproducible.
func (e *Engine) SetSeed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = id.NewGenerator(seed)
}

// SetTradeClosedListener sets an optional listener. It is called after the
// engine lock is released.
func (e *Engine) SetTradeClosedListener(l TradeClosedListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *Engine) Prices() *market.TickStore {
	return e.ticks
}

func (e *Engine) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	return e.ticks.Get(instrument)
}

func (e *Engine) Account(ctx context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct, nil
}

// IsTradeOpen reports whether the given trade exists and is currently open.
func (e *Engine) IsTradeOpen(tradeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[tradeID]
	return ok && t.Open
}

// Trade returns a copy of the trade.
func (e *Engine) Trade(tradeID string) (Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[tradeID]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

func (e *Engine) Open(ctx context.Context, req broker.OpenRequest) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, err := market.Lookup(req.Instrument)
	if err != nil {
		return broker.Fill{}, broker.Failed("open", "", err)
	}
	if !req.Direction.Valid() {
		return broker.Fill{}, broker.Failed("open", "", fmt.Errorf("invalid direction %d", req.Direction))
	}
	if req.Volume < meta.MinimumTradeSize || meta.NormalizeVolume(req.Volume) != req.Volume {
		return broker.Fill{}, broker.Failed("open", "", fmt.Errorf("%w: %.2f", broker.ErrInvalidVolume, req.Volume))
	}

	p, err := e.ticks.Get(req.Instrument)
	if err != nil {
		return broker.Fill{}, broker.Failed("open", "", fmt.Errorf("%w for %s", ErrNoPrice, req.Instrument))
	}
	fillPrice := p.Entry(req.Direction)

	if req.Stop != 0 && !req.Direction.Improves(fillPrice, req.Stop) {
		return broker.Fill{}, broker.Failed("open", "", fmt.Errorf("%w: %.5f vs fill %.5f", ErrInvalidStop, req.Stop, fillPrice))
	}

	rate, err := market.QuoteToAccountRate(ctx, req.Instrument, e.acct.Currency, e.ticks)
	if err != nil {
		return broker.Fill{}, broker.Failed("open", "", err)
	}
	if need := TradeMargin(req.Volume, p.Mid(), req.Instrument, rate); need > e.acct.FreeMargin {
		return broker.Fill{}, broker.Failed("open", "", fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, need, e.acct.FreeMargin))
	}

	tradeID := e.ids.At(p.Time)
	trade := &Trade{
		ID:         tradeID,
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Volume:     req.Volume,
		EntryPrice: fillPrice,
		OpenTime:   p.Time,
		Label:      req.Label,
		Comment:    req.Comment,
		Open:       true,
	}
	if req.Stop != 0 {
		v := req.Stop
		trade.StopLoss = &v
	}
	if req.Target != nil {
		v := *req.Target
		trade.TakeProfit = &v
	}
	e.trades[tradeID] = trade

	if err := e.recomputeMarginLocked(ctx); err != nil {
		return broker.Fill{}, err
	}

	return broker.Fill{
		TradeID:    tradeID,
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Volume:     req.Volume,
		Price:      fillPrice,
		Time:       p.Time,
	}, nil
}

func (e *Engine) openTradeLocked(op, tradeID string) (*Trade, error) {
	t, ok := e.trades[tradeID]
	if !ok {
		return nil, broker.Failed(op, tradeID, broker.ErrTradeNotFound)
	}
	if !t.Open {
		return nil, broker.Failed(op, tradeID, broker.ErrTradeAlreadyClosed)
	}
	return t, nil
}

func (e *Engine) ModifyStop(ctx context.Context, tradeID string, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.openTradeLocked("modify_stop", tradeID)
	if err != nil {
		return err
	}
	if price <= 0 {
		return broker.Failed("modify_stop", tradeID, fmt.Errorf("%w: %.5f", ErrInvalidStop, price))
	}
	t.StopLoss = &price
	return nil
}

func (e *Engine) ModifyTarget(ctx context.Context, tradeID string, price *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.openTradeLocked("modify_target", tradeID)
	if err != nil {
		return err
	}
	if price == nil {
		t.TakeProfit = nil
		return nil
	}
	v := *price
	t.TakeProfit = &v
	return nil
}

// Close closes volume units at the current market price; 0 or the full
// volume closes the trade.
// - Longs close on BID
// - Shorts close on ASK
func (e *Engine) Close(ctx context.Context, tradeID string, volume float64) error {
	e.mu.Lock()

	t, err := e.openTradeLocked("close", tradeID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if volume < 0 || volume > t.Volume {
		e.mu.Unlock()
		return broker.Failed("close", tradeID, fmt.Errorf("%w: %.2f of %.2f", broker.ErrInvalidVolume, volume, t.Volume))
	}

	p, err := e.ticks.Get(t.Instrument)
	if err != nil {
		e.mu.Unlock()
		return broker.Failed("close", tradeID, fmt.Errorf("%w for %s", ErrNoPrice, t.Instrument))
	}
	closePrice := p.Exit(t.Direction)

	if volume == 0 || volume == t.Volume {
		err = e.closeTradeLocked(ctx, t, closePrice, p.Time, broker.ReasonClosed)
	} else {
		err = e.closePartLocked(ctx, t, volume, closePrice, p.Time)
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}

	notices, err := e.settleLocked(ctx, p.Time)
	listener := e.listener
	e.mu.Unlock()

	notify(listener, notices)
	return err
}

// CloseAll closes every open trade at current prices.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	if reason == "" {
		reason = broker.ReasonClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var last time.Time
	for _, t := range e.sortedLocked() {
		if !t.Open {
			continue
		}
		p, err := e.ticks.Get(t.Instrument)
		if err != nil {
			return fmt.Errorf("close all: %w for %q", ErrNoPrice, t.Instrument)
		}
		if p.Time.After(last) {
			last = p.Time
		}
		if err := e.closeTradeLocked(ctx, t, p.Exit(t.Direction), p.Time, reason); err != nil {
			return err
		}
	}
	_, err := e.settleLocked(ctx, last)
	return err
}

func (e *Engine) ListOpen(ctx context.Context, label string) ([]broker.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []broker.TradeRecord
	for _, t := range e.sortedLocked() {
		if !t.Open || (label != "" && t.Label != label) {
			continue
		}
		out = append(out, t.record())
	}
	return out, nil
}

// UpdatePrice stores the tick, fires stop and target triggers on the
// correct side of the book, revalues the account and records equity.
func (e *Engine) UpdatePrice(ctx context.Context, p market.Tick) error {
	e.mu.Lock()

	e.ticks.Set(p)

	var notices []broker.ClosedNotice
	for _, t := range e.sortedLocked() {
		if !t.Open || t.Instrument != p.Instrument {
			continue
		}

		mark := p.Exit(t.Direction)

		reason := ""
		switch {
		case t.triggerStopLoss(mark):
			reason = broker.ReasonStopLoss
		case t.triggerTakeProfit(mark):
			reason = broker.ReasonTakeProfit
		}
		if reason == "" {
			continue
		}
		if err := e.closeTradeLocked(ctx, t, mark, p.Time, reason); err != nil {
			e.mu.Unlock()
			return err
		}
		notices = append(notices, broker.ClosedNotice{
			TradeID:    t.ID,
			Instrument: t.Instrument,
			Reason:     reason,
			Price:      mark,
			Time:       p.Time,
		})
	}

	liquidated, err := e.settleLocked(ctx, p.Time)
	notices = append(notices, liquidated...)
	listener := e.listener
	e.mu.Unlock()

	notify(listener, notices)
	return err
}

func notify(l TradeClosedListener, notices []broker.ClosedNotice) {
	if l == nil {
		return
	}
	for _, n := range notices {
		l.OnTradeClosed(n)
	}
}

// sortedLocked returns trades in id order so runs are reproducible.
func (e *Engine) sortedLocked() []*Trade {
	out := make([]*Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) closeTradeLocked(ctx context.Context, t *Trade, closePrice float64, closeTime time.Time, reason string) error {
	if err := e.realizeLocked(ctx, t, t.Volume, closePrice, closeTime, reason); err != nil {
		return err
	}
	t.ClosePrice = closePrice
	t.CloseTime = closeTime
	t.Open = false
	return nil
}

func (e *Engine) closePartLocked(ctx context.Context, t *Trade, volume, closePrice float64, closeTime time.Time) error {
	if err := e.realizeLocked(ctx, t, volume, closePrice, closeTime, "PartialClose"); err != nil {
		return err
	}
	t.Volume -= volume
	return nil
}

func (e *Engine) realizeLocked(ctx context.Context, t *Trade, volume, closePrice float64, closeTime time.Time, reason string) error {
	rate, err := market.QuoteToAccountRate(ctx, t.Instrument, e.acct.Currency, e.ticks)
	if err != nil {
		return err
	}

	pl := t.UnrealizedPL(volume, closePrice, rate)
	t.RealizedPL += pl
	e.acct.Balance += pl

	step, _ := position.ParseStepTag(t.Comment)
	return e.journal.RecordTrade(journal.TradeRecord{
		TradeID:    t.ID,
		Instrument: t.Instrument,
		Direction:  t.Direction.String(),
		Step:       step,
		Units:      volume,
		EntryPrice: t.EntryPrice,
		ExitPrice:  closePrice,
		OpenTime:   t.OpenTime,
		CloseTime:  closeTime,
		RealizedPL: pl,
		Reason:     reason,
	})
}

// settleLocked revalues, recomputes margin, records equity and liquidates
// while equity is below the margin in use.
func (e *Engine) settleLocked(ctx context.Context, at time.Time) ([]broker.ClosedNotice, error) {
	if err := e.recomputeMarginLocked(ctx); err != nil {
		return nil, err
	}

	err := e.journal.RecordEquity(journal.EquitySnapshot{
		Time:        at,
		Balance:     e.acct.Balance,
		Equity:      e.acct.Equity,
		MarginUsed:  e.acct.MarginUsed,
		FreeMargin:  e.acct.FreeMargin,
		MarginLevel: e.acct.MarginLevel,
	})
	if err != nil {
		return nil, err
	}

	return e.enforceMarginLocked(ctx)
}

func (e *Engine) recomputeMarginLocked(ctx context.Context) error {
	equity := e.acct.Balance
	var used float64

	for _, t := range e.trades {
		if !t.Open {
			continue
		}

		p, err := e.ticks.Get(t.Instrument)
		if err != nil {
			return err
		}

		rate, err := market.QuoteToAccountRate(ctx, t.Instrument, e.acct.Currency, e.ticks)
		if err != nil {
			return err
		}

		equity += t.UnrealizedPL(t.Volume, p.Exit(t.Direction), rate)
		// margin uses mid
		used += TradeMargin(t.Volume, p.Mid(), t.Instrument, rate)
	}

	e.acct.Equity = equity
	e.acct.MarginUsed = used
	e.acct.FreeMargin = equity - used
	if used > 0 {
		e.acct.MarginLevel = equity / used
	} else {
		e.acct.MarginLevel = 0
	}
	return nil
}

func (e *Engine) enforceMarginLocked(ctx context.Context) ([]broker.ClosedNotice, error) {
	var notices []broker.ClosedNotice
	for e.acct.MarginUsed > 0 && e.acct.Equity < e.acct.MarginUsed {
		// Close the worst open trade first.
		var worst *Trade
		var worstPL float64
		for _, t := range e.sortedLocked() {
			if !t.Open {
				continue
			}
			p, _ := e.ticks.Get(t.Instrument)
			rate, _ := market.QuoteToAccountRate(ctx, t.Instrument, e.acct.Currency, e.ticks)
			pl := t.UnrealizedPL(t.Volume, p.Exit(t.Direction), rate)
			if worst == nil || pl < worstPL {
				worst, worstPL = t, pl
			}
		}
		if worst == nil {
			break
		}

		p, _ := e.ticks.Get(worst.Instrument)
		mark := p.Exit(worst.Direction)
		if err := e.closeTradeLocked(ctx, worst, mark, p.Time, broker.ReasonLiquidation); err != nil {
			return notices, err
		}
		notices = append(notices, broker.ClosedNotice{
			TradeID:    worst.ID,
			Instrument: worst.Instrument,
			Reason:     broker.ReasonLiquidation,
			Price:      mark,
			Time:       p.Time,
		})
		if err := e.recomputeMarginLocked(ctx); err != nil {
			return notices, err
		}
	}
	return notices, nil
}
