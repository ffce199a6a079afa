package backtest

import (
	"time"

	"github.com/rustyeddy/pyramid/market"
)

// Aggregator folds candles of a lower timeframe into bars of tf. A bar is
// emitted once the first candle of the following bucket arrives.
type Aggregator struct {
	tf      market.Timeframe
	cur     market.Candle
	started bool
}

func NewAggregator(tf market.Timeframe) *Aggregator {
	return &Aggregator{tf: tf}
}

func (a *Aggregator) Timeframe() market.Timeframe {
	return a.tf
}

// Add folds c in and returns the bar it closed, if any.
func (a *Aggregator) Add(c market.Candle) (market.Candle, bool) {
	bucket := a.tf.Bucket(c.Time)
	if !a.started {
		a.open(bucket, c)
		return market.Candle{}, false
	}
	if bucket.Equal(a.cur.Time) {
		a.cur.High = max(a.cur.High, c.High)
		a.cur.Low = min(a.cur.Low, c.Low)
		a.cur.Close = c.Close
		a.cur.Volume += c.Volume
		return market.Candle{}, false
	}
	if bucket.Before(a.cur.Time) {
		// out of order; ignore
		return market.Candle{}, false
	}
	done := a.cur
	a.open(bucket, c)
	return done, true
}

// Flush returns the bar in progress.
func (a *Aggregator) Flush() (market.Candle, bool) {
	if !a.started {
		return market.Candle{}, false
	}
	a.started = false
	return a.cur, true
}

func (a *Aggregator) open(bucket time.Time, c market.Candle) {
	a.cur = market.Candle{
		Instrument: c.Instrument,
		Time:       bucket,
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Close:      c.Close,
		Volume:     c.Volume,
	}
	a.started = true
}
