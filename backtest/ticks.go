package backtest

import (
	"time"

	"github.com/rustyeddy/pyramid/market"
)

// PathTicks expands a candle into the four quotes it is assumed to have
// traded through: O→L→H→C for a bullish bar and O→H→L→C for a bearish one.
// Candle prices are bids; the ask is bid + spread. Quotes are spaced evenly
// inside the bar and the close lands one tick before the next bar opens.
func PathTicks(c market.Candle, tf market.Timeframe, spread float64) []market.Tick {
	path := [4]float64{c.Open, c.High, c.Low, c.Close}
	if c.Bullish() {
		path = [4]float64{c.Open, c.Low, c.High, c.Close}
	}

	step := tf.Duration() / 4
	if step <= 0 {
		step = time.Second
	}
	out := make([]market.Tick, len(path))
	for i, px := range path {
		at := c.Time.Add(time.Duration(i) * step)
		if i == len(path)-1 {
			at = c.Time.Add(tf.Duration() - time.Nanosecond)
		}
		out[i] = market.Tick{
			Instrument: c.Instrument,
			Time:       at,
			Bid:        px,
			Ask:        px + spread,
		}
	}
	return out
}
