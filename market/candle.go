package market

import "time"

// Candle represents OHLC (Open, High, Low, Close) candlestick data
type Candle struct {
	Instrument string
	Time       time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume float64
}

// Bullish reports whether the bar closed above its open.
func (c Candle) Bullish() bool {
	return c.Close >= c.Open
}

// Extreme returns the bar's favourable extreme for side d: the high for
// Long and the low for Short.
func (c Candle) Extreme(d Direction) float64 {
	if d == Short {
		return c.Low
	}
	return c.High
}
