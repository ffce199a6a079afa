package backtest

import (
	"github.com/rustyeddy/pyramid/indicators"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/signal"
)

// SnapshotBuilder streams closed candles of one timeframe through its
// indicator profile and the higher-timeframe trend EMA and produces the
// signal snapshot as of each close.
type SnapshotBuilder struct {
	tf      market.Timeframe
	profile indicators.Profile
	set     *indicators.Set

	higher      *Aggregator
	higherEMA   *indicators.ExponentialMA
	higherClose float64

	lookback []signal.Bar
	size     int
	bars     int
}

// NewSnapshotBuilder keeps the most recent lookback bars for pullback
// detection.
func NewSnapshotBuilder(tf market.Timeframe, lookback int) *SnapshotBuilder {
	profile, _ := indicators.ProfileFor(tf)
	next, _ := tf.Next()
	if lookback < 1 {
		lookback = 1
	}
	return &SnapshotBuilder{
		tf:        tf,
		profile:   profile,
		set:       profile.NewSet(),
		higher:    NewAggregator(next),
		higherEMA: indicators.NewEMA(indicators.HigherTfEmaPeriod),
		size:      lookback,
	}
}

// Warmup is the number of traded-timeframe bars needed before the first
// snapshot, counting the higher-timeframe EMA.
func (b *SnapshotBuilder) Warmup() int {
	ratio := int(b.higher.Timeframe() / b.tf)
	if ratio < 1 {
		ratio = 1
	}
	return max(b.profile.Warmup(), (indicators.HigherTfEmaPeriod+1)*ratio)
}

func (b *SnapshotBuilder) Bars() int {
	return b.bars
}

// Add feeds one closed candle and reports whether every indicator is ready.
func (b *SnapshotBuilder) Add(c market.Candle) (signal.Snapshot, bool) {
	b.bars++
	b.set.Update(c)

	if hb, ok := b.higher.Add(c); ok {
		b.higherEMA.Update(hb)
		b.higherClose = hb.Close
	}

	bar := signal.Bar{High: c.High, Low: c.Low, ShortMA: b.set.Short.Value()}
	b.lookback = append([]signal.Bar{bar}, b.lookback...)
	if len(b.lookback) > b.size {
		b.lookback = b.lookback[:b.size]
	}

	if !b.set.Ready() || !b.higherEMA.Ready() {
		return signal.Snapshot{}, false
	}

	lb := make([]signal.Bar, len(b.lookback))
	copy(lb, b.lookback)
	return signal.Snapshot{
		Close:       c.Close,
		ShortMA:     b.set.Short.Value(),
		PrevShortMA: b.set.Short.Previous(),
		MidMA:       b.set.Mid.Value(),
		LongMA:      b.set.Long.Value(),
		HigherClose: b.higherClose,
		HigherMA:    b.higherEMA.Value(),
		RSI:         b.set.RSI.Value(),
		MACDHist:    b.set.MACD.Value(),
		ATR:         b.set.ATR.Value(),
		Lookback:    lb,
	}, true
}
