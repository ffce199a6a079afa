package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/pyramid/market"
)

var t0 = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func hour(i int, o, h, l, c float64) market.Candle {
	return market.Candle{Instrument: "EUR_USD", Time: t0.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c, Volume: 10}
}

func TestAggregator(t *testing.T) {
	t.Parallel()

	a := NewAggregator(market.H4)
	assert.Equal(t, market.H4, a.Timeframe())

	in := []market.Candle{
		hour(0, 1.10, 1.12, 1.09, 1.11),
		hour(1, 1.11, 1.15, 1.10, 1.14),
		hour(2, 1.14, 1.14, 1.08, 1.09),
		hour(3, 1.09, 1.10, 1.085, 1.095),
	}
	for _, c := range in {
		_, ok := a.Add(c)
		assert.False(t, ok, "bucket still open")
	}

	bar, ok := a.Add(hour(4, 1.095, 1.1, 1.09, 1.1))
	require.True(t, ok)
	assert.Equal(t, market.Candle{
		Instrument: "EUR_USD",
		Time:       t0,
		Open:       1.10,
		High:       1.15,
		Low:        1.08,
		Close:      1.095,
		Volume:     40,
	}, bar)

	// Late data is ignored.
	_, ok = a.Add(hour(3, 1.0, 2.0, 0.5, 1.0))
	assert.False(t, ok)

	last, ok := a.Flush()
	require.True(t, ok)
	assert.Equal(t, t0.Add(4*time.Hour), last.Time)
	assert.Equal(t, 1.1, last.Close)

	_, ok = a.Flush()
	assert.False(t, ok)
}

func TestPathTicks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bar  market.Candle
		want []float64
	}{
		{"bullish visits low first", hour(0, 1.10, 1.12, 1.09, 1.11), []float64{1.10, 1.09, 1.12, 1.11}},
		{"bearish visits high first", hour(0, 1.11, 1.12, 1.09, 1.10), []float64{1.11, 1.12, 1.09, 1.10}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ticks := PathTicks(tt.bar, market.H1, 0.0002)
			require.Len(t, ticks, 4)
			for i, tk := range ticks {
				assert.Equal(t, tt.want[i], tk.Bid)
				assert.InDelta(t, tt.want[i]+0.0002, tk.Ask, 1e-12)
				assert.Equal(t, "EUR_USD", tk.Instrument)
				if i > 0 {
					assert.True(t, tk.Time.After(ticks[i-1].Time))
				}
			}
			assert.Equal(t, t0, ticks[0].Time)
			assert.True(t, ticks[3].Time.Before(t0.Add(time.Hour)))
		})
	}
}
