package indicators

import (
	"testing"
	"time"

	"github.com/rustyeddy/pyramid/market"
	"github.com/stretchr/testify/assert"
)

func closes(vals ...float64) []market.Candle {
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(vals))
	for i, v := range vals {
		out[i] = market.Candle{Open: v, High: v + 1, Low: v - 1, Close: v, Time: baseTime.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

func TestExponentialMAStreaming(t *testing.T) {
	candles := closes(102, 105, 106, 108, 110, 111)

	t.Run("seeded with SMA", func(t *testing.T) {
		ema := NewEMA(3)
		assert.Equal(t, "EMA(3)", ema.Name())
		for _, c := range candles[:3] {
			ema.Update(c)
		}
		assert.True(t, ema.Ready())
		assert.InDelta(t, (102.0+105.0+106.0)/3.0, ema.Value(), 1e-9)
		assert.InDelta(t, ema.Value(), ema.Previous(), 1e-9)
	})

	t.Run("previous tracks slope", func(t *testing.T) {
		ema := NewEMA(3)
		for _, c := range candles[:4] {
			ema.Update(c)
		}
		seed := (102.0 + 105.0 + 106.0) / 3.0
		assert.InDelta(t, seed, ema.Previous(), 1e-9)
		assert.InDelta(t, (108-seed)*0.5+seed, ema.Value(), 1e-9)
	})

	t.Run("full series", func(t *testing.T) {
		ema := NewEMA(3)
		for _, c := range candles {
			ema.Update(c)
		}
		want := (102.0 + 105.0 + 106.0) / 3.0
		for _, v := range []float64{108, 110, 111} {
			want = (v-want)*0.5 + want
		}
		assert.InDelta(t, want, ema.Value(), 1e-9)
	})
}

func TestATRStreaming(t *testing.T) {
	candles := closes(100, 101, 103, 102, 104, 107, 106)

	atr := NewATR(3)
	assert.Equal(t, "ATR(3)", atr.Name())
	assert.Equal(t, 4, atr.Warmup())

	for i, c := range candles {
		atr.Update(c)
		assert.Equal(t, i+1 >= atr.Warmup(), atr.Ready(), "bar %d", i)
	}

	// True ranges 2,3,2,3,4,2: seed 7/3, then Wilder smoothing.
	assert.InDelta(t, 218.0/81.0, atr.Value(), 1e-9)

	atr.Reset()
	assert.False(t, atr.Ready())
	assert.Equal(t, 0.0, atr.Value())
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	prev := market.Candle{Close: 100}
	gapUp := market.Candle{High: 106, Low: 104}
	assert.InDelta(t, 6.0, trueRange(gapUp, prev), 1e-9)

	inside := market.Candle{High: 101, Low: 99}
	assert.InDelta(t, 2.0, trueRange(inside, prev), 1e-9)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		check  func(t *testing.T, v float64)
	}{
		{
			name:   "only gains",
			closes: []float64{1, 2, 3, 4, 5},
			check:  func(t *testing.T, v float64) { assert.Equal(t, 100.0, v) },
		},
		{
			name:   "only losses",
			closes: []float64{5, 4, 3, 2, 1},
			check:  func(t *testing.T, v float64) { assert.Equal(t, 0.0, v) },
		},
		{
			name:   "flat",
			closes: []float64{3, 3, 3, 3, 3},
			check:  func(t *testing.T, v float64) { assert.Equal(t, 50.0, v) },
		},
		{
			name:   "balanced",
			closes: []float64{1, 2, 1, 2, 1},
			check:  func(t *testing.T, v float64) { assert.InDelta(t, 50.0, v, 1e-9) },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRSI(4)
			for _, c := range closes(tt.closes...) {
				r.Update(c)
			}
			assert.True(t, r.Ready())
			tt.check(t, r.Value())
		})
	}
}

func TestMACDHistogramSign(t *testing.T) {
	m := NewMACD(3, 6, 3)
	assert.Equal(t, "MACD(3,6,3)", m.Name())
	assert.Equal(t, 8, m.Warmup())

	// Flat then accelerating rally: fast EMA pulls away and the histogram turns positive.
	vals := []float64{10, 10, 10, 10, 10, 10, 10, 10, 11, 13, 16, 20}
	for i, c := range closes(vals...) {
		m.Update(c)
		if i+1 < m.Warmup() {
			assert.False(t, m.Ready())
		}
	}
	assert.True(t, m.Ready())
	assert.Greater(t, m.Line(), 0.0)
	assert.Greater(t, m.Value(), 0.0)

	m.Reset()
	assert.False(t, m.Ready())
	assert.Equal(t, 0.0, m.Value())
}
