package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		loc  int
		want float64
	}{
		{"zero", 0, 1},
		{"negative2", -2, 0.01},
		{"positive1", 1, 10},
		{"negative4", -4, 0.0001},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := InstrumentMeta{PipLocation: tt.loc}
			assert.InDelta(t, tt.want, m.PipSize(), 1e-12)
		})
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()

	eur := Instruments["EUR_USD"]
	jpy := Instruments["USD_JPY"]

	tests := []struct {
		name string
		meta InstrumentMeta
		in   float64
		want float64
	}{
		{"exact", eur, 1.10005, 1.10005},
		{"round down", eur, 1.100054, 1.10005},
		{"round up", eur, 1.100056, 1.10006},
		{"jpy", jpy, 150.1234, 150.123},
		{"no tick size", InstrumentMeta{}, 1.23456789, 1.23456789},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.meta.RoundToTick(tt.in))
		})
	}
}

func TestNormalizeVolume(t *testing.T) {
	t.Parallel()

	eur := Instruments["EUR_USD"]
	assert.Equal(t, 5000.0, eur.NormalizeVolume(5999))
	assert.Equal(t, 1000.0, eur.NormalizeVolume(1000))
	assert.Equal(t, 0.0, eur.NormalizeVolume(999))
	assert.Equal(t, 0.0, eur.NormalizeVolume(-10))
	assert.Equal(t, 1234.5, InstrumentMeta{}.NormalizeVolume(1234.5))
}

func TestMarginAndPipValue(t *testing.T) {
	t.Parallel()

	eur := Instruments["EUR_USD"]
	assert.InDelta(t, 0.0001, eur.PipValue(1), 1e-12)
	assert.InDelta(t, 22.0, eur.MarginFor(1000, 1.1, 1), 1e-9)
	assert.InDelta(t, 22.0, eur.MarginFor(-1000, 1.1, 1), 1e-9)
	assert.InDelta(t, 0.00005, eur.MinStopDistance(), 1e-12)
}

func TestDirection(t *testing.T) {
	t.Parallel()

	assert.True(t, Long.Improves(1.2, 1.1))
	assert.False(t, Long.Improves(1.1, 1.1))
	assert.True(t, Short.Improves(1.0, 1.1))
	assert.True(t, Long.Beyond(1.2, 1.2))
	assert.False(t, Short.Beyond(1.21, 1.2))
	assert.Equal(t, Short, Long.Opposite())
	assert.Equal(t, "long", Long.String())

	d, err := ParseDirection("SELL")
	require.NoError(t, err)
	assert.Equal(t, Short, d)
	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestTickSides(t *testing.T) {
	t.Parallel()

	tk := Tick{Bid: 1.1000, Ask: 1.1002}
	assert.Equal(t, 1.1000, tk.Exit(Long))
	assert.Equal(t, 1.1002, tk.Exit(Short))
	assert.Equal(t, 1.1002, tk.Entry(Long))
	assert.Equal(t, 1.1000, tk.Entry(Short))
	assert.InDelta(t, 0.0002, tk.Spread(), 1e-12)
}

func TestTimeframe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Timeframe
		next Timeframe
		ok   bool
	}{
		{"M1", M1, M5, true},
		{"h1", H1, H4, true},
		{"D1", D1, W1, true},
		{"W1", W1, MN1, true},
		{"MN1", MN1, W1, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			tf, err := ParseTimeframe(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tf)
			next, ok := tf.Next()
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.ok, ok)
		})
	}

	_, err := ParseTimeframe("H2")
	assert.Error(t, err)

	next, ok := Timeframe(7200).Next()
	assert.False(t, ok)
	assert.Equal(t, W1, next)
	assert.False(t, Timeframe(7200).Supported())
	assert.Equal(t, "H4", H4.String())

	ts := time.Date(2024, 3, 5, 13, 47, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), H4.Bucket(ts))
}
