package risk

import (
	"testing"

	"github.com/rustyeddy/pyramid/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInputs() SizeInputs {
	return SizeInputs{
		Balance:     10000,
		RiskPercent: 1,
		StopPips:    20,
		PipValue:    0.001, // 1 per pip per 1000 units
		MinVolume:   1000,
		VolumeStep:  1000,
	}
}

func TestSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(in *SizeInputs)
		want    float64
		wantErr error
	}{
		{
			// 100 at risk, 20 per min lot: 5 lots
			name:   "risk budget",
			mutate: func(in *SizeInputs) {},
			want:   5000,
		},
		{
			name: "margin capped",
			mutate: func(in *SizeInputs) {
				in.FreeMargin = 70
				in.MarginPerMinLot = 22
			},
			want: 3000,
		},
		{
			name: "margin cap ignored when per-lot margin unknown",
			mutate: func(in *SizeInputs) {
				in.FreeMargin = 0
				in.MarginPerMinLot = 0
			},
			want: 5000,
		},
		{
			name:   "budget smaller than one lot trades the minimum",
			mutate: func(in *SizeInputs) { in.RiskPercent = 0.1 },
			want:   1000,
		},
		{
			name:   "degenerate stop falls back to minimum",
			mutate: func(in *SizeInputs) { in.StopPips = 0 },
			want:   1000,
		},
		{
			name: "volume step floors the result",
			mutate: func(in *SizeInputs) {
				in.MinVolume = 100
				in.VolumeStep = 1000
				in.PipValue = 0.01
			},
			// 100 / (20*0.01*100) = 5 lots of 100 = 500, floored to 0
			wantErr: ErrBelowMinimum,
		},
		{
			name:    "no minimum",
			mutate:  func(in *SizeInputs) { in.MinVolume = 0 },
			wantErr: ErrBelowMinimum,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := baseInputs()
			tt.mutate(&in)
			got, err := Size(in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSizeMonotonicInRisk(t *testing.T) {
	t.Parallel()

	in := baseInputs()
	in.FreeMargin = 1000
	in.MarginPerMinLot = 22

	prev := 0.0
	for pct := 0.1; pct <= 10; pct += 0.1 {
		in.RiskPercent = pct
		got, err := Size(in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev, "risk %.1f%%", pct)
		prev = got
	}
	// 1000/22 = 45 lots
	assert.Equal(t, 45000.0, prev)
}

func TestPlanInputs(t *testing.T) {
	t.Parallel()

	p := Plan{
		Meta:           market.Instruments["EUR_USD"],
		Entry:          1.1000,
		Stop:           1.0980,
		RiskPercent:    1,
		QuoteToAccount: 1,
		Balance:        10000,
		FreeMargin:     10000,
	}
	in := p.Inputs()
	assert.InDelta(t, 20, in.StopPips, 1e-6)
	assert.InDelta(t, 0.0001, in.PipValue, 1e-12)
	assert.InDelta(t, 22, in.MarginPerMinLot, 1e-9)

	got, err := Size(in)
	require.NoError(t, err)
	// 100 / (20 * 0.0001 * 1000) = 50 lots
	assert.Equal(t, 50000.0, got)
}

func TestPlannedRiskAndRR(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 100.0, PlannedRisk(10000, 1.2000, 1.1900, 1), 1e-9)
	assert.InDelta(t, 100.0, PlannedRisk(-10000, 1.1900, 1.2000, 1), 1e-9)
	assert.InDelta(t, 2.5, RR(1.1000, 1.0980, 1.1050), 1e-9)
	assert.Equal(t, 0.0, RR(1.1, 1.1, 1.2))
	assert.Equal(t, 0.0, RR(1.1, 1.0, 0))
	assert.InDelta(t, 1.0, RiskPct(100, 10000), 1e-9)
}
