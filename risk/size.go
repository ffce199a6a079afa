// Package risk converts a stop distance and a risk budget into an
// executable volume.
package risk

import (
	"errors"
	"math"

	"github.com/rustyeddy/pyramid/market"
	"github.com/shopspring/decimal"
)

// ErrBelowMinimum means the sized volume cannot be traded; skip the entry.
var ErrBelowMinimum = errors.New("volume below broker minimum")

type SizeInputs struct {
	Balance     float64
	RiskPercent float64 // percent of balance, 1 = 1%
	StopPips    float64
	PipValue    float64 // account currency per pip per unit

	MinVolume  float64
	VolumeStep float64

	FreeMargin      float64
	MarginPerMinLot float64 // <= 0 disables the margin cap
}

// Size returns the volume to trade for in.
//
// Volume is computed in whole minimum lots so the risk of one lot at the
// stop never exceeds the budget, capped by free margin, then floored to the
// volume step. A degenerate stop (zero risk per lot) trades the minimum.
func Size(in SizeInputs) (float64, error) {
	if in.MinVolume <= 0 {
		return 0, ErrBelowMinimum
	}

	riskAmount := in.Balance * in.RiskPercent / 100
	riskPerMin := in.StopPips * in.PipValue * in.MinVolume

	raw := in.MinVolume
	if riskPerMin > 0 {
		raw = lots(riskAmount/riskPerMin) * in.MinVolume
	}

	capped := raw
	if in.MarginPerMinLot > 0 {
		marginCap := lots(in.FreeMargin/in.MarginPerMinLot) * in.MinVolume
		capped = math.Min(raw, marginCap)
	}

	final := market.InstrumentMeta{VolumeStep: in.VolumeStep}.NormalizeVolume(math.Max(in.MinVolume, capped))
	if final < in.MinVolume {
		return 0, ErrBelowMinimum
	}
	return final, nil
}

// lots floors a lot count, absorbing float noise such as 49.99999999999.
func lots(x float64) float64 {
	return math.Floor(x + 1e-9)
}

// Plan gathers the sizing inputs for an entry on meta with the given stop.
type Plan struct {
	Meta           market.InstrumentMeta
	Entry          float64
	Stop           float64
	RiskPercent    float64
	QuoteToAccount float64
	Balance        float64
	FreeMargin     float64
}

// Inputs derives SizeInputs from the plan.
func (p Plan) Inputs() SizeInputs {
	return SizeInputs{
		Balance:         p.Balance,
		RiskPercent:     p.RiskPercent,
		StopPips:        decimal.NewFromFloat(p.Meta.Pips(math.Abs(p.Entry - p.Stop))).Round(6).InexactFloat64(),
		PipValue:        p.Meta.PipValue(p.QuoteToAccount),
		MinVolume:       p.Meta.MinimumTradeSize,
		VolumeStep:      p.Meta.VolumeStep,
		FreeMargin:      p.FreeMargin,
		MarginPerMinLot: p.Meta.MarginFor(p.Meta.MinimumTradeSize, p.Entry, p.QuoteToAccount),
	}
}
