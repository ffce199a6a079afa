// market/instruments.go
package market

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// InstrumentMeta carries the broker-side trading rules for one symbol.
//
// Volumes are in units of the base currency (EUR_USD 1000 = one micro lot).
type InstrumentMeta struct {
	Name                string
	BaseCurrency        string
	QuoteCurrency       string
	PipLocation         int
	TickSize            float64
	TradeUnitsPrecision int
	MinimumTradeSize    float64
	VolumeStep          float64
	MinStopDistancePips float64
	MarginRate          float64
}

var Instruments = map[string]InstrumentMeta{
	"EUR_USD": {
		Name:                "EUR_USD",
		BaseCurrency:        "EUR",
		QuoteCurrency:       "USD",
		PipLocation:         -4,
		TickSize:            0.00001,
		TradeUnitsPrecision: 0,
		MinimumTradeSize:    1000,
		VolumeStep:          1000,
		MinStopDistancePips: 0.5,
		MarginRate:          0.02,
	},
	"GBP_USD": {
		Name:                "GBP_USD",
		BaseCurrency:        "GBP",
		QuoteCurrency:       "USD",
		PipLocation:         -4,
		TickSize:            0.00001,
		TradeUnitsPrecision: 0,
		MinimumTradeSize:    1000,
		VolumeStep:          1000,
		MinStopDistancePips: 0.5,
		MarginRate:          0.05,
	},
	"USD_JPY": {
		Name:                "USD_JPY",
		BaseCurrency:        "USD",
		QuoteCurrency:       "JPY",
		PipLocation:         -2,
		TickSize:            0.001,
		TradeUnitsPrecision: 0,
		MinimumTradeSize:    1000,
		VolumeStep:          1000,
		MinStopDistancePips: 0.5,
		MarginRate:          0.02,
	},
}

// Lookup returns the metadata for instrument.
func Lookup(instrument string) (InstrumentMeta, error) {
	meta, ok := Instruments[instrument]
	if !ok {
		return InstrumentMeta{}, fmt.Errorf("unknown instrument %s", instrument)
	}
	return meta, nil
}

// PipSize returns the price size of one pip, 0.0001 for EUR_USD.
func (m InstrumentMeta) PipSize() float64 {
	return math.Pow(10, float64(m.PipLocation))
}

// Pips converts a price distance into pips.
func (m InstrumentMeta) Pips(distance float64) float64 {
	return distance / m.PipSize()
}

// PipsToPrice converts a pip count into a price distance.
func (m InstrumentMeta) PipsToPrice(pips float64) float64 {
	return pips * m.PipSize()
}

// MinStopDistance is the smallest stop move the broker accepts, in price.
func (m InstrumentMeta) MinStopDistance() float64 {
	return m.PipsToPrice(m.MinStopDistancePips)
}

// RoundToTick rounds price to the nearest multiple of TickSize.
// Decimal arithmetic keeps 1.10005 from becoming 1.1000499999.
func (m InstrumentMeta) RoundToTick(price float64) float64 {
	if m.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(m.TickSize)
	p := decimal.NewFromFloat(price)
	v, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return v
}

// NormalizeVolume floors volume down to a whole VolumeStep.
func (m InstrumentMeta) NormalizeVolume(volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	if m.VolumeStep <= 0 {
		return volume
	}
	step := decimal.NewFromFloat(m.VolumeStep)
	v := decimal.NewFromFloat(volume)
	out, _ := v.Div(step).Floor().Mul(step).Float64()
	return out
}

// PipValue is the account-currency value of one pip for one unit of volume.
func (m InstrumentMeta) PipValue(quoteToAccount float64) float64 {
	return m.PipSize() * quoteToAccount
}

// MarginFor estimates the margin needed to hold volume at price.
func (m InstrumentMeta) MarginFor(volume, price, quoteToAccount float64) float64 {
	return math.Abs(volume) * price * quoteToAccount * m.MarginRate
}
