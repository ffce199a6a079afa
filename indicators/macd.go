package indicators

import (
	"fmt"

	"github.com/rustyeddy/pyramid/market"
)

// MACD tracks the MACD line (fast EMA - slow EMA), its signal EMA and the
// histogram (MACD - signal). Value returns the histogram.
type MACD struct {
	fast, slow, signalPeriod int

	fastEMA *ExponentialMA
	slowEMA *ExponentialMA
	signal  *ExponentialMA
	line    float64
}

func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:         fast,
		slow:         slow,
		signalPeriod: signal,
		fastEMA:      NewEMA(fast),
		slowEMA:      NewEMA(slow),
		signal:       NewEMA(signal),
	}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD(%d,%d,%d)", m.fast, m.slow, m.signalPeriod)
}

func (m *MACD) Warmup() int {
	return m.slow + m.signalPeriod - 1
}

func (m *MACD) Reset() {
	m.fastEMA.Reset()
	m.slowEMA.Reset()
	m.signal.Reset()
	m.line = 0
}

func (m *MACD) Update(c market.Candle) {
	m.fastEMA.Update(c)
	m.slowEMA.Update(c)
	if !m.fastEMA.Ready() || !m.slowEMA.Ready() {
		return
	}
	m.line = m.fastEMA.Value() - m.slowEMA.Value()
	m.signal.UpdateValue(m.line)
}

func (m *MACD) Ready() bool {
	return m.signal.Ready()
}

// Line is the MACD line.
func (m *MACD) Line() float64 {
	return m.line
}

// Signal is the signal line.
func (m *MACD) Signal() float64 {
	return m.signal.Value()
}

// Value returns the histogram.
func (m *MACD) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.line - m.signal.Value()
}
