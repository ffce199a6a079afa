// Package signal turns a snapshot of price and indicator readings into a
// directional bias and entry eligibility. Everything here is pure.
package signal

import (
	"fmt"
	"math"

	"github.com/rustyeddy/pyramid/market"
)

type Bias int8

const (
	Neutral Bias = iota
	Bullish
	Bearish
)

func (b Bias) String() string {
	switch b {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// Direction maps a bias to the trade side it favours.
func (b Bias) Direction() (market.Direction, bool) {
	switch b {
	case Bullish:
		return market.Long, true
	case Bearish:
		return market.Short, true
	}
	return 0, false
}

// Bar is one lookback bar used for pullback detection.
type Bar struct {
	High    float64
	Low     float64
	ShortMA float64
}

// Snapshot is the state of one instrument as of the latest closed bar.
type Snapshot struct {
	Close       float64
	ShortMA     float64
	PrevShortMA float64
	MidMA       float64
	LongMA      float64

	HigherClose float64
	HigherMA    float64

	RSI      float64
	MACDHist float64
	ATR      float64

	// Lookback holds the most recent bars, newest first.
	Lookback []Bar
}

// Thresholds parameterise Evaluate.
type Thresholds struct {
	StrongLongRSI  float64 // RSI above which a long continuation is strong
	StrongShortRSI float64 // RSI below which a short continuation is strong
	MidRSI         float64

	BandPct      float64 // pullback band as a fraction of the short MA
	BandATR      float64 // pullback band as a fraction of ATR
	Displacement float64 // strong continuation distance as a fraction of close

	PullbackBars int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StrongLongRSI:  60,
		StrongShortRSI: 40,
		MidRSI:         50,
		BandPct:        0.002,
		BandATR:        0.3,
		Displacement:   0.003,
		PullbackBars:   3,
	}
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	Bias       Bias
	HigherBias Bias

	PullbackTouch      bool
	StrongContinuation bool
	MomentumOK         bool

	rsi  float64
	hist float64
	mid  float64
}

// Evaluate classifies the snapshot. Pullback and continuation flags are
// computed for the side the traded-timeframe bias points to.
func Evaluate(s Snapshot, th Thresholds) Evaluation {
	ev := Evaluation{
		Bias:       trendBias(s),
		HigherBias: higherBias(s),
		rsi:        s.RSI,
		hist:       s.MACDHist,
		mid:        th.MidRSI,
	}

	dir, ok := ev.Bias.Direction()
	if !ok {
		return ev
	}

	ev.PullbackTouch = pullbackTouch(s, th, dir)
	ev.MomentumOK = momentum(s.RSI, s.MACDHist, th.MidRSI, dir)

	switch dir {
	case market.Long:
		ev.StrongContinuation = s.RSI > th.StrongLongRSI && s.MACDHist > 0 &&
			s.Close >= s.ShortMA+s.Close*th.Displacement
	case market.Short:
		ev.StrongContinuation = s.RSI < th.StrongShortRSI && s.MACDHist < 0 &&
			s.Close <= s.ShortMA-s.Close*th.Displacement
	}
	return ev
}

// Band is the pullback tolerance around the short MA.
func Band(s Snapshot, th Thresholds) float64 {
	return math.Max(s.ShortMA*th.BandPct, s.ATR*th.BandATR) + math.Abs(s.ShortMA-s.PrevShortMA)
}

func trendBias(s Snapshot) Bias {
	switch {
	case s.Close > s.MidMA && s.Close > s.LongMA:
		return Bullish
	case s.Close < s.MidMA && s.Close < s.LongMA:
		return Bearish
	}
	return Neutral
}

func higherBias(s Snapshot) Bias {
	switch {
	case s.HigherClose > s.HigherMA:
		return Bullish
	case s.HigherClose < s.HigherMA:
		return Bearish
	}
	return Neutral
}

func pullbackTouch(s Snapshot, th Thresholds, dir market.Direction) bool {
	band := Band(s, th)
	n := th.PullbackBars
	if n > len(s.Lookback) {
		n = len(s.Lookback)
	}
	for _, b := range s.Lookback[:n] {
		if dir == market.Long && b.Low <= b.ShortMA+band {
			return true
		}
		if dir == market.Short && b.High >= b.ShortMA-band {
			return true
		}
	}
	return false
}

func momentum(rsi, hist, mid float64, dir market.Direction) bool {
	if dir == market.Long {
		return rsi > mid && hist > 0
	}
	return rsi < mid && hist < 0
}

// Aligned reports whether both timeframes agree.
func (e Evaluation) Aligned() bool {
	return e.Bias != Neutral && e.Bias == e.HigherBias
}

// Entry returns the side to enter, if any.
func (e Evaluation) Entry() (market.Direction, bool) {
	if !e.Aligned() {
		return 0, false
	}
	dir, _ := e.Bias.Direction()
	if e.StrongContinuation || (e.PullbackTouch && e.MomentumOK) {
		return dir, true
	}
	return 0, false
}

// Strong reports whether an entry would come from strong continuation
// rather than a pullback.
func (e Evaluation) Strong() bool {
	return e.Aligned() && e.StrongContinuation
}

// ReversalAgainst reports whether an open position on side d should be
// closed: the trend has flipped and momentum confirms it.
func (e Evaluation) ReversalAgainst(d market.Direction) bool {
	switch d {
	case market.Long:
		return e.Bias == Bearish && e.rsi < e.mid && e.hist < 0
	case market.Short:
		return e.Bias == Bullish && e.rsi > e.mid && e.hist > 0
	}
	return false
}

func check(b bool) string {
	if b {
		return "x"
	}
	return " "
}

// Conditions renders the per-side checklist logged on every bar.
func (e Evaluation) Conditions(d market.Direction) string {
	want, rsiOK, histOK := Bullish, e.rsi > e.mid, e.hist > 0
	if d == market.Short {
		want, rsiOK, histOK = Bearish, e.rsi < e.mid, e.hist < 0
	}
	return fmt.Sprintf("[%s] CTF [%s] HTF [%s] pullback [%s] RSI(%.1f) [%s] MACD(%.5f)",
		check(e.Bias == want), check(e.HigherBias == want),
		check(e.PullbackTouch && e.Bias == want),
		check(rsiOK), e.rsi, check(histOK), e.hist)
}
