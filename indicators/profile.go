package indicators

import "github.com/rustyeddy/pyramid/market"

// HigherTfEmaPeriod is the trend EMA period used on the higher timeframe.
const HigherTfEmaPeriod = 50

// Profile holds the indicator periods used on one timeframe.
type Profile struct {
	EmaShort   int
	EmaMid     int
	EmaLong    int
	Rsi        int
	Atr        int
	MacdFast   int
	MacdSlow   int
	MacdSignal int
}

var dailyProfile = Profile{21, 50, 200, 21, 14, 12, 26, 9}

var profiles = map[market.Timeframe]Profile{
	market.M1:  {200, 500, 1200, 14, 14, 12, 26, 9},
	market.M5:  {100, 200, 500, 14, 14, 12, 26, 9},
	market.M15: {50, 100, 200, 14, 14, 12, 26, 9},
	market.M30: {40, 80, 200, 14, 14, 12, 26, 9},
	market.H1:  {21, 50, 200, 14, 14, 12, 26, 9},
	market.H4:  {21, 50, 200, 21, 14, 12, 26, 9},
	market.D1:  dailyProfile,
	market.W1:  {10, 20, 50, 14, 10, 8, 17, 9},
	market.MN1: {6, 12, 24, 14, 6, 6, 12, 6},
}

// ProfileFor returns the profile for tf. Unknown timeframes get the daily
// profile and false.
func ProfileFor(tf market.Timeframe) (Profile, bool) {
	p, ok := profiles[tf]
	if !ok {
		return dailyProfile, false
	}
	return p, true
}

// Warmup is the number of closed bars needed before every indicator of the
// profile is ready.
func (p Profile) Warmup() int {
	w := p.EmaLong
	for _, n := range []int{p.EmaMid, p.EmaShort, p.Rsi + 1, p.Atr + 1, p.MacdSlow + p.MacdSignal - 1} {
		if n > w {
			w = n
		}
	}
	return w
}

// Set is the bundle of streaming indicators a profile describes.
type Set struct {
	Short *ExponentialMA
	Mid   *ExponentialMA
	Long  *ExponentialMA
	RSI   *RSI
	ATR   *ATR
	MACD  *MACD
}

func (p Profile) NewSet() *Set {
	return &Set{
		Short: NewEMA(p.EmaShort),
		Mid:   NewEMA(p.EmaMid),
		Long:  NewEMA(p.EmaLong),
		RSI:   NewRSI(p.Rsi),
		ATR:   NewATR(p.Atr),
		MACD:  NewMACD(p.MacdFast, p.MacdSlow, p.MacdSignal),
	}
}

func (s *Set) all() []Indicator {
	return []Indicator{s.Short, s.Mid, s.Long, s.RSI, s.ATR, s.MACD}
}

func (s *Set) Update(c market.Candle) {
	for _, ind := range s.all() {
		ind.Update(c)
	}
}

func (s *Set) Ready() bool {
	for _, ind := range s.all() {
		if !ind.Ready() {
			return false
		}
	}
	return true
}

func (s *Set) Reset() {
	for _, ind := range s.all() {
		ind.Reset()
	}
}
