package backtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/strategy"
)

// uptrend builds n H1 candles on an accelerating rise with a 2 pip wick
// on each side of the body.
func uptrend(n int) []market.Candle {
	price := func(i int) float64 {
		x := float64(i)
		return 1.1 + 0.00002*x + 0.0000002*x*x
	}
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		o, c := price(i), price(i+1)
		out[i] = market.Candle{
			Instrument: "EUR_USD",
			Time:       t0.Add(time.Duration(i) * time.Hour),
			Open:       o,
			High:       c + 0.0002,
			Low:        o - 0.0002,
			Close:      c,
		}
	}
	return out
}

type memJournal struct {
	journal.Nop
	trades []journal.TradeRecord
	steps  []journal.StepEvent
}

func (m *memJournal) RecordTrade(t journal.TradeRecord) error {
	m.trades = append(m.trades, t)
	return nil
}

func (m *memJournal) RecordStep(s journal.StepEvent) error {
	m.steps = append(m.steps, s)
	return nil
}

func TestSnapshotBuilderWarmup(t *testing.T) {
	t.Parallel()

	b := NewSnapshotBuilder(market.H1, 3)
	assert.Equal(t, 204, b.Warmup())

	bars := uptrend(260)
	first := -1
	var snap bool
	for i, c := range bars {
		s, ready := b.Add(c)
		if ready && first < 0 {
			first = i
			snap = true
			assert.Len(t, s.Lookback, 3)
			assert.Equal(t, c.High, s.Lookback[0].High)
			assert.Greater(t, s.Close, s.MidMA)
			assert.Greater(t, s.MidMA, s.LongMA)
			assert.Greater(t, s.HigherClose, s.HigherMA)
			assert.Greater(t, s.ATR, 0.0)
			assert.Greater(t, s.MACDHist, 0.0)
		}
	}
	require.True(t, snap)
	assert.LessOrEqual(t, first+1, b.Warmup())
	assert.Equal(t, 260, b.Bars())
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	acct := broker.Account{ID: "SIM", Currency: "USD", Balance: 100000}
	eur := strategy.DefaultConfig("EUR_USD")

	tests := []struct {
		name string
		opts Options
	}{
		{"no instruments", Options{Account: acct, Timeframe: market.H1}},
		{"bad timeframe", Options{Account: acct, Timeframe: market.Timeframe(7200), Strategies: []strategy.Config{eur}}},
		{"no balance", Options{Timeframe: market.H1, Strategies: []strategy.Config{eur}}},
		{"duplicate instrument", Options{Account: acct, Timeframe: market.H1, Strategies: []strategy.Config{eur, eur}}},
		{"unknown instrument", Options{Account: acct, Timeframe: market.H1, Strategies: []strategy.Config{strategy.DefaultConfig("XXX_YYY")}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSession(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestSessionRun(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	s, err := NewSession(Options{
		Account:    broker.Account{ID: "SIM", Currency: "USD", Balance: 100000},
		Timeframe:  market.H1,
		SpreadPips: 1,
		Strategies: []strategy.Config{strategy.DefaultConfig("EUR_USD")},
		Dataset:    "synthetic",
		Seed:       7,
		Journal:    j,
	})
	require.NoError(t, err)

	run, err := s.Run(context.Background(), map[string][]market.Candle{"EUR_USD": uptrend(320)})
	require.NoError(t, err)

	assert.Equal(t, s.RunID(), run.RunID)
	assert.Equal(t, "EUR_USD", run.Instrument)
	assert.Equal(t, "H1", run.Timeframe)
	assert.Equal(t, t0, run.Start)
	assert.Equal(t, t0.Add(320*time.Hour), run.End)
	assert.GreaterOrEqual(t, run.StepsOpened, 1)
	assert.NotEmpty(t, j.trades)
	assert.Equal(t, len(j.trades), run.Trades)
	assert.Greater(t, run.EndBalance, run.StartBalance, "an accelerating trend pays")

	for _, st := range j.steps {
		assert.Equal(t, s.RunID(), st.RunID)
		assert.Equal(t, market.Long.String(), st.Direction)
	}
	for _, tr := range j.trades {
		assert.Equal(t, s.RunID(), tr.RunID)
	}

	// Everything was closed at the end, so nothing is left to track.
	open, err := s.Engine().ListOpen(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, EndReason, j.trades[len(j.trades)-1].Reason)

	var buf bytes.Buffer
	PrintBacktestRun(&buf, run)
	assert.Contains(t, buf.String(), run.RunID)
	assert.Contains(t, buf.String(), "Steps opened:")
}

func TestSessionRejectsUnknownData(t *testing.T) {
	t.Parallel()

	s, err := NewSession(Options{
		Account:    broker.Account{Currency: "USD", Balance: 1000},
		Timeframe:  market.H1,
		Strategies: []strategy.Config{strategy.DefaultConfig("EUR_USD")},
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), map[string][]market.Candle{"GBP_USD": uptrend(3)})
	assert.Error(t, err)
}

func TestSessionStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := NewSession(Options{
		Account:    broker.Account{Currency: "USD", Balance: 1000},
		Timeframe:  market.H1,
		Strategies: []strategy.Config{strategy.DefaultConfig("EUR_USD")},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, map[string][]market.Candle{"EUR_USD": uptrend(10)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionPyramidLookup(t *testing.T) {
	t.Parallel()

	s, err := NewSession(Options{
		Account:    broker.Account{Currency: "USD", Balance: 1000},
		Timeframe:  market.H1,
		Strategies: []strategy.Config{strategy.DefaultConfig("EUR_USD")},
	})
	require.NoError(t, err)

	p, ok := s.Pyramid("EUR_USD")
	require.True(t, ok)
	assert.Equal(t, "EUR_USD", p.Instrument())
	_, ok = s.Pyramid("GBP_USD")
	assert.False(t, ok)
}
