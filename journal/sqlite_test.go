package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	return j, path
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	for _, name := range []string{"trades", "equity", "step_events", "backtest_runs"} {
		assert.True(t, found[name], name)
	}
}

func TestSQLiteTradesAndPartialCloses(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })
	rj := WithRun(j, "run-7")

	open := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	partial := open.Add(time.Hour)
	final := open.Add(3 * time.Hour)

	base := TradeRecord{
		TradeID:    "T1",
		Instrument: "EUR_USD",
		Direction:  "long",
		EntryPrice: 1.1,
		OpenTime:   open,
	}
	first := base
	first.Units, first.ExitPrice, first.CloseTime, first.RealizedPL, first.Reason = 500, 1.11, partial, 5, "PartialTakeProfit"
	second := base
	second.Units, second.ExitPrice, second.CloseTime, second.RealizedPL, second.Reason = 500, 1.1002, final, 0.1, "StopLoss"

	require.NoError(t, rj.RecordTrade(second))
	require.NoError(t, rj.RecordTrade(first))

	recs, err := j.GetTrade("T1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "StopLoss", recs[0].Reason)
	assert.Equal(t, "run-7", recs[0].RunID)
	assert.True(t, open.Equal(recs[0].OpenTime))

	_, err = j.GetTrade("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	byRun, err := j.ListTradesByRunID(context.Background(), "run-7")
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "PartialTakeProfit", byRun[0].Reason)

	between, err := j.ListTradesClosedBetween(open, partial.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.InDelta(t, 5.0, between[0].RealizedPL, 1e-9)
}

func TestSQLiteEquityAndSteps(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })
	rj := WithRun(j, "run-1")
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, rj.RecordEquity(EquitySnapshot{Time: ts.Add(time.Duration(i) * time.Minute), Balance: 1000, Equity: 1000 + float64(i)}))
	}
	eq, err := j.ListEquityByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, eq, 3)
	assert.Equal(t, 1002.0, eq[2].Equity)

	require.NoError(t, rj.RecordStep(StepEvent{Time: ts, TradeID: "T1", Kind: EventOpen, Price: 1.1, Volume: 1000}))
	require.NoError(t, rj.RecordStep(StepEvent{Time: ts, TradeID: "T1", Kind: EventBreakEven, Price: 1.1002}))
	require.NoError(t, rj.RecordStep(StepEvent{Time: ts, TradeID: "T2", Kind: EventOpen}))

	events, err := j.ListStepEvents(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventOpen, events[0].Kind)
	assert.Equal(t, EventBreakEven, events[1].Kind)
	assert.Equal(t, "run-1", events[1].RunID)
}

func TestSQLiteBacktestRun(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })
	ctx := context.Background()

	run := BacktestRun{
		RunID:        "run-9",
		Created:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Instrument:   "EUR_USD",
		Timeframe:    "H1",
		Dataset:      "eurusd.csv",
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		StartBalance: 10000,
		EndBalance:   10250,
		Trades:       4,
		Wins:         3,
		Losses:       1,
		StepsOpened:  5,
		Config:       []byte("risk: 1"),
	}
	require.NoError(t, j.RecordBacktest(ctx, run))

	got, err := j.GetBacktestRun(ctx, "run-9")
	require.NoError(t, err)
	assert.Equal(t, run.Instrument, got.Instrument)
	assert.Equal(t, 5, got.StepsOpened)
	assert.True(t, run.Start.Equal(got.Start))

	_, err = j.GetBacktestRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, WithRun(j, "run-9").RecordTrade(TradeRecord{TradeID: "01HXYZABCDEFGH", Instrument: "EUR_USD", Direction: "long", RealizedPL: 250}))
	report, err := j.ExportBacktestOrg(ctx, "run-9")
	require.NoError(t, err)
	assert.Contains(t, report, ":RUN_ID:      run-9")
	assert.Contains(t, report, "** Trades")
	assert.Contains(t, report, "(ABCDEFGH)")
}
