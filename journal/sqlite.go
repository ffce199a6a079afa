package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(run_id, trade_id, instrument, direction, step, units, entry_price, exit_price, open_time, close_time, realized_pl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.TradeID, t.Instrument, t.Direction, t.Step, t.Units, t.EntryPrice,
		t.ExitPrice, t.OpenTime.UTC(), t.CloseTime.UTC(), t.RealizedPL, t.Reason,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(run_id, time, balance, equity, margin_used, free_margin, margin_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Time.UTC(), e.Balance, e.Equity, e.MarginUsed, e.FreeMargin, e.MarginLevel,
	)
	return err
}

func (j *SQLite) RecordStep(s StepEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO step_events
		(run_id, time, instrument, trade_id, direction, step, kind, price, volume, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Time.UTC(), s.Instrument, s.TradeID, s.Direction, s.Step,
		string(s.Kind), s.Price, s.Volume, s.Detail,
	)
	return err
}

func (j *SQLite) RecordBacktest(ctx context.Context, r BacktestRun) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_runs
		(run_id, created, instrument, timeframe, dataset, start_time, end_time, start_balance, end_balance,
		 trades, wins, losses, steps_opened, max_dd_pct, profit_factor, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created.UTC(), r.Instrument, r.Timeframe, r.Dataset, r.Start.UTC(), r.End.UTC(),
		r.StartBalance, r.EndBalance, r.Trades, r.Wins, r.Losses, r.StepsOpened,
		r.MaxDDPct, r.ProfitFactor, r.Config,
	)
	return err
}

func (j *SQLite) GetBacktestRun(ctx context.Context, runID string) (BacktestRun, error) {
	var r BacktestRun
	row := j.db.QueryRowContext(ctx, `
		SELECT run_id, created, instrument, timeframe, dataset, start_time, end_time, start_balance, end_balance,
		       trades, wins, losses, steps_opened, max_dd_pct, profit_factor, config
		FROM backtest_runs WHERE run_id = ?`, runID)
	err := row.Scan(&r.RunID, &r.Created, &r.Instrument, &r.Timeframe, &r.Dataset, &r.Start, &r.End,
		&r.StartBalance, &r.EndBalance, &r.Trades, &r.Wins, &r.Losses, &r.StepsOpened,
		&r.MaxDDPct, &r.ProfitFactor, &r.Config)
	if errors.Is(err, sql.ErrNoRows) {
		return BacktestRun{}, fmt.Errorf("backtest run %q: %w", runID, ErrNotFound)
	}
	return r, err
}

const tradeColumns = `run_id, trade_id, instrument, direction, step, units, entry_price, exit_price, open_time, close_time, realized_pl, reason`

func scanTrade(sc interface{ Scan(...any) error }) (TradeRecord, error) {
	var rec TradeRecord
	err := sc.Scan(
		&rec.RunID,
		&rec.TradeID,
		&rec.Instrument,
		&rec.Direction,
		&rec.Step,
		&rec.Units,
		&rec.EntryPrice,
		&rec.ExitPrice,
		&rec.OpenTime,
		&rec.CloseTime,
		&rec.RealizedPL,
		&rec.Reason,
	)
	return rec, err
}

// GetTrade returns the records of one trade, partial closes first.
func (j *SQLite) GetTrade(tradeID string) ([]TradeRecord, error) {
	out, err := j.queryTrades(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("trade %q: %w", tradeID, ErrNotFound)
	}
	return out, nil
}

// ListTradesClosedBetween returns trades whose close_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(start, end time.Time) ([]TradeRecord, error) {
	return j.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC, id ASC`, start.UTC(), end.UTC())
}

func (j *SQLite) ListTradesByRunID(ctx context.Context, runID string) ([]TradeRecord, error) {
	return j.queryTrades(`SELECT `+tradeColumns+` FROM trades WHERE run_id = ? ORDER BY close_time ASC, id ASC`, runID)
}

func (j *SQLite) queryTrades(q string, args ...any) ([]TradeRecord, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLite) ListEquityByRunID(ctx context.Context, runID string) ([]EquitySnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, time, balance, equity, margin_used, free_margin, margin_level
		FROM equity WHERE run_id = ? ORDER BY time ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.RunID, &e.Time, &e.Balance, &e.Equity, &e.MarginUsed, &e.FreeMargin, &e.MarginLevel); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStepEvents returns the recorded decisions for one trade in order.
func (j *SQLite) ListStepEvents(ctx context.Context, tradeID string) ([]StepEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, time, instrument, trade_id, direction, step, kind, price, volume, detail
		FROM step_events WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepEvent
	for rows.Next() {
		var s StepEvent
		var kind string
		if err := rows.Scan(&s.RunID, &s.Time, &s.Instrument, &s.TradeID, &s.Direction, &s.Step,
			&kind, &s.Price, &s.Volume, &s.Detail); err != nil {
			return nil, err
		}
		s.Kind = EventKind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ExportBacktestOrg loads a run and its trades and renders the Org report.
func (j *SQLite) ExportBacktestOrg(ctx context.Context, runID string) (string, error) {
	run, err := j.GetBacktestRun(ctx, runID)
	if err != nil {
		return "", err
	}
	trades, err := j.ListTradesByRunID(ctx, runID)
	if err != nil {
		return "", err
	}
	report, err := run.Org()
	if err != nil {
		return "", err
	}
	if len(trades) == 0 {
		return report, nil
	}
	return report + "\n** Trades\n" + FormatTradesOrg(trades), nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
