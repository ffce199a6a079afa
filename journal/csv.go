package journal

import (
	"encoding/csv"
	"errors"
	"os"
	"strconv"
	"time"
)

var (
	tradeHeader  = []string{"run_id", "trade_id", "instrument", "direction", "step", "units", "entry_price", "exit_price", "open_time", "close_time", "realized_pl", "reason"}
	equityHeader = []string{"run_id", "time", "balance", "equity", "margin_used", "free_margin", "margin_level"}
	stepHeader   = []string{"run_id", "time", "instrument", "trade_id", "direction", "step", "kind", "price", "volume", "detail"}
)

// CSVJournal writes one CSV file per record type. An empty steps path
// drops step events.
type CSVJournal struct {
	trades *csv.Writer
	equity *csv.Writer
	steps  *csv.Writer
	files  []*os.File
}

func NewCSV(tradesPath, equityPath, stepsPath string) (*CSVJournal, error) {
	j := &CSVJournal{}

	open := func(path string, header []string) (*csv.Writer, error) {
		fp, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		j.files = append(j.files, fp)
		w := csv.NewWriter(fp)
		if err := w.Write(header); err != nil {
			return nil, err
		}
		w.Flush()
		return w, w.Error()
	}

	var err error
	if j.trades, err = open(tradesPath, tradeHeader); err != nil {
		j.closeFiles()
		return nil, err
	}
	if j.equity, err = open(equityPath, equityHeader); err != nil {
		j.closeFiles()
		return nil, err
	}
	if stepsPath != "" {
		if j.steps, err = open(stepsPath, stepHeader); err != nil {
			j.closeFiles()
			return nil, err
		}
	}
	return j, nil
}

func (j *CSVJournal) RecordTrade(t TradeRecord) error {
	return write(j.trades, []string{
		t.RunID,
		t.TradeID,
		t.Instrument,
		t.Direction,
		strconv.Itoa(t.Step),
		f(t.Units),
		f(t.EntryPrice),
		f(t.ExitPrice),
		t.OpenTime.UTC().Format(time.RFC3339),
		t.CloseTime.UTC().Format(time.RFC3339),
		f(t.RealizedPL),
		t.Reason,
	})
}

func (j *CSVJournal) RecordEquity(e EquitySnapshot) error {
	return write(j.equity, []string{
		e.RunID,
		e.Time.UTC().Format(time.RFC3339),
		f(e.Balance),
		f(e.Equity),
		f(e.MarginUsed),
		f(e.FreeMargin),
		f(e.MarginLevel),
	})
}

func (j *CSVJournal) RecordStep(s StepEvent) error {
	if j.steps == nil {
		return nil
	}
	return write(j.steps, []string{
		s.RunID,
		s.Time.UTC().Format(time.RFC3339),
		s.Instrument,
		s.TradeID,
		s.Direction,
		strconv.Itoa(s.Step),
		string(s.Kind),
		f(s.Price),
		f(s.Volume),
		s.Detail,
	})
}

func (j *CSVJournal) Close() error {
	var errs []error
	for _, w := range []*csv.Writer{j.trades, j.equity, j.steps} {
		if w == nil {
			continue
		}
		w.Flush()
		errs = append(errs, w.Error())
	}
	errs = append(errs, j.closeFiles())
	return errors.Join(errs...)
}

func (j *CSVJournal) closeFiles() error {
	var errs []error
	for _, fp := range j.files {
		errs = append(errs, fp.Close())
	}
	j.files = nil
	return errors.Join(errs...)
}

func write(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
