package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/pyramid/market"
)

// CandleFeed yields closed candles in time order and returns
// (ok=false, err=nil) at EOF.
type CandleFeed interface {
	Next() (c market.Candle, ok bool, err error)
	Close() error
}

// CSVCandleFeed reads candle CSV rows:
//
//	time,open,high,low,close[,volume]
//
// where time is RFC3339, "2006-01-02 15:04:05" or unix seconds and marks
// the bar open. A header row ("time,...") is allowed, empty or short rows
// are skipped, and rows outside [from, to) are dropped when either bound
// is set.
type CSVCandleFeed struct {
	instrument string
	f          io.ReadCloser
	r          *csv.Reader
	from       time.Time
	to         time.Time

	sawFirst bool
	line     int
}

func NewCSVCandleFeed(path, instrument string, from, to time.Time) (*CSVCandleFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newCSVCandleFeed(f, instrument, from, to), nil
}

// NewCSVCandleReader reads candles from r; Close closes r when it is an
// io.Closer.
func NewCSVCandleReader(r io.Reader, instrument string) *CSVCandleFeed {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return newCSVCandleFeed(rc, instrument, time.Time{}, time.Time{})
}

func newCSVCandleFeed(f io.ReadCloser, instrument string, from, to time.Time) *CSVCandleFeed {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return &CSVCandleFeed{instrument: instrument, f: f, r: r, from: from, to: to}
}

func (f *CSVCandleFeed) Close() error {
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}

func (f *CSVCandleFeed) Next() (market.Candle, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return market.Candle{}, false, nil
		}
		if err != nil {
			return market.Candle{}, false, err
		}
		f.line++
		if len(row) == 0 {
			continue
		}

		// Allow a single header row
		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		c, ok, err := parseCandleRow(row)
		if err != nil {
			return market.Candle{}, false, fmt.Errorf("line %d: %w", f.line, err)
		}
		if !ok {
			continue
		}
		if !inRange(c.Time, f.from, f.to) {
			continue
		}
		c.Instrument = f.instrument
		return c, true, nil
	}
}

// ReadAll drains the feed.
func ReadAll(f CandleFeed) ([]market.Candle, error) {
	var out []market.Candle
	for {
		c, ok, err := f.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c)
	}
}

// CSVCandleWriter writes candles in the layout CSVCandleFeed reads,
// starting with a header row.
type CSVCandleWriter struct {
	w      *csv.Writer
	header bool
}

func NewCSVCandleWriter(w io.Writer) *CSVCandleWriter {
	return &CSVCandleWriter{w: csv.NewWriter(w)}
}

func (cw *CSVCandleWriter) Write(cs ...market.Candle) error {
	if !cw.header {
		cw.header = true
		if err := cw.w.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
			return err
		}
	}
	for _, c := range cs {
		row := []string{
			c.Time.UTC().Format(time.RFC3339),
			fmtPrice(c.Open),
			fmtPrice(c.High),
			fmtPrice(c.Low),
			fmtPrice(c.Close),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := cw.w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered rows and reports a write error.
func (cw *CSVCandleWriter) Flush() error {
	cw.w.Flush()
	return cw.w.Error()
}

func fmtPrice(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseCandleRow(row []string) (market.Candle, bool, error) {
	// Need at least: time,open,high,low,close
	if len(row) < 5 {
		return market.Candle{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return market.Candle{}, false, nil
	}
	t, err := parseTime(ts)
	if err != nil {
		return market.Candle{}, false, err
	}

	var ohlc [4]float64
	for i := range ohlc {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return market.Candle{}, false, fmt.Errorf("bad price %q: %w", row[i+1], err)
		}
		ohlc[i] = v
	}
	c := market.Candle{Time: t, Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3]}
	if c.High < c.Low || c.High < max2(c.Open, c.Close) || c.Low > min2(c.Open, c.Close) {
		return market.Candle{}, false, fmt.Errorf("inconsistent bar at %s", ts)
	}
	if len(row) > 5 && strings.TrimSpace(row[5]) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		if err != nil {
			return market.Candle{}, false, fmt.Errorf("bad volume %q: %w", row[5], err)
		}
		c.Volume = v
	}
	return c, true, nil
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(ts string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time %q", ts)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func max2(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
