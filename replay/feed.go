package replay

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

// TickFeed yields quotes in time order and returns (ok=false, err=nil)
// at EOF.
type TickFeed interface {
	Next() (t market.Tick, ok bool, err error)
	Close() error
}

// CSVTicksFeed reads tick CSV rows:
//
//	time,instrument,bid,ask
//
// where time is RFC3339 or RFC3339Nano. A header row ("time,...") is
// allowed, empty or short rows are skipped, and rows outside [from, to)
// are dropped when either bound is set.
type CSVTicksFeed struct {
	f    io.ReadCloser
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

func NewCSVTicksFeed(path string, from, to time.Time) (*CSVTicksFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newCSVTicksFeed(f, from, to), nil
}

// NewCSVTicksReader reads ticks from r.
func NewCSVTicksReader(r io.Reader) *CSVTicksFeed {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return newCSVTicksFeed(rc, time.Time{}, time.Time{})
}

func newCSVTicksFeed(f io.ReadCloser, from, to time.Time) *CSVTicksFeed {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return &CSVTicksFeed{f: f, r: r, from: from, to: to}
}

func (f *CSVTicksFeed) Close() error {
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}

func (f *CSVTicksFeed) Next() (market.Tick, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return market.Tick{}, false, nil
		}
		if err != nil {
			return market.Tick{}, false, err
		}
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

		t, ok, err := parseTickRow(row)
		if err != nil {
			return market.Tick{}, false, err
		}
		if !ok {
			continue
		}
		if !f.from.IsZero() && t.Time.Before(f.from) {
			continue
		}
		if !f.to.IsZero() && !t.Time.Before(f.to) {
			continue
		}
		return t, true, nil
	}
}

func parseTickRow(row []string) (market.Tick, bool, error) {
	// Need at least: time,instrument,bid,ask
	if len(row) < 4 {
		return market.Tick{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return market.Tick{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad time %q: %w", ts, err)
	}

	inst := strings.TrimSpace(row[1])
	if inst == "" {
		return market.Tick{}, false, nil
	}

	bid, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad bid %q: %w", row[2], err)
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad ask %q: %w", row[3], err)
	}
	if ask < bid {
		return market.Tick{}, false, fmt.Errorf("crossed quote at %s: bid %v ask %v", ts, bid, ask)
	}

	return market.Tick{Time: t.UTC(), Instrument: inst, Bid: bid, Ask: ask}, true, nil
}
