package backtest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/pyramid/market"
)

func TestParseCandleRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		row       []string
		wantOk    bool
		wantErr   bool
		checkFunc func(t *testing.T, c market.Candle)
	}{
		{
			name:   "valid row",
			row:    []string{"2026-01-24T09:00:00Z", "1.1000", "1.1010", "1.0990", "1.1005"},
			wantOk: true,
			checkFunc: func(t *testing.T, c market.Candle) {
				assert.Equal(t, time.Date(2026, 1, 24, 9, 0, 0, 0, time.UTC), c.Time)
				assert.Equal(t, 1.1000, c.Open)
				assert.Equal(t, 1.1010, c.High)
				assert.Equal(t, 1.0990, c.Low)
				assert.Equal(t, 1.1005, c.Close)
			},
		},
		{
			name:   "volume column",
			row:    []string{"2026-01-24 09:00:00", "1.1", "1.2", "1.0", "1.1", "1500"},
			wantOk: true,
			checkFunc: func(t *testing.T, c market.Candle) {
				assert.Equal(t, 1500.0, c.Volume)
			},
		},
		{
			name:   "unix seconds",
			row:    []string{"1769245200", "1.1", "1.2", "1.0", "1.1"},
			wantOk: true,
			checkFunc: func(t *testing.T, c market.Candle) {
				assert.Equal(t, time.Unix(1769245200, 0).UTC(), c.Time)
			},
		},
		{
			name:   "whitespace",
			row:    []string{" 2026-01-24T09:00:00Z ", " 1.1 ", " 1.2 ", " 1.0 ", " 1.1 "},
			wantOk: true,
		},
		{
			name:   "too few columns",
			row:    []string{"2026-01-24T09:00:00Z", "1.1", "1.2", "1.0"},
			wantOk: false,
		},
		{
			name:   "empty timestamp",
			row:    []string{"", "1.1", "1.2", "1.0", "1.1"},
			wantOk: false,
		},
		{
			name:    "invalid timestamp",
			row:     []string{"yesterday", "1.1", "1.2", "1.0", "1.1"},
			wantErr: true,
		},
		{
			name:    "invalid price",
			row:     []string{"2026-01-24T09:00:00Z", "abc", "1.2", "1.0", "1.1"},
			wantErr: true,
		},
		{
			name:    "high below close",
			row:     []string{"2026-01-24T09:00:00Z", "1.1", "1.15", "1.0", "1.2"},
			wantErr: true,
		},
		{
			name:    "invalid volume",
			row:     []string{"2026-01-24T09:00:00Z", "1.1", "1.2", "1.0", "1.1", "lots"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, ok, err := parseCandleRow(tt.row)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOk, ok)
			if tt.checkFunc != nil {
				tt.checkFunc(t, c)
			}
		})
	}
}

func TestCSVCandleFeed(t *testing.T) {
	t.Parallel()

	data := strings.Join([]string{
		"time,open,high,low,close",
		"2026-01-01T00:00:00Z,1.1000,1.1010,1.0990,1.1005",
		"",
		"2026-01-01T01:00:00Z,1.1005,1.1020,1.1000,1.1015",
		"2026-01-01T02:00:00Z,1.1015,1.1030,1.1010,1.1025",
		"2026-01-01T03:00:00Z,1.1025,1.1040,1.1020,1.1035",
	}, "\n")
	path := filepath.Join(t.TempDir(), "eurusd.csv")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	t.Run("reads everything", func(t *testing.T) {
		t.Parallel()
		f, err := NewCSVCandleFeed(path, "EUR_USD", time.Time{}, time.Time{})
		require.NoError(t, err)
		defer f.Close()

		cs, err := ReadAll(f)
		require.NoError(t, err)
		require.Len(t, cs, 4)
		for _, c := range cs {
			assert.Equal(t, "EUR_USD", c.Instrument)
		}
		assert.Equal(t, 1.1035, cs[3].Close)
	})

	t.Run("from is inclusive and to exclusive", func(t *testing.T) {
		t.Parallel()
		from := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
		to := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
		f, err := NewCSVCandleFeed(path, "EUR_USD", from, to)
		require.NoError(t, err)
		defer f.Close()

		cs, err := ReadAll(f)
		require.NoError(t, err)
		require.Len(t, cs, 2)
		assert.Equal(t, from, cs[0].Time)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := NewCSVCandleFeed(filepath.Join(t.TempDir(), "nope.csv"), "EUR_USD", time.Time{}, time.Time{})
		assert.Error(t, err)
	})
}

func TestCSVCandleReaderReportsLine(t *testing.T) {
	t.Parallel()

	r := strings.NewReader("2026-01-01T00:00:00Z,1.1,1.2,1.0,1.1\n2026-01-01T01:00:00Z,x,1.2,1.0,1.1\n")
	f := NewCSVCandleReader(r, "EUR_USD")
	defer f.Close()

	_, err := ReadAll(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCSVCandleWriterRoundTrip(t *testing.T) {
	t.Parallel()

	in := []market.Candle{
		{Instrument: "EUR_USD", Time: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), Open: 1.10012, High: 1.1009, Low: 1.0998, Close: 1.10051, Volume: 812},
		{Instrument: "EUR_USD", Time: time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC), Open: 1.10051, High: 1.1011, Low: 1.1, Close: 1.1003},
	}

	var b strings.Builder
	w := NewCSVCandleWriter(&b)
	require.NoError(t, w.Write(in[0]))
	require.NoError(t, w.Write(in[1]))
	require.NoError(t, w.Flush())
	assert.True(t, strings.HasPrefix(b.String(), "time,open,high,low,close,volume\n"))

	out, err := ReadAll(NewCSVCandleReader(strings.NewReader(b.String()), "EUR_USD"))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
