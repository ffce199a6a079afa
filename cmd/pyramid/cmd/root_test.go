package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/pyramid/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", "", "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeCandles writes n rising H1 bars for EUR_USD.
func writeCandles(t *testing.T, n int) string {
	t.Helper()
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	price := func(i int) float64 {
		x := float64(i)
		return 1.1 + 0.00002*x + 0.0000002*x*x
	}
	var b strings.Builder
	b.WriteString("time,open,high,low,close,volume\n")
	for i := 0; i < n; i++ {
		o, c := price(i), price(i+1)
		fmt.Fprintf(&b, "%s,%.6f,%.6f,%.6f,%.6f,100\n",
			start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), o, c+0.0002, o-0.0002, c)
	}
	path := filepath.Join(t.TempDir(), "eurusd_h1.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "pyramid version dev\n", out)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pyramid.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")
	assert.FileExists(t, path)

	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "EUR_USD on H1")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("account:\n  balance: -1\n"), 0o644))
	_, err = execute(t, "config", "validate", "-f", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account.balance")

	_, err = execute(t, "config", "validate")
	require.Error(t, err)
}

func TestBacktestCommand(t *testing.T) {
	data := writeCandles(t, 320)
	org := filepath.Join(t.TempDir(), "run.org")

	out, err := execute(t, "backtest",
		"--data", "EUR_USD="+data,
		"--journal", "none",
		"--org", org,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Backtest Result")
	assert.Contains(t, out, "Instruments:   EUR_USD")
	assert.FileExists(t, org)
}

func TestBacktestCommandErrors(t *testing.T) {
	_, err := execute(t, "backtest", "--journal", "none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candle data for EUR_USD")

	_, err = execute(t, "backtest", "--journal", "none",
		"--data", "EUR_USD="+writeCandles(t, 10), "--from", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--from")
}

func TestBacktestIntoSQLiteThenQuery(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "journal.sqlite")
	cfgPath := filepath.Join(dir, "pyramid.yaml")
	cfgYAML := fmt.Sprintf("journal:\n  type: sqlite\n  db_path: %s\nbacktest:\n  data:\n    EUR_USD: %s\n", db, writeCandles(t, 320))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	out, err := execute(t, "--config", cfgPath, "backtest")
	require.NoError(t, err)

	m := regexp.MustCompile(`Run ID:\s+(\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	runID := m[1]

	out, err = execute(t, "--config", cfgPath, "journal", "run", runID)
	require.NoError(t, err)
	assert.Contains(t, out, runID)

	out, err = execute(t, "--config", cfgPath, "journal", "equity", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "balance")

	store, err := journal.NewSQLite(db)
	require.NoError(t, err)
	trades, err := store.ListTradesByRunID(context.Background(), runID)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NotEmpty(t, trades)

	out, err = execute(t, "journal", "--db", db, "trade", trades[0].TradeID)
	require.NoError(t, err)
	assert.Contains(t, out, trades[0].Instrument)

	out, err = execute(t, "journal", "--db", db, "steps", trades[0].TradeID)
	require.NoError(t, err)
	assert.Contains(t, out, "open")
}

func TestDataOandaWritesBacktestCSV(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		from, _ := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		var candles []map[string]any
		for i := 0; i < 3; i++ {
			ts := from.Add(time.Duration(i) * time.Hour)
			candles = append(candles, map[string]any{
				"complete": true,
				"volume":   10,
				"time":     ts.Format(time.RFC3339),
				"mid":      map[string]string{"o": "1.1000", "h": "1.1010", "l": "1.0990", "c": "1.1005"},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"candles": candles})
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "eurusd.csv")
	stdout, err := execute(t, "data", "oanda",
		"--token", "secret",
		"--base-url", srv.URL,
		"--from", start.Format(time.RFC3339),
		"--to", start.Add(5*time.Hour).Format(time.RFC3339),
		"--out", out,
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Wrote 5 candles")

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "2026-01-05T00:00:00Z,1.1,1.101,1.099,1.1005,10", lines[1])

	_, err = execute(t, "data", "oanda", "--token", "x", "--out", out)
	assert.ErrorContains(t, err, "--from and --to")
}
