package journal

import (
	"bytes"
	"math"
	"os"
	"text/template"
	"time"
)

// BacktestRun mirrors the backtest_runs table.
type BacktestRun struct {
	RunID      string
	Created    time.Time
	Instrument string
	Timeframe  string
	Dataset    string
	Config     []byte

	Start time.Time
	End   time.Time

	StartBalance float64
	EndBalance   float64

	// Trades counts closing records, partial closes included.
	Trades      int
	Wins        int
	Losses      int
	StepsOpened int

	MaxDDPct     float64
	ProfitFactor float64
}

func (r BacktestRun) NetPL() float64 {
	return r.EndBalance - r.StartBalance
}

func (r BacktestRun) ReturnPct() float64 {
	if r.StartBalance == 0 {
		return 0
	}
	return 100 * r.NetPL() / r.StartBalance
}

func (r BacktestRun) WinRate() float64 {
	if r.Trades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Trades)
}

// Derive fills the trade statistics and drawdown from journal rows.
func (r *BacktestRun) Derive(trades []TradeRecord, equity []EquitySnapshot) {
	r.Trades, r.Wins, r.Losses = len(trades), 0, 0

	var grossProfit, grossLoss float64
	for _, t := range trades {
		switch {
		case t.RealizedPL > 0:
			r.Wins++
			grossProfit += t.RealizedPL
		case t.RealizedPL < 0:
			r.Losses++
			grossLoss -= t.RealizedPL
		}
	}
	r.ProfitFactor = 0
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	}

	peak, maxDD := 0.0, 0.0
	for _, e := range equity {
		peak = math.Max(peak, e.Equity)
		if peak > 0 {
			maxDD = math.Max(maxDD, 100*(peak-e.Equity)/peak)
		}
	}
	r.MaxDDPct = maxDD
}

var backtestOrgFuncs = template.FuncMap{
	"mul100": func(x float64) float64 { return x * 100.0 },
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
}

var backtestOrg = template.Must(template.New("backtest").Funcs(backtestOrgFuncs).Parse(BacktestOrgTemplate))

// Org renders the run as an Org-mode report.
func (r BacktestRun) Org() (string, error) {
	buf := new(bytes.Buffer)
	if err := backtestOrg.Execute(buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteOrg writes the report to path.
func (r BacktestRun) WriteOrg(path string) error {
	s, err := r.Org()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(s), 0644)
}

const BacktestOrgTemplate = `* BACKTEST: pyramid {{.Instrument}} {{if .Timeframe}}{{.Timeframe}}{{else}}(timeframe?){{end}}
:PROPERTIES:
:RUN_ID:      {{if .RunID}}{{.RunID}}{{else}}(run-id?){{end}}
:STRATEGY:    pyramid
:TIMEFRAME:   {{.Timeframe}}
:INSTRUMENT:  {{.Instrument}}
:DATASET:     {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}}
:START_DATE:  {{.Start.Format "2006-01-02"}}
:END_DATE:    {{.End.Format "2006-01-02"}}
:START_BAL:   {{printf "%.2f" .StartBalance}}
:END_BAL:     {{printf "%.2f" .EndBalance}}
:NET_PL:      {{printf "%.2f" .NetPL}}
:RETURN_PCT:  {{printf "%.2f" .ReturnPct}}
:MAX_DD_PCT:  {{printf "%.2f" .MaxDDPct}}
:TRADES:      {{.Trades}}
:STEPS:       {{.StepsOpened}}
:WINS:        {{.Wins}}
:LOSSES:      {{.Losses}}
:WIN_RATE:    {{printf "%.2f" (mul100 .WinRate)}}
:PROFIT_FAC:  {{if ne .ProfitFactor 0.0}}{{printf "%.2f" .ProfitFactor}}{{else}}(profit-factor?){{end}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Performance Summary
- Net P/L:          *{{printf "%.2f" .NetPL}}*
- Return:           *{{printf "%.2f" .ReturnPct}}%*
- Max Drawdown:     *{{printf "%.2f" .MaxDDPct}}%*
- Win Rate:         *{{printf "%.2f" (mul100 .WinRate)}}%*
- Steps opened:     *{{.StepsOpened}}*

** Trade Distribution
| Outcome | Count |
|---------+-------|
| Wins    | {{.Wins}} |
| Losses  | {{.Losses}} |
| Total   | {{.Trades}} |
{{- if .Config }}

** Configuration
#+begin_src yaml
{{printf "%s" .Config}}
#+end_src
{{- end }}
`
