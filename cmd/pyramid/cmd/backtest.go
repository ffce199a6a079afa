package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/pyramid/backtest"
	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/config"
	"github.com/rustyeddy/pyramid/journal"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/metrics"
	"github.com/rustyeddy/pyramid/strategy"
)

func newBacktestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest the strategy over candle CSV history",
		Long: `Backtest replays candle history (time,open,high,low,close[,volume]) for
every configured instrument through the strategy and the simulated broker.
Each bar is expanded into four quotes (O→L→H→C for bullish bars,
O→H→L→C for bearish ones) so protective rules run intrabar.

Example:
  pyramid backtest --config pyramid.yaml --data EUR_USD=data/eurusd_h1.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBacktest(cmd)
		},
	}

	f := cmd.Flags()
	f.StringToString("data", nil, "candle CSV per instrument, INSTRUMENT=path (adds to backtest.data)")
	f.String("from", "", "first bar to replay (RFC3339 or YYYY-MM-DD)")
	f.String("to", "", "stop before this bar (RFC3339 or YYYY-MM-DD)")
	f.Float64("balance", 0, "starting balance (overrides account.balance)")
	f.Float64("spread-pips", -1, "synthetic spread in pips (overrides backtest.spread_pips)")
	f.String("journal", "", "journal type csv|sqlite|none (overrides journal.type)")
	f.String("org", "", "write an Org-mode report to this path")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address while running")
	f.Int64("seed", 1, "trade id seed; 0 for random ids")
	f.Bool("keep-open", false, "leave trades open at the end instead of closing them")
	return cmd
}

func (a *app) runBacktest(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := *a.cfg

	if b := a.v.GetFloat64("balance"); b > 0 {
		cfg.Account.Balance = b
	}
	if s := a.v.GetFloat64("spread-pips"); s >= 0 {
		cfg.Backtest.SpreadPips = s
	}
	if t := a.v.GetString("journal"); t != "" {
		cfg.Journal.Type = t
	}
	if org := a.v.GetString("org"); org != "" {
		cfg.Backtest.OrgFile = org
	}
	if l := a.v.GetString("metrics-listen"); l != "" {
		cfg.Metrics.Listen = l
	}
	data := map[string]string{}
	for k, v := range cfg.Backtest.Data {
		data[k] = v
	}
	flagData, err := cmd.Flags().GetStringToString("data")
	if err != nil {
		return err
	}
	for k, v := range flagData {
		data[k] = v
	}
	cfg.Backtest.Data = data
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	from, err := parseWhen(a.v.GetString("from"))
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseWhen(a.v.GetString("to"))
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	tf, err := cfg.Timeframe()
	if err != nil {
		return err
	}

	candles := make(map[string][]market.Candle, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		path, ok := data[inst]
		if !ok {
			return fmt.Errorf("no candle data for %s (use --data %s=path)", inst, inst)
		}
		feed, err := backtest.NewCSVCandleFeed(path, inst, from, to)
		if err != nil {
			return fmt.Errorf("%s: %w", inst, err)
		}
		cs, err := backtest.ReadAll(feed)
		feed.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		candles[inst] = cs
		a.log.Info("candles loaded", zap.String("instrument", inst), zap.String("path", path), zap.Int("bars", len(cs)))
	}

	j, db, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	m, stopMetrics := a.serveMetrics(cfg.Metrics.Listen)
	defer stopMetrics()

	blob, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	strategies := make([]strategy.Config, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		strategies = append(strategies, cfg.StrategyFor(inst))
	}

	s, err := backtest.NewSession(backtest.Options{
		Account: broker.Account{
			ID:       cfg.Account.ID,
			Currency: cfg.Account.Currency,
			Balance:  cfg.Account.Balance,
		},
		Timeframe:  tf,
		SpreadPips: cfg.Backtest.SpreadPips,
		Strategies: strategies,
		Dataset:    cfg.Backtest.Dataset,
		Config:     blob,
		Seed:       a.v.GetInt64("seed"),
		KeepOpen:   a.v.GetBool("keep-open"),
		Journal:    j,
		Logger:     a.log,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	run, err := s.Run(ctx, candles)
	if err != nil {
		return err
	}
	if db != nil {
		if err := db.RecordBacktest(ctx, run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}

	backtest.PrintBacktestRun(cmd.OutOrStdout(), run)
	if cfg.Backtest.OrgFile != "" {
		if err := run.WriteOrg(cfg.Backtest.OrgFile); err != nil {
			return fmt.Errorf("write org report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Org Report:    %s\n", cfg.Backtest.OrgFile)
	}
	return nil
}

// openJournal returns the configured journal and, for SQLite, the
// concrete store so the run summary can be saved too.
func openJournal(c config.JournalConfig) (journal.Journal, *journal.SQLite, error) {
	switch c.Type {
	case "csv":
		j, err := journal.NewCSV(c.TradesFile, c.EquityFile, c.StepsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open csv journal: %w", err)
		}
		return j, nil, nil
	case "sqlite":
		db, err := journal.NewSQLite(c.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		return db, db, nil
	default:
		return journal.Nop{}, nil, nil
	}
}

// serveMetrics starts the Prometheus endpoint when addr is set. The
// returned func shuts it down.
func (a *app) serveMetrics(addr string) (*metrics.Metrics, func()) {
	if addr == "" {
		return nil, func() {}
	}
	m := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server", zap.Error(err))
		}
	}()
	a.log.Info("metrics listening", zap.String("addr", addr))
	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}
