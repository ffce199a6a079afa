package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/backtest"
	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/oanda"
)

func newDataCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Fetch candle history for backtests",
	}

	oandaCmd := &cobra.Command{
		Use:   "oanda",
		Short: "Download OANDA candles into a backtest CSV",
		Long: `Download complete candles for one instrument from the OANDA v20 API and
write them in the layout 'pyramid backtest --data' reads.

The token comes from --token or OANDA_TOKEN (a .env file works too).

Example:
  pyramid data oanda --instrument EUR_USD --from 2025-01-01 --to 2025-07-01 --out eurusd_h1.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDataOanda(cmd)
		},
	}
	f := oandaCmd.Flags()
	f.String("token", "", "OANDA API token (or env OANDA_TOKEN)")
	f.String("env", "practice", "OANDA environment: practice|live")
	f.String("base-url", "", "override the API base URL")
	f.String("instrument", "EUR_USD", "instrument to download")
	f.String("timeframe", "", "candle timeframe (defaults to strategy.timeframe)")
	f.String("price", "M", "price component: M (mid), B (bid), A (ask)")
	f.String("from", "", "first candle (RFC3339 or YYYY-MM-DD, required)")
	f.String("to", "", "stop before this time (RFC3339 or YYYY-MM-DD, required)")
	f.String("out", "", "output CSV path (required)")

	cmd.AddCommand(oandaCmd)
	return cmd
}

func (a *app) runDataOanda(cmd *cobra.Command) error {
	token := a.v.GetString("token")
	if token == "" {
		token = os.Getenv("OANDA_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("missing token: set --token or OANDA_TOKEN")
	}
	inst := a.v.GetString("instrument")
	if _, ok := market.Instruments[inst]; !ok {
		return fmt.Errorf("unknown instrument: %s", inst)
	}
	out := a.v.GetString("out")
	if out == "" {
		return fmt.Errorf("--out is required")
	}

	from, err := parseWhen(a.v.GetString("from"))
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseWhen(a.v.GetString("to"))
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("both --from and --to are required")
	}

	tf, err := a.cfg.Timeframe()
	if err != nil {
		return err
	}
	if s := a.v.GetString("timeframe"); s != "" {
		if tf, err = market.ParseTimeframe(s); err != nil {
			return fmt.Errorf("--timeframe: %w", err)
		}
	}

	base := a.v.GetString("base-url")
	if base == "" {
		if base, err = oanda.BaseURL(a.v.GetString("env")); err != nil {
			return err
		}
	}
	client := oanda.NewClient(token, oanda.WithBaseURL(base), oanda.WithLogger(a.log))

	file, err := os.Create(out)
	if err != nil {
		return err
	}
	defer file.Close()

	w := backtest.NewCSVCandleWriter(file)
	n, err := client.Download(cmd.Context(), inst, tf, oanda.PriceComponent(a.v.GetString("price")), from, to,
		func(page []market.Candle) error { return w.Write(page...) })
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	a.log.Info("candles downloaded", zap.String("instrument", inst), zap.Stringer("timeframe", tf), zap.Int("candles", n))
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d candles to %s\n", n, out)
	return nil
}
