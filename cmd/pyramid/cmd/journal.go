package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/pyramid/journal"
)

func newJournalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the SQLite trade journal",
		Long: `Query trade journal records from a SQLite database.

Subcommands:
  trade  - Closing records of one trade (partial closes included)
  steps  - Protective decisions applied to one trade
  run    - Org-mode report of a stored backtest run
  equity - Equity curve of a stored backtest run

Examples:
  pyramid journal trade <trade-id>
  pyramid journal steps <trade-id>
  pyramid journal run <run-id>
  pyramid journal equity <run-id>`,
	}
	cmd.PersistentFlags().String("db", "", "path to SQLite journal DB (defaults to journal.db_path)")

	open := func() (*journal.SQLite, error) {
		path := a.v.GetString("db")
		if path == "" {
			path = a.cfg.Journal.DBPath
		}
		if path == "" {
			return nil, fmt.Errorf("--db is required")
		}
		j, err := journal.NewSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		return j, nil
	}

	tradeCmd := &cobra.Command{
		Use:   "trade <trade-id>",
		Short: "Show the closing records of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()

			recs, err := j.GetTrade(args[0])
			if err != nil {
				return fmt.Errorf("get trade: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradesOrg(recs))
			return nil
		},
	}

	stepsCmd := &cobra.Command{
		Use:   "steps <trade-id>",
		Short: "List the step events of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()

			events, err := j.ListStepEvents(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list steps: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				fmt.Fprintf(out, "%s  %-10s step %d  %-5s  %.5f  %.0f  %s\n",
					e.Time.Format("2006-01-02 15:04:05"), e.Kind, e.Step, e.Direction, e.Price, e.Volume, e.Detail)
			}
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <run-id>",
		Short: "Export a backtest run as Org-mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()

			report, err := j.ExportBacktestOrg(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("export run: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			return nil
		},
	}

	equityCmd := &cobra.Command{
		Use:   "equity <run-id>",
		Short: "Print the equity curve of a backtest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer j.Close()

			snaps, err := j.ListEquityByRunID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list equity: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, e := range snaps {
				fmt.Fprintf(out, "%s  balance %.2f  equity %.2f  margin %.2f\n",
					e.Time.Format("2006-01-02 15:04:05"), e.Balance, e.Equity, e.MarginUsed)
			}
			return nil
		},
	}

	cmd.AddCommand(tradeCmd, stepsCmd, runCmd, equityCmd)
	return cmd
}
