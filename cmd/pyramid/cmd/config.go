package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/pyramid/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
		Long: `Manage configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  pyramid config init --output pyramid.yaml
  pyramid config validate --file pyramid.yaml`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := a.v.GetString("output")
			if err := config.Default().SaveToFile(out); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created default configuration: %s\n", out)
			fmt.Fprintln(cmd.OutOrStdout(), "\nEdit the file and run with:")
			fmt.Fprintf(cmd.OutOrStdout(), "  pyramid backtest --config %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringP("output", "o", "pyramid.yaml", "output config file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := config.LoadFromFile(path)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			s := cfg.Strategy
			fmt.Fprintf(out, "✓ Configuration valid: %s\n", path)
			fmt.Fprintf(out, "  Account:     %s (%.2f %s)\n", cfg.Account.ID, cfg.Account.Balance, cfg.Account.Currency)
			fmt.Fprintf(out, "  Instruments: %s on %s\n", strings.Join(cfg.Instruments, ", "), s.Timeframe)
			fmt.Fprintf(out, "  Risk:        %.2f%% per step, up to %d steps %.0f pips apart\n",
				s.RiskPercent, s.MaxSteps, s.PyramidingDistancePips)
			fmt.Fprintf(out, "  Protection:  BE %.1fxATR (%s), trailing %v %.1fxATR, partial %.0f%%\n",
				s.BreakEvenATRMultiplier, s.BreakEvenBuffer.Mode, s.TrailingEnabled, s.TrailingATRMultiplier, s.PartialTPPercent)
			fmt.Fprintf(out, "  Journal:     %s\n", cfg.Journal.Type)
			return nil
		},
	}
	validateCmd.Flags().StringP("file", "f", "", "path to config file (required)")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
