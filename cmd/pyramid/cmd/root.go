package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/config"
	"github.com/rustyeddy/pyramid/internal/logging"
)

// app is the state shared by every subcommand once the root has loaded
// the environment, the config file and the logger.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd builds the pyramid command tree. Every flag can also be set
// through a PYRAMID_<FLAG> environment variable (dashes become
// underscores), and a .env file is read first.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("PYRAMID")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "pyramid",
		Short: "Pyramiding trend-following position manager",
		Long: `Pyramid scales into confirmed trends one step at a time and protects
every step with break-even, trailing stops and partial take-profit.

It provides tools for:
  - Backtesting the strategy over candle history
  - Replaying recorded quotes through the live event path
  - Downloading candle history from OANDA
  - Generating and validating configuration files
  - Querying the SQLite trade journal`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "path to config file (YAML or JSON); defaults are used when empty")
	pf.String("env-file", ".env", "dotenv file loaded before reading PYRAMID_* variables")
	pf.String("log-level", "", "log level: debug|info|warn|error (overrides config)")
	pf.String("log-format", "", "log format: console|json (overrides config)")

	cmd.AddCommand(
		newBacktestCmd(a),
		newReplayCmd(a),
		newDataCmd(a),
		newConfigCmd(a),
		newJournalCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := a.v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}

	if env := a.v.GetString("env-file"); env != "" {
		if err := godotenv.Load(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", env, err)
		}
	}

	cfg := config.Default()
	if path := a.v.GetString("config"); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := a.v.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}
