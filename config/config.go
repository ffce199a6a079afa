package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/protect"
	"github.com/rustyeddy/pyramid/strategy"
)

// Config is the complete deployment configuration.
type Config struct {
	Account     AccountConfig  `json:"account" yaml:"account"`
	Instruments []string       `json:"instruments" yaml:"instruments"`
	Strategy    StrategyConfig `json:"strategy" yaml:"strategy"`
	Backtest    BacktestConfig `json:"backtest" yaml:"backtest"`
	Journal     JournalConfig  `json:"journal" yaml:"journal"`
	Log         LogConfig      `json:"log" yaml:"log"`
	Metrics     MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

// StrategyConfig holds the options shared by every instrument.
type StrategyConfig struct {
	Timeframe   string `json:"timeframe" yaml:"timeframe"`
	LabelPrefix string `json:"label_prefix" yaml:"label_prefix"`

	RiskPercent            float64 `json:"risk_percent" yaml:"risk_percent"`
	StopATRMultiplier      float64 `json:"stop_atr_multiplier" yaml:"stop_atr_multiplier"`
	TargetATRMultiplier    float64 `json:"target_atr_multiplier" yaml:"target_atr_multiplier"`
	PyramidingDistancePips float64 `json:"pyramiding_distance_pips" yaml:"pyramiding_distance_pips"`
	MaxSteps               int     `json:"max_steps" yaml:"max_steps"`
	SwingLookback          int     `json:"swing_lookback" yaml:"swing_lookback"`
	SyncTicks              int     `json:"sync_ticks" yaml:"sync_ticks"`

	BreakEvenATRMultiplier float64              `json:"break_even_atr_multiplier" yaml:"break_even_atr_multiplier"`
	BreakEvenBuffer        protect.BufferPolicy `json:"break_even_buffer" yaml:"break_even_buffer"`

	TrailingEnabled       bool    `json:"trailing_enabled" yaml:"trailing_enabled"`
	TrailingATRMultiplier float64 `json:"trailing_atr_multiplier" yaml:"trailing_atr_multiplier"`
	TrailingStepPips      float64 `json:"trailing_step_pips" yaml:"trailing_step_pips"`

	PartialTPPercent          float64 `json:"partial_tp_percent" yaml:"partial_tp_percent"`
	RemoveTargetsAfterPyramid bool    `json:"remove_targets_after_pyramid" yaml:"remove_targets_after_pyramid"`
	TargetTrailEnabled        bool    `json:"target_trail_enabled" yaml:"target_trail_enabled"`
	TargetTrailATRMultiplier  float64 `json:"target_trail_atr_multiplier" yaml:"target_trail_atr_multiplier"`
}

// BacktestConfig points each instrument at a candle CSV.
type BacktestConfig struct {
	Dataset    string            `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Data       map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
	SpreadPips float64           `json:"spread_pips" yaml:"spread_pips"`
	OrgFile    string            `json:"org_file,omitempty" yaml:"org_file,omitempty"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "csv", "sqlite" or "none"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	StepsFile  string `json:"steps_file,omitempty" yaml:"steps_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	for _, inst := range c.Instruments {
		if _, ok := market.Instruments[inst]; !ok {
			return fmt.Errorf("unknown instrument: %s", inst)
		}
	}
	if _, err := c.Timeframe(); err != nil {
		return fmt.Errorf("strategy.timeframe: %w", err)
	}
	if c.Strategy.RiskPercent <= 0 || c.Strategy.RiskPercent > 100 {
		return fmt.Errorf("strategy.risk_percent must be between 0 and 100")
	}
	for _, inst := range c.Instruments {
		if err := c.StrategyFor(inst).Validate(); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	if c.Backtest.SpreadPips < 0 {
		return fmt.Errorf("backtest.spread_pips must not be negative")
	}
	switch c.Journal.Type {
	case "none", "":
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal trades_file and equity_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'csv', 'sqlite' or 'none'")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	return nil
}

// Timeframe parses the traded timeframe.
func (c *Config) Timeframe() (market.Timeframe, error) {
	tf, err := market.ParseTimeframe(c.Strategy.Timeframe)
	if err != nil {
		return 0, err
	}
	return tf, nil
}

// StrategyFor builds the strategy options for one instrument.
func (c *Config) StrategyFor(instrument string) strategy.Config {
	s := c.Strategy
	out := strategy.DefaultConfig(instrument)
	out.LabelPrefix = s.LabelPrefix
	out.RiskPercent = s.RiskPercent
	out.StopMultiplier = s.StopATRMultiplier
	out.TargetMultiplier = s.TargetATRMultiplier
	out.MinDistancePips = s.PyramidingDistancePips
	out.MaxSteps = s.MaxSteps
	out.SwingLookback = s.SwingLookback
	out.SyncTicks = s.SyncTicks
	out.Protect = protect.Config{
		BreakEvenMultiplier:       s.BreakEvenATRMultiplier,
		Buffer:                    s.BreakEvenBuffer,
		TrailingEnabled:           s.TrailingEnabled,
		TrailingMultiplier:        s.TrailingATRMultiplier,
		TrailingStepPips:          s.TrailingStepPips,
		PartialTPPercent:          s.PartialTPPercent,
		TargetTrailEnabled:        s.TargetTrailEnabled,
		TargetTrailMultiplier:     s.TargetTrailATRMultiplier,
		RemoveTargetsAfterPyramid: s.RemoveTargetsAfterPyramid,
	}
	return out
}

// Default returns a configuration with the bot's stock settings.
func Default() *Config {
	pc := protect.DefaultConfig()
	return &Config{
		Account: AccountConfig{
			ID:       "SIM-001",
			Currency: "USD",
			Balance:  100000,
		},
		Instruments: []string{"EUR_USD"},
		Strategy: StrategyConfig{
			Timeframe:   "H1",
			LabelPrefix: "pyramid_",

			RiskPercent:            1.0,
			StopATRMultiplier:      1.5,
			TargetATRMultiplier:    2.5,
			PyramidingDistancePips: 120,
			MaxSteps:               3,
			SwingLookback:          5,
			SyncTicks:              5,

			BreakEvenATRMultiplier: pc.BreakEvenMultiplier,
			BreakEvenBuffer:        pc.Buffer,

			TrailingEnabled:       pc.TrailingEnabled,
			TrailingATRMultiplier: pc.TrailingMultiplier,
			TrailingStepPips:      pc.TrailingStepPips,

			PartialTPPercent:          pc.PartialTPPercent,
			RemoveTargetsAfterPyramid: pc.RemoveTargetsAfterPyramid,
			TargetTrailEnabled:        pc.TargetTrailEnabled,
			TargetTrailATRMultiplier:  pc.TargetTrailMultiplier,
		},
		Backtest: BacktestConfig{
			SpreadPips: 1.0,
		},
		Journal: JournalConfig{
			Type:       "csv",
			TradesFile: "./trades.csv",
			EquityFile: "./equity.csv",
			StepsFile:  "./steps.csv",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
