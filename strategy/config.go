package strategy

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/pyramid/market"
	"github.com/rustyeddy/pyramid/position"
	"github.com/rustyeddy/pyramid/protect"
	"github.com/rustyeddy/pyramid/signal"
)

// Config holds the per-instrument strategy options.
type Config struct {
	Instrument  string
	LabelPrefix string

	RiskPercent      float64 // percent of balance risked per step
	StopMultiplier   float64 // initial stop distance in ATRs
	TargetMultiplier float64 // initial target distance in ATRs
	MinDistancePips  float64 // minimum spacing between step entries
	MaxSteps         int

	SwingLookback  int     // bars scanned for the swing stop
	SwingBufferATR float64 // swing stop offset in ATRs

	// SyncTicks is the startup grace period: that many ticks are counted
	// and otherwise ignored.
	SyncTicks int

	// FallbackATRPips stands in for ATR during reconciliation before any
	// bar has been seen.
	FallbackATRPips float64

	Protect    protect.Config
	Thresholds signal.Thresholds
}

func DefaultConfig(instrument string) Config {
	return Config{
		Instrument:       instrument,
		LabelPrefix:      "pyramid_",
		RiskPercent:      1.0,
		StopMultiplier:   1.5,
		TargetMultiplier: 2.5,
		MinDistancePips:  120,
		MaxSteps:         3,
		SwingLookback:    5,
		SwingBufferATR:   0.25,
		SyncTicks:        5,
		FallbackATRPips:  10,
		Protect:          protect.DefaultConfig(),
		Thresholds:       signal.DefaultThresholds(),
	}
}

// Label is the broker label the strategy's trades carry.
func (c Config) Label() string {
	return position.Label(c.LabelPrefix, c.Instrument)
}

func (c Config) Validate() error {
	if _, err := market.Lookup(c.Instrument); err != nil {
		return err
	}
	if c.RiskPercent <= 0 || c.RiskPercent > 100 {
		return fmt.Errorf("risk percent %.2f out of (0, 100]", c.RiskPercent)
	}
	if c.StopMultiplier <= 0 || c.TargetMultiplier <= 0 {
		return errors.New("stop and target multipliers must be > 0")
	}
	if c.MinDistancePips < 0 {
		return errors.New("pyramiding distance must not be negative")
	}
	if c.MaxSteps < 1 {
		return errors.New("max steps must be at least 1")
	}
	if c.SwingLookback < 1 {
		return errors.New("swing lookback must be at least 1")
	}
	if c.SyncTicks < 0 {
		return errors.New("sync ticks must not be negative")
	}
	return c.Protect.Validate()
}
