// Package protect evolves the protective levels of a pyramid group:
// break-even promotion, coordinated trailing, partial take-profit, target
// removal and trailing, and locking of the step below a new one.
package protect

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/pyramid/market"
)

type BufferMode string

const (
	// BufferFixed places break-even a fixed number of pips past entry.
	BufferFixed BufferMode = "fixed"
	// BufferCost adds the current spread and commission to the fixed pips.
	BufferCost BufferMode = "cost"
)

// BufferPolicy decides how far past entry a break-even stop sits.
type BufferPolicy struct {
	Mode           BufferMode `yaml:"mode" json:"mode"`
	Pips           float64    `yaml:"pips" json:"pips"`
	CommissionPips float64    `yaml:"commission_pips" json:"commission_pips"`
}

// Distance returns the buffer in price units.
func (p BufferPolicy) Distance(meta market.InstrumentMeta, spread float64) float64 {
	d := meta.PipsToPrice(p.Pips)
	if p.Mode == BufferCost {
		if spread > 0 {
			d += spread
		}
		d += meta.PipsToPrice(p.CommissionPips)
	}
	return d
}

func (p BufferPolicy) Validate() error {
	switch p.Mode {
	case BufferFixed, BufferCost:
	default:
		return fmt.Errorf("break-even buffer mode %q: want fixed or cost", p.Mode)
	}
	if p.Pips < 0 || p.CommissionPips < 0 {
		return errors.New("break-even buffer pips must not be negative")
	}
	return nil
}

type Config struct {
	BreakEvenMultiplier float64      `yaml:"break_even_multiplier" json:"break_even_multiplier"`
	Buffer              BufferPolicy `yaml:"break_even_buffer" json:"break_even_buffer"`

	TrailingEnabled    bool    `yaml:"trailing_enabled" json:"trailing_enabled"`
	TrailingMultiplier float64 `yaml:"trailing_multiplier" json:"trailing_multiplier"`
	TrailingStepPips   float64 `yaml:"trailing_step_pips" json:"trailing_step_pips"`

	// PartialTPPercent in (0, 100) turns targets soft: the broker never
	// sees them and reaching one closes this share of the step.
	PartialTPPercent float64 `yaml:"partial_tp_percent" json:"partial_tp_percent"`

	TargetTrailEnabled        bool    `yaml:"target_trail_enabled" json:"target_trail_enabled"`
	TargetTrailMultiplier     float64 `yaml:"target_trail_multiplier" json:"target_trail_multiplier"`
	RemoveTargetsAfterPyramid bool    `yaml:"remove_targets_after_pyramid" json:"remove_targets_after_pyramid"`
}

func DefaultConfig() Config {
	return Config{
		BreakEvenMultiplier: 1.0,
		Buffer:              BufferPolicy{Mode: BufferFixed, Pips: 2},

		TrailingEnabled:    true,
		TrailingMultiplier: 1.0,
		TrailingStepPips:   5,

		PartialTPPercent: 50,

		TargetTrailEnabled:        false,
		TargetTrailMultiplier:     2.0,
		RemoveTargetsAfterPyramid: true,
	}
}

// PartialEnabled reports whether targets are soft and partially taken.
func (c Config) PartialEnabled() bool {
	return c.PartialTPPercent > 0 && c.PartialTPPercent < 100
}

func (c Config) Validate() error {
	if c.BreakEvenMultiplier <= 0 {
		return errors.New("break-even multiplier must be > 0")
	}
	if c.TrailingEnabled && c.TrailingMultiplier <= 0 {
		return errors.New("trailing multiplier must be > 0")
	}
	if c.TrailingStepPips < 0 {
		return errors.New("trailing step must not be negative")
	}
	if c.PartialTPPercent < 0 || c.PartialTPPercent > 100 {
		return fmt.Errorf("partial take-profit %.2f%% out of [0, 100]", c.PartialTPPercent)
	}
	if c.TargetTrailEnabled && c.TargetTrailMultiplier <= 0 {
		return errors.New("target trail multiplier must be > 0")
	}
	if c.TargetTrailEnabled && c.RemoveTargetsAfterPyramid {
		return errors.New("target trailing and target removal after a pyramid are exclusive")
	}
	return c.Buffer.Validate()
}
