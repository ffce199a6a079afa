package market

import (
	"fmt"
	"strings"
)

// Direction is the side of a trade.
type Direction int8

const (
	Long  Direction = +1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", int8(d))
	}
}

// Sign is +1 for Long and -1 for Short.
func (d Direction) Sign() float64 {
	return float64(d)
}

func (d Direction) Opposite() Direction {
	return -d
}

// Valid reports whether d is Long or Short.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Improves reports whether candidate is strictly more protective than current
// for a stop on this side: higher for Long, lower for Short.
func (d Direction) Improves(candidate, current float64) bool {
	if d == Long {
		return candidate > current
	}
	return candidate < current
}

// Beyond reports whether price has reached level moving in the trade's
// favour: price >= level for Long, price <= level for Short.
func (d Direction) Beyond(price, level float64) bool {
	if d == Long {
		return price >= level
	}
	return price <= level
}

// ParseDirection accepts long/buy and short/sell, case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}
