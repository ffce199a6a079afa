package risk

import "math"

// PlannedRisk is the account-currency loss if stop is hit on volume units.
func PlannedRisk(volume, entry, stop, quoteToAccountRate float64) float64 {
	// P/L in quote currency = units * move
	return math.Abs(volume) * math.Abs(entry-stop) * quoteToAccountRate
}

// RR is reward over risk. A missing target or a zero stop distance yields 0.
func RR(entry, stop, target float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 || target == 0 {
		return 0
	}
	return math.Abs(target-entry) / risk
}

// RiskPct expresses a planned risk as a percentage of equity.
func RiskPct(plannedRisk, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return 100 * plannedRisk / equity
}
