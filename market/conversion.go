package market

import (
	"context"
	"fmt"
)

// QuoteToAccountRate returns the multiplier converting an amount in the
// instrument's quote currency into the account currency.
func QuoteToAccountRate(ctx context.Context,
	instrument string,
	accountCurrency string,
	prices TickSource) (float64, error) {

	meta, ok := Instruments[instrument]
	if !ok {
		return 0, fmt.Errorf("unknown instrument %s", instrument)
	}

	// Case 1: quote currency == account currency (EUR_USD, GBP_USD, etc.)
	if meta.QuoteCurrency == accountCurrency {
		return 1.0, nil
	}

	// Case 2: account currency is base (USD_JPY, USD_CHF, etc.)
	if meta.BaseCurrency == accountCurrency {
		px, err := prices.GetTick(ctx, instrument)
		if err != nil {
			return 0, err
		}
		mid := px.Mid()
		if mid <= 0 {
			return 0, fmt.Errorf("no mid price for %s", instrument)
		}
		// USD_JPY mid is JPY per USD; we want USD per JPY.
		return 1.0 / mid, nil
	}

	return 0, fmt.Errorf(
		"cross conversion not implemented for %s → %s",
		meta.QuoteCurrency,
		accountCurrency,
	)
}
