package sim

import (
	"time"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/market"
)

type Trade struct {
	ID         string
	Instrument string
	Direction  market.Direction
	Volume     float64
	EntryPrice float64
	OpenTime   time.Time
	Label      string
	Comment    string

	StopLoss   *float64
	TakeProfit *float64

	// Realized
	ClosePrice float64
	CloseTime  time.Time
	RealizedPL float64 // account currency, partial closes included
	Open       bool
}

func (t *Trade) triggerStopLoss(price float64) bool {
	return t.StopLoss != nil && t.Direction.Beyond(*t.StopLoss, price)
}

func (t *Trade) triggerTakeProfit(price float64) bool {
	return t.TakeProfit != nil && t.Direction.Beyond(price, *t.TakeProfit)
}

// UnrealizedPL values volume units of the trade at currentPrice.
func (t *Trade) UnrealizedPL(volume, currentPrice, quoteToAccount float64) float64 {
	plQuote := float64(t.Direction.Sign()) * volume * (currentPrice - t.EntryPrice)
	return plQuote * quoteToAccount
}

func (t *Trade) record() broker.TradeRecord {
	rec := broker.TradeRecord{
		ID:         t.ID,
		Instrument: t.Instrument,
		Direction:  t.Direction,
		Volume:     t.Volume,
		Entry:      t.EntryPrice,
		Label:      t.Label,
		Comment:    t.Comment,
		OpenedAt:   t.OpenTime,
	}
	if t.StopLoss != nil {
		rec.Stop = *t.StopLoss
	}
	if t.TakeProfit != nil {
		v := *t.TakeProfit
		rec.Target = &v
	}
	return rec
}

// TradeMargin is the margin held by volume units at price.
func TradeMargin(volume, price float64, instrument string, quoteToAccount float64) float64 {
	return market.Instruments[instrument].MarginFor(volume, price, quoteToAccount)
}
