// Package broker defines the execution collaborator the strategy trades
// through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/pyramid/market"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrTradeAlreadyClosed = errors.New("trade already closed")
	ErrInvalidVolume      = errors.New("invalid volume")
)

// Executor is everything the strategy needs from a broker. Calls report
// success or failure synchronously.
type Executor interface {
	Open(ctx context.Context, req OpenRequest) (Fill, error)
	ModifyStop(ctx context.Context, tradeID string, price float64) error
	// ModifyTarget replaces the target; nil removes it.
	ModifyTarget(ctx context.Context, tradeID string, price *float64) error
	// Close closes volume units of the trade; 0 closes it all.
	Close(ctx context.Context, tradeID string, volume float64) error
	ListOpen(ctx context.Context, label string) ([]TradeRecord, error)
	Account(ctx context.Context) (Account, error)
}

type Account struct {
	ID          string
	Currency    string
	Balance     float64
	Equity      float64
	MarginUsed  float64
	FreeMargin  float64
	MarginLevel float64
}

type OpenRequest struct {
	Instrument string
	Direction  market.Direction
	Volume     float64
	Stop       float64
	Target     *float64
	Label      string
	Comment    string
}

type Fill struct {
	TradeID    string
	Instrument string
	Direction  market.Direction
	Volume     float64
	Price      float64
	Time       time.Time
}

// TradeRecord is an open trade as the broker reports it.
type TradeRecord struct {
	ID         string
	Instrument string
	Direction  market.Direction
	Volume     float64
	Entry      float64
	Stop       float64 // 0 when unset
	Target     *float64
	Label      string
	Comment    string
	OpenedAt   time.Time
}

// Close reasons reported in ClosedNotice.
const (
	ReasonStopLoss    = "StopLoss"
	ReasonTakeProfit  = "TakeProfit"
	ReasonClosed      = "Closed"
	ReasonLiquidation = "Liquidation"
)

// ClosedNotice tells the strategy a trade is gone.
type ClosedNotice struct {
	TradeID    string
	Instrument string
	Reason     string
	Price      float64
	Time       time.Time
}

// ExecutionError wraps a failed broker request.
type ExecutionError struct {
	Op      string
	TradeID string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.TradeID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.TradeID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Failed wraps err as an ExecutionError unless it already is one.
func Failed(op, tradeID string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Op: op, TradeID: tradeID, Err: err}
}
