package journal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJournal struct {
	Nop
	trades, equity, steps int
}

func (c *countingJournal) RecordTrade(TradeRecord) error     { c.trades++; return nil }
func (c *countingJournal) RecordEquity(EquitySnapshot) error { c.equity++; return nil }
func (c *countingJournal) RecordStep(StepEvent) error        { c.steps++; return nil }

func TestLockedJournal(t *testing.T) {
	t.Parallel()

	inner := &countingJournal{}
	j := Locked(WithRun(inner, "run-1"))

	var wg sync.WaitGroup
	for k := 0; k < 8; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				assert.NoError(t, j.RecordTrade(TradeRecord{}))
				assert.NoError(t, j.RecordEquity(EquitySnapshot{}))
				assert.NoError(t, j.RecordStep(StepEvent{}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Close())

	assert.Equal(t, 800, inner.trades)
	assert.Equal(t, 800, inner.equity)
	assert.Equal(t, 800, inner.steps)
}

type runCapture struct {
	Nop
	trade TradeRecord
	step  StepEvent
}

func (r *runCapture) RecordTrade(t TradeRecord) error { r.trade = t; return nil }
func (r *runCapture) RecordStep(s StepEvent) error    { r.step = s; return nil }

func TestWithRunStampsRunID(t *testing.T) {
	t.Parallel()

	inner := &runCapture{}
	j := WithRun(inner, "abc")
	require.NoError(t, j.RecordTrade(TradeRecord{TradeID: "T1"}))
	require.NoError(t, j.RecordStep(StepEvent{TradeID: "T1", Kind: EventLock}))

	assert.Equal(t, "abc", inner.trade.RunID)
	assert.Equal(t, "abc", inner.step.RunID)
	assert.Equal(t, EventLock, inner.step.Kind)
}
