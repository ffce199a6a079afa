package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/pyramid/broker"
	"github.com/rustyeddy/pyramid/market"
)

// recorder remembers the events it saw, in order.
type recorder struct {
	mu     sync.Mutex
	seen   []Event
	active int
	maxPar int
	fail   error
}

func (r *recorder) HandleEvent(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.active++
	if r.active > r.maxPar {
		r.maxPar = r.active
	}
	r.seen = append(r.seen, ev)
	r.mu.Unlock()

	time.Sleep(100 * time.Microsecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return r.fail
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.seen...)
}

func tickEvent(inst string, i int) Event {
	t := market.Tick{Instrument: inst, Time: time.Unix(int64(i), 0), Bid: 1 + float64(i)/1e4, Ask: 1 + float64(i)/1e4}
	return Event{Instrument: inst, Tick: &t}
}

func TestRunnerPreservesOrderPerInstrument(t *testing.T) {
	t.Parallel()

	r := New(WithBuffer(4))
	handlers := map[string]*recorder{"EUR_USD": {}, "GBP_USD": {}}
	for inst, h := range handlers {
		require.NoError(t, r.Register(inst, h))
	}
	require.NoError(t, r.Start(context.Background()))

	var wg sync.WaitGroup
	for inst := range handlers {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, r.Submit(context.Background(), tickEvent(inst, i)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Stop())

	for inst, h := range handlers {
		seen := h.events()
		require.Len(t, seen, 50, inst)
		for i, ev := range seen {
			assert.Equal(t, int64(i), ev.Tick.Time.Unix(), "%s event %d out of order", inst, i)
		}
		assert.Equal(t, 1, h.maxPar, "a shard never runs its handler concurrently")
	}
}

func TestRunnerSubmitErrors(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register("EUR_USD", &recorder{}))

	err := r.Submit(context.Background(), tickEvent("EUR_USD", 0))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrStarted)
	assert.ErrorIs(t, r.Register("GBP_USD", &recorder{}), ErrStarted)

	err = r.Submit(context.Background(), tickEvent("USD_JPY", 0))
	assert.ErrorIs(t, err, ErrUnknownInstrument)

	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Submit(context.Background(), tickEvent("EUR_USD", 1)), ErrNotRunning)
	assert.ErrorIs(t, r.Stop(), ErrNotRunning)
}

func TestRunnerRegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register("EUR_USD", &recorder{}))
	assert.ErrorIs(t, r.Register("EUR_USD", &recorder{}), ErrDuplicate)
	assert.ElementsMatch(t, []string{"EUR_USD"}, r.Instruments())
}

func TestRunnerHandlerErrors(t *testing.T) {
	t.Parallel()

	t.Run("non-fatal errors keep the shard alive", func(t *testing.T) {
		t.Parallel()
		h := &recorder{fail: errors.New("broker rejected")}
		r := New()
		require.NoError(t, r.Register("EUR_USD", h))
		require.NoError(t, r.Start(context.Background()))
		for i := 0; i < 3; i++ {
			require.NoError(t, r.Submit(context.Background(), tickEvent("EUR_USD", i)))
		}
		require.NoError(t, r.Stop())
		assert.Len(t, h.events(), 3)
	})

	t.Run("fatal error stops every shard", func(t *testing.T) {
		t.Parallel()
		bad := &recorder{fail: fmt.Errorf("journal gone: %w", ErrFatal)}
		good := &recorder{}
		r := New(WithBuffer(1))
		require.NoError(t, r.Register("EUR_USD", bad))
		require.NoError(t, r.Register("GBP_USD", good))
		require.NoError(t, r.Start(context.Background()))

		require.NoError(t, r.Submit(context.Background(), tickEvent("EUR_USD", 0)))
		assert.Eventually(t, func() bool {
			return r.Submit(context.Background(), tickEvent("GBP_USD", 0)) != nil
		}, time.Second, time.Millisecond)

		err := r.Stop()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFatal)
		assert.Contains(t, err.Error(), "EUR_USD")
	})
}

func TestRunnerSubmitHonoursContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, ev Event) error {
		<-block
		return nil
	})
	r := New(WithBuffer(1))
	require.NoError(t, r.Register("EUR_USD", h))
	require.NoError(t, r.Start(context.Background()))

	// One event in the handler, one in the queue, the third must wait.
	require.NoError(t, r.Submit(context.Background(), tickEvent("EUR_USD", 0)))
	require.Eventually(t, func() bool {
		return r.Submit(context.Background(), tickEvent("EUR_USD", 1)) == nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Submit(ctx, tickEvent("EUR_USD", 2)), context.DeadlineExceeded)

	close(block)
	require.NoError(t, r.Stop())
}

func TestRunnerNotifyRoutesCloseNotices(t *testing.T) {
	t.Parallel()

	h := &recorder{}
	r := New()
	require.NoError(t, r.Register("EUR_USD", h))
	require.NoError(t, r.Start(context.Background()))

	r.OnTradeClosed(broker.ClosedNotice{TradeID: "T1", Instrument: "EUR_USD", Reason: broker.ReasonStopLoss})
	r.Notify(broker.ClosedNotice{TradeID: "T2", Instrument: "USD_JPY"})

	require.Eventually(t, func() bool { return len(h.events()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop())

	ev := h.events()[0]
	require.NotNil(t, ev.Closed)
	assert.Equal(t, "T1", ev.Closed.TradeID)
	assert.Equal(t, "closed", ev.kind())
}
