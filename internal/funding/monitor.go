// Package funding polls the venue's funding-rate endpoint on an interval
// and exposes the latest known value with a freshness timestamp.
package funding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"deltamaker/internal/core"
)

// Monitor polls a single symbol's funding rate. On a failed poll it
// retains the previous value and does not refresh the timestamp, so the
// staleness guard fires if the venue stops answering.
type Monitor struct {
	symbol  string
	gateway core.Gateway
	logger  core.Logger
	poll    time.Duration

	state atomic.Value // holds core.FundingState

	mu          sync.Mutex
	subscribers []chan core.FundingState
}

func New(symbol string, gateway core.Gateway, poll time.Duration, logger core.Logger) *Monitor {
	m := &Monitor{
		symbol:  symbol,
		gateway: gateway,
		poll:    poll,
		logger:  logger.With("component", "funding", "symbol", symbol),
	}
	m.state.Store(core.FundingState{})
	return m
}

// Latest returns the most recently known FundingState.
func (m *Monitor) Latest() core.FundingState {
	return m.state.Load().(core.FundingState)
}

// Subscribe returns a channel receiving every successful poll's result.
func (m *Monitor) Subscribe() <-chan core.FundingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan core.FundingState, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Run polls at the configured interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.pollOnce(ctx)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	rate, ts, err := m.gateway.GetFundingRate(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("funding poll failed, retaining previous value", "error", err)
		return
	}

	state := core.FundingState{Rate: rate, LastUpdateTS: ts}
	m.state.Store(state)
	m.broadcast(state)
}

func (m *Monitor) broadcast(state core.FundingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscribers {
		select {
		case sub <- state:
		default:
		}
	}
}
