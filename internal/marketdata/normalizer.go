// Package marketdata normalizes raw depth updates on both legs into the
// engine's MarketSnapshot, with OBI derivation. Each snapshot carries a
// Fallback mark taken from the updates that built it; the normalizer does
// not choose or switch between the primary and fallback channels itself.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
)

const defaultLevels = 5

// Normalizer publishes the freshest MarketSnapshot via a single-slot
// mailbox: readers always get the latest value, missed intermediate
// snapshots are acceptable.
type Normalizer struct {
	symbol string
	logger core.Logger

	levels    int
	bookStale time.Duration

	latest     atomic.Value // holds core.MarketSnapshot
	lastUpdate atomic.Value // holds time.Time

	spotBids, spotAsks []core.PriceLevel
	perpBids, perpAsks []core.PriceLevel
	spotTS, perpTS     time.Time
	spotFallback       bool
	perpFallback       bool

	mu sync.Mutex

	subscribers []chan core.MarketSnapshot
}

func New(symbol string, levels int, bookStale time.Duration, logger core.Logger) *Normalizer {
	if levels <= 0 {
		levels = defaultLevels
	}
	n := &Normalizer{
		symbol:    symbol,
		levels:    levels,
		bookStale: bookStale,
		logger:    logger.With("component", "marketdata", "symbol", symbol),
	}
	n.latest.Store(core.MarketSnapshot{})
	n.lastUpdate.Store(time.Time{})
	return n
}

// Subscribe returns a channel receiving every published snapshot. The
// buffer is small and lossy by design: a slow subscriber sees only the
// freshest value, matching the mailbox semantics of the primary Latest
// accessor.
func (n *Normalizer) Subscribe() <-chan core.MarketSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan core.MarketSnapshot, 1)
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Latest returns the freshest published snapshot.
func (n *Normalizer) Latest() core.MarketSnapshot {
	return n.latest.Load().(core.MarketSnapshot)
}

// LastUpdateTS reports when the last snapshot was published, for
// freshness/staleness checks by the risk guards.
func (n *Normalizer) LastUpdateTS() time.Time {
	return n.lastUpdate.Load().(time.Time)
}

// Run consumes depth updates from both legs until ctx is canceled.
func (n *Normalizer) Run(ctx context.Context, spot, perp <-chan core.DepthUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-spot:
			if !ok {
				return fmt.Errorf("spot depth stream closed")
			}
			n.applyUpdate(core.LegSpotIOC, u)
		case u, ok := <-perp:
			if !ok {
				return fmt.Errorf("perp depth stream closed")
			}
			n.applyUpdate(core.LegPerpBid, u)
		}
	}
}

func (n *Normalizer) applyUpdate(leg core.Leg, u core.DepthUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch leg {
	case core.LegSpotIOC:
		n.spotBids, n.spotAsks = u.Bids, u.Asks
		n.spotTS = u.TS
		n.spotFallback = u.Fallback
	default:
		n.perpBids, n.perpAsks = u.Bids, u.Asks
		n.perpTS = u.TS
		n.perpFallback = u.Fallback
	}

	if len(n.spotBids) == 0 || len(n.spotAsks) == 0 || len(n.perpBids) == 0 || len(n.perpAsks) == 0 {
		return
	}

	snapshot := n.buildSnapshot()
	if snapshot.Crossed() {
		n.logger.Warn("discarding crossed snapshot", "spot_bid", snapshot.SpotBBO.BidPrice, "spot_ask", snapshot.SpotBBO.AskPrice, "perp_bid", snapshot.PerpBBO.BidPrice, "perp_ask", snapshot.PerpBBO.AskPrice)
		return
	}

	n.latest.Store(snapshot)
	n.lastUpdate.Store(snapshot.TS)
	n.broadcast(snapshot)
}

func (n *Normalizer) buildSnapshot() core.MarketSnapshot {
	levels := n.levels
	if len(n.perpBids) < levels {
		levels = len(n.perpBids)
	}
	if len(n.perpAsks) < levels {
		levels = len(n.perpAsks)
	}
	if levels <= 0 {
		levels = 1
	}

	bids := n.perpBids
	if len(bids) > levels {
		bids = bids[:levels]
	}
	asks := n.perpAsks
	if len(asks) > levels {
		asks = asks[:levels]
	}

	ts := n.spotTS
	if n.perpTS.After(ts) {
		ts = n.perpTS
	}

	return core.MarketSnapshot{
		SpotBBO: core.BBO{
			BidPrice: n.spotBids[0].Price, BidSize: n.spotBids[0].Size,
			AskPrice: n.spotAsks[0].Price, AskSize: n.spotAsks[0].Size,
			TS: n.spotTS,
		},
		PerpBBO: core.BBO{
			BidPrice: n.perpBids[0].Price, BidSize: n.perpBids[0].Size,
			AskPrice: n.perpAsks[0].Price, AskSize: n.perpAsks[0].Size,
			TS: n.perpTS,
		},
		PerpBids:   bids,
		PerpAsks:   asks,
		OBI:        ComputeOBI(bids, asks),
		LevelsUsed: levels,
		Fallback:   n.spotFallback || n.perpFallback,
		TS:         ts,
	}
}

// ComputeOBI implements the order-book-imbalance formula of spec §4.1,
// clipped into [-1,+1] and well-defined (zero) when both sides have no
// liquidity.
func ComputeOBI(bids, asks []core.PriceLevel) decimal.Decimal {
	bidSum := decimal.Zero
	for _, l := range bids {
		bidSum = bidSum.Add(l.Size)
	}
	askSum := decimal.Zero
	for _, l := range asks {
		askSum = askSum.Add(l.Size)
	}

	denom := bidSum.Add(askSum)
	const epsilon = "0.00000001"
	eps, _ := decimal.NewFromString(epsilon)
	denom = denom.Add(eps)
	if denom.IsZero() {
		return decimal.Zero
	}

	obi := bidSum.Sub(askSum).Div(denom)
	one := decimal.NewFromInt(1)
	if obi.GreaterThan(one) {
		return one
	}
	if obi.LessThan(one.Neg()) {
		return one.Neg()
	}
	return obi
}

func (n *Normalizer) broadcast(snapshot core.MarketSnapshot) {
	for _, sub := range n.subscribers {
		select {
		case sub <- snapshot:
		default:
			// mailbox semantics: drop rather than block a slow reader
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- snapshot:
			default:
			}
		}
	}
}
