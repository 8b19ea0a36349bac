package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/core"
	"deltamaker/internal/logging"
)

func TestSimulatedGateway_IdempotentPlaceOrder(t *testing.T) {
	g := NewSimulated("BTCUSDT", SimulatedConfig{}, logging.Global())

	req := core.OrderRequest{
		ClientID: "quote-perp_bid-1-abc", Leg: core.LegPerpBid, Symbol: "BTCUSDT",
		Side: core.SideBuy, Price: decimal.NewFromFloat(1000), Size: decimal.NewFromFloat(0.01),
		TIF: core.TIFPostOnly,
	}

	ack1, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	ack2, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ack1.ExchOrderID, ack2.ExchOrderID)
	require.Len(t, g.orders, 1)
}

func TestSimulatedGateway_CancelAlreadyFilledErrors(t *testing.T) {
	g := NewSimulated("BTCUSDT", SimulatedConfig{}, logging.Global())
	req := core.OrderRequest{
		ClientID: "hedge-spot_ioc-1-abc", Leg: core.LegSpotIOC, Symbol: "BTCUSDT",
		Side: core.SideSell, Price: decimal.NewFromFloat(999), Size: decimal.NewFromFloat(0.01),
		TIF: core.TIFIOC,
	}
	_, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.orders[req.ClientID].filled
	}, time.Second, 5*time.Millisecond)

	err = g.CancelOrder(context.Background(), "BTCUSDT", req.ClientID)
	require.Error(t, err)
}

// The random-walk goroutine is timing-dependent and not suitable for a
// deterministic test; fillCrossedResting is exercised directly instead
// with a crafted touch that crosses the resting order's price.
func TestSimulatedGateway_PostOnlyFillsWhenBookCrosses(t *testing.T) {
	g := NewSimulated("BTCUSDT", SimulatedConfig{}, logging.Global())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	privateCh, err := g.SubscribePrivate(ctx, core.LegPerpBid)
	require.NoError(t, err)
	<-privateCh // drain the initial ConnConnected signal

	req := core.OrderRequest{
		ClientID: "quote-perp_bid-1-xyz", Leg: core.LegPerpBid, Symbol: "BTCUSDT",
		Side: core.SideBuy, Price: decimal.NewFromInt(1000), Size: decimal.NewFromFloat(0.01),
		TIF: core.TIFPostOnly,
	}
	_, err = g.PlaceOrder(ctx, req)
	require.NoError(t, err)

	g.fillCrossedResting(core.LegPerpBid, core.DepthUpdate{
		Bids: []core.PriceLevel{{Price: decimal.NewFromInt(999)}},
		Asks: []core.PriceLevel{{Price: decimal.NewFromInt(999)}}, // touch moved below our bid: crossed
	})

	select {
	case evt := <-privateCh:
		// first event is the resting order's own OrderRecord from emitFill
		require.NotNil(t, evt.Order)
	case <-time.After(time.Second):
		t.Fatal("expected an order-record event")
	}
	select {
	case evt := <-privateCh:
		require.NotNil(t, evt.Fill)
		require.Equal(t, req.ClientID, evt.Fill.ClientID)
		require.True(t, evt.Fill.Simulated)
	case <-time.After(time.Second):
		t.Fatal("post-only order never filled when the book crossed its price")
	}
}
