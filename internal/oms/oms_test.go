package oms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/core"
	"deltamaker/internal/logging"
)

type fakeGateway struct {
	core.Gateway
	nextExchID   int
	placed       []core.OrderRequest
	canceled     []core.ClientOrderId
	placeErr     error
	cancelErr    error
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	g.placed = append(g.placed, req)
	if g.placeErr != nil {
		return core.OrderAck{}, g.placeErr
	}
	g.nextExchID++
	return core.OrderAck{ExchOrderID: decimal.NewFromInt(int64(g.nextExchID)).String(), AcceptedTS: time.Now()}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol string, clientID core.ClientOrderId) error {
	g.canceled = append(g.canceled, clientID)
	return g.cancelErr
}

func testParams() Params {
	return Params{
		ReplaceThresholdBps: decimal.NewFromInt(2),
		HedgeSlipBps:        decimal.NewFromInt(5),
		HedgeChaseSec:       time.Second,
		HedgeMaxTries:       3,
		HedgeDeadline:       10 * time.Second,
		ChaseGain:           decimal.NewFromFloat(0.5),
	}
}

func snapshot() core.MarketSnapshot {
	return core.MarketSnapshot{
		SpotBBO: core.BBO{BidPrice: decimal.NewFromFloat(1000), AskPrice: decimal.NewFromFloat(1000.2)},
		PerpBBO: core.BBO{BidPrice: decimal.NewFromFloat(1000.1), AskPrice: decimal.NewFromFloat(1000.3)},
	}
}

// registerQuote records a live perp quote under id, as place() would, so
// a perp fill carrying that client id is attributed and processed rather
// than held in the pending-fill buffer.
func registerQuote(o *OMS, id core.ClientOrderId, leg core.Leg, side core.Side) {
	o.ordersByClient[id] = &core.OrderRecord{ClientID: id, Leg: leg, Intent: core.IntentQuote, Side: side, Status: core.StatusLive}
}

func TestReconcileQuotes_PlacesBothSidesWhenNoneLive(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())

	plan := core.QuotePlan{
		DesiredBid: &core.Quote{Price: decimal.NewFromFloat(1000), Size: decimal.NewFromFloat(0.01)},
		DesiredAsk: &core.Quote{Price: decimal.NewFromFloat(1000.2), Size: decimal.NewFromFloat(0.01)},
	}
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000.1)))
	require.Len(t, gw.placed, 2)
	require.Len(t, o.liveBySide, 2)
}

// I3: at most one live order per side — a second reconcile with a small
// price move inside the replace threshold must not place again.
func TestReconcileQuotes_NoReplaceWithinThreshold(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())

	plan := core.QuotePlan{
		DesiredBid: &core.Quote{Price: decimal.NewFromFloat(1000), Size: decimal.NewFromFloat(0.01)},
	}
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))
	require.Len(t, gw.placed, 1)

	// Move by less than 2bps of mid (1000 * 0.0002 = 0.2).
	plan.DesiredBid.Price = decimal.NewFromFloat(1000.05)
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))
	require.Len(t, gw.placed, 1)
	require.Empty(t, gw.canceled)
	require.Len(t, o.liveBySide, 1)
}

func TestReconcileQuotes_ReplacesBeyondThreshold(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())

	plan := core.QuotePlan{
		DesiredBid: &core.Quote{Price: decimal.NewFromFloat(1000), Size: decimal.NewFromFloat(0.01)},
	}
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))

	plan.DesiredBid.Price = decimal.NewFromFloat(995)
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))
	require.Len(t, gw.placed, 2)
	require.Len(t, gw.canceled, 1)
}

// I2: a duplicate fill must have no side effect on inventory.
func TestHandleFill_DedupeNoSideEffect(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())
	o.SetSnapshot(snapshot())

	fill := core.NormalizedFill{
		Leg: core.LegPerpBid, Side: core.SideBuy, Price: decimal.NewFromFloat(1000),
		Qty: decimal.NewFromFloat(0.01), ClientID: "quote-perp_bid-1-abc", TradeID: "t1", TS: time.Now(),
	}
	require.True(t, o.HandleFill(context.Background(), fill))
	after := o.Inventory()

	require.False(t, o.HandleFill(context.Background(), fill))
	require.True(t, o.Inventory().PerpPos.Equal(after.PerpPos))
}

// I1: hedge ticket invariant want_qty == filled_qty + remain.
func TestOnPerpFill_OpensHedgeTicketWithInvariant(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())
	o.SetSnapshot(snapshot())
	registerQuote(o, "quote-perp_bid-1-abc", core.LegPerpBid, core.SideBuy)

	fill := core.NormalizedFill{
		Leg: core.LegPerpBid, Side: core.SideBuy, Price: decimal.NewFromFloat(1000),
		Qty: decimal.NewFromFloat(0.02), ClientID: "quote-perp_bid-1-abc", TradeID: "t1", TS: time.Now(),
	}
	o.HandleFill(context.Background(), fill)

	tickets := o.HedgeTickets()
	require.Len(t, tickets, 1)
	tk := tickets[0]
	require.True(t, tk.WantQty.Equal(tk.FilledQty.Add(tk.Remain)))
	require.Equal(t, core.SideSell, tk.Side)
	require.Len(t, gw.placed, 1)
	require.Equal(t, core.TIFIOC, gw.placed[0].TIF)
}

func TestOnSpotFill_ReducesRemainAndCompletes(t *testing.T) {
	gw := &fakeGateway{}
	o := New("BTCUSDT", gw, logging.Global(), testParams())
	o.SetSnapshot(snapshot())
	registerQuote(o, "quote-perp_bid-1-abc", core.LegPerpBid, core.SideBuy)

	perpFill := core.NormalizedFill{
		Leg: core.LegPerpBid, Side: core.SideBuy, Qty: decimal.NewFromFloat(0.02),
		Price: decimal.NewFromFloat(1000), ClientID: "quote-perp_bid-1-abc", TradeID: "t1", TS: time.Now(),
	}
	o.HandleFill(context.Background(), perpFill)
	tk := o.HedgeTickets()[0]

	spotClientID := gw.placed[len(gw.placed)-1].ClientID
	spotFill := core.NormalizedFill{
		Leg: core.LegSpotIOC, Side: core.SideSell, Qty: decimal.NewFromFloat(0.02),
		Price: decimal.NewFromFloat(999.9), ClientID: spotClientID, TradeID: "t2", TS: time.Now(),
	}
	o.HandleFill(context.Background(), spotFill)

	require.Equal(t, core.HedgeDone, tk.Status)
	require.True(t, tk.Remain.IsZero())
}

func TestTickHedges_UnwindsAfterDeadline(t *testing.T) {
	gw := &fakeGateway{}
	params := testParams()
	params.HedgeDeadline = -time.Second // already expired
	o := New("BTCUSDT", gw, logging.Global(), params)
	o.SetSnapshot(snapshot())
	registerQuote(o, "quote-perp_bid-1-abc", core.LegPerpBid, core.SideBuy)

	perpFill := core.NormalizedFill{
		Leg: core.LegPerpBid, Side: core.SideBuy, Qty: decimal.NewFromFloat(0.02),
		Price: decimal.NewFromFloat(1000), ClientID: "quote-perp_bid-1-abc", TradeID: "t1", TS: time.Now().Add(-time.Minute),
	}
	o.HandleFill(context.Background(), perpFill)

	o.TickHedges(context.Background(), time.Now())

	tk := o.HedgeTickets()[0]
	require.Equal(t, core.HedgeUnwind, tk.Status)
}

func TestCancel_AlreadyFilledClearsLiveSlot(t *testing.T) {
	gw := &fakeGateway{cancelErr: errors.New("order already filled")}
	o := New("BTCUSDT", gw, logging.Global(), testParams())

	plan := core.QuotePlan{DesiredBid: &core.Quote{Price: decimal.NewFromFloat(1000), Size: decimal.NewFromFloat(0.01)}}
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))

	plan.DesiredBid = nil
	require.NoError(t, o.ReconcileQuotes(context.Background(), plan, decimal.NewFromFloat(1000)))
	require.Empty(t, o.liveBySide)
}

func TestTryAcquireClose_RejectsSecondCaller(t *testing.T) {
	o := New("BTCUSDT", &fakeGateway{}, logging.Global(), testParams())
	require.True(t, o.TryAcquireClose("BTCUSDT"))
	require.False(t, o.TryAcquireClose("BTCUSDT"))
	o.ReleaseClose("BTCUSDT")
	require.True(t, o.TryAcquireClose("BTCUSDT"))
}
