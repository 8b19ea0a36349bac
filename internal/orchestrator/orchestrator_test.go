package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/constraints"
	"deltamaker/internal/core"
	"deltamaker/internal/funding"
	"deltamaker/internal/gateway"
	"deltamaker/internal/logging"
	"deltamaker/internal/marketdata"
	"deltamaker/internal/oms"
	"deltamaker/internal/risk"
	"deltamaker/internal/strategy"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *gateway.SimulatedGateway) {
	symbol := "BTCUSDT"
	gw := gateway.NewSimulated(symbol, gateway.SimulatedConfig{WalkIntervalMs: 20}, logging.Global())
	gw.SeedBBO(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	gw.SetConstraints(core.LegPerpBid, core.Constraints{
		Symbol: symbol, PriceTick: decimal.NewFromFloat(0.1), SizeStep: decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(1), MinSize: decimal.NewFromFloat(0.001),
	})
	gw.SetConstraints(core.LegSpotIOC, core.Constraints{
		Symbol: symbol, PriceTick: decimal.NewFromFloat(0.01), SizeStep: decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(1), MinSize: decimal.NewFromFloat(0.0001),
	})
	gw.SetFundingRate(decimal.NewFromFloat(0.001), time.Now())

	store := constraints.New()
	normalizer := marketdata.New(symbol, 5, 2*time.Second, logging.Global())
	fundingMon := funding.New(symbol, gw, 50*time.Millisecond, logging.Global())
	omsInstance := oms.New(symbol, gw, logging.Global(), oms.Params{
		ReplaceThresholdBps: decimal.NewFromInt(2), HedgeSlipBps: decimal.NewFromInt(5),
		HedgeChaseSec: time.Second, HedgeMaxTries: 3, HedgeDeadline: 10 * time.Second,
		ChaseGain: decimal.NewFromFloat(0.5),
	})
	guards := risk.New(risk.Config{
		BookStaleSec: 2 * time.Second, FundingStaleSec: time.Minute,
		MaxUnhedgedNotional: decimal.NewFromInt(1000), MaxUnhedgedSec: 5 * time.Second,
		RejectStreakHalt: 5, ControlledReconnectGraceSec: 10 * time.Second,
	})
	stratParams := strategy.Params{
		QuoteQty: decimal.NewFromFloat(0.01), BaseHalfSpreadBps: decimal.NewFromInt(5),
		KObi: decimal.NewFromFloat(0.5), InventorySkewBps: decimal.NewFromInt(2),
		FundingSkewBps: decimal.NewFromInt(2), MinAbsFunding: decimal.NewFromFloat(0.00001),
	}

	orch := New(Config{
		Symbol: symbol, TickInterval: 20 * time.Millisecond, HedgeTickInterval: 20 * time.Millisecond,
		ExpectedPositionMode: core.PositionModeOneWay, AutoSetPositionMode: true,
	}, gw, logging.Global(), normalizer, fundingMon, store, omsInstance, guards, stratParams)

	return orch, gw
}

// S1-style: a clean startup with fresh books on both legs should reach
// QUOTING.
func TestOrchestrator_StartsUpAndReachesQuoting(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return orch.Mode() == core.ModeQuoting
	}, 400*time.Millisecond, 10*time.Millisecond)

	cancel()
	err := <-errCh
	require.True(t, err == nil || err == context.DeadlineExceeded || err == context.Canceled)
}

func TestOrchestrator_StartupFailsClosedOnPositionModeMismatch(t *testing.T) {
	orch, gw := newTestOrchestrator(t)
	orch.cfg.AutoSetPositionMode = false
	_ = gw.SetPositionMode(context.Background(), "BTCUSDT", core.PositionModeHedge)

	err := orch.Run(context.Background())
	require.Error(t, err)
}

// I6: HALTED is absorbing, so a fill delivered on the private stream must
// never reach HandleFill (and therefore never open a hedge ticket or place
// its spot leg) once the engine is Halted.
func TestHandlePrivateEvent_SkipsFillWhenHalted(t *testing.T) {
	orch, gw := newTestOrchestrator(t)
	orch.mode = core.ModeHalted

	before := gw.PlaceOrderCalls()

	fill := core.NormalizedFill{
		Leg: core.LegPerpBid, Side: core.SideBuy, Price: decimal.NewFromInt(1000),
		Qty: decimal.NewFromFloat(0.01), ClientID: "quote-perp_bid-1-abcdef12", TS: time.Now(),
	}
	orch.handlePrivateEvent(context.Background(), core.PrivateEvent{Fill: &fill})

	require.Equal(t, before, gw.PlaceOrderCalls())
	require.Zero(t, orch.oms.OpenHedgeTickets())
}

// Restart crash-safety per spec §6: startup must cancel every
// recognisable resting order before it starts trusting the fresh
// position snapshot it seeds inventory from.
func TestStartup_CancelsAllRecognisableBeforeSeedingInventory(t *testing.T) {
	orch, gw := newTestOrchestrator(t)

	err := orch.startup(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), gw.CancelAllRecognisableCalls())
}

// I6: HALTED is absorbing. Driving a reject streak through the real
// ReconcileQuotes->PlaceOrder path (rather than setting orch.mode
// directly) must trip risk.Guards' reject_streak halt, and once tripped
// no further tick or hedge tick may place another order even after the
// transient guard reason that caused it would otherwise clear.
func TestOrchestrator_RejectStreakHaltsAndStaysHalted(t *testing.T) {
	orch, gw := newTestOrchestrator(t)
	gw.SetRejectAll(true)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return orch.Mode() == core.ModeHalted
	}, 400*time.Millisecond, 10*time.Millisecond)

	// The reject streak was caused entirely by the gateway rejecting every
	// order; clearing that now must not un-halt the engine.
	gw.SetRejectAll(false)
	haltedCalls := gw.PlaceOrderCalls()

	time.Sleep(100 * time.Millisecond)

	require.Equal(t, core.ModeHalted, orch.Mode())
	require.Equal(t, haltedCalls, gw.PlaceOrderCalls())

	cancel()
	err := <-errCh
	require.True(t, err == nil || err == context.DeadlineExceeded || err == context.Canceled)
}
