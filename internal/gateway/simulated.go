// Package gateway provides the two concrete implementations of
// core.Gateway the engine is wired against: a dry-run/simulated venue for
// local testing and demos, and a REST+WS "live" venue adapter showing how
// a real exchange integration plugs into the same interface. Per Design
// Notes §9, each implementation is solely responsible for translating the
// abstract core.TIF into the venue's field names; the core never sees
// `timeInForceValue` or `force` directly.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
)

// SimulatedConfig configures the dry-run venue.
type SimulatedConfig struct {
	// SimulatedFillMode, off by default per spec §9, makes IOC fills
	// probabilistic (partial or missed) instead of always-complete, so the
	// chase/unwind escalation path can be exercised without a real venue.
	SimulatedFillMode bool
	// WalkIntervalMs paces the synthetic book random walk that drives
	// public depth updates and resting post-only fills.
	WalkIntervalMs int
	// WalkStepBps bounds each tick's random mid-price move.
	WalkStepBps float64
	Seed        int64
}

func (c SimulatedConfig) withDefaults() SimulatedConfig {
	if c.WalkIntervalMs <= 0 {
		c.WalkIntervalMs = 200
	}
	if c.WalkStepBps <= 0 {
		c.WalkStepBps = 1.5
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

type simOrder struct {
	req       core.OrderRequest
	exchID    string
	filled    bool
	createdAt time.Time
}

// SimulatedGateway implements core.Gateway entirely in-process: an
// idempotent order registry keyed by client id (grounded on the teacher's
// MockExchange.clientOrderMap) plus a randomly-walked synthetic book that
// drives public depth updates and fills resting post-only orders when the
// walk crosses their price. Every event it emits carries Simulated=true.
type SimulatedGateway struct {
	cfg    SimulatedConfig
	logger core.Logger
	symbol string

	mu                      sync.Mutex
	orders                  map[core.ClientOrderId]*simOrder
	nextExchID              int64
	placeOrderCalls         int64
	cancelAllRecognisableCalls int64
	rejectAll               bool
	rng                     *rand.Rand

	spotMid, perpMid decimal.Decimal
	spreadBps        decimal.Decimal

	constraints map[core.Leg]core.Constraints
	fundingRate decimal.Decimal
	fundingTS   time.Time
	posMode     core.PositionMode
	inventory   core.Inventory

	privateCh chan core.PrivateEvent
}

func NewSimulated(symbol string, cfg SimulatedConfig, logger core.Logger) *SimulatedGateway {
	cfg = cfg.withDefaults()
	return &SimulatedGateway{
		cfg:         cfg,
		logger:      logger.With("component", "gateway", "mode", "simulated"),
		symbol:      symbol,
		orders:      make(map[core.ClientOrderId]*simOrder),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		spotMid:     decimal.NewFromInt(1000),
		perpMid:     decimal.NewFromInt(1000),
		spreadBps:   decimal.NewFromInt(2),
		constraints: make(map[core.Leg]core.Constraints),
		posMode:     core.PositionModeOneWay,
		privateCh:   make(chan core.PrivateEvent, 64),
	}
}

// SeedBBO primes the initial spot/perp mid prices, used by callers that
// want a deterministic starting book (e.g. the S1 dry-run scenario).
func (g *SimulatedGateway) SeedBBO(spotMid, perpMid decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spotMid = spotMid
	g.perpMid = perpMid
}

// SetFundingRate sets the funding rate GetFundingRate will report.
func (g *SimulatedGateway) SetFundingRate(rate decimal.Decimal, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fundingRate = rate
	g.fundingTS = ts
}

// SetConstraints pre-registers Constraints for LoadConstraints to return.
func (g *SimulatedGateway) SetConstraints(leg core.Leg, c core.Constraints) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.constraints[leg] = c
}

// PlaceOrderCalls reports the total number of PlaceOrder invocations so
// far, for tests asserting that no further orders are placed once the
// engine is HALTED.
func (g *SimulatedGateway) PlaceOrderCalls() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placeOrderCalls
}

// CancelAllRecognisableCalls reports how many times CancelAllRecognisable
// has been invoked, for tests asserting the startup restart-safety call.
func (g *SimulatedGateway) CancelAllRecognisableCalls() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelAllRecognisableCalls
}

// SetRejectAll forces every subsequent PlaceOrder to fail, for tests that
// need to drive a reject streak through the real order-placement path
// rather than setting OMS/orchestrator state directly.
func (g *SimulatedGateway) SetRejectAll(reject bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectAll = reject
}

// SeedPosition primes the position snapshot GetPositionSnapshot returns,
// used to test the startup reconciliation path (spec §6 "begins from a
// fresh inventory derived from a position snapshot REST call").
func (g *SimulatedGateway) SeedPosition(inv core.Inventory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inventory = inv
}

func (g *SimulatedGateway) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fundingTS.IsZero() {
		return decimal.Zero, time.Time{}, fmt.Errorf("no funding rate seeded for %s", symbol)
	}
	return g.fundingRate, g.fundingTS, nil
}

func (g *SimulatedGateway) LoadConstraints(ctx context.Context, symbol string, leg core.Leg) (core.Constraints, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.constraints[leg]
	if !ok {
		return core.Constraints{}, fmt.Errorf("no constraints seeded for %s/%s", symbol, leg)
	}
	return c, nil
}

func (g *SimulatedGateway) GetPositionMode(ctx context.Context, product string) (core.PositionMode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.posMode, nil
}

func (g *SimulatedGateway) SetPositionMode(ctx context.Context, product string, mode core.PositionMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posMode = mode
	return nil
}

func (g *SimulatedGateway) GetPositionSnapshot(ctx context.Context, symbol string) (core.Inventory, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inventory, nil
}

// PlaceOrder is idempotent on ClientID: a resubmitted id returns the
// original ack without creating a second order, mirroring the teacher's
// MockExchange.clientOrderMap check.
func (g *SimulatedGateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	g.mu.Lock()
	g.placeOrderCalls++
	if g.rejectAll {
		g.mu.Unlock()
		return core.OrderAck{}, fmt.Errorf("sim_reject_all: order rejected")
	}
	if existing, ok := g.orders[req.ClientID]; ok {
		ack := core.OrderAck{ExchOrderID: existing.exchID, AcceptedTS: existing.createdAt}
		g.mu.Unlock()
		return ack, nil
	}

	g.nextExchID++
	now := time.Now()
	so := &simOrder{req: req, exchID: fmt.Sprintf("sim-%d", g.nextExchID), createdAt: now}
	g.orders[req.ClientID] = so
	g.mu.Unlock()

	if req.TIF == core.TIFIOC {
		go g.resolveIOC(so)
	}

	g.logger.Debug("order_new_accepted", "client_id", req.ClientID, "tif", req.TIF, "price", req.Price, "size", req.Size)
	return core.OrderAck{ExchOrderID: so.exchID, AcceptedTS: now}, nil
}

func (g *SimulatedGateway) CancelOrder(ctx context.Context, symbol string, clientID core.ClientOrderId) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	so, ok := g.orders[clientID]
	if !ok {
		return fmt.Errorf("order not found: %s", clientID)
	}
	if so.filled {
		return fmt.Errorf("cannot cancel order %s: already filled", clientID)
	}
	delete(g.orders, clientID)
	return nil
}

// CancelAllRecognisable drops every tracked order whose client id contains
// a hyphen, the separator of the engine's `{intent}-{leg}-{cycle}-{nonce}`
// scheme, mirroring a real venue's cancel-all-by-prefix on restart.
func (g *SimulatedGateway) CancelAllRecognisable(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAllRecognisableCalls++
	for id := range g.orders {
		if !strings.Contains(string(id), "-") {
			continue
		}
		delete(g.orders, id)
	}
	return nil
}

// resolveIOC decides the fill outcome for an IOC order and emits the
// corresponding NormalizedFill(s) onto the private stream. Outside
// SimulatedFillMode every IOC is fully marketable (the hedge/unwind
// pricing logic always quotes through the touch) and fills completely;
// inside SimulatedFillMode the fill is probabilistic so the chase/unwind
// escalation path can be exercised in dry-run.
func (g *SimulatedGateway) resolveIOC(so *simOrder) {
	g.mu.Lock()
	fillFrac := 1.0
	if g.cfg.SimulatedFillMode {
		fillFrac = g.rng.Float64()
	}
	g.mu.Unlock()

	qty := so.req.Size.Mul(decimal.NewFromFloat(fillFrac))
	if qty.IsZero() {
		return
	}

	g.mu.Lock()
	so.filled = true
	g.mu.Unlock()

	g.emitFill(so, qty)
}

func (g *SimulatedGateway) emitFill(so *simOrder, qty decimal.Decimal) {
	fill := core.NormalizedFill{
		Leg: so.req.Leg, Side: so.req.Side, Price: so.req.Price, Qty: qty,
		ClientID: so.req.ClientID, ExchOrderID: so.exchID,
		TradeID: fmt.Sprintf("%s-t", so.exchID), TS: time.Now(), Simulated: true,
	}
	rec := &core.OrderRecord{
		ClientID: so.req.ClientID, Leg: so.req.Leg, Side: so.req.Side, Symbol: so.req.Symbol,
		Price: so.req.Price, Size: so.req.Size, Status: core.StatusFilled, ExchOrderID: so.exchID,
		LastUpdateTS: fill.TS,
	}
	select {
	case g.privateCh <- core.PrivateEvent{Order: rec}:
	default:
	}
	select {
	case g.privateCh <- core.PrivateEvent{Fill: &fill}:
	default:
		g.logger.Warn("private channel full, dropping simulated fill", "client_id", so.req.ClientID)
	}
}

// SubscribePrivate returns the shared private event channel. It is
// preceded immediately by a ConnConnected signal.
func (g *SimulatedGateway) SubscribePrivate(ctx context.Context, leg core.Leg) (<-chan core.PrivateEvent, error) {
	g.privateCh <- core.PrivateEvent{Conn: core.ConnConnected}
	return g.privateCh, nil
}

// SubscribePublicBooks spawns a random-walk synthetic book for leg and
// symbol: every WalkIntervalMs it nudges the mid price by up to
// WalkStepBps and publishes a top-of-book depth update, checking resting
// post-only orders for the leg against the new touch.
func (g *SimulatedGateway) SubscribePublicBooks(ctx context.Context, symbol string, leg core.Leg) (<-chan core.DepthUpdate, error) {
	ch := make(chan core.DepthUpdate, 4)
	go g.walk(ctx, leg, ch)
	return ch, nil
}

func (g *SimulatedGateway) walk(ctx context.Context, leg core.Leg, ch chan<- core.DepthUpdate) {
	ticker := time.NewTicker(time.Duration(g.cfg.WalkIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update := g.nextBookUpdate(leg)
			select {
			case ch <- update:
			case <-ctx.Done():
				return
			}
			g.fillCrossedResting(leg, update)
		}
	}
}

func (g *SimulatedGateway) nextBookUpdate(leg core.Leg) core.DepthUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	stepFrac := (g.rng.Float64()*2 - 1) * g.cfg.WalkStepBps / 10000
	move := decimal.NewFromFloat(stepFrac)

	var mid *decimal.Decimal
	if leg == core.LegSpotIOC {
		mid = &g.spotMid
	} else {
		mid = &g.perpMid
	}
	*mid = mid.Mul(decimal.NewFromInt(1).Add(move))

	half := tradingHalfSpread(*mid, g.spreadBps)
	bid := mid.Sub(half)
	ask := mid.Add(half)
	now := time.Now()

	return core.DepthUpdate{
		Symbol: g.symbol, Leg: leg, TS: now,
		Bids: []core.PriceLevel{{Price: bid, Size: decimal.NewFromInt(10)}},
		Asks: []core.PriceLevel{{Price: ask, Size: decimal.NewFromInt(10)}},
	}
}

func tradingHalfSpread(mid, bps decimal.Decimal) decimal.Decimal {
	return mid.Mul(bps).Div(decimal.NewFromInt(20000))
}

// fillCrossedResting fills any resting post-only order on leg whose price
// the new touch has crossed, emitting a fully-filled NormalizedFill.
func (g *SimulatedGateway) fillCrossedResting(leg core.Leg, update core.DepthUpdate) {
	if len(update.Bids) == 0 || len(update.Asks) == 0 {
		return
	}
	touchBid, touchAsk := update.Bids[0].Price, update.Asks[0].Price

	g.mu.Lock()
	var toFill []*simOrder
	for _, so := range g.orders {
		if so.filled || so.req.TIF != core.TIFPostOnly || so.req.Leg != leg {
			continue
		}
		crossed := (so.req.Side == core.SideBuy && so.req.Price.GreaterThanOrEqual(touchAsk)) ||
			(so.req.Side == core.SideSell && so.req.Price.LessThanOrEqual(touchBid))
		if crossed {
			toFill = append(toFill, so)
		}
	}
	g.mu.Unlock()

	for _, so := range toFill {
		g.mu.Lock()
		so.filled = true
		g.mu.Unlock()
		g.emitFill(so, so.req.Size)
	}
}

var _ core.Gateway = (*SimulatedGateway)(nil)
