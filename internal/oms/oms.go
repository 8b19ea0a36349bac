// Package oms is the order-management subsystem: client-id issuance,
// quote reconciliation, fill normalization and dedupe, and the hedge
// protocol with chase/unwind escalation.
package oms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"deltamaker/internal/core"
	"deltamaker/internal/telemetry"
	"deltamaker/pkg/tradingutils"
)

// Params are the OMS's configured thresholds, translated from the raw
// config into decimals/durations.
type Params struct {
	ReplaceThresholdBps decimal.Decimal
	HedgeSlipBps        decimal.Decimal
	HedgeChaseSec       time.Duration
	HedgeMaxTries       int
	HedgeDeadline       time.Duration
	ChaseGain           decimal.Decimal
}

// OMS owns every OrderRecord and HedgeTicket for one symbol. It is driven
// exclusively from the single-threaded orchestrator loop: no internal
// locking guards the maps below, matching the cooperative concurrency
// model.
type OMS struct {
	symbol  string
	gateway core.Gateway
	logger  core.Logger
	params  Params

	rateLimiter *rate.Limiter

	cycle uint64

	liveBySide      map[core.Side]*core.OrderRecord
	ordersByClient  map[core.ClientOrderId]*core.OrderRecord
	clientByExchID  map[string]core.ClientOrderId
	pendingFills    map[string][]core.NormalizedFill // exchOrderID -> fills awaiting the ack
	pendingFillTS   map[string]time.Time

	dedupe *dedupeSet

	hedgeTickets     map[string]*core.HedgeTicket
	hedgeSeq         uint64
	hedgeOrderTicket map[core.ClientOrderId]string

	inventory core.Inventory

	closingSymbols map[string]struct{}

	rejectStreak int

	snapshot    core.MarketSnapshot
	hasSnapshot bool
}

func New(symbol string, gateway core.Gateway, logger core.Logger, params Params) *OMS {
	return &OMS{
		symbol:         symbol,
		gateway:        gateway,
		logger:         logger.With("component", "oms", "symbol", symbol),
		params:         params,
		rateLimiter:    rate.NewLimiter(rate.Limit(25), 30),
		liveBySide:     make(map[core.Side]*core.OrderRecord),
		ordersByClient: make(map[core.ClientOrderId]*core.OrderRecord),
		clientByExchID: make(map[string]core.ClientOrderId),
		pendingFills:   make(map[string][]core.NormalizedFill),
		pendingFillTS:  make(map[string]time.Time),
		dedupe:           newDedupeSet(10000),
		hedgeTickets:     make(map[string]*core.HedgeTicket),
		hedgeOrderTicket: make(map[core.ClientOrderId]string),
		closingSymbols:   make(map[string]struct{}),
	}
}

// SetSnapshot records the latest market snapshot, consulted by the hedge
// leg and unwind pricing logic. The orchestrator calls this once per
// market-data update.
func (o *OMS) SetSnapshot(s core.MarketSnapshot) {
	o.snapshot = s
	o.hasSnapshot = true
}

func (o *OMS) latestSnapshot() (core.MarketSnapshot, bool) {
	return o.snapshot, o.hasSnapshot
}

// Inventory returns the current signed position snapshot.
func (o *OMS) Inventory() core.Inventory { return o.inventory }

// SeedInventory primes the OMS with the position-snapshot-derived
// inventory at startup, per spec §6 "begins from a fresh inventory
// derived from a position snapshot REST call".
func (o *OMS) SeedInventory(inv core.Inventory) { o.inventory = inv }

// RejectStreak returns the current count of consecutive REJECTED orders,
// fed to the reject_streak guard.
func (o *OMS) RejectStreak() int { return o.rejectStreak }

// OpenHedgeTickets returns the number of hedge tickets not yet DONE.
func (o *OMS) OpenHedgeTickets() int {
	n := 0
	for _, t := range o.hedgeTickets {
		if t.Status != core.HedgeDone {
			n++
		}
	}
	return n
}

// HedgeTickets returns every tracked ticket, for guard evaluation
// (unhedged_exposure age checks) and tests.
func (o *OMS) HedgeTickets() []*core.HedgeTicket {
	out := make([]*core.HedgeTicket, 0, len(o.hedgeTickets))
	for _, t := range o.hedgeTickets {
		out = append(out, t)
	}
	return out
}

// TryAcquireClose implements the close-exclusion cooperative flag of
// spec §4.4: the second caller for the same symbol is rejected rather
// than blocked.
func (o *OMS) TryAcquireClose(symbol string) bool {
	if _, held := o.closingSymbols[symbol]; held {
		o.logger.Info("order_skip", "reason", "close_inflight", "symbol", symbol)
		return false
	}
	o.closingSymbols[symbol] = struct{}{}
	return true
}

// ReleaseClose releases the close-exclusion flag for symbol.
func (o *OMS) ReleaseClose(symbol string) {
	delete(o.closingSymbols, symbol)
}

// ReconcileQuotes implements spec §4.4 quote reconciliation: at most one
// live order per side, cancel-then-place sequenced so the cancel is
// acknowledged before any replacement is sent.
func (o *OMS) ReconcileQuotes(ctx context.Context, plan core.QuotePlan, mid decimal.Decimal) error {
	if err := o.reconcileSide(ctx, core.SideBuy, core.LegPerpBid, plan.DesiredBid, mid); err != nil {
		return err
	}
	return o.reconcileSide(ctx, core.SideSell, core.LegPerpAsk, plan.DesiredAsk, mid)
}

func (o *OMS) reconcileSide(ctx context.Context, side core.Side, leg core.Leg, desired *core.Quote, mid decimal.Decimal) error {
	live := o.liveBySide[side]

	switch {
	case desired == nil && live != nil:
		return o.cancel(ctx, live)

	case desired != nil && live == nil:
		return o.place(ctx, side, leg, *desired)

	case desired != nil && live != nil:
		threshold := tradingutils.BpsToFraction(o.params.ReplaceThresholdBps).Mul(mid)
		priceDrift := live.Price.Sub(desired.Price).Abs()
		if priceDrift.GreaterThanOrEqual(threshold) || !live.Size.Equal(desired.Size) {
			if err := o.cancel(ctx, live); err != nil {
				return err
			}
			return o.place(ctx, side, leg, *desired)
		}
	}
	return nil
}

func (o *OMS) place(ctx context.Context, side core.Side, leg core.Leg, q core.Quote) error {
	if err := o.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	clientID := o.NewClientID(core.IntentQuote, leg)
	req := core.OrderRequest{
		ClientID: clientID,
		Leg:      leg,
		Symbol:   o.symbol,
		Side:     side,
		Price:    q.Price,
		Size:     q.Size,
		TIF:      core.TIFPostOnly,
	}

	rec := &core.OrderRecord{
		ClientID: clientID, Leg: leg, Intent: core.IntentQuote, Side: side,
		Symbol: o.symbol, Price: q.Price, Size: q.Size,
		Status: core.StatusPendingNew, CreatedTS: time.Now(), LastUpdateTS: time.Now(),
	}
	o.ordersByClient[clientID] = rec

	ack, err := o.gateway.PlaceOrder(ctx, req)
	if err != nil {
		rec.Status = core.StatusRejected
		o.rejectStreak++
		telemetry.GetGlobalMetrics().IncOrdersRejected(ctx, o.symbol, string(leg))
		o.logger.Info("order_skip", "reason", "place_failed", "client_id", clientID, "error", err)
		return nil
	}

	rec.Status = core.StatusLive
	rec.ExchOrderID = ack.ExchOrderID
	rec.LastUpdateTS = ack.AcceptedTS
	o.clientByExchID[ack.ExchOrderID] = clientID
	o.liveBySide[side] = rec
	o.rejectStreak = 0
	telemetry.GetGlobalMetrics().IncOrdersPlaced(ctx, o.symbol, string(leg))

	o.logger.Info("order_new", "intent", "quote", "leg", leg, "client_id", clientID, "price", q.Price, "size", q.Size)

	o.drainPending(ctx, rec)
	return nil
}

func (o *OMS) cancel(ctx context.Context, rec *core.OrderRecord) error {
	if err := o.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	err := o.gateway.CancelOrder(ctx, o.symbol, rec.ClientID)
	if err != nil {
		if isAlreadyFilled(err) {
			o.logger.Info("order_skip", "reason", "cancel_raced_fill", "client_id", rec.ClientID)
			delete(o.liveBySide, rec.Side)
			return nil
		}
		return fmt.Errorf("cancel %s: %w", rec.ClientID, err)
	}

	rec.Status = core.StatusCanceled
	rec.LastUpdateTS = time.Now()
	delete(o.liveBySide, rec.Side)
	telemetry.GetGlobalMetrics().IncOrdersCanceled(ctx, o.symbol, string(rec.Leg))
	o.logger.Info("order_cancel", "client_id", rec.ClientID, "leg", rec.Leg)
	return nil
}

func isAlreadyFilled(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already filled")
}

// CancelAll cancels every live quote on both sides, used by fail-closed
// guard transitions.
func (o *OMS) CancelAll(ctx context.Context) {
	for _, rec := range o.liveBySide {
		if err := o.cancel(ctx, rec); err != nil {
			o.logger.Error("cancel_all failed", "client_id", rec.ClientID, "error", err)
		}
	}
}
