package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
)

// SeedResidualUnwind opens a hedge ticket for a non-zero net position
// found in the startup position snapshot, per spec §6 "any mid-flight
// hedge... residual exposure triggers an immediate unwind at startup".
// The initial leg attempt is best-effort: with no market data yet
// available the attempt is a safe no-op, and TickHedges's chase path
// retries it once a snapshot arrives.
func (o *OMS) SeedResidualUnwind(ctx context.Context, net decimal.Decimal) {
	if net.IsZero() {
		return
	}
	if !o.TryAcquireClose(o.symbol) {
		return
	}
	defer o.ReleaseClose(o.symbol)

	side := core.SideSell
	if net.IsNegative() {
		side = core.SideBuy
	}

	o.hedgeSeq++
	ticket := &core.HedgeTicket{
		HedgeID:    fmt.Sprintf("startup-%d", o.hedgeSeq),
		Side:       side,
		WantQty:    net.Abs(),
		FilledQty:  decimal.Zero,
		Remain:     net.Abs(),
		DeadlineTS: time.Now().Add(o.params.HedgeDeadline),
		Status:     core.HedgeOpen,
		CreatedTS:  time.Now(),
	}
	o.hedgeTickets[ticket.HedgeID] = ticket
	o.logger.Info("startup_unwind_seeded", "hedge_id", ticket.HedgeID, "side", side, "want_qty", ticket.WantQty)

	o.attemptHedgeLeg(ctx, ticket, o.params.HedgeSlipBps)
}

// onPerpFill opens a new hedge ticket for every perpetual fill and
// immediately attempts the spot IOC leg, per spec §4.4 steps 1-2.
func (o *OMS) onPerpFill(ctx context.Context, fill core.NormalizedFill) {
	hedgeSide := fill.Side.Opposite()

	o.hedgeSeq++
	ticket := &core.HedgeTicket{
		HedgeID:    fmt.Sprintf("hdg-%d", o.hedgeSeq),
		Side:       hedgeSide,
		WantQty:    fill.Qty,
		FilledQty:  decimal.Zero,
		Remain:     fill.Qty,
		DeadlineTS: fill.TS.Add(o.params.HedgeDeadline),
		Status:     core.HedgeOpen,
		CreatedTS:  fill.TS,
	}
	o.hedgeTickets[ticket.HedgeID] = ticket

	o.logger.Info("hedge_open", "hedge_id", ticket.HedgeID, "side", hedgeSide, "want_qty", fill.Qty)

	o.attemptHedgeLeg(ctx, ticket, o.params.HedgeSlipBps)
}

// attemptHedgeLeg sends (or re-sends) the spot IOC order covering a
// ticket's remaining quantity, at slipBps of slippage off the current
// spot BBO side matching hedgeSide.
func (o *OMS) attemptHedgeLeg(ctx context.Context, ticket *core.HedgeTicket, slipBps decimal.Decimal) {
	if ticket.Remain.LessThanOrEqual(decimal.Zero) {
		return
	}
	ticket.LastAttemptTS = time.Now()

	snapshot, ok := o.latestSnapshot()
	if !ok {
		o.logger.Warn("hedge_leg_skip", "hedge_id", ticket.HedgeID, "reason", "no_market_data")
		return
	}

	price := hedgeLegPrice(ticket.Side, snapshot.SpotBBO, slipBps)
	clientID := o.NewClientID(core.IntentHedge, core.LegSpotIOC)
	req := core.OrderRequest{
		ClientID: clientID,
		Leg:      core.LegSpotIOC,
		Symbol:   o.symbol,
		Side:     ticket.Side,
		Price:    price,
		Size:     ticket.Remain,
		TIF:      core.TIFIOC,
	}

	rec := &core.OrderRecord{
		ClientID: clientID, Leg: core.LegSpotIOC, Intent: core.IntentHedge, Side: ticket.Side,
		Symbol: o.symbol, Price: price, Size: ticket.Remain,
		Status: core.StatusPendingNew, CreatedTS: time.Now(), LastUpdateTS: time.Now(),
	}
	o.ordersByClient[clientID] = rec
	o.hedgeOrderTicket[clientID] = ticket.HedgeID

	ack, err := o.gateway.PlaceOrder(ctx, req)
	if err != nil {
		rec.Status = core.StatusRejected
		o.logger.Info("order_skip", "reason", "hedge_leg_failed", "hedge_id", ticket.HedgeID, "error", err)
		return
	}
	rec.ExchOrderID = ack.ExchOrderID
	rec.LastUpdateTS = ack.AcceptedTS
	o.clientByExchID[ack.ExchOrderID] = clientID
	o.drainPending(ctx, rec)
}

// onSpotFill decrements the remain of whichever open ticket this fill's
// client id (or its reconstructed equivalent) is attached to.
func (o *OMS) onSpotFill(fill core.NormalizedFill) {
	clientID := fill.ClientID
	if clientID == "" {
		clientID = o.clientByExchID[fill.ExchOrderID]
	}
	hedgeID, ok := o.hedgeOrderTicket[clientID]
	if !ok {
		return
	}
	ticket, ok := o.hedgeTickets[hedgeID]
	if !ok {
		return
	}

	ticket.FilledQty = ticket.FilledQty.Add(fill.Qty)
	ticket.Remain = ticket.WantQty.Sub(ticket.FilledQty)
	if ticket.Remain.LessThanOrEqual(decimal.Zero) {
		ticket.Remain = decimal.Zero
		ticket.Status = core.HedgeDone
		o.logger.Info("hedge_done", "hedge_id", ticket.HedgeID, "filled_qty", ticket.FilledQty)
	}
}

// TickHedges drives the chase/unwind escalation for every open ticket,
// called once per strategy tick per spec §4.4 steps 3-6.
func (o *OMS) TickHedges(ctx context.Context, now time.Time) {
	for _, ticket := range o.hedgeTickets {
		if ticket.Status == core.HedgeDone || ticket.Status == core.HedgeUnwind {
			continue
		}

		if now.After(ticket.DeadlineTS) || ticket.Tries >= o.params.HedgeMaxTries {
			o.unwindHedge(ctx, ticket)
			continue
		}

		if now.Sub(ticket.LastAttemptTS) >= o.params.HedgeChaseSec {
			ticket.Status = core.HedgeChasing
			ticket.Tries++
			gain := decimal.NewFromInt(1).Add(o.params.ChaseGain.Mul(decimal.NewFromInt(int64(ticket.Tries))))
			widenedSlip := o.params.HedgeSlipBps.Mul(gain)
			o.logger.Info("hedge_chase", "hedge_id", ticket.HedgeID, "tries", ticket.Tries)
			o.attemptHedgeLeg(ctx, ticket, widenedSlip)
		}
	}
}

// ForceUnwind drives a specific open ticket straight to UNWIND, used by the
// risk guard's unhedged_exposure action ("cancel all quotes; trigger unwind
// on offending ticket") to target the ticket whose age tripped the guard
// rather than waiting for its own deadline/chase budget to expire.
func (o *OMS) ForceUnwind(ctx context.Context, hedgeID string) {
	ticket, ok := o.hedgeTickets[hedgeID]
	if !ok || ticket.Status == core.HedgeDone || ticket.Status == core.HedgeUnwind {
		return
	}
	o.unwindHedge(ctx, ticket)
}

// unwindHedge escalates a ticket past its retry/deadline budget into a
// reduce-only perpetual unwind of the still-unhedged remainder, per spec
// §4.4 step 6. Both of its callers — TickHedges's deadline/max-tries path
// and the guard-driven ForceUnwind — race for the same per-symbol close
// exclusion flag, so only one unwind for this symbol is ever in flight.
func (o *OMS) unwindHedge(ctx context.Context, ticket *core.HedgeTicket) {
	if ticket.Remain.LessThanOrEqual(decimal.Zero) {
		ticket.Status = core.HedgeDone
		return
	}
	if !o.TryAcquireClose(o.symbol) {
		return
	}
	defer o.ReleaseClose(o.symbol)

	clientID := o.NewClientID(core.IntentUnwind, core.LegPerpUnwind)
	snapshot, ok := o.latestSnapshot()
	if !ok {
		o.logger.Warn("unwind_skip", "hedge_id", ticket.HedgeID, "reason", "no_market_data")
		return
	}
	price := unwindPrice(ticket.Side, snapshot.PerpBBO)

	req := core.OrderRequest{
		ClientID: clientID, Leg: core.LegPerpUnwind, Symbol: o.symbol,
		Side: ticket.Side, Price: price, Size: ticket.Remain,
		TIF: core.TIFIOC, ReduceOnly: true,
	}

	ticket.Status = core.HedgeUnwind
	o.logger.Info("hedge_unwind", "hedge_id", ticket.HedgeID, "remain", ticket.Remain)

	ack, err := o.gateway.PlaceOrder(ctx, req)
	if err != nil {
		o.logger.Error("unwind order failed", "hedge_id", ticket.HedgeID, "error", err)
		return
	}
	o.clientByExchID[ack.ExchOrderID] = clientID
	o.hedgeOrderTicket[clientID] = ticket.HedgeID
}
