package oms

import (
	"context"
	"time"

	"deltamaker/internal/core"
	"deltamaker/internal/telemetry"
)

// pendingFillGrace bounds how long a fill that arrives before its order's
// PlaceOrder ack is held, per spec §5's fill-before-ack ordering note.
const pendingFillGrace = 2 * time.Second

// HandleFill is the single entry point for every normalized fill, whether
// sourced from the private stream or (in dry-run) the simulated gateway.
// It dedupes, attributes the fill to an OrderRecord, updates inventory and
// drives the hedge-ticket protocol. Returns false if the fill was a
// duplicate and no state changed.
func (o *OMS) HandleFill(ctx context.Context, fill core.NormalizedFill) bool {
	key := core.NewDedupeKey(fill)
	if o.dedupe.SeenBefore(key) {
		o.logger.Debug("fill_dedupe_skip", "leg", fill.Leg, "trade_id", fill.TradeID)
		return false
	}

	rec := o.attributeFill(fill)
	if rec == nil {
		// Buffered until the place-order ack resolves its client_id; the
		// dedupe key is already marked seen so a replay of this same fill
		// is dropped, and drainPending applies it exactly once on resolution.
		return true
	}
	o.processFill(ctx, rec, fill)
	return true
}

// processFill applies a fully-attributed fill's inventory delta and drives
// the hedge protocol. Called either directly from HandleFill, or from
// drainPending once a previously-unattributed fill's order record resolves.
func (o *OMS) processFill(ctx context.Context, rec *core.OrderRecord, fill core.NormalizedFill) {
	o.applyFillToInventory(fill)
	telemetry.GetGlobalMetrics().IncFills(ctx, o.symbol, string(fill.Leg))

	o.logger.Info("fill", "leg", fill.Leg, "side", fill.Side, "price", fill.Price,
		"qty", fill.Qty, "client_id", fill.ClientID, "simulated", fill.Simulated)

	switch fill.Leg {
	case core.LegPerpBid, core.LegPerpAsk:
		o.onPerpFill(ctx, fill)
	case core.LegSpotIOC, core.LegSpotUnwind:
		o.onSpotFill(fill)
	}

	rec.LastUpdateTS = fill.TS
	if rec.Status != core.StatusFilled {
		rec.Status = core.StatusPartial
	}
}

// attributeFill resolves the OrderRecord a fill belongs to, reconstructing
// the ClientID from the exch-order-id reverse map when the private stream
// omitted it (the spot leg's typical case).
func (o *OMS) attributeFill(fill core.NormalizedFill) *core.OrderRecord {
	clientID := fill.ClientID
	if clientID == "" {
		if cid, ok := o.clientByExchID[fill.ExchOrderID]; ok {
			clientID = cid
		}
	}
	if clientID == "" {
		o.bufferPending(fill)
		return nil
	}

	rec, ok := o.ordersByClient[clientID]
	if !ok {
		o.bufferPending(fill)
		return nil
	}
	return rec
}

// bufferPending holds a fill whose order hasn't been acked yet, first
// dropping any buffered entries that have waited longer than
// pendingFillGrace. place() calls drainPending once a record becomes known.
func (o *OMS) bufferPending(fill core.NormalizedFill) {
	now := time.Now()
	for k, ts := range o.pendingFillTS {
		if now.Sub(ts) > pendingFillGrace {
			o.logger.Warn("pending_fill_expired", "key", k)
			delete(o.pendingFills, k)
			delete(o.pendingFillTS, k)
		}
	}

	key := fill.ExchOrderID
	if key == "" {
		key = string(fill.ClientID)
	}
	o.pendingFills[key] = append(o.pendingFills[key], fill)
	o.pendingFillTS[key] = now
}

// drainPending re-applies any fills that arrived before rec's ack, and
// discards entries older than pendingFillGrace.
func (o *OMS) drainPending(ctx context.Context, rec *core.OrderRecord) {
	for _, key := range []string{rec.ExchOrderID, string(rec.ClientID)} {
		fills, ok := o.pendingFills[key]
		if !ok {
			continue
		}
		delete(o.pendingFills, key)
		delete(o.pendingFillTS, key)
		for _, f := range fills {
			if time.Since(f.TS) > pendingFillGrace {
				o.logger.Warn("pending_fill_expired", "client_id", rec.ClientID)
				continue
			}
			o.processFill(ctx, rec, f)
		}
	}
}

func (o *OMS) applyFillToInventory(fill core.NormalizedFill) {
	signed := fill.Qty
	if fill.Side == core.SideSell {
		signed = signed.Neg()
	}
	switch fill.Leg {
	case core.LegPerpBid, core.LegPerpAsk, core.LegPerpUnwind:
		o.inventory.PerpPos = o.inventory.PerpPos.Add(signed)
	case core.LegSpotIOC, core.LegSpotUnwind:
		o.inventory.SpotPos = o.inventory.SpotPos.Add(signed)
	}
}
