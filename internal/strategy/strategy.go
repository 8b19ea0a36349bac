// Package strategy computes the per-tick QuotePlan. It is a pure function:
// same inputs always produce the same output, with no I/O of its own.
package strategy

import (
	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
	"deltamaker/pkg/tradingutils"
)

// Params are the Strategy's configured pricing parameters, already
// converted from the raw bps/float config fields into decimals.
type Params struct {
	QuoteQty            decimal.Decimal
	BaseHalfSpreadBps   decimal.Decimal
	KObi                decimal.Decimal
	InventorySkewBps    decimal.Decimal
	FundingSkewBps      decimal.Decimal
	MinAbsFunding       decimal.Decimal
}

// Compute implements spec §4.3 steps 1-7. guardReasons is non-empty when
// any enabling guard is currently failing; its first entry becomes the
// QuotePlan's reason.
func Compute(snapshot core.MarketSnapshot, funding core.FundingState, inv core.Inventory, constraints core.Constraints, guardReasons []string, p Params) core.QuotePlan {
	if len(guardReasons) > 0 {
		return core.QuotePlan{Reason: guardReasons[0]}
	}

	if funding.Rate.Abs().LessThan(p.MinAbsFunding) {
		return core.QuotePlan{Reason: "funding_too_thin"}
	}

	mid := snapshot.PerpBBO.Mid()
	obiAdjusted := mid.Mul(decimal.NewFromInt(1).Add(p.KObi.Mul(snapshot.OBI)))

	// The reservation price, not the half-spread, is what can push quotes
	// asymmetrically away from the side the engine is already long on or
	// the side disfavored by funding: pkg/tradingutils.SkewedPrice pulls a
	// base price down in proportion to how far inventory sits above its
	// (zero) target, and the same shift favors accumulating the side that
	// funding currently pays to hold. A half-spread applied symmetrically
	// to a single reservation price cannot express that directionality.
	invSkewFactor := tradingutils.BpsToFraction(p.InventorySkewBps)
	r := tradingutils.SkewedPrice(obiAdjusted, inv.Net(), decimal.Zero, invSkewFactor)

	fundingSkew := tradingutils.BpsToFraction(p.FundingSkewBps).Mul(sign(funding.Rate))
	r = r.Mul(decimal.NewFromInt(1).Sub(fundingSkew))

	h := tradingutils.BpsToFraction(p.BaseHalfSpreadBps)

	rawBid := r.Mul(decimal.NewFromInt(1).Sub(h))
	rawAsk := r.Mul(decimal.NewFromInt(1).Add(h))

	plan := core.QuotePlan{Reason: "ok"}

	bidPx := tradingutils.FloorToStep(rawBid, constraints.PriceTick)
	if bidPx.LessThanOrEqual(snapshot.PerpBBO.BidPrice) {
		qty := tradingutils.FloorToStep(p.QuoteQty, constraints.SizeStep)
		if bidPx.Mul(qty).GreaterThanOrEqual(constraints.MinNotional) && qty.GreaterThan(decimal.Zero) {
			plan.DesiredBid = &core.Quote{Price: bidPx, Size: qty}
		}
	}

	askPx := tradingutils.CeilToStep(rawAsk, constraints.PriceTick)
	if askPx.GreaterThanOrEqual(snapshot.PerpBBO.AskPrice) {
		qty := tradingutils.FloorToStep(p.QuoteQty, constraints.SizeStep)
		if askPx.Mul(qty).GreaterThanOrEqual(constraints.MinNotional) && qty.GreaterThan(decimal.Zero) {
			plan.DesiredAsk = &core.Quote{Price: askPx, Size: qty}
		}
	}

	if plan.DesiredBid == nil && plan.DesiredAsk == nil {
		plan.Reason = "both_sides_dropped"
	}

	return plan
}

func sign(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.IsPositive():
		return decimal.NewFromInt(1)
	case d.IsNegative():
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}
