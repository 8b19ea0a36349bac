package oms

import (
	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
	"deltamaker/pkg/tradingutils"
)

// hedgeLegPrice computes the IOC limit price for a spot hedge order: a
// buy is priced above the spot ask by slipBps to guarantee a marketable
// order, a sell is priced below the spot bid.
func hedgeLegPrice(side core.Side, spot core.BBO, slipBps decimal.Decimal) decimal.Decimal {
	slip := tradingutils.BpsToFraction(slipBps)
	if side == core.SideBuy {
		return spot.AskPrice.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return spot.BidPrice.Mul(decimal.NewFromInt(1).Sub(slip))
}

// unwindPrice computes the marketable reduce-only limit price for a
// perpetual unwind order, using a fixed 10bps cushion off the perp BBO.
func unwindPrice(side core.Side, perp core.BBO) decimal.Decimal {
	const unwindSlipBps = 10
	slip := tradingutils.BpsToFraction(decimal.NewFromInt(unwindSlipBps))
	if side == core.SideBuy {
		return perp.AskPrice.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return perp.BidPrice.Mul(decimal.NewFromInt(1).Sub(slip))
}
