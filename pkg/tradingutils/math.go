// Package tradingutils holds small decimal-rounding and skew helpers
// shared by the strategy and order-management layers.
package tradingutils

import "github.com/shopspring/decimal"

// FloorToStep rounds value down to the nearest multiple of step.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Floor()
	return units.Mul(step)
}

// CeilToStep rounds value up to the nearest multiple of step.
func CeilToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Ceil()
	return units.Mul(step)
}

// SkewedPrice adjusts basePrice by a signed, proportional amount driven by
// how far inventory sits from targetInventory. A positive diff (long vs
// target) pushes the price down, discouraging further accumulation on that
// side.
func SkewedPrice(basePrice, inventory, targetInventory, skewFactor decimal.Decimal) decimal.Decimal {
	diff := inventory.Sub(targetInventory)
	adjustment := decimal.NewFromInt(1).Sub(diff.Mul(skewFactor))
	return basePrice.Mul(adjustment)
}

// BpsToFraction converts a basis-points value (e.g. 5 == 0.0005) to a
// decimal fraction.
func BpsToFraction(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(decimal.NewFromInt(10000))
}
