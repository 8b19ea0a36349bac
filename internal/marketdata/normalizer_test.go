package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/core"
)

func lvl(price, size string) core.PriceLevel {
	p, _ := decimal.NewFromString(price)
	s, _ := decimal.NewFromString(size)
	return core.PriceLevel{Price: p, Size: s}
}

func TestComputeOBI_Balanced(t *testing.T) {
	obi := ComputeOBI([]core.PriceLevel{lvl("100", "5")}, []core.PriceLevel{lvl("101", "5")})
	require.True(t, obi.Abs().LessThan(decimal.NewFromFloat(0.001)))
}

func TestComputeOBI_AllBid(t *testing.T) {
	obi := ComputeOBI([]core.PriceLevel{lvl("100", "5")}, nil)
	// The epsilon in the denominator keeps an all-bid book just under +1:
	// 5 / (5 + 0.00000001).
	want := decimal.NewFromInt(5).Div(decimal.NewFromInt(5).Add(decimal.New(1, -8)))
	require.True(t, obi.Equal(want))
}

func TestComputeOBI_ZeroLiquidityBothSides(t *testing.T) {
	obi := ComputeOBI(nil, nil)
	require.True(t, obi.Equal(decimal.Zero))
}

// Open Question: reduced-N fallback path must stay within [-1,+1].
func TestComputeOBI_ReducedNStaysInBounds(t *testing.T) {
	for n := 1; n <= 5; n++ {
		bids := make([]core.PriceLevel, 0, n)
		asks := make([]core.PriceLevel, 0, n)
		for i := 0; i < n; i++ {
			bids = append(bids, lvl("100", "3"))
			asks = append(asks, lvl("101", "1"))
		}
		obi := ComputeOBI(bids, asks)
		require.True(t, obi.LessThanOrEqual(decimal.NewFromInt(1)))
		require.True(t, obi.GreaterThanOrEqual(decimal.NewFromInt(-1)))
	}
}
