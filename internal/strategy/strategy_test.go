package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/core"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseSnapshot() core.MarketSnapshot {
	now := time.Now()
	return core.MarketSnapshot{
		SpotBBO: core.BBO{BidPrice: dec("1000.1"), AskPrice: dec("1000.3"), BidSize: dec("10"), AskSize: dec("10"), TS: now},
		PerpBBO: core.BBO{BidPrice: dec("1000.0"), AskPrice: dec("1000.2"), BidSize: dec("10"), AskSize: dec("10"), TS: now},
		OBI:     decimal.Zero,
		TS:      now,
	}
}

func baseParams() Params {
	return Params{
		QuoteQty:          dec("0.01"),
		BaseHalfSpreadBps: dec("5"),
		KObi:              dec("0.5"),
		InventorySkewBps:  dec("2"),
		FundingSkewBps:    dec("2"),
		MinAbsFunding:     dec("0.0001"),
	}
}

func baseConstraints() core.Constraints {
	return core.Constraints{
		Symbol:      "BTCUSDT",
		PriceTick:   dec("0.1"),
		SizeStep:    dec("0.001"),
		MinNotional: dec("5"),
		MinSize:     dec("0.001"),
	}
}

// S1: dry-run quotes.
func TestCompute_S1_DryRunQuotes(t *testing.T) {
	snapshot := baseSnapshot()
	funding := core.FundingState{Rate: dec("0.0005"), LastUpdateTS: time.Now()}
	inv := core.Inventory{}

	plan := Compute(snapshot, funding, inv, baseConstraints(), nil, baseParams())

	require.NotNil(t, plan.DesiredBid)
	require.NotNil(t, plan.DesiredAsk)
	require.True(t, plan.DesiredBid.Price.LessThanOrEqual(dec("1000.0")), "bid price %s must be <= best bid", plan.DesiredBid.Price)
	require.True(t, plan.DesiredAsk.Price.GreaterThanOrEqual(dec("1000.2")), "ask price %s must be >= best ask", plan.DesiredAsk.Price)
}

func TestCompute_GuardSetsBothSidesNone(t *testing.T) {
	plan := Compute(baseSnapshot(), core.FundingState{Rate: dec("0.0005")}, core.Inventory{}, baseConstraints(), []string{"book_stale"}, baseParams())
	require.Nil(t, plan.DesiredBid)
	require.Nil(t, plan.DesiredAsk)
	require.Equal(t, "book_stale", plan.Reason)
}

func TestCompute_FundingTooThin(t *testing.T) {
	plan := Compute(baseSnapshot(), core.FundingState{Rate: dec("0.00001")}, core.Inventory{}, baseConstraints(), nil, baseParams())
	require.Nil(t, plan.DesiredBid)
	require.Nil(t, plan.DesiredAsk)
	require.Equal(t, "funding_too_thin", plan.Reason)
}

// I4: post-only invariant - neither side may cross the touch.
func TestCompute_I4_PostOnlyNeverCrosses(t *testing.T) {
	snapshot := baseSnapshot()
	funding := core.FundingState{Rate: dec("0.0005")}
	plan := Compute(snapshot, funding, core.Inventory{}, baseConstraints(), nil, baseParams())

	if plan.DesiredBid != nil {
		require.True(t, plan.DesiredBid.Price.LessThanOrEqual(snapshot.PerpBBO.BidPrice))
	}
	if plan.DesiredAsk != nil {
		require.True(t, plan.DesiredAsk.Price.GreaterThanOrEqual(snapshot.PerpBBO.AskPrice))
	}
}

// R2: pure function - identical inputs produce an identical plan.
func TestCompute_R2_Pure(t *testing.T) {
	snapshot := baseSnapshot()
	funding := core.FundingState{Rate: dec("0.0005")}
	inv := core.Inventory{PerpPos: dec("0.02")}
	constraints := baseConstraints()
	params := baseParams()

	p1 := Compute(snapshot, funding, inv, constraints, nil, params)
	p2 := Compute(snapshot, funding, inv, constraints, nil, params)

	require.Equal(t, p1, p2)
}

func TestCompute_MinNotionalDropsSide(t *testing.T) {
	snapshot := baseSnapshot()
	funding := core.FundingState{Rate: dec("0.0005")}
	constraints := baseConstraints()
	constraints.MinNotional = dec("100000")

	plan := Compute(snapshot, funding, core.Inventory{}, constraints, nil, baseParams())
	require.Nil(t, plan.DesiredBid)
	require.Nil(t, plan.DesiredAsk)
}
