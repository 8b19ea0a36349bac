package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/core"
)

func testConfig() Config {
	return Config{
		BookStaleSec:                2 * time.Second,
		FundingStaleSec:              2 * time.Minute,
		MaxUnhedgedNotional:         decimal.NewFromInt(500),
		MaxUnhedgedSec:              5 * time.Second,
		RejectStreakHalt:            5,
		ControlledReconnectGraceSec: 10 * time.Second,
	}
}

func baseInputs(now time.Time) Inputs {
	return Inputs{
		Now:                 now,
		ConstraintsLoaded:   true,
		SnapshotTS:          now,
		FundingTS:           now,
		UnhedgedNotional:    decimal.Zero,
		RejectStreak:        0,
		PrivateConnected:    true,
		PositionModeMatches: true,
	}
}

func TestEvaluate_AllClearProducesNoReasons(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	res := g.Evaluate(baseInputs(now))
	require.False(t, res.Blocking())
	require.Empty(t, res.AllReasons())
}

func TestEvaluate_ConstraintsMissingIsSoftOnly(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.ConstraintsLoaded = false

	res := g.Evaluate(in)
	require.Equal(t, []string{ReasonConstraintsMissing}, res.SoftReasons)
	require.Empty(t, res.CancelAllReasons)
	require.Empty(t, res.HaltReasons)
	require.True(t, res.Blocking())
}

// S6: book_stale forces cancel-all, and must not clear until a fresh
// snapshot lands (the caller re-evaluates each tick from SnapshotTS).
func TestEvaluate_S6_BookStaleForcesCancelAll(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.SnapshotTS = now.Add(-10 * time.Second)

	res := g.Evaluate(in)
	require.Contains(t, res.CancelAllReasons, ReasonBookStale)
	require.Empty(t, res.HaltReasons)
	require.Equal(t, core.ModeCooldown, NextMode(core.ModeQuoting, res, false))

	// A fresh snapshot on the next tick clears the reason entirely.
	in.SnapshotTS = now
	res = g.Evaluate(in)
	require.NotContains(t, res.CancelAllReasons, ReasonBookStale)
}

func TestEvaluate_FundingStaleForcesCancelAll(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.FundingTS = now.Add(-5 * time.Minute)

	res := g.Evaluate(in)
	require.Contains(t, res.CancelAllReasons, ReasonFundingStale)
}

// I5: unhedged exposure bound — either the notional threshold or any
// open hedge ticket aging past MaxUnhedgedSec must force cancel-all, and
// the aged ticket's hedge id must be reported so the caller can target it.
func TestEvaluate_I5_UnhedgedNotionalExceeded(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.UnhedgedNotional = decimal.NewFromInt(600)

	res := g.Evaluate(in)
	require.Contains(t, res.CancelAllReasons, ReasonUnhedgedExposure)
}

func TestEvaluate_I5_AgedHedgeTicketExceeded(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.OpenHedgeTicketAges = []TicketAge{
		{HedgeID: "hdg-1", Age: 2 * time.Second},
		{HedgeID: "hdg-2", Age: 6 * time.Second},
		{HedgeID: "hdg-3", Age: time.Second},
	}

	res := g.Evaluate(in)
	require.Contains(t, res.CancelAllReasons, ReasonUnhedgedExposure)
	require.Equal(t, []string{"hdg-2"}, res.AgedHedgeIDs)
}

func TestEvaluate_RejectStreakHalts(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.RejectStreak = 5

	res := g.Evaluate(in)
	require.Contains(t, res.HaltReasons, ReasonRejectStreak)
	require.Equal(t, core.ModeHalted, NextMode(core.ModeQuoting, res, false))
}

func TestEvaluate_PrivateDisconnectedWithinGraceIsNotYetBlocking(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.PrivateConnected = false
	in.PrivateDisconnectedSince = now.Add(-2 * time.Second)

	res := g.Evaluate(in)
	require.Empty(t, res.CancelAllReasons)
	require.Empty(t, res.HaltReasons)
}

func TestEvaluate_PrivateDisconnectedPastGraceHaltsAndCancelsAll(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.PrivateConnected = false
	in.PrivateDisconnectedSince = now.Add(-30 * time.Second)

	res := g.Evaluate(in)
	require.Contains(t, res.CancelAllReasons, ReasonPrivateWSDown)
	require.Contains(t, res.HaltReasons, ReasonPrivateWSDown)
}

func TestEvaluate_PositionModeMismatchHalts(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	in := baseInputs(now)
	in.PositionModeMatches = false

	res := g.Evaluate(in)
	require.Contains(t, res.HaltReasons, ReasonPosModeMismatch)
}

// HALTED is sticky: once current==HALTED, an all-clear Result must not
// move the mode back to QUOTING.
func TestNextMode_HaltedIsSticky(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	res := g.Evaluate(baseInputs(now))
	require.Equal(t, core.ModeHalted, NextMode(core.ModeHalted, res, false))
}

func TestNextMode_HedgingWhenTicketsOpenAndOtherwiseClear(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	res := g.Evaluate(baseInputs(now))
	require.Equal(t, core.ModeHedging, NextMode(core.ModeQuoting, res, true))
	require.Equal(t, core.ModeQuoting, NextMode(core.ModeQuoting, res, false))
}
