// Package risk computes the guard predicates table and owns the engine's
// Mode state machine: freshness checks, unhedged exposure, reject streak
// and private-session liveness all fold into one Mode value the
// orchestrator observes each tick.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
)

// Reason names match the spec's guard table verbatim so they appear
// unchanged in logs and metrics.
const (
	ReasonConstraintsMissing = "constraints_missing"
	ReasonBookStale          = "book_stale"
	ReasonFundingStale       = "funding_stale"
	ReasonUnhedgedExposure   = "unhedged_exposure"
	ReasonRejectStreak       = "reject_streak"
	ReasonPrivateWSDown      = "private_ws_down"
	ReasonPosModeMismatch    = "posmode_mismatch"
)

// Config mirrors the risk-relevant subset of the trading configuration.
type Config struct {
	BookStaleSec                time.Duration
	FundingStaleSec             time.Duration
	MaxUnhedgedNotional         decimal.Decimal
	MaxUnhedgedSec              time.Duration
	RejectStreakHalt            int
	ControlledReconnectGraceSec time.Duration
}

// TicketAge names the hedge ticket an age was computed for, so a guard
// trip can be mapped back to a concrete ticket without relying on
// map-iteration order (which Go does not guarantee stable across calls).
type TicketAge struct {
	HedgeID string
	Age     time.Duration
}

// Inputs is everything the guard evaluation needs for one tick, gathered
// from the other components without the Guards type holding a reference
// to any of them.
type Inputs struct {
	Now                      time.Time
	ConstraintsLoaded        bool
	SnapshotTS               time.Time
	FundingTS                time.Time
	UnhedgedNotional         decimal.Decimal
	OpenHedgeTicketAges      []TicketAge
	RejectStreak             int
	PrivateConnected         bool
	PrivateDisconnectedSince time.Time
	PositionModeMatches      bool
}

// Result is the outcome of one guard evaluation pass.
type Result struct {
	// SoftReasons fire "do not quote" without forcing a mode transition
	// (constraints_missing only).
	SoftReasons []string
	// CancelAll reasons force every live quote to be canceled and Mode
	// to COOLDOWN (unless a halt reason is also present).
	CancelAllReasons []string
	// HaltReasons force Mode to HALTED, which is sticky.
	HaltReasons []string
	// AgedHedgeIDs lists the hedge tickets whose age tripped the
	// unhedged_exposure guard, so the caller can target their unwind.
	AgedHedgeIDs []string
}

// Guards holds no state of its own; Evaluate is a pure function of
// Inputs and Config, matching the Strategy's style.
type Guards struct {
	cfg Config
}

func New(cfg Config) *Guards { return &Guards{cfg: cfg} }

func (g *Guards) Evaluate(in Inputs) Result {
	var res Result

	if !in.ConstraintsLoaded {
		res.SoftReasons = append(res.SoftReasons, ReasonConstraintsMissing)
	}

	if in.Now.Sub(in.SnapshotTS) > g.cfg.BookStaleSec {
		res.CancelAllReasons = append(res.CancelAllReasons, ReasonBookStale)
	}

	if in.Now.Sub(in.FundingTS) > g.cfg.FundingStaleSec {
		res.CancelAllReasons = append(res.CancelAllReasons, ReasonFundingStale)
	}

	unhedgedTriggered := in.UnhedgedNotional.GreaterThan(g.cfg.MaxUnhedgedNotional)
	for _, ta := range in.OpenHedgeTicketAges {
		if ta.Age > g.cfg.MaxUnhedgedSec {
			unhedgedTriggered = true
			res.AgedHedgeIDs = append(res.AgedHedgeIDs, ta.HedgeID)
		}
	}
	if unhedgedTriggered {
		res.CancelAllReasons = append(res.CancelAllReasons, ReasonUnhedgedExposure)
	}

	if in.RejectStreak >= g.cfg.RejectStreakHalt {
		res.HaltReasons = append(res.HaltReasons, ReasonRejectStreak)
	}

	if !in.PrivateConnected && !in.PrivateDisconnectedSince.IsZero() &&
		in.Now.Sub(in.PrivateDisconnectedSince) > g.cfg.ControlledReconnectGraceSec {
		res.CancelAllReasons = append(res.CancelAllReasons, ReasonPrivateWSDown)
		res.HaltReasons = append(res.HaltReasons, ReasonPrivateWSDown)
	}

	if !in.PositionModeMatches {
		res.HaltReasons = append(res.HaltReasons, ReasonPosModeMismatch)
	}

	return res
}

// Blocking reports whether the strategy must quote nothing this tick:
// true whenever any soft, cancel-all or halt reason fired.
func (r Result) Blocking() bool {
	return len(r.SoftReasons) > 0 || len(r.CancelAllReasons) > 0 || len(r.HaltReasons) > 0
}

// AllReasons concatenates every fired reason for the Strategy's
// QuotePlan.Reason, grouped soft first, then cancel-all, then halt; a
// reason filed in two groups (private_ws_down) appears twice.
func (r Result) AllReasons() []string {
	out := make([]string, 0, len(r.SoftReasons)+len(r.CancelAllReasons)+len(r.HaltReasons))
	out = append(out, r.SoftReasons...)
	out = append(out, r.CancelAllReasons...)
	out = append(out, r.HaltReasons...)
	return out
}

// NextMode computes the Mode transition per spec §4.5: HALTED is sticky
// and only an operator restart exits it, so current==HALTED always stays
// HALTED regardless of this tick's Result.
func NextMode(current core.Mode, res Result, hedging bool) core.Mode {
	if current == core.ModeHalted {
		return core.ModeHalted
	}
	if len(res.HaltReasons) > 0 {
		return core.ModeHalted
	}
	if len(res.CancelAllReasons) > 0 {
		return core.ModeCooldown
	}
	if hedging {
		return core.ModeHedging
	}
	return core.ModeQuoting
}
