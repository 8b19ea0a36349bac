// Package orchestrator supervises the engine's child tasks and owns the
// single select-loop goroutine that is the only place allowed to mutate
// OMS/inventory/Mode state, per spec §5's single-threaded cooperative
// concurrency model: the private-stream reader only pushes onto a channel
// this loop selects over, and the book and funding readers only publish
// into their own latest-value mailboxes, which this loop polls each tick.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"deltamaker/internal/constraints"
	"deltamaker/internal/core"
	"deltamaker/internal/funding"
	"deltamaker/internal/marketdata"
	"deltamaker/internal/oms"
	"deltamaker/internal/risk"
	"deltamaker/internal/strategy"
	"deltamaker/internal/telemetry"
	"deltamaker/pkg/concurrency"
)

// Config is the orchestrator's own slice of the process configuration.
type Config struct {
	Symbol               string
	TickInterval         time.Duration
	HedgeTickInterval     time.Duration
	ExpectedPositionMode core.PositionMode
	AutoSetPositionMode  bool
}

// Orchestrator wires the Market Data Normalizer, Funding Monitor, OMS and
// Guards together and drives them from one supervised goroutine tree,
// grounded on the teacher's bootstrap.App.Run (errgroup + signal-context
// supervision) and internal/trading/orchestrator.SymbolManager (single
// select loop per managed stream).
type Orchestrator struct {
	cfg     Config
	gateway core.Gateway
	logger  core.Logger

	normalizer *marketdata.Normalizer
	fundingMon *funding.Monitor
	constraintsStore *constraints.Store
	oms     *oms.OMS
	guards  *risk.Guards
	pool    *concurrency.WorkerPool

	stratParams strategy.Params

	mode                     core.Mode
	privateConnected         bool
	privateDisconnectedSince time.Time
	positionModeMatches      bool
}

func New(cfg Config, gateway core.Gateway, logger core.Logger, normalizer *marketdata.Normalizer,
	fundingMon *funding.Monitor, store *constraints.Store, o *oms.OMS, guards *risk.Guards,
	stratParams strategy.Params) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.HedgeTickInterval <= 0 {
		cfg.HedgeTickInterval = 500 * time.Millisecond
	}
	return &Orchestrator{
		cfg:              cfg,
		gateway:          gateway,
		logger:           logger.With("component", "orchestrator", "symbol", cfg.Symbol),
		normalizer:       normalizer,
		fundingMon:       fundingMon,
		constraintsStore: store,
		oms:              o,
		guards:           guards,
		pool:             concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "startup", MaxWorkers: 4}, logger),
		stratParams:      stratParams,
		mode:             core.ModeIdle,
	}
}

// Mode returns the engine's current Mode, for tests and metrics.
func (o *Orchestrator) Mode() core.Mode { return o.mode }

// Run performs the startup sequence (spec §6: fail-closed constraints
// load, position-mode check, position-snapshot-derived inventory, and an
// immediate unwind of any residual exposure) and then supervises the
// child tasks until ctx is canceled or one fails. Any task failure is
// fail-closed: cancel every recognisable order, move to HALTED, and
// return the error so the process exits rather than continuing to run
// with a degraded subsystem.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		o.logger.Error("startup failed, refusing to trade", "error", err)
		return fmt.Errorf("orchestrator startup: %w", err)
	}

	spotCh, err := o.gateway.SubscribePublicBooks(ctx, o.cfg.Symbol, core.LegSpotIOC)
	if err != nil {
		return fmt.Errorf("subscribe spot book: %w", err)
	}
	perpCh, err := o.gateway.SubscribePublicBooks(ctx, o.cfg.Symbol, core.LegPerpBid)
	if err != nil {
		return fmt.Errorf("subscribe perp book: %w", err)
	}
	privateCh, err := o.gateway.SubscribePrivate(ctx, core.LegPerpBid)
	if err != nil {
		return fmt.Errorf("subscribe private stream: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.normalizer.Run(ctx, spotCh, perpCh) })
	g.Go(func() error { return o.fundingMon.Run(ctx) })
	g.Go(func() error { return o.mainLoop(ctx, privateCh) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		o.logger.Error("child task failed, failing closed", "error", err)
		o.failClosed(context.Background())
		return err
	}

	o.logger.Info("orchestrator shut down gracefully")
	return nil
}

// startup loads constraints for both legs, reconciles the position mode,
// and seeds inventory from a position snapshot, fanning the three
// independent REST round trips out across the worker pool so a slow one
// does not serialize behind the others.
func (o *Orchestrator) startup(ctx context.Context) error {
	var constraintsErr, posModeErr, snapshotErr error
	var inv core.Inventory

	done := make(chan struct{}, 3)

	o.pool.Submit(func() {
		constraintsErr = o.constraintsStore.Load(ctx, o.gateway, o.cfg.Symbol, core.LegPerpBid, core.LegSpotIOC)
		done <- struct{}{}
	})
	o.pool.Submit(func() {
		posModeErr = o.reconcilePositionMode(ctx)
		done <- struct{}{}
	})
	o.pool.Submit(func() {
		inv, snapshotErr = o.gateway.GetPositionSnapshot(ctx, o.cfg.Symbol)
		done <- struct{}{}
	})

	for i := 0; i < 3; i++ {
		<-done
	}

	if constraintsErr != nil {
		return constraintsErr
	}
	if posModeErr != nil {
		return posModeErr
	}
	if snapshotErr != nil {
		return snapshotErr
	}

	// Restart crash-safety per spec §6: cancel every recognisable
	// client-id left resting from a prior run before seeding inventory,
	// so a stale quote from before the restart can never sit alongside
	// the fresh state this startup is about to compute.
	if err := o.gateway.CancelAllRecognisable(ctx, o.cfg.Symbol); err != nil {
		return fmt.Errorf("cancel all recognisable on startup: %w", err)
	}

	o.oms.SeedInventory(inv)
	o.logger.Info("startup: inventory seeded from position snapshot", "perp_pos", inv.PerpPos, "spot_pos", inv.SpotPos)

	if !inv.Net().IsZero() {
		o.logger.Warn("startup: residual exposure detected, triggering immediate unwind", "net", inv.Net())
		o.oms.SeedResidualUnwind(ctx, inv.Net())
	}

	return nil
}

func (o *Orchestrator) reconcilePositionMode(ctx context.Context) error {
	mode, err := o.gateway.GetPositionMode(ctx, o.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get position mode: %w", err)
	}
	if mode == o.cfg.ExpectedPositionMode {
		o.positionModeMatches = true
		return nil
	}
	if !o.cfg.AutoSetPositionMode {
		return fmt.Errorf("position mode %s does not match expected %s and auto-set is disabled", mode, o.cfg.ExpectedPositionMode)
	}
	if err := o.gateway.SetPositionMode(ctx, o.cfg.Symbol, o.cfg.ExpectedPositionMode); err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	o.positionModeMatches = true
	return nil
}

// mainLoop is the single goroutine allowed to mutate OMS/inventory/mode
// state: it selects over the private event stream and two tickers
// (quote/risk tick, hedge tick), never blocking on a book update itself
// since the Normalizer already maintains its own freshest-snapshot
// mailbox that this loop polls via Latest() on each tick.
func (o *Orchestrator) mainLoop(ctx context.Context, privateCh <-chan core.PrivateEvent) error {
	tickTicker := time.NewTicker(o.cfg.TickInterval)
	defer tickTicker.Stop()
	hedgeTicker := time.NewTicker(o.cfg.HedgeTickInterval)
	defer hedgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-privateCh:
			if !ok {
				return fmt.Errorf("private event stream closed")
			}
			o.handlePrivateEvent(ctx, evt)

		case now := <-hedgeTicker.C:
			if o.mode == core.ModeHalted {
				continue
			}
			o.oms.SetSnapshot(o.normalizer.Latest())
			o.oms.TickHedges(ctx, now)

		case now := <-tickTicker.C:
			o.tick(ctx, now)
		}
	}
}

func (o *Orchestrator) handlePrivateEvent(ctx context.Context, evt core.PrivateEvent) {
	switch {
	case evt.Conn == core.ConnConnected:
		o.privateConnected = true
		o.privateDisconnectedSince = time.Time{}
		o.logger.Info("private stream connected")
	case evt.Conn == core.ConnDisconnected:
		o.privateConnected = false
		o.privateDisconnectedSince = time.Now()
		o.logger.Warn("private stream disconnected")
	}
	// HandleFill can open a hedge ticket and immediately place its
	// spot leg (internal/oms/hedge.go's onPerpFill->attemptHedgeLeg), so
	// per invariant I6 it must not run once sticky-Halted, same as the
	// hedgeTicker branch above and tick()'s own guard.
	if evt.Fill != nil && o.mode != core.ModeHalted {
		o.oms.HandleFill(ctx, *evt.Fill)
	}
}

// tick runs one risk-evaluation + strategy-compute + quote-reconciliation
// pass, per spec §4.5/§4.3: guard reasons gate the Strategy's output
// before any quote is sent.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	snapshot := o.normalizer.Latest()
	o.oms.SetSnapshot(snapshot)
	fundingState := o.fundingMon.Latest()

	mid := snapshot.PerpBBO.Mid()
	agesOfOpen := hedgeTicketAges(o.oms.HedgeTickets(), now)

	res := o.guards.Evaluate(risk.Inputs{
		Now:                      now,
		ConstraintsLoaded:        o.constraintsStore.Loaded(core.LegPerpBid, core.LegSpotIOC),
		SnapshotTS:               o.normalizer.LastUpdateTS(),
		FundingTS:                fundingState.LastUpdateTS,
		UnhedgedNotional:         o.oms.Inventory().UnhedgedNotional(mid),
		OpenHedgeTicketAges:      agesOfOpen,
		RejectStreak:             o.oms.RejectStreak(),
		PrivateConnected:         o.privateConnected,
		PrivateDisconnectedSince: o.privateDisconnectedSince,
		PositionModeMatches:      o.positionModeMatches,
	})

	o.mode = risk.NextMode(o.mode, res, o.oms.OpenHedgeTickets() > 0)

	// HALTED is absorbing (spec invariant I6): once sticky-Halted, this
	// tick's freshly recomputed Result can no longer be trusted to gate
	// order placement on its own (e.g. a private-stream reconnect clears
	// private_ws_down from res without ever clearing o.mode), so every
	// later branch of this function is skipped unconditionally.
	if o.mode == core.ModeHalted {
		o.oms.CancelAll(ctx)
		return
	}

	if len(res.HaltReasons) > 0 {
		o.logger.Error("guard halt", "reasons", res.HaltReasons)
		o.oms.CancelAll(ctx)
		return
	}
	if len(res.CancelAllReasons) > 0 {
		o.logger.Warn("guard cancel-all", "reasons", res.CancelAllReasons)
		o.oms.CancelAll(ctx)
		for _, hedgeID := range res.AgedHedgeIDs {
			o.oms.ForceUnwind(ctx, hedgeID)
		}
		return
	}

	constraintsForPerp, _ := o.constraintsStore.Get(core.LegPerpBid)
	plan := strategy.Compute(snapshot, fundingState, o.oms.Inventory(), constraintsForPerp, res.AllReasons(), o.stratParams)

	if err := o.oms.ReconcileQuotes(ctx, plan, mid); err != nil {
		o.logger.Error("reconcile quotes failed", "error", err)
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetHedgeTicketsOpen(o.cfg.Symbol, int64(o.oms.OpenHedgeTickets()))
	metrics.SetUnhedgedNotional(o.cfg.Symbol, o.oms.Inventory().UnhedgedNotional(mid).InexactFloat64())
	metrics.SetRejectStreak(o.cfg.Symbol, int64(o.oms.RejectStreak()))
	metrics.SetModeState(o.cfg.Symbol, modeStateValue(o.mode))
}

// modeStateValue encodes Mode as an integer for the gauge, in the order
// spec §4.2 lists the states.
func modeStateValue(m core.Mode) int64 {
	switch m {
	case core.ModeIdle:
		return 0
	case core.ModeQuoting:
		return 1
	case core.ModeHedging:
		return 2
	case core.ModeCooldown:
		return 3
	case core.ModeHalted:
		return 4
	default:
		return -1
	}
}

func hedgeTicketAges(tickets []*core.HedgeTicket, now time.Time) []risk.TicketAge {
	ages := make([]risk.TicketAge, 0, len(tickets))
	for _, t := range tickets {
		if t.Status == core.HedgeDone {
			continue
		}
		ages = append(ages, risk.TicketAge{HedgeID: t.HedgeID, Age: now.Sub(t.CreatedTS)})
	}
	return ages
}

// failClosed cancels every recognisable order on a fresh, short-lived
// context: the ctx the failing task ran on may already be canceled.
func (o *Orchestrator) failClosed(ctx context.Context) {
	o.mode = core.ModeHalted
	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.gateway.CancelAllRecognisable(cancelCtx, o.cfg.Symbol); err != nil {
		o.logger.Error("fail-closed cancel-all failed", "error", err)
	}
}
