// Command engine is the delta-neutral market maker's process entrypoint:
// load configuration, build the logger/telemetry stack, construct the
// gateway (simulated or live per config), wire every component into the
// Orchestrator and run until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/config"
	"deltamaker/internal/constraints"
	"deltamaker/internal/core"
	"deltamaker/internal/funding"
	"deltamaker/internal/gateway"
	"deltamaker/internal/logging"
	"deltamaker/internal/marketdata"
	"deltamaker/internal/oms"
	"deltamaker/internal/orchestrator"
	"deltamaker/internal/risk"
	"deltamaker/internal/strategy"
	"deltamaker/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file; defaults to DefaultConfig() when empty")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "engine exited with error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	tel, err := telemetry.Setup("deltamaker")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	var metricsServer *telemetry.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	gw := buildGateway(cfg, logger)

	store := constraints.New()
	normalizer := marketdata.New(cfg.App.Symbol, 5, secDuration(cfg.Risk.BookStaleSec), logger)
	fundingMon := funding.New(cfg.App.Symbol, gw, time.Duration(cfg.Timing.FundingPollSec)*time.Second, logger)

	omsParams := oms.Params{
		ReplaceThresholdBps: decimal.NewFromFloat(cfg.Trading.ReplaceThresholdBps),
		HedgeSlipBps:        decimal.NewFromFloat(cfg.Hedge.HedgeSlipBps),
		HedgeChaseSec:       secDuration(cfg.Hedge.HedgeChaseSec),
		HedgeMaxTries:       cfg.Hedge.HedgeMaxTries,
		HedgeDeadline:       time.Duration(cfg.Hedge.HedgeDeadlineMs) * time.Millisecond,
		ChaseGain:           decimal.NewFromFloat(cfg.Hedge.ChaseGain),
	}
	omsInstance := oms.New(cfg.App.Symbol, gw, logger, omsParams)

	guards := risk.New(risk.Config{
		BookStaleSec:                secDuration(cfg.Risk.BookStaleSec),
		FundingStaleSec:              secDuration(cfg.Risk.FundingStaleSec),
		MaxUnhedgedNotional:         decimal.NewFromFloat(cfg.Risk.MaxUnhedgedNotional),
		MaxUnhedgedSec:              secDuration(cfg.Risk.MaxUnhedgedSec),
		RejectStreakHalt:            cfg.Risk.RejectStreakHalt,
		ControlledReconnectGraceSec: secDuration(cfg.Risk.ControlledReconnectGraceSec),
	})

	stratParams := strategy.Params{
		QuoteQty:          decimal.NewFromFloat(cfg.Trading.QuoteQty),
		BaseHalfSpreadBps: decimal.NewFromFloat(cfg.Trading.BaseHalfSpreadBps),
		KObi:              decimal.NewFromFloat(cfg.Trading.KObi),
		InventorySkewBps:  decimal.NewFromFloat(cfg.Trading.InventorySkewBps),
		FundingSkewBps:    decimal.NewFromFloat(cfg.Trading.FundingSkewBps),
		MinAbsFunding:     decimal.NewFromFloat(cfg.Trading.MinAbsFunding),
	}

	orch := orchestrator.New(orchestrator.Config{
		Symbol:               cfg.App.Symbol,
		TickInterval:         secDuration(cfg.Trading.TickSec),
		ExpectedPositionMode: core.PositionMode(cfg.Gateway.ExpectedPositionMode),
		AutoSetPositionMode:  cfg.Gateway.AutoSetPositionMode,
	}, gw, logger, normalizer, fundingMon, store, omsInstance, guards, stratParams)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting engine", "symbol", cfg.App.Symbol, "dry_run", cfg.App.DryRun)
	runErr := orch.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}
	_ = tel.Shutdown(context.Background())

	return runErr
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// buildGateway constructs the simulated dry-run venue or the live
// REST+WS venue per cfg.App.DryRun; the rest of the engine is identical
// either way since both satisfy core.Gateway.
func buildGateway(cfg *config.Config, logger core.Logger) core.Gateway {
	if cfg.App.DryRun {
		sim := gateway.NewSimulated(cfg.App.Symbol, gateway.SimulatedConfig{}, logger)
		sim.SetConstraints(core.LegPerpBid, core.Constraints{
			Symbol: cfg.App.Symbol, PriceTick: decimal.NewFromFloat(0.1),
			SizeStep: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(5), MinSize: decimal.NewFromFloat(0.001),
		})
		sim.SetConstraints(core.LegSpotIOC, core.Constraints{
			Symbol: cfg.App.Symbol, PriceTick: decimal.NewFromFloat(0.01),
			SizeStep: decimal.NewFromFloat(0.0001), MinNotional: decimal.NewFromInt(5), MinSize: decimal.NewFromFloat(0.0001),
		})
		sim.SetFundingRate(decimal.NewFromFloat(0.0001), time.Now())
		return sim
	}

	return gateway.NewLive(cfg.App.Symbol, gateway.VenueConfig{
		SpotBaseURL:  cfg.Gateway.BaseURL,
		PerpBaseURL:  cfg.Gateway.BaseURL,
		SpotWSURL:    cfg.Gateway.WSPublicURL,
		PerpWSURL:    cfg.Gateway.WSPublicURL,
		PrivateWSURL: cfg.Gateway.WSPrivateURL,
		APIKey:       string(cfg.Gateway.APIKey),
		APISecret:    string(cfg.Gateway.APISecret),
	}, logger)
}

func secDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
