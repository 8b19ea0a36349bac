// Package config handles configuration loading and validation for the
// engine: a single YAML document with environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"deltamaker/internal/core"
)

// Config is the complete configuration surface recognized by the engine.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Trading   TradingConfig   `yaml:"trading"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Risk      RiskConfig      `yaml:"risk"`
	Timing    TimingConfig    `yaml:"timing"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Symbol string `yaml:"symbol" validate:"required"`
	DryRun bool   `yaml:"dry_run"`
}

// GatewayConfig holds venue credentials and connection parameters for the
// live gateway. Unused entirely when App.DryRun is true.
type GatewayConfig struct {
	APIKey                 Secret `yaml:"api_key"`
	APISecret              Secret `yaml:"api_secret"`
	BaseURL                string `yaml:"base_url"`
	WSPublicURL            string `yaml:"ws_public_url"`
	WSPrivateURL           string `yaml:"ws_private_url"`
	ExpectedPositionMode   string `yaml:"expected_position_mode" validate:"oneof=ONE_WAY HEDGE"`
	AutoSetPositionMode    bool   `yaml:"auto_set_position_mode"`
}

// TradingConfig holds the Strategy's pricing parameters.
type TradingConfig struct {
	TickSec             float64 `yaml:"tick_sec" validate:"required,min=0.001"`
	QuoteQty            float64 `yaml:"quote_qty" validate:"required,min=0"`
	BaseHalfSpreadBps    float64 `yaml:"base_half_spread_bps" validate:"min=0"`
	KObi                float64 `yaml:"k_obi"`
	InventorySkewBps    float64 `yaml:"inventory_skew_bps" validate:"min=0"`
	FundingSkewBps      float64 `yaml:"funding_skew_bps" validate:"min=0"`
	MinAbsFunding       float64 `yaml:"min_abs_funding" validate:"min=0"`
	ReplaceThresholdBps float64 `yaml:"replace_threshold_bps" validate:"min=0"`
}

// HedgeConfig holds the hedge-protocol parameters.
type HedgeConfig struct {
	HedgeSlipBps   float64 `yaml:"hedge_slip_bps" validate:"min=0"`
	HedgeChaseSec  float64 `yaml:"hedge_chase_sec" validate:"required,min=0"`
	HedgeMaxTries  int     `yaml:"hedge_max_tries" validate:"required,min=1"`
	HedgeDeadlineMs int64  `yaml:"hedge_deadline_ms" validate:"required,min=1"`
	ChaseGain      float64 `yaml:"chase_gain" validate:"min=0"`
}

// RiskConfig holds the Risk/Guards thresholds.
type RiskConfig struct {
	BookStaleSec                 float64 `yaml:"book_stale_sec" validate:"required,min=0"`
	FundingStaleSec              float64 `yaml:"funding_stale_sec" validate:"required,min=0"`
	MaxUnhedgedNotional          float64 `yaml:"max_unhedged_notional" validate:"required,min=0"`
	MaxUnhedgedSec               float64 `yaml:"max_unhedged_sec" validate:"required,min=0"`
	RejectStreakHalt             int     `yaml:"reject_streak_halt" validate:"required,min=1"`
	ControlledReconnectGraceSec  float64 `yaml:"controlled_reconnect_grace_sec" validate:"min=0"`
}

// TimingConfig holds ancillary polling intervals.
type TimingConfig struct {
	FundingPollSec int `yaml:"funding_poll_sec" validate:"required,min=1"`
}

// SystemConfig contains system-level settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains the Prometheus metrics server settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion (`${VAR}` references inside the document).
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks app.symbol, the gateway API key and position mode
// (outside dry_run), trading.quote_qty and trading.tick_sec,
// risk.reject_streak_halt and system.log_level. The `validate` struct
// tags are not read by it.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGateway(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Message: "trading symbol is required"}
	}
	return nil
}

func (c *Config) validateGateway() error {
	if c.App.DryRun {
		return nil
	}
	if c.Gateway.APIKey == "" {
		return ValidationError{Field: "gateway.api_key", Message: "API key is required outside dry_run"}
	}
	if c.Gateway.ExpectedPositionMode != string(core.PositionModeOneWay) && c.Gateway.ExpectedPositionMode != string(core.PositionModeHedge) {
		return ValidationError{Field: "gateway.expected_position_mode", Value: c.Gateway.ExpectedPositionMode, Message: "must be ONE_WAY or HEDGE"}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.QuoteQty <= 0 {
		return ValidationError{Field: "trading.quote_qty", Value: c.Trading.QuoteQty, Message: "must be positive"}
	}
	if c.Trading.TickSec <= 0 {
		return ValidationError{Field: "trading.tick_sec", Value: c.Trading.TickSec, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.RejectStreakHalt < 1 {
		return ValidationError{Field: "risk.reject_streak_halt", Value: c.Risk.RejectStreakHalt, Message: "must be >= 1"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

// String returns a YAML representation of the configuration with secrets
// redacted via the Secret type's own marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default configuration, suitable for dry-run use
// and as the base for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Symbol: "BTCUSDT",
			DryRun: true,
		},
		Gateway: GatewayConfig{
			ExpectedPositionMode: "ONE_WAY",
		},
		Trading: TradingConfig{
			TickSec:             0.25,
			QuoteQty:            0.01,
			BaseHalfSpreadBps:   5,
			KObi:                0.5,
			InventorySkewBps:    2,
			FundingSkewBps:      2,
			MinAbsFunding:       0.0001,
			ReplaceThresholdBps: 2,
		},
		Hedge: HedgeConfig{
			HedgeSlipBps:    5,
			HedgeChaseSec:   3,
			HedgeMaxTries:   2,
			HedgeDeadlineMs: 10000,
			ChaseGain:       1,
		},
		Risk: RiskConfig{
			BookStaleSec:                2,
			FundingStaleSec:             120,
			MaxUnhedgedNotional:         500,
			MaxUnhedgedSec:              5,
			RejectStreakHalt:            5,
			ControlledReconnectGraceSec: 10,
		},
		Timing: TimingConfig{
			FundingPollSec: 30,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
