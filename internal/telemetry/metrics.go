package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, in the engine's own domain vocabulary.
const (
	MetricOrdersPlacedTotal   = "deltamaker_orders_placed_total"
	MetricOrdersCanceledTotal = "deltamaker_orders_canceled_total"
	MetricOrdersRejectedTotal = "deltamaker_orders_rejected_total"
	MetricFillsTotal          = "deltamaker_fills_total"
	MetricHedgeTicketsOpen    = "deltamaker_hedge_tickets_open"
	MetricUnhedgedNotional    = "deltamaker_unhedged_notional"
	MetricRejectStreak        = "deltamaker_reject_streak"
	MetricModeState           = "deltamaker_mode_state"
)

// Holder holds the initialized instruments.
type Holder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	FillsTotal          metric.Int64Counter

	HedgeTicketsOpen metric.Int64ObservableGauge
	UnhedgedNotional metric.Float64ObservableGauge
	RejectStreak     metric.Int64ObservableGauge
	ModeState        metric.Int64ObservableGauge

	mu               sync.RWMutex
	hedgeTicketsOpen map[string]int64
	unhedgedNotional map[string]float64
	rejectStreak     map[string]int64
	modeState        map[string]int64
}

var (
	global   *Holder
	initOnce sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder.
func GetGlobalMetrics() *Holder {
	initOnce.Do(func() {
		global = &Holder{
			hedgeTicketsOpen: make(map[string]int64),
			unhedgedNotional: make(map[string]float64),
			rejectStreak:     make(map[string]int64),
			modeState:        make(map[string]int64),
		}
	})
	return global
}

// Init registers the instruments against meter. Called once from Setup.
func (m *Holder) Init(meter metric.Meter) error {
	var err error

	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("orders placed")); err != nil {
		return err
	}
	if m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("orders canceled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("orders rejected")); err != nil {
		return err
	}
	if m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("fills processed")); err != nil {
		return err
	}

	m.HedgeTicketsOpen, err = meter.Int64ObservableGauge(MetricHedgeTicketsOpen, metric.WithDescription("open hedge tickets"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, v := range m.hedgeTicketsOpen {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnhedgedNotional, err = meter.Float64ObservableGauge(MetricUnhedgedNotional, metric.WithDescription("abs(net inventory) * mid"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, v := range m.unhedgedNotional {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RejectStreak, err = meter.Int64ObservableGauge(MetricRejectStreak, metric.WithDescription("consecutive rejected orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, v := range m.rejectStreak {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ModeState, err = meter.Int64ObservableGauge(MetricModeState, metric.WithDescription("current Mode, encoded as an integer"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, v := range m.modeState {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

// IncOrdersPlaced, IncOrdersCanceled, IncOrdersRejected and IncFills are
// no-ops until Init has registered the counters (e.g. in tests that never
// call Setup), so callers can increment unconditionally.

func (m *Holder) IncOrdersPlaced(ctx context.Context, symbol string, leg string) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("leg", leg)))
}

func (m *Holder) IncOrdersCanceled(ctx context.Context, symbol string, leg string) {
	if m.OrdersCanceledTotal == nil {
		return
	}
	m.OrdersCanceledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("leg", leg)))
}

func (m *Holder) IncOrdersRejected(ctx context.Context, symbol string, leg string) {
	if m.OrdersRejectedTotal == nil {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("leg", leg)))
}

func (m *Holder) IncFills(ctx context.Context, symbol string, leg string) {
	if m.FillsTotal == nil {
		return
	}
	m.FillsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("leg", leg)))
}

func (m *Holder) SetHedgeTicketsOpen(symbol string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hedgeTicketsOpen[symbol] = n
}

func (m *Holder) SetUnhedgedNotional(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhedgedNotional[symbol] = v
}

func (m *Holder) SetRejectStreak(symbol string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectStreak[symbol] = n
}

func (m *Holder) SetModeState(symbol string, mode int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeState[symbol] = mode
}
