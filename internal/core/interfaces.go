package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger is the structured-event sink every component writes to. Fields
// follow the fixed set the external log collaborator expects: ts, event,
// intent, source, mode, reason, leg, cycle_id, client_id, exch_order_id,
// trade_id, data, res, simulated.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
	With(kv ...any) Logger
	Sync() error
}

// Quote is one side of a desired post-only quote.
type Quote struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// QuotePlan is the Strategy's pure output for one tick. Either side may be
// nil, meaning "do not quote this side", with Reason explaining why.
type QuotePlan struct {
	DesiredBid *Quote
	DesiredAsk *Quote
	Reason     string
}

// PositionMode is the account-level setting governing whether long/short
// on the same symbol net (one-way) or coexist (hedge).
type PositionMode string

const (
	PositionModeOneWay PositionMode = "ONE_WAY"
	PositionModeHedge  PositionMode = "HEDGE"
)

// OrderRequest is an immutable place-order request sent to the Gateway.
type OrderRequest struct {
	ClientID ClientOrderId
	Leg      Leg
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	TIF      TIF
	// ReduceOnly marks perpetual unwind orders that may only reduce
	// an existing position.
	ReduceOnly bool
}

// OrderAck is the Gateway's immutable response to a successful place.
type OrderAck struct {
	ExchOrderID string
	AcceptedTS  time.Time
}

// ConnState is a private-stream connection-state signal.
type ConnState int

const (
	ConnUnknown ConnState = iota
	ConnConnected
	ConnDisconnected
)

// PrivateEvent is one item from the private event stream: an order-state
// update, a fill, or a connection-state change. Exactly one of the
// pointer fields is non-nil, except Conn which is always meaningful.
type PrivateEvent struct {
	Order *OrderRecord
	Fill  *NormalizedFill
	Conn  ConnState
}

// DepthUpdate is one inbound public book update, either a full 5-level
// depth snapshot or a single top-of-book update from the fallback channel.
type DepthUpdate struct {
	Symbol string
	Leg    Leg
	Bids   []PriceLevel
	Asks   []PriceLevel
	TS     time.Time
	// Fallback marks an update arriving on the single-level top-of-book
	// channel rather than the primary N-level depth channel.
	Fallback bool
}

// Gateway is the capability interface the core consumes from the exchange
// collaborator. It retains no domain state: every method takes immutable
// requests and returns immutable responses.
type Gateway interface {
	SubscribePublicBooks(ctx context.Context, symbol string, leg Leg) (<-chan DepthUpdate, error)
	SubscribePrivate(ctx context.Context, leg Leg) (<-chan PrivateEvent, error)

	GetFundingRate(ctx context.Context, symbol string) (rate decimal.Decimal, ts time.Time, err error)
	LoadConstraints(ctx context.Context, symbol string, leg Leg) (Constraints, error)

	GetPositionMode(ctx context.Context, product string) (PositionMode, error)
	SetPositionMode(ctx context.Context, product string, mode PositionMode) error

	// GetPositionSnapshot reconstructs Inventory from the exchange's view
	// of open positions, used at startup.
	GetPositionSnapshot(ctx context.Context, symbol string) (Inventory, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, clientID ClientOrderId) error

	// CancelAllRecognisable cancels every open order whose client id
	// matches the engine's deterministic prefix scheme, used on startup
	// and on any fail-closed transition.
	CancelAllRecognisable(ctx context.Context, symbol string) error
}
