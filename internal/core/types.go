// Package core holds the domain types and capability interfaces shared by
// every component of the engine: market data, funding, constraints,
// inventory, orders, hedge tickets and the Mode state machine.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is a book side / order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Leg identifies which instrument an order, fill or ClientOrderId refers to.
type Leg string

const (
	LegPerpBid    Leg = "perp_bid"
	LegPerpAsk    Leg = "perp_ask"
	LegSpotIOC    Leg = "spot_ioc"
	LegPerpUnwind Leg = "perp_unwind"
	LegSpotUnwind Leg = "spot_unwind"
)

// Intent is the purpose behind an order, encoded in its ClientOrderId.
type Intent string

const (
	IntentQuote   Intent = "quote"
	IntentHedge   Intent = "hedge"
	IntentUnwind  Intent = "unwind"
	IntentFlatten Intent = "flatten"
)

// TIF is the abstract time-in-force the core operates on. The gateway is
// responsible for translating this into venue-specific field names
// (`timeInForceValue` on the perpetual leg, `force` on the spot leg).
type TIF string

const (
	TIFPostOnly TIF = "POST_ONLY"
	TIFIOC      TIF = "IOC"
	TIFGTC      TIF = "GTC"
)

// PriceLevel is one level of a depth book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BBO is the best bid/ask price and size on one leg, plus a monotonic
// timestamp for the update that produced it.
type BBO struct {
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	TS       time.Time
}

// Valid reports whether the BBO is not crossed (bid < ask).
func (b BBO) Valid() bool {
	return b.BidPrice.LessThan(b.AskPrice)
}

func (b BBO) Mid() decimal.Decimal {
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// MarketSnapshot is the Normalizer's output: spot BBO, perp BBO, up to
// N levels of perp depth, the derived OBI scalar and the snapshot
// timestamp (the most recent contributing update).
type MarketSnapshot struct {
	SpotBBO    BBO
	PerpBBO    BBO
	PerpDepth  []PriceLevel // bids followed by asks is NOT assumed; see Bids/Asks split below
	PerpBids   []PriceLevel
	PerpAsks   []PriceLevel
	OBI        decimal.Decimal
	LevelsUsed int
	Fallback   bool
	TS         time.Time
}

// Crossed reports whether either leg's BBO is crossed; such a snapshot
// must be discarded by the caller rather than published.
func (m MarketSnapshot) Crossed() bool {
	return !m.SpotBBO.Valid() || !m.PerpBBO.Valid()
}

// FundingState is the latest known funding rate for a symbol.
type FundingState struct {
	Rate          decimal.Decimal
	LastUpdateTS  time.Time
	NextSettleTS  *time.Time
}

// Constraints are the immutable-after-load per-symbol trading limits.
type Constraints struct {
	Symbol      string
	PriceTick   decimal.Decimal
	SizeStep    decimal.Decimal
	MinNotional decimal.Decimal
	MinSize     decimal.Decimal
}

// Inventory is the running signed position on each leg, derived from fills.
type Inventory struct {
	PerpPos decimal.Decimal
	SpotPos decimal.Decimal
}

func (i Inventory) Net() decimal.Decimal {
	return i.PerpPos.Add(i.SpotPos)
}

func (i Inventory) UnhedgedNotional(mid decimal.Decimal) decimal.Decimal {
	return i.Net().Abs().Mul(mid)
}

// OrderStatus is an OrderRecord's lifecycle state.
type OrderStatus string

const (
	StatusPendingNew OrderStatus = "PENDING_NEW"
	StatusLive       OrderStatus = "LIVE"
	StatusPartial    OrderStatus = "PARTIAL"
	StatusFilled     OrderStatus = "FILLED"
	StatusCanceled   OrderStatus = "CANCELED"
	StatusRejected   OrderStatus = "REJECTED"
)

// Terminal reports whether the status is one of the three terminal states.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// ClientOrderId is the deterministic opaque id the engine assigns to every
// order it sends: `{intent}-{leg}-{cycle}-{nonce}`, length <= 36, so that a
// restart can recognise and cancel its own pre-restart orders by prefix.
type ClientOrderId string

// NewClientOrderId builds a ClientOrderId from its parts and a short nonce.
// Callers supply the nonce (typically derived from a uuid) so that
// generation stays deterministic and testable.
func NewClientOrderId(intent Intent, leg Leg, cycle uint64, nonce string) ClientOrderId {
	id := fmt.Sprintf("%s-%s-%d-%s", intent, leg, cycle, nonce)
	if len(id) > 36 {
		id = id[:36]
	}
	return ClientOrderId(id)
}

// OrderRecord is the OMS's record of one order it has sent.
type OrderRecord struct {
	ClientID     ClientOrderId
	Leg          Leg
	Intent       Intent
	Side         Side
	Symbol       string
	Price        decimal.Decimal
	Size         decimal.Decimal
	Status       OrderStatus
	ExchOrderID  string
	CreatedTS    time.Time
	LastUpdateTS time.Time
}

// HedgeStatus is a HedgeTicket's lifecycle state.
type HedgeStatus string

const (
	HedgeOpen    HedgeStatus = "OPEN"
	HedgeChasing HedgeStatus = "CHASING"
	HedgeDone    HedgeStatus = "DONE"
	HedgeUnwind  HedgeStatus = "UNWIND"
)

// HedgeTicket tracks one perpetual-fill-triggered spot hedge (or, once it
// escalates, a perpetual unwind). Invariant: WantQty == FilledQty + Remain
// and Remain >= 0 at all times.
type HedgeTicket struct {
	HedgeID    string
	Side       Side
	WantQty    decimal.Decimal
	FilledQty  decimal.Decimal
	Remain     decimal.Decimal
	DeadlineTS time.Time
	Tries         int
	Status        HedgeStatus
	CreatedTS     time.Time
	LastAttemptTS time.Time
}

// NormalizedFill is a gateway private-stream fill event translated into
// engine-native types.
type NormalizedFill struct {
	Leg         Leg
	Side        Side
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ClientID    ClientOrderId // may be empty; reconstructed via ExchOrderID
	ExchOrderID string
	TradeID     string // may be empty; composite dedupe fallback applies
	Fee         decimal.Decimal
	TS          time.Time
	Simulated   bool
}

// DedupeKey uniquely identifies a fill for replay suppression across
// reconnects: (leg, trade_id) when a trade id is available, else a
// composite fallback.
type DedupeKey string

// NewDedupeKey builds the canonical key for a fill per spec §3.
func NewDedupeKey(f NormalizedFill) DedupeKey {
	if f.TradeID != "" {
		return DedupeKey(fmt.Sprintf("%s|%s", f.Leg, f.TradeID))
	}
	return DedupeKey(fmt.Sprintf("%s|%s|%d|%s|%s", f.Leg, f.ExchOrderID, f.TS.UnixNano(), f.Price.String(), f.Qty.String()))
}

// Mode is the engine-wide state machine. HALTED is sticky: only an
// operator restart exits it.
type Mode string

const (
	ModeIdle     Mode = "IDLE"
	ModeQuoting  Mode = "QUOTING"
	ModeHedging  Mode = "HEDGING"
	ModeCooldown Mode = "COOLDOWN"
	ModeHalted   Mode = "HALTED"
)
