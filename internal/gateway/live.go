package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deltamaker/internal/core"
	"deltamaker/pkg/httpclient"
	"deltamaker/pkg/wsclient"
)

// VenueConfig holds everything the live gateway needs to reach one
// exchange venue's spot and linear-perp surfaces. Spot and perp are
// frequently distinct REST hosts and WS endpoints on the same venue.
type VenueConfig struct {
	SpotBaseURL  string
	PerpBaseURL  string
	SpotWSURL    string
	PerpWSURL    string
	PrivateWSURL string
	APIKey       string
	APISecret    string
	HTTPTimeout  time.Duration
}

// hmacSigner signs requests with an HMAC-SHA256 over the query string,
// the common REST-auth scheme across spot/perp exchange APIs.
type hmacSigner struct {
	apiKey    string
	apiSecret string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	q := req.URL.Query()
	q.Set("timestamp", ts)
	req.URL.RawQuery = q.Encode()

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(req.URL.RawQuery))
	sig := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = req.URL.RawQuery + "&signature=" + sig
	req.Header.Set("X-API-KEY", s.apiKey)
	return nil
}

// LiveGateway implements core.Gateway against a real venue's REST+WS
// surface. It is the sole place TIF field-name translation happens: the
// perp leg's orders carry `timeInForceValue`, the spot leg's carry
// `force`, per spec §6; core.TIF never leaks past this boundary.
type LiveGateway struct {
	cfg    VenueConfig
	logger core.Logger
	symbol string

	spotHTTP *httpclient.Client
	perpHTTP *httpclient.Client

	mu          sync.Mutex
	publicConns map[core.Leg]*wsclient.Client
	privateConn *wsclient.Client
	privateCh   chan core.PrivateEvent
}

func NewLive(symbol string, cfg VenueConfig, logger core.Logger) *LiveGateway {
	signer := &hmacSigner{apiKey: cfg.APIKey, apiSecret: cfg.APISecret}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LiveGateway{
		cfg:         cfg,
		logger:      logger.With("component", "gateway", "mode", "live"),
		symbol:      symbol,
		spotHTTP:    httpclient.NewClient(cfg.SpotBaseURL, timeout, signer),
		perpHTTP:    httpclient.NewClient(cfg.PerpBaseURL, timeout, signer),
		publicConns: make(map[core.Leg]*wsclient.Client),
		privateCh:   make(chan core.PrivateEvent, 64),
	}
}

func (g *LiveGateway) restFor(leg core.Leg) *httpclient.Client {
	if leg == core.LegSpotIOC || leg == core.LegSpotUnwind {
		return g.spotHTTP
	}
	return g.perpHTTP
}

func isSpotLeg(leg core.Leg) bool { return leg == core.LegSpotIOC || leg == core.LegSpotUnwind }

type venueOrderRequest struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	ClientOrderID    string `json:"newClientOrderId"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	Force            string `json:"force,omitempty"`
	TimeInForceValue string `json:"timeInForceValue,omitempty"`
}

type venueOrderResponse struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
}

func tifType(tif core.TIF) string {
	switch tif {
	case core.TIFPostOnly:
		return "LIMIT_MAKER"
	case core.TIFIOC:
		return "MARKET"
	default:
		return "LIMIT"
	}
}

// PlaceOrder builds the venue-specific request, choosing the REST host
// and the TIF field name (`force` vs `timeInForceValue`) from req.Leg.
func (g *LiveGateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	vr := venueOrderRequest{
		Symbol:        req.Symbol,
		Side:          strings.ToUpper(string(req.Side)),
		Type:          tifType(req.TIF),
		Price:         req.Price.String(),
		Quantity:      req.Size.String(),
		ClientOrderID: string(req.ClientID),
		ReduceOnly:    req.ReduceOnly,
	}
	if isSpotLeg(req.Leg) {
		vr.Force = string(req.TIF)
	} else {
		vr.TimeInForceValue = string(req.TIF)
	}

	var resp venueOrderResponse
	if err := g.restFor(req.Leg).Post(ctx, "/order", vr, &resp); err != nil {
		return core.OrderAck{}, fmt.Errorf("place order %s: %w", req.ClientID, err)
	}
	return core.OrderAck{ExchOrderID: resp.OrderID, AcceptedTS: time.UnixMilli(resp.TransactTime)}, nil
}

func (g *LiveGateway) CancelOrder(ctx context.Context, symbol string, clientID core.ClientOrderId) error {
	params := map[string]string{"symbol": symbol, "origClientOrderId": string(clientID)}
	leg := legFromClientID(clientID)
	if err := g.restFor(leg).Delete(ctx, "/order", params, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", clientID, err)
	}
	return nil
}

// legFromClientID recovers the leg from the deterministic
// `{intent}-{leg}-{cycle}-{nonce}` scheme so cancel/cancel-all can route
// to the right REST host without a separate order registry lookup.
func legFromClientID(id core.ClientOrderId) core.Leg {
	parts := strings.SplitN(string(id), "-", 3)
	if len(parts) < 2 {
		return core.LegPerpBid
	}
	return core.Leg(parts[1])
}

type venueOpenOrder struct {
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
}

// CancelAllRecognisable lists open orders on both venues and cancels only
// those whose client id was minted by this engine, leaving any orders a
// human placed manually untouched.
func (g *LiveGateway) CancelAllRecognisable(ctx context.Context, symbol string) error {
	for _, restClient := range []*httpclient.Client{g.spotHTTP, g.perpHTTP} {
		var open []venueOpenOrder
		if err := restClient.Get(ctx, "/openOrders", map[string]string{"symbol": symbol}, &open); err != nil {
			return fmt.Errorf("list open orders: %w", err)
		}
		for _, o := range open {
			if !looksEngineManaged(o.ClientOrderID) {
				continue
			}
			params := map[string]string{"symbol": o.Symbol, "origClientOrderId": o.ClientOrderID}
			if err := restClient.Delete(ctx, "/order", params, nil); err != nil {
				g.logger.Warn("cancel-all: failed to cancel order", "client_id", o.ClientOrderID, "error", err)
			}
		}
	}
	return nil
}

func looksEngineManaged(clientID string) bool {
	for _, intent := range []string{"quote-", "hedge-", "unwind-", "flatten-"} {
		if strings.HasPrefix(clientID, intent) {
			return true
		}
	}
	return false
}

type venueFundingResponse struct {
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

func (g *LiveGateway) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	var resp venueFundingResponse
	if err := g.perpHTTP.Get(ctx, "/premiumIndex", map[string]string{"symbol": symbol}, &resp); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("get funding rate: %w", err)
	}
	rate, err := decimal.NewFromString(resp.FundingRate)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse funding rate: %w", err)
	}
	return rate, time.UnixMilli(resp.FundingTime), nil
}

type venueSymbolInfo struct {
	Symbol          string `json:"symbol"`
	TickSize        string `json:"tickSize"`
	StepSize        string `json:"stepSize"`
	MinNotional     string `json:"minNotional"`
	MinQty          string `json:"minQty"`
}

type venueExchangeInfo struct {
	Symbols []venueSymbolInfo `json:"symbols"`
}

func (g *LiveGateway) LoadConstraints(ctx context.Context, symbol string, leg core.Leg) (core.Constraints, error) {
	var info venueExchangeInfo
	if err := g.restFor(leg).Get(ctx, "/exchangeInfo", map[string]string{"symbol": symbol}, &info); err != nil {
		return core.Constraints{}, fmt.Errorf("load constraints: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		tick, _ := decimal.NewFromString(s.TickSize)
		step, _ := decimal.NewFromString(s.StepSize)
		minNotional, _ := decimal.NewFromString(s.MinNotional)
		minQty, _ := decimal.NewFromString(s.MinQty)
		return core.Constraints{Symbol: symbol, PriceTick: tick, SizeStep: step, MinNotional: minNotional, MinSize: minQty}, nil
	}
	return core.Constraints{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

type venuePositionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

func (g *LiveGateway) GetPositionMode(ctx context.Context, product string) (core.PositionMode, error) {
	var resp venuePositionModeResponse
	if err := g.perpHTTP.Get(ctx, "/positionSide/dual", nil, &resp); err != nil {
		return "", fmt.Errorf("get position mode: %w", err)
	}
	if resp.DualSidePosition {
		return core.PositionModeHedge, nil
	}
	return core.PositionModeOneWay, nil
}

func (g *LiveGateway) SetPositionMode(ctx context.Context, product string, mode core.PositionMode) error {
	body := map[string]string{"dualSidePosition": strconv.FormatBool(mode == core.PositionModeHedge)}
	if err := g.perpHTTP.Post(ctx, "/positionSide/dual", body, nil); err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	return nil
}

type venuePosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
}

func (g *LiveGateway) GetPositionSnapshot(ctx context.Context, symbol string) (core.Inventory, error) {
	var perpPositions []venuePosition
	if err := g.perpHTTP.Get(ctx, "/positionRisk", map[string]string{"symbol": symbol}, &perpPositions); err != nil {
		return core.Inventory{}, fmt.Errorf("get perp position snapshot: %w", err)
	}
	var spotBalance struct {
		Free string `json:"free"`
	}
	if err := g.spotHTTP.Get(ctx, "/account/balance", map[string]string{"symbol": symbol}, &spotBalance); err != nil {
		return core.Inventory{}, fmt.Errorf("get spot balance snapshot: %w", err)
	}

	var perpPos decimal.Decimal
	for _, p := range perpPositions {
		if p.Symbol != symbol {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return core.Inventory{}, fmt.Errorf("parse perp position amount: %w", err)
		}
		perpPos = amt
	}
	spotPos, err := decimal.NewFromString(spotBalance.Free)
	if err != nil {
		spotPos = decimal.Zero
	}
	return core.Inventory{PerpPos: perpPos, SpotPos: spotPos}, nil
}

type venueDepthMessage struct {
	Bids [][2]string `json:"b"`
	Asks [][2]string `json:"a"`
}

func parseLevels(raw [][2]string) []core.PriceLevel {
	levels := make([]core.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err1 := decimal.NewFromString(lvl[0])
		size, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, core.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func (g *LiveGateway) wsURLFor(leg core.Leg) string {
	if isSpotLeg(leg) {
		return g.cfg.SpotWSURL
	}
	return g.cfg.PerpWSURL
}

// SubscribePublicBooks opens a new streaming connection for leg on every
// call and decodes each depth frame into a DepthUpdate.
func (g *LiveGateway) SubscribePublicBooks(ctx context.Context, symbol string, leg core.Leg) (<-chan core.DepthUpdate, error) {
	ch := make(chan core.DepthUpdate, 8)

	handler := func(raw []byte) {
		var msg venueDepthMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Warn("failed to decode depth frame", "leg", leg, "error", err)
			return
		}
		update := core.DepthUpdate{
			Symbol: symbol, Leg: leg, TS: time.Now(),
			Bids: parseLevels(msg.Bids), Asks: parseLevels(msg.Asks),
		}
		select {
		case ch <- update:
		case <-ctx.Done():
		}
	}

	ws := wsclient.NewClient(g.wsURLFor(leg), handler, g.logger)
	ws.Start()

	g.mu.Lock()
	g.publicConns[leg] = ws
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		ws.Stop()
		close(ch)
	}()

	return ch, nil
}

type venuePrivateMessage struct {
	EventType string `json:"e"`
	ClientID  string `json:"c"`
	OrderID   string `json:"i"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Price     string `json:"p"`
	LastQty   string `json:"l"`
	TradeID   string `json:"t"`
	Status    string `json:"X"`
}

// SubscribePrivate opens the private execution-report stream and
// translates each frame into a core.PrivateEvent: an order-status update
// for every report, plus a fill when LastQty is non-zero.
func (g *LiveGateway) SubscribePrivate(ctx context.Context, leg core.Leg) (<-chan core.PrivateEvent, error) {
	g.mu.Lock()
	if g.privateConn != nil {
		g.mu.Unlock()
		return g.privateCh, nil
	}
	g.mu.Unlock()

	handler := func(raw []byte) {
		var msg venuePrivateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Warn("failed to decode private frame", "error", err)
			return
		}
		price, _ := decimal.NewFromString(msg.Price)
		qty, _ := decimal.NewFromString(msg.LastQty)
		now := time.Now()

		rec := &core.OrderRecord{
			ClientID: core.ClientOrderId(msg.ClientID), Symbol: msg.Symbol,
			Side: core.Side(strings.ToLower(msg.Side)), Price: price,
			Status: core.OrderStatus(msg.Status), ExchOrderID: msg.OrderID, LastUpdateTS: now,
		}
		g.privateCh <- core.PrivateEvent{Order: rec}

		if !qty.IsZero() {
			g.privateCh <- core.PrivateEvent{Fill: &core.NormalizedFill{
				Leg: legFromClientID(core.ClientOrderId(msg.ClientID)), Side: core.Side(strings.ToLower(msg.Side)),
				Price: price, Qty: qty, ClientID: core.ClientOrderId(msg.ClientID),
				ExchOrderID: msg.OrderID, TradeID: msg.TradeID, TS: now,
			}}
		}
	}

	ws := wsclient.NewClient(g.cfg.PrivateWSURL, handler, g.logger)
	ws.SetOnConnected(func() {
		g.privateCh <- core.PrivateEvent{Conn: core.ConnConnected}
	})
	ws.Start()

	g.mu.Lock()
	g.privateConn = ws
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	return g.privateCh, nil
}

var _ core.Gateway = (*LiveGateway)(nil)
