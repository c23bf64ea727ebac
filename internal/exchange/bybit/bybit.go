// Package bybit implements the exchange.VenueAdapter contract for a key/secret
// HMAC-signed perpetual venue, grounded on original_source/exchanges/bybit.py.
// Unlike lighter it has no on-chain nonce; WithNonceRetry is still used so
// a transient auth-timestamp rejection gets the same bounded retry policy.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gridhedge/internal/exchange"
	"gridhedge/internal/market"
	"gridhedge/pkg/types"
)

// errAuthRetryable marks an auth failure bybit attributes to clock skew,
// which resolves by resending with a fresh timestamp rather than by
// resyncing a nonce counter. WithNonceRetry's ErrInvalidNonce gate covers
// this too: both recover by re-deriving an authoritative value and retrying.
var errAuthRetryable = exchange.ErrInvalidNonce

// Adapter implements exchange.VenueAdapter for bybit.
type Adapter struct {
	http      *resty.Client
	signer    *exchange.Signer
	apiKey    string
	rl        *exchange.RateLimiter
	book      *market.Book
	wsFeed    *exchange.WSFeed
	wsPrivate *exchange.WSFeed
	logger    *slog.Logger
	dryRun    bool

	mu         sync.RWMutex
	contractID string
	tickSize   decimal.Decimal
	cachedPos  types.PositionSnapshot
	handler    func(types.OrderInfo)
}

// New builds a bybit adapter from REST credentials.
func New(baseURL, wsURL string, creds types.VenueCredentials, dryRun bool, logger *slog.Logger) *Adapter {
	logger = logger.With("venue", "bybit")
	signer := exchange.NewHMACSigner(creds.APISecret)
	a := &Adapter{
		http:   exchange.NewRESTClient(baseURL),
		signer: signer,
		apiKey: creds.APIKey,
		rl:     exchange.NewRateLimiter(exchange.StandardBudget, exchange.StandardBudget),
		wsFeed: exchange.NewPublicFeed(wsURL, logger),
		logger: logger,
		dryRun: dryRun,
	}
	a.wsPrivate = exchange.NewPrivateFeed(wsURL, a.wsAuthPayload(), logger)
	return a
}

func (a *Adapter) Name() string { return "bybit" }

func (a *Adapter) Connect(ctx context.Context) error {
	go a.wsFeed.Run(ctx)
	go a.consumeBookEvents(ctx)
	go a.wsPrivate.Run(ctx)
	go a.consumeOrderEvents(ctx)
	return nil
}

func (a *Adapter) Disconnect() {
	a.wsFeed.Close()
	a.wsPrivate.Close()
}

// wsAuthPayload builds bybit's private-channel auth frame: op "auth" with
// the API key, an expiry timestamp and an HMAC signature over it, per the
// same key/secret signing path used for REST requests.
func (a *Adapter) wsAuthPayload() json.RawMessage {
	expires := time.Now().Add(5 * time.Second)
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/realtime", "", expires)
	if err != nil {
		a.logger.Warn("failed to build private ws auth payload", "error", err)
		return nil
	}
	payload, _ := json.Marshal(struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{Op: "auth", Args: []string{a.apiKey, headers["X-Timestamp"], headers["X-Signature"]}})
	return payload
}

// consumeOrderEvents decodes the private order-update stream and invokes
// the handler registered via SubscribeOrderStream, keeping the WS handler
// as the only writer of fresh order state per spec section 5.
func (a *Adapter) consumeOrderEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.wsPrivate.OrderEvents():
			if !ok {
				return
			}
			infos, err := decodeOrderStreamEvent(ev.Raw)
			if err != nil {
				a.logger.Warn("failed to decode order stream event", "error", err)
				continue
			}
			a.mu.RLock()
			handler := a.handler
			a.mu.RUnlock()
			if handler == nil {
				continue
			}
			for _, info := range infos {
				handler(info)
			}
		}
	}
}

func decodeOrderStreamEvent(raw json.RawMessage) ([]types.OrderInfo, error) {
	var payload struct {
		Topic string         `json:"topic"`
		Data  []orderPayload `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	out := make([]types.OrderInfo, 0, len(payload.Data))
	for _, o := range payload.Data {
		out = append(out, o.toOrderInfo())
	}
	return out, nil
}

func (a *Adapter) consumeBookEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.wsFeed.BookEvents():
			if !ok {
				return
			}
			a.mu.RLock()
			book := a.book
			a.mu.RUnlock()
			if book == nil {
				continue
			}
			if ev.Type == "snapshot" {
				var s market.Snapshot
				if json.Unmarshal(ev.Raw, &s) == nil {
					book.ApplySnapshot(s)
				}
				continue
			}
			var d market.Delta
			if json.Unmarshal(ev.Raw, &d) == nil {
				if gap := book.ApplyDelta(d); gap {
					a.logger.Warn("sequence gap detected, resubscribe required")
				}
			}
		}
	}
}

func (a *Adapter) FetchContractAttributes(ctx context.Context, ticker string) (string, decimal.Decimal, error) {
	var resp struct {
		Result struct {
			List []struct {
				Symbol   string `json:"symbol"`
				TickSize string `json:"tickSize"`
			} `json:"list"`
		} `json:"result"`
	}
	r, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", ticker).SetResult(&resp).Get("/v5/market/instruments-info")
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("bybit: fetch instrument info: %w", exchange.ErrTransientNetwork)
	}
	if r.StatusCode() == http.StatusNotFound || len(resp.Result.List) == 0 {
		return "", decimal.Zero, exchange.ErrUnknownTicker
	}
	tick, err := decimal.NewFromString(resp.Result.List[0].TickSize)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("bybit: parse tick size: %w", err)
	}
	a.mu.Lock()
	a.contractID = resp.Result.List[0].Symbol
	a.tickSize = tick
	a.book = market.NewBook(a.contractID)
	a.mu.Unlock()
	return a.contractID, tick, nil
}

func (a *Adapter) FetchBBO(ctx context.Context, contractID string) (decimal.Decimal, decimal.Decimal, error) {
	a.mu.RLock()
	book := a.book
	a.mu.RUnlock()
	if book != nil && book.IsReady() {
		bid, ask, ok := book.BestLevels()
		if ok {
			return bid.Price, ask.Price, nil
		}
	}
	snap, err := a.FetchOrderBookFromAPI(ctx, contractID, 1)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !snap.Valid {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bybit: %w", exchange.ErrTransientNetwork)
	}
	return snap.BestBid, snap.BestAsk, nil
}

func (a *Adapter) FetchOrderBookFromAPI(ctx context.Context, contractID string, depth int) (types.OrderBookSnapshot, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var resp struct {
		Result struct {
			Bids []market.Level `json:"b"`
			Asks []market.Level `json:"a"`
		} `json:"result"`
	}
	r, err := a.http.R().SetContext(ctx).
		SetQueryParam("symbol", contractID).
		SetQueryParam("limit", fmt.Sprintf("%d", depth)).
		SetResult(&resp).Get("/v5/market/orderbook")
	if err != nil || r.StatusCode() >= 500 {
		return types.OrderBookSnapshot{}, fmt.Errorf("bybit: fetch book: %w", exchange.ErrTransientNetwork)
	}
	if len(resp.Result.Bids) == 0 || len(resp.Result.Asks) == 0 {
		return types.OrderBookSnapshot{Valid: false}, nil
	}
	return types.OrderBookSnapshot{
		BestBid: resp.Result.Bids[0].Price, BestBidSz: resp.Result.Bids[0].Size,
		BestAsk: resp.Result.Asks[0].Price, BestAskSz: resp.Result.Asks[0].Size,
		Valid: true, UpdatedAt: time.Now(),
	}, nil
}

func (a *Adapter) PlaceOpenOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side) (types.OrderResult, error) {
	a.mu.RLock()
	book := a.book
	a.mu.RUnlock()
	price := decimal.Zero
	if book != nil {
		if bid, ask, ok := book.BestLevels(); ok {
			if side == types.Buy {
				price = bid.Price
			} else {
				price = ask.Price
			}
		}
	}
	return a.placeOrder(ctx, contractID, qty, price, side, false, true, "Limit")
}

func (a *Adapter) PlaceCloseOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side) (types.OrderResult, error) {
	return a.placeOrder(ctx, contractID, qty, price, side, true, true, "Limit")
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, reduceOnly bool) (types.OrderResult, error) {
	return a.placeOrder(ctx, contractID, qty, decimal.Zero, side, reduceOnly, false, "Market")
}

func (a *Adapter) placeOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side, reduceOnly, postOnly bool, orderType string) (types.OrderResult, error) {
	if a.dryRun {
		return types.OrderResult{Success: true, OrderID: fmt.Sprintf("dryrun-%d", time.Now().UnixNano()), Side: side, Size: qty, Price: price, Status: types.StatusOpen}, nil
	}
	if err := a.rl.Acquire(ctx, exchange.OpPlaceOrder); err != nil {
		return types.OrderResult{}, err
	}

	bybitSide := "Buy"
	if side == types.Sell {
		bybitSide = "Sell"
	}
	timeInForce := "GTC"
	if postOnly {
		timeInForce = "PostOnly"
	}
	body := map[string]any{
		"category": "linear", "symbol": contractID, "side": bybitSide,
		"orderType": orderType, "qty": qty.String(), "timeInForce": timeInForce,
		"reduceOnly": reduceOnly,
	}
	if orderType == "Limit" {
		body["price"] = price.String()
	}
	payload, _ := json.Marshal(body)

	var result types.OrderResult
	err := exchange.WithNonceRetry(ctx, a.signer, nil, func(ctx context.Context) error {
		headers, err := a.signer.HMACHeaders(http.MethodPost, "/v5/order/create", string(payload), time.Now())
		if err != nil {
			return fmt.Errorf("bybit: sign request: %w", err)
		}
		headers["X-BAPI-API-KEY"] = a.apiKey

		var resp struct {
			RetCode int `json:"retCode"`
			RetMsg  string `json:"retMsg"`
			Result  struct {
				OrderID string `json:"orderId"`
			} `json:"result"`
		}
		r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&resp).Post("/v5/order/create")
		if err != nil {
			return fmt.Errorf("bybit: place order: %w", exchange.ErrTransientNetwork)
		}
		switch resp.RetCode {
		case 0:
			result = types.OrderResult{Success: true, OrderID: resp.Result.OrderID, Side: side, Size: qty, Price: price, Status: types.StatusOpen}
			return nil
		case 10002: // invalid timestamp/signature window
			return errAuthRetryable
		case 30086: // post-only order would cross
			result = types.OrderResult{Success: true, Status: types.StatusCanceledPostOnly}
			return nil
		case 110007: // reduce-only/margin check failure
			return fmt.Errorf("bybit: %w: %s", exchange.ErrReduceOnlyMargin, resp.RetMsg)
		default:
			if r.StatusCode() >= 500 {
				return fmt.Errorf("bybit: %w", exchange.ErrTransientNetwork)
			}
			return fmt.Errorf("bybit: order rejected (%d): %s", resp.RetCode, resp.RetMsg)
		}
	})
	return result, err
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	if a.dryRun {
		return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
	}
	if err := a.rl.Acquire(ctx, exchange.OpCancelOrder); err != nil {
		return types.OrderResult{}, err
	}
	a.mu.RLock()
	contractID := a.contractID
	a.mu.RUnlock()
	body := map[string]any{"category": "linear", "symbol": contractID, "orderId": orderID}
	payload, _ := json.Marshal(body)
	headers, err := a.signer.HMACHeaders(http.MethodPost, "/v5/order/cancel", string(payload), time.Now())
	if err != nil {
		return types.OrderResult{}, err
	}
	headers["X-BAPI-API-KEY"] = a.apiKey

	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&resp).Post("/v5/order/cancel")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("bybit: cancel: %w", exchange.ErrTransientNetwork)
	}
	if resp.RetCode != 0 && r.StatusCode() != http.StatusNotFound {
		// bybit reports an already-terminal order as a named error code
		// rather than 404; treat it as the idempotent success the caller expects.
		if resp.RetCode == 110001 {
			return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
		}
		return types.OrderResult{}, fmt.Errorf("bybit: cancel rejected (%d): %s", resp.RetCode, resp.RetMsg)
	}
	return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
}

func (a *Adapter) GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	headers, err := a.authHeaders(ctx, http.MethodGet, "/v5/order/realtime", "")
	if err != nil {
		return types.OrderInfo{}, err
	}
	var resp struct {
		Result struct {
			List []orderPayload `json:"list"`
		} `json:"result"`
	}
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("orderId", orderOrClientID).SetResult(&resp).Get("/v5/order/realtime")
	if err != nil || r.StatusCode() == http.StatusNotFound || len(resp.Result.List) == 0 {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return resp.Result.List[0].toOrderInfo(), nil
}

func (a *Adapter) GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	headers, err := a.authHeaders(ctx, http.MethodGet, "/v5/order/history", "")
	if err != nil {
		return types.OrderInfo{}, err
	}
	var resp struct {
		Result struct {
			List []orderPayload `json:"list"`
		} `json:"result"`
	}
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("orderId", orderID).SetResult(&resp).Get("/v5/order/history")
	if err != nil || r.StatusCode() == http.StatusNotFound || len(resp.Result.List) == 0 {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return resp.Result.List[0].toOrderInfo(), nil
}

func (a *Adapter) GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return nil, nil
	}
	headers, err := a.authHeaders(ctx, http.MethodGet, "/v5/order/realtime", "")
	if err != nil {
		return nil, nil
	}
	var resp struct {
		Result struct {
			List []orderPayload `json:"list"`
		} `json:"result"`
	}
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("symbol", contractID).SetResult(&resp).Get("/v5/order/realtime")
	if err != nil || r.StatusCode() >= 500 {
		return nil, nil
	}
	out := make([]types.OrderInfo, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		out = append(out, o.toOrderInfo())
	}
	return out, nil
}

func (a *Adapter) GetAccountPositions(ctx context.Context) (types.PositionSnapshot, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadPosition); err != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	headers, err := a.authHeaders(ctx, http.MethodGet, "/v5/position/list", "")
	if err != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	var resp struct {
		Result struct {
			List []struct {
				Size    string `json:"size"`
				Side    string `json:"side"`
				AvgPrice string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	a.mu.RLock()
	contractID := a.contractID
	a.mu.RUnlock()
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("category", "linear").SetQueryParam("symbol", contractID).SetResult(&resp).Get("/v5/position/list")
	if err != nil || r.StatusCode() >= 500 || len(resp.Result.List) == 0 {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	p := resp.Result.List[0]
	size, _ := decimal.NewFromString(p.Size)
	if p.Side == "Sell" {
		size = size.Neg()
	}
	avg, _ := decimal.NewFromString(p.AvgPrice)
	pos := types.PositionSnapshot{Venue: a.Name(), Size: size, AvgEntry: avg, ObservedAt: time.Now()}
	a.mu.Lock()
	a.cachedPos = pos
	a.mu.Unlock()
	return pos, nil
}

func (a *Adapter) authHeaders(ctx context.Context, method, path, body string) (map[string]string, error) {
	headers, err := a.signer.HMACHeaders(method, path, body, time.Now())
	if err != nil {
		return nil, err
	}
	headers["X-BAPI-API-KEY"] = a.apiKey
	return headers, nil
}

func (a *Adapter) SubscribeOrderStream(handler func(types.OrderInfo)) error {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
	return nil
}

func (a *Adapter) RoundToTick(price decimal.Decimal) decimal.Decimal {
	a.mu.RLock()
	tick := a.tickSize
	a.mu.RUnlock()
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).RoundBank(0).Mul(tick)
}

func (a *Adapter) TickSize() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tickSize
}

type orderPayload struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
}

var bybitStatusMap = map[string]types.OrderStatus{
	"New":             types.StatusOpen,
	"PartiallyFilled": types.StatusPartiallyFilled,
	"Filled":          types.StatusFilled,
	"Cancelled":       types.StatusCanceled,
	"Rejected":        types.StatusRejected,
}

func (o orderPayload) toOrderInfo() types.OrderInfo {
	side := types.Buy
	if o.Side == "Sell" {
		side = types.Sell
	}
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.Qty)
	filled, _ := decimal.NewFromString(o.CumExecQty)
	status, ok := bybitStatusMap[o.OrderStatus]
	if !ok {
		status = types.StatusOpen
	}
	return types.OrderInfo{
		OrderID: o.OrderID, Side: side, Price: price, Size: qty,
		FilledSize: filled, Status: status, UpdatedAt: time.Now(),
	}
}

var _ exchange.VenueAdapter = (*Adapter)(nil)
