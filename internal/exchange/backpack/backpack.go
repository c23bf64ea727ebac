// Package backpack implements the exchange.VenueAdapter contract for a
// key/secret HMAC-signed venue with a generous rate budget, grounded on
// original_source/strategies/mm/adapters/backpack.py. The cross-venue
// hedge strategy uses this adapter for its maker leg: tight post-only
// discipline, frequent order refresh, no reduce-only market fallback.
package backpack

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

// Adapter implements exchange.VenueAdapter for backpack.
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

// New builds a backpack adapter from REST credentials.
func New(baseURL, wsURL string, creds types.VenueCredentials, dryRun bool, logger *slog.Logger) *Adapter {
	logger = logger.With("venue", "backpack")
	signer := exchange.NewHMACSigner(creds.APISecret)
	a := &Adapter{
		http:   exchange.NewRESTClient(baseURL),
		signer: signer,
		apiKey: creds.APIKey,
		rl:     exchange.NewRateLimiter(exchange.PremiumBudget, exchange.PremiumBudget),
		wsFeed: exchange.NewPublicFeed(wsURL, logger),
		logger: logger,
		dryRun: dryRun,
	}
	a.wsPrivate = exchange.NewPrivateFeed(wsURL, a.wsAuthPayload(), logger)
	return a
}

func (a *Adapter) Name() string { return "backpack" }

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

// wsAuthPayload builds backpack's private-channel auth frame by signing
// a fixed login request path with the same HMAC key/secret path used for
// REST requests, carrying the API key alongside the signature.
func (a *Adapter) wsAuthPayload() json.RawMessage {
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/ws/login", "", time.Now())
	if err != nil {
		a.logger.Warn("failed to build private ws auth payload", "error", err)
		return nil
	}
	payload, _ := json.Marshal(struct {
		Op        string `json:"op"`
		APIKey    string `json:"apiKey"`
		Timestamp string `json:"timestamp"`
		Signature string `json:"signature"`
	}{Op: "login", APIKey: a.apiKey, Timestamp: headers["X-Timestamp"], Signature: headers["X-Signature"]})
	return payload
}

// consumeOrderEvents decodes the private order-update stream and invokes
// the handler registered via SubscribeOrderStream.
func (a *Adapter) consumeOrderEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.wsPrivate.OrderEvents():
			if !ok {
				return
			}
			info, err := decodeOrderStreamEvent(ev.Raw)
			if err != nil {
				a.logger.Warn("failed to decode order stream event", "error", err)
				continue
			}
			a.mu.RLock()
			handler := a.handler
			a.mu.RUnlock()
			if handler != nil {
				handler(info)
			}
		}
	}
}

func decodeOrderStreamEvent(raw json.RawMessage) (types.OrderInfo, error) {
	var payload struct {
		Data orderPayload `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.OrderInfo{}, err
	}
	return payload.Data.toOrderInfo(), nil
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
	var markets []struct {
		Symbol     string `json:"symbol"`
		TickSize   string `json:"tickSize"`
	}
	r, err := a.http.R().SetContext(ctx).SetResult(&markets).Get("/api/v1/markets")
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("backpack: fetch markets: %w", exchange.ErrTransientNetwork)
	}
	if r.StatusCode() >= 400 {
		return "", decimal.Zero, fmt.Errorf("backpack: %w", exchange.ErrTransientNetwork)
	}
	for _, m := range markets {
		if m.Symbol != ticker {
			continue
		}
		tick, err := decimal.NewFromString(m.TickSize)
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("backpack: parse tick size: %w", err)
		}
		a.mu.Lock()
		a.contractID = m.Symbol
		a.tickSize = tick
		a.book = market.NewBook(m.Symbol)
		a.mu.Unlock()
		return m.Symbol, tick, nil
	}
	return "", decimal.Zero, exchange.ErrUnknownTicker
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
		return decimal.Zero, decimal.Zero, fmt.Errorf("backpack: %w", exchange.ErrTransientNetwork)
	}
	return snap.BestBid, snap.BestAsk, nil
}

func (a *Adapter) FetchOrderBookFromAPI(ctx context.Context, contractID string, depth int) (types.OrderBookSnapshot, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var resp struct {
		Bids []market.Level `json:"bids"`
		Asks []market.Level `json:"asks"`
	}
	r, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", contractID).SetResult(&resp).Get("/api/v1/depth")
	if err != nil || r.StatusCode() >= 500 {
		return types.OrderBookSnapshot{}, fmt.Errorf("backpack: fetch book: %w", exchange.ErrTransientNetwork)
	}
	if len(resp.Bids) == 0 || len(resp.Asks) == 0 {
		return types.OrderBookSnapshot{Valid: false}, nil
	}
	return types.OrderBookSnapshot{
		BestBid: resp.Bids[0].Price, BestBidSz: resp.Bids[0].Size,
		BestAsk: resp.Asks[0].Price, BestAskSz: resp.Asks[0].Size,
		Valid: true, UpdatedAt: time.Now(),
	}, nil
}

// PlaceOpenOrder is the maker-leg entry point for the hedge strategy:
// always post-only, never reduce-only.
func (a *Adapter) PlaceOpenOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side) (types.OrderResult, error) {
	a.mu.RLock()
	book := a.book
	a.mu.RUnlock()
	price := decimal.Zero
	if book != nil {
		bid, ask, ok := book.BestLevels()
		if ok {
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

	body := map[string]any{
		"symbol": contractID, "side": side, "orderType": orderType,
		"quantity": qty.String(), "reduceOnly": reduceOnly, "postOnly": postOnly,
	}
	if orderType == "Limit" {
		body["price"] = price.String()
	}
	payload, _ := json.Marshal(body)

	var result types.OrderResult
	err := exchange.WithNonceRetry(ctx, a.signer, nil, func(ctx context.Context) error {
		headers, err := a.signer.HMACHeaders(http.MethodPost, "/api/v1/order", string(payload), time.Now())
		if err != nil {
			return fmt.Errorf("backpack: sign request: %w", err)
		}
		headers["X-API-KEY"] = a.apiKey

		var resp struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Code   string `json:"code"`
		}
		r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&resp).SetError(&resp).Post("/api/v1/order")
		if err != nil {
			return fmt.Errorf("backpack: place order: %w", exchange.ErrTransientNetwork)
		}
		switch {
		case r.StatusCode() == http.StatusOK:
			result = types.OrderResult{Success: true, OrderID: resp.ID, Side: side, Size: qty, Price: price, Status: types.StatusOpen}
			return nil
		case resp.Code == "INVALID_SIGNATURE" || resp.Code == "WINDOW_EXPIRED":
			return exchange.ErrInvalidNonce
		case postOnly && resp.Code == "POST_ONLY_TAKER":
			result = types.OrderResult{Success: true, Status: types.StatusCanceledPostOnly}
			return nil
		case resp.Code == "INSUFFICIENT_MARGIN":
			return fmt.Errorf("backpack: %w", exchange.ErrReduceOnlyMargin)
		case r.StatusCode() >= 500:
			return fmt.Errorf("backpack: %w", exchange.ErrTransientNetwork)
		default:
			return fmt.Errorf("backpack: order rejected (%s)", resp.Code)
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
	headers, err := a.signer.HMACHeaders(http.MethodDelete, "/api/v1/order/"+orderID, "", time.Now())
	if err != nil {
		return types.OrderResult{}, err
	}
	headers["X-API-KEY"] = a.apiKey
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).Delete("/api/v1/order/" + orderID)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("backpack: cancel: %w", exchange.ErrTransientNetwork)
	}
	if r.StatusCode() == http.StatusNotFound {
		return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
	}
	if r.StatusCode() >= 400 {
		return types.OrderResult{}, fmt.Errorf("backpack: cancel rejected (%d)", r.StatusCode())
	}
	return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
}

func (a *Adapter) GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/api/v1/order/"+orderOrClientID, "", time.Now())
	if err != nil {
		return types.OrderInfo{}, err
	}
	headers["X-API-KEY"] = a.apiKey
	var resp orderPayload
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&resp).Get("/api/v1/order/" + orderOrClientID)
	if err != nil || r.StatusCode() == http.StatusNotFound {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return resp.toOrderInfo(), nil
}

func (a *Adapter) GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/api/v1/history/order/"+orderID, "", time.Now())
	if err != nil {
		return types.OrderInfo{}, err
	}
	headers["X-API-KEY"] = a.apiKey
	var resp orderPayload
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&resp).Get("/api/v1/history/order/" + orderID)
	if err != nil || r.StatusCode() == http.StatusNotFound {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return resp.toOrderInfo(), nil
}

func (a *Adapter) GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return nil, nil
	}
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/api/v1/orders", "", time.Now())
	if err != nil {
		return nil, nil
	}
	headers["X-API-KEY"] = a.apiKey
	var resp []orderPayload
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("symbol", contractID).SetResult(&resp).Get("/api/v1/orders")
	if err != nil || r.StatusCode() >= 500 {
		return nil, nil
	}
	out := make([]types.OrderInfo, 0, len(resp))
	for _, o := range resp {
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
	headers, err := a.signer.HMACHeaders(http.MethodGet, "/api/v1/position", "", time.Now())
	if err != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	headers["X-API-KEY"] = a.apiKey
	var resp []struct {
		Symbol   string `json:"symbol"`
		NetQty   string `json:"netQuantity"`
		EntryPx  string `json:"entryPrice"`
	}
	a.mu.RLock()
	contractID := a.contractID
	a.mu.RUnlock()
	r, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&resp).Get("/api/v1/position")
	if err != nil || r.StatusCode() >= 500 {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	for _, p := range resp {
		if p.Symbol != contractID {
			continue
		}
		size, _ := decimal.NewFromString(p.NetQty)
		avg, _ := decimal.NewFromString(p.EntryPx)
		pos := types.PositionSnapshot{Venue: a.Name(), Size: size, AvgEntry: avg, ObservedAt: time.Now()}
		a.mu.Lock()
		a.cachedPos = pos
		a.mu.Unlock()
		return pos, nil
	}
	return types.PositionSnapshot{Venue: a.Name(), ObservedAt: time.Now()}, nil
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
	ID         string `json:"id"`
	Status     string `json:"status"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	FilledQty  string `json:"filledQuantity"`
}

var backpackStatusMap = map[string]types.OrderStatus{
	"New":             types.StatusOpen,
	"PartiallyFilled": types.StatusPartiallyFilled,
	"Filled":          types.StatusFilled,
	"Cancelled":       types.StatusCanceled,
	"Expired":         types.StatusCanceled,
	"Rejected":        types.StatusRejected,
}

func (o orderPayload) toOrderInfo() types.OrderInfo {
	side := types.Buy
	if o.Side == "Ask" || o.Side == "Sell" {
		side = types.Sell
	}
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.Quantity)
	filled, _ := decimal.NewFromString(o.FilledQty)
	status, ok := backpackStatusMap[o.Status]
	if !ok {
		status = types.StatusOpen
	}
	return types.OrderInfo{
		OrderID: o.ID, Side: side, Price: price, Size: qty,
		FilledSize: filled, Status: status, UpdatedAt: time.Now(),
	}
}

var _ exchange.VenueAdapter = (*Adapter)(nil)
