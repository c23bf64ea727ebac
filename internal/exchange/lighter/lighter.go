// Package lighter implements the exchange.VenueAdapter contract for a nonce- and
// wallet-signed DEX-style perpetual venue, grounded on
// original_source/exchanges/lighter.py and the teacher's EIP-712 L1
// signing flow in exchange/auth.go, generalized from Polymarket's
// prediction-market order encoding to a generic perp order book.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gridhedge/internal/exchange"
	"gridhedge/internal/market"
	"gridhedge/pkg/types"
)

// Adapter implements exchange.VenueAdapter for the lighter venue.
type Adapter struct {
	http      *resty.Client
	signer    *exchange.Signer
	rl        *exchange.RateLimiter
	book      *market.Book
	wsFeed    *exchange.WSFeed
	wsPrivate *exchange.WSFeed
	logger    *slog.Logger
	dryRun    bool

	mu           sync.RWMutex
	contractID   string
	tickSize     decimal.Decimal
	activeOrders map[string]types.OrderInfo
	cachedPos    types.PositionSnapshot
	handler      func(types.OrderInfo)
}

// New builds a lighter adapter. baseURL/wsURL are the venue's REST and
// WS endpoints; creds carries the wallet private key used for EIP-712
// order signing and the starting nonce.
func New(baseURL, wsURL string, creds types.VenueCredentials, dryRun bool, logger *slog.Logger) (*Adapter, error) {
	signer, err := exchange.NewWalletSigner(creds.PrivateKeyHex, 0)
	if err != nil {
		return nil, fmt.Errorf("lighter: %w", err)
	}
	logger = logger.With("venue", "lighter")
	a := &Adapter{
		http:         exchange.NewRESTClient(baseURL),
		signer:       signer,
		rl:           exchange.NewRateLimiter(exchange.TightBudget, exchange.TightBudget),
		wsFeed:       exchange.NewPublicFeed(wsURL, logger),
		logger:       logger,
		dryRun:       dryRun,
		activeOrders: make(map[string]types.OrderInfo),
	}
	a.wsPrivate = exchange.NewPrivateFeed(wsURL, a.wsAuthPayload(), logger)
	return a, nil
}

func (a *Adapter) Name() string { return "lighter" }

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

// wsAuthPayload signs the wallet address with the same EIP-712 key used
// for order signing, authenticating the private order-update channel.
func (a *Adapter) wsAuthPayload() json.RawMessage {
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "version", Type: "string"}},
			"Auth":         {{Name: "address", Type: "string"}},
		},
		PrimaryType: "Auth",
		Domain:      apitypes.TypedDataDomain{Name: "lighter", Version: "1"},
		Message:     apitypes.TypedDataMessage{"address": a.signer.Address().Hex()},
	}
	sig, err := a.signer.SignTypedData(data)
	if err != nil {
		a.logger.Warn("failed to build private ws auth payload", "error", err)
		return nil
	}
	payload, _ := json.Marshal(struct {
		Op        string `json:"op"`
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}{Op: "auth", Address: a.signer.Address().Hex(), Signature: fmt.Sprintf("0x%x", sig)})
	return payload
}

// consumeOrderEvents decodes the private order-update stream, refreshes
// the active-order cache, and invokes the registered handler, so the WS
// handler rather than a REST poll is the source of fresh order state.
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
			a.mu.Lock()
			a.activeOrders[info.OrderID] = info
			handler := a.handler
			a.mu.Unlock()
			if handler != nil {
				handler(info)
			}
		}
	}
}

func decodeOrderStreamEvent(raw json.RawMessage) (types.OrderInfo, error) {
	var payload struct {
		Order types.OrderInfo `json:"order"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.OrderInfo{}, err
	}
	return payload.Order, nil
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
			a.applyBookEvent(book, ev)
		}
	}
}

func (a *Adapter) applyBookEvent(book *market.Book, ev exchange.BookEvent) {
	switch ev.Type {
	case "snapshot":
		var s market.Snapshot
		if err := unmarshalOrLog(a.logger, ev.Raw, &s); err == nil {
			book.ApplySnapshot(s)
		}
	default:
		var d market.Delta
		if err := unmarshalOrLog(a.logger, ev.Raw, &d); err == nil {
			if gap := book.ApplyDelta(d); gap {
				a.logger.Warn("sequence gap detected, resubscribe required", "contract", a.contractID)
			}
		}
	}
}

func (a *Adapter) FetchContractAttributes(ctx context.Context, ticker string) (string, decimal.Decimal, error) {
	var resp struct {
		ContractID string `json:"contract_id"`
		TickSize   string `json:"tick_size"`
	}
	r, err := a.http.R().SetContext(ctx).SetQueryParam("ticker", ticker).SetResult(&resp).Get("/contracts/attributes")
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("lighter: fetch contract attributes: %w", err)
	}
	if r.StatusCode() == http.StatusNotFound {
		return "", decimal.Zero, exchange.ErrUnknownTicker
	}
	tick, err := decimal.NewFromString(resp.TickSize)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("lighter: parse tick size: %w", err)
	}
	a.mu.Lock()
	a.contractID = resp.ContractID
	a.tickSize = tick
	a.book = market.NewBook(resp.ContractID)
	a.mu.Unlock()
	return resp.ContractID, tick, nil
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
		return decimal.Zero, decimal.Zero, fmt.Errorf("lighter: %w", exchange.ErrTransientNetwork)
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
	r, err := a.http.R().SetContext(ctx).SetQueryParam("contract_id", contractID).SetResult(&resp).Get("/book")
	if err != nil || r.StatusCode() >= 500 {
		return types.OrderBookSnapshot{}, fmt.Errorf("lighter: fetch book: %w", exchange.ErrTransientNetwork)
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
	return a.placeSignedOrder(ctx, contractID, qty, price, side, false, true)
}

func (a *Adapter) PlaceCloseOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side) (types.OrderResult, error) {
	return a.placeSignedOrder(ctx, contractID, qty, price, side, true, true)
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, reduceOnly bool) (types.OrderResult, error) {
	if qty.IsZero() {
		return types.OrderResult{}, fmt.Errorf("lighter: zero-qty market order rejected")
	}
	return a.placeSignedOrder(ctx, contractID, qty, decimal.Zero, side, reduceOnly, false)
}

// placeSignedOrder signs and submits an order. price=zero means market
// order. PlaceOpenOrder (priced at the mirror's best bid for a buy, best
// ask for a sell) and PlaceCloseOrder both submit with postOnly set.
func (a *Adapter) placeSignedOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side, reduceOnly, postOnly bool) (types.OrderResult, error) {
	if a.dryRun {
		return types.OrderResult{Success: true, OrderID: fmt.Sprintf("dryrun-%d", time.Now().UnixNano()), Side: side, Size: qty, Price: price, Status: types.StatusOpen}, nil
	}
	if err := a.rl.Acquire(ctx, exchange.OpPlaceOrder); err != nil {
		return types.OrderResult{}, err
	}

	var result types.OrderResult
	err := exchange.WithNonceRetry(ctx, a.signer, a.refetchNonce, func(ctx context.Context) error {
		nonce := a.signer.NextNonce()
		sig, err := a.signer.SignTypedData(a.buildOrderTypedData(contractID, qty, price, side, nonce))
		if err != nil {
			return fmt.Errorf("lighter: sign order: %w", err)
		}

		var resp struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
			ErrCode string `json:"error_code"`
		}
		r, err := a.http.R().SetContext(ctx).
			SetBody(map[string]any{
				"contract_id": contractID, "side": side, "qty": qty.String(),
				"price": price.String(), "reduce_only": reduceOnly, "post_only": postOnly,
				"nonce": nonce, "signature": fmt.Sprintf("0x%x", sig),
			}).
			SetResult(&resp).Post("/orders")
		if err != nil {
			return fmt.Errorf("lighter: place order: %w", exchange.ErrTransientNetwork)
		}
		if resp.ErrCode == "invalid_nonce" {
			return exchange.ErrInvalidNonce
		}
		if r.StatusCode() >= 400 {
			if postOnly && resp.Status == "would_cross" {
				result = types.OrderResult{Success: true, Status: types.StatusCanceledPostOnly}
				return nil
			}
			return fmt.Errorf("lighter: place order status %d", r.StatusCode())
		}
		result = types.OrderResult{Success: true, OrderID: resp.OrderID, Side: side, Size: qty, Price: price, Status: types.StatusOpen}
		return nil
	})
	return result, err
}

func (a *Adapter) buildOrderTypedData(contractID string, qty, price decimal.Decimal, side types.Side, nonce uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "version", Type: "string"}},
			"Order": {
				{Name: "contract", Type: "string"}, {Name: "side", Type: "string"},
				{Name: "qty", Type: "string"}, {Name: "price", Type: "string"}, {Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Order",
		Domain:      apitypes.TypedDataDomain{Name: "lighter", Version: "1"},
		Message: apitypes.TypedDataMessage{
			"contract": contractID, "side": string(side), "qty": qty.String(), "price": price.String(),
			"nonce": fmt.Sprintf("%d", nonce),
		},
	}
}

func (a *Adapter) refetchNonce(ctx context.Context) (uint64, error) {
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	_, err := a.http.R().SetContext(ctx).SetResult(&resp).Get("/account/nonce")
	return resp.Nonce, err
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	if a.dryRun {
		return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
	}
	if err := a.rl.Acquire(ctx, exchange.OpCancelOrder); err != nil {
		return types.OrderResult{}, err
	}
	var resp struct {
		FilledSize string `json:"filled_size"`
		Status     string `json:"status"`
	}
	r, err := a.http.R().SetContext(ctx).SetResult(&resp).Delete("/orders/" + orderID)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("lighter: cancel: %w", exchange.ErrTransientNetwork)
	}
	// Already-terminal orders are reported idempotently as success.
	if r.StatusCode() == http.StatusNotFound {
		return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
	}
	filled, _ := decimal.NewFromString(resp.FilledSize)
	return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled, FilledSize: filled}, nil
}

func (a *Adapter) GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error) {
	a.mu.RLock()
	if info, ok := a.activeOrders[orderOrClientID]; ok {
		a.mu.RUnlock()
		return info, nil
	}
	a.mu.RUnlock()

	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	var info types.OrderInfo
	r, err := a.http.R().SetContext(ctx).SetResult(&info).Get("/orders/" + orderOrClientID)
	if err != nil || r.StatusCode() == http.StatusNotFound {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return info, nil
}

func (a *Adapter) GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return types.OrderInfo{}, err
	}
	var info types.OrderInfo
	r, err := a.http.R().SetContext(ctx).SetResult(&info).Get("/orders/finalized/" + orderID)
	if err != nil || r.StatusCode() == http.StatusNotFound {
		return types.OrderInfo{}, exchange.ErrOrderNotFound
	}
	return info, nil
}

func (a *Adapter) GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadOrders); err != nil {
		return nil, nil // transient API error: caller treats empty as "no data this tick"
	}
	var resp []types.OrderInfo
	r, err := a.http.R().SetContext(ctx).SetQueryParam("contract_id", contractID).SetResult(&resp).Get("/orders/active")
	if err != nil || r.StatusCode() >= 500 {
		return nil, nil
	}
	return resp, nil
}

func (a *Adapter) GetAccountPositions(ctx context.Context) (types.PositionSnapshot, error) {
	if err := a.rl.Acquire(ctx, exchange.OpReadPosition); err != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	var resp struct {
		Size     string `json:"size"`
		AvgEntry string `json:"avg_entry"`
	}
	r, err := a.http.R().SetContext(ctx).SetResult(&resp).Get("/account/positions")
	if err != nil || r.StatusCode() >= 500 {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cachedPos, nil
	}
	size, _ := decimal.NewFromString(resp.Size)
	avg, _ := decimal.NewFromString(resp.AvgEntry)
	pos := types.PositionSnapshot{Venue: a.Name(), Size: size, AvgEntry: avg, ObservedAt: time.Now()}
	a.mu.Lock()
	a.cachedPos = pos
	a.mu.Unlock()
	return pos, nil
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

func unmarshalOrLog(logger *slog.Logger, raw []byte, v any) error {
	err := json.Unmarshal(raw, v)
	if err != nil {
		logger.Warn("failed to decode book event", "error", err)
	}
	return err
}

var _ exchange.VenueAdapter = (*Adapter)(nil)
