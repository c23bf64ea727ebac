package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

// Sentinel errors implementing the error taxonomy of spec section 7.
// Concrete venue adapters wrap these so strategy code can recover with
// errors.Is instead of string-matching venue-specific messages.
var (
	ErrRateLimited       = errors.New("exchange: rate limited")
	ErrInvalidNonce      = errors.New("exchange: invalid nonce")
	ErrPostOnlyCross     = errors.New("exchange: post-only order would cross")
	ErrReduceOnlyMargin  = errors.New("exchange: reduce-only order rejected on margin check")
	ErrUnknownTicker     = errors.New("exchange: unknown ticker")
	ErrOrderNotFound     = errors.New("exchange: order not found")
	ErrTransientNetwork  = errors.New("exchange: transient network error")
)

// VenueAdapter is the capability-set contract every venue implementation
// satisfies (spec section 4.1 and section 9's "capability interface +
// variants" redesign of the source's duck-typed BaseExchangeClient).
// Implementations live in internal/exchange/{lighter,bybit,backpack}.
type VenueAdapter interface {
	// Connect establishes REST/WS connectivity and authenticates.
	Connect(ctx context.Context) error
	// Disconnect tears down connections; best-effort.
	Disconnect()

	// FetchContractAttributes resolves a human ticker to the venue's
	// contract id and tick size. An unknown ticker is fatal to the caller.
	FetchContractAttributes(ctx context.Context, ticker string) (contractID string, tickSize decimal.Decimal, err error)

	// FetchBBO prefers the local order book mirror and falls back to REST
	// only when the mirror is not ready or reports an invalid book.
	FetchBBO(ctx context.Context, contractID string) (bid, ask decimal.Decimal, err error)
	// FetchOrderBookFromAPI is the REST fallback behind FetchBBO.
	FetchOrderBookFromAPI(ctx context.Context, contractID string, depth int) (types.OrderBookSnapshot, error)

	// PlaceOpenOrder submits a post-only maker order that opens/extends a
	// position in the configured direction.
	PlaceOpenOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side) (types.OrderResult, error)
	// PlaceCloseOrder submits a reduce-only, post-only limit order.
	PlaceCloseOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side) (types.OrderResult, error)
	// PlaceMarketOrder submits an IOC/FOK market order.
	PlaceMarketOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, reduceOnly bool) (types.OrderResult, error)

	// CancelOrder cancels by order id; canceling an already-terminal order
	// is idempotent and reports success.
	CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error)
	// GetOrderInfo reads the adapter's cached/active view of an order.
	GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error)
	// GetFinalizedOrderFromAPI queries the historical/settled order endpoint.
	GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error)
	// GetActiveOrders lists open/partially-filled orders for a contract.
	GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error)
	// GetAccountPositions returns the signed net position for the current
	// contract. On API error, returns the last cached value.
	GetAccountPositions(ctx context.Context) (types.PositionSnapshot, error)

	// SubscribeOrderStream registers a callback invoked for each order
	// update; the callback must be reentrant-safe.
	SubscribeOrderStream(handler func(types.OrderInfo)) error

	// RoundToTick rounds a price to the venue's tick size.
	RoundToTick(price decimal.Decimal) decimal.Decimal
	// TickSize returns the contract's minimum price increment.
	TickSize() decimal.Decimal
	// Name identifies the venue for logging and the trade log file name.
	Name() string
}
