// Package types defines the venue-agnostic vocabulary shared by every
// strategy and exchange adapter: order status, order book levels,
// position snapshots, and the small coordination records the grid and
// hedge strategies pass between their components.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderRole distinguishes a position-opening order from its reduce-only
// take-profit/close counterpart.
type OrderRole string

const (
	RoleOpen  OrderRole = "OPEN"
	RoleClose OrderRole = "CLOSE"
)

// OrderStatus is the lifecycle state of an order, per the state machine
// in section 4.3: SUBMITTED -> OPEN -> PARTIALLY_FILLED -> FILLED, with
// CANCELED/CANCELED_POST_ONLY/CANCELED_MARGIN/REJECTED as terminal
// alternatives. Status transitions only ever move forward; regressions
// observed from a lagging data source must be ignored by the caller.
type OrderStatus string

const (
	StatusSubmitted          OrderStatus = "SUBMITTED"
	StatusOpen               OrderStatus = "OPEN"
	StatusPartiallyFilled    OrderStatus = "PARTIALLY_FILLED"
	StatusFilled             OrderStatus = "FILLED"
	StatusCanceled           OrderStatus = "CANCELED"
	StatusCanceledPostOnly   OrderStatus = "CANCELED_POST_ONLY"
	StatusCanceledMargin     OrderStatus = "CANCELED_MARGIN"
	StatusRejected           OrderStatus = "REJECTED"
)

// rank orders statuses along the forward-only transition graph so callers
// can detect and ignore a regression (e.g. an OPEN observed after FILLED).
var statusRank = map[OrderStatus]int{
	StatusSubmitted:        0,
	StatusOpen:             1,
	StatusPartiallyFilled:  2,
	StatusFilled:           3,
	StatusCanceled:         3,
	StatusCanceledPostOnly: 3,
	StatusCanceledMargin:   3,
	StatusRejected:         3,
}

// IsTerminal reports whether the status is a final state for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusCanceledPostOnly, StatusCanceledMargin, StatusRejected:
		return true
	default:
		return false
	}
}

// Regresses reports whether transitioning from s to next would be a
// backward move along the state graph (e.g. FILLED -> OPEN), which must
// be ignored rather than applied.
func (s OrderStatus) Regresses(next OrderStatus) bool {
	return statusRank[next] < statusRank[s]
}

// ExchangeConfig describes one strategy instance's venue-facing
// parameters. tick_size and contract_id are filled in by the adapter
// during FetchContractAttributes; everything else comes from the CLI or
// config file. StopPrice/PausePrice use -1 as the "disabled" sentinel.
type ExchangeConfig struct {
	Ticker          string
	ContractID      string
	TickSize        decimal.Decimal
	Quantity        decimal.Decimal
	TakeProfitPct   decimal.Decimal // percent mode, e.g. 0.5 means 0.5%
	TakeProfitTick  int             // tick mode; 0 means "not set"
	GridStepPct     decimal.Decimal
	GridStepTick    int
	Direction       Side
	MaxOrders       int
	WaitTime        time.Duration
	StopPrice       decimal.Decimal // sentinel -1 disables
	PausePrice      decimal.Decimal // sentinel -1 disables
	BoostMode       bool
}

// TickMode reports whether tick-denominated pricing overrides percent
// mode, per spec section 6: "When tick-mode flags are present they
// override percent-mode."
func (c ExchangeConfig) TickMode() bool {
	return c.TakeProfitTick > 0
}

// GridTickMode mirrors TickMode for the grid-step flag pair.
func (c ExchangeConfig) GridTickMode() bool {
	return c.GridStepTick > 0
}

// Order is the strategy's view of a single order, normalized across
// venues by the exchange adapter layer.
type Order struct {
	OrderID       string
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	Role          OrderRole
	ReduceOnly    bool
	PostOnly      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingSize is Size - FilledSize, clamped to zero.
func (o Order) RemainingSize() decimal.Decimal {
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// OrderResult is the immediate response to placing, canceling, or
// querying an order. success=true means only that the venue acknowledged
// the request; it is never proof of fill state on its own.
type OrderResult struct {
	Success       bool
	OrderID       string
	ClientOrderID string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	FilledSize    decimal.Decimal
	ErrorMessage  string
}

// OrderInfo is a point-in-time read of an order's state, returned by
// GetOrderInfo / GetFinalizedOrderFromAPI / GetActiveOrders.
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// PriceLevel is one row of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a point-in-time top-of-book read, used both as the
// REST fallback response and as the value exposed by the book mirror.
type OrderBookSnapshot struct {
	BestBid   decimal.Decimal
	BestBidSz decimal.Decimal
	BestAsk   decimal.Decimal
	BestAskSz decimal.Decimal
	Valid     bool
	UpdatedAt time.Time
}

// Mid returns the midpoint price, or the zero value if the book is
// invalid or not populated.
func (b OrderBookSnapshot) Mid() decimal.Decimal {
	if !b.Valid || b.BestBid.IsZero() || b.BestAsk.IsZero() {
		return decimal.Zero
	}
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// PositionSnapshot is a venue's signed net position for one contract.
// Positive is long, negative is short, zero is flat.
type PositionSnapshot struct {
	Venue      string
	Ticker     string
	Size       decimal.Decimal
	AvgEntry   decimal.Decimal
	ObservedAt time.Time
}

// IsFlat reports whether the position is (numerically) zero.
func (p PositionSnapshot) IsFlat() bool {
	return p.Size.IsZero()
}

// HedgeIntent is a pending compensating order derived from a maker-venue
// fill in the cross-venue hedge strategy. It is consumed exactly once and
// is never persisted across restarts.
type HedgeIntent struct {
	Side         Side
	Quantity     decimal.Decimal
	SourceFillID string
	MakerPrice   decimal.Decimal
	CreatedAt    time.Time
}

// ReconcileSignature dedupes repeated TP-reconciler attempts for the same
// deficit within a short window (spec section 4.5).
type ReconcileSignature struct {
	CloseSide        Side
	DeficitQuantity  decimal.Decimal
	AttemptedAt      time.Time
}

// Stale reports whether the signature is older than the given window and
// should no longer suppress a new attempt.
func (r ReconcileSignature) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(r.AttemptedAt) > window
}

// Matches reports whether this signature would suppress a new attempt
// for the given side/deficit within tolerance.
func (r ReconcileSignature) Matches(side Side, deficit decimal.Decimal, tolerance decimal.Decimal) bool {
	if r.CloseSide != side {
		return false
	}
	diff := r.DeficitQuantity.Sub(deficit).Abs()
	return diff.LessThanOrEqual(tolerance)
}

// VenueCredentials holds the per-venue API credentials loaded from the
// environment. Exact fields used depend on the venue's signing scheme.
type VenueCredentials struct {
	Venue         string
	APIKey        string
	APISecret     string
	PrivateKeyHex string
	AccountIndex  int
	Testnet       bool
	MarginMode    string
	Leverage      int
}
