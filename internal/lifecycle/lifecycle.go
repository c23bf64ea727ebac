// Package lifecycle implements the order lifecycle state machine
// (component F): placement, bounded polling, the partial-fill rescue
// path, and multi-source fill reconciliation, grounded on the
// reconcileOrders / handleOrderEvent shape of the teacher's
// internal/strategy/maker.go generalized from binary-market CTF tokens
// to a single perpetual contract.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/internal/exchange"
	"gridhedge/pkg/types"
)

const (
	pollInterval    = time.Second
	maxPollWindow   = 60 * time.Second
	extraWaitStep   = 5 * time.Second
	maxExtraWaits   = 6
)

// Outcome is the final result the strategy acts on once an open order's
// lifecycle has resolved: it either filled (fully or partially) or it
// ended up fully canceled with nothing filled.
type Outcome struct {
	OrderID    string
	Filled     decimal.Decimal
	Price      decimal.Decimal
	Status     types.OrderStatus
	CanceledAt time.Time
}

// FullyFilled reports whether the outcome represents a complete fill.
func (o Outcome) FullyFilled(requested decimal.Decimal) bool {
	return o.Filled.GreaterThanOrEqual(requested)
}

// Engine tracks one venue adapter's outstanding orders and drives them
// through the state machine of spec section 4.3. New registers the Engine
// as the adapter's order-stream handler; the grid controller and the
// hedge coordinator each build their own Engine.
type Engine struct {
	adapter exchange.VenueAdapter
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]types.OrderInfo // order_id -> latest observed state, written by the WS handler
}

// New builds a lifecycle engine around adapter and subscribes to its
// private order stream to maintain the WS cache referenced in section 5
// ("current_order cache is written only by the WS handler and the
// polling loop").
func New(adapter exchange.VenueAdapter, logger *slog.Logger) *Engine {
	e := &Engine{
		adapter: adapter,
		logger:  logger.With("component", "lifecycle"),
		cache:   make(map[string]types.OrderInfo),
	}
	_ = adapter.SubscribeOrderStream(e.onOrderEvent)
	return e
}

func (e *Engine) onOrderEvent(info types.OrderInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.cache[info.OrderID]
	if ok && prev.Status.Regresses(info.Status) {
		e.logger.Warn("ignoring status regression", "order_id", info.OrderID, "from", prev.Status, "to", info.Status)
		return
	}
	if ok && info.FilledSize.LessThan(prev.FilledSize) {
		info.FilledSize = prev.FilledSize
	}
	e.cache[info.OrderID] = info
}

func (e *Engine) cachedInfo(orderID string) (types.OrderInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.cache[orderID]
	return info, ok
}

// PlaceAndTrack places a post-only open order and drives it through
// placement, polling, BBO-improvement extra-wait, and cancel/reconcile
// per spec section 4.3. waitTime is the strategy-configured wait before
// the engine starts considering cancellation.
func (e *Engine) PlaceAndTrack(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, waitTime time.Duration) (Outcome, error) {
	result, err := e.adapter.PlaceOpenOrder(ctx, contractID, qty, side)
	if err != nil {
		return Outcome{}, fmt.Errorf("lifecycle: place open order: %w", err)
	}
	if !result.Success {
		return Outcome{}, fmt.Errorf("lifecycle: open order rejected: %s", result.ErrorMessage)
	}
	if result.Status.IsTerminal() && result.Status != types.StatusFilled {
		// e.g. CANCELED_POST_ONLY with no fill, synchronous reject.
		return Outcome{OrderID: result.OrderID, Status: result.Status}, nil
	}
	if result.Status == types.StatusFilled {
		return Outcome{OrderID: result.OrderID, Filled: qty, Price: result.Price, Status: types.StatusFilled}, nil
	}

	originalPrice := result.Price
	orderID := result.OrderID

	pollWindow := waitTime
	if pollWindow > maxPollWindow {
		pollWindow = maxPollWindow
	}

	rescueFilled := decimal.Zero
	status := types.StatusOpen
	lastPrice := originalPrice

	deadline := time.Now().Add(pollWindow)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

pollLoop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
		info, err := e.readOrder(ctx, orderID)
		if err != nil {
			continue
		}
		if info.FilledSize.GreaterThan(rescueFilled) {
			rescueFilled = info.FilledSize
		}
		status = info.Status
		if info.Price.IsPositive() {
			lastPrice = info.Price
		}
		if status == types.StatusFilled {
			return Outcome{OrderID: orderID, Filled: qty, Price: lastPrice, Status: types.StatusFilled}, nil
		}
		if status.IsTerminal() {
			break pollLoop
		}
	}

	// Extra-wait while the BBO keeps improving in our favour.
	for i := 0; i < maxExtraWaits && (status == types.StatusOpen || status == types.StatusPartiallyFilled); i++ {
		bid, ask, err := e.adapter.FetchBBO(ctx, contractID)
		if err != nil {
			break
		}
		current := bid
		if side == types.Sell {
			current = ask
		}
		if !shouldWait(side, current, originalPrice) {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(extraWaitStep):
		}
		info, err := e.readOrder(ctx, orderID)
		if err == nil {
			if info.FilledSize.GreaterThan(rescueFilled) {
				rescueFilled = info.FilledSize
			}
			status = info.Status
			if info.Price.IsPositive() {
				lastPrice = info.Price
			}
			if status == types.StatusFilled {
				return Outcome{OrderID: orderID, Filled: qty, Price: lastPrice, Status: types.StatusFilled}, nil
			}
		}
	}

	if status == types.StatusOpen || status == types.StatusPartiallyFilled {
		if _, err := e.adapter.CancelOrder(ctx, orderID); err != nil {
			e.logger.Warn("cancel failed, proceeding to reconcile anyway", "order_id", orderID, "error", err)
		}
	}

	filled, price := e.reconcileFill(ctx, contractID, orderID, rescueFilled, lastPrice)
	outcome := Outcome{OrderID: orderID, Filled: filled, Price: price, Status: types.StatusCanceled, CanceledAt: time.Now()}
	if filled.IsZero() {
		return outcome, nil
	}
	return outcome, nil
}

// shouldWait reports whether the current BBO has moved strictly in our
// favour relative to the original opening price: for a buy, the bid
// rising means fills are more likely soon; for a sell, the ask falling
// does.
func shouldWait(side types.Side, current, original decimal.Decimal) bool {
	if original.IsZero() || current.IsZero() {
		return false
	}
	if side == types.Buy {
		return current.GreaterThan(original)
	}
	return current.LessThan(original)
}

func (e *Engine) readOrder(ctx context.Context, orderID string) (types.OrderInfo, error) {
	if info, ok := e.cachedInfo(orderID); ok {
		return info, nil
	}
	return e.adapter.GetOrderInfo(ctx, orderID)
}

// reconcileFill applies the priority order of spec section 4.3 step 6:
// finalized REST, active REST, WS cache, rescue cache. The maximum
// filled_size observed across all sources is authoritative.
func (e *Engine) reconcileFill(ctx context.Context, contractID, orderID string, rescueFilled, rescuePrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	best := rescueFilled
	price := rescuePrice
	finalizedPrice := false

	if info, err := e.adapter.GetFinalizedOrderFromAPI(ctx, orderID); err == nil {
		if info.FilledSize.GreaterThan(best) {
			best = info.FilledSize
		}
		if info.Price.IsPositive() {
			price = info.Price
			finalizedPrice = true
		}
	}

	if infos, err := e.adapter.GetActiveOrders(ctx, contractID); err == nil {
		for _, info := range infos {
			if info.OrderID != orderID {
				continue
			}
			if info.FilledSize.GreaterThan(best) {
				best = info.FilledSize
			}
			if !finalizedPrice && info.Price.IsPositive() {
				price = info.Price
			}
		}
	}

	if info, ok := e.cachedInfo(orderID); ok {
		if info.FilledSize.GreaterThan(best) {
			best = info.FilledSize
		}
		if !finalizedPrice && info.Price.IsPositive() {
			price = info.Price
		}
	}

	return best, price
}
