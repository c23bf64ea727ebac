// Package tpladder implements the take-profit placement ladder (spec
// section 4.4) and the TP reconciler (section 4.5): the two-phase
// fixed-offset / market-referenced retry sequence, its market-order
// fallback, duplicate suppression, and the deficit-coverage invariant
// the main loop depends on. Grounded on the teacher's
// strategy/maker.go reconcileOrders diff-and-replace discipline,
// generalized from quoting both sides of a binary market to closing out
// a single perpetual position.
package tpladder

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
	phase1Attempts   = 5
	phase1RetryDelay = 300 * time.Millisecond
	phase2Attempts   = 5
	phase2VerifyWait = 500 * time.Millisecond
	dupVerifyDelay   = 2 * time.Second

	signatureWindow        = 5 * time.Second
	signaturePendingWindow = 30 * time.Second
	postOnlyFallbackStreak = 3
)

// Ladder runs the two-phase TP pricing sequence and market fallback for
// one venue adapter/contract pair.
type Ladder struct {
	adapter    exchange.VenueAdapter
	contractID string
	cfg        types.ExchangeConfig
	logger     *slog.Logger
}

// New builds a ladder bound to one adapter and contract.
func New(adapter exchange.VenueAdapter, contractID string, cfg types.ExchangeConfig, logger *slog.Logger) *Ladder {
	return &Ladder{adapter: adapter, contractID: contractID, cfg: cfg, logger: logger.With("component", "tpladder")}
}

// tpOffset returns the base take-profit distance from a reference price,
// per spec section 4.4's tick-mode / percent-mode formulas.
func (l *Ladder) tpOffset(reference decimal.Decimal) decimal.Decimal {
	if l.cfg.TickMode() {
		return decimal.NewFromInt(int64(l.cfg.TakeProfitTick)).Mul(l.cfg.TickSize)
	}
	return reference.Mul(l.cfg.TakeProfitPct).Div(decimal.NewFromInt(100))
}

// phase1Step is the per-attempt price walk further into the book: one
// tick in tick-mode, 0.01% of the reference price in percent-mode.
func (l *Ladder) phase1Step(reference decimal.Decimal) decimal.Decimal {
	if l.cfg.TickMode() {
		return l.cfg.TickSize
	}
	return reference.Mul(decimal.RequireFromString("0.0001"))
}

// Run drives the full ladder for a close of size qty against the given
// fill price, returning the order result that ultimately confirmed the
// close (limit or market), or an error if every phase failed.
func (l *Ladder) Run(ctx context.Context, closeSide types.Side, qty, fillPrice decimal.Decimal) (types.OrderResult, error) {
	if skip, err := l.duplicateExists(ctx, closeSide, qty, fillPrice); err != nil {
		l.logger.Warn("duplicate check failed, proceeding with placement", "error", err)
	} else if skip {
		return types.OrderResult{Success: true, Status: types.StatusOpen}, nil
	}

	if result, ok := l.runPhase1(ctx, closeSide, qty, fillPrice); ok {
		return result, nil
	}
	if result, ok := l.runPhase2(ctx, closeSide, qty, fillPrice); ok {
		return result, nil
	}
	return l.runPhase3(ctx, closeSide, qty)
}

func (l *Ladder) runPhase1(ctx context.Context, closeSide types.Side, qty, fillPrice decimal.Decimal) (types.OrderResult, bool) {
	offset := l.tpOffset(fillPrice)
	step := l.phase1Step(fillPrice)

	for attempt := 0; attempt < phase1Attempts; attempt++ {
		extra := step.Mul(decimal.NewFromInt(int64(attempt)))
		price := closePrice(closeSide, fillPrice, offset.Add(extra))

		bid, ask, err := l.adapter.FetchBBO(ctx, l.contractID)
		if err == nil {
			price = clampMaker(closeSide, price, bid, ask)
		}

		result, err := l.adapter.PlaceCloseOrder(ctx, l.contractID, qty, l.adapter.RoundToTick(price), closeSide)
		if err == nil && result.Success && result.Status != types.StatusCanceledPostOnly {
			return result, true
		}
		select {
		case <-ctx.Done():
			return types.OrderResult{}, false
		case <-time.After(phase1RetryDelay):
		}
	}
	return types.OrderResult{}, false
}

func (l *Ladder) runPhase2(ctx context.Context, closeSide types.Side, qty, fillPrice decimal.Decimal) (types.OrderResult, bool) {
	tpPct := l.cfg.TakeProfitPct
	var bid, ask decimal.Decimal

	for attempt := 1; attempt <= phase2Attempts; attempt++ {
		if attempt%2 == 1 {
			b, a, err := l.adapter.FetchBBO(ctx, l.contractID)
			if err == nil {
				bid, ask = b, a
			}
		}
		k := decimal.NewFromInt(int64(attempt))
		var price decimal.Decimal
		if l.cfg.TickMode() {
			tickOffset := k.Mul(decimal.NewFromInt(int64(l.cfg.TakeProfitTick))).Mul(l.cfg.TickSize)
			if closeSide == types.Sell {
				price = ask.Add(tickOffset)
			} else {
				price = bid.Sub(tickOffset)
			}
		} else {
			factor := k.Mul(tpPct).Div(decimal.NewFromInt(100))
			if closeSide == types.Sell {
				price = ask.Mul(decimal.NewFromInt(1).Add(factor))
			} else {
				price = bid.Mul(decimal.NewFromInt(1).Sub(factor))
			}
		}

		result, err := l.adapter.PlaceCloseOrder(ctx, l.contractID, qty, l.adapter.RoundToTick(price), closeSide)
		if err != nil || !result.Success || result.Status == types.StatusCanceledPostOnly {
			continue
		}

		select {
		case <-ctx.Done():
			return types.OrderResult{}, false
		case <-time.After(phase2VerifyWait):
		}
		info, err := l.adapter.GetOrderInfo(ctx, result.OrderID)
		if err == nil && (info.Status == types.StatusOpen || info.Status == types.StatusPartiallyFilled) {
			return result, true
		}
	}
	return types.OrderResult{}, false
}

func (l *Ladder) runPhase3(ctx context.Context, closeSide types.Side, qty decimal.Decimal) (types.OrderResult, error) {
	result, err := l.adapter.PlaceMarketOrder(ctx, l.contractID, qty, closeSide, true)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("tpladder: market fallback: %w", err)
	}
	if !result.Success {
		return types.OrderResult{}, fmt.Errorf("tpladder: market fallback rejected: %s", result.ErrorMessage)
	}
	return result, nil
}

// closePrice applies a signed offset to the reference price: a buy
// close sits below the fill (a sell was filled); a sell close sits above.
func closePrice(closeSide types.Side, reference, offset decimal.Decimal) decimal.Decimal {
	if closeSide == types.Buy {
		return reference.Sub(offset)
	}
	return reference.Add(offset)
}

// clampMaker keeps a close order strictly maker: a buy close must stay
// below the best ask, a sell close must stay above the best bid.
func clampMaker(closeSide types.Side, price, bid, ask decimal.Decimal) decimal.Decimal {
	if bid.IsZero() && ask.IsZero() {
		return price
	}
	if closeSide == types.Buy && !ask.IsZero() && price.GreaterThanOrEqual(ask) {
		return ask.Sub(decimal.RequireFromString("0.000001"))
	}
	if closeSide == types.Sell && !bid.IsZero() && price.LessThanOrEqual(bid) {
		return bid.Add(decimal.RequireFromString("0.000001"))
	}
	return price
}

// duplicateExists implements section 4.4's "before each ladder run"
// duplicate suppression check, re-verified after a short delay to guard
// against REST lag.
func (l *Ladder) duplicateExists(ctx context.Context, closeSide types.Side, qty, fillPrice decimal.Decimal) (bool, error) {
	target := closePrice(closeSide, fillPrice, l.tpOffset(fillPrice))
	if found, err := l.hasMatchingOrder(ctx, closeSide, qty, target); err != nil || !found {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(dupVerifyDelay):
	}
	return l.hasMatchingOrder(ctx, closeSide, qty, target)
}

func (l *Ladder) hasMatchingOrder(ctx context.Context, closeSide types.Side, qty, target decimal.Decimal) (bool, error) {
	orders, err := l.adapter.GetActiveOrders(ctx, l.contractID)
	if err != nil {
		return false, err
	}
	sizeTolerance := decimal.Max(decimal.RequireFromString("0.1"), qty.Mul(decimal.RequireFromString("0.01")))
	priceTolerance := decimal.Max(l.cfg.TickSize, target.Mul(decimal.RequireFromString("0.0005")))
	for _, o := range orders {
		if o.Side != closeSide {
			continue
		}
		if o.Size.Sub(qty).Abs().GreaterThan(sizeTolerance) {
			continue
		}
		if o.Price.Sub(target).Abs().GreaterThan(priceTolerance) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Reconciler is component G: maintains the invariant
// sum(active close sizes) >= |net position| by sizing and invoking the
// ladder for any shortfall, with signature-based dedupe and a
// post-only-cancel short circuit straight to the market fallback.
type Reconciler struct {
	adapter    exchange.VenueAdapter
	ladder     *Ladder
	contractID string
	logger     *slog.Logger

	mu                   sync.Mutex
	lastSignature        *types.ReconcileSignature
	postOnlyCancelStreak int
}

// NewReconciler builds a reconciler around an existing ladder.
func NewReconciler(adapter exchange.VenueAdapter, ladder *Ladder, contractID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{adapter: adapter, ladder: ladder, contractID: contractID, logger: logger.With("component", "tp-reconciler")}
}

// Tick runs one reconciliation pass. Returns true if it placed a top-up
// order (the grid controller should sleep 1s and restart its iteration).
func (r *Reconciler) Tick(ctx context.Context) (bool, error) {
	pos, err := r.adapter.GetAccountPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("tp-reconciler: read position: %w", err)
	}
	if pos.IsFlat() {
		return false, nil
	}

	closeSide := types.Sell
	if pos.Size.IsNegative() {
		closeSide = types.Buy
	}
	absPos := pos.Size.Abs()

	orders, err := r.adapter.GetActiveOrders(ctx, r.contractID)
	if err != nil {
		return false, fmt.Errorf("tp-reconciler: read active orders: %w", err)
	}
	covered := decimal.Zero
	for _, o := range orders {
		if o.Side == closeSide {
			covered = covered.Add(remainingSize(o))
		}
	}
	deficit := absPos.Sub(covered)
	if deficit.LessThanOrEqual(decimal.Zero) {
		return false, nil
	}

	r.mu.Lock()
	if r.lastSignature != nil {
		window := signatureWindow
		pending := r.lastSignature.Matches(closeSide, deficit, decimal.RequireFromString("0.01"))
		if pending && !r.lastSignature.Stale(time.Now(), signaturePendingWindow) {
			r.mu.Unlock()
			return false, nil
		}
		if !pending && !r.lastSignature.Stale(time.Now(), window) {
			r.mu.Unlock()
			return false, nil
		}
	}
	r.lastSignature = &types.ReconcileSignature{CloseSide: closeSide, DeficitQuantity: deficit, AttemptedAt: time.Now()}
	r.mu.Unlock()

	if r.postOnlyCancelStreak >= postOnlyFallbackStreak {
		_, err := r.ladder.runPhase3(ctx, closeSide, deficit)
		r.postOnlyCancelStreak = 0
		return err == nil, err
	}

	result, err := r.ladder.Run(ctx, closeSide, deficit, pos.AvgEntry)
	if err != nil {
		return false, err
	}
	if !r.verifyPlacement(ctx, result, pos) {
		r.postOnlyCancelStreak++
	} else {
		r.postOnlyCancelStreak = 0
	}
	return true, nil
}

// remainingSize is Size - FilledSize clamped to zero, for the OrderInfo
// shape returned by GetActiveOrders (types.Order's RemainingSize helper
// applies to the strategy-owned Order type, not the read-only OrderInfo).
func remainingSize(o types.OrderInfo) decimal.Decimal {
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// verifyPlacement implements section 4.5 step 6: wait briefly and
// re-read the order by id; it counts as placed while still active
// (submitted, open or partially filled), and an order that is no longer
// active while position shrank counts as a filled-immediately success.
func (r *Reconciler) verifyPlacement(ctx context.Context, result types.OrderResult, before types.PositionSnapshot) bool {
	if result.OrderID == "" {
		return true // market fallback: no resting order to verify
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(2 * time.Second):
	}
	if info, err := r.adapter.GetOrderInfo(ctx, result.OrderID); err == nil {
		switch info.Status {
		case types.StatusSubmitted, types.StatusOpen, types.StatusPartiallyFilled:
			return true
		}
	}
	after, err := r.adapter.GetAccountPositions(ctx)
	if err != nil {
		return false
	}
	return after.Size.Abs().LessThan(before.Size.Abs())
}
