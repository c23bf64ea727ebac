// Package grid implements the Grid (Take-Profit Accumulator) Controller,
// component H of spec section 4.6-4.8: the main loop that opens new
// positions, keeps the TP reconciler invariant satisfied, enforces grid
// spacing between opens, and honours the pause/stop price guards.
// Grounded on the teacher's internal/strategy/maker.go Run loop
// (ticker-driven select, staleness/guard checks, quote-or-open dispatch),
// generalized from quoting a binary market to opening grid orders on a
// single perpetual contract.
package grid

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/internal/exchange"
	"gridhedge/internal/lifecycle"
	"gridhedge/internal/notify"
	"gridhedge/internal/risk"
	"gridhedge/internal/tpladder"
	"gridhedge/internal/tradelog"
	"gridhedge/pkg/types"
)

const (
	logInterval        = 60 * time.Second
	backPressureSleep  = 2 * time.Second
	reconcileSleep     = time.Second
	spacingTightSleep  = 2 * time.Second
	pollErrorSleep     = time.Second
)

// Controller drives the grid strategy's main loop for a single venue and
// contract.
type Controller struct {
	adapter    exchange.VenueAdapter
	cfg        types.ExchangeConfig
	lifecycle  *lifecycle.Engine
	reconciler *tpladder.Reconciler
	ladder     *tpladder.Ladder
	guard      *risk.Guard
	notifier   *notify.Notifier
	tradeLog   *tradelog.Log
	logger     *slog.Logger

	boostArmed  bool
	lastLogged  time.Time
}

// New builds a grid Controller. cfg.ContractID must already be resolved
// (via adapter.FetchContractAttributes) by the caller.
func New(adapter exchange.VenueAdapter, cfg types.ExchangeConfig, guard *risk.Guard, notifier *notify.Notifier, tradeLog *tradelog.Log, logger *slog.Logger) *Controller {
	logger = logger.With("component", "grid", "ticker", cfg.Ticker)
	ladder := tpladder.New(adapter, cfg.ContractID, cfg, logger)
	return &Controller{
		adapter:    adapter,
		cfg:        cfg,
		lifecycle:  lifecycle.New(adapter, logger),
		reconciler: tpladder.NewReconciler(adapter, ladder, cfg.ContractID, logger),
		ladder:     ladder,
		guard:      guard,
		notifier:   notifier,
		tradeLog:   tradeLog,
		logger:     logger,
		boostArmed: cfg.BoostMode,
	}
}

// closeSide is the side a close order takes for the strategy's configured
// open direction: a buy-direction strategy closes by selling, and vice
// versa.
func (c *Controller) closeSide() types.Side {
	return c.cfg.Direction.Opposite()
}

// Run executes the main loop until ctx is canceled or a stop guard trips.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		position, err := c.adapter.GetAccountPositions(ctx)
		if err != nil {
			c.logger.Warn("position read failed, retrying", "error", err)
			if sleepCtx(ctx, pollErrorSleep) {
				return nil
			}
			continue
		}
		if position.IsFlat() {
			c.boostArmed = c.cfg.BoostMode
		}

		activeOrders, err := c.adapter.GetActiveOrders(ctx, c.cfg.ContractID)
		if err != nil {
			c.logger.Warn("active order read failed, retrying", "error", err)
			if sleepCtx(ctx, pollErrorSleep) {
				return nil
			}
			continue
		}
		activeCloseOrders := filterBySide(activeOrders, c.closeSide())

		if time.Since(c.lastLogged) >= logInterval {
			c.logger.Info("grid status", "position", position.Size, "active_close_volume", sumSize(activeCloseOrders), "order_count", len(activeCloseOrders))
			c.lastLogged = time.Now()
		}

		bid, ask, err := c.adapter.FetchBBO(ctx, c.cfg.ContractID)
		if err != nil {
			c.logger.Warn("BBO fetch failed, retrying", "error", err)
			if sleepCtx(ctx, pollErrorSleep) {
				return nil
			}
			continue
		}
		switch c.guard.Evaluate(bid, ask) {
		case risk.VerdictStop:
			c.notifier.Send(ctx, fmt.Sprintf("grid stop triggered for %s, shutting down", c.cfg.Ticker))
			return nil
		case risk.VerdictPause:
			c.notifier.Send(ctx, fmt.Sprintf("grid pause triggered for %s", c.cfg.Ticker))
			if err := risk.WaitOutPause(ctx); err != nil {
				return nil
			}
			continue
		}

		maxExposure := c.cfg.Quantity.Mul(decimal.NewFromInt(int64(c.cfg.MaxOrders)))
		if len(activeCloseOrders) >= c.cfg.MaxOrders || position.Size.Abs().GreaterThan(maxExposure) {
			if sleepCtx(ctx, backPressureSleep) {
				return nil
			}
			continue
		}

		placedTopUp, err := c.reconciler.Tick(ctx)
		if err != nil {
			c.logger.Warn("reconciler tick failed", "error", err)
		}
		if placedTopUp {
			if sleepCtx(ctx, reconcileSleep) {
				return nil
			}
			continue
		}

		openPrice := bid
		if c.cfg.Direction == types.Sell {
			openPrice = ask
		}
		if !c.boostArmed && !gridSpacingOK(c.cfg, c.cfg.Direction, openPrice, activeCloseOrders) {
			if sleepCtx(ctx, spacingTightSleep) {
				return nil
			}
			continue
		}

		outcome, err := c.lifecycle.PlaceAndTrack(ctx, c.cfg.ContractID, c.cfg.Quantity, c.cfg.Direction, c.cfg.WaitTime)
		if err != nil {
			c.logger.Warn("open placement failed", "error", err)
			if sleepCtx(ctx, pollErrorSleep) {
				return nil
			}
			continue
		}
		if c.boostArmed && !outcome.Filled.IsZero() {
			c.boostArmed = false
		}
		c.recordTerminal(c.cfg.Direction, outcome)

		if outcome.Filled.IsZero() {
			continue
		}
		result, err := c.ladder.Run(ctx, c.closeSide(), outcome.Filled, outcome.Price)
		if err != nil {
			c.logger.Error("TP ladder failed after a fill", "error", err, "filled", outcome.Filled)
			continue
		}
		c.recordTerminal(c.closeSide(), lifecycle.Outcome{OrderID: result.OrderID, Filled: result.FilledSize, Price: result.Price, Status: result.Status})
	}
}

func (c *Controller) recordTerminal(side types.Side, o lifecycle.Outcome) {
	if c.tradeLog == nil {
		return
	}
	if err := c.tradeLog.RecordTerminal(side, o.Filled, o.Price, o.Status, o.OrderID); err != nil {
		c.logger.Warn("trade log write failed", "error", err)
	}
}

func filterBySide(orders []types.OrderInfo, side types.Side) []types.OrderInfo {
	out := make([]types.OrderInfo, 0, len(orders))
	for _, o := range orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

func sumSize(orders []types.OrderInfo) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Size.Sub(o.FilledSize))
	}
	return total
}

// gridSpacingOK evaluates spec section 4.7: the hypothetical close for a
// new open at openPrice must sit at least grid_step away from the
// tightest existing close on the same side.
func gridSpacingOK(cfg types.ExchangeConfig, direction types.Side, openPrice decimal.Decimal, activeCloseOrders []types.OrderInfo) bool {
	if len(activeCloseOrders) == 0 {
		return true
	}
	hypothetical := hypotheticalClose(cfg, direction, openPrice)

	var tightest decimal.Decimal
	found := false
	for _, o := range activeCloseOrders {
		if !found || (direction == types.Buy && o.Price.LessThan(tightest)) || (direction == types.Sell && o.Price.GreaterThan(tightest)) {
			tightest = o.Price
			found = true
		}
	}
	if !found {
		return true
	}

	distance := hypothetical.Sub(tightest).Abs()
	required := gridStepDistance(cfg, hypothetical)
	return distance.GreaterThanOrEqual(required)
}

// hypotheticalClose locates where a new open at openPrice would rest its
// close, using the same tick/percent take-profit formula as spec section
// 4.4 (mirrored from tpladder.Ladder.tpOffset) — every resting close sits
// at open+TP, so this is what gridSpacingOK compares against the
// tightest existing close.
func hypotheticalClose(cfg types.ExchangeConfig, direction types.Side, openPrice decimal.Decimal) decimal.Decimal {
	offset := takeProfitOffset(cfg, openPrice)
	if direction == types.Buy {
		return openPrice.Add(offset)
	}
	return openPrice.Sub(offset)
}

func takeProfitOffset(cfg types.ExchangeConfig, reference decimal.Decimal) decimal.Decimal {
	if cfg.TickMode() {
		return decimal.NewFromInt(int64(cfg.TakeProfitTick)).Mul(cfg.TickSize)
	}
	return reference.Mul(cfg.TakeProfitPct).Div(decimal.NewFromInt(100))
}

func gridStepDistance(cfg types.ExchangeConfig, reference decimal.Decimal) decimal.Decimal {
	if cfg.GridTickMode() {
		return decimal.NewFromInt(int64(cfg.GridStepTick)).Mul(cfg.TickSize)
	}
	return reference.Mul(cfg.GridStepPct).Div(decimal.NewFromInt(100))
}

// sleepCtx sleeps for d or returns early (true) if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
