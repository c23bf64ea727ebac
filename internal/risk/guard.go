// Package risk implements the stop/pause price guards of spec section
// 4.8. Both sentinels use -1 to mean "disabled"; direction-aware
// comparison decides whether a live BBO breaches either threshold.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

const pauseRecheckDelay = 5 * time.Second

var negOne = decimal.NewFromInt(-1)

// Verdict is the outcome of one guard evaluation.
type Verdict int

const (
	// VerdictContinue means neither guard tripped; trading proceeds.
	VerdictContinue Verdict = iota
	// VerdictPause means the pause price was breached; the caller should
	// sleep and recheck rather than opening new positions.
	VerdictPause
	// VerdictStop means the stop price was breached; the caller should
	// shut down gracefully.
	VerdictStop
)

// Guard evaluates the stop/pause price thresholds for one strategy
// instance against a live best bid/ask.
type Guard struct {
	direction  types.Side
	stopPrice  decimal.Decimal
	pausePrice decimal.Decimal
	logger     *slog.Logger
}

// New builds a Guard from the strategy's exchange config. direction
// determines which side of the book (bid or ask) is compared against
// the thresholds: a buy-direction strategy watches the ask it would
// pay to open; a sell-direction strategy watches the bid.
func New(cfg types.ExchangeConfig, logger *slog.Logger) *Guard {
	return &Guard{
		direction:  cfg.Direction,
		stopPrice:  cfg.StopPrice,
		pausePrice: cfg.PausePrice,
		logger:     logger.With("component", "risk"),
	}
}

func (g *Guard) enabled(price decimal.Decimal) bool {
	return !price.Equal(negOne)
}

// breached reports whether reference has crossed threshold in the
// direction that makes continued trading unsafe: for a buy strategy
// (which opens longs by paying the ask) that means reference has risen
// to or past threshold; for a sell strategy it means reference has
// fallen to or below it.
func breached(direction types.Side, reference, threshold decimal.Decimal) bool {
	if direction == types.Buy {
		return reference.GreaterThanOrEqual(threshold)
	}
	return reference.LessThanOrEqual(threshold)
}

// Evaluate checks the current best bid/ask against the configured
// thresholds and returns the resulting verdict. The reference price is
// the ask for a buy-direction strategy and the bid for a sell-direction
// one, matching the side the strategy would trade to open.
func (g *Guard) Evaluate(bestBid, bestAsk decimal.Decimal) Verdict {
	reference := bestAsk
	if g.direction == types.Sell {
		reference = bestBid
	}

	if g.enabled(g.stopPrice) && breached(g.direction, reference, g.stopPrice) {
		g.logger.Warn("stop price breached", "reference", reference, "stop_price", g.stopPrice)
		return VerdictStop
	}
	if g.enabled(g.pausePrice) && breached(g.direction, reference, g.pausePrice) {
		g.logger.Warn("pause price breached", "reference", reference, "pause_price", g.pausePrice)
		return VerdictPause
	}
	return VerdictContinue
}

// WaitOutPause sleeps the standard recheck interval after a pause
// verdict, or returns early if ctx is canceled.
func WaitOutPause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pauseRecheckDelay):
		return nil
	}
}
