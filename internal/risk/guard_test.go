package risk

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluateDisabledSentinelsNeverTrip(t *testing.T) {
	t.Parallel()
	cfg := types.ExchangeConfig{Direction: types.Buy, StopPrice: d("-1"), PausePrice: d("-1")}
	g := New(cfg, testLogger())

	if v := g.Evaluate(d("100"), d("1000000")); v != VerdictContinue {
		t.Errorf("verdict = %v, want Continue", v)
	}
}

func TestEvaluateBuyStopsWhenAskRisesToThreshold(t *testing.T) {
	t.Parallel()
	cfg := types.ExchangeConfig{Direction: types.Buy, StopPrice: d("110"), PausePrice: d("-1")}
	g := New(cfg, testLogger())

	if v := g.Evaluate(d("109"), d("109.5")); v != VerdictContinue {
		t.Errorf("verdict = %v, want Continue below threshold", v)
	}
	if v := g.Evaluate(d("109.9"), d("110")); v != VerdictStop {
		t.Errorf("verdict = %v, want Stop at threshold", v)
	}
}

func TestEvaluateSellPausesWhenBidFallsToThreshold(t *testing.T) {
	t.Parallel()
	cfg := types.ExchangeConfig{Direction: types.Sell, StopPrice: d("-1"), PausePrice: d("90")}
	g := New(cfg, testLogger())

	if v := g.Evaluate(d("95"), d("95.5")); v != VerdictContinue {
		t.Errorf("verdict = %v, want Continue above threshold", v)
	}
	if v := g.Evaluate(d("89"), d("89.5")); v != VerdictPause {
		t.Errorf("verdict = %v, want Pause at/below threshold", v)
	}
}

func TestEvaluateStopTakesPriorityOverPause(t *testing.T) {
	t.Parallel()
	cfg := types.ExchangeConfig{Direction: types.Buy, StopPrice: d("110"), PausePrice: d("105")}
	g := New(cfg, testLogger())

	if v := g.Evaluate(d("111"), d("111")); v != VerdictStop {
		t.Errorf("verdict = %v, want Stop when both thresholds are breached", v)
	}
}
