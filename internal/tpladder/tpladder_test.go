package tpladder

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() types.ExchangeConfig {
	return types.ExchangeConfig{
		TickSize:      decimal.RequireFromString("0.01"),
		TakeProfitPct: decimal.RequireFromString("0.5"),
		Quantity:      decimal.NewFromInt(10),
	}
}

type fakeLadderAdapter struct {
	bid, ask        decimal.Decimal
	closeResults    []types.OrderResult
	closeCallIdx    int
	marketResult    types.OrderResult
	activeOrders    []types.OrderInfo
	orderInfoStatus types.OrderStatus
	position        types.PositionSnapshot
	closeCalls      int
}

func (f *fakeLadderAdapter) Name() string                     { return "fake" }
func (f *fakeLadderAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeLadderAdapter) Disconnect()                       {}
func (f *fakeLadderAdapter) FetchContractAttributes(ctx context.Context, ticker string) (string, decimal.Decimal, error) {
	return "c1", decimal.RequireFromString("0.01"), nil
}
func (f *fakeLadderAdapter) FetchBBO(ctx context.Context, contractID string) (decimal.Decimal, decimal.Decimal, error) {
	return f.bid, f.ask, nil
}
func (f *fakeLadderAdapter) FetchOrderBookFromAPI(ctx context.Context, contractID string, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{BestBid: f.bid, BestAsk: f.ask, Valid: true}, nil
}
func (f *fakeLadderAdapter) PlaceOpenOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side) (types.OrderResult, error) {
	return types.OrderResult{Success: true}, nil
}
func (f *fakeLadderAdapter) PlaceCloseOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side) (types.OrderResult, error) {
	f.closeCalls++
	if f.closeCallIdx < len(f.closeResults) {
		r := f.closeResults[f.closeCallIdx]
		f.closeCallIdx++
		return r, nil
	}
	return types.OrderResult{Success: true, Status: types.StatusCanceledPostOnly}, nil
}
func (f *fakeLadderAdapter) PlaceMarketOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, reduceOnly bool) (types.OrderResult, error) {
	return f.marketResult, nil
}
func (f *fakeLadderAdapter) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}
func (f *fakeLadderAdapter) GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error) {
	return types.OrderInfo{OrderID: orderOrClientID, Status: f.orderInfoStatus}, nil
}
func (f *fakeLadderAdapter) GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error) {
	return types.OrderInfo{}, nil
}
func (f *fakeLadderAdapter) GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error) {
	return f.activeOrders, nil
}
func (f *fakeLadderAdapter) GetAccountPositions(ctx context.Context) (types.PositionSnapshot, error) {
	return f.position, nil
}
func (f *fakeLadderAdapter) SubscribeOrderStream(handler func(types.OrderInfo)) error { return nil }
func (f *fakeLadderAdapter) RoundToTick(price decimal.Decimal) decimal.Decimal        { return price }
func (f *fakeLadderAdapter) TickSize() decimal.Decimal                               { return decimal.RequireFromString("0.01") }

func TestRunPhase1SucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		bid: decimal.RequireFromString("99"), ask: decimal.RequireFromString("101"),
		closeResults: []types.OrderResult{{Success: true, OrderID: "tp1", Status: types.StatusOpen}},
	}
	l := New(a, "c1", testConfig(), testLogger())

	result, err := l.Run(context.Background(), types.Sell, decimal.NewFromInt(10), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OrderID != "tp1" {
		t.Errorf("order id = %q, want tp1", result.OrderID)
	}
	if a.closeCalls != 1 {
		t.Errorf("close calls = %d, want 1", a.closeCalls)
	}
}

func TestRunFallsThroughToMarketFallback(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		bid: decimal.RequireFromString("99"), ask: decimal.RequireFromString("101"),
		orderInfoStatus: types.StatusCanceledPostOnly,
		marketResult:    types.OrderResult{Success: true, OrderID: "mkt1", Status: types.StatusFilled},
	}
	l := New(a, "c1", testConfig(), testLogger())

	result, err := l.Run(context.Background(), types.Sell, decimal.NewFromInt(10), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OrderID != "mkt1" {
		t.Errorf("order id = %q, want mkt1 (market fallback)", result.OrderID)
	}
	// phase1 (5) + phase2 (5) attempts before falling back.
	if a.closeCalls != phase1Attempts+phase2Attempts {
		t.Errorf("close calls = %d, want %d", a.closeCalls, phase1Attempts+phase2Attempts)
	}
}

func TestDuplicateSuppressionSkipsPlacement(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		bid: decimal.RequireFromString("99"), ask: decimal.RequireFromString("101"),
		activeOrders: []types.OrderInfo{
			{OrderID: "existing", Side: types.Sell, Size: decimal.NewFromInt(10), Price: decimal.RequireFromString("100.5")},
		},
	}
	l := New(a, "c1", testConfig(), testLogger())

	result, err := l.Run(context.Background(), types.Sell, decimal.NewFromInt(10), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Error("duplicate-suppressed run should still report success")
	}
	if a.closeCalls != 0 {
		t.Errorf("close calls = %d, want 0 (suppressed by duplicate)", a.closeCalls)
	}
}

func TestClosePriceDirection(t *testing.T) {
	t.Parallel()
	buy := closePrice(types.Buy, decimal.RequireFromString("100"), decimal.RequireFromString("1"))
	if !buy.Equal(decimal.RequireFromString("99")) {
		t.Errorf("buy close price = %v, want 99 (below fill)", buy)
	}
	sell := closePrice(types.Sell, decimal.RequireFromString("100"), decimal.RequireFromString("1"))
	if !sell.Equal(decimal.RequireFromString("101")) {
		t.Errorf("sell close price = %v, want 101 (above fill)", sell)
	}
}

func TestReconcilerTickReturnsFalseWhenFlat(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{position: types.PositionSnapshot{Size: decimal.Zero}}
	l := New(a, "c1", testConfig(), testLogger())
	r := NewReconciler(a, l, "c1", testLogger())

	placed, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if placed {
		t.Error("flat position should not trigger a top-up")
	}
}

func TestReconcilerTickSkipsWhenCovered(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		position: types.PositionSnapshot{Size: decimal.NewFromInt(10)},
		activeOrders: []types.OrderInfo{
			{Side: types.Sell, Size: decimal.NewFromInt(10), FilledSize: decimal.Zero},
		},
	}
	l := New(a, "c1", testConfig(), testLogger())
	r := NewReconciler(a, l, "c1", testLogger())

	placed, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if placed {
		t.Error("fully covered position should not trigger a top-up")
	}
}

func TestReconcilerDeficitTriggersLadder(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		bid: decimal.RequireFromString("99"), ask: decimal.RequireFromString("101"),
		position:     types.PositionSnapshot{Size: decimal.NewFromInt(10), AvgEntry: decimal.RequireFromString("100")},
		closeResults: []types.OrderResult{{Success: true, OrderID: "tp1", Status: types.StatusOpen}},
	}
	l := New(a, "c1", testConfig(), testLogger())
	r := NewReconciler(a, l, "c1", testLogger())

	placed, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !placed {
		t.Error("uncovered position should trigger a top-up")
	}
}

func TestReconcilerDedupesRepeatedDeficit(t *testing.T) {
	t.Parallel()
	a := &fakeLadderAdapter{
		bid: decimal.RequireFromString("99"), ask: decimal.RequireFromString("101"),
		position:     types.PositionSnapshot{Size: decimal.NewFromInt(10), AvgEntry: decimal.RequireFromString("100")},
		closeResults: []types.OrderResult{{Success: true, OrderID: "tp1", Status: types.StatusOpen}},
	}
	l := New(a, "c1", testConfig(), testLogger())
	r := NewReconciler(a, l, "c1", testLogger())

	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	placed, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if placed {
		t.Error("repeated identical deficit within the signature window should be suppressed")
	}
}
