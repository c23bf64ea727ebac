package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

var errNotFound = errors.New("fake: order not found")

// fakeAdapter is a hand-rolled stub implementing exchange.VenueAdapter,
// matching the teacher's style of plain struct fakes over a mocking
// framework. Only the methods exercised by lifecycle tests do real work.
type fakeAdapter struct {
	mu sync.Mutex

	openResult types.OrderResult
	infos      map[string]types.OrderInfo
	finalized  map[string]types.OrderInfo
	active     []types.OrderInfo
	bestBid    decimal.Decimal
	bestAsk    decimal.Decimal
	handler    func(types.OrderInfo)
	cancels    int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		infos:     make(map[string]types.OrderInfo),
		finalized: make(map[string]types.OrderInfo),
	}
}

func (f *fakeAdapter) Name() string                     { return "fake" }
func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Disconnect()                       {}
func (f *fakeAdapter) FetchContractAttributes(ctx context.Context, ticker string) (string, decimal.Decimal, error) {
	return "c1", decimal.RequireFromString("0.01"), nil
}
func (f *fakeAdapter) FetchBBO(ctx context.Context, contractID string) (decimal.Decimal, decimal.Decimal, error) {
	return f.bestBid, f.bestAsk, nil
}
func (f *fakeAdapter) FetchOrderBookFromAPI(ctx context.Context, contractID string, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{BestBid: f.bestBid, BestAsk: f.bestAsk, Valid: true}, nil
}
func (f *fakeAdapter) PlaceOpenOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side) (types.OrderResult, error) {
	return f.openResult, nil
}
func (f *fakeAdapter) PlaceCloseOrder(ctx context.Context, contractID string, qty, price decimal.Decimal, side types.Side) (types.OrderResult, error) {
	return types.OrderResult{Success: true}, nil
}
func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, contractID string, qty decimal.Decimal, side types.Side, reduceOnly bool) (types.OrderResult, error) {
	return types.OrderResult{Success: true}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return types.OrderResult{Success: true, OrderID: orderID, Status: types.StatusCanceled}, nil
}
func (f *fakeAdapter) GetOrderInfo(ctx context.Context, orderOrClientID string) (types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[orderOrClientID]
	if !ok {
		return types.OrderInfo{}, errNotFound
	}
	return info, nil
}
func (f *fakeAdapter) GetFinalizedOrderFromAPI(ctx context.Context, orderID string) (types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.finalized[orderID]
	if !ok {
		return types.OrderInfo{}, errNotFound
	}
	return info, nil
}
func (f *fakeAdapter) GetActiveOrders(ctx context.Context, contractID string) ([]types.OrderInfo, error) {
	return f.active, nil
}
func (f *fakeAdapter) GetAccountPositions(ctx context.Context) (types.PositionSnapshot, error) {
	return types.PositionSnapshot{}, nil
}
func (f *fakeAdapter) SubscribeOrderStream(handler func(types.OrderInfo)) error {
	f.handler = handler
	return nil
}
func (f *fakeAdapter) RoundToTick(price decimal.Decimal) decimal.Decimal { return price }
func (f *fakeAdapter) TickSize() decimal.Decimal                        { return decimal.RequireFromString("0.01") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPlaceAndTrackSynchronousFill(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.openResult = types.OrderResult{Success: true, OrderID: "o1", Status: types.StatusFilled, Price: decimal.RequireFromString("100")}

	e := New(a, testLogger())
	outcome, err := e.PlaceAndTrack(context.Background(), "c1", decimal.NewFromInt(10), types.Buy, time.Second)
	if err != nil {
		t.Fatalf("PlaceAndTrack: %v", err)
	}
	if !outcome.Filled.Equal(decimal.NewFromInt(10)) {
		t.Errorf("filled = %v, want 10", outcome.Filled)
	}
	if outcome.Status != types.StatusFilled {
		t.Errorf("status = %v, want FILLED", outcome.Status)
	}
}

func TestPlaceAndTrackRejectedSynchronously(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.openResult = types.OrderResult{Success: true, OrderID: "o1", Status: types.StatusCanceledPostOnly}

	e := New(a, testLogger())
	outcome, err := e.PlaceAndTrack(context.Background(), "c1", decimal.NewFromInt(10), types.Buy, time.Second)
	if err != nil {
		t.Fatalf("PlaceAndTrack: %v", err)
	}
	if !outcome.Filled.IsZero() {
		t.Errorf("filled = %v, want 0", outcome.Filled)
	}
	if outcome.Status != types.StatusCanceledPostOnly {
		t.Errorf("status = %v, want CANCELED_POST_ONLY", outcome.Status)
	}
}

func TestPlaceAndTrackCancelsAfterWaitAndReconciles(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.openResult = types.OrderResult{Success: true, OrderID: "o1", Status: types.StatusOpen, Price: decimal.RequireFromString("100")}
	a.infos["o1"] = types.OrderInfo{OrderID: "o1", Status: types.StatusPartiallyFilled, FilledSize: decimal.RequireFromString("0.7"), Price: decimal.RequireFromString("100")}
	a.finalized["o1"] = types.OrderInfo{OrderID: "o1", Status: types.StatusCanceled, FilledSize: decimal.RequireFromString("0.7"), Price: decimal.RequireFromString("100")}
	a.bestBid = decimal.RequireFromString("99")
	a.bestAsk = decimal.RequireFromString("101")

	e := New(a, testLogger())
	outcome, err := e.PlaceAndTrack(context.Background(), "c1", decimal.NewFromInt(2), types.Buy, time.Second)
	if err != nil {
		t.Fatalf("PlaceAndTrack: %v", err)
	}
	if !outcome.Filled.Equal(decimal.RequireFromString("0.7")) {
		t.Errorf("filled = %v, want 0.7", outcome.Filled)
	}
	if a.cancels != 1 {
		t.Errorf("cancels = %d, want 1", a.cancels)
	}
}

func TestOnOrderEventIgnoresRegression(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	e := New(a, testLogger())

	e.onOrderEvent(types.OrderInfo{OrderID: "o1", Status: types.StatusFilled, FilledSize: decimal.NewFromInt(10)})
	e.onOrderEvent(types.OrderInfo{OrderID: "o1", Status: types.StatusOpen, FilledSize: decimal.NewFromInt(10)})

	info, ok := e.cachedInfo("o1")
	if !ok {
		t.Fatal("expected cached info")
	}
	if info.Status != types.StatusFilled {
		t.Errorf("status regressed to %v, want FILLED to stick", info.Status)
	}
}

func TestShouldWaitDirectional(t *testing.T) {
	t.Parallel()
	if !shouldWait(types.Buy, decimal.RequireFromString("101"), decimal.RequireFromString("100")) {
		t.Error("buy: rising bid should mean keep waiting")
	}
	if shouldWait(types.Buy, decimal.RequireFromString("99"), decimal.RequireFromString("100")) {
		t.Error("buy: falling bid should not extend the wait")
	}
	if !shouldWait(types.Sell, decimal.RequireFromString("99"), decimal.RequireFromString("100")) {
		t.Error("sell: falling ask should mean keep waiting")
	}
}
