package lighter

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDryRunAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New("http://localhost", "ws://localhost", types.VenueCredentials{
		PrivateKeyHex: "0x1111111111111111111111111111111111111111111111111111111111111111",
	}, true, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestPlaceOpenOrderDryRun(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)

	result, err := a.PlaceOpenOrder(context.Background(), "contract-1", decimal.NewFromInt(10), types.Buy)
	if err != nil {
		t.Fatalf("PlaceOpenOrder: %v", err)
	}
	if !result.Success || result.OrderID == "" {
		t.Errorf("dry-run order result = %+v, want success with an order id", result)
	}
	if result.Status != types.StatusOpen {
		t.Errorf("status = %v, want OPEN", result.Status)
	}
}

func TestPlaceMarketOrderZeroQtyRejected(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)

	if _, err := a.PlaceMarketOrder(context.Background(), "contract-1", decimal.Zero, types.Sell, true); err == nil {
		t.Error("expected error for zero-qty market order")
	}
}

func TestCancelOrderDryRun(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)

	result, err := a.CancelOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if result.Status != types.StatusCanceled {
		t.Errorf("status = %v, want CANCELED", result.Status)
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)
	a.tickSize = decimal.RequireFromString("0.01")

	got := a.RoundToTick(decimal.RequireFromString("1.2345"))
	if !got.Equal(decimal.RequireFromString("1.23")) {
		t.Errorf("RoundToTick(1.2345) = %v, want 1.23", got)
	}
}

func TestRoundToTickZeroTickIsNoop(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)

	price := decimal.RequireFromString("1.2345")
	if got := a.RoundToTick(price); !got.Equal(price) {
		t.Errorf("RoundToTick with no tick size = %v, want unchanged %v", got, price)
	}
}

func TestDecodeOrderStreamEvent(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"order":{"OrderID":"o1","Side":"sell","Status":"FILLED"}}`)

	info, err := decodeOrderStreamEvent(raw)
	if err != nil {
		t.Fatalf("decodeOrderStreamEvent: %v", err)
	}
	if info.OrderID != "o1" {
		t.Errorf("order id = %q, want o1", info.OrderID)
	}
}

func TestSubscribeOrderStreamStoresHandler(t *testing.T) {
	t.Parallel()
	a := newDryRunAdapter(t)

	var got types.OrderInfo
	if err := a.SubscribeOrderStream(func(info types.OrderInfo) { got = info }); err != nil {
		t.Fatalf("SubscribeOrderStream: %v", err)
	}
	a.handler(types.OrderInfo{OrderID: "o2"})
	if got.OrderID != "o2" {
		t.Errorf("handler not wired, got %+v", got)
	}
}

func TestFetchContractAttributesUnknownTicker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newDryRunAdapter(t)
	a.http = a.http.SetBaseURL(srv.URL)

	_, _, err := a.FetchContractAttributes(context.Background(), "UNKNOWN-PERP")
	if err == nil {
		t.Fatal("expected an error for an unknown ticker")
	}
}

func TestFetchContractAttributesSetsBookAndTick(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"contract_id":"BTC-PERP-1","tick_size":"0.5"}`))
	}))
	defer srv.Close()

	a := newDryRunAdapter(t)
	a.http = a.http.SetBaseURL(srv.URL)

	contractID, tick, err := a.FetchContractAttributes(context.Background(), "BTC-PERP")
	if err != nil {
		t.Fatalf("FetchContractAttributes: %v", err)
	}
	if contractID != "BTC-PERP-1" {
		t.Errorf("contractID = %q, want BTC-PERP-1", contractID)
	}
	if !tick.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("tick = %v, want 0.5", tick)
	}
	if a.book == nil {
		t.Error("book mirror should be initialized after resolving contract attributes")
	}
}
