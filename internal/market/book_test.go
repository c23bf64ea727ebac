package market

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lvl(price, size string) Level {
	return Level{Price: dec(price), Size: dec(size)}
}

func TestApplySnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")

	b.ApplySnapshot(Snapshot{
		Offset: 1,
		Bids:   []Level{lvl("0.55", "100"), lvl("0.54", "200")},
		Asks:   []Level{lvl("0.57", "150")},
	})

	bid, ask, ok := b.BestLevels()
	if !ok {
		t.Fatal("BestLevels returned ok=false after applying snapshot")
	}
	if !bid.Price.Equal(dec("0.55")) {
		t.Errorf("bid = %v, want 0.55", bid.Price)
	}
	if !ask.Price.Equal(dec("0.57")) {
		t.Errorf("ask = %v, want 0.57", ask.Price)
	}
}

func TestApplyDeltaAdvancesOffset(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")
	b.ApplySnapshot(Snapshot{Offset: 1, Bids: []Level{lvl("0.50", "10")}, Asks: []Level{lvl("0.60", "10")}})

	gap := b.ApplyDelta(Delta{Offset: 2, Bids: []Level{lvl("0.51", "5")}})
	if gap {
		t.Fatal("ApplyDelta reported a gap for a strictly increasing offset")
	}
	bid, _, ok := b.BestLevels()
	if !ok || !bid.Price.Equal(dec("0.51")) {
		t.Errorf("bid = %v, want 0.51", bid.Price)
	}
}

func TestApplyDeltaSequenceGap(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")
	b.ApplySnapshot(Snapshot{Offset: 5, Bids: []Level{lvl("0.50", "10")}, Asks: []Level{lvl("0.60", "10")}})

	gap := b.ApplyDelta(Delta{Offset: 5, Bids: []Level{lvl("0.51", "5")}})
	if !gap {
		t.Fatal("ApplyDelta should report a gap when offset does not strictly increase")
	}
	if b.IsReady() {
		t.Error("book should not be ready after a sequence gap until resubscribed")
	}
}

func TestApplyDeltaZeroSizeRemovesLevel(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")
	b.ApplySnapshot(Snapshot{
		Offset: 1,
		Bids:   []Level{lvl("0.50", "10"), lvl("0.49", "5")},
		Asks:   []Level{lvl("0.60", "10")},
	})

	b.ApplyDelta(Delta{Offset: 2, Bids: []Level{lvl("0.50", "0")}})

	bid, _, ok := b.BestLevels()
	if !ok {
		t.Fatal("book should still be ready")
	}
	if !bid.Price.Equal(dec("0.49")) {
		t.Errorf("bid = %v, want 0.49 after top level removed", bid.Price)
	}
}

func TestCrossedBookMarkedInvalid(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")
	b.ApplySnapshot(Snapshot{
		Offset: 1,
		Bids:   []Level{lvl("0.60", "10")},
		Asks:   []Level{lvl("0.59", "10")},
	})

	if b.IsReady() {
		t.Error("a crossed book must be marked invalid, not ready")
	}
	_, _, ok := b.BestLevels()
	if ok {
		t.Error("BestLevels should return ok=false for a crossed book")
	}
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")

	if !b.MidPrice().IsZero() {
		t.Error("MidPrice should be zero for an empty book")
	}

	b.ApplySnapshot(Snapshot{Offset: 1, Bids: []Level{lvl("0.50", "100")}, Asks: []Level{lvl("0.60", "100")}})

	if !b.MidPrice().Equal(dec("0.55")) {
		t.Errorf("mid = %v, want 0.55", b.MidPrice())
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")

	if !b.IsStale(time.Second) {
		t.Error("new book should be stale")
	}

	b.ApplySnapshot(Snapshot{Offset: 1, Bids: []Level{lvl("0.50", "100")}, Asks: []Level{lvl("0.60", "100")}})
	if b.IsStale(time.Second) {
		t.Error("just-updated book should not be stale")
	}

	time.Sleep(50 * time.Millisecond)
	if !b.IsStale(10 * time.Millisecond) {
		t.Error("book should be stale after maxAge")
	}
}

func TestLevelUnmarshalsBothSchemas(t *testing.T) {
	t.Parallel()

	var arr Level
	if err := json.Unmarshal([]byte(`["0.55","100"]`), &arr); err != nil {
		t.Fatalf("array schema: %v", err)
	}
	if !arr.Price.Equal(dec("0.55")) || !arr.Size.Equal(dec("100")) {
		t.Errorf("array schema parsed wrong: %+v", arr)
	}

	var obj Level
	if err := json.Unmarshal([]byte(`{"price":"0.55","size":"100"}`), &obj); err != nil {
		t.Fatalf("object schema: %v", err)
	}
	if !obj.Price.Equal(dec("0.55")) || !obj.Size.Equal(dec("100")) {
		t.Errorf("object schema parsed wrong: %+v", obj)
	}
}

func TestReadyChanClosesOnSnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("contract-1")

	select {
	case <-b.ReadyChan():
		t.Fatal("ready channel should not be closed before a snapshot arrives")
	default:
	}

	b.ApplySnapshot(Snapshot{Offset: 1, Bids: []Level{lvl("0.5", "1")}, Asks: []Level{lvl("0.6", "1")}})

	select {
	case <-b.ReadyChan():
	default:
		t.Fatal("ready channel should close once a snapshot is applied")
	}
}
