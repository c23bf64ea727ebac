// Package market implements the order book mirror (component C): a local
// sorted replica of one venue's bid/ask book, fed by a WebSocket snapshot
// + delta stream with monotonic offset validation (spec section 4.2).
package market

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

// Level is one (price, size) pair in a delta or snapshot payload. Spec
// section 9 flags that the wire schema is ambiguous between a
// [price, size] array and a {price, size} object; UnmarshalJSON accepts
// both rather than guessing which is authoritative.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err == nil {
		p, err := decimal.NewFromString(pair[0])
		if err != nil {
			return fmt.Errorf("level: parse price %q: %w", pair[0], err)
		}
		s, err := decimal.NewFromString(pair[1])
		if err != nil {
			return fmt.Errorf("level: parse size %q: %w", pair[1], err)
		}
		l.Price, l.Size = p, s
		return nil
	}

	var obj struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("level: unrecognized schema: %w", err)
	}
	p, err := decimal.NewFromString(obj.Price)
	if err != nil {
		return fmt.Errorf("level: parse price %q: %w", obj.Price, err)
	}
	s, err := decimal.NewFromString(obj.Size)
	if err != nil {
		return fmt.Errorf("level: parse size %q: %w", obj.Size, err)
	}
	l.Price, l.Size = p, s
	return nil
}

// Snapshot is the full-replace payload applied on (re)subscribe.
type Snapshot struct {
	Offset uint64  `json:"offset"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Delta is an incremental update; Offset must be strictly greater than
// the book's current offset or it is treated as a sequence gap.
type Delta struct {
	Offset uint64  `json:"offset"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Book is the local mirror for one contract's order book (spec section
// 4.2). It is safe for concurrent use: one goroutine (the WS reader)
// writes, others read via BestLevels/MidPrice/ReadyChan.
type Book struct {
	mu sync.RWMutex

	contractID     string
	bids           map[string]decimal.Decimal // price string -> size, to avoid float-key surprises
	asks           map[string]decimal.Decimal
	offset         uint64
	snapshotLoaded bool
	invalid        bool
	updated        time.Time

	readyCh   chan struct{}
	readyOnce sync.Once

	cleanupCounter int
}

// NewBook creates an empty mirror for one contract.
func NewBook(contractID string) *Book {
	return &Book{
		contractID: contractID,
		bids:       make(map[string]decimal.Decimal),
		asks:       make(map[string]decimal.Decimal),
		readyCh:    make(chan struct{}),
	}
}

// ApplySnapshot clears the book, applies the snapshot, and marks it
// loaded and ready (spec section 4.2 step 1).
func (b *Book) ApplySnapshot(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(s.Bids))
	b.asks = make(map[string]decimal.Decimal, len(s.Asks))
	for _, lvl := range s.Bids {
		b.setLocked(b.bids, lvl)
	}
	for _, lvl := range s.Asks {
		b.setLocked(b.asks, lvl)
	}
	b.offset = s.Offset
	b.snapshotLoaded = true
	b.invalid = false
	b.updated = time.Now()
	b.validateLocked()

	b.readyOnce.Do(func() { close(b.readyCh) })
}

// ApplyDelta validates the offset, applies price/size updates (size=0
// removes a level), and recomputes validity (spec section 4.2 steps 2-4).
// It returns true if a sequence gap was detected, in which case the
// caller must drop the book and resubscribe for a fresh snapshot.
func (b *Book) ApplyDelta(d Delta) (gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snapshotLoaded {
		return false
	}
	if d.Offset <= b.offset {
		b.invalid = true
		b.snapshotLoaded = false
		return true
	}

	for _, lvl := range d.Bids {
		b.setLocked(b.bids, lvl)
	}
	for _, lvl := range d.Asks {
		b.setLocked(b.asks, lvl)
	}
	b.offset = d.Offset
	b.updated = time.Now()
	b.validateLocked()

	b.cleanupCounter++
	if b.cleanupCounter >= 500 {
		b.pruneZeroLocked()
		b.cleanupCounter = 0
	}
	return false
}

func (b *Book) setLocked(side map[string]decimal.Decimal, lvl Level) {
	key := lvl.Price.String()
	if lvl.Size.IsZero() {
		delete(side, key)
		return
	}
	side[key] = lvl.Size
}

func (b *Book) pruneZeroLocked() {
	for k, v := range b.bids {
		if v.IsZero() {
			delete(b.bids, k)
		}
	}
	for k, v := range b.asks {
		if v.IsZero() {
			delete(b.asks, k)
		}
	}
}

// validateLocked recomputes best bid/ask and marks the book invalid if it
// crosses or contains a negative price/size (spec section 4.2 step 4,
// section 8 invariant "best_bid < best_ask or the book is marked
// invalid"). Must be called with mu held.
func (b *Book) validateLocked() {
	for _, side := range []map[string]decimal.Decimal{b.bids, b.asks} {
		for pStr, sz := range side {
			if p, err := decimal.NewFromString(pStr); err == nil && (p.IsNegative() || sz.IsNegative()) {
				b.invalid = true
				return
			}
		}
	}
	bestBid, bestBidSz, haveBid := bestOf(b.bids, true)
	bestAsk, bestAskSz, haveAsk := bestOf(b.asks, false)

	if haveBid && haveAsk && bestBid.GreaterThanOrEqual(bestAsk) {
		b.invalid = true
		return
	}
	_ = bestBidSz
	_ = bestAskSz
	b.invalid = false
}

func bestOf(side map[string]decimal.Decimal, max bool) (price, size decimal.Decimal, ok bool) {
	first := true
	for pStr, sz := range side {
		p, err := decimal.NewFromString(pStr)
		if err != nil || p.IsNegative() || sz.IsNegative() {
			continue
		}
		if first {
			price, size, ok = p, sz, true
			first = false
			continue
		}
		if max && p.GreaterThan(price) {
			price, size = p, sz
		} else if !max && p.LessThan(price) {
			price, size = p, sz
		}
	}
	return
}

// BestLevels returns (bid, bidSize), (ask, askSize). ok is false if the
// book is not ready or is marked invalid.
func (b *Book) BestLevels() (bid types.PriceLevel, ask types.PriceLevel, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.snapshotLoaded || b.invalid {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	bp, bs, haveBid := bestOf(b.bids, true)
	ap, as, haveAsk := bestOf(b.asks, false)
	if !haveBid || !haveAsk {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: bp, Size: bs}, types.PriceLevel{Price: ap, Size: as}, true
}

// MidPrice returns the midpoint of the best bid/ask, or the zero value
// if the book isn't ready.
func (b *Book) MidPrice() decimal.Decimal {
	bid, ask, ok := b.BestLevels()
	if !ok {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// Snapshot returns the mirror as a types.OrderBookSnapshot for adapters
// that need the uniform cross-package shape.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	bid, ask, ok := b.BestLevels()
	return types.OrderBookSnapshot{
		BestBid:   bid.Price,
		BestBidSz: bid.Size,
		BestAsk:   ask.Price,
		BestAskSz: ask.Size,
		Valid:     ok,
		UpdatedAt: b.LastUpdated(),
	}
}

// ReadyChan returns a channel that is closed once the first snapshot has
// been applied; callers wait on it alongside ctx.Done(). It has no
// timeout of its own.
func (b *Book) ReadyChan() <-chan struct{} { return b.readyCh }

// IsReady reports whether a snapshot has been applied and the book is
// currently valid.
func (b *Book) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLoaded && !b.invalid
}

// IsStale reports whether no update has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot/delta.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Invalidate marks the book invalid and not loaded, so reads report it
// not ready until the next ApplySnapshot. Nothing in this repository
// calls it.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid = true
	b.snapshotLoaded = false
}
