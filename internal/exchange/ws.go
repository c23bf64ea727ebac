package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 20 * time.Second
	readTimeout      = 45 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// BookEvent carries a raw book snapshot or delta payload; decoding into
// the price-level schema happens in internal/market, since the schema
// varies (array-of-pairs vs object) per spec section 9's open question.
type BookEvent struct {
	Type string // "snapshot" | "delta"
	Raw  json.RawMessage
}

// OrderEvent carries a raw private order-update payload for
// SubscribeOrderStream. Decoding into types.OrderInfo happens in the
// venue-specific adapter, since the wire shape differs per venue.
type OrderEvent struct {
	Raw json.RawMessage
}

// WSFeed is one WebSocket connection: either a public book/trade feed or
// an authenticated private order-update feed, selected by channelType.
// One goroutine owns the connection end to end (spec section 5: "one
// task per WebSocket connection").
type WSFeed struct {
	url         string
	channelType string
	authPayload json.RawMessage

	connMu sync.Mutex
	conn   *websocket.Conn

	bookCh  chan BookEvent
	orderCh chan OrderEvent

	logger *slog.Logger
}

// NewPublicFeed builds a book/trade feed for the given venue URL.
func NewPublicFeed(url string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         url,
		channelType: "public",
		bookCh:      make(chan BookEvent, eventBufferSize),
		logger:      logger.With("component", "wsfeed", "channel", "public"),
	}
}

// NewPrivateFeed builds an authenticated order-update feed.
func NewPrivateFeed(url string, authPayload json.RawMessage, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         url,
		channelType: "private",
		authPayload: authPayload,
		orderCh:     make(chan OrderEvent, eventBufferSize),
		logger:      logger.With("component", "wsfeed", "channel", "private"),
	}
}

// BookEvents exposes the public book/delta channel. Nil for private feeds.
func (f *WSFeed) BookEvents() <-chan BookEvent { return f.bookCh }

// OrderEvents exposes the private order-update channel. Nil for public feeds.
func (f *WSFeed) OrderEvents() <-chan OrderEvent { return f.orderCh }

// Run connects and reconnects with exponential backoff until ctx is done.
func (f *WSFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.connectAndRead(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("ws connection lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, http.Header{})
	if err != nil {
		return err
	}
	defer conn.Close()

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	if f.channelType == "private" && f.authPayload != nil {
		if err := f.writeMessage(f.authPayload); err != nil {
			return err
		}
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) dispatchMessage(msg []byte) {
	if f.channelType == "private" {
		select {
		case f.orderCh <- OrderEvent{Raw: append(json.RawMessage{}, msg...)}:
		default:
			f.logger.Warn("order event channel full, dropping message")
		}
		return
	}

	var peek struct {
		Type string `json:"event_type"`
	}
	_ = json.Unmarshal(msg, &peek)
	evType := peek.Type
	if evType == "" {
		evType = "delta"
	}
	select {
	case f.bookCh <- BookEvent{Type: evType, Raw: append(json.RawMessage{}, msg...)}:
	default:
		f.logger.Warn("book event channel full, dropping message")
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) writeMessage(payload json.RawMessage) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("wsfeed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the connection down from the owning goroutine's caller.
func (f *WSFeed) Close() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
}
