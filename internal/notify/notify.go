// Package notify implements the notification sink of spec section 6: an
// abstract send_text fanned out to zero or more destinations, best-effort
// and never blocking trading. Grounded on GoPolymarket-polymarket-trader's
// internal/notify/telegram.go for the sink shape, swapped to the
// go-telegram-bot-api client from web3guy0-polybot's go.mod, plus
// a generic webhook sink for Lark/Slack-style incoming webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sink is one notification destination.
type Sink interface {
	Send(ctx context.Context, msg string) error
}

// Notifier fans a message out to every configured sink. A send failure on
// one sink never blocks or fails the others; notify errors are logged, not
// returned, so callers can fire-and-forget from the trading hot path.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger
}

// New builds a fan-out Notifier over the given sinks. A nil or empty sinks
// slice is valid: Send becomes a no-op.
func New(logger *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger.With("component", "notify")}
}

// Send posts msg to every sink, logging (not returning) any failures.
func (n *Notifier) Send(ctx context.Context, msg string) {
	for _, s := range n.sinks {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.Warn("notify sink failed", "error", err)
		}
	}
}

// TelegramSink sends messages to a Telegram chat via the Bot API.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink builds a sink from a bot token and chat id. Per spec
// section 6, an absent notification credential is never fatal; callers
// should only construct a TelegramSink when both fields are non-empty.
func NewTelegramSink(botToken, chatID string) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot init: %w", err)
	}
	var id int64
	if _, err := fmt.Sscanf(chatID, "%d", &id); err != nil {
		return nil, fmt.Errorf("notify: telegram chat id %q is not numeric: %w", chatID, err)
	}
	return &TelegramSink{api: api, chatID: id}, nil
}

// Send posts msg as a Telegram message.
func (t *TelegramSink) Send(ctx context.Context, msg string) error {
	_, err := t.api.Send(tgbotapi.NewMessage(t.chatID, msg))
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

// WebhookSink posts a JSON {"text": msg} body to a generic incoming
// webhook URL (Lark, Slack-compatible, or similar).
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a webhook sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts msg to the configured webhook.
func (w *WebhookSink) Send(ctx context.Context, msg string) error {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: msg})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook %d", resp.StatusCode)
	}
	return nil
}
