// Command hedge runs the Cross-Venue Hedge Bot strategy: a post-only
// maker leg on one venue paired with an immediate market-order taker leg
// on a second, kept in sync by a background position monitor.
//
// Grounded on the teacher's cmd/bot/main.go entry-point shape, extended
// to build two venue adapters instead of one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/internal/config"
	"gridhedge/internal/exchange"
	"gridhedge/internal/exchange/backpack"
	"gridhedge/internal/exchange/bybit"
	"gridhedge/internal/exchange/lighter"
	"gridhedge/internal/hedge"
	"gridhedge/internal/notify"
	"gridhedge/internal/tradelog"
	"gridhedge/pkg/types"
)

var venueEndpoints = map[string][2]string{
	"lighter":  {"https://mainnet.zklighter.elliot.ai/api/v1", "wss://mainnet.zklighter.elliot.ai/stream"},
	"bybit":    {"https://api.bybit.com", "wss://stream.bybit.com/v5/private"},
	"backpack": {"https://api.backpack.exchange", "wss://ws.backpack.exchange"},
}

func main() {
	flags, err := config.ParseHedgeFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hedge:", err)
		os.Exit(1)
	}
	if err := config.LoadEnvFile(flags.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "hedge:", err)
		os.Exit(1)
	}
	overlay, err := config.LoadOverlay(flags.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hedge:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(overlay.Logging.Level)}))
	if overlay.Logging.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(overlay.Logging.Level)}))
	}

	makerCreds, err := config.LoadVenueCredentials(flags.MakerVenue)
	if err != nil {
		logger.Error("missing maker venue credentials", "error", err)
		os.Exit(1)
	}
	takerCreds, err := config.LoadVenueCredentials(flags.TakerVenue)
	if err != nil {
		logger.Error("missing taker venue credentials", "error", err)
		os.Exit(1)
	}

	makerAdapter, err := buildAdapter(flags.MakerVenue, makerCreds, logger)
	if err != nil {
		logger.Error("failed to build maker adapter", "error", err)
		os.Exit(1)
	}
	takerAdapter, err := buildAdapter(flags.TakerVenue, takerCreds, logger)
	if err != nil {
		logger.Error("failed to build taker adapter", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := makerAdapter.Connect(ctx); err != nil {
		logger.Error("failed to connect maker venue", "error", err)
		os.Exit(1)
	}
	defer makerAdapter.Disconnect()
	if err := takerAdapter.Connect(ctx); err != nil {
		logger.Error("failed to connect taker venue", "error", err)
		os.Exit(1)
	}
	defer takerAdapter.Disconnect()

	makerContract, _, err := makerAdapter.FetchContractAttributes(ctx, flags.Ticker)
	if err != nil {
		logger.Error("failed to resolve maker contract", "error", err)
		os.Exit(1)
	}
	takerContract, _, err := takerAdapter.FetchContractAttributes(ctx, flags.Ticker)
	if err != nil {
		logger.Error("failed to resolve taker contract", "error", err)
		os.Exit(1)
	}

	tradeLog, err := tradelog.Open(overlay.TradeLog.Dir, fmt.Sprintf("%s_%s", flags.MakerVenue, flags.TakerVenue), flags.Ticker)
	if err != nil {
		logger.Error("failed to open trade log", "error", err)
		os.Exit(1)
	}
	defer tradeLog.Close()

	notifier := notify.New(logger, buildSinks(overlay, logger)...)

	cfg := hedge.Config{
		Ticker:        flags.Ticker,
		MakerContract: makerContract,
		TakerContract: takerContract,
		Direction:     types.Buy,
		Quantity:      decimal.NewFromFloat(flags.Size),
		FillTimeout:   time.Duration(flags.FillTimeoutSec) * time.Second,
		Iterations:    flags.Iterations,
	}
	coordinator := hedge.New(makerAdapter, takerAdapter, cfg, notifier, tradeLog, logger)

	logger.Info("hedge strategy started",
		"maker", flags.MakerVenue, "taker", flags.TakerVenue, "ticker", flags.Ticker,
		"size", flags.Size, "iterations", flags.Iterations,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error("hedge coordinator exited with error", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("hedge strategy stopped")
}

func buildAdapter(venue string, creds types.VenueCredentials, logger *slog.Logger) (exchange.VenueAdapter, error) {
	endpoints, ok := venueEndpoints[venue]
	if !ok {
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}
	switch venue {
	case "lighter":
		return lighter.New(endpoints[0], endpoints[1], creds, false, logger)
	case "bybit":
		return bybit.New(endpoints[0], endpoints[1], creds, false, logger), nil
	case "backpack":
		return backpack.New(endpoints[0], endpoints[1], creds, false, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}
}

func buildSinks(overlay config.Overlay, logger *slog.Logger) []notify.Sink {
	var sinks []notify.Sink
	if overlay.Notify.TelegramBotToken != "" && overlay.Notify.TelegramChatID != "" {
		sink, err := notify.NewTelegramSink(overlay.Notify.TelegramBotToken, overlay.Notify.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notify sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if overlay.Notify.LarkWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(overlay.Notify.LarkWebhookURL))
	}
	return sinks
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
