// Command grid runs the Grid (Take-Profit Accumulator) strategy: it opens
// post-only positions on a single venue and contract, closes them with a
// take-profit ladder, and reconciles coverage on every tick.
//
//	main.go — entry point: parses flags, wires one venue adapter, the
//	          notification/trade-log sinks, and the grid controller; waits
//	          for SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/bot/main.go: load config, build the
// orchestrator, start it, block on a signal channel, stop gracefully.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridhedge/internal/config"
	"gridhedge/internal/exchange"
	"gridhedge/internal/exchange/backpack"
	"gridhedge/internal/exchange/bybit"
	"gridhedge/internal/exchange/lighter"
	"gridhedge/internal/grid"
	"gridhedge/internal/notify"
	"gridhedge/internal/risk"
	"gridhedge/internal/tradelog"
	"gridhedge/pkg/types"
)

// venueEndpoints is the default REST/WS base URL pair per supported
// venue. Testnet credentials do not change these in this build; a venue
// requiring a distinct testnet host would need its own entry here.
var venueEndpoints = map[string][2]string{
	"lighter":  {"https://mainnet.zklighter.elliot.ai/api/v1", "wss://mainnet.zklighter.elliot.ai/stream"},
	"bybit":    {"https://api.bybit.com", "wss://stream.bybit.com/v5/private"},
	"backpack": {"https://api.backpack.exchange", "wss://ws.backpack.exchange"},
}

func main() {
	flags, err := config.ParseGridFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "grid:", err)
		os.Exit(1)
	}
	if err := config.LoadEnvFile(flags.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "grid:", err)
		os.Exit(1)
	}
	overlay, err := config.LoadOverlay(flags.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "grid:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(overlay.Logging.Level)}))
	if overlay.Logging.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(overlay.Logging.Level)}))
	}

	creds, err := config.LoadVenueCredentials(flags.Exchange)
	if err != nil {
		logger.Error("missing venue credentials", "error", err)
		os.Exit(1)
	}

	adapter, err := buildAdapter(flags.Exchange, creds, logger)
	if err != nil {
		logger.Error("failed to build venue adapter", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.Connect(ctx); err != nil {
		logger.Error("failed to connect to venue", "error", err)
		os.Exit(1)
	}
	defer adapter.Disconnect()

	cfg := flags.ToExchangeConfig()
	contractID, tickSize, err := adapter.FetchContractAttributes(ctx, cfg.Ticker)
	if err != nil {
		logger.Error("failed to resolve contract", "ticker", cfg.Ticker, "error", err)
		os.Exit(1)
	}
	cfg.ContractID = contractID
	cfg.TickSize = tickSize

	tradeLog, err := tradelog.Open(overlay.TradeLog.Dir, flags.Exchange, cfg.Ticker)
	if err != nil {
		logger.Error("failed to open trade log", "error", err)
		os.Exit(1)
	}
	defer tradeLog.Close()

	notifier := notify.New(logger, buildSinks(overlay, logger)...)
	guard := risk.New(cfg, logger)
	controller := grid.New(adapter, cfg, guard, notifier, tradeLog, logger)

	logger.Info("grid strategy started",
		"exchange", flags.Exchange, "ticker", cfg.Ticker, "quantity", cfg.Quantity,
		"direction", cfg.Direction, "max_orders", cfg.MaxOrders, "boost", cfg.BoostMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- controller.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error("grid controller exited with error", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("grid strategy stopped")
}

func buildAdapter(venue string, creds types.VenueCredentials, logger *slog.Logger) (exchange.VenueAdapter, error) {
	endpoints, ok := venueEndpoints[venue]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange %q", venue)
	}
	switch venue {
	case "lighter":
		return lighter.New(endpoints[0], endpoints[1], creds, false, logger)
	case "bybit":
		return bybit.New(endpoints[0], endpoints[1], creds, false, logger), nil
	case "backpack":
		return backpack.New(endpoints[0], endpoints[1], creds, false, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", venue)
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
