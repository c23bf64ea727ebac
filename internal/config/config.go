// Package config parses the CLI/env surface described in spec section 6
// for both the grid (TPA) and hedge (XHB) strategies, and loads per-venue
// credentials from the environment. CLI parsing and .env loading are
// "external collaborator" concerns per the specification, so this package
// keeps them thin: pflag for flags, viper for an optional YAML overlay
// plus env-prefix override, godotenv for .env loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gridhedge/pkg/types"
)

// LoggingConfig controls the ambient slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NotifyConfig holds optional notification sink credentials. A sink is
// active only when its required fields are non-empty; absence is never
// fatal (spec section 6: "best-effort, never blocks trading").
type NotifyConfig struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
	LarkWebhookURL   string `mapstructure:"lark_webhook_url"`
}

// TradeLogConfig controls the CSV trade-log sink of spec section 6.
type TradeLogConfig struct {
	Dir string `mapstructure:"dir"`
}

// GridFlags is the CLI surface for the grid strategy, per spec section 6.
type GridFlags struct {
	Exchange       string
	Ticker         string
	Quantity       float64
	Direction      string
	TakeProfit     float64
	TakeProfitTick int
	GridStep       float64
	GridStepTick   int
	MaxOrders      int
	WaitTimeSec    int
	StopPrice      float64
	PausePrice     float64
	Boost          bool
	EnvFile        string
	Strategy       string
	ConfigFile     string
}

// HedgeFlags is the CLI surface for the hedge strategies, per spec
// section 6.
type HedgeFlags struct {
	Ticker        string
	Size          float64
	Iterations    int
	FillTimeoutSec int
	MakerVenue    string
	TakerVenue    string
	EnvFile       string
	ConfigFile    string
}

// ParseGridFlags parses os.Args for the grid CLI surface.
func ParseGridFlags(args []string) (GridFlags, error) {
	fs := pflag.NewFlagSet("grid", pflag.ContinueOnError)
	var f GridFlags
	fs.StringVar(&f.Exchange, "exchange", "", "venue to trade on (lighter|bybit|backpack)")
	fs.StringVar(&f.Ticker, "ticker", "", "contract ticker")
	fs.Float64Var(&f.Quantity, "quantity", 0, "order quantity")
	fs.StringVar(&f.Direction, "direction", "buy", "buy|sell")
	fs.Float64Var(&f.TakeProfit, "take-profit", 0, "take-profit percent")
	fs.IntVar(&f.TakeProfitTick, "take-profit-tick", 0, "take-profit in ticks (overrides percent)")
	fs.Float64Var(&f.GridStep, "grid-step", 0, "grid step percent")
	fs.IntVar(&f.GridStepTick, "grid-step-tick", 0, "grid step in ticks (overrides percent)")
	fs.IntVar(&f.MaxOrders, "max-orders", 10, "max outstanding close orders")
	fs.IntVar(&f.WaitTimeSec, "wait-time", 15, "seconds to wait for a fill before canceling")
	fs.Float64Var(&f.StopPrice, "stop-price", -1, "stop-trading price sentinel (-1 disables)")
	fs.Float64Var(&f.PausePrice, "pause-price", -1, "pause-trading price sentinel (-1 disables)")
	fs.BoolVar(&f.Boost, "boost", false, "skip the grid-spacing check on the first open after flattening")
	fs.StringVar(&f.EnvFile, "env-file", "", "path to a .env file")
	fs.StringVar(&f.Strategy, "strategy", "grid", "grid|simple-mm|hedge")
	fs.StringVar(&f.ConfigFile, "config", "", "optional YAML config overlay")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.Ticker == "" || f.Exchange == "" {
		return f, fmt.Errorf("--exchange and --ticker are required")
	}
	if f.Quantity <= 0 {
		return f, fmt.Errorf("--quantity must be > 0")
	}
	if f.Direction != string(types.Buy) && f.Direction != string(types.Sell) {
		return f, fmt.Errorf("--direction must be buy or sell")
	}
	return f, nil
}

// ParseHedgeFlags parses os.Args for the hedge CLI surface.
func ParseHedgeFlags(args []string) (HedgeFlags, error) {
	fs := pflag.NewFlagSet("hedge", pflag.ContinueOnError)
	var f HedgeFlags
	fs.StringVar(&f.Ticker, "ticker", "", "contract ticker")
	fs.Float64Var(&f.Size, "size", 0, "maker order size per cycle")
	fs.IntVar(&f.Iterations, "iter", 0, "number of maker-open -> taker-hedge cycles (0 = unbounded)")
	fs.IntVar(&f.FillTimeoutSec, "fill-timeout", 5, "seconds to wait on the maker order before cancelling, and for taker-leg fill confirmation")
	fs.StringVar(&f.MakerVenue, "maker", "", "maker-leg venue")
	fs.StringVar(&f.TakerVenue, "taker", "", "taker-leg venue")
	fs.StringVar(&f.EnvFile, "env-file", "", "path to a .env file")
	fs.StringVar(&f.ConfigFile, "config", "", "optional YAML config overlay")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.Ticker == "" || f.MakerVenue == "" || f.TakerVenue == "" {
		return f, fmt.Errorf("--ticker, --maker and --taker are required")
	}
	if f.Size <= 0 {
		return f, fmt.Errorf("--size must be > 0")
	}
	return f, nil
}

// ToExchangeConfig converts parsed grid flags into the strategy's config
// entity. ContractID/TickSize are left zero; the exchange adapter fills
// them in via FetchContractAttributes on startup.
func (f GridFlags) ToExchangeConfig() types.ExchangeConfig {
	return types.ExchangeConfig{
		Ticker:         f.Ticker,
		Quantity:       decimal.NewFromFloat(f.Quantity),
		TakeProfitPct:  decimal.NewFromFloat(f.TakeProfit),
		TakeProfitTick: f.TakeProfitTick,
		GridStepPct:    decimal.NewFromFloat(f.GridStep),
		GridStepTick:   f.GridStepTick,
		Direction:      types.Side(f.Direction),
		MaxOrders:      f.MaxOrders,
		WaitTime:       time.Duration(f.WaitTimeSec) * time.Second,
		StopPrice:      decimal.NewFromFloat(f.StopPrice),
		PausePrice:     decimal.NewFromFloat(f.PausePrice),
		BoostMode:      f.Boost,
	}
}

// LoadEnvFile loads a .env file if given, matching the pack's joho/godotenv
// convention. Absence of the flag is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Overlay holds the logging/notify/tradelog settings; flags remain
// authoritative for the strategy parameters.
type Overlay struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	TradeLog TradeLogConfig `mapstructure:"tradelog"`
}

// LoadOverlay builds an Overlay from defaults, an optional YAML file and
// GRIDHEDGE_-prefixed env vars. An empty path skips the file; a named
// file that cannot be read is an error.
func LoadOverlay(path string) (Overlay, error) {
	v := viper.New()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("tradelog.dir", "tradelogs")
	v.SetEnvPrefix("GRIDHEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var overlay Overlay
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return overlay, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&overlay); err != nil {
		return overlay, fmt.Errorf("unmarshal config: %w", err)
	}
	if t := os.Getenv("GRIDHEDGE_TELEGRAM_BOT_TOKEN"); t != "" {
		overlay.Notify.TelegramBotToken = t
	}
	if t := os.Getenv("GRIDHEDGE_TELEGRAM_CHAT_ID"); t != "" {
		overlay.Notify.TelegramChatID = t
	}
	if t := os.Getenv("GRIDHEDGE_LARK_WEBHOOK_URL"); t != "" {
		overlay.Notify.LarkWebhookURL = t
	}
	return overlay, nil
}

// LoadVenueCredentials reads PER-venue API credentials from the
// environment, per spec section 6: "Per venue: API key, API secret /
// private key, account index, optional testnet flag, optional
// margin-mode and leverage. Absence of a required venue credential ->
// fatal at startup." The env var prefix is the upper-cased venue name,
// e.g. LIGHTER_API_KEY, LIGHTER_PRIVATE_KEY, BYBIT_API_SECRET.
func LoadVenueCredentials(venue string) (types.VenueCredentials, error) {
	prefix := strings.ToUpper(venue)
	get := func(suffix string) string { return os.Getenv(prefix + "_" + suffix) }

	creds := types.VenueCredentials{
		Venue:         venue,
		APIKey:        get("API_KEY"),
		APISecret:     get("API_SECRET"),
		PrivateKeyHex: get("PRIVATE_KEY"),
		MarginMode:    get("MARGIN_MODE"),
	}
	if creds.APIKey == "" && creds.PrivateKeyHex == "" {
		return creds, fmt.Errorf("missing credentials for venue %q: set %s_API_KEY/%s_API_SECRET or %s_PRIVATE_KEY",
			venue, prefix, prefix, prefix)
	}
	if idx := get("ACCOUNT_INDEX"); idx != "" {
		n, err := strconv.Atoi(idx)
		if err != nil {
			return creds, fmt.Errorf("%s_ACCOUNT_INDEX must be an integer: %w", prefix, err)
		}
		creds.AccountIndex = n
	}
	if tn := get("TESTNET"); tn == "true" || tn == "1" {
		creds.Testnet = true
	}
	if lev := get("LEVERAGE"); lev != "" {
		n, err := strconv.Atoi(lev)
		if err != nil {
			return creds, fmt.Errorf("%s_LEVERAGE must be an integer: %w", prefix, err)
		}
		creds.Leverage = n
	}
	return creds, nil
}
