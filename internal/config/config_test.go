package config

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

func TestParseGridFlagsRequiresExchangeAndTicker(t *testing.T) {
	t.Parallel()
	_, err := ParseGridFlags([]string{"--quantity", "1"})
	if err == nil {
		t.Fatal("expected an error when --exchange/--ticker are missing")
	}
}

func TestParseGridFlagsRejectsZeroQuantity(t *testing.T) {
	t.Parallel()
	_, err := ParseGridFlags([]string{"--exchange", "lighter", "--ticker", "BTC-PERP", "--quantity", "0"})
	if err == nil {
		t.Fatal("expected an error for non-positive quantity")
	}
}

func TestParseGridFlagsRejectsBadDirection(t *testing.T) {
	t.Parallel()
	_, err := ParseGridFlags([]string{"--exchange", "lighter", "--ticker", "BTC-PERP", "--quantity", "1", "--direction", "sideways"})
	if err == nil {
		t.Fatal("expected an error for an invalid direction")
	}
}

func TestParseGridFlagsDefaultsAndValues(t *testing.T) {
	t.Parallel()
	f, err := ParseGridFlags([]string{
		"--exchange", "bybit", "--ticker", "ETH-PERP", "--quantity", "5",
		"--direction", "sell", "--take-profit", "0.3", "--grid-step", "0.1",
		"--max-orders", "8", "--boost",
	})
	if err != nil {
		t.Fatalf("ParseGridFlags: %v", err)
	}
	if f.Exchange != "bybit" || f.Ticker != "ETH-PERP" || f.MaxOrders != 8 || !f.Boost {
		t.Errorf("unexpected flags: %+v", f)
	}
	if f.WaitTimeSec != 15 {
		t.Errorf("default wait-time = %d, want 15", f.WaitTimeSec)
	}
}

func TestToExchangeConfigConvertsSentinelsAndDirection(t *testing.T) {
	t.Parallel()
	f := GridFlags{
		Ticker: "BTC-PERP", Quantity: 2, TakeProfit: 0.5, GridStep: 0.2,
		Direction: "buy", MaxOrders: 10, WaitTimeSec: 20, StopPrice: -1, PausePrice: -1,
	}
	cfg := f.ToExchangeConfig()
	if cfg.Direction != types.Buy {
		t.Errorf("direction = %v, want buy", cfg.Direction)
	}
	if !cfg.StopPrice.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("stop price sentinel = %v, want -1", cfg.StopPrice)
	}
	if cfg.TickMode() {
		t.Error("tick mode should be false when take-profit-tick is unset")
	}
}

func TestToExchangeConfigTickModeOverridesPercent(t *testing.T) {
	t.Parallel()
	f := GridFlags{TakeProfitTick: 3, GridStepTick: 2}
	cfg := f.ToExchangeConfig()
	if !cfg.TickMode() {
		t.Error("tick mode should be true when take-profit-tick is set")
	}
	if !cfg.GridTickMode() {
		t.Error("grid tick mode should be true when grid-step-tick is set")
	}
}

func TestParseHedgeFlagsRequiresVenuesAndTicker(t *testing.T) {
	t.Parallel()
	_, err := ParseHedgeFlags([]string{"--size", "1"})
	if err == nil {
		t.Fatal("expected an error when --ticker/--maker/--taker are missing")
	}
}

func TestLoadVenueCredentialsRequiresKeyOrPrivateKey(t *testing.T) {
	t.Parallel()
	os.Unsetenv("TESTVENUE_API_KEY")
	os.Unsetenv("TESTVENUE_PRIVATE_KEY")
	_, err := LoadVenueCredentials("testvenue")
	if err == nil {
		t.Fatal("expected an error when no credential is set")
	}
}

func TestLoadVenueCredentialsReadsPrefixedEnv(t *testing.T) {
	t.Setenv("MYVENUE_API_KEY", "k")
	t.Setenv("MYVENUE_API_SECRET", "s")
	t.Setenv("MYVENUE_ACCOUNT_INDEX", "3")
	t.Setenv("MYVENUE_TESTNET", "true")

	creds, err := LoadVenueCredentials("myvenue")
	if err != nil {
		t.Fatalf("LoadVenueCredentials: %v", err)
	}
	if creds.APIKey != "k" || creds.APISecret != "s" || creds.AccountIndex != 3 || !creds.Testnet {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoadEnvFileNoopOnEmptyPath(t *testing.T) {
	t.Parallel()
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("LoadEnvFile(\"\") = %v, want nil", err)
	}
}

func TestLoadOverlayDefaultsWhenNoFile(t *testing.T) {
	t.Parallel()
	overlay, err := LoadOverlay("")
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if overlay.Logging.Level != "info" || overlay.TradeLog.Dir != "tradelogs" {
		t.Errorf("unexpected overlay defaults: %+v", overlay)
	}
}
