package tradelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

func TestOpenWritesHeaderOnlyOnce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l1, err := Open(dir, "lighter", "BTC-PERP")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l1.RecordTerminal(types.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100), types.StatusFilled, "o1"); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}
	l1.Close()

	l2, err := Open(dir, "lighter", "BTC-PERP")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := l2.RecordTerminal(types.Sell, decimal.NewFromInt(1), decimal.NewFromInt(101), types.StatusFilled, "o2"); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}
	l2.Close()

	path := filepath.Join(dir, "lighter_BTC-PERP.csv")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	// header + 2 data rows, header appears exactly once.
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (1 header + 2 data)", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("first row = %v, want header", rows[0])
	}
	if rows[1][5] != "o1" || rows[2][5] != "o2" {
		t.Errorf("order ids = %v, %v", rows[1][5], rows[2][5])
	}
}

func TestRecordTerminalFieldOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := Open(dir, "bybit", "ETH-PERP")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.RecordTerminal(types.Sell, decimal.NewFromFloat(2.5), decimal.NewFromFloat(3000.25), types.StatusCanceledPostOnly, "abc123"); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}

	path := filepath.Join(dir, "bybit_ETH-PERP.csv")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	row := rows[1]
	if row[1] != "sell" || row[2] != "2.5" || row[3] != "3000.25" || row[4] != "CANCELED_POST_ONLY" || row[5] != "abc123" {
		t.Errorf("row = %v", row)
	}
}
