// Package tradelog implements the append-only CSV trade log of spec
// section 6: one file per {venue}_{ticker}, one row per recorded order
// outcome (see RecordTerminal), per-line flush. Grounded on the teacher's
// internal/store/store.go for the crash-safe write discipline, adapted
// from whole-file JSON replacement to a per-line-flush CSV appender since
// the log is append-only rather than overwrite-on-save.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridhedge/pkg/types"
)

var header = []string{"timestamp", "side", "quantity", "price", "status", "order_id"}

// Log is a single append-only CSV file guarded by a mutex, matching the
// teacher's one-store-per-resource pattern.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// Open creates (or appends to) the trade log file for venue/ticker under
// dir, writing the header row only when the file is new.
func Open(dir, venue, ticker string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tradelog: create dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", venue, ticker))

	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tradelog: open %s: %w", path, err)
	}

	l := &Log{file: f, writer: csv.NewWriter(f)}
	if needsHeader {
		if err := l.writer.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("tradelog: write header: %w", err)
		}
		l.writer.Flush()
		if err := l.writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("tradelog: flush header: %w", err)
		}
	}
	return l, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}

// RecordTerminal appends one row for an order outcome.
// side/quantity/price/status/orderID mirror the CSV header order exactly.
// The grid controller also calls it right after placing a take-profit
// order, so that row carries the status reported at placement (usually
// OPEN); the later fill of that order is not logged.
func (l *Log) RecordTerminal(side types.Side, quantity, price decimal.Decimal, status types.OrderStatus, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		time.Now().UTC().Format(time.RFC3339Nano),
		string(side),
		quantity.String(),
		price.String(),
		string(status),
		orderID,
	}
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("tradelog: write row: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("tradelog: flush row: %w", err)
	}
	return nil
}
