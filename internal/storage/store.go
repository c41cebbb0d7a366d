// Package storage defines the market-data and artifact store contract
// shared by the filesystem and GCS backends.
package storage

import (
	"context"
	"errors"

	"github.com/tradewind/tradewind/internal/backtest"
)

// ErrNotFound is returned when a symbol or result artifact does not exist.
var ErrNotFound = errors.New("object not found")

// MarketStore persists historical bars per symbol and backtest result
// artifacts, both as JSON objects.
type MarketStore interface {
	// SaveBars overwrites the bar series stored for a symbol.
	SaveBars(ctx context.Context, symbol string, bars []backtest.Bar) error
	// LoadBars returns the bar series for a symbol, or ErrNotFound.
	LoadBars(ctx context.Context, symbol string) ([]backtest.Bar, error)
	// ListSymbols returns every symbol with stored bars, sorted.
	ListSymbols(ctx context.Context) ([]string, error)

	// SaveResult stores a run result artifact under a name.
	SaveResult(ctx context.Context, name string, result *backtest.Result) error
	// LoadResult returns a stored result artifact, or ErrNotFound.
	LoadResult(ctx context.Context, name string) (*backtest.Result, error)
}
