// Package service orchestrates backtest runs against a market data store.
// It is the shared entry point for the CLI and the queue worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/storage"
)

// ErrUnknownStrategy is returned when a run names a strategy that is not
// built in.
var ErrUnknownStrategy = errors.New("unknown strategy")

// BacktestRequest describes a single run. Zero dates leave the data window
// unbounded on that side.
type BacktestRequest struct {
	Symbols  []string
	Strategy string // buy-and-hold or sma-crossover

	// Strategy parameters. Quantity applies to buy-and-hold; Fast/Slow to
	// sma-crossover.
	Quantity float64
	Fast     int
	Slow     int

	Start time.Time
	End   time.Time

	// Output names the stored result artifact. Empty skips saving.
	Output string

	Config backtest.Config
}

// BacktestService loads bars from the market store, runs the engine, and
// persists result artifacts.
type BacktestService struct {
	store  storage.MarketStore
	logger *slog.Logger
}

func NewBacktestService(store storage.MarketStore, logger *slog.Logger) *BacktestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BacktestService{store: store, logger: logger}
}

// Run executes the request end to end and returns the engine result.
func (s *BacktestService) Run(ctx context.Context, req BacktestRequest) (*backtest.Result, error) {
	if len(req.Symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}

	strategy, err := buildStrategy(req)
	if err != nil {
		return nil, err
	}

	cfg := req.Config
	cfg.Symbols = req.Symbols
	cfg.StartDate = req.Start
	cfg.EndDate = req.End

	engine, err := backtest.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}

	for _, symbol := range req.Symbols {
		bars, err := s.store.LoadBars(ctx, symbol)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("no market data for symbol %s: %w", symbol, err)
			}
			return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
		}
		loaded := engine.LoadData(symbol, bars)
		s.logger.InfoContext(ctx, "market data loaded", "symbol", symbol, "bars", loaded)
	}

	result, err := engine.Run(strategy)
	if err != nil {
		return nil, err
	}

	if req.Output != "" {
		if err := s.store.SaveResult(ctx, req.Output, result); err != nil {
			return nil, fmt.Errorf("failed to save result %s: %w", req.Output, err)
		}
		s.logger.InfoContext(ctx, "result saved", "name", req.Output)
	}

	return result, nil
}

// buildStrategy maps a strategy name and its parameters to an engine
// strategy. buy-and-hold defaults to sizing rules when Quantity is zero;
// sma-crossover defaults to a 10/30 window.
func buildStrategy(req BacktestRequest) (backtest.Strategy, error) {
	if len(req.Symbols) != 1 {
		return nil, errors.New("built-in strategies trade a single symbol")
	}
	symbol := req.Symbols[0]

	switch req.Strategy {
	case "buy-and-hold":
		return backtest.BuyAndHold(symbol, req.Quantity), nil
	case "sma-crossover":
		fast, slow := req.Fast, req.Slow
		if fast == 0 {
			fast = 10
		}
		if slow == 0 {
			slow = 30
		}
		return backtest.SMACrossover(symbol, fast, slow), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, req.Strategy)
	}
}
