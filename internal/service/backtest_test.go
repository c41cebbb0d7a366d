package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/storage"
	"github.com/tradewind/tradewind/internal/storage/fs"
)

func newTestService(t *testing.T) (*BacktestService, storage.MarketStore) {
	t.Helper()
	store, err := fs.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewBacktestService(store, nil), store
}

func risingBars(n int, from, to float64) []backtest.Bar {
	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]backtest.Bar, n)
	step := (to - from) / float64(n-1)
	for i := range bars {
		close := from + step*float64(i)
		bars[i] = backtest.Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      close, High: close, Low: close, Close: close,
			Volume: 1000,
		}
	}
	return bars
}

func TestRunBuyAndHoldFromStore(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBars(ctx, "AAPL", risingBars(30, 100, 150)))

	result, err := svc.Run(ctx, BacktestRequest{
		Symbols:  []string{"AAPL"},
		Strategy: "buy-and-hold",
		Quantity: 10,
		Output:   "aapl-hold",
		Config:   backtest.Config{InitialCapital: 10_000, MaxPositions: 1},
	})
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Greater(t, result.Metrics.TotalReturn, 0.0)

	saved, err := store.LoadResult(ctx, "aapl-hold")
	require.NoError(t, err)
	assert.Equal(t, result.Metrics.TotalTrades, saved.Metrics.TotalTrades)
}

func TestRunMissingSymbolFails(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Run(context.Background(), BacktestRequest{
		Symbols:  []string{"MISSING"},
		Strategy: "buy-and-hold",
		Quantity: 1,
		Config:   backtest.Config{InitialCapital: 10_000, MaxPositions: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunUnknownStrategy(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.SaveBars(ctx, "AAPL", risingBars(10, 100, 110)))

	_, err := svc.Run(ctx, BacktestRequest{
		Symbols:  []string{"AAPL"},
		Strategy: "momentum",
		Config:   backtest.Config{InitialCapital: 10_000, MaxPositions: 1},
	})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRunValidatesRequest(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Run(context.Background(), BacktestRequest{Strategy: "buy-and-hold"})
	assert.Error(t, err, "no symbols")

	_, err = svc.Run(context.Background(), BacktestRequest{
		Symbols:  []string{"AAPL", "MSFT"},
		Strategy: "buy-and-hold",
		Config:   backtest.Config{InitialCapital: 10_000, MaxPositions: 1},
	})
	assert.Error(t, err, "built-in strategies are single-symbol")
}

func TestRunWindowFiltersBars(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.SaveBars(ctx, "AAPL", risingBars(30, 100, 150)))

	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	result, err := svc.Run(ctx, BacktestRequest{
		Symbols:  []string{"AAPL"},
		Strategy: "buy-and-hold",
		Quantity: 1,
		Start:    start,
		End:      end,
		Config:   backtest.Config{InitialCapital: 10_000, MaxPositions: 1},
	})
	require.NoError(t, err)
	assert.Len(t, result.DailySnapshots, 11)
}
