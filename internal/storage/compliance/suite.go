// Package compliance is the shared contract test suite every MarketStore
// implementation must pass.
package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/storage"
)

// RunMarketStoreComplianceTest runs the standard contract tests against a
// MarketStore implementation. setup returns a fresh store plus a teardown
// callback.
func RunMarketStoreComplianceTest(t *testing.T, setup func() (storage.MarketStore, func())) {
	sampleBars := func(n int) []backtest.Bar {
		bars := make([]backtest.Bar, n)
		for i := range bars {
			price := 100 + float64(i)
			bars[i] = backtest.Bar{
				Timestamp: time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC),
				Open:      price, High: price + 1, Low: price - 1, Close: price,
				Volume: 1000,
			}
		}
		return bars
	}

	t.Run("SaveAndLoadBars", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		bars := sampleBars(5)
		require.NoError(t, store.SaveBars(ctx, "AAPL", bars))

		loaded, err := store.LoadBars(ctx, "AAPL")
		require.NoError(t, err)
		require.Len(t, loaded, 5)
		assert.True(t, bars[0].Timestamp.Equal(loaded[0].Timestamp))
		assert.Equal(t, bars[4].Close, loaded[4].Close)
	})

	t.Run("SaveBarsOverwrites", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		require.NoError(t, store.SaveBars(ctx, "SPY", sampleBars(10)))
		require.NoError(t, store.SaveBars(ctx, "SPY", sampleBars(3)))

		loaded, err := store.LoadBars(ctx, "SPY")
		require.NoError(t, err)
		assert.Len(t, loaded, 3)
	})

	t.Run("ListSymbols", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		require.NoError(t, store.SaveBars(ctx, "MSFT", sampleBars(1)))
		require.NoError(t, store.SaveBars(ctx, "AAPL", sampleBars(1)))

		symbols, err := store.ListSymbols(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
	})

	t.Run("LoadMissingBars", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.LoadBars(context.Background(), "MISSING")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAndLoadResult", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		result := &backtest.Result{
			Trades: []backtest.Trade{{
				Timestamp: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				Symbol:    "AAPL",
				Action:    backtest.ActionBuy,
				Price:     101.5,
				Quantity:  10,
			}},
			Metrics: backtest.Metrics{TotalReturn: 0.12, TotalTrades: 1},
			Errors:  []string{},
		}
		require.NoError(t, store.SaveResult(ctx, "sma-run-1", result))

		loaded, err := store.LoadResult(ctx, "sma-run-1")
		require.NoError(t, err)
		require.Len(t, loaded.Trades, 1)
		assert.Equal(t, "AAPL", loaded.Trades[0].Symbol)
		assert.InDelta(t, 0.12, loaded.Metrics.TotalReturn, 1e-9)
	})

	t.Run("LoadMissingResult", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.LoadResult(context.Background(), "no-such-run")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
