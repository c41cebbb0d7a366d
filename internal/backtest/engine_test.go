package backtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// barsFromCloses builds one daily bar per close, starting at day0.
func barsFromCloses(closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func risingCloses(n int, from, to float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return out
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = 100_000
	}
	if cfg.MaxPositions == 0 {
		cfg.MaxPositions = 5
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestBuyAndHoldUptrend(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 20_000})
	loaded := e.LoadData("SPY", barsFromCloses(risingCloses(90, 100, 200)...))
	require.Equal(t, 90, loaded)

	result, err := e.Run(BuyAndHold("SPY", 100))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, ActionBuy, result.Trades[0].Action)
	assert.Equal(t, 100.0, result.Trades[0].Quantity)

	require.Len(t, result.FinalPortfolio.Positions, 1)
	assert.Equal(t, 100.0, result.FinalPortfolio.Positions["SPY"].Quantity)

	assert.Greater(t, result.Metrics.TotalReturn, 0.0)
	assert.GreaterOrEqual(t, result.Metrics.MaxDrawdown, 0.0)
	require.Len(t, result.DailySnapshots, 90)

	last := result.DailySnapshots[len(result.DailySnapshots)-1]
	assert.InDelta(t, result.Metrics.TotalReturn, last.CumulativeReturn, 1e-9)
	assert.Empty(t, result.Errors)
}

func TestRunWithoutDataFails(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.Run(BuyAndHold("SPY", 1))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero capital", Config{MaxPositions: 1}},
		{"negative commission", Config{InitialCapital: 1000, MaxPositions: 1, Commission: -0.01}},
		{"negative slippage", Config{InitialCapital: 1000, MaxPositions: 1, Slippage: -0.01}},
		{"zero max positions", Config{InitialCapital: 1000}},
		{"bad sizing mode", Config{InitialCapital: 1000, MaxPositions: 1, PositionSizing: "kelly", PositionSize: 1}},
		{"sizing without size", Config{InitialCapital: 1000, MaxPositions: 1, PositionSizing: SizingFixed}},
		{"inverted dates", Config{
			InitialCapital: 1000, MaxPositions: 1,
			StartDate: day0.AddDate(0, 0, 10), EndDate: day0,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoadDataFiltersAndSorts(t *testing.T) {
	e := newEngine(t, Config{
		StartDate: day0.AddDate(0, 0, 1),
		EndDate:   day0.AddDate(0, 0, 3),
	})

	bars := barsFromCloses(100, 101, 102, 103, 104) // days 0..4
	// Shuffle deterministically to prove sorting.
	shuffled := []Bar{bars[3], bars[0], bars[4], bars[2], bars[1]}

	loaded := e.LoadData("X", shuffled)
	assert.Equal(t, 3, loaded, "bars outside [start, end] dropped")

	kept := e.data["X"]
	require.Len(t, kept, 3)
	assert.True(t, kept[0].Timestamp.Before(kept[1].Timestamp))
	assert.True(t, kept[1].Timestamp.Before(kept[2].Timestamp))
	assert.Equal(t, 101.0, kept[0].Close)
}

func TestCashConservation(t *testing.T) {
	cfg := Config{
		InitialCapital: 50_000,
		MaxPositions:   3,
		Commission:     0.001,
		Slippage:       0.0005,
	}
	e := newEngine(t, cfg)
	e.LoadData("AAPL", barsFromCloses(100, 110, 120, 130))

	day := 0
	strategy := func(tick *Tick) []Signal {
		defer func() { day++ }()
		switch day {
		case 0:
			return []Signal{{Action: ActionBuy, Symbol: "AAPL", Quantity: 50}}
		case 2:
			return []Signal{{Action: ActionSell, Symbol: "AAPL", Quantity: 50}}
		}
		return nil
	}

	result, err := e.Run(strategy)
	require.NoError(t, err)
	require.Len(t, result.Trades, 2)

	buy, sell := result.Trades[0], result.Trades[1]
	wantCash := cfg.InitialCapital -
		(buy.Price*buy.Quantity + buy.Commission) +
		(sell.Price*sell.Quantity - sell.Commission)
	assert.InDelta(t, wantCash, result.FinalPortfolio.Cash, 1e-9)
	assert.Empty(t, result.FinalPortfolio.Positions)

	// Slippage moved the fills against the trade.
	assert.Greater(t, buy.Price, 100.0)
	assert.Less(t, sell.Price, 120.0)

	// Affordability held on the buy.
	assert.LessOrEqual(t, buy.Price*buy.Quantity+buy.Commission, cfg.InitialCapital)

	assert.InDelta(t, (sell.Price-buy.Price)*50, result.FinalPortfolio.RealizedPnL, 1e-9)
}

func TestMaxPositionsRejection(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 100_000, MaxPositions: 1})
	e.LoadData("A", barsFromCloses(10, 11))
	e.LoadData("B", barsFromCloses(20, 21))

	fired := false
	strategy := func(tick *Tick) []Signal {
		if fired {
			return nil
		}
		fired = true
		return []Signal{
			{Action: ActionBuy, Symbol: "A", Quantity: 10},
			{Action: ActionBuy, Symbol: "B", Quantity: 10},
		}
	}

	result, err := e.Run(strategy)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, "A", result.Trades[0].Symbol)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "max positions")
}

func TestInsufficientCashRejection(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 50})
	e.LoadData("X", barsFromCloses(100, 101))

	result, err := e.Run(BuyAndHold("X", 10))
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "insufficient cash")
}

func TestSellWithoutPositionRejection(t *testing.T) {
	e := newEngine(t, Config{})
	e.LoadData("X", barsFromCloses(100, 101))

	once := false
	result, err := e.Run(func(tick *Tick) []Signal {
		if once {
			return nil
		}
		once = true
		return []Signal{{Action: ActionSell, Symbol: "X", Quantity: 5}}
	})
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no long position")
}

func TestShortsRequireOptIn(t *testing.T) {
	e := newEngine(t, Config{})
	e.LoadData("X", barsFromCloses(100, 90))

	once := false
	result, err := e.Run(func(tick *Tick) []Signal {
		if once {
			return nil
		}
		once = true
		return []Signal{{Action: ActionShort, Symbol: "X", Quantity: 10}}
	})
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "shorting disabled")
}

func TestShortCoverRoundTrip(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 10_000, AllowShorts: true})
	e.LoadData("X", barsFromCloses(100, 95, 90))

	day := 0
	result, err := e.Run(func(tick *Tick) []Signal {
		defer func() { day++ }()
		switch day {
		case 0:
			return []Signal{{Action: ActionShort, Symbol: "X", Quantity: 10}}
		case 2:
			return []Signal{{Action: ActionCover, Symbol: "X", Quantity: 10}}
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	assert.Equal(t, ActionShort, result.Trades[0].Action)
	assert.Equal(t, ActionCover, result.Trades[1].Action)

	// Shorted at 100, covered at 90: +10/share.
	assert.InDelta(t, 100.0, result.FinalPortfolio.RealizedPnL, 1e-9)
	assert.Empty(t, result.FinalPortfolio.Positions)
	assert.InDelta(t, 10_100.0, result.FinalPortfolio.Cash, 1e-9)
}

func TestBuyWhileShortRejected(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 10_000, AllowShorts: true})
	e.LoadData("X", barsFromCloses(100, 100, 100))

	day := 0
	result, err := e.Run(func(tick *Tick) []Signal {
		defer func() { day++ }()
		switch day {
		case 0:
			return []Signal{{Action: ActionShort, Symbol: "X", Quantity: 10}}
		case 1:
			return []Signal{{Action: ActionBuy, Symbol: "X", Quantity: 5}}
		}
		return nil
	})
	require.NoError(t, err)

	// The buy must not replace the short liability with a long.
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "short position open")
	require.Len(t, result.Trades, 1)
	assert.Equal(t, ActionShort, result.Trades[0].Action)

	require.Len(t, result.FinalPortfolio.Positions, 1)
	assert.Equal(t, -10.0, result.FinalPortfolio.Positions["X"].Quantity)
	assert.InDelta(t, 0.0, result.FinalPortfolio.RealizedPnL, 1e-9)
	// Flat prices: short proceeds are offset by the open liability, so
	// total value stays at initial capital.
	assert.InDelta(t, 10_000.0, result.FinalPortfolio.TotalValue, 1e-9)
}

func TestHistoryIsIsolatedFromEngineData(t *testing.T) {
	e := newEngine(t, Config{InitialCapital: 10_000})
	e.LoadData("X", barsFromCloses(100, 101, 102, 103))

	var seen []float64
	result, err := e.Run(func(tick *Tick) []Signal {
		h := tick.History["X"]
		seen = append(seen, h[len(h)-1].Close)
		// An append must not spill into the engine's future bars.
		if extended := append(h, Bar{Timestamp: tick.Timestamp, Close: 999}); len(extended) != len(h)+1 {
			panic("history append did not grow")
		}
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	assert.Equal(t, []float64{100, 101, 102, 103}, seen)
}

func TestStrategyPanicRecordedAndRunContinues(t *testing.T) {
	e := newEngine(t, Config{})
	e.LoadData("X", barsFromCloses(100, 101, 102))

	day := 0
	result, err := e.Run(func(tick *Tick) []Signal {
		day++
		if day == 2 {
			panic("indicator out of range")
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, result.DailySnapshots, 3, "replay continued past the panic")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "strategy panicked")
	assert.Equal(t, 3, day)
}

func TestDeterminism(t *testing.T) {
	run := func() []byte {
		e := newEngine(t, Config{
			InitialCapital: 25_000,
			Commission:     0.002,
			Slippage:       0.001,
			PositionSizing: SizingPercent,
			PositionSize:   0.5,
		})
		e.LoadData("A", barsFromCloses(risingCloses(40, 50, 80)...))
		e.LoadData("B", barsFromCloses(risingCloses(40, 200, 120)...))

		result, err := e.Run(SMACrossover("A", 3, 8))
		require.NoError(t, err)

		blob, err := json.Marshal(result)
		require.NoError(t, err)
		return blob
	}

	assert.Equal(t, string(run()), string(run()))
}

func TestPercentSizing(t *testing.T) {
	e := newEngine(t, Config{
		InitialCapital: 10_000,
		PositionSizing: SizingPercent,
		PositionSize:   0.25,
	})
	e.LoadData("X", barsFromCloses(100, 101))

	result, err := e.Run(BuyAndHold("X", 0))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	// 25% of 10k at 100/share = 25 shares.
	assert.Equal(t, 25.0, result.Trades[0].Quantity)
}

func TestRiskSizing(t *testing.T) {
	e := newEngine(t, Config{
		InitialCapital: 100_000,
		PositionSizing: SizingRisk,
		PositionSize:   500, // dollars at risk
	})
	e.LoadData("X", barsFromCloses(100, 101))

	once := false
	result, err := e.Run(func(tick *Tick) []Signal {
		if once {
			return nil
		}
		once = true
		return []Signal{
			{Action: ActionBuy, Symbol: "X", StopPrice: 95},
			{Action: ActionBuy, Symbol: "X"}, // missing stop: rejected
		}
	})
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	// $500 risk over a $5 stop distance = 100 shares.
	assert.Equal(t, 100.0, result.Trades[0].Quantity)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "requires a stop price")
}

func TestProgressAndEvents(t *testing.T) {
	e := newEngine(t, Config{})
	e.LoadData("X", barsFromCloses(risingCloses(200, 100, 110)...))

	var progress []Progress
	trades := 0
	snapshots := 0
	completed := false
	e.On(EventProgress, func(p any) { progress = append(progress, p.(Progress)) })
	e.On(EventTrade, func(any) { trades++ })
	e.On(EventSnapshot, func(any) { snapshots++ })
	e.On(EventComplete, func(any) { completed = true })

	result, err := e.Run(BuyAndHold("X", 10))
	require.NoError(t, err)

	assert.True(t, completed)
	assert.Equal(t, len(result.Trades), trades)
	assert.Equal(t, 200, snapshots)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 200, last.Completed)
	assert.Equal(t, 100.0, last.Percent)
	// Roughly one emission per percent.
	assert.InDelta(t, 100, len(progress), 5)
}

func TestMetricsOnKnownSeries(t *testing.T) {
	snapshots := []DailySnapshot{
		{TotalValue: 100},
		{TotalValue: 110},
		{TotalValue: 99},
		{TotalValue: 121},
	}
	trades := []Trade{
		{Action: ActionBuy, PnL: 0},
		{Action: ActionSell, PnL: 40},
		{Action: ActionSell, PnL: -10},
		{Action: ActionCover, PnL: 20},
	}

	m := computeMetrics(100, snapshots, trades)

	assert.InDelta(t, 0.21, m.TotalReturn, 1e-9)
	assert.InDelta(t, 0.10, m.MaxDrawdown, 1e-9) // 110 -> 99
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	assert.InDelta(t, 30, m.AverageWin, 1e-9)
	assert.InDelta(t, 10, m.AverageLoss, 1e-9)
	assert.InDelta(t, 6, m.ProfitFactor, 1e-9)
	assert.Greater(t, m.AnnualizedVolatility, 0.0)
	assert.NotZero(t, m.SharpeRatio)
}

func TestSMACrossoverTrades(t *testing.T) {
	// Flat, then a sharp rally (golden cross), then a collapse (death cross).
	closes := append([]float64{}, risingCloses(10, 100, 100)...)
	closes = append(closes, risingCloses(10, 105, 160)...)
	closes = append(closes, risingCloses(10, 90, 40)...)

	e := newEngine(t, Config{
		InitialCapital: 50_000,
		PositionSizing: SizingFixed,
		PositionSize:   10,
	})
	e.LoadData("X", barsFromCloses(closes...))

	result, err := e.Run(SMACrossover("X", 3, 8))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(result.Trades), 2)
	assert.Equal(t, ActionBuy, result.Trades[0].Action)
	assert.Equal(t, ActionSell, result.Trades[1].Action)
	assert.Empty(t, result.FinalPortfolio.Positions, "death cross closed the position")
}
