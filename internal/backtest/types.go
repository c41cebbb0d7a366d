// Package backtest replays historical bars through a strategy against a
// simulated portfolio with commission, slippage and position-limit
// modeling. A run is strictly single-flow and deterministic.
package backtest

import (
	"errors"
	"fmt"
	"time"
)

// Bar is one OHLCV observation for a symbol.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Action is the side of an order signal.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionShort Action = "short"
	ActionCover Action = "cover"
)

// Signal is one order intent returned by a strategy. Quantity 0 defers to
// the configured position-sizing rule. StopPrice feeds risk sizing.
type Signal struct {
	Action     Action
	Symbol     string
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
	Reason     string
}

// Position is an open holding. Negative Quantity marks a short.
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	CurrentPrice float64 `json:"current_price"`
}

// UnrealizedPnL is the mark-to-market gain of the position.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.AvgCost) * p.Quantity
}

// Portfolio is the simulated account state.
type Portfolio struct {
	Cash          float64             `json:"cash"`
	Positions     map[string]Position `json:"positions"`
	TotalValue    float64             `json:"total_value"`
	RealizedPnL   float64             `json:"realized_pnl"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
}

// Trade is one executed fill. PnL is the realized gain on closing fills
// (sell/cover) and zero on entries.
type Trade struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Commission float64   `json:"commission"`
	Slippage   float64   `json:"slippage"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason,omitempty"`
}

// DailySnapshot is the end-of-bar portfolio record.
type DailySnapshot struct {
	Date             time.Time  `json:"date"`
	Cash             float64    `json:"cash"`
	Positions        []Position `json:"positions"`
	TotalValue       float64    `json:"total_value"`
	CumulativeReturn float64    `json:"cumulative_return"`
	DailyReturn      float64    `json:"daily_return"`
}

// Metrics summarizes a completed run.
type Metrics struct {
	TotalReturn          float64 `json:"total_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	TotalTrades          int     `json:"total_trades"`
	WinningTrades        int     `json:"winning_trades"`
	LosingTrades         int     `json:"losing_trades"`
	WinRate              float64 `json:"win_rate"`
	AverageWin           float64 `json:"average_win"`
	AverageLoss          float64 `json:"average_loss"`
	ProfitFactor         float64 `json:"profit_factor"`
}

// Result is the full output of one run.
type Result struct {
	Trades         []Trade         `json:"trades"`
	DailySnapshots []DailySnapshot `json:"daily_snapshots"`
	FinalPortfolio Portfolio       `json:"final_portfolio"`
	Metrics        Metrics         `json:"metrics"`
	Errors         []string        `json:"errors"`
}

// Progress is the payload of the progress event.
type Progress struct {
	Completed int
	Total     int
	Percent   float64
}

// Tick is the read-only view handed to the strategy at each timestamp.
// History holds every bar up to and including the current one, per symbol.
type Tick struct {
	Timestamp time.Time
	Bars      map[string]Bar
	History   map[string][]Bar
	Portfolio Portfolio
}

// Strategy inspects one tick and returns order signals. Signals execute in
// the order returned. A panicking strategy is recorded as a run error and
// the replay continues.
type Strategy func(tick *Tick) []Signal

// SizingMode selects how signal quantities are derived when omitted.
type SizingMode string

const (
	// SizingFixed treats PositionSize as a unit count.
	SizingFixed SizingMode = "fixed"
	// SizingPercent treats PositionSize as a fraction of total value.
	SizingPercent SizingMode = "percent"
	// SizingRisk treats PositionSize as dollars at risk; quantity is
	// risk divided by the signal's stop distance.
	SizingRisk SizingMode = "risk"
)

// Config carries the run parameters.
type Config struct {
	StartDate time.Time
	EndDate   time.Time
	Symbols   []string

	InitialCapital float64
	Commission     float64 // fractional, per fill
	Slippage       float64 // fractional, per fill

	PositionSizing SizingMode
	PositionSize   float64
	MaxPositions   int
	AllowShorts    bool
}

// ErrNoData is returned by Run when no symbol has bars loaded.
var ErrNoData = errors.New("no historical data loaded")

// Validate rejects structurally invalid run parameters.
func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return errors.New("initial capital must be positive")
	}
	if c.Commission < 0 {
		return errors.New("commission rate must not be negative")
	}
	if c.Slippage < 0 {
		return errors.New("slippage rate must not be negative")
	}
	if c.MaxPositions < 1 {
		return errors.New("max positions must be at least 1")
	}
	if !c.EndDate.IsZero() && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return errors.New("end date precedes start date")
	}
	switch c.PositionSizing {
	case SizingFixed, SizingPercent, SizingRisk:
		if c.PositionSize <= 0 {
			return fmt.Errorf("position size must be positive for %s sizing", c.PositionSizing)
		}
	case "":
		// Strategies must size every signal explicitly.
	default:
		return fmt.Errorf("unknown position sizing mode %q", c.PositionSizing)
	}
	return nil
}
