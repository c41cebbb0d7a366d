package backtest

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/tradewind/tradewind/internal/events"
)

// Event names emitted by the engine.
const (
	EventDataLoaded = "dataLoaded"
	EventProgress   = "progress"
	EventTrade      = "trade"
	EventSnapshot   = "snapshot"
	EventComplete   = "complete"
)

// DataLoaded is the payload of the dataLoaded event.
type DataLoaded struct {
	Symbol string
	Bars   int
}

// Engine replays loaded bars through a strategy. One Engine runs one
// backtest at a time; Run is not safe for concurrent use.
type Engine struct {
	cfg     Config
	data    map[string][]Bar
	emitter *events.Emitter
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger substitutes the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New validates the config and builds an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		data:    make(map[string][]Bar),
		emitter: events.NewEmitter(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// On subscribes to an engine event; the returned function unsubscribes.
func (e *Engine) On(event string, handler func(payload any)) func() {
	return e.emitter.On(event, handler)
}

// LoadData stores bars for a symbol, keeping only those inside the
// configured date window, sorted ascending by timestamp. It returns the
// number of bars retained.
func (e *Engine) LoadData(symbol string, bars []Bar) int {
	kept := make([]Bar, 0, len(bars))
	for _, bar := range bars {
		if !e.cfg.StartDate.IsZero() && bar.Timestamp.Before(e.cfg.StartDate) {
			continue
		}
		if !e.cfg.EndDate.IsZero() && bar.Timestamp.After(e.cfg.EndDate) {
			continue
		}
		kept = append(kept, bar)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	e.data[symbol] = kept

	e.emitter.Emit(EventDataLoaded, DataLoaded{Symbol: symbol, Bars: len(kept)})
	e.logger.Debug("historical data loaded", "symbol", symbol, "bars", len(kept))
	return len(kept)
}

// Run replays the loaded bars through the strategy and returns the result.
// It fails only when no symbol has data; strategy and execution failures
// are recorded in Result.Errors and never abort the replay.
func (e *Engine) Run(strategy Strategy) (*Result, error) {
	timeline := e.timeline()
	if len(timeline) == 0 {
		return nil, ErrNoData
	}

	symbols := e.sortedSymbols()
	state := newRunState(e.cfg)
	cursor := make(map[string]int, len(symbols))

	lastPercent := -1
	for i, ts := range timeline {
		tick := &Tick{
			Timestamp: ts,
			Bars:      make(map[string]Bar, len(symbols)),
			History:   make(map[string][]Bar, len(symbols)),
		}
		for _, sym := range symbols {
			bars := e.data[sym]
			idx := cursor[sym]
			if idx < len(bars) && bars[idx].Timestamp.Equal(ts) {
				tick.Bars[sym] = bars[idx]
				cursor[sym] = idx + 1
			}
			// Full slice expression: an append by the strategy must not
			// overwrite the engine's future bars.
			if n := cursor[sym]; n > 0 {
				tick.History[sym] = bars[:n:n]
			}
		}

		state.markToMarket(tick.Bars)
		tick.Portfolio = state.snapshotPortfolio()

		for _, signal := range e.invokeStrategy(strategy, tick, state) {
			if trade, err := state.execute(ts, signal, tick.Bars); err != nil {
				state.recordError(ts, err)
			} else {
				e.emitter.Emit(EventTrade, trade)
			}
		}

		snapshot := state.takeSnapshot(ts)
		e.emitter.Emit(EventSnapshot, snapshot)

		if percent := (i + 1) * 100 / len(timeline); percent > lastPercent {
			lastPercent = percent
			e.emitter.Emit(EventProgress, Progress{
				Completed: i + 1,
				Total:     len(timeline),
				Percent:   float64(percent),
			})
		}
	}

	result := &Result{
		Trades:         state.trades,
		DailySnapshots: state.snapshots,
		FinalPortfolio: state.snapshotPortfolio(),
		Metrics:        computeMetrics(e.cfg.InitialCapital, state.snapshots, state.trades),
		Errors:         state.errors,
	}
	e.emitter.Emit(EventComplete, result)
	e.logger.Info("backtest complete",
		"bars", len(timeline),
		"trades", len(result.Trades),
		"errors", len(result.Errors),
		"total_return", result.Metrics.TotalReturn)
	return result, nil
}

// invokeStrategy calls the strategy with panic recovery; a panic becomes a
// recorded run error and yields no signals.
func (e *Engine) invokeStrategy(strategy Strategy, tick *Tick, state *runState) (signals []Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked",
				"timestamp", tick.Timestamp,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			state.recordError(tick.Timestamp, fmt.Errorf("strategy panicked: %v", r))
			signals = nil
		}
	}()
	return strategy(tick)
}

// timeline returns every distinct bar timestamp across loaded symbols,
// ascending.
func (e *Engine) timeline() []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range e.data {
		for _, bar := range bars {
			seen[bar.Timestamp.UnixNano()] = bar.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// sortedSymbols fixes the per-tick iteration order for determinism.
func (e *Engine) sortedSymbols() []string {
	out := make([]string, 0, len(e.data))
	for sym := range e.data {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
