package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// runState is the mutable portfolio and bookkeeping of one replay.
type runState struct {
	cfg Config

	cash        float64
	positions   map[string]*Position
	realizedPnL float64

	trades    []Trade
	snapshots []DailySnapshot
	errors    []string

	prevTotal float64
}

func newRunState(cfg Config) *runState {
	return &runState{
		cfg:       cfg,
		cash:      cfg.InitialCapital,
		positions: make(map[string]*Position),
		trades:    []Trade{},
		snapshots: []DailySnapshot{},
		errors:    []string{},
		prevTotal: cfg.InitialCapital,
	}
}

// markToMarket refreshes position prices from the bars present at the
// current timestamp.
func (s *runState) markToMarket(bars map[string]Bar) {
	for sym, pos := range s.positions {
		if bar, ok := bars[sym]; ok {
			pos.CurrentPrice = bar.Close
		}
	}
}

func (s *runState) totalValue() float64 {
	total := s.cash
	for _, pos := range s.positions {
		total += pos.Quantity * pos.CurrentPrice
	}
	return total
}

func (s *runState) unrealizedPnL() float64 {
	total := 0.0
	for _, pos := range s.positions {
		total += pos.UnrealizedPnL()
	}
	return total
}

// snapshotPortfolio returns a value copy of the account state.
func (s *runState) snapshotPortfolio() Portfolio {
	positions := make(map[string]Position, len(s.positions))
	for sym, pos := range s.positions {
		positions[sym] = *pos
	}
	return Portfolio{
		Cash:          s.cash,
		Positions:     positions,
		TotalValue:    s.totalValue(),
		RealizedPnL:   s.realizedPnL,
		UnrealizedPnL: s.unrealizedPnL(),
	}
}

// takeSnapshot appends the end-of-bar daily record.
func (s *runState) takeSnapshot(ts time.Time) *DailySnapshot {
	positions := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	total := s.totalValue()
	snap := DailySnapshot{
		Date:             ts,
		Cash:             s.cash,
		Positions:        positions,
		TotalValue:       total,
		CumulativeReturn: total/s.cfg.InitialCapital - 1,
	}
	if s.prevTotal != 0 {
		snap.DailyReturn = total/s.prevTotal - 1
	}
	s.prevTotal = total
	s.snapshots = append(s.snapshots, snap)
	return &s.snapshots[len(s.snapshots)-1]
}

func (s *runState) recordError(ts time.Time, err error) {
	s.errors = append(s.errors, fmt.Sprintf("%s: %s", ts.Format(time.RFC3339), err))
}

// execute fills one signal against the current bars, or returns a
// rejection error. The reference price is the bar close adjusted for
// slippage; commission is charged on the effective notional.
func (s *runState) execute(ts time.Time, signal Signal, bars map[string]Bar) (*Trade, error) {
	bar, ok := bars[signal.Symbol]
	if !ok {
		return nil, fmt.Errorf("%s %s rejected: no bar at this timestamp", signal.Action, signal.Symbol)
	}

	switch signal.Action {
	case ActionBuy:
		return s.executeBuy(ts, signal, bar)
	case ActionSell:
		return s.executeSell(ts, signal, bar)
	case ActionShort:
		return s.executeShort(ts, signal, bar)
	case ActionCover:
		return s.executeCover(ts, signal, bar)
	default:
		return nil, fmt.Errorf("unknown signal action %q for %s", signal.Action, signal.Symbol)
	}
}

// effectivePrice applies slippage against the trade: entries pay up,
// exits receive less.
func (s *runState) effectivePrice(action Action, close float64) float64 {
	switch action {
	case ActionBuy, ActionCover:
		return close * (1 + s.cfg.Slippage)
	default:
		return close * (1 - s.cfg.Slippage)
	}
}

// sizeSignal resolves the fill quantity of a signal that omitted one.
func (s *runState) sizeSignal(signal Signal, price float64) (float64, error) {
	if signal.Quantity > 0 {
		return signal.Quantity, nil
	}
	switch s.cfg.PositionSizing {
	case SizingFixed:
		return s.cfg.PositionSize, nil
	case SizingPercent:
		return math.Floor(s.totalValue() * s.cfg.PositionSize / price), nil
	case SizingRisk:
		if signal.StopPrice <= 0 {
			return 0, fmt.Errorf("risk sizing for %s requires a stop price", signal.Symbol)
		}
		distance := math.Abs(price - signal.StopPrice)
		if distance == 0 {
			return 0, fmt.Errorf("risk sizing for %s has zero stop distance", signal.Symbol)
		}
		return math.Floor(s.cfg.PositionSize / distance), nil
	default:
		return 0, fmt.Errorf("%s signal for %s omitted quantity with no sizing rule", signal.Action, signal.Symbol)
	}
}

// openPositionCount counts open symbols, optionally excluding one.
func (s *runState) openPositionCount(excluding string) int {
	count := 0
	for sym, pos := range s.positions {
		if sym != excluding && pos.Quantity != 0 {
			count++
		}
	}
	return count
}

func (s *runState) executeBuy(ts time.Time, signal Signal, bar Bar) (*Trade, error) {
	if pos := s.positions[signal.Symbol]; pos != nil && pos.Quantity < 0 {
		return nil, fmt.Errorf("buy %s rejected: short position open, cover first", signal.Symbol)
	}
	if s.openPositionCount(signal.Symbol) >= s.cfg.MaxPositions {
		return nil, fmt.Errorf("buy %s rejected: max positions (%d) reached", signal.Symbol, s.cfg.MaxPositions)
	}

	price := s.effectivePrice(ActionBuy, bar.Close)
	quantity, err := s.sizeSignal(signal, price)
	if err != nil {
		return nil, err
	}

	// Cap to affordability: price*q*(1+commission) <= cash.
	affordable := math.Floor(s.cash / (price * (1 + s.cfg.Commission)))
	if quantity > affordable {
		quantity = affordable
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("buy %s rejected: insufficient cash for any quantity", signal.Symbol)
	}

	commission := price * quantity * s.cfg.Commission
	s.cash -= price*quantity + commission

	pos := s.positions[signal.Symbol]
	if pos == nil {
		s.positions[signal.Symbol] = &Position{
			Symbol:       signal.Symbol,
			Quantity:     quantity,
			AvgCost:      price,
			CurrentPrice: bar.Close,
		}
	} else {
		total := pos.Quantity + quantity
		pos.AvgCost = (pos.AvgCost*pos.Quantity + price*quantity) / total
		pos.Quantity = total
		pos.CurrentPrice = bar.Close
	}

	return s.appendTrade(ts, signal, ActionBuy, price, quantity, commission, bar.Close, 0), nil
}

func (s *runState) executeSell(ts time.Time, signal Signal, bar Bar) (*Trade, error) {
	pos := s.positions[signal.Symbol]
	if pos == nil || pos.Quantity <= 0 {
		return nil, fmt.Errorf("sell %s rejected: no long position", signal.Symbol)
	}

	price := s.effectivePrice(ActionSell, bar.Close)
	quantity, err := s.sizeSignal(signal, price)
	if err != nil {
		return nil, err
	}
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("sell %s rejected: zero quantity", signal.Symbol)
	}

	commission := price * quantity * s.cfg.Commission
	s.cash += price*quantity - commission

	pnl := (price - pos.AvgCost) * quantity
	s.realizedPnL += pnl

	pos.Quantity -= quantity
	pos.CurrentPrice = bar.Close
	if pos.Quantity == 0 {
		delete(s.positions, signal.Symbol)
	}

	return s.appendTrade(ts, signal, ActionSell, price, quantity, commission, bar.Close, pnl), nil
}

func (s *runState) executeShort(ts time.Time, signal Signal, bar Bar) (*Trade, error) {
	if !s.cfg.AllowShorts {
		return nil, fmt.Errorf("short %s rejected: shorting disabled", signal.Symbol)
	}
	if pos := s.positions[signal.Symbol]; pos != nil && pos.Quantity > 0 {
		return nil, fmt.Errorf("short %s rejected: long position open", signal.Symbol)
	}
	if s.openPositionCount(signal.Symbol) >= s.cfg.MaxPositions {
		return nil, fmt.Errorf("short %s rejected: max positions (%d) reached", signal.Symbol, s.cfg.MaxPositions)
	}

	price := s.effectivePrice(ActionShort, bar.Close)
	quantity, err := s.sizeSignal(signal, price)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("short %s rejected: zero quantity", signal.Symbol)
	}

	commission := price * quantity * s.cfg.Commission
	s.cash += price*quantity - commission

	pos := s.positions[signal.Symbol]
	if pos == nil {
		s.positions[signal.Symbol] = &Position{
			Symbol:       signal.Symbol,
			Quantity:     -quantity,
			AvgCost:      price,
			CurrentPrice: bar.Close,
		}
	} else {
		total := pos.Quantity - quantity
		pos.AvgCost = (pos.AvgCost*(-pos.Quantity) + price*quantity) / -total
		pos.Quantity = total
		pos.CurrentPrice = bar.Close
	}

	return s.appendTrade(ts, signal, ActionShort, price, quantity, commission, bar.Close, 0), nil
}

func (s *runState) executeCover(ts time.Time, signal Signal, bar Bar) (*Trade, error) {
	if !s.cfg.AllowShorts {
		return nil, fmt.Errorf("cover %s rejected: shorting disabled", signal.Symbol)
	}
	pos := s.positions[signal.Symbol]
	if pos == nil || pos.Quantity >= 0 {
		return nil, fmt.Errorf("cover %s rejected: no short position", signal.Symbol)
	}

	price := s.effectivePrice(ActionCover, bar.Close)
	quantity, err := s.sizeSignal(signal, price)
	if err != nil {
		return nil, err
	}
	if held := -pos.Quantity; quantity > held {
		quantity = held
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("cover %s rejected: zero quantity", signal.Symbol)
	}

	commission := price * quantity * s.cfg.Commission
	s.cash -= price*quantity + commission

	pnl := (pos.AvgCost - price) * quantity
	s.realizedPnL += pnl

	pos.Quantity += quantity
	pos.CurrentPrice = bar.Close
	if pos.Quantity == 0 {
		delete(s.positions, signal.Symbol)
	}

	return s.appendTrade(ts, signal, ActionCover, price, quantity, commission, bar.Close, pnl), nil
}

func (s *runState) appendTrade(ts time.Time, signal Signal, action Action, price, quantity, commission, close float64, pnl float64) *Trade {
	s.trades = append(s.trades, Trade{
		Timestamp:  ts,
		Symbol:     signal.Symbol,
		Action:     action,
		Price:      price,
		Quantity:   quantity,
		Commission: commission,
		Slippage:   math.Abs(price-close) * quantity,
		PnL:        pnl,
		Reason:     signal.Reason,
	})
	return &s.trades[len(s.trades)-1]
}
