package backtest

// Built-in strategies. Each constructor returns a fresh closure; a
// Strategy instance carries per-run state and must not be shared across
// runs.

// BuyAndHold buys the symbol once on its first available bar and holds
// until the end of the replay. Quantity 0 defers to the sizing rule.
func BuyAndHold(symbol string, quantity float64) Strategy {
	bought := false
	return func(tick *Tick) []Signal {
		if bought {
			return nil
		}
		if _, ok := tick.Bars[symbol]; !ok {
			return nil
		}
		bought = true
		return []Signal{{
			Action:   ActionBuy,
			Symbol:   symbol,
			Quantity: quantity,
			Reason:   "buy and hold entry",
		}}
	}
}

// SMACrossover trades the fast/slow simple-moving-average crossover on one
// symbol: a golden cross buys, a death cross closes the position. Sizing
// of the entry defers to the configured rule.
func SMACrossover(symbol string, fast, slow int) Strategy {
	if fast < 1 {
		fast = 1
	}
	if slow <= fast {
		slow = fast + 1
	}
	wasAbove := false
	primed := false

	return func(tick *Tick) []Signal {
		history := tick.History[symbol]
		if len(history) < slow {
			return nil
		}

		fastAvg := smaClose(history, fast)
		slowAvg := smaClose(history, slow)
		above := fastAvg > slowAvg
		defer func() { wasAbove, primed = above, true }()

		if !primed {
			return nil
		}

		pos, holding := tick.Portfolio.Positions[symbol]
		if above && !wasAbove && !holding {
			return []Signal{{
				Action: ActionBuy,
				Symbol: symbol,
				Reason: "sma golden cross",
			}}
		}
		if !above && wasAbove && holding && pos.Quantity > 0 {
			return []Signal{{
				Action:   ActionSell,
				Symbol:   symbol,
				Quantity: pos.Quantity,
				Reason:   "sma death cross",
			}}
		}
		return nil
	}
}

// smaClose averages the closing prices of the last n bars.
func smaClose(bars []Bar, n int) float64 {
	sum := 0.0
	for _, bar := range bars[len(bars)-n:] {
		sum += bar.Close
	}
	return sum / float64(n)
}
