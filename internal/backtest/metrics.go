package backtest

import "math"

// tradingDaysPerYear annualizes daily return statistics.
const tradingDaysPerYear = 252

// computeMetrics derives the summary metrics from the snapshot series and
// the trade log.
func computeMetrics(initialCapital float64, snapshots []DailySnapshot, trades []Trade) Metrics {
	m := Metrics{TotalTrades: len(trades)}
	if len(snapshots) > 0 {
		final := snapshots[len(snapshots)-1].TotalValue
		m.TotalReturn = final/initialCapital - 1
	}

	returns := make([]float64, 0, len(snapshots))
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].TotalValue
		if prev != 0 {
			returns = append(returns, snapshots[i].TotalValue/prev-1)
		}
	}

	meanReturn := mean(returns)
	vol := stdev(returns, meanReturn)
	m.AnnualizedVolatility = vol * math.Sqrt(tradingDaysPerYear)
	if m.AnnualizedVolatility != 0 {
		m.SharpeRatio = meanReturn * tradingDaysPerYear / m.AnnualizedVolatility
	}

	m.MaxDrawdown = maxDrawdown(snapshots)
	fillTradeStats(&m, trades)
	return m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the population standard deviation.
func stdev(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// maxDrawdown is the largest peak-to-trough decline of total value over
// the snapshot series, as a fraction of the running peak.
func maxDrawdown(snapshots []DailySnapshot) float64 {
	peak, worst := 0.0, 0.0
	for _, snap := range snapshots {
		if snap.TotalValue > peak {
			peak = snap.TotalValue
		}
		if peak > 0 {
			if dd := (peak - snap.TotalValue) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// fillTradeStats derives win/loss statistics from closing fills.
func fillTradeStats(m *Metrics, trades []Trade) {
	var sumWins, sumLosses float64
	closed := 0
	for _, trade := range trades {
		if trade.Action != ActionSell && trade.Action != ActionCover {
			continue
		}
		closed++
		switch {
		case trade.PnL > 0:
			m.WinningTrades++
			sumWins += trade.PnL
		case trade.PnL < 0:
			m.LosingTrades++
			sumLosses += -trade.PnL
		}
	}

	if closed > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closed)
	}
	if m.WinningTrades > 0 {
		m.AverageWin = sumWins / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = sumLosses / float64(m.LosingTrades)
	}
	if sumLosses > 0 {
		m.ProfitFactor = sumWins / sumLosses
	} else {
		// No losing trades: report gross wins to keep the value finite.
		m.ProfitFactor = sumWins
	}
}
