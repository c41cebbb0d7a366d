// The backtest binary runs strategies against stored market data from the
// command line. It can also import bar data and list stored symbols.
//
// Import daily bars from a JSON file:
//
//	backtest -import bars.json -symbol AAPL
//
// Run a strategy and store the result artifact:
//
//	backtest -symbols AAPL -strategy sma-crossover -fast 10 -slow 30 -output aapl-sma
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/config"
	"github.com/tradewind/tradewind/internal/service"
	"github.com/tradewind/tradewind/internal/storage"
	"github.com/tradewind/tradewind/internal/storage/fs"
	"github.com/tradewind/tradewind/internal/storage/gcs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		symbols    = flag.String("symbols", "", "comma-separated symbols to trade")
		strategy   = flag.String("strategy", "buy-and-hold", "strategy: buy-and-hold or sma-crossover")
		quantity   = flag.Float64("quantity", 0, "shares per buy-and-hold entry (0 uses the sizing rule)")
		fast       = flag.Int("fast", 10, "fast SMA window")
		slow       = flag.Int("slow", 30, "slow SMA window")
		start      = flag.String("start", "", "window start, YYYY-MM-DD")
		end        = flag.String("end", "", "window end, YYYY-MM-DD")
		output     = flag.String("output", "", "name for the stored result artifact")
		importPath = flag.String("import", "", "JSON file of bars to import")
		symbol     = flag.String("symbol", "", "symbol for -import")
		list       = flag.Bool("list", false, "list stored symbols and exit")
	)
	flag.Parse()

	cfg, err := config.LoadBacktestConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, closeStore, err := openMarketStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open market store: %w", err)
	}
	defer closeStore()

	switch {
	case *list:
		return listSymbols(ctx, store)
	case *importPath != "":
		return importBars(ctx, store, *importPath, *symbol)
	}

	if *symbols == "" {
		return fmt.Errorf("-symbols is required (or use -import / -list)")
	}

	startDate, endDate, err := parseWindow(*start, *end)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := service.NewBacktestService(store, logger)

	result, err := svc.Run(ctx, service.BacktestRequest{
		Symbols:  splitSymbols(*symbols),
		Strategy: *strategy,
		Quantity: *quantity,
		Fast:     *fast,
		Slow:     *slow,
		Start:    startDate,
		End:      endDate,
		Output:   *output,
		Config: backtest.Config{
			InitialCapital: cfg.InitialCapital,
			Commission:     cfg.Commission,
			Slippage:       cfg.Slippage,
			MaxPositions:   cfg.MaxPositions,
			AllowShorts:    cfg.AllowShorts,
			PositionSizing: backtest.SizingMode(cfg.PositionSizing),
			PositionSize:   cfg.PositionSize,
		},
	})
	if err != nil {
		return err
	}

	printSummary(result)
	return nil
}

func openMarketStore(ctx context.Context, cfg config.MarketStorageConfig) (storage.MarketStore, func(), error) {
	switch cfg.Type {
	case config.StorageGCS:
		store, err := gcs.NewStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := fs.NewStore(cfg.FSDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func listSymbols(ctx context.Context, store storage.MarketStore) error {
	symbols, err := store.ListSymbols(ctx)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		fmt.Println(s)
	}
	return nil
}

func importBars(ctx context.Context, store storage.MarketStore, path, symbol string) error {
	if symbol == "" {
		return fmt.Errorf("-symbol is required with -import")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var bars []backtest.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("%s contains no bars", path)
	}
	if err := store.SaveBars(ctx, symbol, bars); err != nil {
		return err
	}
	fmt.Printf("imported %d bars for %s\n", len(bars), symbol)
	return nil
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse("2006-01-02", start); err != nil {
			return s, e, fmt.Errorf("invalid start date %q: %w", start, err)
		}
	}
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return s, e, fmt.Errorf("invalid end date %q: %w", end, err)
		}
	}
	return s, e, nil
}

func printSummary(result *backtest.Result) {
	m := result.Metrics
	fmt.Printf("Total return:      %8.2f%%\n", m.TotalReturn*100)
	fmt.Printf("Annualized vol:    %8.2f%%\n", m.AnnualizedVolatility*100)
	fmt.Printf("Sharpe ratio:      %8.2f\n", m.SharpeRatio)
	fmt.Printf("Max drawdown:      %8.2f%%\n", m.MaxDrawdown*100)
	fmt.Printf("Trades:            %8d (%d wins / %d losses, %.1f%% win rate)\n",
		m.TotalTrades, m.WinningTrades, m.LosingTrades, m.WinRate*100)
	fmt.Printf("Avg win / loss:    %8.2f / %.2f\n", m.AverageWin, m.AverageLoss)
	fmt.Printf("Profit factor:     %8.2f\n", m.ProfitFactor)
	fmt.Printf("Final equity:      %8.2f\n", result.FinalPortfolio.TotalValue)
	if len(result.Errors) > 0 {
		fmt.Printf("Rejected signals:  %8d\n", len(result.Errors))
	}
}
