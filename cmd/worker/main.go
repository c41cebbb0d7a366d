// The worker binary runs the workflow queue and the scheduler. Scheduled
// workflows are executed by enqueueing jobs, so everything the scheduler
// fires flows through the same priority, retry, and persistence machinery
// as directly submitted work.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/config"
	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/persistence/postgres"
	"github.com/tradewind/tradewind/internal/persistence/sqlite"
	"github.com/tradewind/tradewind/internal/queue"
	"github.com/tradewind/tradewind/internal/scheduler"
	"github.com/tradewind/tradewind/internal/service"
	"github.com/tradewind/tradewind/internal/storage"
	"github.com/tradewind/tradewind/internal/storage/fs"
	"github.com/tradewind/tradewind/internal/storage/gcs"
	"github.com/tradewind/tradewind/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{
		ServiceName: "tradewind-worker",
		Environment: cfg.Observability.Env,
		Endpoint:    cfg.Observability.OTelEndpoint,
		Insecure:    cfg.Observability.Env != "prod",
		Enabled:     cfg.Observability.OTelEnabled,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting tradewind worker",
		"env", cfg.Observability.Env,
		"backend", cfg.Persistence.Backend,
		"queue", cfg.Queue.Name)

	gw, closeGateway, err := openGateway(ctx, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("failed to open persistence gateway: %w", err)
	}
	defer closeGateway()

	q := newQueue(cfg, gw, logger)

	sched, err := newScheduler(ctx, cfg, gw, q, logger)
	if err != nil {
		return err
	}

	if gw != nil {
		if err := q.LoadFromDatabase(ctx); err != nil {
			return fmt.Errorf("failed to rehydrate queue: %w", err)
		}
	}

	if err := registerHandlers(ctx, q, logger); err != nil {
		return err
	}

	q.Start()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.InfoContext(ctx, "worker running", "concurrency", cfg.Queue.Concurrency)

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down")

	// Stop the trigger sources first so no new work arrives while draining.
	sched.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if err := q.Drain(drainCtx); err != nil {
		slog.WarnContext(drainCtx, "queue drain timed out, stopping anyway", "error", err)
	}
	q.Stop()

	slog.InfoContext(drainCtx, "worker shut down gracefully")
	return nil
}

// gateway is the durable store shared by the queue and the scheduler. Both
// PostgreSQL and SQLite stores satisfy it.
type gateway interface {
	queue.Store
	scheduler.Store
}

func openGateway(ctx context.Context, cfg config.PersistenceConfig) (gateway, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
			DSN:          cfg.PostgresDSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendSQLite:
		store, err := sqlite.NewStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func newQueue(cfg *config.WorkerConfig, gw gateway, logger *slog.Logger) *queue.Queue {
	opts := []queue.Option{queue.WithLogger(logger)}
	if gw != nil {
		opts = append(opts, queue.WithStore(gw))
	}
	return queue.New(queue.Config{
		Name:               cfg.Queue.Name,
		Concurrency:        cfg.Queue.Concurrency,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		StallInterval:      cfg.Queue.StallInterval,
		StallTimeout:       cfg.Queue.StallTimeout,
		Persistent:         gw != nil,
	}, opts...)
}

// workflowRequest is the payload a schedule carries. The scheduler hands it
// to the runner, which enqueues the named job.
type workflowRequest struct {
	Job      string          `json:"job"`
	Priority string          `json:"priority,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func newScheduler(ctx context.Context, cfg *config.WorkerConfig, gw gateway, q *queue.Queue, logger *slog.Logger) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{scheduler.WithLogger(logger)}
	if gw != nil {
		opts = append(opts, scheduler.WithStore(gw))
	}
	sched, err := scheduler.New(scheduler.Config{
		Timezone:            cfg.Scheduler.Timezone,
		MaxGlobalConcurrent: cfg.Scheduler.MaxGlobalConcurrent,
		DefaultRetryOnFail:  cfg.Scheduler.DefaultRetryOnFail,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	sched.SetWorkflowRunner(func(ctx context.Context, request json.RawMessage) (string, error) {
		var req workflowRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return "", fmt.Errorf("invalid workflow request: %w", err)
		}
		if req.Job == "" {
			return "", fmt.Errorf("workflow request names no job")
		}
		job, err := q.Add(ctx, req.Job, req.Data, queue.WithPriority(parsePriority(req.Priority)))
		if err != nil {
			return "", err
		}
		return job.ID, nil
	})

	return sched, nil
}

func parsePriority(s string) domain.Priority {
	switch s {
	case "critical":
		return domain.PriorityCritical
	case "high":
		return domain.PriorityHigh
	case "low":
		return domain.PriorityLow
	default:
		return domain.PriorityNormal
	}
}

// backtestJobRequest is the payload of a backtest.run job. Dates use
// YYYY-MM-DD; empty dates leave the window open on that side.
type backtestJobRequest struct {
	Symbols  []string `json:"symbols"`
	Strategy string   `json:"strategy"`
	Quantity float64  `json:"quantity,omitempty"`
	Fast     int      `json:"fast,omitempty"`
	Slow     int      `json:"slow,omitempty"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	Output   string   `json:"output,omitempty"`
}

type backtestJobResult struct {
	Output      string  `json:"output,omitempty"`
	TotalReturn float64 `json:"total_return"`
	TotalTrades int     `json:"total_trades"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// registerHandlers wires the built-in job types. backtest.run executes a
// strategy against the configured market data store.
func registerHandlers(ctx context.Context, q *queue.Queue, logger *slog.Logger) error {
	btCfg, err := config.LoadBacktestConfig()
	if err != nil {
		return fmt.Errorf("failed to load backtest config: %w", err)
	}

	marketStore, err := openMarketStore(ctx, btCfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open market store: %w", err)
	}
	svc := service.NewBacktestService(marketStore, logger)

	q.Register("backtest.run", func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		var req backtestJobRequest
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return nil, fmt.Errorf("invalid backtest request: %w", err)
		}

		start, end, err := parseWindow(req.Start, req.End)
		if err != nil {
			return nil, err
		}

		result, err := svc.Run(ctx, service.BacktestRequest{
			Symbols:  req.Symbols,
			Strategy: req.Strategy,
			Quantity: req.Quantity,
			Fast:     req.Fast,
			Slow:     req.Slow,
			Start:    start,
			End:      end,
			Output:   req.Output,
			Config:   engineConfig(btCfg),
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(backtestJobResult{
			Output:      req.Output,
			TotalReturn: result.Metrics.TotalReturn,
			TotalTrades: result.Metrics.TotalTrades,
			SharpeRatio: result.Metrics.SharpeRatio,
			MaxDrawdown: result.Metrics.MaxDrawdown,
		})
	})

	return nil
}

func openMarketStore(ctx context.Context, cfg config.MarketStorageConfig) (storage.MarketStore, error) {
	switch cfg.Type {
	case config.StorageGCS:
		return gcs.NewStore(ctx, cfg.GCSBucket)
	default:
		return fs.NewStore(cfg.FSDir)
	}
}

func engineConfig(cfg *config.BacktestConfig) backtest.Config {
	return backtest.Config{
		InitialCapital: cfg.InitialCapital,
		Commission:     cfg.Commission,
		Slippage:       cfg.Slippage,
		MaxPositions:   cfg.MaxPositions,
		AllowShorts:    cfg.AllowShorts,
		PositionSizing: backtest.SizingMode(cfg.PositionSizing),
		PositionSize:   cfg.PositionSize,
	}
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
