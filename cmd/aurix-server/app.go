package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/aurix/cardio/internal/config"
	"github.com/aurix/cardio/internal/domain/analysis"
	"github.com/aurix/cardio/internal/domain/history"
	"github.com/aurix/cardio/internal/platform/blobstore"
	"github.com/aurix/cardio/internal/platform/chart"
	"github.com/aurix/cardio/internal/platform/db"
	"github.com/aurix/cardio/internal/platform/dsp"
	"github.com/aurix/cardio/internal/platform/reporting"
	"github.com/aurix/cardio/internal/platform/telemetry"
)

// app is the wired service graph shared by the server and the CLI.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	history  *history.Service
	analysis *analysis.Service
	metrics  *telemetry.Metrics
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// newApp creates the reports directory and the ledger, then wires the
// services. Nothing touches disk or the network before this call.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store := blobstore.NewFSStore(cfg.ReportsDir)
	if err := store.Init(); err != nil {
		return nil, err
	}

	var repo history.Repository
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		pc := cfg.Pool()
		pc.ConnectTimeout = 5 * time.Second
		pool, err := db.NewPool(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect to ledger database: %w", err)
		}
		a.pool = pool
		repo = history.NewPGRepository(pool)
		logger.Info().Msg("ledger: postgres")
	default:
		csvRepo := history.NewCSVRepository(cfg.HistoryFile)
		if err := csvRepo.Init(); err != nil {
			return nil, err
		}
		repo = csvRepo
		logger.Info().Str("path", csvRepo.Path()).Msg("ledger: csv")
	}

	memo, err := dsp.NewMemo(cfg.FilterCacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("filter cache: %w", err)
	}

	a.history = history.NewService(repo, store)
	a.analysis = analysis.NewService(
		cfg.Pipeline(),
		memo,
		chart.NewRenderer(cfg.ChartWidth, cfg.ChartHeight),
		reporting.NewRenderer(),
		a.history,
	)

	a.metrics = telemetry.NewMetrics()
	a.metrics.RegisterGauge("cardio_filter_cache_entries", "Filter results held in the memo.", func() float64 {
		return float64(memo.Len())
	})
	a.analysis.SetMetrics(a.metrics)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
