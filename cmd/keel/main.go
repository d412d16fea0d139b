// Command keel runs the Binance USDⓈ-M futures order and position state
// client: it pumps the user data stream, reconciles the ledgers, and
// journals every accepted event.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelworks/keel/internal/bus"
	"github.com/keelworks/keel/internal/config"
	"github.com/keelworks/keel/internal/core"
	"github.com/keelworks/keel/internal/journal"
	journalpg "github.com/keelworks/keel/internal/journal/postgres"
	"github.com/keelworks/keel/internal/normalizer"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/reconcile"
	"github.com/keelworks/keel/internal/transport/binance"
	libtelemetry "github.com/keelworks/keel/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewStdLogger(*verbose)
	observability.SetLogger(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", observability.F("error", err))
		os.Exit(1)
	}
	logger.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("rest", cfg.Binance.RESTBaseURL),
		observability.F("stream", cfg.Binance.StreamBaseURL))

	_, telemetryShutdown, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err))
		os.Exit(1)
	}

	norm := normalizer.NewBinance()
	rest := binance.NewRESTClient(binance.RESTConfig{
		BaseURL:           cfg.Binance.RESTBaseURL,
		APIKey:            cfg.Binance.Credentials.APIKey,
		APISecret:         cfg.Binance.Credentials.APISecret,
		RecvWindow:        cfg.Binance.RecvWindow,
		Timeout:           cfg.Binance.HTTPTimeout,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
	}, norm.Sequence)
	stream := binance.NewUserDataStream(binance.StreamConfig{
		BaseURL:           cfg.Binance.StreamBaseURL,
		KeepAliveInterval: cfg.Binance.KeepAliveInterval,
	}, rest)

	jnl, err := buildJournal(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("initialise journal", observability.F("error", err))
		os.Exit(1)
	}

	app := core.New(core.Deps{
		Normalizer: norm,
		Stream:     stream,
		Source:     rest,
		Transport:  rest,
		Journal:    jnl,
		Reconcile:  reconcile.Config{MaxBufferedEvents: cfg.Reconcile.MaxBufferedEvents},
		Bus: bus.MemoryConfig{
			BufferSize:    cfg.Bus.BufferSize,
			FanoutWorkers: cfg.Bus.FanoutWorkers,
		},
	})

	logger.Info("keel started; awaiting shutdown signal")
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stream pump terminated", observability.F("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", observability.F("error", err))
	}
	logger.Info("keel stopped")
}

// buildJournal selects the journal backend: postgres when a DSN is
// configured, otherwise the bounded in-memory journal.
func buildJournal(ctx context.Context, cfg config.JournalConfig, logger *observability.StdLogger) (journal.Journal, error) {
	if cfg.PostgresDSN == "" {
		logger.Info("journaling in memory", observability.F("limit", cfg.MemoryLimit))
		return journal.NewMemory(cfg.MemoryLimit), nil
	}
	if err := journalpg.Migrate(ctx, cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}
	return journalpg.NewStore(pool), nil
}
