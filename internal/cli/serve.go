package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/config"
	"example.com/portfolio-ingest/internal/dedupe"
	"example.com/portfolio-ingest/internal/events"
	"example.com/portfolio-ingest/internal/ingest"
	"example.com/portfolio-ingest/internal/notify"
	"example.com/portfolio-ingest/internal/observability"
	"example.com/portfolio-ingest/internal/ratelimit"
	spg "example.com/portfolio-ingest/internal/storage/postgres"
	transport "example.com/portfolio-ingest/internal/transport/http"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := observability.NewLogger(serviceName, cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply schema migrations before serving")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger, migrate bool) error {
	db, err := spg.Connect(ctx, cfg.Database.URL, spg.Options{
		MaxConns: cfg.Database.MaxConns,
		CACert:   cfg.Database.CACert,
	})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	logger.Info("db connected", zap.Bool("custom_ca", cfg.Database.CACert != ""))

	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		logger.Info("db migrations applied")
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	var stats *ratelimit.StatsBuffer
	if cfg.Redis.URL != "" {
		rdb, err := ratelimit.ConnectRedis(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rs := ratelimit.NewRedisStats(rdb)
		defer func() { _ = rs.Close() }()
		stats = ratelimit.NewStatsBuffer(rs, nil)
		logger.Info("rate limit stats enabled", zap.Duration("flush_interval", cfg.Redis.FlushInterval))
	}

	// Deferred after the sinks above so it runs before they close.
	dispatcher := ingest.NewDispatcher(logger, cfg.Dispatch.QueueSize, cfg.Dispatch.Workers, cfg.Dispatch.TaskTimeout)
	dispatcher.Start()
	defer stopSideEffects(cfg.Server.ShutdownTimeout, dispatcher, stats, logger)

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		stats.Run(statsCtx, cfg.Redis.FlushInterval, logger)
	}()
	defer func() {
		stopStats()
		<-statsDone
	}()

	svc := ingest.NewService(ingest.Deps{
		Store:   spg.NewWriter(db),
		Limiter: ratelimit.New(cfg.RateLimit.Window()),
		Limits: ingest.Limits{
			Contact: cfg.RateLimit.Max,
			Metrics: cfg.RateLimit.MetricsMax(),
		},
		Policy: dedupe.NewPolicy(dedupe.DefaultStrategies, cfg.Dedupe.WindowDurations()),
		Notifier: notify.New(notify.Config{
			APIKey:    cfg.Notify.ResendAPIKey,
			From:      cfg.Notify.From,
			To:        cfg.Notify.To,
			Endpoint:  cfg.Notify.Endpoint,
			PerSecond: cfg.Notify.PerSecond,
		}, logger),
		Publisher:  publisher,
		Stats:      stats,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	deps := &transport.ServerDeps{
		Cfg:     cfg,
		Service: svc,
		DB:      db,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.Strings("cors_origins", cfg.CORS.Origins),
			zap.Int("rate_limit_max", cfg.RateLimit.Max),
			zap.Duration("rate_limit_window", cfg.RateLimit.Window()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// stopSideEffects drains the dispatcher and writes the last stats batch. It
// runs on every exit path of runServe, before publishers and clients close.
func stopSideEffects(timeout time.Duration, d *ingest.Dispatcher, stats *ratelimit.StatsBuffer, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		logger.Warn("side effects still pending at shutdown", zap.Error(err))
	}
	if err := stats.Flush(ctx); err != nil {
		logger.Warn("final rate limit stats flush failed", zap.Error(err))
	}
}

func newPublisher(cfg config.Config, logger *zap.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NewLoggingPublisher(logger), nil
	}
	p, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	logger.Info("event fan-out enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return p, nil
}
