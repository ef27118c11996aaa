package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic scheduling and booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(holdsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(os.Stdout, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func holdsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holds",
		Short: "Manage cart holds",
	}

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Release holds older than the TTL once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
				cfg.HoldTTL = ttl
			}
			if cfg.HoldTTL <= 0 {
				return fmt.Errorf("hold TTL is not set: pass --ttl or HOLD_TTL")
			}
			if cfg.StoreDriver != config.StorePostgres {
				return fmt.Errorf("holds reap needs STORE_DRIVER=%s", config.StorePostgres)
			}
			return reapOnce(cfg, newLogger(cfg))
		},
	}
	reapCmd.Flags().Duration("ttl", 0, "Hold age after which it is released (default HOLD_TTL)")
	cmd.AddCommand(reapCmd)

	return cmd
}

// reapOnce builds the service without the HTTP surface, releases expired
// holds and flushes the resulting events before returning.
func reapOnce(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	busCtx, stopBus := context.WithCancel(ctx)
	go a.bus.Run(busCtx)

	reaper := scheduling.NewHoldReaper(a.svc, cfg.HoldTTL, cfg.HoldReapInterval, logger)
	n, err := reaper.ReapOnce(ctx)

	stopBus()
	<-a.bus.Done()
	if err != nil {
		return fmt.Errorf("reap holds: %w", err)
	}
	fmt.Printf("Released %d expired hold(s).\n", n)
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil && cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.TracingConfig{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRatio:  cfg.OTelSamplingRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.close()

	e := a.router()

	workers, stopWorkers := context.WithCancel(ctx)
	go a.bus.Run(workers)
	if a.relay != nil {
		go a.relay.Run(workers)
	}
	reaper := scheduling.NewHoldReaper(a.svc, cfg.HoldTTL, cfg.HoldReapInterval, logger)
	if reaper.Enabled() {
		go reaper.Run(workers)
		logger.Info().Dur("ttl", cfg.HoldTTL).Dur("interval", cfg.HoldReapInterval).Msg("hold reaper started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Deliver what the last requests published before closing the sinks.
	stopWorkers()
	select {
	case <-a.bus.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("event bus did not drain in time")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Int64("events_dropped", a.bus.Dropped()).Msg("server stopped")
	return nil
}

// eventSinks picks where schedule events go. With Redis configured the hub
// is fed by the relay instead, so local clients are not notified twice.
func eventSinks(a *app) []events.Sink {
	var sinks []events.Sink
	if a.rdb != nil {
		sinks = append(sinks, events.NewRedisSink(a.rdb))
	} else {
		sinks = append(sinks, a.hub)
	}
	if a.kafka != nil {
		sinks = append(sinks, a.kafka)
	}
	return append(sinks, a.metrics)
}
