package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/telemetry"
	"github.com/clinic/clinic/internal/platform/websocket"
)

// app holds the long-lived components shared by the serve and holds commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool // nil with the memory store
	rdb     *redis.Client
	kafka   *events.KafkaSink
	hub     *websocket.Hub
	relay   *events.RedisRelay
	bus     *events.Bus
	metrics *telemetry.Metrics
	svc     *scheduling.Service

	checks map[string]db.Check
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		hub:     websocket.NewHub(logger),
		metrics: telemetry.NewMetrics(),
		checks:  make(map[string]db.Check),
	}

	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.relay = events.NewRedisRelay(rdb, a.hub, logger)
		a.checks["redis"] = events.RedisPing(rdb)
		logger.Info().Msg("redis configured: events relayed across instances")
	}

	if brokers := events.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		a.kafka = events.NewKafkaSink(brokers, cfg.KafkaScheduleTopic)
		a.checks["kafka"] = events.KafkaReadyCheck(brokers)
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaScheduleTopic).Msg("kafka schedule stream enabled")
	}

	a.bus = events.NewBus(cfg.EventBuffer, logger, eventSinks(a)...)
	a.metrics.RegisterGauge("websocket_clients", "Connected websocket clients.", func() int64 {
		return int64(a.hub.ClientCount())
	})
	a.metrics.RegisterGauge("schedule_events_dropped", "Events dropped because the buffer was full.", a.bus.Dropped)
	a.metrics.RegisterGauge("schedule_events_failed", "Sink deliveries that returned an error.", a.bus.Failed)

	clock := scheduling.SystemClock(loc)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		a.svc, _ = scheduling.NewMemoryService(a.bus, clock)
		logger.Warn().Msg("using the in-memory store: data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pool = pool
		a.checks["database"] = db.PoolCheck(pool)
		a.metrics.RegisterGauge("db_pool_acquired_connections", "Connections in use.", func() int64 {
			return int64(pool.Stat().AcquiredConns())
		})
		a.metrics.RegisterGauge("db_pool_idle_connections", "Idle pool connections.", func() int64 {
			return int64(pool.Stat().IdleConns())
		})
		a.svc = scheduling.NewService(scheduling.Deps{
			Slots:    scheduling.NewSlotRepoPG(pool),
			Carts:    scheduling.NewCartRepoPG(pool),
			Absences: scheduling.NewAbsenceRepoPG(pool),
			Tx:       db.NewTxRunner(pool),
			Bus:      a.bus,
			Clock:    clock,
		})
		logger.Info().Msg("connected to database")
	}

	return a, nil
}

func (a *app) close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Error().Err(err).Msg("closing kafka writer")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// router builds the echo server: global middleware, public health and
// metrics endpoints, and the authenticated /api/v1 group.
func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware(cfg.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}),
	)))
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.checks))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(a.rateLimit())

	scheduling.NewHandler(a.svc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}

// rateLimit shares one fixed window across instances when Redis is
// configured and falls back to a per-process token bucket otherwise.
func (a *app) rateLimit() echo.MiddlewareFunc {
	rlCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rlCfg.RequestsPerSecond <= 0 || rlCfg.BurstSize <= 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}
	if a.rdb == nil {
		return middleware.RateLimit(rlCfg)
	}
	limiter := middleware.NewRedisLimiter(a.rdb, rlCfg.BurstSize, time.Second, "clinic:rl")
	return middleware.RateLimitWith(limiter, strconv.Itoa(limiter.Limit()), a.logger, true)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
