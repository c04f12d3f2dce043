package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/nonceledger/internal/clock"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/handler"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"github.com/jmerrifield20/nonceledger/internal/journal"
	"github.com/jmerrifield20/nonceledger/internal/reward"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "nonceledger.settlementd"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("settlementd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("settlementd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "settlementd")
	viper.SetDefault("auth.token_ttl_seconds", 3600)
	viper.SetDefault("engine.admin", "")
	viper.SetDefault("ledger.identity", "0xintentledger")
	viper.SetDefault("ledger.executor", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("events.retention", events.DefaultRetention)
	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject_prefix", "settlement")
	viper.SetDefault("reward.webhook_url", "")
	viper.SetDefault("reward.webhook_secret", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Journal ──────────────────────────────────────────────────────────────
	var jnl journal.Journal
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		jnl = journal.NewPostgres(db, logger)
	} else {
		logger.Info("journal: in-memory (set database.url to persist)")
		jnl = journal.NewMemory()
	}

	baseEntries, err := jnl.Len(ctx)
	if err != nil {
		return fmt.Errorf("journal length: %w", err)
	}
	if err := jnl.Verify(ctx); err != nil {
		logger.Warn("journal integrity check FAILED", zap.Error(err))
	} else {
		root, _ := jnl.Root(ctx)
		logger.Info("journal verified", zap.Int("entries", baseEntries), zap.String("root", root))
	}

	// ── Event log and sinks ──────────────────────────────────────────────────
	eventLog := events.NewLog(logger, events.WithRetention(viper.GetInt("events.retention")))

	journalSink := journal.NewSink(jnl, logger)
	journalSink.SetAppendRecorder(handler.RecordJournalAppend)
	sinks := []events.Sink{events.NewLogSink(logger), journalSink, handler.NewMetricsSink()}

	if natsURL := viper.GetString("nats.url"); natsURL != "" {
		nc, err := nats.Connect(natsURL,
			nats.Name("settlementd"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Drain() //nolint:errcheck
		sinks = append(sinks, events.NewNATSPublisher(nc, viper.GetString("nats.subject_prefix")))
		logger.Info("publishing events to nats", zap.String("url", natsURL))
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := eventLog.Run(ctx, sinks...); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event dispatcher stopped", zap.Error(err))
		}
	}()

	// ── Core ─────────────────────────────────────────────────────────────────
	admin := identity.Address(viper.GetString("engine.admin"))
	ledgerID := identity.Address(viper.GetString("ledger.identity"))
	executor := identity.Address(viper.GetString("ledger.executor"))

	clk := clock.New()
	engine, err := settlement.New(admin, logger,
		settlement.WithClock(clk),
		settlement.WithEmitter(eventLog),
	)
	if err != nil {
		return fmt.Errorf("settlement engine (engine.admin): %w", err)
	}
	var (
		notifier intent.RewardNotifier
		webhook  *reward.WebhookNotifier
	)
	if hookURL := viper.GetString("reward.webhook_url"); hookURL != "" {
		wh := reward.NewWebhookNotifier(hookURL, viper.GetString("reward.webhook_secret"), logger)
		wh.SetMetricsRecorder(handler.RecordRewardDelivery)
		notifier, webhook = wh, wh
		logger.Info("reward webhook configured", zap.String("url", hookURL))
	} else {
		notifier = reward.NewNoopNotifier(logger)
		logger.Info("reward notifier: noop (set reward.webhook_url to enable)")
	}

	ledger, err := intent.New(intent.Config{Identity: ledgerID, Executor: executor, Admin: admin},
		engine, logger,
		intent.WithClock(clk),
		intent.WithEmitter(eventLog),
		intent.WithRewardNotifier(notifier),
	)
	if err != nil {
		return fmt.Errorf("intent ledger: %w", err)
	}
	// The ledger creates a branch for every intent it accepts.
	if err := engine.SetAuthorizedCaller(ctx, engine.Admin(), ledger.Identity(), true); err != nil {
		return fmt.Errorf("authorize intent ledger: %w", err)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	var tokens *identity.TokenIssuer
	if secret := viper.GetString("auth.jwt_secret"); secret != "" {
		ttl := time.Duration(viper.GetInt("auth.token_ttl_seconds")) * time.Second
		tokens, err = identity.NewTokenIssuer(secret, viper.GetString("auth.issuer"), ttl)
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
	} else {
		logger.Warn("auth.jwt_secret is empty; callers are taken from the " +
			handler.DevCallerHeader + " header. Do not use in production")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.DevCallerHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetFloat64("server.rate_limit_rps"); rps > 0 {
		limiter := handler.NewRateLimiter(rps, int(rps*2))
		go limiter.Run(ctx)
		router.Use(limiter.Middleware())
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "events": eventLog.Len()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewSettlementHandler(engine, tokens, logger).Register(v1)
	handler.NewIntentHandler(ledger, tokens, logger).Register(v1)
	handler.NewJournalHandler(jnl, logger).Register(v1)
	handler.NewEventsHandler(eventLog, tokens).Register(v1)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("server.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer()
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("settlementd gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("settlementd HTTP listening",
			zap.Int("port", httpPort),
			zap.String("admin", admin.String()),
			zap.String("executor", executor.String()),
			zap.Bool("token_auth", tokens != nil),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down settlementd...")

	healthSvc.Shutdown()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if webhook != nil {
		if err := webhook.Close(shutCtx); err != nil {
			logger.Warn("reward webhook: pending deliveries abandoned", zap.Error(err))
		}
	}

	// Give the dispatcher a bounded window to journal what is already queued.
	drainDeadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(drainDeadline) {
		if n, err := jnl.Len(shutCtx); err != nil || n-baseEntries >= eventLog.Len() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-dispatchDone

	logger.Info("settlementd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
