package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bundl/bundl/internal/audit"
	"github.com/bundl/bundl/internal/auth"
	"github.com/bundl/bundl/internal/config"
	"github.com/bundl/bundl/internal/httpserver"
	"github.com/bundl/bundl/internal/platform"
	"github.com/bundl/bundl/internal/telemetry"
	"github.com/bundl/bundl/pkg/credit"
	"github.com/bundl/bundl/pkg/iap"
	"github.com/bundl/bundl/pkg/notify"
	"github.com/bundl/bundl/pkg/order"
	"github.com/bundl/bundl/pkg/user"
)

// iapIdempotencyTTL bounds how long a processed IAP transaction ID is
// remembered; comfortably longer than any documented retry window.
const iapIdempotencyTTL = 7 * 24 * time.Hour

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting bundl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildDomain wires the order engine and its collaborators shared by both
// the api and worker processes.
func buildDomain(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*order.Engine, *order.Cache, *notify.Dispatcher, *audit.Writer) {
	ledger := credit.NewLedger(db)

	auditWriter := audit.NewWriter(db, logger)

	var push notify.PushProvider
	if cfg.PushProviderURL != "" {
		push = notify.NewHTTPPushProvider(cfg.PushProviderURL, cfg.PushProviderAPIKey)
	} else {
		push = notify.NoopPushProvider{Logger: logger}
		logger.Info("push notifications disabled (PUSH_PROVIDER_URL not set)")
	}

	var ops *notify.OpsAlerter
	if cfg.SlackBotToken != "" && cfg.SlackOpsChannel != "" {
		ops = notify.NewOpsAlerter(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
		logger.Info("ops alerting enabled", "channel", cfg.SlackOpsChannel)
	} else {
		ops = notify.NewOpsAlerter("", "", logger)
		logger.Info("ops alerting disabled (SLACK_BOT_TOKEN/SLACK_OPS_CHANNEL not set)")
	}

	dispatcher := notify.NewDispatcher(push, ops, auditWriter, logger)

	orderStore := order.NewStore(db)
	orderCache := order.NewCache(rdb, cfg.CachePrefix)
	users := user.NewService(db, logger)

	engine := order.NewEngine(orderStore, orderCache, ledger, dispatcher, users, logger, order.Config{
		CreditCostPerAction: cfg.CreditCostPerAction,
		DefaultExpiry:       time.Duration(cfg.DefaultOrderExpirySeconds) * time.Second,
		OrderMinAmount:      cfg.OrderMinAmount,
		PledgeMinAmount:     cfg.PledgeMinAmount,
	})

	return engine, orderCache, dispatcher, auditWriter
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	engine, _, dispatcher, auditWriter := buildDomain(cfg, logger, db, rdb)

	auditWriter.Start(ctx)
	defer auditWriter.Close()
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	ledger := credit.NewLedger(db)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, db, rdb, metricsReg)

	verifier := auth.NewTokenVerifier(cfg.TokenSecret)
	authMiddleware := auth.Middleware(verifier, rdb, cfg.BlacklistSetKey, logger)

	srv.APIRouter.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		orderHandler := order.NewHandler(engine, logger)
		r.Mount("/orders", orderHandler.Routes())
	})

	idempotency := iap.NewIdempotencyStore(rdb, cfg.CachePrefix, iapIdempotencyTTL)
	iapHandler := iap.NewHandler(ledger, idempotency, cfg.IAPWebhookSecret, logger)
	srv.APIRouter.Mount("/iap", iapHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker hosts the background pieces that are not part of the HTTP
// request path: the expiry watcher (subscribed to Redis keyspace
// notifications) and the boot-time reconciliation scan.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	engine, orderCache, dispatcher, auditWriter := buildDomain(cfg, logger, db, rdb)

	auditWriter.Start(ctx)
	defer auditWriter.Close()
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	logger.Info("running boot-time reconciliation")
	if err := engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling orders at boot: %w", err)
	}

	watcher := order.NewWatcher(rdb, orderCache, cfg.ExpiredChannel, logger, engine.HandleExpiry)

	logger.Info("worker started, watching for order expiry")
	return watcher.Run(ctx)
}
