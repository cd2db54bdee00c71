package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/api"
	"github.com/TimurManjosov/gopolicy/internal/audit"
	"github.com/TimurManjosov/gopolicy/internal/auth"
	"github.com/TimurManjosov/gopolicy/internal/config"
	mydb "github.com/TimurManjosov/gopolicy/internal/db"
	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/fixtures"
	"github.com/TimurManjosov/gopolicy/internal/logging"
	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/store"
	"github.com/TimurManjosov/gopolicy/internal/telemetry"
	"github.com/TimurManjosov/gopolicy/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	validator := validation.NewSourceValidator(logger, engine.WithCostLimit(cfg.CELCostLimit))

	// The file store reports disk edits before the service exists.
	var svcRef atomic.Pointer[policy.Service]
	st, err := store.NewStore(ctx, cfg.StoreType, store.Options{
		DSN:      cfg.DatabaseDSN,
		RulesDir: cfg.RulesDir,
		Logger:   logger,
		OnChange: func(id string, oldVersion int, _ bool) {
			if svc := svcRef.Load(); svc != nil {
				svc.InvalidateRule(id, oldVersion)
			}
		},
		Check: validator.CheckRule,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	if cfg.StoreType == "memory" {
		if err := seed(ctx, st, logger); err != nil {
			return err
		}
	}

	// audit
	sink, pool, err := newAuditSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	auditSvc := audit.NewService(sink, logger, audit.Options{QueueSize: cfg.AuditQueueSize})
	defer func() {
		if err := auditSvc.Close(); err != nil {
			logger.Warn("audit shutdown", zap.Error(err))
		}
	}()

	var retention *audit.Retention
	if purger, ok := sink.(audit.Purger); ok && cfg.AuditRetentionDays > 0 {
		retention = audit.NewRetention(purger, cfg.RetentionPeriod(), cfg.AuditRetentionCron, logger)
		if err := retention.Start(); err != nil {
			return fmt.Errorf("audit retention: %w", err)
		}
		defer retention.Stop()
	}

	// engine
	cache := engine.NewCache(logger, engine.WithCostLimit(cfg.CELCostLimit))
	executor := evaluation.NewExecutor(cache, logger, evaluation.Options{
		Timeout:  cfg.EvalTimeout,
		Audit:    auditSvc,
		Observer: telemetry.ObserveEvaluation,
	})
	var reader audit.Reader
	if r, ok := sink.(audit.Reader); ok {
		reader = r
	}
	svc := policy.NewService(st, cache, executor, validator, logger, policy.Options{
		AuditReader: reader,
		ActiveRules: telemetry.ActiveRules,
	})
	svcRef.Store(svc)

	telemetry.Init(
		telemetry.NewCacheCollector(cache.Stats),
		telemetry.NewAuditCollector(auditSvc.Stats),
	)
	svc.RefreshActiveRules(ctx)

	// API server with deps
	srvAPI := api.NewServer(svc, auth.NewAuthenticator(cfg.AdminAPIKey, cfg.AdminAPIKeyHash, logger), logger, api.Options{
		RateLimitPerIP: cfg.RateLimitPerIP,
		RequestTimeout: cfg.EvalTimeout + 5*time.Second,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srvAPI.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreType))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return err
	}
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metricsSrv.Shutdown(ctxShut)
	logger.Info("stopped")
	return nil
}

// newAuditSink builds the sink named by AUDIT_SINK. The returned pool is
// non-nil only for the postgres sink.
func newAuditSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Sink, *pgxpool.Pool, error) {
	switch cfg.AuditSink {
	case "none":
		return audit.DiscardSink{}, nil, nil
	case "memory":
		return audit.NewMemorySink(), nil, nil
	case "postgres":
		pool, err := mydb.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("audit db: %w", err)
		}
		if err := mydb.Ping(ctx, pool, 5*time.Second); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit db: %w", err)
		}
		return audit.NewPostgresSink(pool), pool, nil
	case "webhook":
		return audit.NewWebhookSink(cfg.AuditWebhookURL, cfg.AuditWebhookSecret, logger, audit.WebhookOptions{}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported audit sink: %s", cfg.AuditSink)
	}
}

// seed loads the sample policies into an empty development store.
func seed(ctx context.Context, st store.Store, logger *zap.Logger) error {
	for _, name := range fixtures.Seedable() {
		r, err := fixtures.Rule("", name)
		if err != nil {
			return err
		}
		created, err := st.CreateRule(ctx, r)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		logger.Info("seeded rule",
			zap.String("id", created.ID),
			zap.String("policy_type", string(created.PolicyType)))
	}
	return nil
}
