// Command worker consumes queued jobs and drives them to completion
// through the orchestrator's stage registry.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/leadforge/jobengine/internal/adapter/broker/asynqbroker"
	"github.com/leadforge/jobengine/internal/adapter/broker/redpanda"
	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/adapter/repo/postgres"
	"github.com/leadforge/jobengine/internal/app"
	"github.com/leadforge/jobengine/internal/config"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/domainfinder"
	"github.com/leadforge/jobengine/internal/orchestrator"
	"github.com/leadforge/jobengine/internal/orchestrator/stages"
	"github.com/leadforge/jobengine/internal/profile"
	"github.com/leadforge/jobengine/internal/service/ratelimiter"
	"github.com/leadforge/jobengine/internal/verifier"
)

// distributedVerifierKey is the shared bucket name every worker process
// throttles against, matching the vendor's documented 35 req / 30s window.
const distributedVerifierKey = "verifier:global"

func newBroker(cfg config.Config) (domain.Broker, error) {
	switch cfg.BrokerKind {
	case "redpanda":
		return redpanda.New(cfg.KafkaBrokers, cfg.KafkaGroupID)
	default:
		return asynqbroker.New(cfg.RedisURL, cfg.ConsumerMaxConcurrency)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("broker_kind", cfg.BrokerKind))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	companyRepo := postgres.NewCompanyRepo(pool)

	broker, err := newBroker(cfg)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err), slog.String("kind", cfg.BrokerKind))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker", slog.Any("error", err))
		}
	}()

	finder := domainfinder.New()
	profileClient := profile.New(cfg.ProfileAPIHost, cfg.ProfileAPIKey, finder)

	redisOpt, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url for distributed rate limiter", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := goredis.NewClient(redisOpt)
	distLimiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
		distributedVerifierKey: ratelimiter.NewBucketConfigFromPerMinute(verifier.RateLimitMaxRequests * int(time.Minute/verifier.RateLimitWindow)),
	})
	if err := distLimiter.WarmFromPostgres(ctx); err != nil {
		slog.Warn("failed to warm distributed rate limiter from postgres", slog.Any("error", err))
	}

	baseDelay, _ := cfg.GetVerifierBackoffConfig()
	newVerifier := func() orchestrator.Verifier {
		return verifier.New(cfg.VerifierAPIKey,
			verifier.WithBaseURL(cfg.VerifierBaseURL),
			verifier.WithRetryBaseDelay(baseDelay),
			verifier.WithDistributedLimiter(distLimiter, distributedVerifierKey),
		)
	}

	orch := orchestrator.New(jobRepo, taskRepo, companyRepo, stages.NewRegistry(), newVerifier, profileClient, cfg)

	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, cfg.StuckJobSweepPeriod)
	if sweeper != nil {
		go sweeper.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker consume loop starting")
		errCh <- broker.Consume(ctx, orch.HandleJob)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			slog.Error("broker consume loop exited", slog.Any("error", err))
		}
	}
	slog.Info("worker stopped")
}
