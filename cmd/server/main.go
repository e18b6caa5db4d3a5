// Command server starts the lead-enrichment job engine's HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/leadforge/jobengine/internal/adapter/httpserver"
	"github.com/leadforge/jobengine/internal/adapter/broker/asynqbroker"
	"github.com/leadforge/jobengine/internal/adapter/broker/redpanda"
	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/adapter/repo/postgres"
	"github.com/leadforge/jobengine/internal/app"
	"github.com/leadforge/jobengine/internal/config"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/usecase"
)

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
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)

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

	jobSvc := usecase.NewJobService(jobRepo, taskRepo, broker)

	dbCheck := func(ctx context.Context) error {
		_, err := jobRepo.Count(ctx)
		return err
	}
	srv := httpserver.NewServer(cfg, jobSvc, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("broker_kind", cfg.BrokerKind))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
