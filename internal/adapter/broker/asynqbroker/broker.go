// Package asynqbroker implements domain.Broker on top of a Redis-backed
// asynq queue, for deployments that don't already run Kafka/Redpanda.
package asynqbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/domain"
)

// TaskProcessJob is the asynq task type name every submitted job is
// enqueued under, regardless of its JobKind — the orchestrator dispatches
// on the payload's JobID once dequeued.
const TaskProcessJob = "process_job"

// Broker implements domain.Broker using asynq.Client for enqueue and
// asynq.Server/ServeMux for consumption.
type Broker struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

// New constructs a Broker against the given redis connection URL.
func New(redisURL string, concurrency int) (*Broker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqbroker.new: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Broker{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{Concurrency: concurrency}),
		mux:    asynq.NewServeMux(),
	}, nil
}

// Enqueue submits a job id for asynchronous processing.
func (b *Broker) Enqueue(ctx domain.Context, jobID string) error {
	payload := domain.EvaluateTaskPayload{JobID: jobID}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=asynqbroker.enqueue.marshal: %w", err)
	}
	task := asynq.NewTask(TaskProcessJob, body)
	if _, err := b.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Retention(24*time.Hour)); err != nil {
		return fmt.Errorf("op=asynqbroker.enqueue: %w", err)
	}
	observability.EnqueueJob("job")
	return nil
}

// Consume registers handler against the process-job task type and runs the
// asynq server until ctx is cancelled.
func (b *Broker) Consume(ctx domain.Context, handler func(ctx domain.Context, jobID string) error) error {
	tracer := otel.Tracer("broker.asynq")
	b.mux.HandleFunc(TaskProcessJob, func(taskCtx context.Context, t *asynq.Task) error {
		taskCtx, span := tracer.Start(taskCtx, "asynqbroker.ProcessJob")
		defer span.End()
		var payload domain.EvaluateTaskPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("op=asynqbroker.consume.unmarshal: %w", err)
		}
		if err := handler(taskCtx, payload.JobID); err != nil {
			slog.Error("job handler failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
			return err
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- b.server.Run(b.mux) }()

	select {
	case <-ctx.Done():
		b.server.Shutdown()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("op=asynqbroker.consume: %w", err)
		}
		return nil
	}
}

// Close releases the underlying client connection.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("op=asynqbroker.close: %w", err)
	}
	return nil
}
