// Package redpanda implements domain.Broker on top of a Kafka/Redpanda
// topic, for deployments that already run Redpanda as their dispatch
// backbone. It trades the exactly-once transactional machinery a
// higher-stakes pipeline would want for a simple at-least-once
// produce/consume loop, which is all this engine's idempotent job
// handling needs.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/domain"
)

// Topic is the Kafka/Redpanda topic every submitted job is produced to.
const Topic = "lead-engine-jobs"

// Broker implements domain.Broker with a franz-go client shared between
// producing and consuming.
type Broker struct {
	client *kgo.Client
	topic  string
}

// New constructs a Broker against the given seed brokers, tracing records
// through the shared OpenTelemetry tracer provider via kotel.
func New(brokers []string, groupID string) (*Broker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new: no seed brokers provided")
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
	}
	if groupID != "" {
		opts = append(opts,
			kgo.ConsumerGroup(groupID),
			kgo.ConsumeTopics(Topic),
			kgo.AutoCommitMarks(),
			kgo.AutoCommitInterval(time.Second),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new: %w", err)
	}
	return &Broker{client: client, topic: Topic}, nil
}

// Enqueue produces a job id to the dispatch topic, keyed by job id so all
// events for one job land on the same partition and stay ordered.
func (b *Broker) Enqueue(ctx domain.Context, jobID string) error {
	payload, err := json.Marshal(domain.EvaluateTaskPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("op=redpanda.enqueue.marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: b.topic,
		Key:   []byte(jobID),
		Value: payload,
	}
	result := b.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.enqueue.produce: %w", err)
	}
	observability.EnqueueJob("job")
	return nil
}

// Consume polls the dispatch topic and invokes handler for each record,
// marking the record committed once handler returns, whether or not it
// succeeded: a failed job is logged and is not redelivered by this broker.
func (b *Broker) Consume(ctx domain.Context, handler func(ctx domain.Context, jobID string) error) error {
	tracer := otel.Tracer("broker.redpanda")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fetches := b.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("redpanda fetch error", slog.String("topic", e.Topic), slog.Any("error", e.Err))
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			recordCtx, span := tracer.Start(ctx, "redpanda.ProcessRecord")
			defer span.End()

			var payload domain.EvaluateTaskPayload
			if err := json.Unmarshal(record.Value, &payload); err != nil {
				slog.Error("failed to unmarshal job record", slog.Any("error", err))
				b.client.MarkCommitRecords(record)
				return
			}
			if err := handler(recordCtx, payload.JobID); err != nil {
				slog.Error("job handler failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
			}
			b.client.MarkCommitRecords(record)
		})
	}
}

// Close releases the underlying client connection.
func (b *Broker) Close() error {
	b.client.Close()
	return nil
}
