// Package orchestrator drives a Job from dequeue to terminal state: it
// loads the job, transitions it to running, dispatches to the Stage
// registered for its kind, flushes progress, writes the final result, and
// fires the completion webhook.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/config"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/obsctx"
)

// defaultMaxTasksPerRun bounds how many tasks are loaded for a job whose
// total_items wasn't recorded (should not happen in practice, since Create
// always materializes tasks up front, but guards against a malformed job).
const defaultMaxTasksPerRun = 100_000

// Orchestrator is the job state-machine driver: it walks a job through
// queued -> running -> completed/failed, dispatching each job kind to
// its registered Stage and persisting progress as it goes.
type Orchestrator struct {
	Jobs      domain.JobRepository
	Tasks     domain.TaskRepository
	Companies domain.CompanyRepository
	Stages    Registry

	NewVerifier   func() Verifier
	ProfileClient ProfileEnricher

	Cfg config.Config

	httpClient *http.Client
}

// New constructs an Orchestrator.
func New(jobs domain.JobRepository, tasks domain.TaskRepository, companies domain.CompanyRepository,
	stages Registry, newVerifier func() Verifier, profileClient ProfileEnricher, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		Jobs:          jobs,
		Tasks:         tasks,
		Companies:     companies,
		Stages:        stages,
		NewVerifier:   newVerifier,
		ProfileClient: profileClient,
		Cfg:           cfg,
		httpClient:    &http.Client{Timeout: cfg.WebhookTimeout},
	}
}

// HandleJob is the Broker consume handler: it runs one job to completion.
// A returned error causes the broker to apply its own retry policy.
func (o *Orchestrator) HandleJob(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.HandleJob")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Warn("job not found, acknowledging without work", slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("op=orchestrator.handle_job.get: %w", err)
	}

	if isTerminal(job.Status) {
		lg.Info("job already terminal, skipping", slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}

	stage, ok := o.Stages[job.Kind]
	if !ok {
		msg := fmt.Sprintf("no stage registered for job kind %q", job.Kind)
		_ = o.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &msg)
		return fmt.Errorf("op=orchestrator.handle_job: %s", msg)
	}

	if err := o.Jobs.UpdateStatus(ctx, jobID, domain.JobRunning, nil); err != nil {
		return fmt.Errorf("op=orchestrator.handle_job.start: %w", err)
	}
	observability.StartProcessingJob(string(job.Kind))

	limit := job.TotalItems
	if limit <= 0 {
		limit = defaultMaxTasksPerRun
	}
	tasks, err := o.Tasks.ListByJob(ctx, jobID, 0, limit)
	if err != nil {
		return o.fail(ctx, jobID, job.Kind, fmt.Errorf("op=orchestrator.handle_job.list_tasks: %w", err))
	}

	processed, failed, sinceFlush := 0, 0, 0
	flushEvery := o.flushEveryFor(job.Kind)
	flush := func() {
		if err := o.Jobs.UpdateProgress(ctx, jobID, processed, failed); err != nil {
			lg.Error("failed to flush job progress", slog.String("job_id", jobID), slog.Any("error", err))
		}
		sinceFlush = 0
	}
	progress := func(processedDelta, failedDelta int) {
		processed += processedDelta
		failed += failedDelta
		sinceFlush += processedDelta + failedDelta
		if sinceFlush >= flushEvery {
			flush()
		}
	}
	cancelled := func() bool {
		j, err := o.Jobs.Get(ctx, jobID)
		if err != nil {
			return false
		}
		return j.Status == domain.JobCancelled
	}

	rc := &RunContext{
		Job:             job,
		Tasks:           tasks,
		TaskRepo:        o.Tasks,
		CompanyRepo:     o.Companies,
		FlushEvery:      flushEvery,
		ChunkSize:       o.Cfg.ScrapeChunkSize,
		InterChunkDelay: o.Cfg.ScrapeInterChunkDelay,
		NewVerifier:     o.NewVerifier,
		ProfileClient:   o.ProfileClient,
		Progress:        progress,
		Cancelled:       cancelled,
	}

	result, runErr := stage.Run(ctx, rc)
	flush() // always persist whatever progress was made, win or lose

	if errors.Is(runErr, ErrCancelled) {
		lg.Info("job stopped at a cancellation boundary", slog.String("job_id", jobID),
			slog.Int("processed_items", processed), slog.Int("failed_items", failed))
		return nil
	}
	if runErr != nil {
		return o.fail(ctx, jobID, job.Kind, fmt.Errorf("op=orchestrator.handle_job.run: %w", runErr))
	}

	if err := o.Jobs.SetResult(ctx, jobID, result); err != nil {
		lg.Error("failed to persist job result", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if err := o.Jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, nil); err != nil {
		return fmt.Errorf("op=orchestrator.handle_job.complete: %w", err)
	}
	observability.CompleteJob(string(job.Kind))

	if job.WebhookURL != "" {
		o.fireWebhook(ctx, job, processed, failed, result)
	}
	return nil
}

func (o *Orchestrator) fail(ctx domain.Context, jobID string, kind domain.JobKind, cause error) error {
	msg := cause.Error()
	if err := o.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &msg); err != nil {
		obsctx.LoggerFromContext(ctx).Error("failed to record job failure",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
	observability.FailJob(string(kind))
	observability.RecordJobFailureByCode(string(kind), failureCode(cause))
	return cause
}

// failureCode classifies an orchestrator failure against the domain error
// taxonomy so metrics can distinguish vendor outages from internal bugs.
func failureCode(cause error) string {
	switch {
	case errors.Is(cause, domain.ErrUpstreamTimeout):
		return "UPSTREAM_TIMEOUT"
	case errors.Is(cause, domain.ErrUpstreamRateLimit):
		return "UPSTREAM_RATE_LIMIT"
	case errors.Is(cause, domain.ErrSchemaInvalid):
		return "SCHEMA_INVALID"
	case errors.Is(cause, domain.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(cause, domain.ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

func (o *Orchestrator) flushEveryFor(kind domain.JobKind) int {
	if kind == domain.JobKindScrapeProfiles {
		if o.Cfg.ScrapeProgressFlushEvery > 0 {
			return o.Cfg.ScrapeProgressFlushEvery
		}
		return 50
	}
	if o.Cfg.VerifyProgressFlushEvery > 0 {
		return o.Cfg.VerifyProgressFlushEvery
	}
	return 10
}

func isTerminal(s domain.JobStatus) bool {
	return s == domain.JobCompleted || s == domain.JobFailed || s == domain.JobCancelled
}

// webhookPayload is the notification body posted to a job's webhook: job
// id, status, counters, and the kind-specific result payload passed
// through as-is.
type webhookPayload struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// fireWebhook POSTs the job result; failure is logged and swallowed, never
// touching the job's already-committed terminal status.
func (o *Orchestrator) fireWebhook(ctx domain.Context, job domain.Job, processed, failed int, result []byte) {
	lg := obsctx.LoggerFromContext(ctx)
	body, err := json.Marshal(webhookPayload{
		JobID:          job.ID,
		Status:         string(domain.JobCompleted),
		TotalItems:     job.TotalItems,
		ProcessedItems: processed,
		FailedItems:    failed,
		Result:         result,
	})
	if err != nil {
		lg.Error("failed to marshal webhook payload", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	webhookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Cfg.WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(webhookCtx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		lg.Error("failed to build webhook request", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		lg.Warn("webhook delivery failed", slog.String("job_id", job.ID),
			slog.String("webhook_url", job.WebhookURL), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		lg.Warn("webhook endpoint returned non-2xx", slog.String("job_id", job.ID),
			slog.Int("status_code", resp.StatusCode))
	}
}
