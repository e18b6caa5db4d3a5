// Package usecase contains application business logic services, sitting
// between the HTTP/broker adapters and the domain repositories.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/obsctx"
)

// defaultTaskMaxAttempts bounds how many times a failed task may be retried
// via RetryFailedTasks, taken from domain.DefaultRetryConfig (3 attempts).
var defaultTaskMaxAttempts = domain.DefaultRetryConfig().MaxRetries

// validKinds are the job kinds Submit accepts; reserved kinds are listed so
// clients can submit against them ahead of their stages shipping, but any
// other string is rejected outright.
var validKinds = map[domain.JobKind]bool{
	domain.JobKindScrapeProfiles:   true,
	domain.JobKindBulkVerifyLeads:  true,
	domain.JobKindBulkVerifyEmails: true,
	domain.JobKindEnrichEmails:     true,
	domain.JobKindImportLeads:      true,
	domain.JobKindExportLeads:      true,
	domain.JobKindAIScore:          true,
}

// JobService orchestrates job creation, observation, and retry at the API
// boundary. It assumes its inputs were already validated for auth/shape by
// the HTTP layer: its own checks are limited to what the core itself must
// guarantee (known kind, non-empty item set, valid transitions).
type JobService struct {
	Jobs   domain.JobRepository
	Tasks  domain.TaskRepository
	Broker domain.Broker
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(jobs domain.JobRepository, tasks domain.TaskRepository, broker domain.Broker) JobService {
	return JobService{Jobs: jobs, Tasks: tasks, Broker: broker}
}

// SubmitRequest is the input to Submit: one item per task to materialize,
// already shaped for the requested Kind (a leadInput, emailInput, or
// urlInput per the stage it will run under).
type SubmitRequest struct {
	Kind       domain.JobKind
	Items      []json.RawMessage
	Priority   int
	WebhookURL string
	IdemKey    string
}

// Submit validates the request, creates the job, materializes one Task per
// item, and enqueues the job for the worker to pick up.
func (s JobService) Submit(ctx domain.Context, req SubmitRequest) (string, error) {
	tr := otel.Tracer("usecase.jobs")
	ctx, span := tr.Start(ctx, "JobService.Submit")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	if !validKinds[req.Kind] {
		return "", fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidArgument, req.Kind)
	}
	if len(req.Items) == 0 {
		return "", fmt.Errorf("%w: at least one item required", domain.ErrInvalidArgument)
	}

	if req.IdemKey != "" {
		if j, err := s.Jobs.FindByIdempotencyKey(ctx, req.IdemKey); err == nil && j.ID != "" {
			lg.Info("submit idempotent hit", slog.String("job_id", j.ID), slog.String("idempotency_key", req.IdemKey))
			return j.ID, nil
		}
	}

	priority := req.Priority
	if priority <= 0 {
		priority = 5
	}

	config, err := json.Marshal(req.Items)
	if err != nil {
		return "", fmt.Errorf("%w: items must be JSON-encodable", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	j := domain.Job{
		Kind: req.Kind, Status: domain.JobQueued, Priority: priority,
		TotalItems: len(req.Items), Config: config, WebhookURL: req.WebhookURL,
		CreatedAt: now, UpdatedAt: now,
	}
	if req.IdemKey != "" {
		j.IdemKey = &req.IdemKey
	}

	jobID, err := s.Jobs.Create(ctx, j)
	if err != nil {
		lg.Error("submit failed to create job", slog.Any("error", err))
		return "", fmt.Errorf("op=usecase.jobs.submit.create: %w", err)
	}

	tasks := make([]domain.Task, len(req.Items))
	for i, item := range req.Items {
		tasks[i] = domain.Task{JobID: jobID, Status: domain.TaskPending, InputData: item}
	}
	if err := s.Tasks.CreateBatch(ctx, tasks); err != nil {
		msg := "failed to materialize tasks"
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &msg)
		lg.Error("submit failed to create tasks", slog.String("job_id", jobID), slog.Any("error", err))
		return "", fmt.Errorf("op=usecase.jobs.submit.create_tasks: %w", err)
	}

	if err := s.Broker.Enqueue(ctx, jobID); err != nil {
		msg := "failed to enqueue job"
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &msg)
		lg.Error("submit failed to enqueue", slog.String("job_id", jobID), slog.Any("error", err))
		return "", fmt.Errorf("op=usecase.jobs.submit.enqueue: %w", err)
	}

	lg.Info("submit enqueued job", slog.String("job_id", jobID), slog.String("kind", string(req.Kind)), slog.Int("total_items", len(req.Items)))
	return jobID, nil
}

// Get loads a single job by id.
func (s JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	return s.Jobs.Get(ctx, id)
}

// List returns a page of jobs matching the given search/status filters,
// plus the total count for pagination.
func (s JobService) List(ctx domain.Context, offset, limit int, search, status string) ([]domain.Job, int64, error) {
	jobs, err := s.Jobs.ListWithFilters(ctx, offset, limit, search, status)
	if err != nil {
		return nil, 0, fmt.Errorf("op=usecase.jobs.list: %w", err)
	}
	total, err := s.Jobs.CountWithFilters(ctx, search, status)
	if err != nil {
		return nil, 0, fmt.Errorf("op=usecase.jobs.list.count: %w", err)
	}
	return jobs, total, nil
}

// isTerminal reports whether a job status will never transition again.
func isTerminal(st domain.JobStatus) bool {
	return st == domain.JobCompleted || st == domain.JobFailed || st == domain.JobCancelled
}

// Cancel marks a job cancelled. Terminal states are sticky, so a job that
// already completed, failed, or was cancelled cannot be cancelled again.
func (s JobService) Cancel(ctx domain.Context, id string) error {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=usecase.jobs.cancel.get: %w", err)
	}
	if isTerminal(j.Status) {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrConflict, id, j.Status)
	}
	return s.Jobs.UpdateStatus(ctx, id, domain.JobCancelled, nil)
}

// RetryFailedTasks resets every failed-but-retryable task of a job back to
// pending and re-enqueues the job, returning how many tasks were reset. A
// job with no retryable failed tasks is a no-op, not an error.
func (s JobService) RetryFailedTasks(ctx domain.Context, id string) (int, error) {
	if _, err := s.Jobs.Get(ctx, id); err != nil {
		return 0, fmt.Errorf("op=usecase.jobs.retry_failed_tasks.get: %w", err)
	}

	failed, err := s.Tasks.ListFailedByJob(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("op=usecase.jobs.retry_failed_tasks.list: %w", err)
	}

	reset := 0
	for _, t := range failed {
		if !t.CanRetry(defaultTaskMaxAttempts) {
			continue
		}
		if err := s.Tasks.ResetForRetry(ctx, t.ID); err != nil {
			return reset, fmt.Errorf("op=usecase.jobs.retry_failed_tasks.reset: %w", err)
		}
		reset++
	}

	if reset == 0 {
		return 0, nil
	}
	if err := s.Jobs.UpdateStatus(ctx, id, domain.JobQueued, nil); err != nil {
		return reset, fmt.Errorf("op=usecase.jobs.retry_failed_tasks.requeue: %w", err)
	}
	if err := s.Broker.Enqueue(ctx, id); err != nil {
		return reset, fmt.Errorf("op=usecase.jobs.retry_failed_tasks.enqueue: %w", err)
	}
	return reset, nil
}
