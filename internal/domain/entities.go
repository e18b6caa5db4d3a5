// Package domain defines core entities, ports, and domain-specific errors
// for the lead-enrichment job engine.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// JobKind enumerates the kinds of bulk work the engine can run.
type JobKind string

// Job kind values.
const (
	JobKindScrapeProfiles   JobKind = "scrape_profiles"
	JobKindBulkVerifyLeads  JobKind = "bulk_verify_leads"
	JobKindBulkVerifyEmails JobKind = "bulk_verify_emails"
	JobKindEnrichEmails     JobKind = "enrich_emails"
	JobKindImportLeads      JobKind = "import_leads" // reserved
	JobKindExportLeads      JobKind = "export_leads" // reserved
	JobKindAIScore          JobKind = "ai_score"      // reserved
)

// JobStatus captures the lifecycle state of a job.
type JobStatus string

// Job status values.
const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused" // reserved, not driven by the orchestrator today
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TaskStatus captures the lifecycle state of a single item within a job.
type TaskStatus string

// Task status values.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Job is the domain model for a unit of bulk work: one run of a JobKind
// over a batch of input items.
type Job struct {
	ID        string
	Kind      JobKind
	Status    JobStatus
	Priority  int // 1-10, default 5; persisted, not scheduled on (broker ordering used)
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	TotalItems     int
	ProcessedItems int
	FailedItems    int

	Config     []byte // opaque job-kind-specific config (JSON)
	Result     []byte // opaque job-kind-specific summary (JSON)
	WebhookURL string
	IdemKey    *string
}

// ProgressPercentage returns the job's completion percentage in [0,100].
func (j Job) ProgressPercentage() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	return 100 * float64(j.ProcessedItems) / float64(j.TotalItems)
}

// Task is one input item within a Job, materialized durably so that
// retry_failed_tasks has per-item state to act on.
type Task struct {
	ID       string
	JobID    string
	Status   TaskStatus
	Attempts int

	InputData  []byte // opaque per-task input (JSON): a Lead or a raw email
	OutputData []byte // opaque per-task output (JSON): a VerificationResult

	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// CanRetry reports whether the task has attempts remaining.
func (t Task) CanRetry(maxAttempts int) bool {
	return t.Status == TaskFailed && t.Attempts < maxAttempts
}

// Lead is a person/company-website pair submitted for email discovery.
type Lead struct {
	ID          string
	FirstName   string
	LastName    string
	CompanyName string
	WebsiteURL  string
	Domain      string // derived from WebsiteURL or CompanyName
}

// VerificationStatus is the verdict returned for a candidate or raw email.
type VerificationStatus string

// Verification status values, matching the vendor's decode table.
const (
	VerificationValid    VerificationStatus = "valid"
	VerificationInvalid  VerificationStatus = "invalid"
	VerificationCatchAll VerificationStatus = "catch_all"
	VerificationUnknown  VerificationStatus = "unknown"
	VerificationPending  VerificationStatus = "pending"
)

// VerificationResult is the outcome of probing a single email address
// against the verification vendor.
type VerificationResult struct {
	Email       string
	Status      VerificationStatus
	Deliverable bool
	CatchAll    bool
	HasMX       bool
	Reason      string
	CheckedAt   time.Time
}

// Company tracks per-domain email-pattern learning that persists across job
// runs.
type Company struct {
	ID                     string
	Name                   string
	Domain                 string
	DetectedEmailPattern   *string
	EmailPatternConfidence *float64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Profile is an enriched person record fetched from the profile vendor.
type Profile struct {
	ID          string
	LeadID      string
	FullName    string
	Title       string
	CompanyName string
	Domain      string
	FetchedAt   time.Time
	RawPayload  []byte
}

// Repositories (ports)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=TaskRepository --with-expecter --filename=task_repository_mock.go
//go:generate mockery --name=CompanyRepository --with-expecter --filename=company_repository_mock.go
//go:generate mockery --name=Broker --with-expecter --filename=broker_mock.go

// JobRepository persists and loads Jobs.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	UpdateProgress(ctx Context, id string, processedItems, failedItems int) error
	SetResult(ctx Context, id string, result []byte) error
	Get(ctx Context, id string) (Job, error)
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	Count(ctx Context) (int64, error)
	CountByStatus(ctx Context, status JobStatus) (int64, error)
	List(ctx Context, offset, limit int) ([]Job, error)
	ListWithFilters(ctx Context, offset, limit int, search, status string) ([]Job, error)
	CountWithFilters(ctx Context, search, status string) (int64, error)
	GetAverageProcessingTime(ctx Context) (float64, error)
}

// TaskRepository persists and loads Tasks belonging to a Job.
type TaskRepository interface {
	CreateBatch(ctx Context, tasks []Task) error
	UpdateResult(ctx Context, taskID string, status TaskStatus, output []byte, errMsg string) error
	ListByJob(ctx Context, jobID string, offset, limit int) ([]Task, error)
	ListFailedByJob(ctx Context, jobID string) ([]Task, error)
	ResetForRetry(ctx Context, taskID string) error
}

// CompanyRepository persists cross-job, per-domain email-pattern learning.
type CompanyRepository interface {
	GetByDomain(ctx Context, domain string) (Company, error)
	UpsertPattern(ctx Context, domain string, pattern string, confidence float64) error
}

// Broker is the message-dispatch backbone the Orchestrator consumes from.
// This is only the seam two concrete adapters (asynq, redpanda) implement.
type Broker interface {
	Enqueue(ctx Context, jobID string) error
	Consume(ctx Context, handler func(ctx Context, jobID string) error) error
	Close() error
}

// EvaluateTaskPayload carries a job id through a Broker; the receiving side
// loads the full Job via JobRepository rather than round-tripping the whole
// struct through the wire.
type EvaluateTaskPayload struct {
	JobID string
}
