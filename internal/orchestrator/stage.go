package orchestrator

import (
	"errors"
	"time"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/profile"
)

// ErrCancelled is returned by a Stage when it observed the job transition to
// cancelled and stopped at an item boundary. The Orchestrator treats it as a
// clean stop, not a failure: it does not transition the job (already
// cancelled externally) and does not re-raise for broker retry.
var ErrCancelled = errors.New("job cancelled")

// Verifier is the subset of verifier.Client a Stage depends on. A fresh
// instance is constructed per job run; its rate-limiter state must never
// leak between unrelated runs.
type Verifier interface {
	Verify(ctx domain.Context, email string) domain.VerificationResult
}

// ProfileEnricher is the subset of profile.Client the scrape-profiles stage
// depends on.
type ProfileEnricher interface {
	EnrichSingle(ctx domain.Context, linkedInURL string) profile.EnrichedMember
}

// Stage drives one job kind to completion over its materialized tasks and
// returns the job-level result payload.
type Stage interface {
	Run(ctx domain.Context, rc *RunContext) ([]byte, error)
}

// Registry maps a job kind to the Stage that drives it, replacing a runtime
// type-switch with a lookup table (spec's "polymorphic job stages").
type Registry map[domain.JobKind]Stage

// RunContext carries everything a Stage needs to process one job's tasks,
// without the Stage needing to know how progress is flushed or how
// cancellation is observed.
type RunContext struct {
	Job   domain.Job
	Tasks []domain.Task

	TaskRepo    domain.TaskRepository
	CompanyRepo domain.CompanyRepository

	FlushEvery      int
	ChunkSize       int
	InterChunkDelay time.Duration

	NewVerifier   func() Verifier
	ProfileClient ProfileEnricher

	// Progress reports a delta in processed/failed counters for one item.
	// The Orchestrator decides when to actually persist the running total.
	Progress func(processedDelta, failedDelta int)

	// Cancelled reports whether the job has been externally marked
	// cancelled. A Stage must check this at item boundaries only, never
	// mid-HTTP-call.
	Cancelled func() bool
}
