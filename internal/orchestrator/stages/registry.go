package stages

import (
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
)

// NewRegistry builds the job-kind -> Stage lookup table the orchestrator
// dispatches on, one entry per supported job kind.
func NewRegistry() orchestrator.Registry {
	return orchestrator.Registry{
		domain.JobKindBulkVerifyLeads:  BulkVerifyLeads{},
		domain.JobKindBulkVerifyEmails: BulkVerifyEmails{},
		domain.JobKindScrapeProfiles:   ScrapeProfiles{},
		domain.JobKindEnrichEmails:     EnrichEmails{},
	}
}
