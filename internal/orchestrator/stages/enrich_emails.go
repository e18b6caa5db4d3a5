package stages

import (
	"encoding/json"
	"fmt"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/emailfinder"
	"github.com/leadforge/jobengine/internal/orchestrator"
)

// enrichedLead is one entry of the enrich_emails result payload.
type enrichedLead struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Website       string `json:"website"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

type enrichEmailsResult struct {
	EnrichedLeads []enrichedLead `json:"enriched_leads"`
}

// EnrichEmails runs the permissive Email Finder, which accepts catch-all,
// directly over a lead list, with none of the domain-learning bucketing
// bulk_verify_leads applies. It exists for callers who want a best-effort
// address without the stricter catch-all rejection of the batch verifier.
type EnrichEmails struct{}

func (EnrichEmails) Run(ctx domain.Context, rc *orchestrator.RunContext) ([]byte, error) {
	v := rc.NewVerifier()
	result := enrichEmailsResult{}

	for _, t := range rc.Tasks {
		if rc.Cancelled() {
			return nil, orchestrator.ErrCancelled
		}

		var in leadInput
		if err := json.Unmarshal(t.InputData, &in); err != nil {
			if uerr := rc.TaskRepo.UpdateResult(ctx, t.ID, domain.TaskFailed, nil, "malformed task input"); uerr != nil {
				return nil, fmt.Errorf("op=stages.enrich_emails.update_result: %w", uerr)
			}
			rc.Progress(0, 1)
			continue
		}

		domainKey := normalizeDomain(in.Website)
		record := enrichedLead{FirstName: in.FirstName, LastName: in.LastName, Website: in.Website}
		email, verified, found := emailfinder.Find(ctx, v, in.FirstName, in.LastName, domainKey)

		status := domain.TaskFailed
		errMsg := "no email found"
		if found {
			record.Email = email
			record.EmailVerified = verified
			status = domain.TaskCompleted
			errMsg = ""
		}
		result.EnrichedLeads = append(result.EnrichedLeads, record)

		output, _ := json.Marshal(record)
		if err := rc.TaskRepo.UpdateResult(ctx, t.ID, status, output, errMsg); err != nil {
			return nil, fmt.Errorf("op=stages.enrich_emails.update_result: %w", err)
		}
		if status == domain.TaskCompleted {
			rc.Progress(1, 0)
		} else {
			rc.Progress(0, 1)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("op=stages.enrich_emails.marshal_result: %w", err)
	}
	return payload, nil
}
