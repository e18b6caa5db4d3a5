package stages

import (
	"encoding/json"
	"fmt"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
)

// emailInput is the per-task payload for a bulk_verify_emails job: a single
// raw address submitted for a verification verdict rather than discovery.
type emailInput struct {
	Email string `json:"email"`
}

// emailRecord is one entry of the bulk_verify_emails result payload.
type emailRecord struct {
	Email         string `json:"email"`
	Status        string `json:"status"`
	IsDeliverable bool   `json:"is_deliverable"`
	IsCatchAll    bool   `json:"is_catch_all"`
	MXFound       bool   `json:"mx_found"`
	Reason        string `json:"reason,omitempty"`
}

type bulkVerifyEmailsResult struct {
	Results []emailRecord `json:"results"`
}

// BulkVerifyEmails probes every input address once each and reports the
// vendor's verdict directly, with no domain learning involved.
type BulkVerifyEmails struct{}

func (BulkVerifyEmails) Run(ctx domain.Context, rc *orchestrator.RunContext) ([]byte, error) {
	v := rc.NewVerifier()
	result := bulkVerifyEmailsResult{}

	for _, t := range rc.Tasks {
		if rc.Cancelled() {
			return nil, orchestrator.ErrCancelled
		}

		var in emailInput
		if err := json.Unmarshal(t.InputData, &in); err != nil {
			if uerr := rc.TaskRepo.UpdateResult(ctx, t.ID, domain.TaskFailed, nil, "malformed task input"); uerr != nil {
				return nil, fmt.Errorf("op=stages.bulk_verify_emails.update_result: %w", uerr)
			}
			rc.Progress(0, 1)
			continue
		}

		res := v.Verify(ctx, in.Email)
		observability.RecordVerificationResult(string(res.Status))
		record := emailRecord{
			Email:         in.Email,
			Status:        string(res.Status),
			IsDeliverable: res.Deliverable,
			IsCatchAll:    res.CatchAll,
			MXFound:       res.HasMX,
			Reason:        res.Reason,
		}
		result.Results = append(result.Results, record)

		status := domain.TaskCompleted
		errMsg := ""
		if res.Status != domain.VerificationValid {
			status = domain.TaskFailed
			errMsg = res.Reason
		}
		output, _ := json.Marshal(record)
		if err := rc.TaskRepo.UpdateResult(ctx, t.ID, status, output, errMsg); err != nil {
			return nil, fmt.Errorf("op=stages.bulk_verify_emails.update_result: %w", err)
		}
		if status == domain.TaskCompleted {
			rc.Progress(1, 0)
		} else {
			rc.Progress(0, 1)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("op=stages.bulk_verify_emails.marshal_result: %w", err)
	}
	return payload, nil
}
