package stages

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/emailfinder"
	"github.com/leadforge/jobengine/internal/orchestrator"
	"github.com/leadforge/jobengine/internal/profile"
)

// urlInput is the per-task payload for a scrape_profiles job: one LinkedIn
// profile URL to enrich.
type urlInput struct {
	LinkedInURL string `json:"linkedin_url"`
}

// scrapedMember is one entry of the scrape_profiles result payload and the
// CSV export row shape.
type scrapedMember struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	JobTitle      string `json:"job_title"`
	CompanyName   string `json:"company_name"`
	CompanyDomain string `json:"company_domain"`
	LinkedInURL   string `json:"linkedin_url"`
	Location      string `json:"location"`
}

type scrapeProfilesResult struct {
	Results []scrapedMember `json:"results"`
}

// ScrapeProfiles runs chunked parallel profile enrichment, followed by
// sequential email-finding within the chunk so every Verifier call still
// passes through one shared rate limiter.
type ScrapeProfiles struct{}

func (ScrapeProfiles) Run(ctx domain.Context, rc *orchestrator.RunContext) ([]byte, error) {
	v := rc.NewVerifier()
	chunkSize := rc.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 50
	}
	delay := rc.InterChunkDelay
	if delay <= 0 {
		delay = time.Second
	}

	result := scrapeProfilesResult{}

	for start := 0; start < len(rc.Tasks); start += chunkSize {
		if rc.Cancelled() {
			return nil, orchestrator.ErrCancelled
		}

		end := start + chunkSize
		if end > len(rc.Tasks) {
			end = len(rc.Tasks)
		}
		chunk := rc.Tasks[start:end]

		members := make([]profile.EnrichedMember, len(chunk))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, t := range chunk {
			i, t := i, t
			var in urlInput
			if err := json.Unmarshal(t.InputData, &in); err != nil {
				continue
			}
			group.Go(func() error {
				members[i] = rc.ProfileClient.EnrichSingle(groupCtx, in.LinkedInURL)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, fmt.Errorf("op=stages.scrape_profiles.enrich: %w", err)
		}

		for i, t := range chunk {
			member := members[i]
			if member.CompanyDomain != "" && v != nil {
				email, verified, found := emailfinder.Find(ctx, v, member.FirstName, member.LastName, member.CompanyDomain)
				if found {
					member.Email = email
					member.EmailVerified = verified
				}
			}

			record := scrapedMember{
				FirstName: member.FirstName, LastName: member.LastName, FullName: member.FullName,
				Email: member.Email, EmailVerified: member.EmailVerified, JobTitle: member.JobTitle,
				CompanyName: member.CompanyName, CompanyDomain: member.CompanyDomain,
				LinkedInURL: member.LinkedInURL, Location: member.Location,
			}
			result.Results = append(result.Results, record)

			status := domain.TaskCompleted
			errMsg := ""
			if record.Email == "" {
				status = domain.TaskFailed
				errMsg = "no deliverable email found"
			}
			output, _ := json.Marshal(record)
			if err := rc.TaskRepo.UpdateResult(ctx, t.ID, status, output, errMsg); err != nil {
				return nil, fmt.Errorf("op=stages.scrape_profiles.update_result: %w", err)
			}
			if status == domain.TaskCompleted {
				rc.Progress(1, 0)
			} else {
				rc.Progress(0, 1)
			}
		}

		if end < len(rc.Tasks) {
			time.Sleep(delay)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("op=stages.scrape_profiles.marshal_result: %w", err)
	}
	return payload, nil
}
