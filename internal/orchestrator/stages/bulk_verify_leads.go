// Package stages implements the job-kind Stages plugged into the
// orchestrator's registry, plus the enrich_emails supplement.
package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
	"github.com/leadforge/jobengine/internal/permutator"
)

// minPatternConfidence gates whether a cross-job learned pattern is trusted
// enough to seed known_pattern at the start of a run; patterns below this
// are read but not seeded, so leads on that domain start from the default
// candidate order.
const minPatternConfidence = 0.5

// leadInput is the per-task payload for a bulk_verify_leads job.
type leadInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Website   string `json:"website"`
}

// verifiedLead is one entry of the bulk_verify_leads result payload.
type verifiedLead struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Website   string `json:"website"`
	Email     string `json:"email"`
}

type bulkVerifyLeadsResult struct {
	VerifiedLeads []verifiedLead `json:"verified_leads"`
}

// BulkVerifyLeads is the domain-learning batch verifier: it buckets leads by
// domain and maintains known_pattern/catch_all/dead sets for the lifetime of
// the run so that later leads on an already-seen domain converge in as few
// vendor calls as possible.
type BulkVerifyLeads struct{}

// domainBucket groups a domain's leads together with their originating
// task, preserving input order within the bucket.
type domainBucket struct {
	items []bucketItem
}

type bucketItem struct {
	task  domain.Task
	input leadInput
}

func (BulkVerifyLeads) Run(ctx domain.Context, rc *orchestrator.RunContext) ([]byte, error) {
	v := rc.NewVerifier()

	buckets, order := groupByDomain(rc.Tasks)

	knownPattern := map[string]permutator.Pattern{}
	catchAll := map[string]bool{}
	dead := map[string]bool{}
	hydrateKnownPatterns(ctx, rc.CompanyRepo, order, knownPattern)

	result := bulkVerifyLeadsResult{}

	for _, domainKey := range order {
		bucket := buckets[domainKey]
		for _, item := range bucket.items {
			if rc.Cancelled() {
				return nil, orchestrator.ErrCancelled
			}

			lead, email, ok := verifyOneLead(ctx, v, rc.CompanyRepo, domainKey, item.input, knownPattern, catchAll, dead)
			outcome := domain.TaskFailed
			var outputData []byte
			errMsg := "no deliverable email found"
			if ok {
				result.VerifiedLeads = append(result.VerifiedLeads, lead)
				outcome = domain.TaskCompleted
				errMsg = ""
				outputData, _ = json.Marshal(verifiedLead{
					FirstName: lead.FirstName, LastName: lead.LastName, Website: lead.Website, Email: email,
				})
			}
			if err := rc.TaskRepo.UpdateResult(ctx, item.task.ID, outcome, outputData, errMsg); err != nil {
				return nil, fmt.Errorf("op=stages.bulk_verify_leads.update_result: %w", err)
			}
			if ok {
				rc.Progress(1, 0)
			} else {
				rc.Progress(0, 1)
			}
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("op=stages.bulk_verify_leads.marshal_result: %w", err)
	}
	return payload, nil
}

// verifyOneLead generates candidate addresses for one lead, probes them in
// order, and mutates the run-scoped known_pattern/catch_all/dead state as it
// learns.
func verifyOneLead(ctx domain.Context, v orchestrator.Verifier, companies domain.CompanyRepository,
	domainKey string, in leadInput, knownPattern map[string]permutator.Pattern, catchAll, dead map[string]bool,
) (verifiedLead, string, bool) {
	lead := verifiedLead{FirstName: in.FirstName, LastName: in.LastName, Website: in.Website}

	if dead[domainKey] {
		return lead, "", false
	}

	candidates := permutator.Generate(in.FirstName, in.LastName, domainKey, knownPattern[domainKey])
	if len(candidates) == 0 {
		return lead, "", false
	}

	if catchAll[domainKey] {
		candidates = candidates[:1]
	}

	for _, candidate := range candidates {
		res := v.Verify(ctx, candidate)
		observability.RecordVerificationResult(string(res.Status))
		switch res.Status {
		case domain.VerificationValid:
			if pattern := permutator.DetectPattern(candidate, in.FirstName, in.LastName); pattern != "" {
				knownPattern[domainKey] = pattern
				if companies != nil {
					_ = companies.UpsertPattern(ctx, domainKey, string(pattern), 1.0)
					observability.RecordCompanyPatternConfidence(domainKey, 1.0)
				}
			}
			return lead, candidate, true
		case domain.VerificationCatchAll:
			catchAll[domainKey] = true
			return lead, "", false
		case domain.VerificationInvalid:
			if strings.Contains(strings.ToLower(res.Reason), "no mx") {
				dead[domainKey] = true
				return lead, "", false
			}
			if companies != nil {
				decayKnownPattern(ctx, companies, domainKey)
			}
		default:
			continue
		}
	}
	return lead, "", false
}

// decayKnownPattern records a miss against the learned pattern: confidence
// decays on a miss rather than being invalidated outright, since a single
// bad probe doesn't prove the whole company's convention changed.
func decayKnownPattern(ctx domain.Context, companies domain.CompanyRepository, domainKey string) {
	c, err := companies.GetByDomain(ctx, domainKey)
	if err != nil || c.DetectedEmailPattern == nil || c.EmailPatternConfidence == nil {
		return
	}
	confidence := *c.EmailPatternConfidence - 0.1
	if confidence < 0 {
		confidence = 0
	}
	_ = companies.UpsertPattern(ctx, domainKey, *c.DetectedEmailPattern, confidence)
	observability.RecordCompanyPatternConfidence(domainKey, confidence)
}

// hydrateKnownPatterns seeds known_pattern from previously-learned,
// sufficiently-confident Company rows so that a new run on a domain already
// seen by an earlier job still converges on the first probe.
func hydrateKnownPatterns(ctx domain.Context, companies domain.CompanyRepository, domains []string, knownPattern map[string]permutator.Pattern) {
	if companies == nil {
		return
	}
	for _, d := range domains {
		c, err := companies.GetByDomain(ctx, d)
		if err != nil || c.DetectedEmailPattern == nil || c.EmailPatternConfidence == nil {
			continue
		}
		if *c.EmailPatternConfidence >= minPatternConfidence {
			knownPattern[d] = permutator.Pattern(*c.DetectedEmailPattern)
		}
	}
}

// groupByDomain normalizes each task's website to a bare domain and buckets
// tasks by it, returning buckets plus domains in first-seen order so
// iteration over the run stays deterministic.
func groupByDomain(tasks []domain.Task) (map[string]*domainBucket, []string) {
	buckets := map[string]*domainBucket{}
	var order []string
	for _, t := range tasks {
		var in leadInput
		if err := json.Unmarshal(t.InputData, &in); err != nil {
			continue
		}
		d := normalizeDomain(in.Website)
		b, ok := buckets[d]
		if !ok {
			b = &domainBucket{}
			buckets[d] = b
			order = append(order, d)
		}
		b.items = append(b.items, bucketItem{task: t, input: in})
	}
	return buckets, order
}

// normalizeDomain strips scheme, "www.", trailing slash, and lowercases a
// website value down to the bare domain used as the bucketing key.
func normalizeDomain(website string) string {
	d := strings.ToLower(strings.TrimSpace(website))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if idx := strings.IndexAny(d, "/?#"); idx >= 0 {
		d = d[:idx]
	}
	return strings.TrimSuffix(d, "/")
}
