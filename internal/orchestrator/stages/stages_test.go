package stages_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
	"github.com/leadforge/jobengine/internal/orchestrator/stages"
)

type fakeTaskRepo struct {
	updates map[string]fakeUpdate
}

type fakeUpdate struct {
	status domain.TaskStatus
	output []byte
	errMsg string
}

func newFakeTaskRepo() *fakeTaskRepo { return &fakeTaskRepo{updates: map[string]fakeUpdate{}} }

func (r *fakeTaskRepo) CreateBatch(domain.Context, []domain.Task) error { return nil }
func (r *fakeTaskRepo) UpdateResult(_ domain.Context, taskID string, status domain.TaskStatus, output []byte, errMsg string) error {
	r.updates[taskID] = fakeUpdate{status: status, output: output, errMsg: errMsg}
	return nil
}
func (r *fakeTaskRepo) ListByJob(domain.Context, string, int, int) ([]domain.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) ListFailedByJob(domain.Context, string) ([]domain.Task, error) { return nil, nil }
func (r *fakeTaskRepo) ResetForRetry(domain.Context, string) error                    { return nil }

type fakeCompanyRepo struct {
	byDomain map[string]domain.Company
}

func newFakeCompanyRepo() *fakeCompanyRepo { return &fakeCompanyRepo{byDomain: map[string]domain.Company{}} }

func (r *fakeCompanyRepo) GetByDomain(_ domain.Context, d string) (domain.Company, error) {
	c, ok := r.byDomain[d]
	if !ok {
		return domain.Company{}, domain.ErrNotFound
	}
	return c, nil
}
func (r *fakeCompanyRepo) UpsertPattern(_ domain.Context, d, pattern string, confidence float64) error {
	p := pattern
	c := confidence
	r.byDomain[d] = domain.Company{Domain: d, DetectedEmailPattern: &p, EmailPatternConfidence: &c}
	return nil
}

// scriptedVerifier answers Verify calls from a queue of canned results keyed
// by exact email address probed, recording call order for assertions.
type scriptedVerifier struct {
	answers map[string]domain.VerificationResult
	calls   []string
}

func (v *scriptedVerifier) Verify(_ domain.Context, email string) domain.VerificationResult {
	v.calls = append(v.calls, email)
	if res, ok := v.answers[email]; ok {
		return res
	}
	return domain.VerificationResult{Email: email, Status: domain.VerificationInvalid, Reason: "rejected"}
}

func taskWith(id string, v any) domain.Task {
	b, _ := json.Marshal(v)
	return domain.Task{ID: id, InputData: b}
}

func TestBulkVerifyLeads_SingleValidAndPatternReuse(t *testing.T) {
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"ada.lovelace@example.com": {Status: domain.VerificationValid},
	}}
	tasks := []domain.Task{
		taskWith("t1", map[string]string{"first_name": "Ada", "last_name": "Lovelace", "website": "https://example.com/"}),
		taskWith("t2", map[string]string{"first_name": "Alan", "last_name": "Turing", "website": "example.com"}),
	}
	verifier.answers["alan.turing@example.com"] = domain.VerificationResult{Status: domain.VerificationValid}

	taskRepo := newFakeTaskRepo()
	companies := newFakeCompanyRepo()
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindBulkVerifyLeads}, Tasks: tasks,
		TaskRepo: taskRepo, CompanyRepo: companies,
		NewVerifier: func() orchestrator.Verifier { return verifier },
		Progress:    func(int, int) {}, Cancelled: func() bool { return false },
	}

	result, err := stages.BulkVerifyLeads{}.Run(context.Background(), rc)
	require.NoError(t, err)
	require.Contains(t, string(result), "ada.lovelace@example.com")
	require.Contains(t, string(result), "alan.turing@example.com")

	// Second lead on the same domain must converge on the first probe once
	// the pattern from lead 1 is known.
	require.Equal(t, []string{"ada.lovelace@example.com", "alan.turing@example.com"}, verifier.calls)
	require.Equal(t, domain.TaskCompleted, taskRepo.updates["t1"].status)
	require.Equal(t, domain.TaskCompleted, taskRepo.updates["t2"].status)
}

func TestBulkVerifyLeads_CatchAllTruncatesSubsequentCandidates(t *testing.T) {
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"x.y@allyes.com": {Status: domain.VerificationCatchAll},
	}}
	tasks := []domain.Task{
		taskWith("t1", map[string]string{"first_name": "X", "last_name": "Y", "website": "allyes.com"}),
		taskWith("t2", map[string]string{"first_name": "A", "last_name": "B", "website": "allyes.com"}),
	}

	taskRepo := newFakeTaskRepo()
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindBulkVerifyLeads}, Tasks: tasks,
		TaskRepo: taskRepo, CompanyRepo: newFakeCompanyRepo(),
		NewVerifier: func() orchestrator.Verifier { return verifier },
		Progress:    func(int, int) {}, Cancelled: func() bool { return false },
	}

	_, err := stages.BulkVerifyLeads{}.Run(context.Background(), rc)
	require.NoError(t, err)

	require.Equal(t, domain.TaskFailed, taskRepo.updates["t1"].status)
	require.Equal(t, domain.TaskFailed, taskRepo.updates["t2"].status)
	// Second lead on allyes.com must issue exactly one vendor call.
	require.Len(t, verifier.calls, 2)
}

func TestBulkVerifyLeads_DeadDomainSkipsSubsequentLeadsWithoutVendorCall(t *testing.T) {
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"x.y@nomx.test": {Status: domain.VerificationInvalid, Reason: "no MX records"},
	}}
	tasks := []domain.Task{
		taskWith("t1", map[string]string{"first_name": "X", "last_name": "Y", "website": "nomx.test"}),
		taskWith("t2", map[string]string{"first_name": "A", "last_name": "B", "website": "nomx.test"}),
	}

	taskRepo := newFakeTaskRepo()
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindBulkVerifyLeads}, Tasks: tasks,
		TaskRepo: taskRepo, CompanyRepo: newFakeCompanyRepo(),
		NewVerifier: func() orchestrator.Verifier { return verifier },
		Progress:    func(int, int) {}, Cancelled: func() bool { return false },
	}

	_, err := stages.BulkVerifyLeads{}.Run(context.Background(), rc)
	require.NoError(t, err)

	require.Equal(t, domain.TaskFailed, taskRepo.updates["t1"].status)
	require.Equal(t, domain.TaskFailed, taskRepo.updates["t2"].status)
	require.Len(t, verifier.calls, 1)
}

func TestBulkVerifyLeads_StopsAtCancellationBoundary(t *testing.T) {
	tasks := []domain.Task{
		taskWith("t1", map[string]string{"first_name": "X", "last_name": "Y", "website": "example.com"}),
	}
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindBulkVerifyLeads}, Tasks: tasks,
		TaskRepo: newFakeTaskRepo(), CompanyRepo: newFakeCompanyRepo(),
		NewVerifier: func() orchestrator.Verifier { return &scriptedVerifier{} },
		Progress:    func(int, int) {}, Cancelled: func() bool { return true },
	}

	_, err := stages.BulkVerifyLeads{}.Run(context.Background(), rc)
	require.ErrorIs(t, err, orchestrator.ErrCancelled)
}

func TestBulkVerifyEmails_EmitsPerEmailVerdict(t *testing.T) {
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"ok@example.com": {Status: domain.VerificationValid, Deliverable: true, HasMX: true},
	}}
	tasks := []domain.Task{taskWith("t1", map[string]string{"email": "ok@example.com"})}
	taskRepo := newFakeTaskRepo()
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindBulkVerifyEmails}, Tasks: tasks,
		TaskRepo: taskRepo, NewVerifier: func() orchestrator.Verifier { return verifier },
		Progress: func(int, int) {}, Cancelled: func() bool { return false },
	}

	result, err := stages.BulkVerifyEmails{}.Run(context.Background(), rc)
	require.NoError(t, err)
	require.Contains(t, string(result), "ok@example.com")
	require.Equal(t, domain.TaskCompleted, taskRepo.updates["t1"].status)
}

func TestEnrichEmails_AcceptsCatchAllUnlikeBulkVerifyLeads(t *testing.T) {
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"j.smith@allyes.com": {Status: domain.VerificationCatchAll},
	}}
	tasks := []domain.Task{taskWith("t1", map[string]string{"first_name": "John", "last_name": "Smith", "website": "allyes.com"})}
	taskRepo := newFakeTaskRepo()
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindEnrichEmails}, Tasks: tasks,
		TaskRepo: taskRepo, NewVerifier: func() orchestrator.Verifier { return verifier },
		Progress: func(int, int) {}, Cancelled: func() bool { return false },
	}

	result, err := stages.EnrichEmails{}.Run(context.Background(), rc)
	require.NoError(t, err)
	require.Contains(t, string(result), "allyes.com")
	require.Equal(t, domain.TaskCompleted, taskRepo.updates["t1"].status)
}

func TestRegistry_CoversAllFourJobKinds(t *testing.T) {
	reg := stages.NewRegistry()
	for _, kind := range []domain.JobKind{
		domain.JobKindBulkVerifyLeads, domain.JobKindBulkVerifyEmails,
		domain.JobKindScrapeProfiles, domain.JobKindEnrichEmails,
	} {
		_, ok := reg[kind]
		require.True(t, ok, "missing stage for %s", kind)
	}
}
